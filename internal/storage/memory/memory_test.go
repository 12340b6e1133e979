package memory

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noorlabs/qiblad/internal/config"
	"github.com/noorlabs/qiblad/internal/geo"
)

func fix(lat, lon float64) geo.Fix {
	return geo.Fix{
		Coordinate:     geo.Coordinate{Latitude: lat, Longitude: lon},
		AccuracyMeters: 5,
		Timestamp:      time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestNew_DefaultHistory(t *testing.T) {
	b := New(config.MemoryConfig{})
	assert.Equal(t, DefaultHistory, b.cfg.History)
	require.NoError(t, b.Init())
	require.NoError(t, b.Close())
}

func TestLastKnown_Unknown(t *testing.T) {
	b := New(config.MemoryConfig{})
	_, ok, err := b.LastKnown(context.Background(), "nobody")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSaveFix_LastKnown(t *testing.T) {
	ctx := context.Background()
	b := New(config.MemoryConfig{})

	require.NoError(t, b.SaveFix(ctx, "d1", fix(21, 39)))
	require.NoError(t, b.SaveFix(ctx, "d1", fix(40.7, -74)))

	c, ok, err := b.LastKnown(ctx, "d1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, geo.Coordinate{Latitude: 40.7, Longitude: -74}, c)

	_, ok, _ = b.LastKnown(ctx, "d2")
	assert.False(t, ok, "devices are isolated")
}

func TestPermissionGranted(t *testing.T) {
	ctx := context.Background()
	b := New(config.MemoryConfig{})

	granted, err := b.PermissionGranted(ctx, "d1")
	require.NoError(t, err)
	assert.False(t, granted)

	require.NoError(t, b.SetPermissionGranted(ctx, "d1", true))
	granted, _ = b.PermissionGranted(ctx, "d1")
	assert.True(t, granted)

	require.NoError(t, b.SetPermissionGranted(ctx, "d1", false))
	granted, _ = b.PermissionGranted(ctx, "d1")
	assert.False(t, granted)

	// a permission-only record has no location
	_, ok, _ := b.LastKnown(ctx, "d1")
	assert.False(t, ok)
}

func TestEmptyDevice(t *testing.T) {
	ctx := context.Background()
	b := New(config.MemoryConfig{})

	_, _, err := b.LastKnown(ctx, "")
	assert.Error(t, err)
	assert.Error(t, b.SaveFix(ctx, "", fix(0, 0)))
	_, err = b.PermissionGranted(ctx, "")
	assert.Error(t, err)
	assert.Error(t, b.SetPermissionGranted(ctx, "", true))
	_, err = b.RecentFixes(ctx, "", 1)
	assert.Error(t, err)
}

func TestRecentFixes_NewestFirstAndBounded(t *testing.T) {
	ctx := context.Background()
	b := New(config.MemoryConfig{History: 3})

	for i := 0; i < 5; i++ {
		require.NoError(t, b.SaveFix(ctx, "d1", fix(float64(i), 0)))
	}

	all, err := b.RecentFixes(ctx, "d1", 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, 4.0, all[0].Coordinate.Latitude)
	assert.Equal(t, 2.0, all[2].Coordinate.Latitude)

	two, err := b.RecentFixes(ctx, "d1", 2)
	require.NoError(t, err)
	assert.Len(t, two, 2)

	none, err := b.RecentFixes(ctx, "unknown", 2)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestConcurrentAccess(t *testing.T) {
	ctx := context.Background()
	b := New(config.MemoryConfig{})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = b.SaveFix(ctx, "d1", fix(float64(i%90), 0))
			_ = b.SetPermissionGranted(ctx, "d1", i%2 == 0)
			_, _, _ = b.LastKnown(ctx, "d1")
		}(i)
	}
	wg.Wait()

	_, ok, _ := b.LastKnown(ctx, "d1")
	assert.True(t, ok)
}

func TestSnapshot_RoundTrip(t *testing.T) {
	for _, compress := range []bool{false, true} {
		ctx := context.Background()
		path := filepath.Join(t.TempDir(), "nested", "state.json")
		cfg := config.MemoryConfig{SnapshotPath: path, CompressSnapshot: compress}

		b := New(cfg)
		require.NoError(t, b.Init(), "missing snapshot is fine")
		require.NoError(t, b.SaveFix(ctx, "d1", fix(21.4, 39.8)))
		require.NoError(t, b.SetPermissionGranted(ctx, "d1", true))
		require.NoError(t, b.SetPermissionGranted(ctx, "d2", true))
		require.NoError(t, b.Close())

		_, err := os.Stat(path)
		require.NoError(t, err)

		restored := New(cfg)
		require.NoError(t, restored.Init())

		c, ok, err := restored.LastKnown(ctx, "d1")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, 21.4, c.Latitude)

		fixes, err := restored.RecentFixes(ctx, "d1", 0)
		require.NoError(t, err)
		require.Len(t, fixes, 1)
		assert.True(t, fixes[0].Timestamp.Equal(fix(0, 0).Timestamp))

		granted, _ := restored.PermissionGranted(ctx, "d2")
		assert.True(t, granted)
	}
}

func TestSnapshot_Corrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0644))

	b := New(config.MemoryConfig{SnapshotPath: path})
	assert.Error(t, b.Init())
}

func TestSnapshot_WrongVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"version":99,"devices":{}}`), 0644))

	b := New(config.MemoryConfig{SnapshotPath: path})
	err := b.Init()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported snapshot version")
}
