package sqlitestorage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noorlabs/qiblad/internal/config"
	"github.com/noorlabs/qiblad/internal/database"
	"github.com/noorlabs/qiblad/internal/geo"
)

func TestFileBackend_Persists(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "qiblad.db")

	b, err := New(config.SQLiteConfig{Path: path}, nil)
	require.NoError(t, err)
	require.NoError(t, b.Init())
	require.NoError(t, b.SaveFix(ctx, "d1", geo.Fix{Coordinate: geo.Coordinate{Latitude: 21.4, Longitude: 39.8}}))
	require.NoError(t, b.Close())
	require.NoError(t, b.Close(), "close is idempotent")

	reopened, err := New(config.SQLiteConfig{Path: path}, nil)
	require.NoError(t, err)
	require.NoError(t, reopened.Init())
	t.Cleanup(func() { _ = reopened.Close() })

	c, ok, err := reopened.LastKnown(ctx, "d1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 21.4, c.Latitude)
}

func TestDumpLoop_WritesFile(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	dump := filepath.Join(dir, "dump.db")

	// a file-backed source keeps the test independent of the shared in-memory DSN
	db, err := database.OpenSqlite(filepath.Join(dir, "source.db"))
	require.NoError(t, err)
	b := Wrap(db, config.SQLiteConfig{DumpPath: dump, DumpInterval: 20 * time.Millisecond}, nil)
	require.NoError(t, b.Init())
	t.Cleanup(func() { _ = b.Close() })

	require.NoError(t, b.SetPermissionGranted(ctx, "d1", true))

	require.Eventually(t, func() bool {
		_, err := os.Stat(dump)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
}

func TestClose_FinalDump(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	dump := filepath.Join(dir, "final.db")

	db, err := database.OpenSqlite(filepath.Join(dir, "source.db"))
	require.NoError(t, err)
	b := Wrap(db, config.SQLiteConfig{DumpPath: dump, DumpInterval: time.Hour}, nil)
	require.NoError(t, b.Init())
	require.NoError(t, b.SaveFix(ctx, "d1", geo.Fix{Coordinate: geo.Coordinate{Latitude: 1, Longitude: 2}}))
	require.NoError(t, b.Close())

	restored, err := New(config.SQLiteConfig{Path: dump}, nil)
	require.NoError(t, err)
	require.NoError(t, restored.Init())
	t.Cleanup(func() { _ = restored.Close() })

	_, ok, err := restored.LastKnown(ctx, "d1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDumping_OnlyForInMemory(t *testing.T) {
	assert.False(t, (&Backend{cfg: config.SQLiteConfig{Path: "x.db", DumpPath: "y.db", DumpInterval: time.Second}}).dumping())
	assert.False(t, (&Backend{cfg: config.SQLiteConfig{DumpPath: "y.db"}}).dumping())
	assert.True(t, (&Backend{cfg: config.SQLiteConfig{DumpPath: "y.db", DumpInterval: time.Second}}).dumping())
}
