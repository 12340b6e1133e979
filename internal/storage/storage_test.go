package storage_test

import (
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noorlabs/qiblad/internal/config"
	"github.com/noorlabs/qiblad/internal/session"
	"github.com/noorlabs/qiblad/internal/storage"
	"github.com/noorlabs/qiblad/internal/storage/memory"
	redisstorage "github.com/noorlabs/qiblad/internal/storage/redis"
	sqlitestorage "github.com/noorlabs/qiblad/internal/storage/sqlite"
)

// every backend can back a session
var _ session.Store = storage.Backend(nil)

func TestNewBackend(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.StorageConfig
		check   func(t *testing.T, b storage.Backend)
		wantErr bool
	}{
		{
			name: "memory",
			cfg:  config.StorageConfig{Type: "memory"},
			check: func(t *testing.T, b storage.Backend) {
				assert.IsType(t, &memory.Backend{}, b)
			},
		},
		{
			name: "empty defaults to memory",
			cfg:  config.StorageConfig{},
			check: func(t *testing.T, b storage.Backend) {
				assert.IsType(t, &memory.Backend{}, b)
			},
		},
		{
			name: "sqlite",
			cfg:  config.StorageConfig{Type: "sqlite", SQLite: config.SQLiteConfig{Path: filepath.Join(t.TempDir(), "s.db")}},
			check: func(t *testing.T, b storage.Backend) {
				assert.IsType(t, &sqlitestorage.Backend{}, b)
				require.NoError(t, b.Init())
				require.NoError(t, b.Close())
			},
		},
		{
			name: "redis",
			cfg:  config.StorageConfig{Type: "redis", Redis: config.RedisConfig{Addr: "127.0.0.1:1"}},
			check: func(t *testing.T, b storage.Backend) {
				assert.IsType(t, &redisstorage.Backend{}, b)
				_ = b.Close()
			},
		},
		{
			name:    "unknown",
			cfg:     config.StorageConfig{Type: "etcd"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := storage.NewBackend(tt.cfg, nil, zerolog.Nop())
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), "unknown storage type")
				return
			}
			require.NoError(t, err)
			tt.check(t, b)
		})
	}
}

func TestHistorian_Optional(t *testing.T) {
	b, err := storage.NewBackend(config.StorageConfig{Type: "memory"}, nil, zerolog.Nop())
	require.NoError(t, err)
	_, ok := b.(storage.Historian)
	assert.True(t, ok)
}
