package storage

import (
	"fmt"
	"log/slog"

	"github.com/rs/zerolog"

	"github.com/noorlabs/qiblad/internal/config"
	gormstorage "github.com/noorlabs/qiblad/internal/storage/gorm"
	"github.com/noorlabs/qiblad/internal/storage/memory"
	"github.com/noorlabs/qiblad/internal/storage/postgres"
	redisstorage "github.com/noorlabs/qiblad/internal/storage/redis"
	sqlitestorage "github.com/noorlabs/qiblad/internal/storage/sqlite"
)

// Compile-time interface checks
var (
	_ Backend   = (*memory.Backend)(nil)
	_ Historian = (*memory.Backend)(nil)
	_ Backend   = (*gormstorage.Backend)(nil)
	_ Historian = (*gormstorage.Backend)(nil)
	_ Backend   = (*sqlitestorage.Backend)(nil)
	_ Backend   = (*postgres.Backend)(nil)
	_ Backend   = (*redisstorage.Backend)(nil)
	_ Historian = (*redisstorage.Backend)(nil)
)

// NewBackend creates a storage backend based on configuration. The backend is
// not initialized; callers run Init.
func NewBackend(cfg config.StorageConfig, log *slog.Logger, dbLog zerolog.Logger) (Backend, error) {
	switch cfg.Type {
	case "postgres":
		return postgres.New(postgres.Dependencies{
			Postgres: cfg.Postgres,
			Fallback: cfg.SQLite,
			DBLogger: dbLog,
			Logger:   log,
		}), nil
	case "sqlite":
		return sqlitestorage.New(cfg.SQLite, log)
	case "redis":
		return redisstorage.New(cfg.Redis, log), nil
	case "memory", "":
		return memory.New(cfg.Memory), nil
	default:
		return nil, fmt.Errorf("unknown storage type: %s", cfg.Type)
	}
}
