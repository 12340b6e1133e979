// Package postgres implements the device store on PostgreSQL through GORM.
// When the server cannot be reached at startup the backend falls back to a
// local SQLite database so sessions keep their cache.
package postgres

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/rs/zerolog"

	"github.com/noorlabs/qiblad/internal/config"
	"github.com/noorlabs/qiblad/internal/database"
	gormstorage "github.com/noorlabs/qiblad/internal/storage/gorm"
)

// Dependencies holds all dependencies for the Postgres storage backend.
type Dependencies struct {
	Postgres config.PostgresConfig
	// Fallback is used when Postgres is unreachable.
	Fallback config.SQLiteConfig
	// DBLogger receives connection diagnostics from the database manager.
	DBLogger zerolog.Logger
	Logger   *slog.Logger
}

// Backend implements storage.Backend using GORM on PostgreSQL.
type Backend struct {
	*gormstorage.Backend
	deps    Dependencies
	manager *database.Manager
}

// New creates a new Postgres storage backend. Nothing connects until Init.
func New(deps Dependencies) *Backend {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Backend{
		deps:    deps,
		manager: database.NewManager(deps.DBLogger),
	}
}

// Init connects, falling back to SQLite, and migrates the schema.
func (b *Backend) Init() error {
	if err := b.manager.Connect("postgres", b.deps.Postgres, b.deps.Fallback); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	if b.manager.UsingSQLite {
		b.deps.Logger.Warn("Postgres unavailable, device state is kept in local SQLite",
			"path", b.deps.Fallback.Path)
	}

	b.Backend = gormstorage.New(gormstorage.Dependencies{
		DB:     b.manager.DB,
		Logger: b.deps.Logger,
	})
	if err := b.manager.Migrate(gormstorage.Models...); err != nil {
		return err
	}
	return nil
}

// UsingFallback reports whether Init ended up on SQLite.
func (b *Backend) UsingFallback() bool {
	return b.manager.UsingSQLite
}

// Close closes the connection pool.
func (b *Backend) Close() error {
	if b.Backend == nil {
		return errors.New("postgres: not initialized")
	}
	return b.manager.Close()
}
