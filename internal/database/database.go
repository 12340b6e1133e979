package database

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/rs/zerolog"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/noorlabs/qiblad/internal/config"
)

// memoryDSN is a shared-cache in-memory database so every pooled connection sees the same data.
const memoryDSN = "file::memory:?cache=shared"

// Manager handles database connections and operations.
type Manager struct {
	DB      *gorm.DB
	SqlDB   *sql.DB
	IsValid bool
	// UsingSQLite is set when the manager ended up on SQLite, either by
	// configuration or after falling back from Postgres.
	UsingSQLite bool
	Logger      zerolog.Logger
}

// NewManager creates a new database manager.
func NewManager(log zerolog.Logger) *Manager {
	return &Manager{Logger: log}
}

// Connect opens the configured database. A Postgres backend that cannot be
// reached falls back to SQLite at sqliteCfg.Path (in-memory when empty).
func (m *Manager) Connect(storageType string, pgCfg config.PostgresConfig, sqliteCfg config.SQLiteConfig) error {
	var err error

	switch storageType {
	case "postgres":
		m.DB, err = m.GetPostgresDB(pgCfg)
		if err == nil {
			err = m.ping()
		}
		if err != nil {
			m.Logger.Error().Err(err).Msg("Failed to connect to Postgres DB, trying SQLite")
			if err = m.useSqlite(sqliteCfg.Path); err != nil {
				return err
			}
		} else {
			m.Logger.Info().Str("host", pgCfg.Host).Msg("Connected to database")
			m.SqlDB.SetMaxOpenConns(10)
		}
	case "sqlite":
		if err = m.useSqlite(sqliteCfg.Path); err != nil {
			return err
		}
	default:
		return fmt.Errorf("no database for storage type %q", storageType)
	}

	m.IsValid = true
	return nil
}

func (m *Manager) useSqlite(path string) error {
	db, err := m.GetSqliteDB(path)
	if err != nil || db == nil {
		m.IsValid = false
		return fmt.Errorf("failed to get local SQLite DB: %w", err)
	}
	m.DB = db
	m.UsingSQLite = true
	return m.ping()
}

func (m *Manager) ping() error {
	var err error
	m.SqlDB, err = m.DB.DB()
	if err != nil {
		return fmt.Errorf("failed to access sql interface: %w", err)
	}
	if err = m.SqlDB.Ping(); err != nil {
		return fmt.Errorf("failed to validate connection: %w", err)
	}
	return nil
}

// GetPostgresDB returns a connection to the Postgres database.
func (m *Manager) GetPostgresDB(cfg config.PostgresConfig) (*gorm.DB, error) {
	m.Logger.Debug().Str("host", cfg.Host).Str("port", cfg.Port).Str("database", cfg.Database).
		Msg("Connecting to Postgres DB")
	return OpenPostgres(cfg)
}

// GetSqliteDB returns a connection to a SQLite database.
// If path is empty, uses an in-memory database.
func (m *Manager) GetSqliteDB(path string) (*gorm.DB, error) {
	db, err := OpenSqlite(path)
	if err != nil {
		m.IsValid = false
		return nil, err
	}
	if path != "" {
		m.Logger.Info().Str("path", path).Msg("Using local SQLite DB")
	} else {
		m.Logger.Info().Msg("Using local SQLite DB in memory with periodic disk dump")
	}
	return db, nil
}

// Migrate creates or updates the tables for the given models.
func (m *Manager) Migrate(models ...any) error {
	if m.DB == nil {
		return errors.New("database not connected")
	}
	m.Logger.Info().Msg("Migrating schema")
	if err := m.DB.AutoMigrate(models...); err != nil {
		m.IsValid = false
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	m.Logger.Info().Msg("Database setup complete")
	return nil
}

// DumpMemoryToDisk vacuums the in-memory database to a file.
func (m *Manager) DumpMemoryToDisk(path string) error {
	start := time.Now()
	if err := DumpMemoryDBToDisk(m.DB, path); err != nil {
		return err
	}
	m.Logger.Debug().Dur("duration", time.Since(start)).Msg("Dumped memory DB to disk")
	return nil
}

// Close closes the underlying connection pool.
func (m *Manager) Close() error {
	if m.SqlDB == nil {
		return nil
	}
	m.IsValid = false
	return m.SqlDB.Close()
}

// Standalone functions for direct usage without Manager

// OpenPostgres returns a connection to the Postgres database.
func OpenPostgres(cfg config.PostgresConfig) (*gorm.DB, error) {
	return gorm.Open(postgres.New(postgres.Config{
		DSN:                  cfg.DSN(),
		PreferSimpleProtocol: true,
	}), &gorm.Config{
		SkipDefaultTransaction: true,
		Logger:                 logger.Default.LogMode(logger.Silent),
	})
}

// OpenSqlite returns a connection to a SQLite database.
// If path is empty, uses an in-memory database.
func OpenSqlite(path string) (*gorm.DB, error) {
	dsn := path
	if dsn == "" {
		dsn = memoryDSN
	}

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		PrepareStmt:            true,
		SkipDefaultTransaction: true,
		Logger:                 logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}

	pragmas := []string{
		"PRAGMA user_version = 1;",
		"PRAGMA journal_mode = MEMORY;",
		"PRAGMA synchronous = NORMAL;",
		"PRAGMA temp_store = MEMORY;",
	}
	for _, pragma := range pragmas {
		if err := db.Exec(pragma).Error; err != nil {
			return nil, fmt.Errorf("error setting PRAGMA: %w", err)
		}
	}

	return db, nil
}

// DumpMemoryDBToDisk vacuums the in-memory database to a disk file.
func DumpMemoryDBToDisk(db *gorm.DB, sqliteFilePath string) error {
	if sqliteFilePath == "" {
		return fmt.Errorf("sqlite file path not set")
	}

	// VACUUM INTO refuses to overwrite
	if _, err := os.Stat(sqliteFilePath); err == nil {
		if err := os.Remove(sqliteFilePath); err != nil {
			return fmt.Errorf("error removing existing DB file: %w", err)
		}
	}

	if err := db.Exec("VACUUM INTO ?", "file:"+sqliteFilePath).Error; err != nil {
		return fmt.Errorf("error dumping memory DB to disk: %w", err)
	}
	return nil
}
