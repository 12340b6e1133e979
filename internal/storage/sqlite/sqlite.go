// Package sqlitestorage implements the device store on SQLite. It wraps the
// GORM backend; the only SQLite-specific concern is the optional in-memory
// database with periodic disk dumps via VACUUM INTO.
package sqlitestorage

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/noorlabs/qiblad/internal/config"
	"github.com/noorlabs/qiblad/internal/database"
	gormstorage "github.com/noorlabs/qiblad/internal/storage/gorm"
)

// Backend wraps the GORM backend for SQLite-specific behavior.
type Backend struct {
	*gormstorage.Backend
	db        *gorm.DB
	cfg       config.SQLiteConfig
	log       *slog.Logger
	stopChan  chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New opens the database at cfg.Path, or an in-memory one when the path is empty.
func New(cfg config.SQLiteConfig, log *slog.Logger) (*Backend, error) {
	if log == nil {
		log = slog.Default()
	}
	db, err := database.OpenSqlite(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite DB: %w", err)
	}
	return Wrap(db, cfg, log), nil
}

// Wrap builds a backend on an already opened SQLite connection.
func Wrap(db *gorm.DB, cfg config.SQLiteConfig, log *slog.Logger) *Backend {
	if log == nil {
		log = slog.Default()
	}
	return &Backend{
		Backend:  gormstorage.New(gormstorage.Dependencies{DB: db, Logger: log}),
		db:       db,
		cfg:      cfg,
		log:      log,
		stopChan: make(chan struct{}),
	}
}

func (b *Backend) dumping() bool {
	return b.cfg.Path == "" && b.cfg.DumpPath != "" && b.cfg.DumpInterval > 0
}

// Init migrates the schema and starts the dump goroutine for in-memory databases.
func (b *Backend) Init() error {
	if err := b.Backend.Init(); err != nil {
		return err
	}

	if b.dumping() {
		b.wg.Add(1)
		go b.dumpLoop()
	}

	return nil
}

// Close stops the dump goroutine, writes a final dump and closes the connection.
func (b *Backend) Close() error {
	var err error
	b.closeOnce.Do(func() {
		close(b.stopChan)
		b.wg.Wait()
		if b.dumping() {
			if derr := b.Dump(); derr != nil {
				b.log.Error("Final dump failed", "error", derr)
			}
		}
		err = b.Backend.Close()
	})
	return err
}

// Dump writes the database to cfg.DumpPath.
func (b *Backend) Dump() error {
	return database.DumpMemoryDBToDisk(b.db, b.cfg.DumpPath)
}

// dumpLoop periodically dumps the in-memory SQLite database to disk via VACUUM INTO.
// VACUUM INTO creates a point-in-time snapshot, so no pause mechanism is needed.
func (b *Backend) dumpLoop() {
	defer b.wg.Done()
	ticker := time.NewTicker(b.cfg.DumpInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopChan:
			return
		case <-ticker.C:
			start := time.Now()
			if err := b.Dump(); err != nil {
				b.log.Error("Error dumping to disk", "error", err)
			} else {
				b.log.Debug("Dumped to disk", "duration", time.Since(start))
			}
		}
	}
}
