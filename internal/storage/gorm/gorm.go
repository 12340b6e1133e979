// Package gormstorage implements the device store on top of GORM. The SQLite
// and Postgres backends embed it and only differ in how the DB is opened.
package gormstorage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/noorlabs/qiblad/internal/geo"
)

// DefaultHistory is how many fix rows are kept per device.
const DefaultHistory = 100

var errEmptyDevice = errors.New("gormstorage: empty device key")

// Device is the per-device row: last known position and permission flag.
type Device struct {
	ID                string `gorm:"primaryKey;size:128"`
	HasLocation       bool
	Latitude          float64
	Longitude         float64
	AccuracyMeters    float64
	FixedAt           time.Time
	PermissionGranted bool
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// FixRecord is one saved fix. Metadata carries the bearing computed at save time.
type FixRecord struct {
	ID             uint   `gorm:"primaryKey"`
	DeviceID       string `gorm:"size:128;index"`
	Latitude       float64
	Longitude      float64
	AccuracyMeters float64
	FixedAt        time.Time
	Metadata       datatypes.JSON
}

// FixMetadata is stored in FixRecord.Metadata.
type FixMetadata struct {
	BearingDegrees float64 `json:"bearingDegrees"`
	DistanceMiles  float64 `json:"distanceMiles"`
	Cardinal       string  `json:"cardinal"`
}

// Models lists the tables this backend migrates.
var Models = []any{&Device{}, &FixRecord{}}

// Dependencies holds all dependencies for the GORM storage backend.
type Dependencies struct {
	DB     *gorm.DB
	Logger *slog.Logger
	// History bounds the fix rows kept per device; below 1 means DefaultHistory.
	History int
}

// Backend stores device state through GORM.
type Backend struct {
	deps Dependencies
}

// New creates a new GORM storage backend.
func New(deps Dependencies) *Backend {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.History < 1 {
		deps.History = DefaultHistory
	}
	return &Backend{deps: deps}
}

// DB returns the underlying connection.
func (b *Backend) DB() *gorm.DB {
	return b.deps.DB
}

// Init migrates the schema.
func (b *Backend) Init() error {
	if b.deps.DB == nil {
		return errors.New("gormstorage: no database")
	}
	if err := b.deps.DB.AutoMigrate(Models...); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	b.deps.Logger.Debug("Storage schema migrated", "dialect", b.deps.DB.Dialector.Name())
	return nil
}

// Close closes the connection pool.
func (b *Backend) Close() error {
	if b.deps.DB == nil {
		return nil
	}
	sqlDB, err := b.deps.DB.DB()
	if err != nil {
		return fmt.Errorf("failed to access sql interface: %w", err)
	}
	return sqlDB.Close()
}

// LastKnown returns the device's stored position.
func (b *Backend) LastKnown(ctx context.Context, device string) (geo.Coordinate, bool, error) {
	if device == "" {
		return geo.Coordinate{}, false, errEmptyDevice
	}
	var d Device
	err := b.deps.DB.WithContext(ctx).Take(&d, "id = ?", device).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return geo.Coordinate{}, false, nil
	}
	if err != nil {
		return geo.Coordinate{}, false, fmt.Errorf("failed to load device %s: %w", device, err)
	}
	if !d.HasLocation {
		return geo.Coordinate{}, false, nil
	}
	return geo.Coordinate{Latitude: d.Latitude, Longitude: d.Longitude}, true, nil
}

// SaveFix upserts the device position and appends a history row, trimming old rows.
func (b *Backend) SaveFix(ctx context.Context, device string, fix geo.Fix) error {
	if device == "" {
		return errEmptyDevice
	}
	fixedAt := fix.Timestamp
	if fixedAt.IsZero() {
		fixedAt = time.Now()
	}
	fixedAt = fixedAt.UTC()

	result := geo.Qibla(fix.Coordinate)
	meta, err := json.Marshal(FixMetadata{
		BearingDegrees: result.BearingDegrees,
		DistanceMiles:  result.DistanceMiles,
		Cardinal:       result.Cardinal,
	})
	if err != nil {
		return fmt.Errorf("failed to encode fix metadata: %w", err)
	}

	return b.deps.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		d := Device{
			ID:             device,
			HasLocation:    true,
			Latitude:       fix.Coordinate.Latitude,
			Longitude:      fix.Coordinate.Longitude,
			AccuracyMeters: fix.AccuracyMeters,
			FixedAt:        fixedAt,
		}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"has_location", "latitude", "longitude", "accuracy_meters", "fixed_at", "updated_at"}),
		}).Create(&d).Error; err != nil {
			return fmt.Errorf("failed to upsert device %s: %w", device, err)
		}

		rec := FixRecord{
			DeviceID:       device,
			Latitude:       fix.Coordinate.Latitude,
			Longitude:      fix.Coordinate.Longitude,
			AccuracyMeters: fix.AccuracyMeters,
			FixedAt:        fixedAt,
			Metadata:       datatypes.JSON(meta),
		}
		if err := tx.Create(&rec).Error; err != nil {
			return fmt.Errorf("failed to insert fix: %w", err)
		}

		return b.trim(tx, device)
	})
}

// trim deletes history rows beyond the newest History.
func (b *Backend) trim(tx *gorm.DB, device string) error {
	var cutoff FixRecord
	err := tx.Where("device_id = ?", device).
		Order("id DESC").
		Offset(b.deps.History - 1).
		Limit(1).
		Take(&cutoff).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to find history cutoff: %w", err)
	}
	if err := tx.Where("device_id = ? AND id < ?", device, cutoff.ID).Delete(&FixRecord{}).Error; err != nil {
		return fmt.Errorf("failed to trim history: %w", err)
	}
	return nil
}

// PermissionGranted reports the stored flag; unknown devices have not granted.
func (b *Backend) PermissionGranted(ctx context.Context, device string) (bool, error) {
	if device == "" {
		return false, errEmptyDevice
	}
	var d Device
	err := b.deps.DB.WithContext(ctx).Select("permission_granted").Take(&d, "id = ?", device).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to load device %s: %w", device, err)
	}
	return d.PermissionGranted, nil
}

// SetPermissionGranted upserts the permission flag.
func (b *Backend) SetPermissionGranted(ctx context.Context, device string, granted bool) error {
	if device == "" {
		return errEmptyDevice
	}
	d := Device{ID: device, PermissionGranted: granted}
	err := b.deps.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"permission_granted", "updated_at"}),
	}).Create(&d).Error
	if err != nil {
		return fmt.Errorf("failed to store permission for %s: %w", device, err)
	}
	return nil
}

// RecentFixes returns up to limit fixes, newest first. A limit below 1 returns the whole history.
func (b *Backend) RecentFixes(ctx context.Context, device string, limit int) ([]geo.Fix, error) {
	if device == "" {
		return nil, errEmptyDevice
	}
	q := b.deps.DB.WithContext(ctx).Where("device_id = ?", device).Order("id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []FixRecord
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to load fixes for %s: %w", device, err)
	}

	out := make([]geo.Fix, 0, len(rows))
	for _, r := range rows {
		out = append(out, geo.Fix{
			Coordinate:     geo.Coordinate{Latitude: r.Latitude, Longitude: r.Longitude},
			AccuracyMeters: r.AccuracyMeters,
			Timestamp:      r.FixedAt,
		})
	}
	return out, nil
}

// DecodeMetadata decodes the stored bearing of a fix row.
func (r FixRecord) DecodeMetadata() (FixMetadata, error) {
	var m FixMetadata
	if len(r.Metadata) == 0 {
		return m, nil
	}
	err := json.Unmarshal(r.Metadata, &m)
	return m, err
}
