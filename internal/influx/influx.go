// Package influx records compass state transitions as InfluxDB points. When the
// server is unreachable the points go to a gzip line-protocol backup file instead.
package influx

import (
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	influxdb2_api "github.com/influxdata/influxdb-client-go/v2/api"
	influxdb2_write "github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/influxdata/influxdb-client-go/v2/domain"
	"github.com/rs/zerolog"

	"github.com/noorlabs/qiblad/internal/config"
	"github.com/noorlabs/qiblad/internal/session"
)

// Measurement is the name of the transition points.
const Measurement = "compass_transition"

// retention of the sessions bucket
const retentionSeconds = 60 * 60 * 24 * 90

// Manager handles the InfluxDB connection and the transition bookkeeping.
type Manager struct {
	cfg    config.InfluxConfig
	Logger zerolog.Logger

	Client  influxdb2.Client
	Writer  influxdb2_api.WriteAPI
	IsValid bool

	backupFile   *os.File
	BackupWriter *gzip.Writer

	mu   sync.Mutex
	last map[string]transitionKey
}

// transitionKey is what makes a snapshot a new transition.
type transitionKey struct {
	state            session.State
	locationError    string
	orientationError string
	hasLocation      bool
}

// NewManager creates a new InfluxDB manager.
func NewManager(log zerolog.Logger, cfg config.InfluxConfig) *Manager {
	return &Manager{
		cfg:    cfg,
		Logger: log,
		last:   make(map[string]transitionKey),
	}
}

// Connect establishes a connection to InfluxDB, falling back to the backup file.
func (m *Manager) Connect(ctx context.Context) error {
	if !m.cfg.Enabled {
		return errors.New("influx.enabled is false")
	}

	m.Client = influxdb2.NewClientWithOptions(
		m.cfg.URL(),
		m.cfg.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(500).
			SetFlushInterval(1000),
	)

	// validate client connection health
	running, err := m.Client.Ping(ctx)
	if err != nil || !running {
		m.Logger.Info().Err(err).Str("backupPath", m.cfg.BackupPath).
			Msg("Failed to reach InfluxDB, writing to backup file")
		m.Client.Close()
		m.Client = nil
		return m.openBackup()
	}

	if err := m.setupOrganizationAndBucket(ctx); err != nil {
		return err
	}
	m.createWriter()
	m.IsValid = true
	m.Logger.Info().Str("url", m.cfg.URL()).Str("bucket", m.cfg.Bucket).Msg("InfluxDB client initialized")
	return nil
}

func (m *Manager) openBackup() error {
	if m.BackupWriter != nil {
		return nil
	}
	file, err := os.OpenFile(m.cfg.BackupPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("error creating backup file: %w", err)
	}
	m.backupFile = file
	m.BackupWriter = gzip.NewWriter(file)
	return nil
}

func (m *Manager) setupOrganizationAndBucket(ctx context.Context) error {
	orgName := m.cfg.Org

	// ensure org exists
	influxOrg, err := m.Client.OrganizationsAPI().FindOrganizationByName(ctx, orgName)
	if err != nil {
		m.Logger.Info().Str("org", orgName).Msg("Organization not found, creating")
		influxOrg, err = m.Client.OrganizationsAPI().CreateOrganizationWithName(ctx, orgName)
		if err != nil {
			m.Logger.Error().Err(err).Str("org", orgName).Msg("Error creating organization")
			return err
		}
	}

	if _, err = m.Client.BucketsAPI().FindBucketByName(ctx, m.cfg.Bucket); err != nil {
		m.Logger.Info().Str("bucket", m.cfg.Bucket).Msg("Bucket not found, creating")

		rule := domain.RetentionRuleTypeExpire
		_, err = m.Client.BucketsAPI().CreateBucketWithName(ctx, influxOrg, m.cfg.Bucket, domain.RetentionRule{
			Type:         &rule,
			EverySeconds: retentionSeconds,
		})
		if err != nil {
			m.Logger.Error().Err(err).Str("bucket", m.cfg.Bucket).Msg("Error creating bucket")
			return err
		}
	}
	return nil
}

func (m *Manager) createWriter() {
	m.Writer = m.Client.WriteAPI(m.cfg.Org, m.cfg.Bucket)
	go func(errorsCh <-chan error) {
		for writeErr := range errorsCh {
			m.Logger.Error().Err(writeErr).Str("bucket", m.cfg.Bucket).
				Msg("Error sending data to InfluxDB")
		}
	}(m.Writer.Errors())
}

// WritePoint writes a point to InfluxDB or the backup file.
func (m *Manager) WritePoint(point *influxdb2_write.Point) error {
	if m.IsValid {
		m.Writer.WritePoint(point)
		return nil
	}
	if m.BackupWriter == nil {
		return fmt.Errorf("influxDB client not initialized and backup writer not available")
	}

	lineProtocol := influxdb2_write.PointToLineProtocol(point, time.Nanosecond)
	if _, err := m.BackupWriter.Write([]byte(lineProtocol + "\n")); err != nil {
		return fmt.Errorf("error writing to InfluxDB backup file: %w", err)
	}
	return nil
}

// TransitionPoint renders a snapshot as a point.
func TransitionPoint(snap session.Snapshot) *influxdb2_write.Point {
	device := snap.Device
	if device == "" {
		device = "anonymous"
	}
	p := influxdb2_write.NewPointWithMeasurement(Measurement).
		AddTag("device", device).
		AddTag("session", snap.ID).
		AddTag("state", snap.State.String()).
		AddField("has_location", snap.HasLocation).
		AddField("from_cache", snap.FromCache).
		AddField("needle_rotation", snap.NeedleRotationDegrees).
		SetTime(snap.UpdatedAt)
	if snap.LocationError != "" {
		p.AddTag("location_error", snap.LocationError)
	}
	if snap.OrientationError != "" {
		p.AddTag("orientation_error", snap.OrientationError)
	}
	if snap.HasLocation {
		p.AddField("bearing", snap.BearingDegrees)
		p.AddField("distance_km", snap.DistanceKilometers)
	}
	if snap.SmoothedHeading != nil {
		p.AddField("heading", *snap.SmoothedHeading)
	}
	return p
}

// Observe writes a point when the snapshot changes the session's state, its
// errors or its location availability. Heading updates alone are not recorded.
func (m *Manager) Observe(snap session.Snapshot) {
	key := transitionKey{
		state:            snap.State,
		locationError:    snap.LocationError,
		orientationError: snap.OrientationError,
		hasLocation:      snap.HasLocation,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.last[snap.ID]; ok && prev == key {
		return
	}
	m.last[snap.ID] = key

	if err := m.WritePoint(TransitionPoint(snap)); err != nil {
		m.Logger.Warn().Err(err).Str("session", snap.ID).Msg("Failed to record transition")
	}
}

// Forget drops the bookkeeping of an ended session.
func (m *Manager) Forget(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.last, sessionID)
}

// Close flushes pending writes and closes the backup file.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.Writer != nil {
		m.Writer.Flush()
	}
	if m.Client != nil {
		m.Client.Close()
	}
	m.IsValid = false
	var errs []error
	if m.BackupWriter != nil {
		errs = append(errs, m.BackupWriter.Close())
		m.BackupWriter = nil
	}
	if m.backupFile != nil {
		errs = append(errs, m.backupFile.Close())
		m.backupFile = nil
	}
	return errors.Join(errs...)
}
