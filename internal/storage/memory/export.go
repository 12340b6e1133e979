package memory

import (
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/noorlabs/qiblad/internal/geo"
)

// snapshotVersion is bumped whenever the file layout changes.
const snapshotVersion = 1

// Snapshot is the root JSON structure of the snapshot file
type Snapshot struct {
	Version int                    `json:"version"`
	Devices map[string]DeviceState `json:"devices"`
}

// DeviceState is one device in the snapshot, fixes oldest first
type DeviceState struct {
	PermissionGranted bool      `json:"permissionGranted"`
	Fixes             []fixJSON `json:"fixes"`
}

type fixJSON struct {
	Latitude       float64 `json:"latitude"`
	Longitude      float64 `json:"longitude"`
	AccuracyMeters float64 `json:"accuracyMeters"`
	Timestamp      string  `json:"timestamp,omitempty"`
}

func toFixJSON(f geo.Fix) fixJSON {
	out := fixJSON{
		Latitude:       f.Coordinate.Latitude,
		Longitude:      f.Coordinate.Longitude,
		AccuracyMeters: f.AccuracyMeters,
	}
	if !f.Timestamp.IsZero() {
		out.Timestamp = f.Timestamp.UTC().Format(time.RFC3339Nano)
	}
	return out
}

func fromFixJSON(fj fixJSON) (geo.Fix, error) {
	fix := geo.Fix{
		Coordinate:     geo.Coordinate{Latitude: fj.Latitude, Longitude: fj.Longitude},
		AccuracyMeters: fj.AccuracyMeters,
	}
	if err := fix.Coordinate.Validate(); err != nil {
		return geo.Fix{}, err
	}
	if fj.Timestamp != "" {
		ts, err := time.Parse(time.RFC3339Nano, fj.Timestamp)
		if err != nil {
			return geo.Fix{}, fmt.Errorf("bad fix timestamp: %w", err)
		}
		fix.Timestamp = ts
	}
	return fix, nil
}

func (b *Backend) compressed() bool {
	return b.cfg.CompressSnapshot || strings.HasSuffix(b.cfg.SnapshotPath, ".gz")
}

// buildSnapshot copies the current state. Caller holds at least a read lock.
func (b *Backend) buildSnapshot() Snapshot {
	snap := Snapshot{
		Version: snapshotVersion,
		Devices: make(map[string]DeviceState, len(b.devices)),
	}
	for id, r := range b.devices {
		ds := DeviceState{PermissionGranted: r.granted}
		r.fixes.Each(func(f geo.Fix) {
			ds.Fixes = append(ds.Fixes, toFixJSON(f))
		})
		snap.Devices[id] = ds
	}
	return snap
}

// writeSnapshot writes the state atomically through a temp file.
func (b *Backend) writeSnapshot() error {
	path := b.cfg.SnapshotPath
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create snapshot directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".qiblad-snapshot-*")
	if err != nil {
		return fmt.Errorf("failed to create snapshot file: %w", err)
	}
	defer os.Remove(tmp.Name())

	var w io.Writer = tmp
	var gz *gzip.Writer
	if b.compressed() {
		gz = gzip.NewWriter(tmp)
		w = gz
	}

	if err := json.NewEncoder(w).Encode(b.buildSnapshot()); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	if gz != nil {
		if err := gz.Close(); err != nil {
			tmp.Close()
			return fmt.Errorf("failed to finish gzip stream: %w", err)
		}
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close snapshot file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to move snapshot into place: %w", err)
	}
	return nil
}

// loadSnapshot replaces the state with the snapshot file. A missing file is not an error.
func (b *Backend) loadSnapshot() error {
	f, err := os.Open(b.cfg.SnapshotPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to open snapshot: %w", err)
	}
	defer f.Close()

	var r io.Reader = f
	if b.compressed() {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return fmt.Errorf("failed to read gzip header: %w", err)
		}
		defer gz.Close()
		r = gz
	}

	var snap Snapshot
	if err := json.NewDecoder(r).Decode(&snap); err != nil {
		return fmt.Errorf("failed to decode snapshot: %w", err)
	}
	if snap.Version != snapshotVersion {
		return fmt.Errorf("unsupported snapshot version %d", snap.Version)
	}

	b.devices = make(map[string]*deviceRecord, len(snap.Devices))
	for id, ds := range snap.Devices {
		rec := b.record(id)
		rec.granted = ds.PermissionGranted
		for _, fj := range ds.Fixes {
			fix, err := fromFixJSON(fj)
			if err != nil {
				return fmt.Errorf("device %s: %w", id, err)
			}
			b.addFix(rec, fix)
		}
	}
	return nil
}
