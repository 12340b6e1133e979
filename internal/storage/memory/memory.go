// Package memory keeps device state in process memory. It is the default
// backend; with a snapshot path configured it survives restarts.
package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/noorlabs/qiblad/internal/config"
	"github.com/noorlabs/qiblad/internal/geo"
	"github.com/noorlabs/qiblad/internal/queue"
)

// DefaultHistory is how many fixes are kept per device.
const DefaultHistory = 32

var errEmptyDevice = errors.New("memory: empty device key")

// deviceRecord groups a device's flags with its recent fixes
type deviceRecord struct {
	last    *geo.Fix
	granted bool
	fixes   *queue.Ring[geo.Fix]
}

// Backend stores device state in memory
type Backend struct {
	cfg     config.MemoryConfig
	devices map[string]*deviceRecord
	mu      sync.RWMutex
}

// New creates a new memory backend
func New(cfg config.MemoryConfig) *Backend {
	if cfg.History < 1 {
		cfg.History = DefaultHistory
	}
	return &Backend{
		cfg:     cfg,
		devices: make(map[string]*deviceRecord),
	}
}

// Init loads the snapshot file when one is configured and exists.
func (b *Backend) Init() error {
	if b.cfg.SnapshotPath == "" {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.loadSnapshot()
}

// Close writes the snapshot file when one is configured.
func (b *Backend) Close() error {
	if b.cfg.SnapshotPath == "" {
		return nil
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.writeSnapshot()
}

func (b *Backend) record(device string) *deviceRecord {
	r, ok := b.devices[device]
	if !ok {
		r = &deviceRecord{fixes: queue.NewRing[geo.Fix](b.cfg.History)}
		b.devices[device] = r
	}
	return r
}

// LastKnown returns the most recent saved coordinate.
func (b *Backend) LastKnown(_ context.Context, device string) (geo.Coordinate, bool, error) {
	if device == "" {
		return geo.Coordinate{}, false, errEmptyDevice
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	r, ok := b.devices[device]
	if !ok || r.last == nil {
		return geo.Coordinate{}, false, nil
	}
	return r.last.Coordinate, true, nil
}

// SaveFix records a fix as the device's last known position.
func (b *Backend) SaveFix(_ context.Context, device string, fix geo.Fix) error {
	if device == "" {
		return errEmptyDevice
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.addFix(b.record(device), fix)
	return nil
}

func (b *Backend) addFix(r *deviceRecord, fix geo.Fix) {
	f := fix
	r.last = &f
	r.fixes.Push(fix)
}

// PermissionGranted reports the stored permission flag; unknown devices have not granted.
func (b *Backend) PermissionGranted(_ context.Context, device string) (bool, error) {
	if device == "" {
		return false, errEmptyDevice
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	r, ok := b.devices[device]
	return ok && r.granted, nil
}

// SetPermissionGranted stores the permission flag.
func (b *Backend) SetPermissionGranted(_ context.Context, device string, granted bool) error {
	if device == "" {
		return errEmptyDevice
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.record(device).granted = granted
	return nil
}

// RecentFixes returns up to limit fixes, newest first. A limit below 1 returns all of them.
func (b *Backend) RecentFixes(_ context.Context, device string, limit int) ([]geo.Fix, error) {
	if device == "" {
		return nil, errEmptyDevice
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	r, ok := b.devices[device]
	if !ok {
		return nil, nil
	}
	return newestFirst(r.fixes.Items(), limit), nil
}

func newestFirst(items []geo.Fix, limit int) []geo.Fix {
	out := make([]geo.Fix, 0, len(items))
	for i := len(items) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, items[i])
	}
	return out
}
