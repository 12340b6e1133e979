// Package storage persists per-device compass state: the last known coordinate
// and whether the user granted location access.
package storage

import (
	"context"
	"errors"

	"github.com/noorlabs/qiblad/internal/geo"
)

// ErrEmptyDevice is returned when a call carries no device key.
var ErrEmptyDevice = errors.New("storage: empty device key")

// Backend is the interface all storage implementations must satisfy
type Backend interface {
	// Lifecycle
	Init() error
	Close() error

	LastKnown(ctx context.Context, device string) (geo.Coordinate, bool, error)
	SaveFix(ctx context.Context, device string, fix geo.Fix) error
	PermissionGranted(ctx context.Context, device string) (bool, error)
	SetPermissionGranted(ctx context.Context, device string, granted bool) error
}

// Historian is an optional interface for backends that keep recent fixes.
// Fixes are returned newest first.
type Historian interface {
	RecentFixes(ctx context.Context, device string, limit int) ([]geo.Fix, error)
}
