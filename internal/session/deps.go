package session

import (
	"context"
	"log/slog"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/metric"

	"github.com/noorlabs/qiblad/internal/feed"
	"github.com/noorlabs/qiblad/internal/geo"
	"github.com/noorlabs/qiblad/internal/heading"
)

// LocationService delivers position fixes. Watch starts a continuous
// subscription: fixes and failures are reported through the callbacks until the
// returned Subscription is cancelled. A permission rejection is reported as
// ErrLocationDenied through onError or as Watch's error.
type LocationService interface {
	Watch(onFix func(geo.Fix), onError func(error)) (feed.Subscription, error)
}

// OrientationSource delivers raw device-orientation events.
type OrientationSource interface {
	// Supported reports whether orientation events exist at all.
	Supported() bool
	// RequiresPermission reports whether RequestPermission must succeed before events flow.
	RequiresPermission() bool
	// RequestPermission blocks until the user answers. A refusal returns ErrOrientationPermissionDenied.
	RequestPermission(ctx context.Context) error
	// Platform tells the adapter which heading convention the events use.
	Platform() heading.Platform
	Subscribe(fn func(heading.Event)) feed.Subscription
}

// Store persists the last known coordinate and the permission flag per device.
type Store interface {
	LastKnown(ctx context.Context, device string) (geo.Coordinate, bool, error)
	SaveFix(ctx context.Context, device string, fix geo.Fix) error
	PermissionGranted(ctx context.Context, device string) (bool, error)
	SetPermissionGranted(ctx context.Context, device string, granted bool) error
}

// Dependencies holds everything a session talks to.
// Location and Orientation are required; the rest have defaults.
type Dependencies struct {
	Location    LocationService
	Orientation OrientationSource
	Store       Store
	Clock       clockwork.Clock
	Logger      *slog.Logger
	Meter       metric.Meter
}
