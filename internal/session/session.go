// Package session runs the Qibla compass for one device: it turns location
// fixes into a bearing, orientation events into a smoothed heading, and drives
// the Initializing -> Calibrated | ManualMode state machine.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/noorlabs/qiblad/internal/feed"
	"github.com/noorlabs/qiblad/internal/geo"
	"github.com/noorlabs/qiblad/internal/heading"
)

// Config holds the tunables of a session.
type Config struct {
	// Device keys the persisted store.
	Device string
	// ProbeWindow is how long to wait for a first valid orientation event
	// before falling back to manual mode.
	ProbeWindow time.Duration
	// CalibrationWindow is how long samples accumulate before the compass is
	// considered calibrated.
	CalibrationWindow     time.Duration
	MinCalibrationSamples int
	SmoothingWindow       int
	StoreTimeout          time.Duration
	InboxSize             int
}

// DefaultConfig returns the stock windows: 2s probe, 1.5s calibration, 5 samples.
func DefaultConfig() Config {
	return Config{
		ProbeWindow:           2 * time.Second,
		CalibrationWindow:     1500 * time.Millisecond,
		MinCalibrationSamples: 1,
		SmoothingWindow:       heading.DefaultWindow,
		StoreTimeout:          2 * time.Second,
		InboxSize:             256,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ProbeWindow <= 0 {
		c.ProbeWindow = d.ProbeWindow
	}
	if c.CalibrationWindow <= 0 {
		c.CalibrationWindow = d.CalibrationWindow
	}
	if c.MinCalibrationSamples < 1 {
		c.MinCalibrationSamples = d.MinCalibrationSamples
	}
	if c.SmoothingWindow < 1 {
		c.SmoothingWindow = d.SmoothingWindow
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = d.StoreTimeout
	}
	if c.InboxSize < 1 {
		c.InboxSize = d.InboxSize
	}
	return c
}

// Snapshot is what observers see. It is rebuilt on every state change.
type Snapshot struct {
	ID                    string          `json:"id"`
	Device                string          `json:"device,omitempty"`
	State                 State           `json:"calibrationState"`
	HasLocation           bool            `json:"hasLocation"`
	Location              *geo.Coordinate `json:"location,omitempty"`
	FromCache             bool            `json:"fromCache"`
	BearingDegrees        float64         `json:"bearingDegrees"`
	DistanceMiles         float64         `json:"distanceMiles"`
	DistanceKilometers    float64         `json:"distanceKilometers"`
	Cardinal              string          `json:"cardinal,omitempty"`
	SmoothedHeading       *float64        `json:"smoothedHeading,omitempty"`
	NeedleRotationDegrees float64         `json:"needleRotationDegrees"`
	LocationError         string          `json:"locationError,omitempty"`
	OrientationError      string          `json:"orientationError,omitempty"`
	ErrorMessage          *string         `json:"errorMessage"`
	Offers                []Offer         `json:"offers,omitempty"`
	PermissionRemembered  bool            `json:"permissionRemembered"`
	UpdatedAt             time.Time       `json:"updatedAt"`
}

// Session is one device's compass. All mutable state below the mutex is owned by
// the event loop goroutine; sensor callbacks, timers and commands are queued to it
// and run strictly in arrival order.
type Session struct {
	id      string
	cfg     Config
	deps    Dependencies
	clock   clockwork.Clock
	log     *slog.Logger
	metrics *metrics

	inbox   chan func()
	done    chan struct{}
	stopped chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc

	lifecycle sync.Mutex
	started   bool
	disposed  bool

	observers feed.Feed[Snapshot]

	mu   sync.RWMutex
	snap Snapshot

	// loop-owned
	gen                  uint64
	state                State
	location             *geo.Coordinate
	fromCache            bool
	result               geo.Result
	smoother             *heading.Smoother
	smoothed             float64
	hasHeading           bool
	accepted             int
	locationErr          error
	orientationErr       error
	message              string
	offers               []Offer
	permissionRemembered bool
	locationSub          feed.Subscription
	orientationSub       feed.Subscription
	probeTimer           clockwork.Timer
	calibrationTimer     clockwork.Timer
}

// New creates a session. It does nothing until Start.
func New(deps Dependencies, cfg Config) (*Session, error) {
	if deps.Location == nil {
		return nil, fmt.Errorf("session: location service is required")
	}
	if deps.Orientation == nil {
		return nil, fmt.Errorf("session: orientation source is required")
	}
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	if deps.Meter == nil {
		deps.Meter = meter()
	}
	cfg = cfg.withDefaults()

	m, err := newMetrics(deps.Meter)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("session", id, "device", cfg.Device)

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:       id,
		cfg:      cfg,
		deps:     deps,
		clock:    deps.Clock,
		log:      logger,
		metrics:  m,
		inbox:    make(chan func(), cfg.InboxSize),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
		smoother: heading.NewSmoother(cfg.SmoothingWindow),
	}
	s.snap = s.buildSnapshot()
	return s, nil
}

// ID returns the session id.
func (s *Session) ID() string {
	return s.id
}

// Device returns the device key the session persists under.
func (s *Session) Device() string {
	return s.cfg.Device
}

// Start launches the event loop and begins initialization. Starting twice is a no-op.
func (s *Session) Start(ctx context.Context) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	if s.disposed {
		return ErrDisposed
	}
	if s.started {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.started = true

	go s.run()
	s.post(s.initialize)
	s.log.Debug("Session started")
	return nil
}

// Retry releases all subscriptions and reruns initialization from Initializing.
func (s *Session) Retry() {
	s.post(func() {
		s.log.Info("Retrying session initialization")
		s.initialize()
	})
}

// UseManualMode accepts the manual-mode offer: the compass stops tracking the
// device heading and the needle shows the absolute bearing. It applies while
// initializing or while a manual offer is shown; otherwise only Retry leaves the
// current state.
func (s *Session) UseManualMode() {
	s.post(func() {
		if s.state != StateInitializing && !slices.Contains(s.offers, OfferManual) {
			s.log.Debug("Ignoring manual mode request", "state", s.state.String())
			return
		}
		s.releaseOrientation()
		s.orientationErr = nil
		s.clearMessage()
		s.setState(StateManualMode)
		s.publish()
	})
}

// Subscribe registers an observer for snapshots. Observers run on the session's
// event loop and must not block.
func (s *Session) Subscribe(fn func(Snapshot)) feed.Subscription {
	return s.observers.Subscribe(fn)
}

// Snapshot returns the latest published snapshot.
func (s *Session) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

// NeedleRotation returns the rotation to apply to the compass needle.
func (s *Session) NeedleRotation() float64 {
	return s.Snapshot().NeedleRotationDegrees
}

// Done is closed once the session has been disposed and its resources released.
func (s *Session) Done() <-chan struct{} {
	return s.stopped
}

// Dispose stops the event loop and releases every subscription and timer.
// It is safe to call more than once. It must not be called from an observer.
func (s *Session) Dispose() {
	s.lifecycle.Lock()
	if s.disposed {
		s.lifecycle.Unlock()
		<-s.stopped
		return
	}
	s.disposed = true
	started := s.started
	s.lifecycle.Unlock()

	s.cancel()
	close(s.done)
	if !started {
		close(s.stopped)
		return
	}
	<-s.stopped
	s.log.Debug("Session disposed")
}

// post queues fn for the event loop. It reports false once the session is disposed.
func (s *Session) post(fn func()) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.inbox <- fn:
		return true
	case <-s.done:
		return false
	}
}

func (s *Session) run() {
	defer close(s.stopped)
	for {
		select {
		case <-s.done:
			s.release()
			return
		case fn := <-s.inbox:
			fn()
		}
	}
}
