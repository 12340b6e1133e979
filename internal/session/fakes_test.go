package session

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/noorlabs/qiblad/internal/feed"
	"github.com/noorlabs/qiblad/internal/geo"
	"github.com/noorlabs/qiblad/internal/heading"
)

type fakeLocation struct {
	fixes feed.Feed[geo.Fix]
	errs  feed.Feed[error]

	mu       sync.Mutex
	watchErr error
	onFix    []func(geo.Fix)
}

func (f *fakeLocation) Watch(onFix func(geo.Fix), onError func(error)) (feed.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.watchErr != nil {
		return nil, f.watchErr
	}
	f.onFix = append(f.onFix, onFix)
	a := f.fixes.Subscribe(onFix)
	b := f.errs.Subscribe(onError)
	return feed.SubscriptionFunc(func() {
		a.Unsubscribe()
		b.Unsubscribe()
	}), nil
}

func (f *fakeLocation) watches() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.onFix)
}

func (f *fakeLocation) callback(i int) func(geo.Fix) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.onFix[i]
}

type fakeOrientation struct {
	events feed.Feed[heading.Event]

	supported          bool
	requiresPermission bool
	platform           heading.Platform
	requests           atomic.Int32

	// block, when set, holds RequestPermission until it is closed.
	block chan struct{}

	mu      sync.Mutex
	permErr error
}

func (f *fakeOrientation) Supported() bool          { return f.supported }
func (f *fakeOrientation) RequiresPermission() bool { return f.requiresPermission }
func (f *fakeOrientation) Platform() heading.Platform {
	return f.platform
}

func (f *fakeOrientation) RequestPermission(ctx context.Context) error {
	f.requests.Add(1)
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.permErr
}

func (f *fakeOrientation) setPermErr(err error) {
	f.mu.Lock()
	f.permErr = err
	f.mu.Unlock()
}

func (f *fakeOrientation) Subscribe(fn func(heading.Event)) feed.Subscription {
	return f.events.Subscribe(fn)
}

type mapStore struct {
	mu      sync.Mutex
	coords  map[string]geo.Coordinate
	granted map[string]bool
}

func newMapStore() *mapStore {
	return &mapStore{coords: map[string]geo.Coordinate{}, granted: map[string]bool{}}
}

func (m *mapStore) LastKnown(_ context.Context, device string) (geo.Coordinate, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.coords[device]
	return c, ok, nil
}

func (m *mapStore) SaveFix(_ context.Context, device string, fix geo.Fix) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.coords[device] = fix.Coordinate
	return nil
}

func (m *mapStore) PermissionGranted(_ context.Context, device string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.granted[device], nil
}

func (m *mapStore) SetPermissionGranted(_ context.Context, device string, granted bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.granted[device] = granted
	return nil
}

type harness struct {
	s           *Session
	clock       *clockwork.FakeClock
	location    *fakeLocation
	orientation *fakeOrientation
	store       *mapStore
}

func newHarness(t *testing.T, configure func(h *harness)) *harness {
	t.Helper()
	h := &harness{
		clock:       clockwork.NewFakeClock(),
		location:    &fakeLocation{},
		orientation: &fakeOrientation{supported: true},
		store:       newMapStore(),
	}
	if configure != nil {
		configure(h)
	}
	s, err := New(Dependencies{
		Location:    h.location,
		Orientation: h.orientation,
		Store:       h.store,
		Clock:       h.clock,
	}, Config{Device: "device-1"})
	require.NoError(t, err)
	h.s = s
	t.Cleanup(s.Dispose)
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	require.NoError(t, h.s.Start(context.Background()))
}

// flush waits until everything queued so far has run on the event loop.
func (h *harness) flush(t *testing.T) {
	t.Helper()
	done := make(chan struct{})
	require.True(t, h.s.post(func() { close(done) }))
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("event loop did not drain")
	}
}

func (h *harness) waitFor(t *testing.T, cond func(Snapshot) bool) {
	t.Helper()
	require.Eventually(t, func() bool {
		return cond(h.s.Snapshot())
	}, time.Second, 5*time.Millisecond)
}

func (h *harness) waitOrientationSubscribed(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool {
		return h.orientation.events.Len() == 1
	}, time.Second, 5*time.Millisecond)
}

func (h *harness) waitLocationSubscribed(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool {
		return h.location.fixes.Len() == 1
	}, time.Second, 5*time.Millisecond)
}

func compass(deg float64) heading.Event {
	return heading.Event{CompassHeading: &deg}
}

func fixAt(lat, lon float64) geo.Fix {
	return geo.Fix{Coordinate: geo.Coordinate{Latitude: lat, Longitude: lon}, AccuracyMeters: 10}
}
