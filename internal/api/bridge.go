package api

import (
	"context"
	"errors"
	"sync"

	"github.com/noorlabs/qiblad/internal/feed"
	"github.com/noorlabs/qiblad/internal/geo"
	"github.com/noorlabs/qiblad/internal/heading"
	"github.com/noorlabs/qiblad/internal/session"
	"github.com/noorlabs/qiblad/pkg/streaming"
)

var errNoPendingPermission = errors.New("no permission request pending")

// deviceBridge turns the messages of one websocket into the sensor sources of a
// session. Readers publish into feeds; the session subscribes to them.
type deviceBridge struct {
	hello    streaming.HelloPayload
	platform heading.Platform

	fixes       feed.Feed[geo.Fix]
	locErrs     feed.Feed[error]
	orientation feed.Feed[heading.Event]

	// askPermission sends a permission_request to the device.
	askPermission func() error

	mu      sync.Mutex
	pending chan bool
	closed  bool
}

var (
	_ session.LocationService   = (*deviceBridge)(nil)
	_ session.OrientationSource = (*deviceBridge)(nil)
)

func newDeviceBridge(hello streaming.HelloPayload, userAgent string, ask func() error) *deviceBridge {
	platform := heading.DetectPlatform(userAgent)
	if hello.Platform != "" {
		platform = heading.ParsePlatform(hello.Platform)
	} else if hello.UserAgent != "" {
		platform = heading.DetectPlatform(hello.UserAgent)
	}
	return &deviceBridge{
		hello:         hello,
		platform:      platform,
		askPermission: ask,
	}
}

// Watch subscribes to the fixes and location errors sent by the device.
func (b *deviceBridge) Watch(onFix func(geo.Fix), onError func(error)) (feed.Subscription, error) {
	fixSub := b.fixes.Subscribe(onFix)
	errSub := b.locErrs.Subscribe(onError)
	return feed.SubscriptionFunc(func() {
		fixSub.Unsubscribe()
		errSub.Unsubscribe()
	}), nil
}

func (b *deviceBridge) Supported() bool {
	return b.hello.OrientationSupported
}

func (b *deviceBridge) RequiresPermission() bool {
	return b.hello.PermissionRequired
}

// RequestPermission asks the device and waits for its permission message.
func (b *deviceBridge) RequestPermission(ctx context.Context) error {
	answer := make(chan bool, 1)
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return session.ErrOrientationPermissionDenied
	}
	// a newer request supersedes the open one, which then reads a closed channel
	if b.pending != nil {
		close(b.pending)
	}
	b.pending = answer
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		if b.pending == answer {
			b.pending = nil
		}
		b.mu.Unlock()
	}()

	if err := b.askPermission(); err != nil {
		return errors.Join(session.ErrOrientationPermissionDenied, err)
	}

	select {
	case granted, ok := <-answer:
		if !ok || !granted {
			return session.ErrOrientationPermissionDenied
		}
		return nil
	case <-ctx.Done():
		return errors.Join(session.ErrOrientationPermissionDenied, ctx.Err())
	}
}

func (b *deviceBridge) Platform() heading.Platform {
	return b.platform
}

func (b *deviceBridge) Subscribe(fn func(heading.Event)) feed.Subscription {
	return b.orientation.Subscribe(fn)
}

// answerPermission delivers the device's answer to the pending request.
func (b *deviceBridge) answerPermission(granted bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pending == nil {
		return errNoPendingPermission
	}
	b.pending <- granted
	b.pending = nil
	return nil
}

func (b *deviceBridge) pushFix(fix geo.Fix) {
	b.fixes.Publish(fix)
}

func (b *deviceBridge) pushLocationError(err error) {
	b.locErrs.Publish(err)
}

func (b *deviceBridge) pushOrientation(ev heading.Event) {
	b.orientation.Publish(ev)
}

// close fails any pending permission request.
func (b *deviceBridge) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	if b.pending != nil {
		close(b.pending)
		b.pending = nil
	}
}

// locationError maps a device location error code onto the session taxonomy.
func locationError(code string) error {
	switch code {
	case streaming.LocationDenied:
		return session.ErrLocationDenied
	case streaming.LocationTimeout:
		return session.ErrLocationTimeout
	default:
		return session.ErrLocationUnavailable
	}
}
