package api

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noorlabs/qiblad/internal/geo"
	"github.com/noorlabs/qiblad/internal/heading"
	"github.com/noorlabs/qiblad/internal/session"
	"github.com/noorlabs/qiblad/pkg/streaming"
)

const iPhoneUA = "Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X) AppleWebKit/605.1.15"

func TestDeviceBridge_Platform(t *testing.T) {
	noop := func() error { return nil }

	b := newDeviceBridge(streaming.HelloPayload{}, iPhoneUA, noop)
	assert.Equal(t, heading.PlatformIOS, b.Platform(), "request user agent")

	b = newDeviceBridge(streaming.HelloPayload{UserAgent: iPhoneUA}, "Go-http-client/1.1", noop)
	assert.Equal(t, heading.PlatformIOS, b.Platform(), "hello user agent")

	b = newDeviceBridge(streaming.HelloPayload{Platform: "android", UserAgent: iPhoneUA}, iPhoneUA, noop)
	assert.Equal(t, heading.PlatformOther, b.Platform(), "explicit platform wins")
}

func TestDeviceBridge_CapabilitiesFromHello(t *testing.T) {
	b := newDeviceBridge(streaming.HelloPayload{OrientationSupported: true, PermissionRequired: true}, "", nil)
	assert.True(t, b.Supported())
	assert.True(t, b.RequiresPermission())
}

func TestDeviceBridge_PermissionGranted(t *testing.T) {
	asked := make(chan struct{}, 1)
	b := newDeviceBridge(streaming.HelloPayload{}, "", func() error {
		asked <- struct{}{}
		return nil
	})

	result := make(chan error, 1)
	go func() { result <- b.RequestPermission(context.Background()) }()

	<-asked
	require.NoError(t, b.answerPermission(true))
	select {
	case err := <-result:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("RequestPermission did not return")
	}

	assert.ErrorIs(t, b.answerPermission(true), errNoPendingPermission)
}

func TestDeviceBridge_PermissionRefused(t *testing.T) {
	asked := make(chan struct{}, 1)
	b := newDeviceBridge(streaming.HelloPayload{}, "", func() error {
		asked <- struct{}{}
		return nil
	})

	result := make(chan error, 1)
	go func() { result <- b.RequestPermission(context.Background()) }()
	<-asked
	require.NoError(t, b.answerPermission(false))
	assert.ErrorIs(t, <-result, session.ErrOrientationPermissionDenied)
}

func TestDeviceBridge_PermissionSendFails(t *testing.T) {
	b := newDeviceBridge(streaming.HelloPayload{}, "", func() error { return errClosed })
	err := b.RequestPermission(context.Background())
	assert.ErrorIs(t, err, session.ErrOrientationPermissionDenied)
	assert.ErrorIs(t, err, errClosed)
}

func TestDeviceBridge_PermissionCancelled(t *testing.T) {
	b := newDeviceBridge(streaming.HelloPayload{}, "", func() error { return nil })
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := b.RequestPermission(ctx)
	assert.ErrorIs(t, err, session.ErrOrientationPermissionDenied)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDeviceBridge_CloseFailsPendingRequest(t *testing.T) {
	asked := make(chan struct{}, 1)
	b := newDeviceBridge(streaming.HelloPayload{}, "", func() error {
		asked <- struct{}{}
		return nil
	})

	result := make(chan error, 1)
	go func() { result <- b.RequestPermission(context.Background()) }()
	<-asked
	b.close()
	assert.ErrorIs(t, <-result, session.ErrOrientationPermissionDenied)

	// later requests fail straight away
	assert.ErrorIs(t, b.RequestPermission(context.Background()), session.ErrOrientationPermissionDenied)
}

func TestDeviceBridge_WatchRoutesFixesAndErrors(t *testing.T) {
	b := newDeviceBridge(streaming.HelloPayload{}, "", nil)

	var fixes []geo.Fix
	var errs []error
	sub, err := b.Watch(func(f geo.Fix) { fixes = append(fixes, f) }, func(err error) { errs = append(errs, err) })
	require.NoError(t, err)

	b.pushFix(geo.Fix{Coordinate: geo.Coordinate{Latitude: 1, Longitude: 2}})
	b.pushLocationError(session.ErrLocationTimeout)
	sub.Unsubscribe()
	b.pushFix(geo.Fix{})

	require.Len(t, fixes, 1)
	assert.Equal(t, 2.0, fixes[0].Coordinate.Longitude)
	require.Len(t, errs, 1)
	assert.True(t, errors.Is(errs[0], session.ErrLocationTimeout))
}

func TestDeviceBridge_OrientationFeed(t *testing.T) {
	b := newDeviceBridge(streaming.HelloPayload{}, "", nil)
	var got []heading.Event
	sub := b.Subscribe(func(ev heading.Event) { got = append(got, ev) })
	defer sub.Unsubscribe()

	alpha := 90.0
	b.pushOrientation(heading.Event{Alpha: &alpha})
	require.Len(t, got, 1)
	assert.Equal(t, 90.0, *got[0].Alpha)
}

func TestLocationError(t *testing.T) {
	assert.ErrorIs(t, locationError(streaming.LocationDenied), session.ErrLocationDenied)
	assert.ErrorIs(t, locationError(streaming.LocationTimeout), session.ErrLocationTimeout)
	assert.ErrorIs(t, locationError(streaming.LocationUnavailable), session.ErrLocationUnavailable)
	assert.ErrorIs(t, locationError("bogus"), session.ErrLocationUnavailable)
}

func TestDeviceBridge_NewRequestReleasesSupersededOne(t *testing.T) {
	asked := make(chan struct{}, 2)
	b := newDeviceBridge(streaming.HelloPayload{}, "", func() error {
		asked <- struct{}{}
		return nil
	})

	first := make(chan error, 1)
	go func() { first <- b.RequestPermission(context.Background()) }()
	<-asked

	second := make(chan error, 1)
	go func() { second <- b.RequestPermission(context.Background()) }()
	<-asked

	select {
	case err := <-first:
		assert.ErrorIs(t, err, session.ErrOrientationPermissionDenied)
	case <-time.After(time.Second):
		t.Fatal("superseded request still waiting")
	}

	require.NoError(t, b.answerPermission(true))
	select {
	case err := <-second:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("second request did not get the answer")
	}
}
