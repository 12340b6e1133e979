package session

import (
	"context"
	"errors"

	"github.com/jonboulle/clockwork"

	"github.com/noorlabs/qiblad/internal/geo"
	"github.com/noorlabs/qiblad/internal/heading"
)

// Everything in this file runs on the event loop goroutine.

// initialize is the entry point of Start and Retry. Callbacks registered by an
// earlier generation are ignored once gen moves on.
func (s *Session) initialize() {
	s.release()
	s.gen++
	s.accepted = 0
	s.locationErr = nil
	s.orientationErr = nil
	s.clearMessage()
	s.setState(StateInitializing)

	gen := s.gen
	s.acquireLocation(gen)
	s.setupHeadingTracking(gen)
	s.publish()
}

// guarded wraps fn so it only runs for the current generation.
func (s *Session) guarded(gen uint64, fn func()) func() {
	return func() {
		if gen != s.gen {
			return
		}
		fn()
	}
}

func (s *Session) storeContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(s.ctx, s.cfg.StoreTimeout)
}

func (s *Session) acquireLocation(gen uint64) {
	if st := s.deps.Store; st != nil {
		ctx, cancel := s.storeContext()
		if c, ok, err := st.LastKnown(ctx, s.cfg.Device); err != nil {
			s.log.Warn("Failed to read cached location", "error", err)
		} else if ok && c.Validate() == nil && s.location == nil {
			s.applyCoordinate(c, true)
		}
		if granted, err := st.PermissionGranted(ctx, s.cfg.Device); err != nil {
			s.log.Warn("Failed to read permission flag", "error", err)
		} else {
			s.permissionRemembered = granted
		}
		cancel()
	}

	sub, err := s.deps.Location.Watch(
		func(f geo.Fix) {
			s.post(s.guarded(gen, func() { s.onFix(f) }))
		},
		func(err error) {
			s.post(s.guarded(gen, func() { s.onLocationError(err) }))
		},
	)
	if err != nil {
		s.onLocationError(err)
		return
	}
	s.locationSub = sub
}

func (s *Session) onFix(f geo.Fix) {
	if err := f.Coordinate.Validate(); err != nil {
		s.metrics.fix(false)
		s.log.Warn("Discarding invalid fix", "latitude", f.Coordinate.Latitude, "longitude", f.Coordinate.Longitude)
		return
	}
	s.metrics.fix(true)

	changed := s.location == nil || *s.location != f.Coordinate || s.fromCache
	if changed {
		s.applyCoordinate(f.Coordinate, false)
	}
	if s.locationErr != nil {
		s.locationErr = nil
		// only an orientation denial owns the panel; silent fallbacks show none
		if !errors.Is(s.orientationErr, ErrOrientationPermissionDenied) {
			s.clearMessage()
		}
	}

	if st := s.deps.Store; st != nil {
		ctx, cancel := s.storeContext()
		if err := st.SaveFix(ctx, s.cfg.Device, f); err != nil {
			s.log.Warn("Failed to persist fix", "error", err)
		}
		if err := st.SetPermissionGranted(ctx, s.cfg.Device, true); err != nil {
			s.log.Warn("Failed to persist permission flag", "error", err)
		}
		cancel()
	}
	s.permissionRemembered = true
	s.publish()
}

// applyCoordinate recomputes the bearing; it is the only place the result changes.
func (s *Session) applyCoordinate(c geo.Coordinate, cached bool) {
	s.location = &c
	s.fromCache = cached
	s.result = geo.Qibla(c)
	s.log.Debug("Bearing updated",
		"bearing", s.result.BearingDegrees,
		"distanceMiles", s.result.DistanceMiles,
		"cached", cached,
	)
}

func (s *Session) onLocationError(err error) {
	err = classifyLocationError(err)
	s.locationErr = err
	s.log.Warn("Location failed", "error", err)

	if errors.Is(err, ErrLocationDenied) {
		s.permissionRemembered = false
		if st := s.deps.Store; st != nil {
			ctx, cancel := s.storeContext()
			if serr := st.SetPermissionGranted(ctx, s.cfg.Device, false); serr != nil {
				s.log.Warn("Failed to persist permission flag", "error", serr)
			}
			cancel()
		}
	}

	// an orientation denial keeps the panel; its offers include retry already
	if s.orientationErr == nil || !errors.Is(s.orientationErr, ErrOrientationPermissionDenied) {
		s.message = locationMessage(err)
		s.offers = []Offer{OfferRetry}
	}
	s.publish()
}

func (s *Session) setupHeadingTracking(gen uint64) {
	o := s.deps.Orientation
	if !o.Supported() {
		s.enterManual(ErrDeviceOrientationUnsupported)
		return
	}
	if o.RequiresPermission() {
		ctx := s.ctx
		go func() {
			err := o.RequestPermission(ctx)
			s.post(s.guarded(gen, func() { s.onOrientationPermission(gen, err) }))
		}()
		return
	}
	s.subscribeOrientation(gen)
}

func (s *Session) onOrientationPermission(gen uint64, err error) {
	// the user may have picked manual mode while the prompt was open
	if s.state != StateInitializing {
		s.log.Debug("Ignoring orientation permission answer", "state", s.state.String())
		return
	}
	if err != nil {
		if !errors.Is(err, ErrOrientationPermissionDenied) {
			s.log.Warn("Orientation permission request failed", "error", err)
		}
		s.enterManual(ErrOrientationPermissionDenied)
		s.message = orientationDeniedMessage
		s.offers = []Offer{OfferRetry, OfferManual}
		s.publish()
		return
	}
	s.subscribeOrientation(gen)
	s.publish()
}

func (s *Session) subscribeOrientation(gen uint64) {
	platform := s.deps.Orientation.Platform()
	s.orientationSub = s.deps.Orientation.Subscribe(func(ev heading.Event) {
		s.post(s.guarded(gen, func() { s.onOrientation(ev, platform) }))
	})
	s.probeTimer = s.clock.AfterFunc(s.cfg.ProbeWindow, func() {
		s.post(s.guarded(gen, s.onProbeTimeout))
	})
	s.log.Debug("Orientation tracking started", "platform", platform.String())
}

func (s *Session) onOrientation(ev heading.Event, platform heading.Platform) {
	if s.orientationSub == nil {
		// released between queueing and delivery
		return
	}
	r, ok := heading.Resolve(ev, platform)
	if !ok {
		s.metrics.sample(heading.SourceNone.String(), false)
		return
	}
	s.metrics.sample(r.Source.String(), true)

	s.smoothed = s.smoother.Add(r.Degrees)
	s.hasHeading = true
	s.accepted++

	if s.state == StateInitializing && s.calibrationTimer == nil {
		stopTimer(&s.probeTimer)
		gen := s.gen
		s.calibrationTimer = s.clock.AfterFunc(s.cfg.CalibrationWindow, func() {
			s.post(s.guarded(gen, s.onCalibrationTimeout))
		})
	}
	s.publish()
}

func (s *Session) onProbeTimeout() {
	s.probeTimer = nil
	if s.state != StateInitializing || s.accepted > 0 {
		return
	}
	s.log.Info("No orientation signal, falling back to manual mode", "window", s.cfg.ProbeWindow)
	s.enterManual(ErrNoOrientationSignal)
	s.publish()
}

func (s *Session) onCalibrationTimeout() {
	s.calibrationTimer = nil
	if s.state != StateInitializing {
		return
	}
	if s.accepted < s.cfg.MinCalibrationSamples {
		s.log.Info("Too few orientation samples, falling back to manual mode", "samples", s.accepted)
		s.enterManual(ErrNoOrientationSignal)
		s.publish()
		return
	}
	s.setState(StateCalibrated)
	s.log.Info("Compass calibrated", "samples", s.accepted)
	s.publish()
}

// enterManual releases orientation tracking and records why. Only denials carry a
// message; the silent cases leave the panel alone.
func (s *Session) enterManual(reason error) {
	s.releaseOrientation()
	s.orientationErr = reason
	s.setState(StateManualMode)
}

func (s *Session) setState(to State) {
	if s.state == to {
		return
	}
	s.log.Debug("State transition", "from", s.state.String(), "to", to.String())
	s.state = to
	s.metrics.transition(to)
}

func (s *Session) clearMessage() {
	s.message = ""
	s.offers = nil
}

func (s *Session) releaseOrientation() {
	if s.orientationSub != nil {
		s.orientationSub.Unsubscribe()
		s.orientationSub = nil
	}
	stopTimer(&s.probeTimer)
	stopTimer(&s.calibrationTimer)
}

// release drops every subscription and timer. Safe to repeat.
func (s *Session) release() {
	s.releaseOrientation()
	if s.locationSub != nil {
		s.locationSub.Unsubscribe()
		s.locationSub = nil
	}
}

func stopTimer(t *clockwork.Timer) {
	if *t == nil {
		return
	}
	(*t).Stop()
	*t = nil
}

func (s *Session) needleRotation() float64 {
	if s.state == StateCalibrated && s.hasHeading {
		return s.result.BearingDegrees - s.smoothed
	}
	return s.result.BearingDegrees
}

func (s *Session) buildSnapshot() Snapshot {
	snap := Snapshot{
		ID:                    s.id,
		Device:                s.cfg.Device,
		State:                 s.state,
		HasLocation:           s.location != nil,
		FromCache:             s.fromCache,
		BearingDegrees:        s.result.BearingDegrees,
		DistanceMiles:         s.result.DistanceMiles,
		DistanceKilometers:    s.result.DistanceKilometers,
		Cardinal:              s.result.Cardinal,
		NeedleRotationDegrees: s.needleRotation(),
		LocationError:         Code(s.locationErr),
		OrientationError:      Code(s.orientationErr),
		PermissionRemembered:  s.permissionRemembered,
		UpdatedAt:             s.clock.Now(),
	}
	if s.location != nil {
		c := *s.location
		snap.Location = &c
	}
	if s.hasHeading {
		h := s.smoothed
		snap.SmoothedHeading = &h
	}
	if s.message != "" {
		msg := s.message
		snap.ErrorMessage = &msg
	}
	if len(s.offers) > 0 {
		snap.Offers = append([]Offer(nil), s.offers...)
	}
	return snap
}

func (s *Session) publish() {
	snap := s.buildSnapshot()
	s.mu.Lock()
	s.snap = snap
	s.mu.Unlock()
	s.observers.Publish(snap)
}
