// Package cache keeps the live compass sessions of the server, indexed by
// session id and by device.
package cache

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Session is what the registry needs from a session.
type Session interface {
	ID() string
	Device() string
	Dispose()
}

type entry[S Session] struct {
	session  S
	lastSeen time.Time
}

// Registry caches live sessions so lookups by the HTTP API do not have to walk
// the connections. Sessions idle for longer than the timeout are disposed by Sweep.
type Registry[S Session] struct {
	mu       sync.RWMutex
	sessions map[string]*entry[S]
	byDevice map[string]string
	clock    clockwork.Clock
	idle     time.Duration
	onEvict  func(S)
}

// NewRegistry creates a registry. An idle timeout of zero disables eviction.
func NewRegistry[S Session](clock clockwork.Clock, idle time.Duration) *Registry[S] {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Registry[S]{
		sessions: make(map[string]*entry[S]),
		byDevice: make(map[string]string),
		clock:    clock,
		idle:     idle,
	}
}

// OnEvict sets a callback run after an idle session was disposed.
func (r *Registry[S]) OnEvict(fn func(S)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onEvict = fn
}

// Add registers s. A device has at most one session: an older session of the
// same device is returned so the caller can dispose it.
func (r *Registry[S]) Add(s S) (replaced S, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if dev := s.Device(); dev != "" {
		if oldID, exists := r.byDevice[dev]; exists && oldID != s.ID() {
			if old, found := r.sessions[oldID]; found {
				replaced, ok = old.session, true
				delete(r.sessions, oldID)
			}
		}
		r.byDevice[dev] = s.ID()
	}
	r.sessions[s.ID()] = &entry[S]{session: s, lastSeen: r.clock.Now()}
	return replaced, ok
}

// Get returns the session with the given id.
func (r *Registry[S]) Get(id string) (S, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.sessions[id]
	if !ok {
		var zero S
		return zero, false
	}
	return e.session, true
}

// ByDevice returns the live session of a device.
func (r *Registry[S]) ByDevice(device string) (S, bool) {
	r.mu.RLock()
	id, ok := r.byDevice[device]
	r.mu.RUnlock()
	if !ok {
		var zero S
		return zero, false
	}
	return r.Get(id)
}

// Touch records activity on a session.
func (r *Registry[S]) Touch(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.sessions[id]; ok {
		e.lastSeen = r.clock.Now()
	}
}

// Remove forgets a session without disposing it.
func (r *Registry[S]) Remove(id string) (S, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(id)
}

func (r *Registry[S]) removeLocked(id string) (S, bool) {
	e, ok := r.sessions[id]
	if !ok {
		var zero S
		return zero, false
	}
	delete(r.sessions, id)
	if dev := e.session.Device(); r.byDevice[dev] == id {
		delete(r.byDevice, dev)
	}
	return e.session, true
}

// Len returns the number of live sessions.
func (r *Registry[S]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// IDs returns the live session ids in sorted order.
func (r *Registry[S]) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Sweep disposes every session idle for longer than the timeout and returns their ids.
func (r *Registry[S]) Sweep() []string {
	if r.idle <= 0 {
		return nil
	}
	now := r.clock.Now()

	r.mu.Lock()
	var evicted []S
	for id, e := range r.sessions {
		if now.Sub(e.lastSeen) >= r.idle {
			s, _ := r.removeLocked(id)
			evicted = append(evicted, s)
		}
	}
	onEvict := r.onEvict
	r.mu.Unlock()

	ids := make([]string, 0, len(evicted))
	for _, s := range evicted {
		s.Dispose()
		if onEvict != nil {
			onEvict(s)
		}
		ids = append(ids, s.ID())
	}
	sort.Strings(ids)
	return ids
}

// Run sweeps every interval until ctx is done.
func (r *Registry[S]) Run(ctx context.Context, interval time.Duration) {
	if r.idle <= 0 || interval <= 0 {
		return
	}
	ticker := r.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			r.Sweep()
		}
	}
}

// Close disposes and forgets every session.
func (r *Registry[S]) Close() {
	r.mu.Lock()
	all := make([]S, 0, len(r.sessions))
	for _, e := range r.sessions {
		all = append(all, e.session)
	}
	r.sessions = make(map[string]*entry[S])
	r.byDevice = make(map[string]string)
	r.mu.Unlock()

	for _, s := range all {
		s.Dispose()
	}
}
