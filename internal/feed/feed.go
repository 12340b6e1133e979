// Package feed provides a small observer abstraction: handlers subscribe to a
// stream of values and get back a Subscription they can cancel.
package feed

import (
	"sync"
)

// Subscription cancels delivery to one handler. Unsubscribe is idempotent.
type Subscription interface {
	Unsubscribe()
}

// SubscriptionFunc adapts a plain function to a Subscription. The function runs
// at most once no matter how often Unsubscribe is called.
func SubscriptionFunc(fn func()) Subscription {
	return &onceSubscription{fn: fn}
}

type onceSubscription struct {
	once sync.Once
	fn   func()
}

func (s *onceSubscription) Unsubscribe() {
	s.once.Do(func() {
		if s.fn != nil {
			s.fn()
		}
	})
}

// Nop is a Subscription that does nothing.
var Nop Subscription = SubscriptionFunc(nil)

// Feed fans values out to subscribed handlers. Each Publish delivers the value
// exactly once to every handler subscribed at the time of the call, in
// subscription order, on the publishing goroutine.
type Feed[T any] struct {
	mu       sync.RWMutex
	nextID   uint64
	handlers []entry[T]
}

type entry[T any] struct {
	id uint64
	fn func(T)
}

// Subscribe registers a handler and returns its Subscription.
func (f *Feed[T]) Subscribe(fn func(T)) Subscription {
	f.mu.Lock()
	f.nextID++
	id := f.nextID
	f.handlers = append(f.handlers, entry[T]{id: id, fn: fn})
	f.mu.Unlock()

	return SubscriptionFunc(func() {
		f.remove(id)
	})
}

func (f *Feed[T]) remove(id uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, e := range f.handlers {
		if e.id == id {
			f.handlers = append(f.handlers[:i:i], f.handlers[i+1:]...)
			return
		}
	}
}

// Publish delivers v to every current handler.
func (f *Feed[T]) Publish(v T) {
	f.mu.RLock()
	handlers := make([]func(T), len(f.handlers))
	for i, e := range f.handlers {
		handlers[i] = e.fn
	}
	f.mu.RUnlock()

	for _, fn := range handlers {
		fn(v)
	}
}

// Len returns the number of active subscriptions.
func (f *Feed[T]) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.handlers)
}
