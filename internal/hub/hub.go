// Package hub is a synchronous publish/subscribe registry keyed by event
// category. Producers of a change call Publish; every subscriber of that
// category is notified in registration order before Publish returns.
package hub

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"
)

// Event is what a subscriber receives.
type Event[T any] struct {
	Category  string
	Payload   T
	Published time.Time
}

// Subscriber reacts to published events. A returned error is logged and
// collected by Publish but does not stop delivery to later subscribers.
type Subscriber[T any] interface {
	Notify(ctx context.Context, ev Event[T]) error
}

// SubscriberFunc adapts a function to the Subscriber interface. Func values
// cannot be compared, so remove them with Subscription.Cancel rather than
// Unsubscribe.
type SubscriberFunc[T any] func(ctx context.Context, ev Event[T]) error

// Notify implements Subscriber.
func (f SubscriberFunc[T]) Notify(ctx context.Context, ev Event[T]) error {
	return f(ctx, ev)
}

// Recorder is told how each Publish went.
type Recorder interface {
	ObservePublish(category string, delivered, failed int)
}

type options struct {
	name     string
	recorder Recorder
}

// Option configures a Hub.
type Option func(*options)

// WithName labels the hub in log lines.
func WithName(name string) Option {
	return func(o *options) {
		o.name = name
	}
}

// WithRecorder reports publish outcomes to rec.
func WithRecorder(rec Recorder) Option {
	return func(o *options) {
		o.recorder = rec
	}
}

type entry[T any] struct {
	id  uuid.UUID
	sub Subscriber[T]
}

// Hub maps categories to ordered subscriber lists. It is safe for concurrent
// use; subscribers may subscribe or unsubscribe from inside Notify.
type Hub[T any] struct {
	mu   sync.RWMutex
	subs map[string][]entry[T]
	opts options
}

// New creates an empty hub.
func New[T any](opts ...Option) *Hub[T] {
	h := &Hub[T]{subs: make(map[string][]entry[T])}
	for _, opt := range opts {
		opt(&h.opts)
	}
	return h
}

// Subscription identifies one registration.
type Subscription struct {
	ID       uuid.UUID
	Category string
	cancel   func() bool
}

// Cancel removes this registration. It returns false if it was already gone.
func (s Subscription) Cancel() bool {
	if s.cancel == nil {
		return false
	}
	return s.cancel()
}

// Subscribe appends s to category. Subscribing the same subscriber twice
// registers it twice and it is notified twice per event.
func (h *Hub[T]) Subscribe(category string, s Subscriber[T]) Subscription {
	id := uuid.New()

	h.mu.Lock()
	h.subs[category] = append(h.subs[category], entry[T]{id: id, sub: s})
	h.mu.Unlock()

	log.Debug().
		Str("hub", h.opts.name).
		Str("category", category).
		Str("subscription", id.String()).
		Msg("subscribed")

	return Subscription{
		ID:       id,
		Category: category,
		cancel:   func() bool { return h.remove(category, func(e entry[T]) bool { return e.id == id }) },
	}
}

// Unsubscribe removes the first registration of s under category. It returns
// false and changes nothing if s is not registered there.
func (h *Hub[T]) Unsubscribe(category string, s Subscriber[T]) bool {
	return h.remove(category, func(e entry[T]) bool { return sameSubscriber(e.sub, s) })
}

func (h *Hub[T]) remove(category string, match func(entry[T]) bool) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	list := h.subs[category]
	for i, e := range list {
		if !match(e) {
			continue
		}
		// Copy so snapshots held by in-flight publishes are not disturbed
		next := make([]entry[T], 0, len(list)-1)
		next = append(next, list[:i]...)
		next = append(next, list[i+1:]...)
		if len(next) == 0 {
			delete(h.subs, category)
		} else {
			h.subs[category] = next
		}
		return true
	}
	return false
}

// sameSubscriber compares subscribers without panicking on uncomparable
// dynamic types.
func sameSubscriber[T any](a, b Subscriber[T]) (same bool) {
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	if ta == nil || ta != tb || !ta.Comparable() {
		return false
	}
	defer func() {
		if recover() != nil {
			same = false
		}
	}()
	return a == b
}

// Publish notifies every current subscriber of category, in registration
// order, with the same payload. Failing or panicking subscribers are logged
// and skipped; their errors are returned combined. Publishing to a category
// with no subscribers does nothing.
func (h *Hub[T]) Publish(ctx context.Context, category string, payload T) error {
	h.mu.RLock()
	list := h.subs[category]
	h.mu.RUnlock()

	ev := Event[T]{
		Category:  category,
		Payload:   payload,
		Published: time.Now(),
	}

	var errs error
	failed := 0
	for _, e := range list {
		if err := deliver(ctx, e.sub, ev); err != nil {
			failed++
			log.Warn().
				Str("hub", h.opts.name).
				Str("category", category).
				Str("subscription", e.id.String()).
				Err(err).
				Msg("subscriber failed")
			errs = multierr.Append(errs, fmt.Errorf("subscriber %s: %w", e.id, err))
		}
	}

	if h.opts.recorder != nil {
		h.opts.recorder.ObservePublish(category, len(list)-failed, failed)
	}
	return errs
}

func deliver[T any](ctx context.Context, s Subscriber[T], ev Event[T]) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("subscriber panicked: %v", r)
		}
	}()
	return s.Notify(ctx, ev)
}

// Subscribers returns the number of registrations under category.
func (h *Hub[T]) Subscribers(category string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[category])
}

// Categories returns the categories that have at least one subscriber, sorted.
func (h *Hub[T]) Categories() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	cats := make([]string, 0, len(h.subs))
	for c := range h.subs {
		cats = append(cats, c)
	}
	sort.Strings(cats)
	return cats
}
