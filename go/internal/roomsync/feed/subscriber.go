// Package feed maintains throttled change-feed subscriptions. Change
// events are never applied as deltas; they only trigger a full reload, so
// dropped or duplicated deliveries cost at most staleness, never
// incorrect state.
package feed

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/roomsync/go/internal/roomsync/events"
	"github.com/mcdev12/roomsync/go/internal/roomsync/health"
	"github.com/mcdev12/roomsync/go/internal/roomsync/store"
	"github.com/rs/zerolog/log"
)

// Trigger is invoked when a scope needs a reload. It must be cheap and
// non-blocking; reload coalescing happens behind it.
type Trigger func(reason string)

// Config holds feed subscriber settings.
type Config struct {
	// ThrottleWindow is the canonical per-scope throttle: within one
	// window only the first event fires the trigger, later events
	// coalesce into at most one trailing fire.
	ThrottleWindow time.Duration
}

// DefaultConfig returns the standard 1s throttle window.
func DefaultConfig() Config {
	return Config{ThrottleWindow: time.Second}
}

// Subscriber owns the logical subscriptions of one client over a change
// source.
type Subscriber struct {
	source  store.ChangeSource
	retryer *health.Retryer
	clock   clockwork.Clock
	config  Config
}

// NewSubscriber creates a subscriber with a real clock.
func NewSubscriber(source store.ChangeSource, retryer *health.Retryer, config Config) *Subscriber {
	return NewSubscriberWithClock(source, retryer, config, clockwork.NewRealClock())
}

// NewSubscriberWithClock creates a subscriber with the given clock.
func NewSubscriberWithClock(source store.ChangeSource, retryer *health.Retryer, config Config, clock clockwork.Clock) *Subscriber {
	return &Subscriber{source: source, retryer: retryer, clock: clock, config: config}
}

// Watch is one live, throttled scope subscription.
type Watch struct {
	name    string
	trigger Trigger
	clock   clockwork.Clock
	window  time.Duration

	mu       sync.Mutex
	closed   bool
	lastFire time.Time
	pending  bool
	trailing clockwork.Timer

	handle store.Handle
}

// Watch subscribes one logical scope. Establishing the subscription goes
// through the bounded retry policy; a transport that later drops and
// reconnects fires one unthrottled catch-up trigger.
func (s *Subscriber) Watch(ctx context.Context, name string, table events.Table, filter store.Filter, trigger Trigger) (*Watch, error) {
	w := &Watch{
		name:    name,
		trigger: trigger,
		clock:   s.clock,
		window:  s.config.ThrottleWindow,
	}

	err := s.retryer.Do(ctx, "subscribe "+name, func(ctx context.Context) error {
		handle, err := s.source.Subscribe(ctx, table, filter, w.onEvent)
		if err != nil {
			return err
		}
		w.handle = handle
		return nil
	})
	if err != nil {
		return nil, err
	}

	if ro, ok := w.handle.(store.ReconnectObserver); ok {
		ro.OnReconnect(func() {
			log.Info().Str("scope", name).Msg("feed transport reconnected, forcing reload")
			w.fireNow("reconnect")
		})
	}

	log.Debug().
		Str("scope", name).
		Str("table", string(table)).
		Dur("throttle", s.config.ThrottleWindow).
		Msg("scope subscription established")
	return w, nil
}

func (w *Watch) onEvent(c events.Change) {
	if err := c.Validate(); err != nil {
		log.Warn().Err(err).Str("scope", w.name).Msg("rejecting malformed change event")
		return
	}

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	now := w.clock.Now()
	elapsed := now.Sub(w.lastFire)
	if w.lastFire.IsZero() || elapsed >= w.window {
		w.lastFire = now
		w.mu.Unlock()
		w.trigger("change " + string(c.Table) + "/" + string(c.Type))
		return
	}
	if !w.pending {
		w.pending = true
		w.trailing = w.clock.AfterFunc(w.window-elapsed, w.flushPending)
	}
	w.mu.Unlock()
}

// flushPending fires the single coalesced trigger for events that arrived
// inside a throttle window.
func (w *Watch) flushPending() {
	w.mu.Lock()
	if w.closed || !w.pending {
		w.mu.Unlock()
		return
	}
	w.pending = false
	w.lastFire = w.clock.Now()
	w.mu.Unlock()
	w.trigger("throttle flush")
}

// fireNow triggers immediately, bypassing the throttle but resetting it.
func (w *Watch) fireNow(reason string) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.lastFire = w.clock.Now()
	w.pending = false
	if w.trailing != nil {
		w.trailing.Stop()
	}
	w.mu.Unlock()
	w.trigger(reason)
}

// Close tears the scope down. It synchronously stops future triggers: the
// closed flag is checked under the same mutex every delivery path takes,
// and pending trailing timers are cancelled.
func (w *Watch) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	if w.trailing != nil {
		w.trailing.Stop()
	}
	w.mu.Unlock()

	if w.handle != nil {
		return w.handle.Close()
	}
	return nil
}
