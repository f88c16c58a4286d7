// Package reconcile runs the periodic self-healing pass: a low-frequency
// full reload independent of the change feed that corrects missed events,
// counter drift, and stale ledger entries.
package reconcile

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// Reconciler is one full reconciliation pass. Passes must be idempotent:
// repeated runs against unchanged server state must not alter
// client-visible state.
type Reconciler interface {
	Reconcile(ctx context.Context) error
}

// Config holds reconciliation loop settings.
type Config struct {
	Interval time.Duration
}

// DefaultConfig returns the standard 10s reconciliation interval.
func DefaultConfig() Config {
	return Config{Interval: 10 * time.Second}
}

// Loop drives a Reconciler on a fixed interval.
type Loop struct {
	reconciler Reconciler
	config     Config
	clock      clockwork.Clock

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewLoop creates a loop with a real clock.
func NewLoop(r Reconciler, config Config) *Loop {
	return NewLoopWithClock(r, config, clockwork.NewRealClock())
}

// NewLoopWithClock creates a loop with the given clock.
func NewLoopWithClock(r Reconciler, config Config, clock clockwork.Clock) *Loop {
	return &Loop{reconciler: r, config: config, clock: clock, stopChan: make(chan struct{})}
}

// Start launches the loop. One pass runs immediately, then one per
// interval.
func (l *Loop) Start(ctx context.Context) error {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return fmt.Errorf("reconcile loop already running")
	}
	l.running = true
	l.mu.Unlock()

	l.wg.Add(1)
	go l.run(ctx)

	log.Info().Dur("interval", l.config.Interval).Msg("reconcile loop started")
	return nil
}

// Stop halts the loop and waits for any in-flight pass to finish.
func (l *Loop) Stop() error {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return fmt.Errorf("reconcile loop not running")
	}
	l.running = false
	l.mu.Unlock()

	close(l.stopChan)
	l.wg.Wait()

	log.Info().Msg("reconcile loop stopped")
	return nil
}

func (l *Loop) run(ctx context.Context) {
	defer l.wg.Done()

	ticker := l.clock.NewTicker(l.config.Interval)
	defer ticker.Stop()

	l.pass(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-l.stopChan:
			return
		case <-ticker.Chan():
			l.pass(ctx)
		}
	}
}

func (l *Loop) pass(ctx context.Context) {
	if err := l.reconciler.Reconcile(ctx); err != nil {
		log.Error().Err(err).Msg("reconciliation pass failed")
	}
}
