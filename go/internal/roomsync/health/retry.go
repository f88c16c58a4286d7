// Package health wraps store operations in bounded retry with exponential
// backoff and tracks the client's connection status as an explicit state
// machine.
package health

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/roomsync/go/internal/roomsync/store"
	"github.com/rs/zerolog/log"
)

// ErrConnectionFailed is the terminal error surfaced after the bounded
// retry budget is exhausted. Callers report it as a disconnected status
// rather than retrying forever.
var ErrConnectionFailed = errors.New("health: connection failed")

// RetryConfig bounds the backoff policy applied to store operations.
type RetryConfig struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
}

// DefaultRetryConfig returns the standard policy: 1s base doubling to a 5s
// cap, three attempts total.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		BaseDelay:   time.Second,
		MaxDelay:    5 * time.Second,
		MaxAttempts: 3,
	}
}

// StatusSink receives connection health transitions derived from retry
// outcomes. Monitor implements it.
type StatusSink interface {
	MarkConnected()
	MarkReconnecting()
	MarkDisconnected()
}

// Retryer executes operations with bounded retry. Domain errors propagate
// immediately: retrying a NotFound or Conflict cannot change the outcome.
type Retryer struct {
	config RetryConfig
	clock  clockwork.Clock
	sink   StatusSink
}

// NewRetryer creates a retryer with a real clock.
func NewRetryer(config RetryConfig) *Retryer {
	return NewRetryerWithClock(config, clockwork.NewRealClock())
}

// NewRetryerWithClock creates a retryer with the given clock.
func NewRetryerWithClock(config RetryConfig, clock clockwork.Clock) *Retryer {
	return &Retryer{config: config, clock: clock}
}

// Observe attaches a status sink: each backoff marks RECONNECTING, a
// completed operation marks CONNECTED again, and budget exhaustion marks
// DISCONNECTED. Attach before sharing the retryer across goroutines.
func (r *Retryer) Observe(sink StatusSink) {
	r.sink = sink
}

// Do runs op, retrying transient failures with exponential backoff until
// the attempt budget is spent, then returns ErrConnectionFailed wrapping
// the last error.
func (r *Retryer) Do(ctx context.Context, name string, op func(context.Context) error) error {
	var lastErr error
	delay := r.config.BaseDelay

	for attempt := 1; attempt <= r.config.MaxAttempts; attempt++ {
		err := op(ctx)
		if err == nil {
			if attempt > 1 {
				log.Info().Str("op", name).Int("attempt", attempt).Msg("operation succeeded after retry")
			}
			if r.sink != nil {
				r.sink.MarkConnected()
			}
			return nil
		}
		if !Retryable(err) {
			return err
		}
		lastErr = err

		if attempt == r.config.MaxAttempts {
			break
		}
		log.Warn().
			Err(err).
			Str("op", name).
			Int("attempt", attempt).
			Dur("backoff", delay).
			Msg("transient failure, backing off")
		if r.sink != nil {
			r.sink.MarkReconnecting()
		}

		timer := r.clock.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.Chan():
		}

		delay *= 2
		if delay > r.config.MaxDelay {
			delay = r.config.MaxDelay
		}
	}

	if r.sink != nil {
		r.sink.MarkDisconnected()
	}
	return fmt.Errorf("%w: %s after %d attempts: %v", ErrConnectionFailed, name, r.config.MaxAttempts, lastErr)
}

// Retryable reports whether an error is transient. Domain outcomes and
// cancellation are terminal.
func Retryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	case errors.Is(err, store.ErrNotFound), errors.Is(err, store.ErrConflict), errors.Is(err, store.ErrUnsupported):
		return false
	default:
		return true
	}
}
