package health

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/roomsync/go/internal/models"
	"github.com/mcdev12/roomsync/go/internal/roomsync/store"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

func waitAttempts(t *testing.T, attempts *atomic.Int32, want int32) {
	t.Helper()
	require.Eventually(t, func() bool { return attempts.Load() == want },
		2*time.Second, time.Millisecond, "expected attempt %d", want)
}

func TestSucceedsAfterTransientFailures(t *testing.T) {
	clock := clockwork.NewFakeClock()
	r := NewRetryerWithClock(RetryConfig{BaseDelay: time.Second, MaxDelay: 5 * time.Second, MaxAttempts: 3}, clock)

	var attempts atomic.Int32
	errCh := make(chan error, 1)
	go func() {
		errCh <- r.Do(context.Background(), "op", func(context.Context) error {
			if attempts.Add(1) < 3 {
				return errBoom
			}
			return nil
		})
	}()

	waitAttempts(t, &attempts, 1)
	clock.BlockUntil(1)
	clock.Advance(time.Second)

	waitAttempts(t, &attempts, 2)
	clock.BlockUntil(1)
	clock.Advance(2 * time.Second)

	waitAttempts(t, &attempts, 3)
	require.NoError(t, <-errCh)
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	clock := clockwork.NewFakeClock()
	r := NewRetryerWithClock(RetryConfig{BaseDelay: time.Second, MaxDelay: 2 * time.Second, MaxAttempts: 4}, clock)

	var attempts atomic.Int32
	errCh := make(chan error, 1)
	go func() {
		errCh <- r.Do(context.Background(), "op", func(context.Context) error {
			attempts.Add(1)
			return errBoom
		})
	}()

	waitAttempts(t, &attempts, 1)

	// First backoff is the 1s base. Just short of it nothing fires.
	clock.BlockUntil(1)
	clock.Advance(999 * time.Millisecond)
	require.Equal(t, int32(1), attempts.Load())
	clock.Advance(time.Millisecond)
	waitAttempts(t, &attempts, 2)

	// Second backoff doubles to 2s.
	clock.BlockUntil(1)
	clock.Advance(1999 * time.Millisecond)
	require.Equal(t, int32(2), attempts.Load())
	clock.Advance(time.Millisecond)
	waitAttempts(t, &attempts, 3)

	// Third backoff is capped at 2s rather than doubling to 4s.
	clock.BlockUntil(1)
	clock.Advance(2 * time.Second)
	waitAttempts(t, &attempts, 4)

	err := <-errCh
	require.ErrorIs(t, err, ErrConnectionFailed)
}

func TestBudgetExhaustionIsTerminal(t *testing.T) {
	clock := clockwork.NewFakeClock()
	r := NewRetryerWithClock(RetryConfig{BaseDelay: time.Second, MaxDelay: 5 * time.Second, MaxAttempts: 3}, clock)

	var attempts atomic.Int32
	errCh := make(chan error, 1)
	go func() {
		errCh <- r.Do(context.Background(), "op", func(context.Context) error {
			attempts.Add(1)
			return errBoom
		})
	}()

	waitAttempts(t, &attempts, 1)
	clock.BlockUntil(1)
	clock.Advance(time.Second)
	waitAttempts(t, &attempts, 2)
	clock.BlockUntil(1)
	clock.Advance(2 * time.Second)
	waitAttempts(t, &attempts, 3)

	err := <-errCh
	require.ErrorIs(t, err, ErrConnectionFailed)
	require.Equal(t, int32(3), attempts.Load(), "no attempt past the budget")
}

func TestDomainErrorsPropagateImmediately(t *testing.T) {
	clock := clockwork.NewFakeClock()
	r := NewRetryerWithClock(DefaultRetryConfig(), clock)

	for _, domainErr := range []error{store.ErrNotFound, store.ErrConflict, store.ErrUnsupported} {
		attempts := 0
		err := r.Do(context.Background(), "op", func(context.Context) error {
			attempts++
			return domainErr
		})
		require.ErrorIs(t, err, domainErr)
		require.NotErrorIs(t, err, ErrConnectionFailed)
		require.Equal(t, 1, attempts)
	}
}

func TestCancellationAbortsBackoff(t *testing.T) {
	clock := clockwork.NewFakeClock()
	r := NewRetryerWithClock(DefaultRetryConfig(), clock)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- r.Do(ctx, "op", func(context.Context) error { return errBoom })
	}()

	clock.BlockUntil(1)
	cancel()
	require.ErrorIs(t, <-errCh, context.Canceled)
}

func TestRetryOutcomesDriveMonitor(t *testing.T) {
	clock := clockwork.NewFakeClock()
	r := NewRetryerWithClock(RetryConfig{BaseDelay: time.Second, MaxDelay: 5 * time.Second, MaxAttempts: 3}, clock)
	monitor := NewMonitor()
	r.Observe(monitor)

	var attempts atomic.Int32
	errCh := make(chan error, 1)
	go func() {
		errCh <- r.Do(context.Background(), "op", func(context.Context) error {
			if attempts.Add(1) < 2 {
				return errBoom
			}
			return nil
		})
	}()

	// The backoff timer only exists after the reconnecting mark, so once
	// BlockUntil returns the transition has happened.
	waitAttempts(t, &attempts, 1)
	clock.BlockUntil(1)
	require.Equal(t, models.ConnectionStatusReconnecting, monitor.Status())

	clock.Advance(time.Second)
	require.NoError(t, <-errCh)
	require.Equal(t, models.ConnectionStatusConnected, monitor.Status())
}

func TestExhaustionMarksDisconnected(t *testing.T) {
	clock := clockwork.NewFakeClock()
	r := NewRetryerWithClock(RetryConfig{BaseDelay: time.Second, MaxDelay: time.Second, MaxAttempts: 2}, clock)
	monitor := NewMonitor()
	r.Observe(monitor)

	errCh := make(chan error, 1)
	go func() {
		errCh <- r.Do(context.Background(), "op", func(context.Context) error { return errBoom })
	}()

	clock.BlockUntil(1)
	clock.Advance(time.Second)
	require.ErrorIs(t, <-errCh, ErrConnectionFailed)
	require.Equal(t, models.ConnectionStatusDisconnected, monitor.Status())
}

func TestRetryableClassification(t *testing.T) {
	require.False(t, Retryable(nil))
	require.False(t, Retryable(context.Canceled))
	require.False(t, Retryable(context.DeadlineExceeded))
	require.False(t, Retryable(store.ErrNotFound))
	require.False(t, Retryable(store.ErrConflict))
	require.False(t, Retryable(store.ErrUnsupported))
	require.True(t, Retryable(errBoom))
}
