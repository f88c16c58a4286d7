package reconcile

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

type countingReconciler struct {
	passes atomic.Int32
	err    error
}

func (c *countingReconciler) Reconcile(ctx context.Context) error {
	c.passes.Add(1)
	return c.err
}

func waitPasses(t *testing.T, r *countingReconciler, want int32) {
	t.Helper()
	require.Eventually(t, func() bool { return r.passes.Load() == want },
		2*time.Second, time.Millisecond, "expected %d passes", want)
}

func TestImmediatePassThenInterval(t *testing.T) {
	clock := clockwork.NewFakeClock()
	r := &countingReconciler{}
	loop := NewLoopWithClock(r, Config{Interval: 10 * time.Second}, clock)

	require.NoError(t, loop.Start(context.Background()))
	defer loop.Stop()

	waitPasses(t, r, 1)

	clock.BlockUntil(1)
	clock.Advance(10 * time.Second)
	waitPasses(t, r, 2)

	clock.Advance(10 * time.Second)
	waitPasses(t, r, 3)
}

func TestStopHaltsPasses(t *testing.T) {
	clock := clockwork.NewFakeClock()
	r := &countingReconciler{}
	loop := NewLoopWithClock(r, Config{Interval: 10 * time.Second}, clock)

	require.NoError(t, loop.Start(context.Background()))
	waitPasses(t, r, 1)
	require.NoError(t, loop.Stop())

	clock.Advance(time.Minute)
	time.Sleep(10 * time.Millisecond)
	require.Equal(t, int32(1), r.passes.Load())
}

func TestDoubleStartRejected(t *testing.T) {
	loop := NewLoop(&countingReconciler{}, DefaultConfig())
	require.NoError(t, loop.Start(context.Background()))
	require.Error(t, loop.Start(context.Background()))
	require.NoError(t, loop.Stop())
	require.Error(t, loop.Stop())
}

func TestPassErrorsDoNotStopTheLoop(t *testing.T) {
	clock := clockwork.NewFakeClock()
	r := &countingReconciler{err: errors.New("transient")}
	loop := NewLoopWithClock(r, Config{Interval: 10 * time.Second}, clock)

	require.NoError(t, loop.Start(context.Background()))
	defer loop.Stop()

	waitPasses(t, r, 1)
	clock.BlockUntil(1)
	clock.Advance(10 * time.Second)
	waitPasses(t, r, 2)
}
