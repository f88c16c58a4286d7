package feed

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/roomsync/go/internal/roomsync/events"
	"github.com/mcdev12/roomsync/go/internal/roomsync/health"
	"github.com/mcdev12/roomsync/go/internal/roomsync/store"
	"github.com/stretchr/testify/require"
)

// stubSource records subscriptions and lets tests inject change events and
// transport reconnects directly.
type stubSource struct {
	mu       sync.Mutex
	fns      []func(events.Change)
	handles  []*stubHandle
	failures int
}

type stubHandle struct {
	mu          sync.Mutex
	closed      bool
	onReconnect []func()
}

func (s *stubSource) Subscribe(ctx context.Context, table events.Table, filter store.Filter, fn func(events.Change)) (store.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures > 0 {
		s.failures--
		return nil, errTransient
	}
	h := &stubHandle{}
	s.fns = append(s.fns, fn)
	s.handles = append(s.handles, h)
	return h, nil
}

func (s *stubSource) emit(c events.Change) {
	s.mu.Lock()
	fns := append([]func(events.Change){}, s.fns...)
	s.mu.Unlock()
	for _, fn := range fns {
		fn(c)
	}
}

func (s *stubSource) reconnect() {
	s.mu.Lock()
	handles := append([]*stubHandle{}, s.handles...)
	s.mu.Unlock()
	for _, h := range handles {
		h.mu.Lock()
		fns := append([]func(){}, h.onReconnect...)
		h.mu.Unlock()
		for _, fn := range fns {
			fn()
		}
	}
}

func (h *stubHandle) Close() error {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
	return nil
}

func (h *stubHandle) OnReconnect(fn func()) {
	h.mu.Lock()
	h.onReconnect = append(h.onReconnect, fn)
	h.mu.Unlock()
}

var errTransient = errors.New("transport flake")

// trigger collector

type collector struct {
	mu      sync.Mutex
	reasons []string
}

func (c *collector) trigger(reason string) {
	c.mu.Lock()
	c.reasons = append(c.reasons, reason)
	c.mu.Unlock()
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.reasons)
}

func validChange() events.Change {
	return events.Change{Table: events.TableResponses, Type: events.ChangeInsert, Timestamp: time.Now()}
}

func newWatch(t *testing.T, source *stubSource, clock clockwork.Clock, c *collector) *Watch {
	t.Helper()
	retryer := health.NewRetryer(health.RetryConfig{BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, MaxAttempts: 3})
	sub := NewSubscriberWithClock(source, retryer, Config{ThrottleWindow: time.Second}, clock)
	w, err := sub.Watch(context.Background(), "test scope", events.TableResponses, store.Filter{}, c.trigger)
	require.NoError(t, err)
	return w
}

func TestLeadingEdgeFiresImmediately(t *testing.T) {
	source := &stubSource{}
	clock := clockwork.NewFakeClock()
	c := &collector{}
	w := newWatch(t, source, clock, c)
	defer w.Close()

	source.emit(validChange())
	require.Equal(t, 1, c.count())
}

func TestBurstCoalescesIntoOneTrailingFire(t *testing.T) {
	source := &stubSource{}
	clock := clockwork.NewFakeClock()
	c := &collector{}
	w := newWatch(t, source, clock, c)
	defer w.Close()

	source.emit(validChange())
	require.Equal(t, 1, c.count())

	// Ten more inside the window collapse into exactly one trailing fire.
	for i := 0; i < 10; i++ {
		source.emit(validChange())
	}
	require.Equal(t, 1, c.count())

	clock.Advance(time.Second)
	require.Eventually(t, func() bool { return c.count() == 2 },
		time.Second, time.Millisecond)

	// Quiet window passes; the next event is a fresh leading edge.
	clock.Advance(time.Second)
	source.emit(validChange())
	require.Equal(t, 3, c.count())
}

func TestMalformedEventsRejected(t *testing.T) {
	source := &stubSource{}
	clock := clockwork.NewFakeClock()
	c := &collector{}
	w := newWatch(t, source, clock, c)
	defer w.Close()

	source.emit(events.Change{Table: "users", Type: events.ChangeInsert, Timestamp: time.Now()})
	source.emit(events.Change{Table: events.TableRooms, Type: "truncate", Timestamp: time.Now()})
	require.Zero(t, c.count())
}

func TestCloseStopsTriggersSynchronously(t *testing.T) {
	source := &stubSource{}
	clock := clockwork.NewFakeClock()
	c := &collector{}
	w := newWatch(t, source, clock, c)

	source.emit(validChange())
	source.emit(validChange()) // pending trailing fire
	require.Equal(t, 1, c.count())

	require.NoError(t, w.Close())
	require.True(t, source.handles[0].closed)

	// Neither new events nor the pending trailing timer may fire now.
	source.emit(validChange())
	clock.Advance(2 * time.Second)
	require.Equal(t, 1, c.count())
}

func TestSubscribeRetriesTransientFailures(t *testing.T) {
	source := &stubSource{failures: 2}
	clock := clockwork.NewFakeClock()
	c := &collector{}
	w := newWatch(t, source, clock, c)
	defer w.Close()

	source.emit(validChange())
	require.Equal(t, 1, c.count())
}

func TestReconnectFiresUnthrottledCatchUp(t *testing.T) {
	source := &stubSource{}
	clock := clockwork.NewFakeClock()
	c := &collector{}
	w := newWatch(t, source, clock, c)
	defer w.Close()

	source.emit(validChange())
	require.Equal(t, 1, c.count())

	// Still inside the window, but a transport reconnect may have missed
	// events, so it bypasses the throttle.
	source.reconnect()
	require.Equal(t, 2, c.count())
}
