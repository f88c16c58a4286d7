package health

import (
	"sync"

	"github.com/mcdev12/roomsync/go/internal/models"
	"github.com/rs/zerolog/log"
)

// Monitor tracks the connection status as an explicit state machine:
//
//	CONNECTED -> RECONNECTING -> CONNECTED
//	RECONNECTING -> DISCONNECTED (retry budget exhausted)
//	DISCONNECTED -> RECONNECTING (new attempt)
//
// Listeners are notified on every transition; repeated marks of the
// current state are no-ops.
type Monitor struct {
	mu        sync.Mutex
	status    models.ConnectionStatus
	listeners []func(models.ConnectionStatus)
}

// NewMonitor starts in the CONNECTED state.
func NewMonitor() *Monitor {
	return &Monitor{status: models.ConnectionStatusConnected}
}

// Status returns the current connection status.
func (m *Monitor) Status() models.ConnectionStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// OnChange registers a transition listener. Listeners run synchronously on
// the transitioning goroutine and must not block.
func (m *Monitor) OnChange(fn func(models.ConnectionStatus)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// MarkConnected records a successful store operation.
func (m *Monitor) MarkConnected() { m.transition(models.ConnectionStatusConnected) }

// MarkReconnecting records a transient failure with retries still pending.
func (m *Monitor) MarkReconnecting() { m.transition(models.ConnectionStatusReconnecting) }

// MarkDisconnected records retry-budget exhaustion.
func (m *Monitor) MarkDisconnected() { m.transition(models.ConnectionStatusDisconnected) }

func (m *Monitor) transition(next models.ConnectionStatus) {
	m.mu.Lock()
	if m.status == next {
		m.mu.Unlock()
		return
	}
	prev := m.status
	m.status = next
	listeners := make([]func(models.ConnectionStatus), len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.Unlock()

	log.Debug().
		Str("from", string(prev)).
		Str("to", string(next)).
		Msg("connection status changed")

	for _, fn := range listeners {
		fn(next)
	}
}
