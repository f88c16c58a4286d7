// Package lifecycle models the room's presenter-driven state machine:
//
//	Idle -> ActivityLive -> ActivityLocked -> ActivityEnded -> (Idle | next ActivityLive)
//
// Reset is reachable from every state and returns to Idle. Transitions are
// validated here; the writes that realize them belong to the engine.
package lifecycle

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
)

// State names one room lifecycle state.
type State string

const (
	StateIdle           State = "IDLE"
	StateActivityLive   State = "ACTIVITY_LIVE"
	StateActivityLocked State = "ACTIVITY_LOCKED"
	StateActivityEnded  State = "ACTIVITY_ENDED"
)

// Transition names one presenter action.
type Transition string

const (
	TransitionStartActivity Transition = "START_ACTIVITY"
	TransitionLockVoting    Transition = "LOCK_VOTING"
	TransitionUnlockVoting  Transition = "UNLOCK_VOTING"
	TransitionEndActivity   Transition = "END_ACTIVITY"
	TransitionReset         Transition = "RESET"
)

// ErrInvalidTransition wraps a transition rejected by the table.
type ErrInvalidTransition struct {
	From State
	Via  Transition
}

func (e ErrInvalidTransition) Error() string {
	return fmt.Sprintf("lifecycle: cannot %s from %s", e.Via, e.From)
}

// transitions is the legal transition table. Reset is handled separately:
// it is legal from every state.
var transitions = map[State]map[Transition]State{
	StateIdle: {
		TransitionStartActivity: StateActivityLive,
	},
	StateActivityLive: {
		// Starting another activity while one is live switches directly.
		TransitionStartActivity: StateActivityLive,
		TransitionLockVoting:    StateActivityLocked,
		TransitionEndActivity:   StateActivityEnded,
	},
	StateActivityLocked: {
		TransitionStartActivity: StateActivityLive,
		TransitionUnlockVoting:  StateActivityLive,
		TransitionEndActivity:   StateActivityEnded,
	},
	StateActivityEnded: {
		TransitionStartActivity: StateActivityLive,
	},
}

// Next returns the state after applying a transition, or an
// ErrInvalidTransition.
func Next(from State, via Transition) (State, error) {
	if via == TransitionReset {
		return StateIdle, nil
	}
	to, ok := transitions[from][via]
	if !ok {
		return from, ErrInvalidTransition{From: from, Via: via}
	}
	return to, nil
}

// Machine tracks the room's current lifecycle state for one client.
type Machine struct {
	mu    sync.Mutex
	state State
}

// NewMachine starts in Idle.
func NewMachine() *Machine {
	return &Machine{state: StateIdle}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Apply validates and performs a transition.
func (m *Machine) Apply(via Transition) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	next, err := Next(m.state, via)
	if err != nil {
		return m.state, err
	}
	if next != m.state {
		log.Debug().
			Str("from", string(m.state)).
			Str("via", string(via)).
			Str("to", string(next)).
			Msg("lifecycle transition")
	}
	m.state = next
	return next, nil
}

// Sync overwrites the tracked state from an observed snapshot-derived
// state. Used when transitions happen on another client and arrive
// through the change feed.
func (m *Machine) Sync(observed State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = observed
}
