package engine

import (
	"context"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/roomsync/go/internal/roomsync/store"
	"github.com/mcdev12/roomsync/go/internal/roomsync/vote"
	"github.com/rs/zerolog/log"
)

// Manager owns one engine per room code, creating and starting them on
// demand. Engines are independent; there are no cross-room operations.
type Manager struct {
	st     store.Store
	source store.ChangeSource
	ledger vote.Ledger
	config Config
	clock  clockwork.Clock

	// runCtx is the lifetime of every engine the manager starts. Engines
	// must outlive the (typically request-scoped) context that first asked
	// for them; only Close ends runCtx.
	runCtx context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	engines map[string]*Engine
}

// NewManager creates an engine manager.
func NewManager(st store.Store, source store.ChangeSource, ledger vote.Ledger, config Config) *Manager {
	runCtx, cancel := context.WithCancel(context.Background())
	return &Manager{
		st:      st,
		source:  source,
		ledger:  ledger,
		config:  config,
		clock:   clockwork.NewRealClock(),
		runCtx:  runCtx,
		cancel:  cancel,
		engines: make(map[string]*Engine),
	}
}

// Engine returns the running engine for a room code, starting one on
// first use. ctx bounds only the room lookup; the engine itself runs on
// the manager's lifetime.
func (m *Manager) Engine(ctx context.Context, code string) (*Engine, error) {
	m.mu.Lock()
	if eng, ok := m.engines[code]; ok {
		m.mu.Unlock()
		return eng, nil
	}
	m.mu.Unlock()

	// Validate the code under the caller's context before committing
	// long-lived goroutines to it.
	if _, err := m.st.GetRoomByCode(ctx, code); err != nil {
		return nil, err
	}

	eng := NewWithClock(m.st, m.source, m.ledger, m.config, m.clock)
	if err := eng.Start(m.runCtx, code); err != nil {
		return nil, err
	}

	m.mu.Lock()
	if existing, ok := m.engines[code]; ok {
		// Another caller won the race; keep theirs.
		m.mu.Unlock()
		if err := eng.Close(); err != nil {
			log.Warn().Err(err).Str("code", code).Msg("failed to close duplicate engine")
		}
		return existing, nil
	}
	m.engines[code] = eng
	m.mu.Unlock()
	return eng, nil
}

// Close tears down every engine.
func (m *Manager) Close() error {
	m.cancel()

	m.mu.Lock()
	engines := make([]*Engine, 0, len(m.engines))
	for _, eng := range m.engines {
		engines = append(engines, eng)
	}
	m.engines = make(map[string]*Engine)
	m.mu.Unlock()

	for _, eng := range engines {
		if err := eng.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close engine")
		}
	}
	return nil
}
