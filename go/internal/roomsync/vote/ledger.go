package vote

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Entry records that the local participant voted on one activity. The
// ledger renders "already voted" without a network round trip; server
// Response rows remain the authority and reconciliation prunes entries
// the server no longer backs.
type Entry struct {
	ActivityID uuid.UUID `json:"activity_id"`
	RoomID     uuid.UUID `json:"room_id"`
	OptionID   uuid.UUID `json:"option_id"`
	VotedAt    time.Time `json:"voted_at"`
}

// Ledger is the client-owned vote ledger for one participant identity.
// Implementations must make each read-modify-write atomic: Record must
// not overwrite an existing entry and no partial write may be visible.
type Ledger interface {
	// Get returns the entry for an activity, or nil when absent.
	Get(ctx context.Context, participantID string, activityID uuid.UUID) (*Entry, error)
	// Record stores an entry unless one already exists. Returns whether
	// the entry was written.
	Record(ctx context.Context, participantID string, entry Entry) (bool, error)
	List(ctx context.Context, participantID string) ([]Entry, error)
	Remove(ctx context.Context, participantID string, activityIDs []uuid.UUID) error
}

// MemoryLedger is a process-local Ledger.
type MemoryLedger struct {
	mu      sync.Mutex
	entries map[string]map[uuid.UUID]Entry
}

// NewMemoryLedger returns an empty in-memory ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{entries: make(map[string]map[uuid.UUID]Entry)}
}

func (l *MemoryLedger) Get(ctx context.Context, participantID string, activityID uuid.UUID) (*Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.entries[participantID][activityID]
	if !ok {
		return nil, nil
	}
	return &entry, nil
}

func (l *MemoryLedger) Record(ctx context.Context, participantID string, entry Entry) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	byActivity, ok := l.entries[participantID]
	if !ok {
		byActivity = make(map[uuid.UUID]Entry)
		l.entries[participantID] = byActivity
	}
	if _, exists := byActivity[entry.ActivityID]; exists {
		return false, nil
	}
	byActivity[entry.ActivityID] = entry
	return true, nil
}

func (l *MemoryLedger) List(ctx context.Context, participantID string) ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Entry
	for _, entry := range l.entries[participantID] {
		out = append(out, entry)
	}
	return out, nil
}

func (l *MemoryLedger) Remove(ctx context.Context, participantID string, activityIDs []uuid.UUID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	byActivity := l.entries[participantID]
	for _, id := range activityIDs {
		delete(byActivity, id)
	}
	return nil
}
