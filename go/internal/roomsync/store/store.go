// Package store defines the backing-store contract consumed by the sync
// engine. Implementations live in subpackages (postgres) and in memory.go
// for tests and single-process deployments.
package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/mcdev12/roomsync/go/internal/models"
	"github.com/mcdev12/roomsync/go/internal/roomsync/events"
)

var (
	// ErrNotFound indicates the requested row does not exist. Terminal,
	// never retried.
	ErrNotFound = errors.New("store: not found")

	// ErrConflict indicates a uniqueness violation, notably a duplicate
	// (activity_id, participant_id) response insert.
	ErrConflict = errors.New("store: conflict")

	// ErrUnsupported indicates the store has no atomic increment
	// primitive; callers must fall back to read-then-write.
	ErrUnsupported = errors.New("store: unsupported")
)

// RoomPatch is a partial room update; nil fields are left unchanged.
type RoomPatch struct {
	Name              *string
	IsActive          *bool
	ParticipantCount  *int
	CurrentActivityID **uuid.UUID // set to new(*uuid.UUID) pointing at nil to clear
}

// ActivityPatch is a partial activity update; nil fields are left unchanged.
type ActivityPatch struct {
	Title          *string
	IsActive       *bool
	TotalResponses *int
	VotingLocked   *bool
}

// ResponseFilter selects response rows for deletion or listing. Zero-value
// fields are not applied.
type ResponseFilter struct {
	RoomID        uuid.UUID
	ActivityID    uuid.UUID
	ParticipantID string
}

// Store is the adapter contract over the backing relational store.
// Every method is a suspension point; all other engine logic is synchronous.
type Store interface {
	GetRoomByCode(ctx context.Context, code string) (*models.Room, error)
	GetRoomByID(ctx context.Context, id uuid.UUID) (*models.Room, error)
	UpdateRoom(ctx context.Context, id uuid.UUID, patch RoomPatch) (*models.Room, error)

	ListActivities(ctx context.Context, roomID uuid.UUID) ([]models.Activity, error)
	UpdateActivity(ctx context.Context, id uuid.UUID, patch ActivityPatch) (*models.Activity, error)

	ListOptions(ctx context.Context, activityID uuid.UUID) ([]models.Option, error)
	GetOption(ctx context.Context, id uuid.UUID) (*models.Option, error)

	// InsertResponse returns ErrConflict when a response for the same
	// (activity, participant) pair already exists. The conflict is the
	// authoritative vote dedup.
	InsertResponse(ctx context.Context, resp models.Response) (*models.Response, error)
	FindResponse(ctx context.Context, activityID uuid.UUID, participantID string) (*models.Response, error)
	ListResponsesByParticipant(ctx context.Context, roomID uuid.UUID, participantID string) ([]models.Response, error)
	CountResponses(ctx context.Context, activityID uuid.UUID) (int, error)
	CountResponsesByOption(ctx context.Context, activityID uuid.UUID) (map[uuid.UUID]int, error)
	DeleteResponses(ctx context.Context, filter ResponseFilter) (int, error)

	// Atomic counter primitives. Implementations without one return
	// ErrUnsupported and callers take the documented read-then-write
	// fallback path.
	IncrementOptionCount(ctx context.Context, optionID uuid.UUID) error
	IncrementActivityCount(ctx context.Context, activityID uuid.UUID) error

	// Absolute counter writes used by reconciliation to repair drift.
	SetOptionCount(ctx context.Context, optionID uuid.UUID, n int) error
	SetActivityCount(ctx context.Context, activityID uuid.UUID, n int) error
}

// Filter scopes a change subscription to rows belonging to one room or one
// activity. A zero Filter subscribes to the whole table.
type Filter struct {
	RoomID     uuid.UUID
	ActivityID uuid.UUID
}

// Handle is a live change subscription. Close synchronously stops future
// callbacks: no handler invocation may begin after Close returns.
type Handle interface {
	Close() error
}

// ChangeSource delivers row-level change notifications. Delivery is
// at-least-once, possibly unordered, possibly lossy.
type ChangeSource interface {
	Subscribe(ctx context.Context, table events.Table, filter Filter, fn func(events.Change)) (Handle, error)
}

// ReconnectObserver is implemented by handles whose transport can drop and
// re-establish itself. Subscribers register a catch-up callback to reload
// once after every reconnect, covering events missed while down.
type ReconnectObserver interface {
	OnReconnect(fn func())
}
