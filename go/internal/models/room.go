package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Room represents a shared live session joined by a short human-typed code.
type Room struct {
	ID                uuid.UUID       `json:"id"`
	Code              string          `json:"code"`
	Name              string          `json:"name"`
	IsActive          bool            `json:"is_active"`
	ParticipantCount  int             `json:"participant_count"`
	CurrentActivityID *uuid.UUID      `json:"current_activity_id,omitempty"`
	Settings          json.RawMessage `json:"settings,omitempty"` // presentation-only, opaque here
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// Activity represents one poll/question within a room.
type Activity struct {
	ID             uuid.UUID `json:"id"`
	RoomID         uuid.UUID `json:"room_id"`
	Title          string    `json:"title"`
	Type           string    `json:"type"` // enumerated kind, opaque here
	IsActive       bool      `json:"is_active"`
	TotalResponses int       `json:"total_responses"`
	Order          int       `json:"order"`
	VotingLocked   bool      `json:"voting_locked"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Option represents one selectable answer within an activity.
type Option struct {
	ID         uuid.UUID `json:"id"`
	ActivityID uuid.UUID `json:"activity_id"`
	Text       string    `json:"text"`
	Responses  int       `json:"responses"`
	Order      int       `json:"order"`
	IsCorrect  bool      `json:"is_correct"` // quiz semantics, opaque here
}

// Response represents one participant's single vote for one option.
// At most one Response may exist per (ActivityID, ParticipantID) pair.
type Response struct {
	ID            uuid.UUID `json:"id"`
	RoomID        uuid.UUID `json:"room_id"`
	ActivityID    uuid.UUID `json:"activity_id"`
	OptionID      uuid.UUID `json:"option_id"`
	ParticipantID string    `json:"participant_id"`
	CreatedAt     time.Time `json:"created_at"`
}
