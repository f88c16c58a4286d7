package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/mcdev12/roomsync/go/internal/models"
)

// Table identifies which backing-store table a change event refers to.
type Table string

const (
	TableRooms      Table = "rooms"
	TableActivities Table = "activities"
	TableOptions    Table = "options"
	TableResponses  Table = "responses"
)

// ChangeType identifies the kind of row mutation.
type ChangeType string

const (
	ChangeInsert ChangeType = "insert"
	ChangeUpdate ChangeType = "update"
	ChangeDelete ChangeType = "delete"
)

// Change is one row-level mutation notification from the backing store.
// Delivery is at-least-once and unordered; Before/After are best-effort
// row images and consumers must never apply them as deltas — a change is
// only a trigger to reload.
type Change struct {
	Table     Table           `json:"table"`
	Type      ChangeType      `json:"type"`
	Before    json.RawMessage `json:"before,omitempty"`
	After     json.RawMessage `json:"after,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Validate rejects envelopes whose table or change type is not one of the
// closed set. Unknown shapes are an error, never silently accepted.
func (c Change) Validate() error {
	switch c.Table {
	case TableRooms, TableActivities, TableOptions, TableResponses:
	default:
		return fmt.Errorf("unknown change table %q", c.Table)
	}
	switch c.Type {
	case ChangeInsert, ChangeUpdate, ChangeDelete:
	default:
		return fmt.Errorf("unknown change type %q", c.Type)
	}
	return nil
}

// Parse decodes a raw change envelope and validates its shape.
func Parse(data []byte) (Change, error) {
	var c Change
	if err := json.Unmarshal(data, &c); err != nil {
		return Change{}, fmt.Errorf("unmarshal change envelope: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Change{}, err
	}
	return c, nil
}

// RoomRow decodes the After image as a room row. Returns an error when the
// event is not a rooms-table event or the image is missing.
func (c Change) RoomRow() (*models.Room, error) {
	if c.Table != TableRooms {
		return nil, fmt.Errorf("change is for table %q, not rooms", c.Table)
	}
	return decodeRow[models.Room](c)
}

// ActivityRow decodes the After image as an activity row.
func (c Change) ActivityRow() (*models.Activity, error) {
	if c.Table != TableActivities {
		return nil, fmt.Errorf("change is for table %q, not activities", c.Table)
	}
	return decodeRow[models.Activity](c)
}

// ResponseRow decodes the After image as a response row.
func (c Change) ResponseRow() (*models.Response, error) {
	if c.Table != TableResponses {
		return nil, fmt.Errorf("change is for table %q, not responses", c.Table)
	}
	return decodeRow[models.Response](c)
}

func decodeRow[T any](c Change) (*T, error) {
	img := c.After
	if c.Type == ChangeDelete {
		img = c.Before
	}
	if len(img) == 0 {
		return nil, fmt.Errorf("%s %s event carries no row image", c.Table, c.Type)
	}
	var row T
	if err := json.Unmarshal(img, &row); err != nil {
		return nil, fmt.Errorf("decode %s row image: %w", c.Table, err)
	}
	return &row, nil
}
