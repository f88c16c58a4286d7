package models

import (
	"time"

	"github.com/google/uuid"
)

// ConnectionStatus describes the health of the link to the backing store
// as seen by one client process.
type ConnectionStatus string

const (
	ConnectionStatusConnected    ConnectionStatus = "CONNECTED"
	ConnectionStatusReconnecting ConnectionStatus = "RECONNECTING"
	ConnectionStatusDisconnected ConnectionStatus = "DISCONNECTED"
)

// ActivityView is an activity together with its options, as presented to
// snapshot consumers.
type ActivityView struct {
	Activity
	Options []Option `json:"options"`
}

// RoomSnapshot is the merged, reconciled view of a room at a point in time.
// ActiveActivity is derived by the resolver; it is nil when the room is idle.
type RoomSnapshot struct {
	Room             Room             `json:"room"`
	Activities       []ActivityView   `json:"activities"`
	ActiveActivity   *ActivityView    `json:"active_activity,omitempty"`
	ConnectionStatus ConnectionStatus `json:"connection_status"`
	LoadedAt         time.Time        `json:"loaded_at"`
}

// FindActivity returns the activity view with the given ID, or nil.
func (s *RoomSnapshot) FindActivity(id uuid.UUID) *ActivityView {
	for i := range s.Activities {
		if s.Activities[i].ID == id {
			return &s.Activities[i]
		}
	}
	return nil
}
