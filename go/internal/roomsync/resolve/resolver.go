// Package resolve computes the authoritative active activity for a room
// snapshot. The resolution is a pure function over potentially divergent
// signals: the room's currentActivityId pointer and each activity's own
// isActive flag.
package resolve

import "github.com/mcdev12/roomsync/go/internal/models"

// ActiveActivity returns the single live activity for the snapshot, or nil
// when the room is idle.
//
// Resolution order:
//  1. The room pointer wins. When currentActivityId names an activity in
//     the set, that activity is authoritative regardless of its own
//     isActive flag — the flag can be stale while the pointer update has
//     already propagated.
//  2. When the pointer is unset or dangling, exactly one activity with
//     isActive == true is accepted as a fallback signal.
//  3. Otherwise there is no active activity.
func ActiveActivity(snap *models.RoomSnapshot) *models.ActivityView {
	if snap == nil {
		return nil
	}

	if id := snap.Room.CurrentActivityID; id != nil {
		if act := snap.FindActivity(*id); act != nil {
			return act
		}
	}

	var fallback *models.ActivityView
	for i := range snap.Activities {
		if !snap.Activities[i].IsActive {
			continue
		}
		if fallback != nil {
			// Two or more activities claim to be live; the signal is
			// ambiguous and the room presents as idle.
			return nil
		}
		fallback = &snap.Activities[i]
	}
	return fallback
}
