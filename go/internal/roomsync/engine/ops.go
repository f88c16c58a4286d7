package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/mcdev12/roomsync/go/internal/models"
	"github.com/mcdev12/roomsync/go/internal/roomsync/lifecycle"
	"github.com/mcdev12/roomsync/go/internal/roomsync/store"
	"github.com/mcdev12/roomsync/go/internal/roomsync/vote"
	"github.com/rs/zerolog/log"
)

// Join registers a local participant identity and bumps the room's
// approximate participant count.
func (e *Engine) Join(ctx context.Context, participantID string) error {
	e.mu.Lock()
	_, known := e.participants[participantID]
	e.participants[participantID] = struct{}{}
	e.mu.Unlock()
	if known {
		return nil
	}

	return e.retryer.Do(ctx, "join room", func(ctx context.Context) error {
		room, err := e.st.GetRoomByID(ctx, e.roomID)
		if err != nil {
			return err
		}
		count := room.ParticipantCount + 1
		_, err = e.st.UpdateRoom(ctx, e.roomID, store.RoomPatch{ParticipantCount: &count})
		return err
	})
}

// SubmitVote submits one vote against the room's current live activity.
// When the live activity switched under the caller (the chosen option no
// longer belongs to it), the engine refreshes state and re-resolves once
// before giving up, keeping the switch transparent.
func (e *Engine) SubmitVote(ctx context.Context, optionID uuid.UUID, participantID string) (*models.Response, error) {
	e.mu.Lock()
	e.participants[participantID] = struct{}{}
	e.mu.Unlock()

	resp, err := e.submitOnce(ctx, optionID, participantID)
	if errors.Is(err, vote.ErrUnknownOption) || errors.Is(err, vote.ErrNotAccepting) {
		// Possible activity switch mid-operation: re-resolve on fresh
		// data and retry once.
		e.doReload(ctx)
		resp, err = e.submitOnce(ctx, optionID, participantID)
	}
	if err == nil {
		e.requestReload("vote submitted")
	}
	return resp, err
}

func (e *Engine) submitOnce(ctx context.Context, optionID uuid.UUID, participantID string) (*models.Response, error) {
	snap := e.Latest()
	if snap == nil {
		var err error
		snap, err = e.fetchSnapshot(ctx)
		if err != nil {
			return nil, err
		}
	}
	return e.protocol.Submit(ctx, snap.ActiveActivity, vote.Request{
		RoomID:        e.roomID,
		OptionID:      optionID,
		ParticipantID: participantID,
	})
}

// HasVoted reports whether the local ledger believes this participant has
// voted on the activity. No network round trip.
func (e *Engine) HasVoted(ctx context.Context, participantID string, activityID uuid.UUID) (bool, error) {
	entry, err := e.ledger.Get(ctx, participantID, activityID)
	if err != nil {
		return false, err
	}
	return entry != nil, nil
}

// StartActivity makes the given activity the room's live activity. The
// room pointer is written first: it is the authoritative signal, so a
// failed flag write afterwards degrades to staleness, not wrong
// resolution.
func (e *Engine) StartActivity(ctx context.Context, activityID uuid.UUID) error {
	if _, err := e.machine.Apply(lifecycle.TransitionStartActivity); err != nil {
		return err
	}

	err := e.retryer.Do(ctx, "start activity", func(ctx context.Context) error {
		ptr := &activityID
		if _, err := e.st.UpdateRoom(ctx, e.roomID, store.RoomPatch{CurrentActivityID: &ptr}); err != nil {
			return err
		}

		acts, err := e.st.ListActivities(ctx, e.roomID)
		if err != nil {
			return err
		}
		inactive, active, unlocked := false, true, false
		for _, act := range acts {
			if act.ID == activityID {
				if _, err := e.st.UpdateActivity(ctx, act.ID, store.ActivityPatch{IsActive: &active, VotingLocked: &unlocked}); err != nil {
					return err
				}
				continue
			}
			if act.IsActive {
				if _, err := e.st.UpdateActivity(ctx, act.ID, store.ActivityPatch{IsActive: &inactive}); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("start activity %s: %w", activityID, err)
	}

	e.requestReload("activity started")
	return nil
}

// LockVoting closes the live activity to new votes while keeping it on
// screen.
func (e *Engine) LockVoting(ctx context.Context, activityID uuid.UUID) error {
	if _, err := e.machine.Apply(lifecycle.TransitionLockVoting); err != nil {
		return err
	}
	return e.patchVotingLock(ctx, activityID, true)
}

// UnlockVoting reopens the live activity to votes.
func (e *Engine) UnlockVoting(ctx context.Context, activityID uuid.UUID) error {
	if _, err := e.machine.Apply(lifecycle.TransitionUnlockVoting); err != nil {
		return err
	}
	return e.patchVotingLock(ctx, activityID, false)
}

func (e *Engine) patchVotingLock(ctx context.Context, activityID uuid.UUID, locked bool) error {
	err := e.retryer.Do(ctx, "set voting lock", func(ctx context.Context) error {
		_, err := e.st.UpdateActivity(ctx, activityID, store.ActivityPatch{VotingLocked: &locked})
		return err
	})
	if err != nil {
		return fmt.Errorf("set voting lock on %s: %w", activityID, err)
	}
	e.requestReload("voting lock changed")
	return nil
}

// EndActivity deactivates the live activity but leaves the room pointer
// on it, so every client keeps showing its results until the presenter
// starts the next activity or resets.
func (e *Engine) EndActivity(ctx context.Context, activityID uuid.UUID) error {
	if _, err := e.machine.Apply(lifecycle.TransitionEndActivity); err != nil {
		return err
	}

	inactive, locked := false, true
	err := e.retryer.Do(ctx, "end activity", func(ctx context.Context) error {
		_, err := e.st.UpdateActivity(ctx, activityID, store.ActivityPatch{IsActive: &inactive, VotingLocked: &locked})
		return err
	})
	if err != nil {
		return fmt.Errorf("end activity %s: %w", activityID, err)
	}

	e.requestReload("activity ended")
	return nil
}

// Reset returns the room to Idle: every response row for the room is
// deleted, every counter zeroed, every activity deactivated, and the room
// pointer cleared. Counters are zeroed before the pointer clears so no
// write order exposes the torn signature (pointer gone, counts left) any
// longer than necessary; observers additionally hold torn snapshots back
// behind the grace window. Ledger entries for the room are pruned for
// every known local participant.
func (e *Engine) Reset(ctx context.Context) error {
	if _, err := e.machine.Apply(lifecycle.TransitionReset); err != nil {
		return err
	}

	err := e.retryer.Do(ctx, "reset room", func(ctx context.Context) error {
		if _, err := e.st.DeleteResponses(ctx, store.ResponseFilter{RoomID: e.roomID}); err != nil {
			return err
		}

		acts, err := e.st.ListActivities(ctx, e.roomID)
		if err != nil {
			return err
		}
		inactive, unlocked := false, false
		for _, act := range acts {
			opts, err := e.st.ListOptions(ctx, act.ID)
			if err != nil {
				return err
			}
			for _, opt := range opts {
				if opt.Responses != 0 {
					if err := e.st.SetOptionCount(ctx, opt.ID, 0); err != nil {
						return err
					}
				}
			}
			if err := e.st.SetActivityCount(ctx, act.ID, 0); err != nil {
				return err
			}
			if _, err := e.st.UpdateActivity(ctx, act.ID, store.ActivityPatch{IsActive: &inactive, VotingLocked: &unlocked}); err != nil {
				return err
			}
		}

		var cleared *uuid.UUID
		_, err = e.st.UpdateRoom(ctx, e.roomID, store.RoomPatch{CurrentActivityID: &cleared})
		return err
	})
	if err != nil {
		return fmt.Errorf("reset room %s: %w", e.roomID, err)
	}

	if err := e.pruneLedgers(ctx, nil); err != nil {
		log.Warn().Err(err).Msg("ledger pruning after reset failed, reconcile will retry")
	}

	e.requestReload("room reset")
	log.Info().Str("room_id", e.roomID.String()).Msg("room reset")
	return nil
}

// Reconcile is the self-healing pass: it repairs counter drift from the
// authoritative response rows, prunes stale ledger entries, and refreshes
// the published snapshot. Repeated passes against unchanged server state
// perform no writes and publish nothing.
func (e *Engine) Reconcile(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	var acts []models.Activity
	err := e.retryer.Do(ctx, "reconcile activities", func(ctx context.Context) error {
		var err error
		acts, err = e.st.ListActivities(ctx, e.roomID)
		return err
	})
	if err != nil {
		return err
	}

	for _, act := range acts {
		if err := e.repairActivityDrift(ctx, act); err != nil {
			return err
		}
	}

	if err := e.pruneLedgers(ctx, acts); err != nil {
		return err
	}

	e.doReload(ctx)
	return nil
}

// repairActivityDrift restores the derived invariant
// totalResponses == sum(option responses) == count(response rows)
// for one activity. Drift is internal: detected, repaired, logged, never
// surfaced.
func (e *Engine) repairActivityDrift(ctx context.Context, act models.Activity) error {
	var (
		total    int
		byOption map[uuid.UUID]int
		opts     []models.Option
	)
	err := e.retryer.Do(ctx, "count responses", func(ctx context.Context) error {
		var err error
		if total, err = e.st.CountResponses(ctx, act.ID); err != nil {
			return err
		}
		if byOption, err = e.st.CountResponsesByOption(ctx, act.ID); err != nil {
			return err
		}
		opts, err = e.st.ListOptions(ctx, act.ID)
		return err
	})
	if err != nil {
		return err
	}

	if act.TotalResponses != total {
		log.Info().
			Str("activity_id", act.ID.String()).
			Int("recorded", act.TotalResponses).
			Int("authoritative", total).
			Msg("drift detected on activity total, repairing")
		if err := e.retryer.Do(ctx, "repair activity count", func(ctx context.Context) error {
			return e.st.SetActivityCount(ctx, act.ID, total)
		}); err != nil {
			return err
		}
	}

	for _, opt := range opts {
		want := byOption[opt.ID]
		if opt.Responses == want {
			continue
		}
		log.Info().
			Str("option_id", opt.ID.String()).
			Int("recorded", opt.Responses).
			Int("authoritative", want).
			Msg("drift detected on option count, repairing")
		optID := opt.ID
		if err := e.retryer.Do(ctx, "repair option count", func(ctx context.Context) error {
			return e.st.SetOptionCount(ctx, optID, want)
		}); err != nil {
			return err
		}
	}
	return nil
}

// pruneLedgers removes ledger entries for this room that the server no
// longer backs: the activity is gone, or the participant has no response
// row for it (a reset deleted it). acts may be nil, in which case the
// current activity set is fetched.
func (e *Engine) pruneLedgers(ctx context.Context, acts []models.Activity) error {
	e.mu.Lock()
	participants := make([]string, 0, len(e.participants))
	for p := range e.participants {
		participants = append(participants, p)
	}
	e.mu.Unlock()
	if len(participants) == 0 {
		return nil
	}

	if acts == nil {
		err := e.retryer.Do(ctx, "list activities for prune", func(ctx context.Context) error {
			var err error
			acts, err = e.st.ListActivities(ctx, e.roomID)
			return err
		})
		if err != nil {
			return err
		}
	}
	known := make(map[uuid.UUID]bool, len(acts))
	for _, act := range acts {
		known[act.ID] = true
	}

	for _, participant := range participants {
		entries, err := e.ledger.List(ctx, participant)
		if err != nil {
			return err
		}

		var backed []models.Response
		err = e.retryer.Do(ctx, "list responses for prune", func(ctx context.Context) error {
			backed, err = e.st.ListResponsesByParticipant(ctx, e.roomID, participant)
			return err
		})
		if err != nil {
			return err
		}
		hasResponse := make(map[uuid.UUID]bool, len(backed))
		for _, resp := range backed {
			hasResponse[resp.ActivityID] = true
		}

		var stale []uuid.UUID
		for _, entry := range entries {
			if entry.RoomID != e.roomID {
				continue
			}
			if !known[entry.ActivityID] || !hasResponse[entry.ActivityID] {
				stale = append(stale, entry.ActivityID)
			}
		}
		if len(stale) == 0 {
			continue
		}
		if err := e.ledger.Remove(ctx, participant, stale); err != nil {
			return err
		}
		log.Debug().
			Str("participant_id", participant).
			Int("pruned", len(stale)).
			Msg("pruned stale ledger entries")
	}
	return nil
}
