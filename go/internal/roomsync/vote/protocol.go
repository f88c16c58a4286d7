// Package vote implements exactly-once-per-participant vote submission:
// a client-local ledger fast path, a server-side existence check, and the
// authoritative insert-conflict dedup, followed by counter maintenance.
package vote

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/roomsync/go/internal/models"
	"github.com/mcdev12/roomsync/go/internal/roomsync/health"
	"github.com/mcdev12/roomsync/go/internal/roomsync/store"
	"github.com/rs/zerolog/log"
)

// Request identifies one vote.
type Request struct {
	RoomID        uuid.UUID
	OptionID      uuid.UUID
	ParticipantID string
}

// Protocol submits votes. It is safe under retries and concurrent
// duplicate submissions: the response-row uniqueness constraint is the
// authoritative dedup, everything before it is an optimization.
type Protocol struct {
	store   store.Store
	ledger  Ledger
	retryer *health.Retryer
	clock   clockwork.Clock
}

// NewProtocol creates a protocol with a real clock.
func NewProtocol(st store.Store, ledger Ledger, retryer *health.Retryer) *Protocol {
	return NewProtocolWithClock(st, ledger, retryer, clockwork.NewRealClock())
}

// NewProtocolWithClock creates a protocol with the given clock.
func NewProtocolWithClock(st store.Store, ledger Ledger, retryer *health.Retryer, clock clockwork.Clock) *Protocol {
	return &Protocol{store: st, ledger: ledger, retryer: retryer, clock: clock}
}

// Submit records one vote on the given live activity. The activity must be
// the room's resolved active activity; callers resolve it from the latest
// snapshot before calling.
//
// Fail-fast preconditions run before any network call. The server-side
// sequence is: check for an existing response, insert (a conflict is
// AlreadyVoted, not a failure), then increment the denormalized counters.
func (p *Protocol) Submit(ctx context.Context, activity *models.ActivityView, req Request) (*models.Response, error) {
	if activity == nil {
		return nil, ErrNotAccepting
	}
	if activity.VotingLocked {
		return nil, ErrVotingLocked
	}
	if !p.optionBelongs(activity, req.OptionID) {
		return nil, ErrUnknownOption
	}

	// Ledger fast path: no network call when this client already voted.
	entry, err := p.ledger.Get(ctx, req.ParticipantID, activity.ID)
	if err != nil {
		return nil, fmt.Errorf("ledger lookup: %w", err)
	}
	if entry != nil {
		return nil, ErrAlreadyVoted
	}

	// Server-side existence check. An optimization only; the insert
	// conflict below is what actually guarantees the invariant.
	var existing *models.Response
	err = p.retryer.Do(ctx, "find response", func(ctx context.Context) error {
		existing, err = p.store.FindResponse(ctx, activity.ID, req.ParticipantID)
		return err
	})
	if err == nil && existing != nil {
		p.recordLedger(ctx, req.ParticipantID, Entry{
			ActivityID: activity.ID,
			RoomID:     req.RoomID,
			OptionID:   existing.OptionID,
			VotedAt:    existing.CreatedAt,
		})
		return nil, ErrAlreadyVoted
	}
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	resp := models.Response{
		ID:            uuid.New(),
		RoomID:        req.RoomID,
		ActivityID:    activity.ID,
		OptionID:      req.OptionID,
		ParticipantID: req.ParticipantID,
		CreatedAt:     p.clock.Now(),
	}

	var inserted *models.Response
	err = p.retryer.Do(ctx, "insert response", func(ctx context.Context) error {
		inserted, err = p.store.InsertResponse(ctx, resp)
		return err
	})
	if errors.Is(err, store.ErrConflict) {
		// A concurrent duplicate won the race. That duplicate is this
		// participant's vote, so the outcome is AlreadyVoted.
		p.recordLedger(ctx, req.ParticipantID, Entry{
			ActivityID: activity.ID,
			RoomID:     req.RoomID,
			OptionID:   req.OptionID,
			VotedAt:    p.clock.Now(),
		})
		return nil, ErrAlreadyVoted
	}
	if err != nil {
		return nil, err
	}

	p.incrementCounts(ctx, activity.ID, req.OptionID)

	p.recordLedger(ctx, req.ParticipantID, Entry{
		ActivityID: activity.ID,
		RoomID:     req.RoomID,
		OptionID:   req.OptionID,
		VotedAt:    inserted.CreatedAt,
	})

	log.Info().
		Str("room_id", req.RoomID.String()).
		Str("activity_id", activity.ID.String()).
		Str("option_id", req.OptionID.String()).
		Msg("vote recorded")
	return inserted, nil
}

func (p *Protocol) optionBelongs(activity *models.ActivityView, optionID uuid.UUID) bool {
	for _, opt := range activity.Options {
		if opt.ID == optionID {
			return true
		}
	}
	return false
}

// incrementCounts maintains the denormalized counters. Counter failures
// are logged, not surfaced: the response row already exists and the
// reconciliation loop repairs any drift.
func (p *Protocol) incrementCounts(ctx context.Context, activityID, optionID uuid.UUID) {
	if err := p.incrementOption(ctx, optionID); err != nil {
		log.Warn().Err(err).Str("option_id", optionID.String()).Msg("option counter increment failed, reconcile will repair")
	}
	if err := p.incrementActivity(ctx, activityID); err != nil {
		log.Warn().Err(err).Str("activity_id", activityID.String()).Msg("activity counter increment failed, reconcile will repair")
	}
}

func (p *Protocol) incrementOption(ctx context.Context, optionID uuid.UUID) error {
	err := p.retryer.Do(ctx, "increment option count", func(ctx context.Context) error {
		return p.store.IncrementOptionCount(ctx, optionID)
	})
	if !errors.Is(err, store.ErrUnsupported) {
		return err
	}

	// Fallback: read-then-write. Concurrent submissions on this path can
	// lose an update and under-count; reconciliation detects and repairs
	// the drift from the authoritative response rows.
	return p.retryer.Do(ctx, "fallback option increment", func(ctx context.Context) error {
		opt, err := p.store.GetOption(ctx, optionID)
		if err != nil {
			return err
		}
		return p.store.SetOptionCount(ctx, optionID, opt.Responses+1)
	})
}

func (p *Protocol) incrementActivity(ctx context.Context, activityID uuid.UUID) error {
	err := p.retryer.Do(ctx, "increment activity count", func(ctx context.Context) error {
		return p.store.IncrementActivityCount(ctx, activityID)
	})
	if !errors.Is(err, store.ErrUnsupported) {
		return err
	}

	// Same documented lost-update risk as the option fallback.
	return p.retryer.Do(ctx, "fallback activity increment", func(ctx context.Context) error {
		count, err := p.store.CountResponses(ctx, activityID)
		if err != nil {
			return err
		}
		return p.store.SetActivityCount(ctx, activityID, count)
	})
}

func (p *Protocol) recordLedger(ctx context.Context, participantID string, entry Entry) {
	if entry.VotedAt.IsZero() {
		entry.VotedAt = p.clock.Now()
	}
	if _, err := p.ledger.Record(ctx, participantID, entry); err != nil {
		log.Warn().Err(err).Str("activity_id", entry.ActivityID.String()).Msg("failed to record ledger entry")
	}
}
