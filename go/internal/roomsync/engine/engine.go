// Package engine ties the synchronization core together: it subscribes to
// the change feed, reloads authoritative state, resolves the live
// activity, and publishes merged snapshots. Change events are triggers
// only; the latest full reload is always the truth.
package engine

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/roomsync/go/internal/models"
	"github.com/mcdev12/roomsync/go/internal/roomsync/broadcast"
	"github.com/mcdev12/roomsync/go/internal/roomsync/events"
	"github.com/mcdev12/roomsync/go/internal/roomsync/feed"
	"github.com/mcdev12/roomsync/go/internal/roomsync/health"
	"github.com/mcdev12/roomsync/go/internal/roomsync/lifecycle"
	"github.com/mcdev12/roomsync/go/internal/roomsync/reconcile"
	"github.com/mcdev12/roomsync/go/internal/roomsync/resolve"
	"github.com/mcdev12/roomsync/go/internal/roomsync/store"
	"github.com/mcdev12/roomsync/go/internal/roomsync/vote"
	"github.com/rs/zerolog/log"
)

// maxTornSuppressions bounds how many consecutive reloads may be withheld
// while a reset looks half-applied. Past the bound the snapshot publishes
// anyway so a room that legitimately looks torn cannot wedge consumers.
const maxTornSuppressions = 3

// Config holds engine settings.
type Config struct {
	Feed      feed.Config
	Reconcile reconcile.Config
	Retry     health.RetryConfig

	// ResetGrace is how long to wait before the follow-up reload after a
	// reload observed a half-applied reset.
	ResetGrace time.Duration
}

// DefaultConfig returns the standard engine settings.
func DefaultConfig() Config {
	return Config{
		Feed:       feed.DefaultConfig(),
		Reconcile:  reconcile.DefaultConfig(),
		Retry:      health.DefaultRetryConfig(),
		ResetGrace: time.Second,
	}
}

// Engine synchronizes one room for one client process.
type Engine struct {
	st       store.Store
	source   store.ChangeSource
	subber   *feed.Subscriber
	protocol *vote.Protocol
	ledger   vote.Ledger
	retryer  *health.Retryer
	monitor  *health.Monitor
	caster   *broadcast.Broadcaster
	machine  *lifecycle.Machine
	loop     *reconcile.Loop
	clock    clockwork.Clock
	config   Config

	roomID  uuid.UUID
	watches []*feed.Watch

	// reloadCh carries reload requests to the single reload worker. Its
	// capacity of one is the coalescing guarantee: a request arriving
	// while a reload is in flight becomes exactly one follow-up, never N.
	reloadCh chan struct{}

	mu           sync.Mutex
	closed       bool
	latest       *models.RoomSnapshot
	participants map[string]struct{}
	tornStreak   int

	// pubMu serializes updating latest with the matching caster publish so
	// concurrent publishers cannot deliver frames out of order. Always
	// acquired before mu.
	pubMu sync.Mutex

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates an engine with a real clock.
func New(st store.Store, source store.ChangeSource, ledger vote.Ledger, config Config) *Engine {
	return NewWithClock(st, source, ledger, config, clockwork.NewRealClock())
}

// NewWithClock creates an engine with the given clock.
func NewWithClock(st store.Store, source store.ChangeSource, ledger vote.Ledger, config Config, clock clockwork.Clock) *Engine {
	retryer := health.NewRetryerWithClock(config.Retry, clock)
	monitor := health.NewMonitor()
	// Every retried store operation drives the connection status: a
	// backoff surfaces RECONNECTING, exhaustion DISCONNECTED.
	retryer.Observe(monitor)
	e := &Engine{
		st:           st,
		source:       source,
		subber:       feed.NewSubscriberWithClock(source, retryer, config.Feed, clock),
		protocol:     vote.NewProtocolWithClock(st, ledger, retryer, clock),
		ledger:       ledger,
		retryer:      retryer,
		monitor:      monitor,
		caster:       broadcast.New(),
		machine:      lifecycle.NewMachine(),
		clock:        clock,
		config:       config,
		reloadCh:     make(chan struct{}, 1),
		participants: make(map[string]struct{}),
		stopCh:       make(chan struct{}),
	}
	e.loop = reconcile.NewLoopWithClock(e, config.Reconcile, clock)
	e.monitor.OnChange(e.republishStatus)
	return e
}

// Start attaches the engine to the room with the given join code: it
// establishes the change-feed scopes, starts the reload worker and the
// reconciliation loop, and performs the initial load.
func (e *Engine) Start(ctx context.Context, code string) error {
	var room *models.Room
	err := e.retryer.Do(ctx, "get room by code", func(ctx context.Context) error {
		var err error
		room, err = e.st.GetRoomByCode(ctx, code)
		return err
	})
	if err != nil {
		return fmt.Errorf("start engine for room %q: %w", code, err)
	}
	e.roomID = room.ID

	filter := store.Filter{RoomID: room.ID}
	for _, table := range []events.Table{events.TableRooms, events.TableActivities, events.TableOptions, events.TableResponses} {
		w, err := e.subber.Watch(ctx, "room "+code+" "+string(table), table, filter, e.requestReload)
		if err != nil {
			e.closeWatches()
			return fmt.Errorf("subscribe %s: %w", table, err)
		}
		e.watches = append(e.watches, w)
	}

	e.wg.Add(1)
	go e.reloadWorker(ctx)

	if err := e.loop.Start(ctx); err != nil {
		return err
	}

	e.doReload(ctx)

	log.Info().
		Str("room_id", room.ID.String()).
		Str("code", code).
		Msg("room engine started")
	return nil
}

// Snapshots returns a new subscription on the snapshot stream.
func (e *Engine) Snapshots() *broadcast.Subscription {
	return e.caster.Subscribe()
}

// Latest returns the most recent published snapshot, or nil before the
// first successful load.
func (e *Engine) Latest() *models.RoomSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.latest
}

// Status returns the current connection status.
func (e *Engine) Status() models.ConnectionStatus {
	return e.monitor.Status()
}

// LifecycleState returns the room's current lifecycle state as tracked by
// this client.
func (e *Engine) LifecycleState() lifecycle.State {
	return e.machine.State()
}

// RoomID returns the attached room's identity.
func (e *Engine) RoomID() uuid.UUID {
	return e.roomID
}

// requestReload asks the reload worker for a pass. Non-blocking; requests
// during an in-flight reload coalesce into one follow-up.
func (e *Engine) requestReload(reason string) {
	select {
	case e.reloadCh <- struct{}{}:
		log.Debug().Str("reason", reason).Msg("reload requested")
	default:
		// A reload is already queued; this request rides along with it.
	}
}

func (e *Engine) reloadWorker(ctx context.Context) {
	defer e.wg.Done()
	for {
		select {
		case <-e.stopCh:
			return
		case <-ctx.Done():
			return
		case <-e.reloadCh:
			e.doReload(ctx)
		}
	}
}

// doReload performs one full reload and publishes the result. The retryer
// maintains the connection status as a side effect of the reads.
func (e *Engine) doReload(ctx context.Context) {
	snap, err := e.fetchSnapshot(ctx)
	if err != nil {
		log.Error().Err(err).Str("room_id", e.roomID.String()).Msg("reload failed")
		return
	}
	e.publish(snap)
}

// fetchSnapshot loads the room, its activities, and their options, and
// derives the active activity. All reads go through the bounded retry
// policy.
func (e *Engine) fetchSnapshot(ctx context.Context) (*models.RoomSnapshot, error) {
	var (
		room *models.Room
		acts []models.Activity
	)
	err := e.retryer.Do(ctx, "reload room", func(ctx context.Context) error {
		var err error
		room, err = e.st.GetRoomByID(ctx, e.roomID)
		if err != nil {
			return err
		}
		acts, err = e.st.ListActivities(ctx, e.roomID)
		return err
	})
	if err != nil {
		return nil, err
	}

	views := make([]models.ActivityView, 0, len(acts))
	for _, act := range acts {
		var opts []models.Option
		err := e.retryer.Do(ctx, "reload options", func(ctx context.Context) error {
			var err error
			opts, err = e.st.ListOptions(ctx, act.ID)
			return err
		})
		if err != nil {
			return nil, err
		}
		views = append(views, models.ActivityView{Activity: act, Options: opts})
	}

	snap := &models.RoomSnapshot{
		Room:             *room,
		Activities:       views,
		ConnectionStatus: e.monitor.Status(),
		LoadedAt:         e.clock.Now(),
	}
	snap.ActiveActivity = resolve.ActiveActivity(snap)
	return snap, nil
}

// publish merges a freshly loaded snapshot into the client-visible state.
// A snapshot that looks like a half-applied reset is withheld and a
// single follow-up reload is scheduled after the grace window, so
// consumers perceive reset as one atomic transition.
func (e *Engine) publish(snap *models.RoomSnapshot) {
	e.pubMu.Lock()
	defer e.pubMu.Unlock()

	e.mu.Lock()
	if e.closed {
		// Torn-down engines discard in-flight results.
		e.mu.Unlock()
		return
	}

	if tornReset(snap) {
		if e.tornStreak < maxTornSuppressions {
			e.tornStreak++
			streak := e.tornStreak
			e.mu.Unlock()
			log.Debug().
				Int("suppressed", streak).
				Str("room_id", snap.Room.ID.String()).
				Msg("withholding half-applied reset snapshot")
			e.clock.AfterFunc(e.config.ResetGrace, func() { e.requestReload("reset grace") })
			return
		}
		log.Warn().
			Str("room_id", snap.Room.ID.String()).
			Msg("snapshot still looks mid-reset after grace retries, publishing anyway")
	}
	e.tornStreak = 0

	if e.latest != nil && snapshotEqual(e.latest, snap) {
		e.mu.Unlock()
		return
	}
	e.latest = snap
	e.mu.Unlock()

	e.machine.Sync(deriveState(snap))
	e.caster.Publish(snap)
}

// republishStatus re-emits the latest snapshot carrying a changed
// connection status so presentation layers can reflect it without a
// round trip.
func (e *Engine) republishStatus(status models.ConnectionStatus) {
	e.pubMu.Lock()
	defer e.pubMu.Unlock()

	e.mu.Lock()
	if e.closed || e.latest == nil {
		e.mu.Unlock()
		return
	}
	snap := *e.latest
	snap.ConnectionStatus = status
	e.latest = &snap
	e.mu.Unlock()

	e.caster.Publish(&snap)
}

// tornReset reports whether a snapshot matches the half-applied reset
// signature: the room pointer cleared and every activity deactivated
// while vote counts are still non-zero. An ended activity keeps the room
// pointer, so this shape only occurs mid-reset.
func tornReset(snap *models.RoomSnapshot) bool {
	if snap.Room.CurrentActivityID != nil {
		return false
	}
	counts := 0
	for _, act := range snap.Activities {
		if act.IsActive {
			return false
		}
		counts += act.TotalResponses
		for _, opt := range act.Options {
			counts += opt.Responses
		}
	}
	return counts > 0
}

// deriveState maps a snapshot onto the lifecycle state machine.
func deriveState(snap *models.RoomSnapshot) lifecycle.State {
	act := snap.ActiveActivity
	switch {
	case act == nil:
		return lifecycle.StateIdle
	case !act.IsActive:
		return lifecycle.StateActivityEnded
	case act.VotingLocked:
		return lifecycle.StateActivityLocked
	default:
		return lifecycle.StateActivityLive
	}
}

// snapshotEqual compares everything consumers can see except the load
// timestamp, so repeated reloads of unchanged server state publish
// nothing.
func snapshotEqual(a, b *models.RoomSnapshot) bool {
	if a.ConnectionStatus != b.ConnectionStatus {
		return false
	}
	ar, br := a.Room, b.Room
	ar.UpdatedAt, br.UpdatedAt = time.Time{}, time.Time{}
	if !reflect.DeepEqual(ar, br) {
		return false
	}
	if len(a.Activities) != len(b.Activities) {
		return false
	}
	for i := range a.Activities {
		av, bv := a.Activities[i], b.Activities[i]
		av.UpdatedAt, bv.UpdatedAt = time.Time{}, time.Time{}
		if !reflect.DeepEqual(av, bv) {
			return false
		}
	}
	return true
}

// Close tears the engine down: feed scopes stop synchronously, the
// reconcile loop halts, pending retry timers die with the stop channel,
// and any in-flight reload result is discarded rather than applied.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.closeWatches()
	if err := e.loop.Stop(); err != nil {
		log.Debug().Err(err).Msg("reconcile loop stop")
	}
	close(e.stopCh)
	e.wg.Wait()
	// Closing the caster ends every subscription channel so consumer range
	// loops terminate with the engine.
	e.caster.Close()

	log.Info().Str("room_id", e.roomID.String()).Msg("room engine closed")
	return nil
}

func (e *Engine) closeWatches() {
	for _, w := range e.watches {
		if err := w.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close feed scope")
		}
	}
	e.watches = nil
}
