package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mcdev12/roomsync/go/internal/models"
	"github.com/mcdev12/roomsync/go/internal/roomsync/feed"
	"github.com/mcdev12/roomsync/go/internal/roomsync/health"
	"github.com/mcdev12/roomsync/go/internal/roomsync/lifecycle"
	"github.com/mcdev12/roomsync/go/internal/roomsync/reconcile"
	"github.com/mcdev12/roomsync/go/internal/roomsync/store"
	"github.com/mcdev12/roomsync/go/internal/roomsync/vote"
	"github.com/stretchr/testify/require"
)

type testRoom struct {
	st     *store.Memory
	ledger *vote.MemoryLedger
	eng    *Engine
	room   models.Room
	acts   []models.Activity
	opts   map[uuid.UUID][]models.Option
}

// testConfig keeps timers short so the feed loop settles quickly, with the
// periodic reconcile pushed out of the way unless a test drives it.
func testConfig() Config {
	return Config{
		Feed:       feed.Config{ThrottleWindow: 5 * time.Millisecond},
		Reconcile:  reconcile.Config{Interval: time.Hour},
		Retry:      health.RetryConfig{BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, MaxAttempts: 3},
		ResetGrace: 5 * time.Millisecond,
	}
}

func newTestRoom(t *testing.T) *testRoom {
	t.Helper()
	st := store.NewMemory()
	ledger := vote.NewMemoryLedger()

	room := models.Room{ID: uuid.New(), Code: "4821", Name: "Friday All-Hands", IsActive: true}
	st.PutRoom(room)

	tr := &testRoom{st: st, ledger: ledger, room: room, opts: make(map[uuid.UUID][]models.Option)}
	for i, title := range []string{"Warmup poll", "Main quiz"} {
		act := models.Activity{ID: uuid.New(), RoomID: room.ID, Title: title, Order: i}
		st.PutActivity(act)
		tr.acts = append(tr.acts, act)
		for j, text := range []string{"Yes", "No"} {
			opt := models.Option{ID: uuid.New(), ActivityID: act.ID, Text: text, Order: j}
			st.PutOption(opt)
			tr.opts[act.ID] = append(tr.opts[act.ID], opt)
		}
	}

	tr.eng = New(st, st, ledger, testConfig())
	require.NoError(t, tr.eng.Start(context.Background(), room.Code))
	t.Cleanup(func() { tr.eng.Close() })
	return tr
}

// waitFor polls the latest published snapshot until the predicate holds.
func (tr *testRoom) waitFor(t *testing.T, desc string, pred func(*models.RoomSnapshot) bool) *models.RoomSnapshot {
	t.Helper()
	var snap *models.RoomSnapshot
	require.Eventually(t, func() bool {
		snap = tr.eng.Latest()
		return snap != nil && pred(snap)
	}, 3*time.Second, time.Millisecond, "timed out waiting for %s", desc)
	return snap
}

func TestStartPublishesInitialSnapshot(t *testing.T) {
	tr := newTestRoom(t)

	snap := tr.waitFor(t, "initial snapshot", func(s *models.RoomSnapshot) bool { return true })
	require.Equal(t, tr.room.ID, snap.Room.ID)
	require.Len(t, snap.Activities, 2)
	require.Nil(t, snap.ActiveActivity)
	require.Equal(t, models.ConnectionStatusConnected, snap.ConnectionStatus)
	require.Equal(t, lifecycle.StateIdle, tr.eng.LifecycleState())

	sub := tr.eng.Snapshots()
	defer sub.Close()
	select {
	case primed := <-sub.C:
		require.Equal(t, tr.room.ID, primed.Room.ID)
	case <-time.After(time.Second):
		t.Fatal("late subscriber was not primed")
	}
}

func TestUnknownRoomCode(t *testing.T) {
	st := store.NewMemory()
	eng := New(st, st, vote.NewMemoryLedger(), testConfig())
	err := eng.Start(context.Background(), "0000")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestActivityLifecycleFlow(t *testing.T) {
	tr := newTestRoom(t)
	ctx := context.Background()
	a1 := tr.acts[0]

	require.NoError(t, tr.eng.StartActivity(ctx, a1.ID))
	snap := tr.waitFor(t, "activity live", func(s *models.RoomSnapshot) bool {
		return s.ActiveActivity != nil && s.ActiveActivity.ID == a1.ID && s.ActiveActivity.IsActive
	})
	require.Equal(t, lifecycle.StateActivityLive, tr.eng.LifecycleState())
	require.NotNil(t, snap.Room.CurrentActivityID)
	require.Equal(t, a1.ID, *snap.Room.CurrentActivityID)

	require.NoError(t, tr.eng.LockVoting(ctx, a1.ID))
	tr.waitFor(t, "voting locked", func(s *models.RoomSnapshot) bool {
		return s.ActiveActivity != nil && s.ActiveActivity.VotingLocked
	})
	_, err := tr.eng.SubmitVote(ctx, tr.opts[a1.ID][0].ID, "participant-1")
	require.ErrorIs(t, err, vote.ErrVotingLocked)

	require.NoError(t, tr.eng.UnlockVoting(ctx, a1.ID))
	tr.waitFor(t, "voting unlocked", func(s *models.RoomSnapshot) bool {
		return s.ActiveActivity != nil && !s.ActiveActivity.VotingLocked
	})

	require.NoError(t, tr.eng.EndActivity(ctx, a1.ID))
	// The pointer stays on the ended activity so clients keep its results
	// on screen.
	snap = tr.waitFor(t, "activity ended", func(s *models.RoomSnapshot) bool {
		return s.ActiveActivity != nil && !s.ActiveActivity.IsActive
	})
	require.Equal(t, a1.ID, *snap.Room.CurrentActivityID)
	require.Equal(t, lifecycle.StateActivityEnded, tr.eng.LifecycleState())

	_, err = tr.eng.SubmitVote(ctx, tr.opts[a1.ID][0].ID, "participant-2")
	require.ErrorIs(t, err, vote.ErrVotingLocked)
}

func TestIllegalPresenterActionRejected(t *testing.T) {
	tr := newTestRoom(t)
	err := tr.eng.LockVoting(context.Background(), tr.acts[0].ID)
	var invalid lifecycle.ErrInvalidTransition
	require.ErrorAs(t, err, &invalid)
}

func TestVoteDedupThroughEngine(t *testing.T) {
	tr := newTestRoom(t)
	ctx := context.Background()
	a1 := tr.acts[0]
	opt := tr.opts[a1.ID][0]

	require.NoError(t, tr.eng.StartActivity(ctx, a1.ID))
	tr.waitFor(t, "activity live", func(s *models.RoomSnapshot) bool {
		return s.ActiveActivity != nil && s.ActiveActivity.ID == a1.ID
	})

	resp, err := tr.eng.SubmitVote(ctx, opt.ID, "participant-1")
	require.NoError(t, err)
	require.Equal(t, opt.ID, resp.OptionID)

	_, err = tr.eng.SubmitVote(ctx, opt.ID, "participant-1")
	require.ErrorIs(t, err, vote.ErrAlreadyVoted)

	voted, err := tr.eng.HasVoted(ctx, "participant-1", a1.ID)
	require.NoError(t, err)
	require.True(t, voted)

	tr.waitFor(t, "counted snapshot", func(s *models.RoomSnapshot) bool {
		act := s.FindActivity(a1.ID)
		return act != nil && act.TotalResponses == 1 && act.Options[0].Responses == 1
	})
}

func TestVoteSurvivesActivitySwitch(t *testing.T) {
	tr := newTestRoom(t)
	ctx := context.Background()
	a1, a2 := tr.acts[0], tr.acts[1]

	require.NoError(t, tr.eng.StartActivity(ctx, a1.ID))
	tr.waitFor(t, "first activity live", func(s *models.RoomSnapshot) bool {
		return s.ActiveActivity != nil && s.ActiveActivity.ID == a1.ID
	})

	// The presenter switches activities; a voter races in with an option
	// from the new activity before this client's snapshot caught up.
	require.NoError(t, tr.eng.StartActivity(ctx, a2.ID))
	resp, err := tr.eng.SubmitVote(ctx, tr.opts[a2.ID][1].ID, "participant-1")
	require.NoError(t, err)
	require.Equal(t, a2.ID, resp.ActivityID)
}

func TestJoinCountsEachParticipantOnce(t *testing.T) {
	tr := newTestRoom(t)
	ctx := context.Background()

	require.NoError(t, tr.eng.Join(ctx, "participant-1"))
	require.NoError(t, tr.eng.Join(ctx, "participant-1"))
	require.NoError(t, tr.eng.Join(ctx, "participant-2"))

	room, err := tr.st.GetRoomByID(ctx, tr.room.ID)
	require.NoError(t, err)
	require.Equal(t, 2, room.ParticipantCount)
}

func TestResetIsAtomicToObservers(t *testing.T) {
	tr := newTestRoom(t)
	ctx := context.Background()
	a1 := tr.acts[0]

	require.NoError(t, tr.eng.StartActivity(ctx, a1.ID))
	tr.waitFor(t, "activity live", func(s *models.RoomSnapshot) bool {
		return s.ActiveActivity != nil && s.ActiveActivity.ID == a1.ID
	})
	for i := 0; i < 5; i++ {
		_, err := tr.eng.SubmitVote(ctx, tr.opts[a1.ID][i%2].ID, uuid.NewString())
		require.NoError(t, err)
	}
	tr.waitFor(t, "votes counted", func(s *models.RoomSnapshot) bool {
		act := s.FindActivity(a1.ID)
		return act != nil && act.TotalResponses == 5
	})

	sub := tr.eng.Snapshots()
	defer sub.Close()
	done := make(chan struct{})
	var torn *models.RoomSnapshot
	go func() {
		defer close(done)
		for snap := range sub.C {
			if snapLooksTorn(snap) {
				torn = snap
				return
			}
			if snapIsCleanIdle(snap) {
				return
			}
		}
	}()

	require.NoError(t, tr.eng.Reset(ctx))

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("never observed the post-reset idle snapshot")
	}
	require.Nil(t, torn, "observers must never see a half-applied reset")

	// The participants' prior votes are gone with the rows; everyone may
	// vote again in the next round.
	require.NoError(t, tr.eng.StartActivity(ctx, a1.ID))
	tr.waitFor(t, "next round live", func(s *models.RoomSnapshot) bool {
		return s.ActiveActivity != nil && s.ActiveActivity.ID == a1.ID && s.ActiveActivity.TotalResponses == 0
	})
	_, err := tr.eng.SubmitVote(ctx, tr.opts[a1.ID][0].ID, "participant-1")
	require.NoError(t, err)
}

// snapLooksTorn is the shape reset atomicity forbids: pointer cleared and
// activities deactivated while stale counts remain.
func snapLooksTorn(snap *models.RoomSnapshot) bool {
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

func snapIsCleanIdle(snap *models.RoomSnapshot) bool {
	if snap.Room.CurrentActivityID != nil {
		return false
	}
	for _, act := range snap.Activities {
		if act.IsActive || act.TotalResponses != 0 {
			return false
		}
		for _, opt := range act.Options {
			if opt.Responses != 0 {
				return false
			}
		}
	}
	return true
}

func TestResetPrunesLedger(t *testing.T) {
	tr := newTestRoom(t)
	ctx := context.Background()
	a1 := tr.acts[0]

	require.NoError(t, tr.eng.StartActivity(ctx, a1.ID))
	tr.waitFor(t, "activity live", func(s *models.RoomSnapshot) bool {
		return s.ActiveActivity != nil && s.ActiveActivity.ID == a1.ID
	})
	_, err := tr.eng.SubmitVote(ctx, tr.opts[a1.ID][0].ID, "participant-1")
	require.NoError(t, err)

	require.NoError(t, tr.eng.Reset(ctx))

	voted, err := tr.eng.HasVoted(ctx, "participant-1", a1.ID)
	require.NoError(t, err)
	require.False(t, voted, "reset must clear the local vote ledger for the room")
}

func TestReconcileRepairsCounterDrift(t *testing.T) {
	tr := newTestRoom(t)
	ctx := context.Background()
	a1 := tr.acts[0]
	opt := tr.opts[a1.ID][0]

	require.NoError(t, tr.eng.StartActivity(ctx, a1.ID))
	tr.waitFor(t, "activity live", func(s *models.RoomSnapshot) bool {
		return s.ActiveActivity != nil && s.ActiveActivity.ID == a1.ID
	})
	for i := 0; i < 3; i++ {
		_, err := tr.eng.SubmitVote(ctx, opt.ID, uuid.NewString())
		require.NoError(t, err)
	}

	// Inject drift as if fallback increments lost updates.
	require.NoError(t, tr.st.SetActivityCount(ctx, a1.ID, 1))
	require.NoError(t, tr.st.SetOptionCount(ctx, opt.ID, 9))

	require.NoError(t, tr.eng.Reconcile(ctx))

	snap := tr.waitFor(t, "repaired counts", func(s *models.RoomSnapshot) bool {
		act := s.FindActivity(a1.ID)
		return act != nil && act.TotalResponses == 3 && act.Options[0].Responses == 3
	})
	require.Equal(t, models.ConnectionStatusConnected, snap.ConnectionStatus)
}

func TestReconcileIdempotentOnSettledState(t *testing.T) {
	tr := newTestRoom(t)
	ctx := context.Background()

	require.NoError(t, tr.eng.Reconcile(ctx))
	settled := tr.waitFor(t, "settled snapshot", func(s *models.RoomSnapshot) bool { return true })

	sub := tr.eng.Snapshots()
	defer sub.Close()
	<-sub.C // drain the primed snapshot

	require.NoError(t, tr.eng.Reconcile(ctx))
	require.NoError(t, tr.eng.Reconcile(ctx))

	select {
	case snap := <-sub.C:
		t.Fatalf("reconcile of unchanged state republished a snapshot: %+v", snap.Room)
	case <-time.After(50 * time.Millisecond):
	}
	require.Equal(t, settled.LoadedAt, tr.eng.Latest().LoadedAt)
}

func TestCloseDiscardsInFlightResults(t *testing.T) {
	tr := newTestRoom(t)
	tr.waitFor(t, "initial snapshot", func(s *models.RoomSnapshot) bool { return true })

	sub := tr.eng.Snapshots()
	defer sub.Close()
	<-sub.C

	require.NoError(t, tr.eng.Close())

	// Server-side churn after teardown must not surface.
	tr.room.Name = "renamed after close"
	tr.st.PutRoom(tr.room)

	select {
	case snap, ok := <-sub.C:
		if ok {
			t.Fatalf("engine published after Close: %+v", snap.Room)
		}
	case <-time.After(50 * time.Millisecond):
	}
	require.NoError(t, tr.eng.Close(), "Close is idempotent")
}

func TestCloseEndsSnapshotSubscriptions(t *testing.T) {
	tr := newTestRoom(t)
	tr.waitFor(t, "initial snapshot", func(*models.RoomSnapshot) bool { return true })

	sub := tr.eng.Snapshots()
	<-sub.C

	require.NoError(t, tr.eng.Close())

	select {
	case _, ok := <-sub.C:
		require.False(t, ok, "subscription channel must close with the engine")
	case <-time.After(time.Second):
		t.Fatal("subscription channel stayed open after Close")
	}
}

func TestStatusFlapsDoNotReorderSnapshots(t *testing.T) {
	tr := newTestRoom(t)
	tr.waitFor(t, "initial snapshot", func(*models.RoomSnapshot) bool { return true })

	sub := tr.eng.Snapshots()
	defer sub.Close()

	// Status republishes race against reload publishes.
	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				if g%2 == 0 {
					tr.eng.monitor.MarkDisconnected()
					tr.eng.monitor.MarkConnected()
				} else {
					room := tr.room
					room.Name = fmt.Sprintf("rename %d-%d", g, i)
					tr.st.PutRoom(room)
				}
			}
		}(g)
	}
	wg.Wait()

	// Once the churn settles, the last frame delivered must be the same
	// snapshot Latest reports; an out-of-order publish strands a stale one.
	var last *models.RoomSnapshot
	require.Eventually(t, func() bool {
		for {
			select {
			case s := <-sub.C:
				last = s
			default:
				return last != nil && last == tr.eng.Latest()
			}
		}
	}, 3*time.Second, 5*time.Millisecond)
}
