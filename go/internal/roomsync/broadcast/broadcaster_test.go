package broadcast

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mcdev12/roomsync/go/internal/models"
	"github.com/stretchr/testify/require"
)

func snap(name string) *models.RoomSnapshot {
	return &models.RoomSnapshot{Room: models.Room{ID: uuid.New(), Name: name}}
}

func TestSubscribePrimedWithLatest(t *testing.T) {
	b := New()
	first := snap("first")
	b.Publish(first)

	sub := b.Subscribe()
	defer sub.Close()

	select {
	case got := <-sub.C:
		require.Equal(t, first, got)
	default:
		t.Fatal("expected late subscriber to be primed with the latest snapshot")
	}
}

func TestLatestWinsForSlowConsumer(t *testing.T) {
	b := New()
	sub := b.Subscribe()
	defer sub.Close()

	b.Publish(snap("stale"))
	newest := snap("newest")
	b.Publish(newest)

	got := <-sub.C
	require.Equal(t, newest, got, "unread stale snapshot must be replaced, not queued")

	select {
	case extra := <-sub.C:
		t.Fatalf("expected no backlog, got %q", extra.Room.Name)
	default:
	}
}

func TestNoDeliveryAfterClose(t *testing.T) {
	b := New()
	sub := b.Subscribe()
	sub.Close()

	// Must not panic on the closed channel and must not be delivered.
	b.Publish(snap("after close"))

	_, ok := <-sub.C
	require.False(t, ok, "channel closes so range loops terminate")
}

func TestCloseEndsEverySubscription(t *testing.T) {
	b := New()
	subs := []*Subscription{b.Subscribe(), b.Subscribe()}
	b.Publish(snap("last"))

	b.Close()

	for _, sub := range subs {
		// Drain the delivered snapshot, then observe the closed channel.
		for range sub.C {
		}
	}

	// Publishing after Close reaches nobody and must not panic.
	b.Publish(snap("after close"))
}

func TestLatestReflectsLastPublish(t *testing.T) {
	b := New()
	require.Nil(t, b.Latest())

	newest := snap("newest")
	b.Publish(snap("old"))
	b.Publish(newest)
	require.Equal(t, newest, b.Latest())
}

func TestConcurrentPublishAndClose(t *testing.T) {
	b := New()
	done := make(chan struct{})

	subs := make([]*Subscription, 20)
	for i := range subs {
		subs[i] = b.Subscribe()
	}

	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			b.Publish(snap("n"))
		}
	}()
	for _, sub := range subs {
		sub.Close()
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publisher deadlocked against closing subscribers")
	}
}
