// Package broadcast publishes merged room snapshots to presentation
// consumers. Consumers only ever need the latest view, so slow consumers
// observe snapshot replacement, never an unbounded backlog.
package broadcast

import (
	"sync"

	"github.com/mcdev12/roomsync/go/internal/models"
	"github.com/rs/zerolog/log"
)

// Subscription is one consumer's handle on the snapshot stream.
type Subscription struct {
	C chan *models.RoomSnapshot

	b  *Broadcaster
	id int

	mu     sync.Mutex
	closed bool
}

// Broadcaster fans the latest RoomSnapshot out to registered consumers.
type Broadcaster struct {
	mu     sync.Mutex
	subs   map[int]*Subscription
	nextID int
	latest *models.RoomSnapshot
}

// New creates an empty broadcaster.
func New() *Broadcaster {
	return &Broadcaster{subs: make(map[int]*Subscription)}
}

// Subscribe registers a consumer. When a snapshot has already been
// published, the subscription is primed with it so late joiners render
// immediately.
func (b *Broadcaster) Subscribe() *Subscription {
	sub := &Subscription{C: make(chan *models.RoomSnapshot, 1)}
	b.mu.Lock()
	sub.b = b
	sub.id = b.nextID
	b.nextID++
	b.subs[sub.id] = sub
	if b.latest != nil {
		sub.C <- b.latest
	}
	b.mu.Unlock()
	return sub
}

// Latest returns the most recently published snapshot, or nil.
func (b *Broadcaster) Latest() *models.RoomSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.latest
}

// Close closes every subscription so consumer range loops terminate.
// Publishing after Close is a no-op.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	subs := make([]*Subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
}

// Publish delivers a snapshot to every subscriber, replacing any unread
// previous snapshot (latest wins).
func (b *Broadcaster) Publish(snap *models.RoomSnapshot) {
	b.mu.Lock()
	b.latest = snap
	targets := make([]*Subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		targets = append(targets, sub)
	}
	b.mu.Unlock()

	for _, sub := range targets {
		sub.deliver(snap)
	}

	log.Debug().
		Str("room_id", snap.Room.ID.String()).
		Int("subscribers", len(targets)).
		Msg("snapshot published")
}

func (s *Subscription) deliver(snap *models.RoomSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for {
		select {
		case s.C <- snap:
			return
		default:
			// Drop the stale unread snapshot and retry with the newer one.
			select {
			case <-s.C:
			default:
			}
		}
	}
}

// Close tears the subscription down. No delivery may begin after Close
// returns; the channel is closed so range loops terminate.
func (s *Subscription) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.C)
	s.mu.Unlock()

	s.b.mu.Lock()
	delete(s.b.subs, s.id)
	s.b.mu.Unlock()
}
