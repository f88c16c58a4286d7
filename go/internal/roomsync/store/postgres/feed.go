package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/mcdev12/roomsync/go/internal/roomsync/events"
	"github.com/mcdev12/roomsync/go/internal/roomsync/store"
	"github.com/rs/zerolog/log"
)

// FeedConfig holds LISTEN/NOTIFY change source settings.
type FeedConfig struct {
	DatabaseURL          string
	NotifyChannel        string
	MinReconnectInterval time.Duration
	MaxReconnectInterval time.Duration
	PingInterval         time.Duration
}

// DefaultFeedConfig returns the standard listener settings.
func DefaultFeedConfig() FeedConfig {
	return FeedConfig{
		NotifyChannel:        "roomsync_changes",
		MinReconnectInterval: 10 * time.Second,
		MaxReconnectInterval: time.Minute,
		PingInterval:         90 * time.Second,
	}
}

// notification is the trigger payload emitted by the schema's notify
// functions. room_id and activity_id scope filtering without decoding the
// row images.
type notification struct {
	Table      events.Table    `json:"table"`
	Type       events.ChangeType `json:"type"`
	RoomID     uuid.UUID       `json:"room_id"`
	ActivityID uuid.UUID       `json:"activity_id"`
	Before     json.RawMessage `json:"before,omitempty"`
	After      json.RawMessage `json:"after,omitempty"`
}

// Feed is a ChangeSource over one pq listener connection. pq handles
// transport reconnects itself; subscriptions are told about each
// reconnect so they can force a catch-up reload.
type Feed struct {
	listener *pq.Listener
	config   FeedConfig

	mu     sync.Mutex
	subs   map[int]*feedSub
	nextID int

	stopOnce sync.Once
	stopCh   chan struct{}
}

type feedSub struct {
	table  events.Table
	filter store.Filter
	fn     func(events.Change)

	mu          sync.Mutex
	closed      bool
	onReconnect []func()
}

// NewFeed opens the listener and starts dispatching notifications.
func NewFeed(ctx context.Context, config FeedConfig) (*Feed, error) {
	f := &Feed{
		config: config,
		subs:   make(map[int]*feedSub),
		stopCh: make(chan struct{}),
	}

	f.listener = pq.NewListener(
		config.DatabaseURL,
		config.MinReconnectInterval,
		config.MaxReconnectInterval,
		func(ev pq.ListenerEventType, err error) {
			if err != nil {
				log.Error().Err(err).Msg("change feed listener event")
			}
			if ev == pq.ListenerEventReconnected {
				f.notifyReconnect()
			}
		},
	)
	if err := f.listener.Listen(config.NotifyChannel); err != nil {
		return nil, fmt.Errorf("listen on %s: %w", config.NotifyChannel, err)
	}

	go f.run(ctx)

	log.Info().Str("channel", config.NotifyChannel).Msg("change feed listening")
	return f, nil
}

func (f *Feed) run(ctx context.Context) {
	pingTicker := time.NewTicker(f.config.PingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-f.stopCh:
			return
		case note := <-f.listener.Notify:
			if note == nil {
				// nil marks a lost connection; pq reconnects on its own
				// and the reconnect callback handles catch-up.
				continue
			}
			f.dispatch(note.Extra)
		case <-pingTicker.C:
			if err := f.listener.Ping(); err != nil {
				log.Error().Err(err).Msg("change feed ping failed")
			}
		}
	}
}

func (f *Feed) dispatch(payload string) {
	var note notification
	if err := json.Unmarshal([]byte(payload), &note); err != nil {
		log.Warn().Err(err).Msg("rejecting malformed change notification")
		return
	}
	change := events.Change{
		Table:     note.Table,
		Type:      note.Type,
		Before:    note.Before,
		After:     note.After,
		Timestamp: time.Now(),
	}
	if err := change.Validate(); err != nil {
		log.Warn().Err(err).Msg("rejecting change notification of unknown shape")
		return
	}

	f.mu.Lock()
	targets := make([]*feedSub, 0, len(f.subs))
	for _, sub := range f.subs {
		if sub.table != note.Table {
			continue
		}
		if sub.filter.RoomID != uuid.Nil && sub.filter.RoomID != note.RoomID {
			continue
		}
		if sub.filter.ActivityID != uuid.Nil && sub.filter.ActivityID != note.ActivityID {
			continue
		}
		targets = append(targets, sub)
	}
	f.mu.Unlock()

	for _, sub := range targets {
		sub.mu.Lock()
		if !sub.closed {
			sub.fn(change)
		}
		sub.mu.Unlock()
	}
}

func (f *Feed) notifyReconnect() {
	f.mu.Lock()
	targets := make([]*feedSub, 0, len(f.subs))
	for _, sub := range f.subs {
		targets = append(targets, sub)
	}
	f.mu.Unlock()

	for _, sub := range targets {
		sub.mu.Lock()
		if !sub.closed {
			for _, fn := range sub.onReconnect {
				fn()
			}
		}
		sub.mu.Unlock()
	}
}

// Subscribe registers a handler for one table scope.
func (f *Feed) Subscribe(ctx context.Context, table events.Table, filter store.Filter, fn func(events.Change)) (store.Handle, error) {
	sub := &feedSub{table: table, filter: filter, fn: fn}
	f.mu.Lock()
	id := f.nextID
	f.nextID++
	f.subs[id] = sub
	f.mu.Unlock()
	return &feedHandle{feed: f, id: id, sub: sub}, nil
}

// Close stops the feed and the underlying listener connection.
func (f *Feed) Close() error {
	f.stopOnce.Do(func() { close(f.stopCh) })
	return f.listener.Close()
}

type feedHandle struct {
	feed *Feed
	id   int
	sub  *feedSub
}

// Close stops the subscription; dispatch holds the subscription mutex
// while invoking handlers, so no callback may begin after Close returns.
func (h *feedHandle) Close() error {
	h.feed.mu.Lock()
	delete(h.feed.subs, h.id)
	h.feed.mu.Unlock()

	h.sub.mu.Lock()
	h.sub.closed = true
	h.sub.mu.Unlock()
	return nil
}

// OnReconnect registers a catch-up callback fired after every transport
// reconnect.
func (h *feedHandle) OnReconnect(fn func()) {
	h.sub.mu.Lock()
	h.sub.onReconnect = append(h.sub.onReconnect, fn)
	h.sub.mu.Unlock()
}
