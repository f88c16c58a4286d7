// Package natsfeed implements the change source over NATS JetStream, for
// deployments that relay row changes through a stream instead of direct
// database LISTEN/NOTIFY. Delivery stays at-least-once and unordered;
// consumers treat every message as a reload trigger only.
package natsfeed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mcdev12/roomsync/go/internal/roomsync/events"
	"github.com/mcdev12/roomsync/go/internal/roomsync/store"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"
)

// Config holds JetStream consumer settings.
type Config struct {
	URL           string
	StreamName    string
	ConsumerName  string
	SubjectFilter string
	MaxDeliver    int
	AckWait       time.Duration
	MaxAckPending int
	MaxReconnects int
	ReconnectWait time.Duration
}

// DefaultConfig returns the standard consumer settings.
func DefaultConfig() Config {
	return Config{
		URL:           nats.DefaultURL,
		StreamName:    "ROOM_CHANGES",
		ConsumerName:  "roomsync-client",
		SubjectFilter: "roomsync.changes.>",
		MaxDeliver:    5,
		AckWait:       30 * time.Second,
		MaxAckPending: 100,
		MaxReconnects: -1,
		ReconnectWait: 2 * time.Second,
	}
}

// envelope is the relayed change notification. Scoping fields mirror the
// Postgres trigger payload.
type envelope struct {
	Table      events.Table      `json:"table"`
	Type       events.ChangeType `json:"type"`
	RoomID     uuid.UUID         `json:"room_id"`
	ActivityID uuid.UUID         `json:"activity_id"`
	Before     json.RawMessage   `json:"before,omitempty"`
	After      json.RawMessage   `json:"after,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
}

// Feed consumes relayed change events from JetStream and fans them out to
// scope subscriptions.
type Feed struct {
	nc       *nats.Conn
	js       jetstream.JetStream
	consumer jetstream.Consumer
	consume  jetstream.ConsumeContext
	config   Config

	mu     sync.Mutex
	subs   map[int]*feedSub
	nextID int
}

type feedSub struct {
	table  events.Table
	filter store.Filter
	fn     func(events.Change)

	mu          sync.Mutex
	closed      bool
	onReconnect []func()
}

// NewFeed connects, ensures the durable consumer, and starts consuming.
func NewFeed(ctx context.Context, config Config) (*Feed, error) {
	f := &Feed{config: config, subs: make(map[int]*feedSub)}

	opts := []nats.Option{
		nats.MaxReconnects(config.MaxReconnects),
		nats.ReconnectWait(config.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
			f.notifyReconnect()
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	f.nc = nc

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}
	f.js = js

	if err := f.ensureConsumer(ctx); err != nil {
		nc.Close()
		return nil, err
	}

	consume, err := f.consumer.Consume(func(msg jetstream.Msg) {
		if err := f.processMessage(msg); err != nil {
			log.Error().Err(err).Str("subject", msg.Subject()).Msg("failed to process change message")
			if nakErr := msg.Nak(); nakErr != nil {
				log.Error().Err(nakErr).Msg("failed to NAK message")
			}
			return
		}
		if ackErr := msg.Ack(); ackErr != nil {
			log.Error().Err(ackErr).Msg("failed to ACK message")
		}
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("start consumer: %w", err)
	}
	f.consume = consume

	return f, nil
}

func (f *Feed) ensureConsumer(ctx context.Context) error {
	stream, err := f.js.Stream(ctx, f.config.StreamName)
	if err != nil {
		return fmt.Errorf("get stream: %w", err)
	}

	consumer, err := stream.Consumer(ctx, f.config.ConsumerName)
	if err != nil {
		consumer, err = stream.CreateConsumer(ctx, jetstream.ConsumerConfig{
			Name:          f.config.ConsumerName,
			Durable:       f.config.ConsumerName,
			Description:   "roomsync change feed consumer",
			FilterSubject: f.config.SubjectFilter,
			DeliverPolicy: jetstream.DeliverNewPolicy,
			AckPolicy:     jetstream.AckExplicitPolicy,
			MaxDeliver:    f.config.MaxDeliver,
			AckWait:       f.config.AckWait,
			MaxAckPending: f.config.MaxAckPending,
		})
		if err != nil {
			return fmt.Errorf("create consumer: %w", err)
		}
		log.Info().
			Str("consumer", f.config.ConsumerName).
			Str("stream", f.config.StreamName).
			Msg("created JetStream change consumer")
	}

	f.consumer = consumer
	return nil
}

func (f *Feed) processMessage(msg jetstream.Msg) error {
	var env envelope
	if err := json.Unmarshal(msg.Data(), &env); err != nil {
		return fmt.Errorf("unmarshal change envelope: %w", err)
	}

	change := events.Change{
		Table:     env.Table,
		Type:      env.Type,
		Before:    env.Before,
		After:     env.After,
		Timestamp: env.Timestamp,
	}
	if err := change.Validate(); err != nil {
		return err
	}

	f.mu.Lock()
	targets := make([]*feedSub, 0, len(f.subs))
	for _, sub := range f.subs {
		if sub.table != env.Table {
			continue
		}
		if sub.filter.RoomID != uuid.Nil && sub.filter.RoomID != env.RoomID {
			continue
		}
		if sub.filter.ActivityID != uuid.Nil && sub.filter.ActivityID != env.ActivityID {
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
	return nil
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

// Close drains the consumer and closes the connection.
func (f *Feed) Close() error {
	if f.consume != nil {
		f.consume.Stop()
	}
	if f.nc != nil {
		f.nc.Close()
	}
	return nil
}

type feedHandle struct {
	feed *Feed
	id   int
	sub  *feedSub
}

func (h *feedHandle) Close() error {
	h.feed.mu.Lock()
	delete(h.feed.subs, h.id)
	h.feed.mu.Unlock()

	h.sub.mu.Lock()
	h.sub.closed = true
	h.sub.mu.Unlock()
	return nil
}

// OnReconnect registers a catch-up callback fired after every NATS
// reconnect.
func (h *feedHandle) OnReconnect(fn func()) {
	h.sub.mu.Lock()
	h.sub.onReconnect = append(h.sub.onReconnect, fn)
	h.sub.mu.Unlock()
}
