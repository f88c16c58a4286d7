package vote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisLedger stores ledger entries in one hash per participant, field per
// activity. HSetNX gives the atomic record-unless-present semantics the
// Ledger contract requires.
type RedisLedger struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisLedger creates a Redis-backed ledger. keyPrefix namespaces the
// hashes, e.g. "roomsync:ledger".
func NewRedisLedger(client *redis.Client, keyPrefix string) *RedisLedger {
	if keyPrefix == "" {
		keyPrefix = "roomsync:ledger"
	}
	return &RedisLedger{client: client, keyPrefix: keyPrefix}
}

func (l *RedisLedger) key(participantID string) string {
	return l.keyPrefix + ":" + participantID
}

func (l *RedisLedger) Get(ctx context.Context, participantID string, activityID uuid.UUID) (*Entry, error) {
	raw, err := l.client.HGet(ctx, l.key(participantID), activityID.String()).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ledger get: %w", err)
	}
	var entry Entry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return nil, fmt.Errorf("decode ledger entry: %w", err)
	}
	return &entry, nil
}

func (l *RedisLedger) Record(ctx context.Context, participantID string, entry Entry) (bool, error) {
	raw, err := json.Marshal(entry)
	if err != nil {
		return false, fmt.Errorf("encode ledger entry: %w", err)
	}
	written, err := l.client.HSetNX(ctx, l.key(participantID), entry.ActivityID.String(), raw).Result()
	if err != nil {
		return false, fmt.Errorf("ledger record: %w", err)
	}
	return written, nil
}

func (l *RedisLedger) List(ctx context.Context, participantID string) ([]Entry, error) {
	fields, err := l.client.HGetAll(ctx, l.key(participantID)).Result()
	if err != nil {
		return nil, fmt.Errorf("ledger list: %w", err)
	}
	out := make([]Entry, 0, len(fields))
	for field, raw := range fields {
		var entry Entry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			return nil, fmt.Errorf("decode ledger entry %s: %w", field, err)
		}
		out = append(out, entry)
	}
	return out, nil
}

func (l *RedisLedger) Remove(ctx context.Context, participantID string, activityIDs []uuid.UUID) error {
	if len(activityIDs) == 0 {
		return nil
	}
	fields := make([]string, len(activityIDs))
	for i, id := range activityIDs {
		fields[i] = id.String()
	}
	if err := l.client.HDel(ctx, l.key(participantID), fields...).Err(); err != nil {
		return fmt.Errorf("ledger remove: %w", err)
	}
	return nil
}
