package vote

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestRecordDoesNotOverwrite(t *testing.T) {
	l := NewMemoryLedger()
	ctx := context.Background()
	activityID := uuid.New()

	first := Entry{ActivityID: activityID, RoomID: uuid.New(), OptionID: uuid.New(), VotedAt: time.Now()}
	written, err := l.Record(ctx, "p-1", first)
	require.NoError(t, err)
	require.True(t, written)

	second := first
	second.OptionID = uuid.New()
	written, err = l.Record(ctx, "p-1", second)
	require.NoError(t, err)
	require.False(t, written)

	entry, err := l.Get(ctx, "p-1", activityID)
	require.NoError(t, err)
	require.Equal(t, first.OptionID, entry.OptionID)
}

func TestLedgerIsolatedPerParticipant(t *testing.T) {
	l := NewMemoryLedger()
	ctx := context.Background()
	activityID := uuid.New()

	_, err := l.Record(ctx, "p-1", Entry{ActivityID: activityID})
	require.NoError(t, err)

	entry, err := l.Get(ctx, "p-2", activityID)
	require.NoError(t, err)
	require.Nil(t, entry)
}

func TestRemovePrunesOnlyNamedActivities(t *testing.T) {
	l := NewMemoryLedger()
	ctx := context.Background()
	keep, prune := uuid.New(), uuid.New()

	_, err := l.Record(ctx, "p-1", Entry{ActivityID: keep})
	require.NoError(t, err)
	_, err = l.Record(ctx, "p-1", Entry{ActivityID: prune})
	require.NoError(t, err)

	require.NoError(t, l.Remove(ctx, "p-1", []uuid.UUID{prune}))

	entries, err := l.List(ctx, "p-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, keep, entries[0].ActivityID)
}
