package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"betsync-service/internal/config"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(config.StorageConfig{
		FilePath: filepath.Join(t.TempDir(), "test.db"),
	}, 5)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func mustEnqueue(t *testing.T, s *SQLiteStore, entityType string, kind OpKind, localID string, payload string) *PendingOperation {
	t.Helper()
	op, err := s.Enqueue(context.Background(), EnqueueParams{
		EntityType:    entityType,
		Kind:          kind,
		LocalEntityID: localID,
		Payload:       json.RawMessage(payload),
		Snapshot:      json.RawMessage(payload),
	})
	require.NoError(t, err)
	return op
}

func TestEnqueue_CreatesCacheEntry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mustEnqueue(t, s, "bets", OpCreate, "b1", `{"amount":50}`)

	entry, err := s.GetCache(ctx, "bets", "b1")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, StatePendingCreate, entry.SyncState)
	assert.False(t, entry.ServerID.Valid)
	assert.JSONEq(t, `{"amount":50}`, string(entry.Data))
}

func TestEnqueue_UpdateKeepsPendingCreateState(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mustEnqueue(t, s, "bets", OpCreate, "b1", `{"amount":50}`)
	mustEnqueue(t, s, "bets", OpUpdate, "b1", `{"amount":75}`)

	entry, err := s.GetCache(ctx, "bets", "b1")
	require.NoError(t, err)
	// Creation still has to reach the server first.
	assert.Equal(t, StatePendingCreate, entry.SyncState)
	assert.JSONEq(t, `{"amount":75}`, string(entry.Data))
}

func TestNextBatch_PerEntityFIFO(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	opA1 := mustEnqueue(t, s, "bets", OpCreate, "a", `{}`)
	opB1 := mustEnqueue(t, s, "bets", OpCreate, "b", `{}`)
	opA2 := mustEnqueue(t, s, "bets", OpUpdate, "a", `{}`)
	opA3 := mustEnqueue(t, s, "bets", OpDelete, "a", `{}`)

	ops, err := s.NextBatch(ctx, "")
	require.NoError(t, err)
	require.Len(t, ops, 4)

	// Ascending seq: a's sub-queue is Create, Update, Delete in that order.
	var aOrder []string
	for _, op := range ops {
		if op.LocalEntityID == "a" {
			aOrder = append(aOrder, op.ID)
		}
	}
	assert.Equal(t, []string{opA1.ID, opA2.ID, opA3.ID}, aOrder)
	assert.Equal(t, opB1.ID, ops[1].ID)
}

func TestNextBatch_FiltersEntityType(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mustEnqueue(t, s, "bets", OpCreate, "b1", `{}`)
	mustEnqueue(t, s, "receipts", OpCreate, "r1", `{}`)

	ops, err := s.NextBatch(ctx, "receipts")
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, "r1", ops[0].LocalEntityID)
}

func TestMarkApplied_BindsServerIDOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	op := mustEnqueue(t, s, "bets", OpCreate, "b1", `{"amount":50}`)
	require.NoError(t, s.MarkApplied(ctx, op.ID, "srv-1"))

	entry, err := s.GetCache(ctx, "bets", "b1")
	require.NoError(t, err)
	assert.Equal(t, "srv-1", entry.ServerID.String)
	assert.Equal(t, StateClean, entry.SyncState)

	// A bound server id is immutable.
	entry.ServerID.String = "srv-2"
	err = s.PutCache(ctx, entry)
	assert.Error(t, err)
}

func TestMarkApplied_RecomputesStateFromRemainingQueue(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	create := mustEnqueue(t, s, "bets", OpCreate, "b1", `{"amount":50}`)
	mustEnqueue(t, s, "bets", OpUpdate, "b1", `{"amount":75}`)

	require.NoError(t, s.MarkApplied(ctx, create.ID, "srv-1"))

	entry, err := s.GetCache(ctx, "bets", "b1")
	require.NoError(t, err)
	assert.Equal(t, StatePendingUpdate, entry.SyncState)
}

func TestMarkApplied_DeleteErasesCacheEntry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	create := mustEnqueue(t, s, "bets", OpCreate, "b1", `{}`)
	require.NoError(t, s.MarkApplied(ctx, create.ID, "srv-1"))
	del := mustEnqueue(t, s, "bets", OpDelete, "b1", `{}`)

	require.NoError(t, s.MarkApplied(ctx, del.ID, ""))

	entry, err := s.GetCache(ctx, "bets", "b1")
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestMarkFailed_DeadLettersAtCeiling(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	op := mustEnqueue(t, s, "bets", OpCreate, "b1", `{}`)

	for i := 1; i <= 4; i++ {
		dead, err := s.MarkFailed(ctx, op.ID, "timeout")
		require.NoError(t, err)
		assert.False(t, dead, "attempt %d should not dead-letter", i)
	}

	dead, err := s.MarkFailed(ctx, op.ID, "timeout")
	require.NoError(t, err)
	assert.True(t, dead)

	ops, err := s.NextBatch(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, ops)

	letters, err := s.GetDeadLettered(ctx)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, 5, letters[0].Attempts)
	assert.Equal(t, "timeout", letters[0].LastError.String)

	entry, err := s.GetCache(ctx, "bets", "b1")
	require.NoError(t, err)
	assert.Equal(t, StateConflicted, entry.SyncState)
}

func TestDeadLetter_RemovesFromActiveQueueImmediately(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	op := mustEnqueue(t, s, "bets", OpCreate, "b1", `{}`)
	require.NoError(t, s.DeadLetter(ctx, op.ID, "payload rejected"))

	ops, err := s.NextBatch(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, ops)

	entry, err := s.GetCache(ctx, "bets", "b1")
	require.NoError(t, err)
	assert.Equal(t, StateConflicted, entry.SyncState)
}

func TestNewSQLiteStore_AppliesPragmas(t *testing.T) {
	s := newTestStore(t)

	var mode string
	require.NoError(t, s.db.QueryRow(`PRAGMA journal_mode`).Scan(&mode))
	assert.Equal(t, "wal", mode)

	var busy int
	require.NoError(t, s.db.QueryRow(`PRAGMA busy_timeout`).Scan(&busy))
	assert.Equal(t, 5000, busy)
}

func TestCancelEntity_DropsSubQueueAndCache(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mustEnqueue(t, s, "bets", OpCreate, "b1", `{"amount":50}`)
	mustEnqueue(t, s, "bets", OpUpdate, "b1", `{"amount":75}`)
	mustEnqueue(t, s, "bets", OpCreate, "b2", `{}`)

	require.NoError(t, s.CancelEntity(ctx, "bets", "b1"))

	// Only the unrelated entity's operation survives.
	ops, err := s.NextBatch(ctx, "")
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, "b2", ops[0].LocalEntityID)

	entry, err := s.GetCache(ctx, "bets", "b1")
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestGetCache_PanicsOnStateInvariantViolation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Write a pending entry with no backing operation, something only a bug
	// inside the store could produce.
	require.NoError(t, s.PutCache(ctx, &CacheEntry{
		EntityType: "bets",
		LocalID:    "ghost",
		Data:       json.RawMessage(`{}`),
		SyncState:  StatePendingUpdate,
	}))

	assert.Panics(t, func() {
		_, _ = s.GetCache(ctx, "bets", "ghost")
	})
}

func TestPendingCount_ExcludesDeadLettered(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mustEnqueue(t, s, "bets", OpCreate, "b1", `{}`)
	op2 := mustEnqueue(t, s, "bets", OpCreate, "b2", `{}`)
	require.NoError(t, s.DeadLetter(ctx, op2.ID, "rejected"))

	count, err := s.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestLastSync_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	last, err := s.LastSync(ctx)
	require.NoError(t, err)
	assert.True(t, last.IsZero())

	now := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, s.SetLastSync(ctx, now))

	last, err = s.LastSync(ctx)
	require.NoError(t, err)
	assert.True(t, last.Equal(now))
}

func TestStorageInfo_Counts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mustEnqueue(t, s, "bets", OpCreate, "b1", `{}`)
	mustEnqueue(t, s, "receipts", OpCreate, "r1", `{}`)

	info, err := s.StorageInfo(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, info.OfflineBetsCount)
	assert.Equal(t, 2, info.PendingUploads)
	assert.Equal(t, 0, info.DeadLettered)
	assert.Greater(t, info.StorageSizeBytes, int64(0))
}

func TestClear_DropsEverything(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mustEnqueue(t, s, "bets", OpCreate, "b1", `{}`)
	require.NoError(t, s.SetLastSync(ctx, time.Now()))

	require.NoError(t, s.Clear(ctx))

	count, err := s.PendingCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)

	entry, err := s.GetCache(ctx, "bets", "b1")
	require.NoError(t, err)
	assert.Nil(t, entry)

	last, err := s.LastSync(ctx)
	require.NoError(t, err)
	assert.True(t, last.IsZero())
}
