package records

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"betsync-service/internal/config"
	"betsync-service/internal/connectivity"
	"betsync-service/internal/remote"
	"betsync-service/internal/store"
	syncpkg "betsync-service/internal/sync"
)

type fakeRemote struct {
	mu       sync.Mutex
	nextID   int
	entities map[string]map[string]map[string]any

	createCalls int
	deleteCalls int
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{entities: make(map[string]map[string]map[string]any)}
}

func (f *fakeRemote) entityFor(entityType, serverID string) *remote.Entity {
	fields := f.entities[entityType][serverID]
	data, _ := json.Marshal(fields)
	ref, _ := fields["client_ref"].(string)
	return &remote.Entity{ServerID: serverID, ClientRef: ref, Data: data}
}

func (f *fakeRemote) Create(ctx context.Context, entityType string, payload json.RawMessage) (*remote.Entity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++

	var fields map[string]any
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil, &remote.ValidationError{StatusCode: 400, Message: err.Error()}
	}

	f.nextID++
	serverID := fmt.Sprintf("srv-%d", f.nextID)
	fields["id"] = serverID
	if f.entities[entityType] == nil {
		f.entities[entityType] = make(map[string]map[string]any)
	}
	f.entities[entityType][serverID] = fields

	return f.entityFor(entityType, serverID), nil
}

func (f *fakeRemote) Update(ctx context.Context, entityType, serverID string, payload json.RawMessage) (*remote.Entity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	fields, ok := f.entities[entityType][serverID]
	if !ok {
		return nil, remote.ErrNotFound
	}
	var patch map[string]any
	if err := json.Unmarshal(payload, &patch); err != nil {
		return nil, &remote.ValidationError{StatusCode: 400, Message: err.Error()}
	}
	for k, v := range patch {
		fields[k] = v
	}
	return f.entityFor(entityType, serverID), nil
}

func (f *fakeRemote) Delete(ctx context.Context, entityType, serverID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleteCalls++
	if _, ok := f.entities[entityType][serverID]; !ok {
		return remote.ErrNotFound
	}
	delete(f.entities[entityType], serverID)
	return nil
}

func (f *fakeRemote) Get(ctx context.Context, entityType, serverID string) (*remote.Entity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.entities[entityType][serverID]; !ok {
		return nil, remote.ErrNotFound
	}
	return f.entityFor(entityType, serverID), nil
}

func (f *fakeRemote) List(ctx context.Context, entityType string, filters map[string]string) ([]*remote.Entity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*remote.Entity
	for serverID := range f.entities[entityType] {
		out = append(out, f.entityFor(entityType, serverID))
	}
	return out, nil
}

func (f *fakeRemote) Health(ctx context.Context) error { return nil }

func newTestFacade(t *testing.T, online bool) (*Facade, *store.SQLiteStore, *fakeRemote, *connectivity.Monitor) {
	t.Helper()

	st, err := store.NewSQLiteStore(config.StorageConfig{
		FilePath: filepath.Join(t.TempDir(), "test.db"),
	}, 5)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	fake := newFakeRemote()
	monitor := connectivity.NewMonitor(config.ConnectivityConfig{
		PollInterval: "1h",
		ProbeTimeout: "1s",
		AssumeOnline: online,
	}, connectivity.ProberFunc(func(ctx context.Context) (bool, error) { return online, nil }))

	return NewFacade(st, fake, monitor), st, fake, monitor
}

func TestFacade_OfflineCreate_IsOptimistic(t *testing.T) {
	facade, st, fake, _ := newTestFacade(t, false)
	ctx := context.Background()

	record, err := facade.Create(ctx, "bets", json.RawMessage(`{"amount":50}`))
	require.NoError(t, err)
	require.NotEmpty(t, record.LocalID)
	assert.Empty(t, record.ServerID)
	assert.Equal(t, store.StatePendingCreate, record.SyncState)

	// Nothing went over the wire.
	assert.Empty(t, fake.entities)

	count, err := st.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	// The just-created entity appears in the listing immediately.
	records, err := facade.List(ctx, "bets", nil)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, record.LocalID, records[0].LocalID)
}

func TestFacade_OfflineUpdate_MergesSnapshot(t *testing.T) {
	facade, _, _, _ := newTestFacade(t, false)
	ctx := context.Background()

	record, err := facade.Create(ctx, "bets", json.RawMessage(`{"amount":50,"note":"a"}`))
	require.NoError(t, err)

	updated, err := facade.Update(ctx, "bets", record.LocalID, json.RawMessage(`{"amount":75}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"amount":75,"note":"a"}`, string(updated.Data))
	// The create has not synced yet, so the entity stays pending-create.
	assert.Equal(t, store.StatePendingCreate, updated.SyncState)
}

func TestFacade_OfflineDelete_HidesSyncedRecord(t *testing.T) {
	facade, st, _, _ := newTestFacade(t, false)
	ctx := context.Background()

	// A record that synced before connectivity dropped.
	require.NoError(t, st.PutCache(ctx, &store.CacheEntry{
		EntityType: "bets",
		LocalID:    "b1",
		ServerID:   sql.NullString{String: "srv-1", Valid: true},
		Data:       json.RawMessage(`{"amount":50}`),
		SyncState:  store.StateClean,
	}))

	require.NoError(t, facade.Delete(ctx, "bets", "b1"))

	records, err := facade.List(ctx, "bets", nil)
	require.NoError(t, err)
	assert.Empty(t, records)

	// The remote delete stays queued for the next sync.
	count, err := st.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestFacade_OfflineCreateThenDelete_NeverReachesServer(t *testing.T) {
	facade, st, fake, monitor := newTestFacade(t, false)
	ctx := context.Background()

	record, err := facade.Create(ctx, "bets", json.RawMessage(`{"amount":50}`))
	require.NoError(t, err)
	_, err = facade.Update(ctx, "bets", record.LocalID, json.RawMessage(`{"amount":75}`))
	require.NoError(t, err)
	require.NoError(t, facade.Delete(ctx, "bets", record.LocalID))

	// Deleting a pending-create entity cancels its whole sub-queue.
	count, err := st.PendingCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)

	entry, err := st.GetCache(ctx, "bets", record.LocalID)
	require.NoError(t, err)
	assert.Nil(t, entry)

	// Back online, a drain finds nothing to send; the server never hears
	// about the entity.
	monitor.ReportChange(true)
	engine := syncpkg.NewEngine(config.SyncConfig{RetryCeiling: 5, EntityTypes: []string{"bets"}}, st, fake, monitor)
	_, err = engine.SyncNow(ctx)
	require.NoError(t, err)
	assert.Zero(t, fake.createCalls)
	assert.Zero(t, fake.deleteCalls)
	assert.Empty(t, fake.entities)
}

func TestFacade_OnlineCreate_CachesServerEntity(t *testing.T) {
	facade, st, fake, _ := newTestFacade(t, true)
	ctx := context.Background()

	record, err := facade.Create(ctx, "bets", json.RawMessage(`{"amount":50}`))
	require.NoError(t, err)
	assert.Equal(t, "srv-1", record.ServerID)
	assert.Equal(t, store.StateClean, record.SyncState)

	assert.Len(t, fake.entities["bets"], 1)

	count, err := st.PendingCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, count, "online writes bypass the queue")
}

func TestFacade_OnlineList_RefreshesCache(t *testing.T) {
	facade, st, fake, _ := newTestFacade(t, true)
	ctx := context.Background()

	fake.entities["bets"] = map[string]map[string]any{
		"srv-1": {"id": "srv-1", "amount": 10},
	}

	records, err := facade.List(ctx, "bets", nil)
	require.NoError(t, err)
	require.Len(t, records, 1)

	entry, err := st.GetCacheByServerID(ctx, "bets", "srv-1")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, store.StateClean, entry.SyncState)
}

func TestFacade_OnlineList_DoesNotClobberPendingEdits(t *testing.T) {
	facade, st, fake, monitor := newTestFacade(t, false)
	ctx := context.Background()

	record, err := facade.Create(ctx, "bets", json.RawMessage(`{"amount":50}`))
	require.NoError(t, err)

	fake.entities["bets"] = map[string]map[string]any{
		"srv-1": {"id": "srv-1", "amount": 10},
	}
	monitor.ReportChange(true)

	records, err := facade.List(ctx, "bets", nil)
	require.NoError(t, err)
	assert.Len(t, records, 2)

	entry, err := st.GetCache(ctx, "bets", record.LocalID)
	require.NoError(t, err)
	assert.Equal(t, store.StatePendingCreate, entry.SyncState)
	assert.JSONEq(t, `{"amount":50}`, string(entry.Data))
}

func TestFacade_OnlineUpdate_WithQueuedOps_AppendsToQueue(t *testing.T) {
	facade, st, fake, monitor := newTestFacade(t, false)
	ctx := context.Background()

	record, err := facade.Create(ctx, "bets", json.RawMessage(`{"amount":50}`))
	require.NoError(t, err)

	// Back online, but the entity still has a queued create; the edit must
	// join its sub-queue so replay order is preserved.
	monitor.ReportChange(true)

	_, err = facade.Update(ctx, "bets", record.LocalID, json.RawMessage(`{"amount":75}`))
	require.NoError(t, err)

	assert.Empty(t, fake.entities)
	count, err := st.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

// fullStore simulates a persistent medium that rejects writes.
type fullStore struct {
	store.Store
}

func (f *fullStore) Enqueue(ctx context.Context, params store.EnqueueParams) (*store.PendingOperation, error) {
	return nil, store.ErrStorageFull
}

func TestFacade_OfflineCreate_SurfacesStorageFull(t *testing.T) {
	_, st, fake, monitor := newTestFacade(t, false)

	facade := NewFacade(&fullStore{Store: st}, fake, monitor)
	_, err := facade.Create(context.Background(), "bets", json.RawMessage(`{"amount":50}`))
	assert.ErrorIs(t, err, store.ErrStorageFull)
}

func TestFacade_StorageInfo_IncludesConnectivity(t *testing.T) {
	facade, _, _, _ := newTestFacade(t, false)
	ctx := context.Background()

	_, err := facade.Create(ctx, "bets", json.RawMessage(`{"amount":50}`))
	require.NoError(t, err)

	info, err := facade.StorageInfo(ctx)
	require.NoError(t, err)
	assert.False(t, info.IsOnline)
	assert.Equal(t, 1, info.PendingUploads)
	assert.Equal(t, 1, info.OfflineBetsCount)
}

func TestFacade_ClearOfflineData(t *testing.T) {
	facade, st, _, _ := newTestFacade(t, false)
	ctx := context.Background()

	_, err := facade.Create(ctx, "bets", json.RawMessage(`{"amount":50}`))
	require.NoError(t, err)

	require.NoError(t, facade.ClearOfflineData(ctx))

	count, err := st.PendingCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)

	records, err := facade.List(ctx, "bets", nil)
	require.NoError(t, err)
	assert.Empty(t, records)
}
