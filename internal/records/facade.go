package records

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"betsync-service/internal/connectivity"
	"betsync-service/internal/logger"
	"betsync-service/internal/remote"
	"betsync-service/internal/store"
)

// ErrNotFound reports an id that matches no record on this device, neither
// by local id nor by server-assigned id.
var ErrNotFound = errors.New("record not found")

// Record is the entity view handed to application code. LocalID always
// identifies the record on this device; ServerID is empty until the entity
// has been created remotely.
type Record struct {
	LocalID   string          `json:"local_id"`
	ServerID  string          `json:"server_id,omitempty"`
	SyncState store.SyncState `json:"sync_state"`
	Data      json.RawMessage `json:"data"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// StorageInfo combines the store diagnostics with live connectivity.
type StorageInfo struct {
	store.StorageInfo
	IsOnline bool `json:"is_online"`
}

// Facade is the single entry point for record operations. It hides the
// online/offline branching: reads go to cache or remote, writes go to the
// queue or straight to the remote, depending on connectivity. Offline
// writes are optimistic and return as soon as the queue write is durable.
type Facade struct {
	store   store.Store
	remote  remote.API
	monitor *connectivity.Monitor
}

func NewFacade(st store.Store, api remote.API, monitor *connectivity.Monitor) *Facade {
	return &Facade{store: st, remote: api, monitor: monitor}
}

func recordFromEntry(entry *store.CacheEntry) *Record {
	record := &Record{
		LocalID:   entry.LocalID,
		SyncState: entry.SyncState,
		Data:      entry.Data,
		UpdatedAt: entry.UpdatedAt,
	}
	if entry.ServerID.Valid {
		record.ServerID = entry.ServerID.String
	}
	return record
}

// List returns the records of one entity type. Online it refreshes the
// cache from the remote first; offline it serves the cache, which already
// includes still-pending local creates.
func (f *Facade) List(ctx context.Context, entityType string, filters map[string]string) ([]*Record, error) {
	if f.monitor.Online() {
		entities, err := f.remote.List(ctx, entityType, filters)
		if err != nil {
			return nil, err
		}
		f.refreshFromRemote(ctx, entityType, entities)
	}

	entries, err := f.store.ListCache(ctx, entityType)
	if err != nil {
		return nil, err
	}

	records := make([]*Record, 0, len(entries))
	for _, entry := range entries {
		// Locally deleted records are invisible even before the delete syncs.
		if entry.SyncState == store.StatePendingDelete {
			continue
		}
		records = append(records, recordFromEntry(entry))
	}
	return records, nil
}

func (f *Facade) refreshFromRemote(ctx context.Context, entityType string, entities []*remote.Entity) {
	for _, entity := range entities {
		entry, err := f.store.GetCacheByServerID(ctx, entityType, entity.ServerID)
		if err != nil {
			logger.Log.Error("Failed to read cache during refresh", zap.Error(err))
			continue
		}

		if entry == nil {
			localID := entity.ClientRef
			if localID == "" {
				localID = entity.ServerID
			}
			entry = &store.CacheEntry{
				EntityType: entityType,
				LocalID:    localID,
				SyncState:  store.StateClean,
			}
		} else if entry.SyncState != store.StateClean {
			// A pending local edit is newer than the server snapshot.
			continue
		}

		entry.ServerID = nullString(entity.ServerID)
		entry.Data = entity.Data
		if err := f.store.PutCache(ctx, entry); err != nil {
			logger.Log.Error("Failed to refresh cache entry", zap.Error(err))
		}
	}
}

// Create makes a new record. Offline it synthesizes a local id, persists an
// optimistic cache entry plus a queued Create, and returns immediately;
// StorageFull is the only error that path can produce. Online failures are
// surfaced to the caller unchanged, since the caller is actively waiting.
func (f *Facade) Create(ctx context.Context, entityType string, payload json.RawMessage) (*Record, error) {
	localID := uuid.New().String()

	if f.monitor.Online() {
		withRef, err := mergeJSON(payload, map[string]any{"client_ref": localID})
		if err != nil {
			return nil, fmt.Errorf("invalid payload: %w", err)
		}
		entity, err := f.remote.Create(ctx, entityType, withRef)
		if err != nil {
			return nil, err
		}

		entry := &store.CacheEntry{
			EntityType: entityType,
			LocalID:    localID,
			ServerID:   nullString(entity.ServerID),
			Data:       entity.Data,
			SyncState:  store.StateClean,
		}
		if err := f.store.PutCache(ctx, entry); err != nil {
			return nil, err
		}
		entry, err = f.store.GetCache(ctx, entityType, localID)
		if err != nil {
			return nil, err
		}
		return recordFromEntry(entry), nil
	}

	if _, err := f.store.Enqueue(ctx, store.EnqueueParams{
		EntityType:    entityType,
		Kind:          store.OpCreate,
		LocalEntityID: localID,
		Payload:       payload,
		Snapshot:      payload,
	}); err != nil {
		return nil, err
	}

	entry, err := f.store.GetCache(ctx, entityType, localID)
	if err != nil {
		return nil, err
	}
	return recordFromEntry(entry), nil
}

// resolve finds the cache entry for an id that may be either local or
// server-assigned.
func (f *Facade) resolve(ctx context.Context, entityType, id string) (*store.CacheEntry, error) {
	entry, err := f.store.GetCache(ctx, entityType, id)
	if err != nil || entry != nil {
		return entry, err
	}
	return f.store.GetCacheByServerID(ctx, entityType, id)
}

// Update edits a record. If the record already has queued operations the
// edit is appended to its queue even when online, so replay order is
// preserved.
func (f *Facade) Update(ctx context.Context, entityType, id string, payload json.RawMessage) (*Record, error) {
	entry, err := f.resolve(ctx, entityType, id)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, fmt.Errorf("record %s/%s: %w", entityType, id, ErrNotFound)
	}

	if f.monitor.Online() && entry.SyncState == store.StateClean && entry.ServerID.Valid {
		entity, err := f.remote.Update(ctx, entityType, entry.ServerID.String, payload)
		if err != nil {
			return nil, err
		}
		entry.Data = entity.Data
		if err := f.store.PutCache(ctx, entry); err != nil {
			return nil, err
		}
		return recordFromEntry(entry), nil
	}

	snapshot, err := mergeSnapshots(entry.Data, payload)
	if err != nil {
		return nil, fmt.Errorf("invalid payload: %w", err)
	}

	if _, err := f.store.Enqueue(ctx, store.EnqueueParams{
		EntityType:    entityType,
		Kind:          store.OpUpdate,
		LocalEntityID: entry.LocalID,
		Payload:       payload,
		Snapshot:      snapshot,
	}); err != nil {
		return nil, err
	}

	entry, err = f.store.GetCache(ctx, entityType, entry.LocalID)
	if err != nil {
		return nil, err
	}
	return recordFromEntry(entry), nil
}

// Delete removes a record, optimistically when offline.
func (f *Facade) Delete(ctx context.Context, entityType, id string) error {
	entry, err := f.resolve(ctx, entityType, id)
	if err != nil {
		return err
	}
	if entry == nil {
		return fmt.Errorf("record %s/%s: %w", entityType, id, ErrNotFound)
	}

	if entry.SyncState == store.StatePendingCreate {
		// The entity never reached the server. Cancel its queued work
		// outright; replaying the create just to delete the result would
		// leak the entity to the server.
		return f.store.CancelEntity(ctx, entityType, entry.LocalID)
	}

	if f.monitor.Online() && entry.SyncState == store.StateClean && entry.ServerID.Valid {
		if err := f.remote.Delete(ctx, entityType, entry.ServerID.String); err != nil && !errors.Is(err, remote.ErrNotFound) {
			return err
		}
		return f.store.DeleteCache(ctx, entityType, entry.LocalID)
	}

	_, err = f.store.Enqueue(ctx, store.EnqueueParams{
		EntityType:    entityType,
		Kind:          store.OpDelete,
		LocalEntityID: entry.LocalID,
	})
	return err
}

func (f *Facade) StorageInfo(ctx context.Context) (*StorageInfo, error) {
	info, err := f.store.StorageInfo(ctx)
	if err != nil {
		return nil, err
	}
	return &StorageInfo{StorageInfo: *info, IsOnline: f.monitor.Online()}, nil
}

// ClearOfflineData drops all pending operations and cached entities.
// Destructive; used for logout/reset.
func (f *Facade) ClearOfflineData(ctx context.Context) error {
	logger.Log.Warn("Clearing all offline data")
	return f.store.Clear(ctx)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: true}
}

func mergeJSON(payload json.RawMessage, extra map[string]any) (json.RawMessage, error) {
	fields := make(map[string]any)
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &fields); err != nil {
			return nil, err
		}
	}
	for k, v := range extra {
		fields[k] = v
	}
	return json.Marshal(fields)
}

// mergeSnapshots overlays a partial update payload onto the cached entity
// snapshot, so the optimistic local view reflects the edit.
func mergeSnapshots(base, payload json.RawMessage) (json.RawMessage, error) {
	fields := make(map[string]any)
	if len(base) > 0 {
		if err := json.Unmarshal(base, &fields); err != nil {
			// A snapshot we wrote ourselves should always parse; start fresh
			// rather than fail the user's write.
			fields = make(map[string]any)
		}
	}
	overlay := make(map[string]any)
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &overlay); err != nil {
			return nil, err
		}
	}
	for k, v := range overlay {
		fields[k] = v
	}
	return json.Marshal(fields)
}
