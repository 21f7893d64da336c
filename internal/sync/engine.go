package sync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"betsync-service/internal/config"
	"betsync-service/internal/connectivity"
	"betsync-service/internal/logger"
	"betsync-service/internal/remote"
	"betsync-service/internal/store"
)

// Engine drains the local mutation queue against the remote API. At most
// one run is active process-wide: callers that request a sync while one is
// in flight join it and receive the same Result. That single-drain rule is
// the concurrency guard keeping per-entity operation order intact on the
// server.
type Engine struct {
	cfg     config.SyncConfig
	store   store.Store
	remote  remote.API
	monitor *connectivity.Monitor

	mu        sync.Mutex
	syncing   bool
	waiters   []chan *Result
	callbacks map[int]func(*Result)
	nextCB    int
}

func NewEngine(cfg config.SyncConfig, st store.Store, api remote.API, monitor *connectivity.Monitor) *Engine {
	return &Engine{
		cfg:       cfg,
		store:     st,
		remote:    api,
		monitor:   monitor,
		callbacks: make(map[int]func(*Result)),
	}
}

// SyncNow drains the currently queued operations.
func (e *Engine) SyncNow(ctx context.Context) (*Result, error) {
	return e.run(ctx, false)
}

// ForceFullSync drains the queue, then re-fetches every configured entity
// list from the remote to pick up changes made by other clients.
func (e *Engine) ForceFullSync(ctx context.Context) (*Result, error) {
	return e.run(ctx, true)
}

func (e *Engine) run(ctx context.Context, full bool) (*Result, error) {
	e.mu.Lock()
	if e.syncing {
		// Join the in-flight run instead of starting a second drain.
		ch := make(chan *Result, 1)
		e.waiters = append(e.waiters, ch)
		e.mu.Unlock()

		select {
		case result := <-ch:
			return result, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	e.syncing = true
	e.mu.Unlock()

	logger.Log.Info("Sync run started", zap.Bool("full", full))
	start := time.Now()

	result := e.drain(ctx)
	if full {
		e.reconcile(ctx, result)
	}
	result.Success = result.FailedCount == 0 && len(result.Errors) == 0

	if err := e.store.SetLastSync(ctx, time.Now().UTC()); err != nil {
		logger.Log.Error("Failed to persist last sync time", zap.Error(err))
	}

	e.mu.Lock()
	e.syncing = false
	waiters := e.waiters
	e.waiters = nil
	callbacks := make([]func(*Result), 0, len(e.callbacks))
	for _, fn := range e.callbacks {
		callbacks = append(callbacks, fn)
	}
	e.mu.Unlock()

	logger.Log.Info("Sync run finished",
		zap.Bool("success", result.Success),
		zap.Int("synced", result.SyncedCount),
		zap.Int("failed", result.FailedCount),
		zap.Duration("took", time.Since(start)),
	)

	for _, ch := range waiters {
		ch <- result
	}
	for _, fn := range callbacks {
		fn(result)
	}

	return result, nil
}

// drain replays queued operations in FIFO order per entity. Transport
// failures abort the remainder of the run; every other failure is scoped to
// its own operation (per-operation commit, not all-or-nothing).
func (e *Engine) drain(ctx context.Context) *Result {
	result := &Result{}

	ops, err := e.store.NextBatch(ctx, "")
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("failed to read queue: %v", err))
		return result
	}

	// Entities whose earlier operation could not be applied this run; their
	// later operations must wait so replay order is preserved.
	deferred := make(map[string]bool)

	for _, op := range ops {
		key := op.EntityType + "/" + op.LocalEntityID
		if deferred[key] {
			continue
		}

		var abort bool
		switch op.Kind {
		case store.OpCreate:
			abort = e.applyCreate(ctx, op, result, deferred)
		case store.OpUpdate:
			abort = e.applyUpdate(ctx, op, result, deferred)
		case store.OpDelete:
			abort = e.applyDelete(ctx, op, result, deferred)
		default:
			e.deadLetter(ctx, op, result, fmt.Sprintf("unknown operation kind %q", op.Kind))
		}

		if abort {
			logger.Log.Warn("Transport failure, aborting remainder of sync run",
				zap.String("operationID", op.ID))
			break
		}
	}

	return result
}

func (e *Engine) applyCreate(ctx context.Context, op *store.PendingOperation, result *Result, deferred map[string]bool) bool {
	payload, err := withClientRef(op.Payload, op.LocalEntityID)
	if err != nil {
		e.deadLetter(ctx, op, result, fmt.Sprintf("unencodable payload: %v", err))
		return false
	}

	entity, err := e.remote.Create(ctx, op.EntityType, payload)
	if dup, ok := remote.IsDuplicate(err); ok {
		// A prior attempt reached the server but its response was lost.
		// Adopt the canonical entity instead of creating a duplicate.
		entity, err = dup.Entity, nil
		if entity == nil {
			entity, err = e.lookupByClientRef(ctx, op.EntityType, op.LocalEntityID)
		}
	}

	switch {
	case err == nil:
		if applyErr := e.store.MarkApplied(ctx, op.ID, entity.ServerID); applyErr != nil {
			result.FailedCount++
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", op.ID, applyErr))
			deferred[op.EntityType+"/"+op.LocalEntityID] = true
			return false
		}
		e.refreshCache(ctx, op.EntityType, op.LocalEntityID, entity)
		result.SyncedCount++
		return false
	case remote.IsTransport(err):
		e.markFailed(ctx, op, result, err)
		return true
	case remote.IsValidation(err):
		e.deadLetter(ctx, op, result, err.Error())
		deferred[op.EntityType+"/"+op.LocalEntityID] = true
		return false
	default:
		e.markFailed(ctx, op, result, err)
		deferred[op.EntityType+"/"+op.LocalEntityID] = true
		return false
	}
}

func (e *Engine) applyUpdate(ctx context.Context, op *store.PendingOperation, result *Result, deferred map[string]bool) bool {
	entry, err := e.store.GetCache(ctx, op.EntityType, op.LocalEntityID)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", op.ID, err))
		result.FailedCount++
		return false
	}
	if entry == nil {
		e.deadLetter(ctx, op, result, "no cache entry for queued update")
		return false
	}
	if !entry.ServerID.Valid || entry.ServerID.String == "" {
		// The entity's Create has not been applied yet. Defer; an update must
		// never reference a server entity that does not exist.
		deferred[op.EntityType+"/"+op.LocalEntityID] = true
		return false
	}

	// Last-writer-wins by client timestamp: the update is applied
	// unconditionally.
	entity, err := e.remote.Update(ctx, op.EntityType, entry.ServerID.String, op.Payload)
	switch {
	case err == nil:
		if applyErr := e.store.MarkApplied(ctx, op.ID, ""); applyErr != nil {
			result.FailedCount++
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", op.ID, applyErr))
			deferred[op.EntityType+"/"+op.LocalEntityID] = true
			return false
		}
		e.refreshCache(ctx, op.EntityType, op.LocalEntityID, entity)
		result.SyncedCount++
		return false
	case errors.Is(err, remote.ErrNotFound):
		// Deleted server-side: abandon the update, surface the conflict.
		e.deadLetter(ctx, op, result, "entity deleted on server")
		deferred[op.EntityType+"/"+op.LocalEntityID] = true
		return false
	case remote.IsTransport(err):
		e.markFailed(ctx, op, result, err)
		return true
	case remote.IsConflict(err) || remote.IsValidation(err):
		e.deadLetter(ctx, op, result, err.Error())
		deferred[op.EntityType+"/"+op.LocalEntityID] = true
		return false
	default:
		e.markFailed(ctx, op, result, err)
		deferred[op.EntityType+"/"+op.LocalEntityID] = true
		return false
	}
}

func (e *Engine) applyDelete(ctx context.Context, op *store.PendingOperation, result *Result, deferred map[string]bool) bool {
	entry, err := e.store.GetCache(ctx, op.EntityType, op.LocalEntityID)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", op.ID, err))
		result.FailedCount++
		return false
	}

	if entry == nil || !entry.ServerID.Valid || entry.ServerID.String == "" {
		// The entity never left the device; no remote call is needed.
		if err := e.store.DropOperation(ctx, op.ID); err != nil {
			result.FailedCount++
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", op.ID, err))
			return false
		}
		if entry != nil {
			if err := e.store.DeleteCache(ctx, op.EntityType, op.LocalEntityID); err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", op.ID, err))
			}
		}
		result.SyncedCount++
		return false
	}

	err = e.remote.Delete(ctx, op.EntityType, entry.ServerID.String)
	switch {
	case err == nil || errors.Is(err, remote.ErrNotFound):
		// Idempotent delete: already gone counts as success.
		if applyErr := e.store.MarkApplied(ctx, op.ID, ""); applyErr != nil {
			result.FailedCount++
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", op.ID, applyErr))
			return false
		}
		result.SyncedCount++
		return false
	case remote.IsTransport(err):
		e.markFailed(ctx, op, result, err)
		return true
	default:
		e.deadLetter(ctx, op, result, err.Error())
		deferred[op.EntityType+"/"+op.LocalEntityID] = true
		return false
	}
}

func (e *Engine) markFailed(ctx context.Context, op *store.PendingOperation, result *Result, opErr error) {
	result.FailedCount++
	result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", op.ID, opErr))

	deadLettered, err := e.store.MarkFailed(ctx, op.ID, opErr.Error())
	if err != nil {
		logger.Log.Error("Failed to record operation failure",
			zap.String("operationID", op.ID), zap.Error(err))
		return
	}
	if deadLettered {
		logger.Log.Warn("Operation dead-lettered",
			zap.String("operationID", op.ID),
			zap.String("entityType", op.EntityType),
			zap.String("localID", op.LocalEntityID),
		)
	}
}

func (e *Engine) deadLetter(ctx context.Context, op *store.PendingOperation, result *Result, reason string) {
	result.FailedCount++
	result.Errors = append(result.Errors, fmt.Sprintf("%s: %s", op.ID, reason))

	if err := e.store.DeadLetter(ctx, op.ID, reason); err != nil {
		logger.Log.Error("Failed to dead-letter operation",
			zap.String("operationID", op.ID), zap.Error(err))
	}
}

// refreshCache reconciles the cached snapshot with what the server echoed.
// Skipped while further operations are queued for the entity; the local
// snapshot is newer in that case.
func (e *Engine) refreshCache(ctx context.Context, entityType, localID string, entity *remote.Entity) {
	if entity == nil {
		return
	}

	entry, err := e.store.GetCache(ctx, entityType, localID)
	if err != nil || entry == nil || entry.SyncState != store.StateClean {
		return
	}

	entry.Data = entity.Data
	if entity.ServerID != "" {
		entry.ServerID = nullString(entity.ServerID)
	}
	if err := e.store.PutCache(ctx, entry); err != nil {
		logger.Log.Error("Failed to refresh cache entry",
			zap.String("entityType", entityType),
			zap.String("localID", localID),
			zap.Error(err),
		)
	}
}

func (e *Engine) lookupByClientRef(ctx context.Context, entityType, localID string) (*remote.Entity, error) {
	entities, err := e.remote.List(ctx, entityType, map[string]string{"client_ref": localID})
	if err != nil {
		return nil, err
	}
	if len(entities) == 0 {
		return nil, fmt.Errorf("duplicate create reported but no entity with client_ref %s", localID)
	}
	return entities[0], nil
}

// reconcile overwrites Clean cache entries with the authoritative remote
// lists. Entries with pending operations are never touched; the queue still
// owns them.
func (e *Engine) reconcile(ctx context.Context, result *Result) {
	for _, entityType := range e.cfg.EntityTypes {
		entities, err := e.remote.List(ctx, entityType, nil)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("list %s: %v", entityType, err))
			if remote.IsTransport(err) {
				return
			}
			continue
		}

		seen := make(map[string]bool, len(entities))
		for _, entity := range entities {
			seen[entity.ServerID] = true

			entry, err := e.store.GetCacheByServerID(ctx, entityType, entity.ServerID)
			if err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("reconcile %s: %v", entityType, err))
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
					ServerID:   nullString(entity.ServerID),
					Data:       entity.Data,
					SyncState:  store.StateClean,
				}
			} else if entry.SyncState == store.StateClean {
				entry.Data = entity.Data
			} else {
				continue
			}

			if err := e.store.PutCache(ctx, entry); err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("reconcile %s: %v", entityType, err))
			}
		}

		// Clean entries whose server entity vanished were deleted by another
		// client.
		entries, err := e.store.ListCache(ctx, entityType)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("reconcile %s: %v", entityType, err))
			continue
		}
		for _, entry := range entries {
			if entry.SyncState != store.StateClean || !entry.ServerID.Valid {
				continue
			}
			if !seen[entry.ServerID.String] {
				if err := e.store.DeleteCache(ctx, entityType, entry.LocalID); err != nil {
					result.Errors = append(result.Errors, fmt.Sprintf("reconcile %s: %v", entityType, err))
				}
			}
		}
	}
}

// Status derives the current sync status; nothing here is cached.
func (e *Engine) Status(ctx context.Context) *Status {
	e.mu.Lock()
	syncing := e.syncing
	e.mu.Unlock()

	pending, err := e.store.PendingCount(ctx)
	if err != nil {
		logger.Log.Error("Failed to count pending operations", zap.Error(err))
	}
	last, err := e.store.LastSync(ctx)
	if err != nil {
		logger.Log.Error("Failed to read last sync time", zap.Error(err))
	}

	status := &Status{
		IsOnline:     e.monitor.Online(),
		IsSyncing:    syncing,
		PendingCount: pending,
	}
	if !last.IsZero() {
		status.LastSyncAt = &last
	}
	return status
}

// OnSyncComplete registers a callback invoked with each run's Result and
// returns its removal handle.
func (e *Engine) OnSyncComplete(fn func(*Result)) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.nextCB
	e.nextCB++
	e.callbacks[id] = fn
	return id
}

func (e *Engine) RemoveSyncCallback(id int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.callbacks, id)
}

func withClientRef(payload json.RawMessage, localID string) (json.RawMessage, error) {
	fields := make(map[string]any)
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &fields); err != nil {
			return nil, err
		}
	}
	fields["client_ref"] = localID
	return json.Marshal(fields)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: true}
}
