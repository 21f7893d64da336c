package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"betsync-service/internal/config"
	"betsync-service/internal/logger"
)

const schema = `
CREATE TABLE IF NOT EXISTS pending_operations (
	seq             INTEGER PRIMARY KEY AUTOINCREMENT,
	id              TEXT NOT NULL UNIQUE,
	entity_type     TEXT NOT NULL,
	kind            TEXT NOT NULL,
	local_entity_id TEXT NOT NULL,
	payload         TEXT NOT NULL,
	created_at      TIMESTAMP NOT NULL,
	attempts        INTEGER NOT NULL DEFAULT 0,
	last_error      TEXT,
	dead_lettered   INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_pending_entity ON pending_operations (entity_type, local_entity_id, seq);

CREATE TABLE IF NOT EXISTS cache_entries (
	entity_type TEXT NOT NULL,
	local_id    TEXT NOT NULL,
	server_id   TEXT,
	data        TEXT NOT NULL,
	sync_state  TEXT NOT NULL,
	updated_at  TIMESTAMP NOT NULL,
	PRIMARY KEY (entity_type, local_id)
);
CREATE INDEX IF NOT EXISTS idx_cache_server ON cache_entries (entity_type, server_id);

CREATE TABLE IF NOT EXISTS sync_meta (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

type SQLiteStore struct {
	db           *sql.DB
	retryCeiling int
}

func NewSQLiteStore(cfg config.StorageConfig, retryCeiling int) (*SQLiteStore, error) {
	if retryCeiling <= 0 {
		retryCeiling = 5
	}

	dsn := cfg.FilePath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite store: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping sqlite store: %w", err)
	}

	// Single writer; SQLite serializes anyway and this avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to init schema: %w", err)
	}

	logger.Log.Info("Opened local mutation store",
		zap.String("path", cfg.FilePath),
		zap.Int("retryCeiling", retryCeiling),
	)

	return &SQLiteStore{db: db, retryCeiling: retryCeiling}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// execTx executes fn within a transaction.
func (s *SQLiteStore) execTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("tx err: %v, rb err: %v", err, rbErr)
		}
		return err
	}

	return tx.Commit()
}

func wrapStorageErr(err error) error {
	if err == nil {
		return nil
	}
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		if sqliteErr.Code()&0xff == sqlite3lib.SQLITE_FULL {
			return fmt.Errorf("%w: %v", ErrStorageFull, err)
		}
	}
	return err
}

// Enqueue appends the operation and upserts the cache entry in one
// transaction, so a pending sync state can never exist without its
// operation.
func (s *SQLiteStore) Enqueue(ctx context.Context, params EnqueueParams) (*PendingOperation, error) {
	op := &PendingOperation{
		ID:            newOperationID(),
		EntityType:    params.EntityType,
		Kind:          params.Kind,
		LocalEntityID: params.LocalEntityID,
		Payload:       params.Payload,
		CreatedAt:     time.Now().UTC(),
	}
	if op.Payload == nil {
		op.Payload = []byte("{}")
	}

	err := s.execTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO pending_operations (id, entity_type, kind, local_entity_id, payload, created_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			op.ID, op.EntityType, op.Kind, op.LocalEntityID, string(op.Payload), op.CreatedAt,
		)
		if err != nil {
			return err
		}
		op.Seq, _ = res.LastInsertId()

		return s.applyPendingState(ctx, tx, op, params.Snapshot)
	})
	if err != nil {
		return nil, wrapStorageErr(err)
	}

	return op, nil
}

// applyPendingState upserts the cache entry to reflect a newly queued
// operation. A pending create keeps its state through later updates; the
// create has to reach the server first either way.
func (s *SQLiteStore) applyPendingState(ctx context.Context, tx *sql.Tx, op *PendingOperation, snapshot []byte) error {
	var current SyncState
	var data string
	err := tx.QueryRowContext(ctx,
		`SELECT sync_state, data FROM cache_entries WHERE entity_type = ? AND local_id = ?`,
		op.EntityType, op.LocalEntityID,
	).Scan(&current, &data)

	next := pendingStateFor(op.Kind)

	switch {
	case err == sql.ErrNoRows:
		if snapshot == nil {
			snapshot = []byte("{}")
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO cache_entries (entity_type, local_id, data, sync_state, updated_at)
			 VALUES (?, ?, ?, ?, ?)`,
			op.EntityType, op.LocalEntityID, string(snapshot), next, time.Now().UTC(),
		)
		return err
	case err != nil:
		return err
	}

	if current == StatePendingCreate && op.Kind == OpUpdate {
		next = StatePendingCreate
	}
	if snapshot == nil {
		snapshot = []byte(data)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE cache_entries SET data = ?, sync_state = ?, updated_at = ? WHERE entity_type = ? AND local_id = ?`,
		string(snapshot), next, time.Now().UTC(), op.EntityType, op.LocalEntityID,
	)
	return err
}

func pendingStateFor(kind OpKind) SyncState {
	switch kind {
	case OpCreate:
		return StatePendingCreate
	case OpDelete:
		return StatePendingDelete
	default:
		return StatePendingUpdate
	}
}

const opColumns = `seq, id, entity_type, kind, local_entity_id, payload, created_at, attempts, last_error, dead_lettered`

func scanOperation(scanner interface{ Scan(...any) error }) (*PendingOperation, error) {
	var op PendingOperation
	var payload string
	err := scanner.Scan(
		&op.Seq,
		&op.ID,
		&op.EntityType,
		&op.Kind,
		&op.LocalEntityID,
		&payload,
		&op.CreatedAt,
		&op.Attempts,
		&op.LastError,
		&op.DeadLettered,
	)
	if err != nil {
		return nil, err
	}
	op.Payload = []byte(payload)
	return &op, nil
}

// NextBatch returns all active operations in queue order. Ascending seq
// guarantees per-entity FIFO: a Delete can never precede an earlier
// Create/Update for the same local entity.
func (s *SQLiteStore) NextBatch(ctx context.Context, entityType string) ([]*PendingOperation, error) {
	query := `SELECT ` + opColumns + ` FROM pending_operations WHERE dead_lettered = 0`
	args := []any{}
	if entityType != "" {
		query += ` AND entity_type = ?`
		args = append(args, entityType)
	}
	query += ` ORDER BY seq ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ops []*PendingOperation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}

	return ops, rows.Err()
}

func (s *SQLiteStore) getOperationTx(ctx context.Context, tx *sql.Tx, operationID string) (*PendingOperation, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT `+opColumns+` FROM pending_operations WHERE id = ?`, operationID)
	op, err := scanOperation(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("operation %s not found", operationID)
	}
	return op, err
}

// MarkApplied removes the operation. For a Create the returned serverID is
// bound onto the cache entry; binding is write-once and a rebind attempt is
// an error. The entry's sync state is recomputed from whatever operations
// remain queued for the entity.
func (s *SQLiteStore) MarkApplied(ctx context.Context, operationID, serverID string) error {
	return s.execTx(ctx, func(tx *sql.Tx) error {
		op, err := s.getOperationTx(ctx, tx, operationID)
		if err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM pending_operations WHERE id = ?`, operationID); err != nil {
			return err
		}

		if op.Kind == OpDelete {
			_, err := tx.ExecContext(ctx,
				`DELETE FROM cache_entries WHERE entity_type = ? AND local_id = ?`,
				op.EntityType, op.LocalEntityID)
			return err
		}

		if op.Kind == OpCreate && serverID != "" {
			var existing sql.NullString
			err := tx.QueryRowContext(ctx,
				`SELECT server_id FROM cache_entries WHERE entity_type = ? AND local_id = ?`,
				op.EntityType, op.LocalEntityID,
			).Scan(&existing)
			if err != nil && err != sql.ErrNoRows {
				return err
			}
			if existing.Valid && existing.String != serverID {
				return fmt.Errorf("server id already bound for %s/%s (%s -> %s)",
					op.EntityType, op.LocalEntityID, existing.String, serverID)
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE cache_entries SET server_id = ?, updated_at = ? WHERE entity_type = ? AND local_id = ?`,
				serverID, time.Now().UTC(), op.EntityType, op.LocalEntityID,
			); err != nil {
				return err
			}
		}

		return s.recomputeState(ctx, tx, op.EntityType, op.LocalEntityID)
	})
}

// recomputeState derives the entry's sync state from the head of its
// remaining sub-queue.
func (s *SQLiteStore) recomputeState(ctx context.Context, tx *sql.Tx, entityType, localID string) error {
	var nextKind OpKind
	err := tx.QueryRowContext(ctx,
		`SELECT kind FROM pending_operations
		 WHERE entity_type = ? AND local_entity_id = ? AND dead_lettered = 0
		 ORDER BY seq ASC LIMIT 1`,
		entityType, localID,
	).Scan(&nextKind)

	state := StateClean
	if err == nil {
		state = pendingStateFor(nextKind)
	} else if err != sql.ErrNoRows {
		return err
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE cache_entries SET sync_state = ?, updated_at = ? WHERE entity_type = ? AND local_id = ?`,
		state, time.Now().UTC(), entityType, localID,
	)
	return err
}

// MarkFailed records a retryable failure. Once attempts reach the retry
// ceiling the operation is dead-lettered and the entry marked conflicted.
func (s *SQLiteStore) MarkFailed(ctx context.Context, operationID, opErr string) (bool, error) {
	deadLettered := false
	err := s.execTx(ctx, func(tx *sql.Tx) error {
		op, err := s.getOperationTx(ctx, tx, operationID)
		if err != nil {
			return err
		}

		op.Attempts++
		deadLettered = op.Attempts >= s.retryCeiling

		if _, err := tx.ExecContext(ctx,
			`UPDATE pending_operations SET attempts = ?, last_error = ?, dead_lettered = ? WHERE id = ?`,
			op.Attempts, opErr, deadLettered, operationID,
		); err != nil {
			return err
		}

		if !deadLettered {
			return nil
		}

		logger.Log.Warn("Operation exceeded retry ceiling, dead-lettering",
			zap.String("operationID", operationID),
			zap.String("entityType", op.EntityType),
			zap.String("localID", op.LocalEntityID),
			zap.Int("attempts", op.Attempts),
		)
		_, err = tx.ExecContext(ctx,
			`UPDATE cache_entries SET sync_state = ?, updated_at = ? WHERE entity_type = ? AND local_id = ?`,
			StateConflicted, time.Now().UTC(), op.EntityType, op.LocalEntityID,
		)
		return err
	})
	return deadLettered, err
}

// DeadLetter removes the operation from the active queue immediately, for
// failures that would fail identically on every retry.
func (s *SQLiteStore) DeadLetter(ctx context.Context, operationID, reason string) error {
	return s.execTx(ctx, func(tx *sql.Tx) error {
		op, err := s.getOperationTx(ctx, tx, operationID)
		if err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE pending_operations SET last_error = ?, dead_lettered = 1 WHERE id = ?`,
			reason, operationID,
		); err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE cache_entries SET sync_state = ?, updated_at = ? WHERE entity_type = ? AND local_id = ?`,
			StateConflicted, time.Now().UTC(), op.EntityType, op.LocalEntityID,
		)
		return err
	})
}

// DropOperation deletes the operation without touching the cache; used when
// a queued Delete targets an entity that never reached the server.
func (s *SQLiteStore) DropOperation(ctx context.Context, operationID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM pending_operations WHERE id = ?`, operationID)
	return err
}

// CancelEntity discards an entity that never reached the server: every
// queued operation for it and its cache entry go in one transaction, so a
// later sync has nothing left to replay.
func (s *SQLiteStore) CancelEntity(ctx context.Context, entityType, localID string) error {
	return s.execTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM pending_operations WHERE entity_type = ? AND local_entity_id = ?`,
			entityType, localID,
		); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`DELETE FROM cache_entries WHERE entity_type = ? AND local_id = ?`,
			entityType, localID)
		return err
	})
}

func (s *SQLiteStore) GetDeadLettered(ctx context.Context) ([]*PendingOperation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+opColumns+` FROM pending_operations WHERE dead_lettered = 1 ORDER BY seq ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ops []*PendingOperation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}

	return ops, rows.Err()
}

func (s *SQLiteStore) PendingCount(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pending_operations WHERE dead_lettered = 0`).Scan(&count)
	return count, err
}

const cacheColumns = `entity_type, local_id, server_id, data, sync_state, updated_at`

func scanCacheEntry(scanner interface{ Scan(...any) error }) (*CacheEntry, error) {
	var entry CacheEntry
	var data string
	err := scanner.Scan(
		&entry.EntityType,
		&entry.LocalID,
		&entry.ServerID,
		&data,
		&entry.SyncState,
		&entry.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	entry.Data = []byte(data)
	return &entry, nil
}

// checkStateInvariant panics if the entry claims a pending state with no
// queued operation backing it. That can only happen through a bug in this
// package, never through external input.
func (s *SQLiteStore) checkStateInvariant(ctx context.Context, entry *CacheEntry) {
	if !entry.SyncState.Pending() {
		return
	}
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pending_operations
		 WHERE entity_type = ? AND local_entity_id = ? AND dead_lettered = 0`,
		entry.EntityType, entry.LocalID,
	).Scan(&count)
	if err != nil {
		return
	}
	if count == 0 {
		panic(fmt.Sprintf("store: cache entry %s/%s in state %s with no pending operation",
			entry.EntityType, entry.LocalID, entry.SyncState))
	}
}

func (s *SQLiteStore) GetCache(ctx context.Context, entityType, localID string) (*CacheEntry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+cacheColumns+` FROM cache_entries WHERE entity_type = ? AND local_id = ?`,
		entityType, localID)

	entry, err := scanCacheEntry(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	s.checkStateInvariant(ctx, entry)
	return entry, nil
}

func (s *SQLiteStore) GetCacheByServerID(ctx context.Context, entityType, serverID string) (*CacheEntry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+cacheColumns+` FROM cache_entries WHERE entity_type = ? AND server_id = ?`,
		entityType, serverID)

	entry, err := scanCacheEntry(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	s.checkStateInvariant(ctx, entry)
	return entry, nil
}

func (s *SQLiteStore) ListCache(ctx context.Context, entityType string) ([]*CacheEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+cacheColumns+` FROM cache_entries WHERE entity_type = ? ORDER BY updated_at DESC`,
		entityType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*CacheEntry
	for rows.Next() {
		entry, err := scanCacheEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, entry := range entries {
		s.checkStateInvariant(ctx, entry)
	}
	return entries, nil
}

// PutCache upserts an entry. A bound server id is immutable; writing a
// different one is rejected.
func (s *SQLiteStore) PutCache(ctx context.Context, entry *CacheEntry) error {
	err := s.execTx(ctx, func(tx *sql.Tx) error {
		var existing sql.NullString
		err := tx.QueryRowContext(ctx,
			`SELECT server_id FROM cache_entries WHERE entity_type = ? AND local_id = ?`,
			entry.EntityType, entry.LocalID,
		).Scan(&existing)
		if err != nil && err != sql.ErrNoRows {
			return err
		}
		if existing.Valid && entry.ServerID.Valid && existing.String != entry.ServerID.String {
			return fmt.Errorf("server id already bound for %s/%s", entry.EntityType, entry.LocalID)
		}

		serverID := entry.ServerID
		if existing.Valid {
			serverID = existing
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO cache_entries (entity_type, local_id, server_id, data, sync_state, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT (entity_type, local_id) DO UPDATE SET
			 server_id = excluded.server_id,
			 data = excluded.data,
			 sync_state = excluded.sync_state,
			 updated_at = excluded.updated_at`,
			entry.EntityType, entry.LocalID, serverID, string(entry.Data), entry.SyncState, time.Now().UTC(),
		)
		return err
	})
	return wrapStorageErr(err)
}

func (s *SQLiteStore) DeleteCache(ctx context.Context, entityType, localID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE entity_type = ? AND local_id = ?`,
		entityType, localID)
	return err
}

const lastSyncKey = "last_sync_at"

func (s *SQLiteStore) LastSync(ctx context.Context) (time.Time, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM sync_meta WHERE key = ?`, lastSyncKey).Scan(&value)
	if err == sql.ErrNoRows {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	return time.Parse(time.RFC3339Nano, value)
}

func (s *SQLiteStore) SetLastSync(ctx context.Context, t time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sync_meta (key, value) VALUES (?, ?)
		 ON CONFLICT (key) DO UPDATE SET value = excluded.value`,
		lastSyncKey, t.UTC().Format(time.RFC3339Nano),
	)
	return err
}

func (s *SQLiteStore) StorageInfo(ctx context.Context) (*StorageInfo, error) {
	info := &StorageInfo{}

	var pageCount, pageSize int64
	if err := s.db.QueryRowContext(ctx, `PRAGMA page_count`).Scan(&pageCount); err != nil {
		return nil, err
	}
	if err := s.db.QueryRowContext(ctx, `PRAGMA page_size`).Scan(&pageSize); err != nil {
		return nil, err
	}
	info.StorageSizeBytes = pageCount * pageSize

	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM cache_entries WHERE entity_type = 'bets' AND sync_state != ?`,
		StateClean).Scan(&info.OfflineBetsCount); err != nil {
		return nil, err
	}

	var err error
	if info.PendingUploads, err = s.PendingCount(ctx); err != nil {
		return nil, err
	}

	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pending_operations WHERE dead_lettered = 1`).Scan(&info.DeadLettered); err != nil {
		return nil, err
	}

	if info.LastSync, err = s.LastSync(ctx); err != nil {
		return nil, err
	}

	return info, nil
}

// Clear drops all pending operations and cached entities. Used on logout.
func (s *SQLiteStore) Clear(ctx context.Context) error {
	return s.execTx(ctx, func(tx *sql.Tx) error {
		for _, table := range []string{"pending_operations", "cache_entries", "sync_meta"} {
			if _, err := tx.ExecContext(ctx, `DELETE FROM `+table); err != nil {
				return err
			}
		}
		return nil
	})
}
