package store

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type OpKind string

const (
	OpCreate OpKind = "CREATE"
	OpUpdate OpKind = "UPDATE"
	OpDelete OpKind = "DELETE"
)

type SyncState string

const (
	StateClean         SyncState = "clean"
	StatePendingCreate SyncState = "pending_create"
	StatePendingUpdate SyncState = "pending_update"
	StatePendingDelete SyncState = "pending_delete"
	StateConflicted    SyncState = "conflicted"
)

// Pending returns true if the state implies an active queued operation.
func (s SyncState) Pending() bool {
	return s == StatePendingCreate || s == StatePendingUpdate || s == StatePendingDelete
}

// PendingOperation is one queued local mutation awaiting replay against the
// remote API. Seq is assigned by storage and fixes the replay order; for a
// given (entity_type, local_entity_id) operations are always replayed in
// ascending Seq.
type PendingOperation struct {
	Seq           int64           `db:"seq"`
	ID            string          `db:"id"`
	EntityType    string          `db:"entity_type"`
	Kind          OpKind          `db:"kind"`
	LocalEntityID string          `db:"local_entity_id"`
	Payload       json.RawMessage `db:"payload"`
	CreatedAt     time.Time       `db:"created_at"`
	Attempts      int             `db:"attempts"`
	LastError     sql.NullString  `db:"last_error"`
	DeadLettered  bool            `db:"dead_lettered"`
}

// CacheEntry is the last known local snapshot of one entity. ServerID is
// bound once, when the entity's Create is applied remotely, and never
// changes afterwards.
type CacheEntry struct {
	EntityType string          `db:"entity_type"`
	LocalID    string          `db:"local_id"`
	ServerID   sql.NullString  `db:"server_id"`
	Data       json.RawMessage `db:"data"`
	SyncState  SyncState       `db:"sync_state"`
	UpdatedAt  time.Time       `db:"updated_at"`
}

// EnqueueParams describes one offline write. Snapshot is the entity state
// after the write and replaces the cached Data; a nil Snapshot keeps the
// existing cached Data (used for deletes).
type EnqueueParams struct {
	EntityType    string
	Kind          OpKind
	LocalEntityID string
	Payload       json.RawMessage
	Snapshot      json.RawMessage
}

func newOperationID() string {
	return uuid.New().String()
}

// StorageInfo is the diagnostic view surfaced to the UI.
type StorageInfo struct {
	StorageSizeBytes int64     `json:"storage_size_bytes"`
	OfflineBetsCount int       `json:"offline_bets_count"`
	PendingUploads   int       `json:"pending_uploads"`
	DeadLettered     int       `json:"dead_lettered"`
	LastSync         time.Time `json:"last_sync"`
}
