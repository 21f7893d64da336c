package store

import (
	"context"
	"errors"
	"time"
)

// ErrStorageFull is returned when the local persistent medium rejects a
// write. It is the only error offline writers are expected to handle.
var ErrStorageFull = errors.New("local storage full")

// Store is the durable local mutation queue plus the entity cache. It is the
// sole writer of both tables and the lock boundary between the facade and
// the sync engine; callers never mutate queue or cache rows directly.
type Store interface {
	// Queue
	Enqueue(ctx context.Context, params EnqueueParams) (*PendingOperation, error)
	NextBatch(ctx context.Context, entityType string) ([]*PendingOperation, error)
	MarkApplied(ctx context.Context, operationID, serverID string) error
	MarkFailed(ctx context.Context, operationID, opErr string) (deadLettered bool, err error)
	DeadLetter(ctx context.Context, operationID, reason string) error
	DropOperation(ctx context.Context, operationID string) error
	CancelEntity(ctx context.Context, entityType, localID string) error
	GetDeadLettered(ctx context.Context) ([]*PendingOperation, error)
	PendingCount(ctx context.Context) (int, error)

	// Cache
	GetCache(ctx context.Context, entityType, localID string) (*CacheEntry, error)
	GetCacheByServerID(ctx context.Context, entityType, serverID string) (*CacheEntry, error)
	ListCache(ctx context.Context, entityType string) ([]*CacheEntry, error)
	PutCache(ctx context.Context, entry *CacheEntry) error
	DeleteCache(ctx context.Context, entityType, localID string) error

	// Sync bookkeeping
	LastSync(ctx context.Context) (time.Time, error)
	SetLastSync(ctx context.Context, t time.Time) error

	// Diagnostics / lifecycle
	StorageInfo(ctx context.Context) (*StorageInfo, error)
	Clear(ctx context.Context) error
	Close() error
}
