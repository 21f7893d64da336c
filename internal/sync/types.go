package sync

import (
	"time"
)

// Result is the immutable outcome of one sync run, broadcast to every
// caller and callback that joined the run.
type Result struct {
	Success     bool     `json:"success"`
	SyncedCount int      `json:"synced_count"`
	FailedCount int      `json:"failed_count"`
	Errors      []string `json:"errors,omitempty"`
}

// Status is the derived view of the engine. It is recomputed on demand from
// the store and the connectivity monitor, never stored. A nil LastSyncAt
// means the device has never synced; the field is omitted from JSON so a
// consumer cannot mistake it for a real timestamp.
type Status struct {
	IsOnline     bool       `json:"is_online"`
	IsSyncing    bool       `json:"is_syncing"`
	LastSyncAt   *time.Time `json:"last_sync_at,omitempty"`
	PendingCount int        `json:"pending_count"`
}
