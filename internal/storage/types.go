package storage

import (
	"context"
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures the audit store.
//
// Driver values:
//   - "file": dependency-free JSON Lines backend
//   - "sqlite": SQLite database file (requires the sqlite build tag)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// AuditEntry records one scheduler action: an API mutation or a settled
// job run. Keep it compact and schema-stable.
type AuditEntry struct {
	At     time.Time
	Action string // job.add, job.update, job.remove, job.run
	JobID  string
	Status string // ok, error, skipped (runs only)
	Error  string
	TookMS int64
	Meta   string // optional JSON blob
}

// Store is the minimal persistence API used by the scheduler.
type Store interface {
	AppendAudit(ctx context.Context, e AuditEntry) error
	Close() error
}
