package storage

import (
	"errors"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrClosed   = errors.New("storage closed")
)

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free file backend (jsonl journal + snapshot)
//   - "sqlite": SQLite database file (modernc.org/sqlite, no cgo)
//   - "memory", "" or "none": process-local only, nothing survives restart
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// AuditEntry records one completed review submission.
// Keep it compact and schema-stable.
type AuditEntry struct {
	At       time.Time `json:"at"`
	ItemID   string    `json:"item_id"`
	Handler  string    `json:"handler,omitempty"`
	Decision string    `json:"decision,omitempty"`
	Labels   []string  `json:"labels,omitempty"`
	// Confirmed reports whether the prompt for this item was acknowledged
	// before the submission.
	Confirmed   bool `json:"confirmed"`
	Escalations int  `json:"escalations,omitempty"`
}
