package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free file backend (jsonl)
//   - "sqlite": SQLite database file (optional build tag)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// AuditEntry records one diagnostic event in the audit trail.
// Keep it compact and schema-stable.
type AuditEntry struct {
	At             time.Time `json:"at"`
	ChannelID      int64     `json:"channel_id"`
	Kind           string    `json:"kind"`
	Error          string    `json:"error,omitempty"`
	ContentSummary string    `json:"content_summary,omitempty"`
}
