package storage

import (
	"errors"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	// ErrNotFound is returned by GetContact for unknown users.
	ErrNotFound = errors.New("user not found")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file (default)
//   - "postgres": shared database for multi-instance deployments
//   - "memory": volatile, for development and tests
type Config struct {
	Driver      string
	Path        string        // sqlite
	DSN         string        // postgres
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Contact is a user's delivery address plus verification state.
type Contact struct {
	Address  string
	Verified bool
}

// Audit statuses. Only terminal outcomes of attempted sends are recorded.
const (
	StatusSent   = "sent"
	StatusFailed = "failed"
)

// AuditEntry records one terminal dispatch outcome.
// Keep it compact and schema-stable.
type AuditEntry struct {
	At            time.Time
	UserID        string
	Kind          string
	CorrelationID string
	Recipient     string
	TransportID   string
	Status        string
	Detail        string
}
