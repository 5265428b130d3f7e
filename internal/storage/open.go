package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"notifyd/pkg/logx"
)

// Store is the persistence API behind the dispatch engine: the user
// directory, the preference records, and the append-only audit log.
//
// Preference semantics: (prefs, false, nil) means no record exists at all for
// the user; a present map missing a specific kind means that kind was never
// set. Both default to opt-in at the gate.
//
// AppendAudit is append-only from the engine's perspective; PruneAudit exists
// for the retention job, which is an administrative operation.
type Store interface {
	GetContact(ctx context.Context, userID string) (Contact, error)
	UpsertContact(ctx context.Context, userID string, c Contact) error

	GetPreferences(ctx context.Context, userID string) (map[string]bool, bool, error)
	SetPreference(ctx context.Context, userID, kind string, enabled bool) error

	AppendAudit(ctx context.Context, e AuditEntry) error
	ListAudit(ctx context.Context, userID string, limit int) ([]AuditEntry, error)
	PruneAudit(ctx context.Context, olderThan time.Time) (int64, error)

	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "postgres", "pgx":
		return openPostgres(context.Background(), cfg, log)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, errors.New("unknown storage driver: " + cfg.Driver)
	}
}
