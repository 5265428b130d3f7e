package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"notifyd/pkg/logx"
)

const pgSchema = `
CREATE TABLE IF NOT EXISTS contacts (
    user_id  TEXT PRIMARY KEY,
    address  TEXT NOT NULL,
    verified BOOLEAN NOT NULL DEFAULT FALSE
);
CREATE TABLE IF NOT EXISTS preferences (
    user_id TEXT NOT NULL,
    kind    TEXT NOT NULL,
    enabled BOOLEAN NOT NULL,
    PRIMARY KEY (user_id, kind)
);
CREATE TABLE IF NOT EXISTS audit (
    id             BIGSERIAL PRIMARY KEY,
    at             TIMESTAMPTZ NOT NULL,
    user_id        TEXT NOT NULL,
    kind           TEXT NOT NULL,
    correlation_id TEXT,
    recipient      TEXT,
    transport_id   TEXT,
    status         TEXT NOT NULL,
    detail         TEXT
);
CREATE INDEX IF NOT EXISTS idx_audit_user_at ON audit(user_id, at);
CREATE INDEX IF NOT EXISTS idx_audit_at ON audit(at);
`

type postgresStore struct {
	pool *pgxpool.Pool
	log  logx.Logger
}

func openPostgres(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("postgres dsn is required")
	}
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, err
	}
	if _, err := pool.Exec(ctx, pgSchema); err != nil {
		pool.Close()
		return nil, err
	}
	return &postgresStore{pool: pool, log: log}, nil
}

func (s *postgresStore) Close() error {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func (s *postgresStore) GetContact(ctx context.Context, userID string) (Contact, error) {
	var c Contact
	err := s.pool.QueryRow(ctx,
		`SELECT address, verified FROM contacts WHERE user_id = $1`, userID,
	).Scan(&c.Address, &c.Verified)
	if errors.Is(err, pgx.ErrNoRows) {
		return Contact{}, ErrNotFound
	}
	if err != nil {
		return Contact{}, err
	}
	return c, nil
}

func (s *postgresStore) UpsertContact(ctx context.Context, userID string, c Contact) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO contacts(user_id, address, verified) VALUES($1,$2,$3)
		 ON CONFLICT(user_id) DO UPDATE SET address=excluded.address, verified=excluded.verified`,
		userID, c.Address, c.Verified,
	)
	return err
}

func (s *postgresStore) GetPreferences(ctx context.Context, userID string) (map[string]bool, bool, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT kind, enabled FROM preferences WHERE user_id = $1`, userID)
	if err != nil {
		return nil, false, err
	}
	defer rows.Close()

	prefs := map[string]bool{}
	for rows.Next() {
		var (
			kind    string
			enabled bool
		)
		if err := rows.Scan(&kind, &enabled); err != nil {
			return nil, false, err
		}
		prefs[kind] = enabled
	}
	if err := rows.Err(); err != nil {
		return nil, false, err
	}
	if len(prefs) == 0 {
		return nil, false, nil
	}
	return prefs, true, nil
}

func (s *postgresStore) SetPreference(ctx context.Context, userID, kind string, enabled bool) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO preferences(user_id, kind, enabled) VALUES($1,$2,$3)
		 ON CONFLICT(user_id, kind) DO UPDATE SET enabled=excluded.enabled`,
		userID, kind, enabled,
	)
	return err
}

func (s *postgresStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO audit(at, user_id, kind, correlation_id, recipient, transport_id, status, detail)
		 VALUES($1,$2,$3,$4,$5,$6,$7,$8)`,
		e.At.UTC(), e.UserID, e.Kind,
		nullStr(e.CorrelationID), nullStr(e.Recipient), nullStr(e.TransportID),
		e.Status, nullStr(e.Detail),
	)
	return err
}

func (s *postgresStore) ListAudit(ctx context.Context, userID string, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT at, user_id, kind, COALESCE(correlation_id,''), COALESCE(recipient,''),
		        COALESCE(transport_id,''), status, COALESCE(detail,'')
		 FROM audit WHERE user_id = $1 ORDER BY at DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(&e.At, &e.UserID, &e.Kind, &e.CorrelationID,
			&e.Recipient, &e.TransportID, &e.Status, &e.Detail); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *postgresStore) PruneAudit(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM audit WHERE at < $1`, olderThan.UTC())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
