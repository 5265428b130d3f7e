package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"notifyd/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) GetContact(ctx context.Context, userID string) (Contact, error) {
	var (
		addr     string
		verified int
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT address, verified FROM contacts WHERE user_id = ?`, userID,
	).Scan(&addr, &verified)
	if errors.Is(err, sql.ErrNoRows) {
		return Contact{}, ErrNotFound
	}
	if err != nil {
		return Contact{}, err
	}
	return Contact{Address: addr, Verified: verified != 0}, nil
}

func (s *sqliteStore) UpsertContact(ctx context.Context, userID string, c Contact) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO contacts(user_id, address, verified) VALUES(?,?,?)
		 ON CONFLICT(user_id) DO UPDATE SET address=excluded.address, verified=excluded.verified`,
		userID, c.Address, boolInt(c.Verified),
	)
	return err
}

func (s *sqliteStore) GetPreferences(ctx context.Context, userID string) (map[string]bool, bool, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT kind, enabled FROM preferences WHERE user_id = ?`, userID)
	if err != nil {
		return nil, false, err
	}
	defer rows.Close()

	prefs := map[string]bool{}
	for rows.Next() {
		var (
			kind    string
			enabled int
		)
		if err := rows.Scan(&kind, &enabled); err != nil {
			return nil, false, err
		}
		prefs[kind] = enabled != 0
	}
	if err := rows.Err(); err != nil {
		return nil, false, err
	}
	if len(prefs) == 0 {
		return nil, false, nil
	}
	return prefs, true, nil
}

func (s *sqliteStore) SetPreference(ctx context.Context, userID, kind string, enabled bool) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO preferences(user_id, kind, enabled) VALUES(?,?,?)
		 ON CONFLICT(user_id, kind) DO UPDATE SET enabled=excluded.enabled`,
		userID, kind, boolInt(enabled),
	)
	return err
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, user_id, kind, correlation_id, recipient, transport_id, status, detail)
		 VALUES(?,?,?,?,?,?,?,?)`,
		e.At.UTC().Format(time.RFC3339Nano), e.UserID, e.Kind,
		nullStr(e.CorrelationID), nullStr(e.Recipient), nullStr(e.TransportID),
		e.Status, nullStr(e.Detail),
	)
	return err
}

func (s *sqliteStore) ListAudit(ctx context.Context, userID string, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT at, user_id, kind, correlation_id, recipient, transport_id, status, detail
		 FROM audit WHERE user_id = ? ORDER BY at DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var (
			e   AuditEntry
			at  string
			cid, rcpt, tid, detail sql.NullString
		)
		if err := rows.Scan(&at, &e.UserID, &e.Kind, &cid, &rcpt, &tid, &e.Status, &detail); err != nil {
			return nil, err
		}
		e.At, _ = time.Parse(time.RFC3339Nano, at)
		e.CorrelationID = cid.String
		e.Recipient = rcpt.String
		e.TransportID = tid.String
		e.Detail = detail.String
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *sqliteStore) PruneAudit(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM audit WHERE at < ?`, olderThan.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
