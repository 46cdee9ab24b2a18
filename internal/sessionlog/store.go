package sessionlog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// ErrNotFound indicates a missing or already closed session.
var ErrNotFound = errors.New("sessionlog: session not found")

// Reason recorded when a stale open session is displaced by a new start.
const ReasonSuperseded = "Superseded"

// Session is one persisted charging episode. StopTS is nil exactly
// while the session is the current open one.
type Session struct {
	ID            int64      `json:"session_id"`
	TransactionID string     `json:"transaction_id"`
	BackendID     string     `json:"backend_id"`
	StartTS       time.Time  `json:"start_ts"`
	StopTS        *time.Time `json:"stop_ts,omitempty"`
	StartMeterWh  int64      `json:"start_meter_wh"`
	StopMeterWh   *int64     `json:"stop_meter_wh,omitempty"`
	Reason        string     `json:"reason,omitempty"`
}

// EnergyWh is the consumed energy; zero while the session is open.
func (s Session) EnergyWh() int64 {
	if s.StopMeterWh == nil {
		return 0
	}
	return *s.StopMeterWh - s.StartMeterWh
}

// Filter narrows session queries.
type Filter struct {
	From      *time.Time
	To        *time.Time
	BackendID string
}

// Store persists sessions through database/sql. The path selects the
// driver: a postgres:// DSN uses pgx, anything else is a sqlite file.
type Store struct {
	db       *sql.DB
	postgres bool
	logger   *zap.Logger
}

// Open connects to the store at path and ensures the schema exists.
func Open(ctx context.Context, path string, logger *zap.Logger) (*Store, error) {
	postgres := strings.HasPrefix(path, "postgres://") || strings.HasPrefix(path, "postgresql://")
	driver, dsn := "sqlite", path
	if postgres {
		driver = "pgx"
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("sessionlog: open %s: %w", driver, err)
	}
	if !postgres {
		// The sqlite driver serializes writes; a single connection
		// avoids database-locked errors from concurrent readers.
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db, postgres: postgres, logger: logger}
	if err := store.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) migrate(ctx context.Context) error {
	idColumn := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if s.postgres {
		idColumn = "BIGSERIAL PRIMARY KEY"
	}
	createTable := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS sessions (
			id %s,
			tx_id TEXT NOT NULL DEFAULT '',
			backend_id TEXT NOT NULL DEFAULT '',
			start_ts TEXT NOT NULL,
			stop_ts TEXT,
			start_meter_wh BIGINT NOT NULL DEFAULT 0,
			stop_meter_wh BIGINT,
			reason TEXT NOT NULL DEFAULT ''
		)`, idColumn)
	if _, err := s.db.ExecContext(ctx, createTable); err != nil {
		return fmt.Errorf("sessionlog: create table: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`CREATE INDEX IF NOT EXISTS sessions_start_ts ON sessions (start_ts)`); err != nil {
		return fmt.Errorf("sessionlog: create index: %w", err)
	}
	return nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) rebind(query string) string {
	if !s.postgres {
		return query
	}
	var b strings.Builder
	arg := 0
	for _, r := range query {
		if r == '?' {
			arg++
			fmt.Fprintf(&b, "$%d", arg)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// OpenSession records a transaction start and returns the session id.
// The write is durable before the call returns. A session still open at
// this point is closed with reason Superseded first, so at most one
// open session exists.
func (s *Store) OpenSession(ctx context.Context, backendID, transactionID string, startMeterWh int64, startTS time.Time) (int64, error) {
	if open, err := s.CurrentOpen(ctx); err == nil && open != nil {
		s.logger.Warn("open session displaced by new start",
			zap.Int64("session_id", open.ID),
			zap.String("transaction_id", open.TransactionID))
		if err := s.CloseSession(ctx, open.ID, open.StartMeterWh, startTS, ReasonSuperseded); err != nil {
			return 0, err
		}
	} else if err != nil {
		return 0, err
	}

	query := s.rebind(`
		INSERT INTO sessions (tx_id, backend_id, start_ts, start_meter_wh, reason)
		VALUES (?, ?, ?, ?, '')
		RETURNING id`)
	var id int64
	err := s.db.QueryRowContext(ctx, query,
		transactionID, backendID, formatTS(startTS), startMeterWh).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("sessionlog: open session: %w", err)
	}
	return id, nil
}

// CloseSession finalizes an open session.
func (s *Store) CloseSession(ctx context.Context, id int64, stopMeterWh int64, stopTS time.Time, reason string) error {
	query := s.rebind(`
		UPDATE sessions
		SET stop_ts = ?, stop_meter_wh = ?, reason = ?
		WHERE id = ? AND stop_ts IS NULL`)
	result, err := s.db.ExecContext(ctx, query, formatTS(stopTS), stopMeterWh, reason, id)
	if err != nil {
		return fmt.Errorf("sessionlog: close session: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// CurrentOpen returns the open session, or nil when none is.
func (s *Store) CurrentOpen(ctx context.Context) (*Session, error) {
	query := s.rebind(`
		SELECT id, tx_id, backend_id, start_ts, stop_ts, start_meter_wh, stop_meter_wh, reason
		FROM sessions
		WHERE stop_ts IS NULL
		ORDER BY id DESC
		LIMIT 1`)
	row := s.db.QueryRowContext(ctx, query)
	session, err := scanSession(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return session, nil
}

// ListSessions returns sessions matching the filter, oldest first.
func (s *Store) ListSessions(ctx context.Context, f Filter) ([]Session, error) {
	query := `
		SELECT id, tx_id, backend_id, start_ts, stop_ts, start_meter_wh, stop_meter_wh, reason
		FROM sessions`
	var conditions []string
	var args []any
	if f.From != nil {
		conditions = append(conditions, "start_ts >= ?")
		args = append(args, formatTS(*f.From))
	}
	if f.To != nil {
		conditions = append(conditions, "start_ts <= ?")
		args = append(args, formatTS(*f.To))
	}
	if f.BackendID != "" {
		conditions = append(conditions, "backend_id = ?")
		args = append(args, f.BackendID)
	}
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY id"

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("sessionlog: list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		session, err := scanSession(rows.Scan)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *session)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return sessions, nil
}

func scanSession(scan func(...any) error) (*Session, error) {
	var session Session
	var startTS string
	var stopTS sql.NullString
	var stopMeter sql.NullInt64
	if err := scan(
		&session.ID,
		&session.TransactionID,
		&session.BackendID,
		&startTS,
		&stopTS,
		&session.StartMeterWh,
		&stopMeter,
		&session.Reason,
	); err != nil {
		return nil, err
	}
	start, err := parseTS(startTS)
	if err != nil {
		return nil, err
	}
	session.StartTS = start
	if stopTS.Valid {
		stop, err := parseTS(stopTS.String)
		if err != nil {
			return nil, err
		}
		session.StopTS = &stop
	}
	if stopMeter.Valid {
		value := stopMeter.Int64
		session.StopMeterWh = &value
	}
	return &session, nil
}

// Timestamps persist as ISO-8601 UTC with seconds precision.
func formatTS(t time.Time) string {
	return t.UTC().Truncate(time.Second).Format(time.RFC3339)
}

func parseTS(raw string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("sessionlog: bad timestamp %q: %w", raw, err)
	}
	return t.UTC(), nil
}
