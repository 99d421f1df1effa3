// Package eventstore keeps an optional per-session timeline of recognized
// signs and built sentences. Only labels and text are stored, never frames.
package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/loqalabs/loqa-signs/internal/config"
)

const (
	RetentionEphemeral  = "ephemeral"
	RetentionSession    = "session"
	RetentionPersistent = "persistent"
)

type Kind string

const (
	KindSign     Kind = "sign"
	KindSentence Kind = "sentence"
	KindMode     Kind = "mode"
)

// Entry is one timeline record. Label holds the sign label, the sentence
// text or the mode name depending on Kind.
type Entry struct {
	ID         int64
	SessionID  string
	TraceID    string
	Kind       Kind
	Label      string
	Confidence float64
	Signs      []string
	Trigger    string
	Fallback   bool
	CreatedAt  time.Time
}

// Store wraps the SQLite timeline. In ephemeral mode it has no database and
// every write is a no-op.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the store according to cfg.
func Open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Store, error) {
	log = log.With(slog.String("component", "eventstore"))
	if cfg.RetentionMode == RetentionEphemeral {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// foreign_keys is per connection.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	if cfg.VacuumOnStart {
		if _, err := db.ExecContext(ctx, "VACUUM"); err != nil {
			log.Warn("event store vacuum failed", slog.String("error", err.Error()))
		}
	}
	if err := s.Prune(ctx); err != nil {
		log.Warn("event store prune on start failed", slog.String("error", err.Error()))
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS sessions (
    session_id TEXT PRIMARY KEY,
    mode TEXT,
    created_at INTEGER NOT NULL,
    closed_at INTEGER
);
CREATE TABLE IF NOT EXISTS timeline (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    trace_id TEXT,
    kind TEXT NOT NULL,
    label TEXT,
    confidence REAL,
    signs TEXT,
    trigger_name TEXT,
    fallback INTEGER NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL,
    FOREIGN KEY(session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_timeline_session_created ON timeline(session_id, created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

// Enabled reports whether writes reach a database.
func (s *Store) Enabled() bool {
	return s != nil && s.db != nil
}

func (s *Store) Close() error {
	if !s.Enabled() {
		return nil
	}
	return s.db.Close()
}

// OpenSession records the start of a session, or updates its mode.
func (s *Store) OpenSession(ctx context.Context, sessionID, mode string) error {
	if !s.Enabled() {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions(session_id, mode, created_at) VALUES(?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET mode=excluded.mode, closed_at=NULL`,
		sessionID, mode, s.clock().UnixNano())
	return err
}

// CloseSession marks the session closed. In session retention mode its
// timeline is dropped.
func (s *Store) CloseSession(ctx context.Context, sessionID string) error {
	if !s.Enabled() {
		return nil
	}
	if s.cfg.RetentionMode == RetentionSession {
		_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = ?`, sessionID)
		return err
	}
	_, err := s.db.ExecContext(ctx, `UPDATE sessions SET closed_at = ? WHERE session_id = ?`, s.clock().UnixNano(), sessionID)
	return err
}

// Append writes one entry. The session row must exist.
func (s *Store) Append(ctx context.Context, e Entry) error {
	if !s.Enabled() {
		return nil
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.clock()
	}
	var signs []byte
	if len(e.Signs) > 0 {
		var err error
		if signs, err = json.Marshal(e.Signs); err != nil {
			return err
		}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO timeline(session_id, trace_id, kind, label, confidence, signs, trigger_name, fallback, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.SessionID, e.TraceID, string(e.Kind), e.Label, e.Confidence, string(signs), e.Trigger, e.Fallback, e.CreatedAt.UnixNano())
	return err
}

// Timeline returns up to limit entries for a session, oldest first.
func (s *Store) Timeline(ctx context.Context, sessionID string, limit int) ([]Entry, error) {
	if !s.Enabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, trace_id, kind, label, confidence, signs, trigger_name, fallback, created_at
		 FROM timeline WHERE session_id = ? ORDER BY created_at ASC, id ASC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e       Entry
			kind    string
			signs   string
			created int64
		)
		if err := rows.Scan(&e.ID, &e.SessionID, &e.TraceID, &kind, &e.Label, &e.Confidence, &signs, &e.Trigger, &e.Fallback, &created); err != nil {
			return nil, err
		}
		e.Kind = Kind(kind)
		if signs != "" {
			if err := json.Unmarshal([]byte(signs), &e.Signs); err != nil {
				return nil, fmt.Errorf("decode signs of entry %d: %w", e.ID, err)
			}
		}
		e.CreatedAt = time.Unix(0, created)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Prune applies retention_days and max_sessions. Called on start and from
// the recognition housekeeping loop.
func (s *Store) Prune(ctx context.Context) (err error) {
	if !s.Enabled() {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour).UnixNano()
		if _, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM timeline WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
	}
	if s.cfg.MaxSessions > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE session_id IN (
			SELECT session_id FROM sessions ORDER BY created_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxSessions)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Ensure checks the store matches its retention mode.
func (s *Store) Ensure() error {
	if s.cfg.RetentionMode == RetentionEphemeral && s.db != nil {
		return errors.New("ephemeral store should not have database connection")
	}
	if s.cfg.RetentionMode != RetentionEphemeral && s.db == nil {
		return fmt.Errorf("%s store has no database connection", s.cfg.RetentionMode)
	}
	return nil
}
