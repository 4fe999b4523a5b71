package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/loqalabs/loqa-scribe/internal/config"
)

// Lifecycle event types.
const (
	TypeRecordingStarted       = "recording.started"
	TypeRecordingStopped       = "recording.stopped"
	TypeRecordingFailed        = "recording.failed"
	TypeTranscriptionCompleted = "transcription.completed"
	TypeTranscriptionFailed    = "transcription.failed"
)

// Session kinds.
const (
	KindRecording     = "recording"
	KindTranscription = "transcription"
)

// Event represents a recorded timeline entry.
type Event struct {
	ID        int64
	SessionID string
	Type      string
	Payload   []byte
	CreatedAt time.Time
}

// Session is one recording or transcription job.
type Session struct {
	ID        string
	Kind      string
	CreatedAt time.Time
}

// Store wraps a SQLite-backed event timeline store.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the event store according to config.
func Open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Store, error) {
	log = log.With(slog.String("component", "eventstore"))
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
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
		if err := s.vacuum(ctx); err != nil {
			log.Warn("event store vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("event store prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	ddl := `
CREATE TABLE IF NOT EXISTS sessions (
    session_id TEXT PRIMARY KEY,
    kind TEXT NOT NULL,
    created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    event_type TEXT NOT NULL,
    payload BLOB,
    created_at INTEGER NOT NULL,
    FOREIGN KEY(session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_events_session_created ON events(session_id, created_at);
CREATE INDEX IF NOT EXISTS idx_sessions_created ON sessions(created_at);
`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

func (s *Store) vacuum(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

func (s *Store) disabled() bool {
	return s.cfg.RetentionMode == "ephemeral" || s.db == nil
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// AppendSession ensures a session row exists.
func (s *Store) AppendSession(ctx context.Context, sessionID, kind string) error {
	if s.disabled() {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions(session_id, kind, created_at)
		 VALUES(?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET kind=excluded.kind`,
		sessionID, kind, s.clock().UnixNano())
	return err
}

// AppendEvent writes an event into the store.
func (s *Store) AppendEvent(ctx context.Context, evt Event) error {
	if s.disabled() {
		return nil
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = s.clock()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events(session_id, event_type, payload, created_at)
		 VALUES(?, ?, ?, ?)`,
		evt.SessionID, evt.Type, evt.Payload, evt.CreatedAt.UnixNano())
	return err
}

// AppendJSON marshals v as the payload of a new event.
func (s *Store) AppendJSON(ctx context.Context, sessionID, eventType string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", eventType, err)
	}
	return s.AppendEvent(ctx, Event{SessionID: sessionID, Type: eventType, Payload: payload})
}

// ListSessionEvents retrieves up to limit events for a session ordered ascending by time.
func (s *Store) ListSessionEvents(ctx context.Context, sessionID string, limit int) ([]Event, error) {
	if s.disabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, event_type, payload, created_at
		 FROM events WHERE session_id = ? ORDER BY created_at ASC, id ASC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var created int64
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Type, &e.Payload, &created); err != nil {
			return nil, err
		}
		e.CreatedAt = time.Unix(0, created)
		events = append(events, e)
	}
	return events, rows.Err()
}

// ListSessions returns the newest sessions first.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]Session, error) {
	if s.disabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, kind, created_at FROM sessions ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var sess Session
		var created int64
		if err := rows.Scan(&sess.ID, &sess.Kind, &created); err != nil {
			return nil, err
		}
		sess.CreatedAt = time.Unix(0, created)
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// Prune applies configured retention (called on startup and can be scheduled).
func (s *Store) Prune(ctx context.Context) (err error) {
	if s.disabled() {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour).UnixNano()
		if _, err = tx.ExecContext(ctx, `DELETE FROM events WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE created_at < ?`, cutoff); err != nil {
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
