// Package store persists the (user, thread) to agent-session bindings and the
// per-thread model preference. A binding survives gateway restarts so a thread
// resumes its conversation via session/load.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/acpgate/acpgate/internal/common/sqlite"
)

const defaultBusyTimeout = 5 * time.Second

// DefaultModel is the model preference for threads that never picked one.
const DefaultModel = "auto"

// ErrNotFound is returned when no binding exists for the thread.
var ErrNotFound = errors.New("session binding not found")

// Binding maps a conversational thread to its agent session.
type Binding struct {
	UserID        int64     `db:"user_id"`
	ThreadID      int64     `db:"thread_id"`
	SessionID     string    `db:"session_id"`
	WorkspacePath string    `db:"workspace_path"`
	Model         string    `db:"model"`
	CreatedAt     time.Time `db:"created_at"`
	UpdatedAt     time.Time `db:"updated_at"`
}

// Store provides SQLite-backed binding storage.
type Store struct {
	db     *sqlx.DB
	ownsDB bool
}

// New opens (or creates) the database at path and initializes the schema.
func New(path string) (*Store, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	if dir := filepath.Dir(abs); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to prepare database path: %w", err)
		}
	}

	// Single writer connection with WAL avoids transient SQLITE_BUSY; the
	// gateway's write rate is one row per turn.
	dsn := fmt.Sprintf(
		"file:%s?_foreign_keys=on&_mode=rwc&_busy_timeout=%d&_journal_mode=WAL&_synchronous=NORMAL",
		abs,
		int(defaultBusyTimeout/time.Millisecond),
	)
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return newStore(db, true)
}

// NewWithDB wraps an existing connection (shared ownership). Used by tests.
func NewWithDB(db *sqlx.DB) (*Store, error) {
	return newStore(db, false)
}

func newStore(db *sqlx.DB, ownsDB bool) (*Store, error) {
	s := &Store{db: db, ownsDB: ownsDB}
	if err := s.initSchema(); err != nil {
		if ownsDB {
			_ = db.Close()
		}
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS sessions (
		user_id INTEGER NOT NULL,
		thread_id INTEGER NOT NULL,
		session_id TEXT NOT NULL,
		workspace_path TEXT NOT NULL DEFAULT '',
		model TEXT NOT NULL DEFAULT 'auto',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		PRIMARY KEY (user_id, thread_id)
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_session_id ON sessions(session_id);
	`)
	if err != nil {
		return err
	}
	// Databases created before the column existed.
	return sqlite.EnsureColumn(s.db.DB, "sessions", "workspace_path", "TEXT NOT NULL DEFAULT ''")
}

// Close closes the database connection.
func (s *Store) Close() error {
	if !s.ownsDB {
		return nil
	}
	return s.db.Close()
}

// Get returns the binding for a thread, or ErrNotFound.
func (s *Store) Get(ctx context.Context, userID, threadID int64) (*Binding, error) {
	var b Binding
	err := s.db.GetContext(ctx, &b,
		`SELECT user_id, thread_id, session_id, workspace_path, model, created_at, updated_at
		 FROM sessions WHERE user_id = ? AND thread_id = ?`,
		userID, threadID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get binding: %w", err)
	}
	if b.SessionID == "" {
		// Placeholder row created by SetModel before any turn ran.
		return nil, ErrNotFound
	}
	return &b, nil
}

// Bind records the session for a thread, replacing any previous binding.
// The model preference of an existing row is preserved.
func (s *Store) Bind(ctx context.Context, userID, threadID int64, sessionID, workspacePath string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (user_id, thread_id, session_id, workspace_path, model, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(user_id, thread_id) DO UPDATE SET
		   session_id = excluded.session_id,
		   workspace_path = excluded.workspace_path,
		   updated_at = excluded.updated_at`,
		userID, threadID, sessionID, workspacePath, DefaultModel, now, now)
	if err != nil {
		return fmt.Errorf("failed to bind session: %w", err)
	}
	return nil
}

// Delete removes the binding for a thread. Deleting a missing binding is not
// an error.
func (s *Store) Delete(ctx context.Context, userID, threadID int64) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE user_id = ? AND thread_id = ?`,
		userID, threadID)
	if err != nil {
		return fmt.Errorf("failed to delete binding: %w", err)
	}
	return nil
}

// SetModel stores the model preference for a thread. The preference is kept
// even before a session exists, via a placeholder binding row.
func (s *Store) SetModel(ctx context.Context, userID, threadID int64, model string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (user_id, thread_id, session_id, model, created_at, updated_at)
		 VALUES (?, ?, '', ?, ?, ?)
		 ON CONFLICT(user_id, thread_id) DO UPDATE SET
		   model = excluded.model,
		   updated_at = excluded.updated_at`,
		userID, threadID, model, now, now)
	if err != nil {
		return fmt.Errorf("failed to set model: %w", err)
	}
	return nil
}

// GetModel returns the model preference for a thread, defaulting to "auto".
func (s *Store) GetModel(ctx context.Context, userID, threadID int64) (string, error) {
	var model string
	err := s.db.GetContext(ctx, &model,
		`SELECT model FROM sessions WHERE user_id = ? AND thread_id = ?`,
		userID, threadID)
	if errors.Is(err, sql.ErrNoRows) {
		return DefaultModel, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get model: %w", err)
	}
	if model == "" {
		return DefaultModel, nil
	}
	return model, nil
}
