package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/iishyfishyy/chatterm/internal/conversation"
)

// Entry is one completed turn as stored in the log.
type Entry struct {
	ID        int64
	SessionID string
	Timestamp time.Time
	conversation.Item
}

// Store is a local SQLite log of completed turns.
type Store struct {
	db *sql.DB
}

// NewSessionID returns a fresh id to group the turns of one chat.
func NewSessionID() string {
	return uuid.NewString()
}

// Open opens or creates the log at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create history directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}
	// one writer; avoids SQLITE_BUSY between pooled connections
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS turns (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		query TEXT NOT NULL,
		thinking TEXT NOT NULL DEFAULT '',
		command TEXT NOT NULL DEFAULT '',
		observation TEXT NOT NULL DEFAULT '',
		reply TEXT NOT NULL DEFAULT '',
		command_refused INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_turns_session ON turns(session_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Record appends a turn to the log.
func (s *Store) Record(ctx context.Context, sessionID string, item conversation.Item) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO turns (session_id, created_at, query, thinking, command, observation, reply, command_refused)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, sessionID, time.Now().UnixMilli(), item.Query, item.Thinking, item.Command, item.Observation, item.Reply, item.CommandRefused)
	if err != nil {
		return fmt.Errorf("failed to record turn: %w", err)
	}
	return nil
}

// Recent returns the last n turns, oldest first.
func (s *Store) Recent(ctx context.Context, n int) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, created_at, query, thinking, command, observation, reply, command_refused
		FROM (SELECT * FROM turns ORDER BY id DESC LIMIT ?)
		ORDER BY id ASC
	`, n)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var createdAt int64
		if err := rows.Scan(&e.ID, &e.SessionID, &createdAt, &e.Query, &e.Thinking, &e.Command, &e.Observation, &e.Reply, &e.CommandRefused); err != nil {
			return nil, fmt.Errorf("failed to read history row: %w", err)
		}
		e.Timestamp = time.UnixMilli(createdAt)
		e.ObservationReceived = true
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *Store) Close() error {
	return s.db.Close()
}
