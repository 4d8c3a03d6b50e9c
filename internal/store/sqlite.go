// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides channel event persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed. ":memory:" keeps the ledger in RAM.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	inMemory := path == ":memory:"
	if !inMemory {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if inMemory {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	} else if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS channel_events (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			event_id TEXT NOT NULL UNIQUE,
			channel_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			status TEXT,
			action TEXT,
			actor TEXT,
			created_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_channel_events_channel
			ON channel_events(channel_id, seq);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// SaveChannelEvent appends an event to the ledger
func (s *SQLiteStore) SaveChannelEvent(ctx context.Context, event *ChannelEvent) error {
	if err := event.Validate(); err != nil {
		return err
	}

	query := `
		INSERT INTO channel_events (event_id, channel_id, kind, status, action, actor, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		event.ID,
		event.ChannelID,
		string(event.Kind),
		nullString(event.Status),
		nullString(event.Action),
		nullString(event.Actor),
		event.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("inserting channel event: %w", err)
	}

	s.logger.Debug("saved channel event",
		"event_id", event.ID,
		"channel_id", event.ChannelID,
		"kind", event.Kind,
	)
	return nil
}

// ListChannelEvents returns the most recent events for a channel, oldest first.
func (s *SQLiteStore) ListChannelEvents(ctx context.Context, channelID string, limit int) ([]*ChannelEvent, error) {
	query := `
		SELECT event_id, channel_id, kind, status, action, actor, created_at
		FROM (
			SELECT * FROM channel_events
			WHERE channel_id = ?
			ORDER BY seq DESC
			LIMIT ?
		)
		ORDER BY seq ASC
	`

	rows, err := s.db.QueryContext(ctx, query, channelID, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("querying channel events: %w", err)
	}
	defer rows.Close()

	var events []*ChannelEvent
	for rows.Next() {
		var (
			e                     ChannelEvent
			kind, createdAt       string
			status, action, actor sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.ChannelID, &kind, &status, &action, &actor, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning channel event: %w", err)
		}
		e.Kind = EventKind(kind)
		e.Status = status.String
		e.Action = action.String
		e.Actor = actor.String
		e.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at %q: %w", createdAt, err)
		}
		events = append(events, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating channel events: %w", err)
	}

	return events, nil
}

// nullString maps empty strings to SQL NULL
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
