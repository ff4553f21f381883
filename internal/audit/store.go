// Package audit keeps a persistent trail of every command run through
// a build environment. Events land in a local SQLite database in the
// state directory and can be queried per session, which is how a CI
// run's full command history is reconstructed after the fact.
package audit

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Event is one recorded command execution.
type Event struct {
	// ID uniquely identifies the event.
	ID string

	// SessionID groups events belonging to one run.
	SessionID string

	// Backend is the executor backend ("host", "lxd", "multipass").
	Backend string

	// Instance is the environment name (empty for host).
	Instance string

	// CommandLine is the executed command, space-joined.
	CommandLine string

	// ExitCode of the command (-1 when it never ran).
	ExitCode int

	// Killed reports the command was terminated by timeout or cancel.
	Killed bool

	// Duration of the execution.
	Duration time.Duration

	// StartedAt is when execution began.
	StartedAt time.Time
}

// started_at is Unix nanoseconds so ORDER BY compares numerically;
// a textual timestamp column does not sort correctly across events
// with and without fractional seconds.
const schema = `
CREATE TABLE IF NOT EXISTS events (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	backend TEXT NOT NULL,
	instance TEXT NOT NULL,
	command_line TEXT NOT NULL,
	exit_code INTEGER NOT NULL,
	killed INTEGER NOT NULL,
	duration_ms INTEGER NOT NULL,
	started_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_session ON events(session_id);
`

// Store is the SQLite-backed event store.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the store at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit store: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize audit store: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the store.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record inserts an event.
func (s *Store) Record(event Event) error {
	_, err := s.db.Exec(`
		INSERT INTO events
			(id, session_id, backend, instance, command_line,
			 exit_code, killed, duration_ms, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.ID, event.SessionID, event.Backend, event.Instance,
		event.CommandLine, event.ExitCode, boolToInt(event.Killed),
		event.Duration.Milliseconds(), event.StartedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to record audit event: %w", err)
	}
	return nil
}

// BySession returns the events for a session in execution order.
func (s *Store) BySession(sessionID string) ([]Event, error) {
	rows, err := s.db.Query(`
		SELECT id, session_id, backend, instance, command_line,
		       exit_code, killed, duration_ms, started_at
		FROM events WHERE session_id = ? ORDER BY started_at`,
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			event      Event
			killed     int
			durationMs int64
			startedAt  int64
		)
		if err := rows.Scan(&event.ID, &event.SessionID, &event.Backend,
			&event.Instance, &event.CommandLine, &event.ExitCode,
			&killed, &durationMs, &startedAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}
		event.Killed = killed != 0
		event.Duration = time.Duration(durationMs) * time.Millisecond
		event.StartedAt = time.Unix(0, startedAt).UTC()
		events = append(events, event)
	}
	return events, rows.Err()
}

// Sessions returns the known session IDs, most recent first.
func (s *Store) Sessions() ([]string, error) {
	rows, err := s.db.Query(`
		SELECT session_id FROM events
		GROUP BY session_id ORDER BY MAX(started_at) DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, id)
	}
	return sessions, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// joinCommand renders a binary and arguments for storage.
func joinCommand(binary string, arguments []string) string {
	if len(arguments) == 0 {
		return binary
	}
	return binary + " " + strings.Join(arguments, " ")
}
