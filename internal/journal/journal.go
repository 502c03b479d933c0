// Package journal records terminal outcomes per chat message ID so that a
// redelivered event is acknowledged without re-running the pipeline. It
// complements the store writer's URL-keyed idempotency: the journal stops
// duplicate work, the writer stops duplicate records.
package journal

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS processed_messages (
    message_id   TEXT PRIMARY KEY,
    chat_id      TEXT NOT NULL,
    url          TEXT,
    ok           INTEGER NOT NULL,
    stage        TEXT,
    error_kind   TEXT,
    record_url   TEXT,
    processed_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_processed_chat ON processed_messages(chat_id);
`

// Entry is one journaled outcome.
type Entry struct {
	MessageID   string
	ChatID      string
	URL         string
	OK          bool
	Stage       string
	ErrorKind   string
	RecordURL   string
	ProcessedAt time.Time
}

// Journal wraps a SQLite database of processed messages.
type Journal struct {
	conn *sql.DB
}

// Open creates or opens the journal database at the given path.
func Open(dbPath string) (*Journal, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening journal: %w", err)
	}

	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}
	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrating schema: %w", err)
	}

	return &Journal{conn: conn}, nil
}

// Close closes the database connection.
func (j *Journal) Close() error {
	return j.conn.Close()
}

// Seen reports whether messageID already has a journaled outcome.
func (j *Journal) Seen(messageID string) (bool, error) {
	var n int
	err := j.conn.QueryRow(
		"SELECT COUNT(*) FROM processed_messages WHERE message_id = ?", messageID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("querying journal: %w", err)
	}
	return n > 0, nil
}

// Record journals the terminal outcome for a message. Recording the same
// message ID twice keeps the first entry.
func (j *Journal) Record(e Entry) error {
	if e.ProcessedAt.IsZero() {
		e.ProcessedAt = time.Now().UTC()
	}
	_, err := j.conn.Exec(`
		INSERT OR IGNORE INTO processed_messages
		(message_id, chat_id, url, ok, stage, error_kind, record_url, processed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.MessageID, e.ChatID, e.URL, boolToInt(e.OK), e.Stage, e.ErrorKind, e.RecordURL,
		e.ProcessedAt.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("recording outcome: %w", err)
	}
	return nil
}

// Get returns the journaled entry for messageID, or nil.
func (j *Journal) Get(messageID string) (*Entry, error) {
	row := j.conn.QueryRow(`
		SELECT message_id, chat_id, url, ok, stage, error_kind, record_url, processed_at
		FROM processed_messages WHERE message_id = ?`, messageID)

	var e Entry
	var ok int
	var processedAt string
	err := row.Scan(&e.MessageID, &e.ChatID, &e.URL, &ok, &e.Stage, &e.ErrorKind, &e.RecordURL, &processedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying journal: %w", err)
	}
	e.OK = ok != 0
	e.ProcessedAt, _ = time.Parse(time.RFC3339, processedAt)
	return &e, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
