// Package docstore is the shared chat-message document store.
//
// It is deliberately narrow: one message document per chat entry, with
// get/update/create/delete and nothing else. Callers assume only that a
// completed write is readable afterwards.
package docstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound indicates a requested message document is missing.
var ErrNotFound = errors.New("message not found")

// Message is one chat entry document: rendered markup plus opaque flags.
type Message struct {
	ID        string
	TableID   string
	Author    string
	Content   string
	Flags     []byte
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Patch updates a subset of a message's mutable fields. Nil fields are left
// untouched.
type Patch struct {
	Content *string
	Flags   []byte
}

// Store persists message documents in sqlite.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the store at path.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func initPragmas(db *sql.DB) error {
	// WAL is much faster for the update-heavy roll workload; NORMAL is a
	// decent durability/perf tradeoff for a chat transcript.
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return fmt.Errorf("pragma %q: %w", p, err)
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	const schema = `
CREATE TABLE IF NOT EXISTS messages (
	id         TEXT PRIMARY KEY,
	table_id   TEXT NOT NULL,
	author     TEXT NOT NULL,
	content    TEXT NOT NULL,
	flags      TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_table ON messages(table_id, created_at);
`
	_, err := db.Exec(schema)
	return err
}

func (s *Store) Close() error { return s.db.Close() }

// CreateChild inserts a new message document under its table.
func (s *Store) CreateChild(ctx context.Context, msg Message) error {
	now := time.Now().UTC()
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now
	}
	msg.UpdatedAt = msg.CreatedAt
	_, err := s.db.ExecContext(ctx, `
INSERT INTO messages (id, table_id, author, content, flags, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.TableID, msg.Author, msg.Content, string(msg.Flags),
		msg.CreatedAt.UnixMilli(), msg.UpdatedAt.UnixMilli())
	return err
}

// Get fetches one message document.
func (s *Store) Get(ctx context.Context, id string) (Message, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, table_id, author, content, flags, created_at, updated_at
FROM messages WHERE id = ?`, id)

	var m Message
	var flags string
	var created, updated int64
	err := row.Scan(&m.ID, &m.TableID, &m.Author, &m.Content, &flags, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return Message{}, ErrNotFound
	}
	if err != nil {
		return Message{}, err
	}
	if flags != "" {
		m.Flags = []byte(flags)
	}
	m.CreatedAt = time.UnixMilli(created).UTC()
	m.UpdatedAt = time.UnixMilli(updated).UTC()
	return m, nil
}

// Update applies a patch to one message document.
func (s *Store) Update(ctx context.Context, id string, patch Patch) error {
	cur, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if patch.Content != nil {
		cur.Content = *patch.Content
	}
	if patch.Flags != nil {
		cur.Flags = patch.Flags
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE messages SET content = ?, flags = ?, updated_at = ? WHERE id = ?`,
		cur.Content, string(cur.Flags), time.Now().UTC().UnixMilli(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes one message document. Deleting a missing message is not an
// error.
func (s *Store) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, id)
	return err
}

// ListTable returns all messages for a table in creation order, for transcript
// replay on reconnect.
func (s *Store) ListTable(ctx context.Context, tableID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, table_id, author, content, flags, created_at, updated_at
FROM messages WHERE table_id = ? ORDER BY created_at, id`, tableID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		var flags string
		var created, updated int64
		if err := rows.Scan(&m.ID, &m.TableID, &m.Author, &m.Content, &flags, &created, &updated); err != nil {
			return nil, err
		}
		if flags != "" {
			m.Flags = []byte(flags)
		}
		m.CreatedAt = time.UnixMilli(created).UTC()
		m.UpdatedAt = time.UnixMilli(updated).UTC()
		out = append(out, m)
	}
	return out, rows.Err()
}
