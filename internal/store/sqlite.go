// Package store persists relay users and messages in SQLite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"
)

var ErrUserNotFound = errors.New("user not found")

// fixed width so created_at sorts lexically
const tsLayout = "2006-01-02T15:04:05.000000000Z07:00"

type Direction string

const (
	DirectionSent     Direction = "sent"
	DirectionReceived Direction = "received"
)

type Message struct {
	ID        string
	Sender    string
	Recipient string
	Content   string
	CreatedAt time.Time
}

// HistoryEntry is a message seen from one participant's side.
type HistoryEntry struct {
	ID        string
	Direction Direction
	Content   string
	CreatedAt time.Time
}

// SQLiteStore implements relay persistence on SQLite.
type SQLiteStore struct {
	db *sql.DB

	entropyMu sync.Mutex
	entropy   *rand.Rand
}

// NewSQLiteStore opens or creates a SQLite database at the given path.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=foreign_keys(on)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	s := &SQLiteStore{
		db:      db,
		entropy: rand.New(rand.NewSource(time.Now().UnixNano())),
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) newID(t time.Time) string {
	s.entropyMu.Lock()
	defer s.entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), s.entropy).String()
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		username    TEXT PRIMARY KEY,
		created_at  TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS messages (
		id          TEXT PRIMARY KEY,
		sender      TEXT NOT NULL REFERENCES users(username),
		recipient   TEXT NOT NULL REFERENCES users(username),
		content     TEXT NOT NULL,
		created_at  TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_pair ON messages(sender, recipient, created_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// EnsureUser creates username on first sight.
func (s *SQLiteStore) EnsureUser(ctx context.Context, username string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (username, created_at) VALUES (?, ?) ON CONFLICT(username) DO NOTHING`,
		username, time.Now().UTC().Format(tsLayout))
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UserExists(ctx context.Context, username string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM users WHERE username = ?)`, username).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("query user: %w", err)
	}
	return exists, nil
}

// InsertMessage stores a message between two existing users.
func (s *SQLiteStore) InsertMessage(ctx context.Context, sender, recipient, content string, createdAt time.Time) (*Message, error) {
	for _, u := range []string{sender, recipient} {
		ok, err := s.UserExists(ctx, u)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUserNotFound, u)
		}
	}

	m := &Message{
		ID:        s.newID(createdAt),
		Sender:    sender,
		Recipient: recipient,
		Content:   content,
		CreatedAt: createdAt.UTC(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, sender, recipient, content, created_at) VALUES (?, ?, ?, ?, ?)`,
		m.ID, m.Sender, m.Recipient, m.Content, m.CreatedAt.Format(tsLayout))
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	return m, nil
}

// History returns the conversation between self and other, oldest first,
// with directions relative to self.
func (s *SQLiteStore) History(ctx context.Context, self, other string) ([]HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id,
			CASE WHEN sender = ? THEN 'sent' ELSE 'received' END,
			content, created_at
		FROM messages
		WHERE (sender = ? AND recipient = ?) OR (sender = ? AND recipient = ?)
		ORDER BY created_at, id`,
		self, self, other, other, self)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	out := []HistoryEntry{}
	for rows.Next() {
		var (
			e       HistoryEntry
			dir, ts string
		)
		if err := rows.Scan(&e.ID, &dir, &e.Content, &ts); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		e.Direction = Direction(dir)
		e.CreatedAt, err = time.Parse(tsLayout, ts)
		if err != nil {
			return nil, fmt.Errorf("parse created_at: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
