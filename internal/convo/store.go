// Package convo persists conversation history to sqlite. Appends are
// best-effort from the pipeline's point of view: a failed insert is a
// returned error the caller logs and moves past, never a failed turn.
package convo

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Direction marks which way a message travelled.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// Message is one stored conversation entry.
type Message struct {
	ID         int64
	SessionKey string
	Direction  Direction
	Text       string
	Metadata   map[string]string
	CreatedAt  time.Time
}

// Store wraps the sqlite conversation database.
type Store struct {
	db *sql.DB
}

func Open(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create conversation db dir: %w", err)
	}
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?cache=shared&_pragma=foreign_keys(1)", dbPath))
	if err != nil {
		return nil, fmt.Errorf("open conversation db: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_key TEXT NOT NULL,
		direction TEXT NOT NULL,
		text TEXT NOT NULL,
		metadata TEXT,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_messages_session
		ON messages(session_key, id);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("migrate conversation db: %w", err)
	}
	return nil
}

// Append records one message.
func (s *Store) Append(sessionKey string, direction Direction, text string, metadata map[string]string) error {
	var meta any
	if len(metadata) > 0 {
		data, err := json.Marshal(metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
		meta = string(data)
	}
	_, err := s.db.Exec(
		`INSERT INTO messages (session_key, direction, text, metadata) VALUES (?, ?, ?, ?)`,
		sessionKey, string(direction), text, meta,
	)
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

// Recent returns the newest messages for a session, oldest first.
func (s *Store) Recent(sessionKey string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(
		`SELECT id, session_key, direction, text, metadata, created_at
		 FROM messages WHERE session_key = ?
		 ORDER BY id DESC LIMIT ?`,
		sessionKey, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		var meta sql.NullString
		if err := rows.Scan(&m.ID, &m.SessionKey, &m.Direction, &m.Text, &meta, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if meta.Valid && meta.String != "" {
			if err := json.Unmarshal([]byte(meta.String), &m.Metadata); err != nil {
				m.Metadata = nil
			}
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}

	// Reverse into chronological order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// Count reports how many messages a session has.
func (s *Store) Count(sessionKey string) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM messages WHERE session_key = ?`, sessionKey).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}
