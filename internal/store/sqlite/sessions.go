// Package sqlite persists sessions in a single SQLite database file.
// Useful on hosts where a fleet of JSON files is awkward (backups, queries)
// but Postgres is overkill.
package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/xiaoyubing999/openakita-sub001/internal/sessions"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	session_key TEXT PRIMARY KEY,
	channel     TEXT NOT NULL DEFAULT '',
	chat_id     TEXT NOT NULL DEFAULT '',
	user_id     TEXT NOT NULL DEFAULT '',
	messages    TEXT NOT NULL DEFAULT '[]',
	metadata    TEXT,
	created_at  TIMESTAMP NOT NULL,
	updated_at  TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(updated_at);
`

// Store implements sessions.Store over one sessions table.
type Store struct {
	db *sql.DB
}

// New opens (creating if needed) the database file and ensures the schema.
func New(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite session store: path not configured")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("sqlite session store: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite session store: %w", err)
	}
	// SQLite serializes writers; a single connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite session store: create schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Load(key string) (*sessions.Session, error) {
	row := s.db.QueryRow(
		`SELECT session_key, channel, chat_id, user_id, messages, metadata, created_at, updated_at
		 FROM sessions WHERE session_key = ?`, key)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return sess, err
}

func (s *Store) LoadAll() ([]*sessions.Session, error) {
	rows, err := s.db.Query(
		`SELECT session_key, channel, chat_id, user_id, messages, metadata, created_at, updated_at
		 FROM sessions ORDER BY updated_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*sessions.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			continue
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func (s *Store) Save(sess *sessions.Session) error {
	msgs, err := json.Marshal(sess.Messages)
	if err != nil {
		return err
	}
	var meta []byte
	if len(sess.Metadata) > 0 {
		meta, err = json.Marshal(sess.Metadata)
		if err != nil {
			return err
		}
	}

	_, err = s.db.Exec(
		`INSERT INTO sessions (session_key, channel, chat_id, user_id, messages, metadata, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(session_key) DO UPDATE SET
			channel = excluded.channel,
			chat_id = excluded.chat_id,
			user_id = excluded.user_id,
			messages = excluded.messages,
			metadata = excluded.metadata,
			updated_at = excluded.updated_at`,
		sess.Key, sess.Channel, sess.ChatID, sess.UserID,
		string(msgs), nullableText(meta), sess.Created, sess.Updated)
	return err
}

func (s *Store) Delete(key string) error {
	_, err := s.db.Exec(`DELETE FROM sessions WHERE session_key = ?`, key)
	return err
}

func (s *Store) Close() error { return s.db.Close() }

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (*sessions.Session, error) {
	var sess sessions.Session
	var msgs string
	var meta sql.NullString
	var created, updated time.Time

	if err := row.Scan(&sess.Key, &sess.Channel, &sess.ChatID, &sess.UserID, &msgs, &meta, &created, &updated); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(msgs), &sess.Messages); err != nil {
		return nil, fmt.Errorf("parse session %s messages: %w", sess.Key, err)
	}
	if meta.Valid && meta.String != "" {
		if err := json.Unmarshal([]byte(meta.String), &sess.Metadata); err != nil {
			return nil, fmt.Errorf("parse session %s metadata: %w", sess.Key, err)
		}
	}
	sess.Created = created
	sess.Updated = updated
	return &sess, nil
}

func nullableText(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
