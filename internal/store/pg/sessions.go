package pg

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/xiaoyubing999/openakita-sub001/internal/sessions"
)

// Store implements sessions.Store over the sessions table (see migrations).
type Store struct {
	db *sql.DB
}

// New connects, verifies the database is reachable, and refuses to serve a
// database whose schema does not match this binary. The schema is managed by
// migrations, not created here.
func New(dsn string) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres session store: dsn not configured")
	}
	db, err := OpenDB(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres session store: %w", err)
	}
	if err := checkSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres session store: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Load(key string) (*sessions.Session, error) {
	row := s.db.QueryRow(
		`SELECT session_key, channel, chat_id, user_id, messages, metadata, created_at, updated_at
		 FROM sessions WHERE session_key = $1`, key)
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
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (session_key) DO UPDATE SET
			channel = EXCLUDED.channel,
			chat_id = EXCLUDED.chat_id,
			user_id = EXCLUDED.user_id,
			messages = EXCLUDED.messages,
			metadata = EXCLUDED.metadata,
			updated_at = EXCLUDED.updated_at`,
		sess.Key, sess.Channel, sess.ChatID, sess.UserID,
		msgs, nullableJSON(meta), sess.Created, sess.Updated)
	return err
}

func (s *Store) Delete(key string) error {
	_, err := s.db.Exec(`DELETE FROM sessions WHERE session_key = $1`, key)
	return err
}

func (s *Store) Close() error { return s.db.Close() }

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (*sessions.Session, error) {
	var sess sessions.Session
	var msgs []byte
	var meta []byte

	if err := row.Scan(&sess.Key, &sess.Channel, &sess.ChatID, &sess.UserID, &msgs, &meta, &sess.Created, &sess.Updated); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(msgs, &sess.Messages); err != nil {
		return nil, fmt.Errorf("parse session %s messages: %w", sess.Key, err)
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &sess.Metadata); err != nil {
			return nil, fmt.Errorf("parse session %s metadata: %w", sess.Key, err)
		}
	}
	return &sess, nil
}

func nullableJSON(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return b
}
