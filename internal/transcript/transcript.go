// Package transcript journals completed conversation turns to SQLite.
// The journal is write-only from the chat loop's point of view: history is
// never rebuilt from it.
package transcript

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"ForestChat/internal/session"

	_ "github.com/mattn/go-sqlite3"
)

// Store is a SQLite-backed turn journal
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the journal database at path
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	createSessionsTable := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		start_time DATETIME,
		deployment TEXT
	);`

	createMessagesTable := `
	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT,
		seq INTEGER,
		role TEXT,
		content TEXT,
		timestamp DATETIME,
		FOREIGN KEY(session_id) REFERENCES sessions(id),
		UNIQUE(session_id, seq)
	);`

	if _, err := db.Exec(createSessionsTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create sessions table: %w", err)
	}

	if _, err := db.Exec(createMessagesTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create messages table: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database
func (s *Store) Close() error {
	return s.db.Close()
}

// RecordSession stores the session row and every message it holds so far
func (s *Store) RecordSession(ctx context.Context, sess *session.Session) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		"INSERT OR REPLACE INTO sessions (id, start_time, deployment) VALUES (?, ?, ?)",
		sess.ID, sess.StartTime, sess.Deployment,
	)
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}

	if err := insertMessages(ctx, tx, sess.ID, 0, sess.History.Messages()); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// RecordTurn stores one completed user/assistant pair. seq is the history
// index of the user message.
func (s *Store) RecordTurn(ctx context.Context, sessionID string, seq int, user, assistant session.Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := insertMessages(ctx, tx, sessionID, seq, []session.Message{user, assistant}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Messages reads a session's journal back in history order
func (s *Store) Messages(ctx context.Context, sessionID string) ([]session.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT role, content, timestamp FROM messages WHERE session_id = ? ORDER BY seq",
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load messages: %w", err)
	}
	defer rows.Close()

	messages := []session.Message{}
	for rows.Next() {
		var msg session.Message
		var ts time.Time
		if err := rows.Scan(&msg.Role, &msg.Content, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msg.Timestamp = ts
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate messages: %w", err)
	}
	return messages, nil
}

func insertMessages(ctx context.Context, tx *sql.Tx, sessionID string, firstSeq int, msgs []session.Message) error {
	for i, msg := range msgs {
		_, err := tx.ExecContext(ctx,
			"INSERT INTO messages (session_id, seq, role, content, timestamp) VALUES (?, ?, ?, ?, ?)",
			sessionID, firstSeq+i, msg.Role, msg.Content, msg.Timestamp,
		)
		if err != nil {
			return fmt.Errorf("failed to save message %d: %w", firstSeq+i, err)
		}
	}
	return nil
}
