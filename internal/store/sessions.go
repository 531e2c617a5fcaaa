package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	SessionKindChat    = "chat"
	SessionKindUpdates = "updates"
)

type Session struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Kind      string    `json:"kind"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Message struct {
	ID         int64      `json:"id"`
	SessionID  string     `json:"session_id"`
	UserID     string     `json:"user_id"`
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	CreatedAt  time.Time  `json:"created_at"`
	ArchivedAt *time.Time `json:"archived_at,omitempty"`
}

// GetOrCreateUpdatesSession returns the user's single assistant-updates
// session, creating it on first use. Chat-delivered triggers land here.
func (s *Store) GetOrCreateUpdatesSession(ctx context.Context, userID string) (*Session, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("updates session: user_id is required")
	}
	var sess Session
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin updates session tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		err = tx.QueryRowContext(ctx, `
			SELECT id, user_id, kind, created_at, updated_at
			FROM sessions
			WHERE user_id = ? AND kind = ?;
		`, userID, SessionKindUpdates).Scan(&sess.ID, &sess.UserID, &sess.Kind, &sess.CreatedAt, &sess.UpdatedAt)
		if err == nil {
			return tx.Commit()
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("select updates session: %w", err)
		}

		now := time.Now().UTC()
		sess = Session{ID: uuid.NewString(), UserID: userID, Kind: SessionKindUpdates, CreatedAt: now, UpdatedAt: now}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO sessions (id, user_id, kind, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?);
		`, sess.ID, sess.UserID, sess.Kind, sess.CreatedAt, sess.UpdatedAt); err != nil {
			return fmt.Errorf("insert updates session: %w", err)
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

// CreateSession inserts a plain chat session.
func (s *Store) CreateSession(ctx context.Context, userID string) (*Session, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("create session: user_id is required")
	}
	now := time.Now().UTC()
	sess := &Session{ID: uuid.NewString(), UserID: userID, Kind: SessionKindChat, CreatedAt: now, UpdatedAt: now}
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO sessions (id, user_id, kind, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?);
		`, sess.ID, sess.UserID, sess.Kind, sess.CreatedAt, sess.UpdatedAt)
		if err != nil {
			return fmt.Errorf("insert session: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sess, nil
}

func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	var sess Session
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, kind, created_at, updated_at FROM sessions WHERE id = ?;
	`, id).Scan(&sess.ID, &sess.UserID, &sess.Kind, &sess.CreatedAt, &sess.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("select session: %w", err)
	}
	return &sess, nil
}

// AppendMessage adds a message to a session and bumps the session's
// updated_at. Role must be user, assistant, or system.
func (s *Store) AppendMessage(ctx context.Context, sessionID, userID, role, content string) (int64, error) {
	role = strings.ToLower(strings.TrimSpace(role))
	switch role {
	case "user", "assistant", "system":
	default:
		return 0, fmt.Errorf("append message: invalid role %q", role)
	}
	var id int64
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin append message tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		res, err := tx.ExecContext(ctx, `
			INSERT INTO messages (session_id, user_id, role, content, created_at)
			VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP);
		`, sessionID, userID, role, content)
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		id, err = res.LastInsertId()
		if err != nil {
			return fmt.Errorf("message insert id: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE sessions SET updated_at = CURRENT_TIMESTAMP WHERE id = ?;
		`, sessionID); err != nil {
			return fmt.Errorf("touch session: %w", err)
		}
		return tx.Commit()
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// ListMessages returns a session's unarchived messages in insertion order.
func (s *Store) ListMessages(ctx context.Context, sessionID string, limit int) ([]Message, error) {
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, user_id, role, content, created_at, archived_at
		FROM messages
		WHERE session_id = ? AND archived_at IS NULL
		ORDER BY id ASC
		LIMIT ?;
	`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		var archivedAt sql.NullTime
		if err := rows.Scan(&m.ID, &m.SessionID, &m.UserID, &m.Role, &m.Content, &m.CreatedAt, &archivedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if archivedAt.Valid {
			ts := archivedAt.Time
			m.ArchivedAt = &ts
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("message rows: %w", err)
	}
	return out, nil
}

// ArchiveMessages stamps archived_at on every unarchived message with
// id <= beforeID. Returns the number of newly archived rows; rerunning with
// the same boundary archives nothing further.
func (s *Store) ArchiveMessages(ctx context.Context, sessionID string, beforeID int64) (int64, error) {
	var archived int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE messages
			SET archived_at = CURRENT_TIMESTAMP
			WHERE session_id = ? AND id <= ? AND archived_at IS NULL;
		`, sessionID, beforeID)
		if err != nil {
			return fmt.Errorf("archive messages: %w", err)
		}
		archived, err = res.RowsAffected()
		if err != nil {
			return fmt.Errorf("archive rows affected: %w", err)
		}
		return nil
	})
	return archived, err
}

// SessionCharCount sums the content length of a session's unarchived
// messages. The compaction threshold is evaluated against this.
func (s *Store) SessionCharCount(ctx context.Context, sessionID string) (int64, error) {
	var chars sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `
		SELECT SUM(LENGTH(content))
		FROM messages
		WHERE session_id = ? AND archived_at IS NULL;
	`, sessionID).Scan(&chars); err != nil {
		return 0, fmt.Errorf("session char count: %w", err)
	}
	if !chars.Valid {
		return 0, nil
	}
	return chars.Int64, nil
}

// ActiveMessageCount counts a session's unarchived messages.
func (s *Store) ActiveMessageCount(ctx context.Context, sessionID string) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM messages WHERE session_id = ? AND archived_at IS NULL;
	`, sessionID).Scan(&n); err != nil {
		return 0, fmt.Errorf("active message count: %w", err)
	}
	return n, nil
}
