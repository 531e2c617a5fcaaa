package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// TelegramLink maps a user to the bot chat that reaches them. At most one
// link per user; relinking overwrites, unlinking deactivates.
type TelegramLink struct {
	UserID   string    `json:"user_id"`
	ChatID   int64     `json:"chat_id"`
	Username string    `json:"username,omitempty"`
	Active   bool      `json:"active"`
	LinkedAt time.Time `json:"linked_at"`
}

const linkCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

func newLinkCode() (string, error) {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate link code: %w", err)
	}
	for i, b := range buf {
		buf[i] = linkCodeAlphabet[int(b)%len(linkCodeAlphabet)]
	}
	return string(buf), nil
}

// CreateLinkCode issues a short-lived code the user relays to the bot with
// /start. Consuming the code completes the link.
func (s *Store) CreateLinkCode(ctx context.Context, userID string, ttl time.Duration) (string, error) {
	if strings.TrimSpace(userID) == "" {
		return "", fmt.Errorf("create link code: user_id is required")
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	code, err := newLinkCode()
	if err != nil {
		return "", err
	}
	expires := time.Now().UTC().Add(ttl)
	err = retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO link_codes (code, user_id, expires_at)
			VALUES (?, ?, ?);
		`, code, userID, expires)
		if err != nil {
			return fmt.Errorf("insert link code: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return code, nil
}

// ConsumeLinkCode resolves an unexpired, unused code to its user and burns
// it. A second consume of the same code fails.
func (s *Store) ConsumeLinkCode(ctx context.Context, code string) (string, error) {
	var userID string
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin consume code tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		err = tx.QueryRowContext(ctx, `
			SELECT user_id
			FROM link_codes
			WHERE code = ? AND used_at IS NULL AND expires_at > CURRENT_TIMESTAMP;
		`, strings.ToUpper(strings.TrimSpace(code))).Scan(&userID)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("link code: %w", ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("select link code: %w", err)
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE link_codes SET used_at = CURRENT_TIMESTAMP WHERE code = ? AND used_at IS NULL;
		`, strings.ToUpper(strings.TrimSpace(code)))
		if err != nil {
			return fmt.Errorf("burn link code: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("burn code rows affected: %w", err)
		}
		if affected != 1 {
			return fmt.Errorf("link code: %w", ErrNotFound)
		}
		return tx.Commit()
	})
	if err != nil {
		return "", err
	}
	return userID, nil
}

// UpsertTelegramLink stores or reactivates the user's bot link.
func (s *Store) UpsertTelegramLink(ctx context.Context, userID string, chatID int64, username string) error {
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("upsert telegram link: user_id is required")
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO telegram_links (user_id, chat_id, username, active, linked_at, updated_at)
			VALUES (?, ?, ?, 1, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
			ON CONFLICT(user_id) DO UPDATE SET
				chat_id = excluded.chat_id,
				username = excluded.username,
				active = 1,
				updated_at = CURRENT_TIMESTAMP;
		`, userID, chatID, username)
		if err != nil {
			return fmt.Errorf("upsert telegram link: %w", err)
		}
		return nil
	})
}

// GetTelegramLink returns the user's active bot link; ErrNotFound covers
// both never-linked and unlinked users.
func (s *Store) GetTelegramLink(ctx context.Context, userID string) (*TelegramLink, error) {
	var link TelegramLink
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, chat_id, username, active, linked_at
		FROM telegram_links
		WHERE user_id = ? AND active = 1;
	`, userID).Scan(&link.UserID, &link.ChatID, &link.Username, &link.Active, &link.LinkedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("telegram link for %s: %w", userID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("select telegram link: %w", err)
	}
	return &link, nil
}

// DeactivateTelegramLink unlinks without forgetting the chat id.
func (s *Store) DeactivateTelegramLink(ctx context.Context, userID string) error {
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE telegram_links SET active = 0, updated_at = CURRENT_TIMESTAMP
			WHERE user_id = ? AND active = 1;
		`, userID)
		if err != nil {
			return fmt.Errorf("deactivate telegram link: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("deactivate link rows affected: %w", err)
		}
		if affected == 0 {
			return fmt.Errorf("telegram link for %s: %w", userID, ErrNotFound)
		}
		return nil
	})
}

// DeactivateTelegramLinkByChat unlinks whichever user owns the chat and
// returns that user's id. Lets the bot honor /stop without knowing the user.
func (s *Store) DeactivateTelegramLinkByChat(ctx context.Context, chatID int64) (string, error) {
	var userID string
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin unlink tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		err = tx.QueryRowContext(ctx, `
			SELECT user_id FROM telegram_links WHERE chat_id = ? AND active = 1;
		`, chatID).Scan(&userID)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("telegram link for chat %d: %w", chatID, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("select link by chat: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE telegram_links SET active = 0, updated_at = CURRENT_TIMESTAMP
			WHERE chat_id = ? AND active = 1;
		`, chatID); err != nil {
			return fmt.Errorf("deactivate link by chat: %w", err)
		}
		return tx.Commit()
	})
	if err != nil {
		return "", err
	}
	return userID, nil
}
