package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// HistoryEntry is one append-only delivery record. Rows are written exactly
// once, inside the transaction that marks the trigger DELIVERED, and are
// never updated or purged by retention.
type HistoryEntry struct {
	ID           int64          `json:"id"`
	TriggerID    string         `json:"trigger_id"`
	UserID       string         `json:"user_id"`
	TriggerType  string         `json:"trigger_type"`
	Source       TriggerSource  `json:"source"`
	Message      string         `json:"message"`
	DeliveredVia DeliveryMethod `json:"delivered_via"`
	SessionID    string         `json:"session_id,omitempty"`
	DeliveredAt  time.Time      `json:"delivered_at"`
}

func appendHistoryTx(ctx context.Context, tx *sql.Tx, t *Trigger, sessionID string, method DeliveryMethod, deliveredAt time.Time) error {
	if method == "" {
		method = t.DeliveryMethod
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO trigger_history (trigger_id, user_id, trigger_type, source, message, delivered_via, session_id, delivered_at)
		VALUES (?, ?, ?, ?, ?, ?, NULLIF(?, ''), ?);
	`, t.ID, t.UserID, t.Type, t.Source, t.Message, method, sessionID, deliveredAt)
	if err != nil {
		return fmt.Errorf("insert trigger history: %w", err)
	}
	return nil
}

// ListHistory returns delivery records for a user, newest first.
func (s *Store) ListHistory(ctx context.Context, userID string, limit int) ([]HistoryEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, trigger_id, user_id, trigger_type, source, message, delivered_via, COALESCE(session_id, ''), delivered_at
		FROM trigger_history
		WHERE user_id = ?
		ORDER BY delivered_at DESC, id DESC
		LIMIT ?;
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query trigger history: %w", err)
	}
	defer rows.Close()

	var out []HistoryEntry
	for rows.Next() {
		var h HistoryEntry
		if err := rows.Scan(&h.ID, &h.TriggerID, &h.UserID, &h.TriggerType, &h.Source, &h.Message, &h.DeliveredVia, &h.SessionID, &h.DeliveredAt); err != nil {
			return nil, fmt.Errorf("scan history entry: %w", err)
		}
		out = append(out, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history rows: %w", err)
	}
	return out, nil
}

// HistoryCount returns the total number of delivery records for a user.
func (s *Store) HistoryCount(ctx context.Context, userID string) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM trigger_history WHERE user_id = ?;
	`, userID).Scan(&n); err != nil {
		return 0, fmt.Errorf("history count: %w", err)
	}
	return n, nil
}
