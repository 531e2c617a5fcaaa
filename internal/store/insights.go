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
	InsightPriorityLow    = "low"
	InsightPriorityNormal = "normal"
	InsightPriorityHigh   = "high"
)

// Insight is a precomputed proactive observation written by an external
// analysis pass. Only high-priority rows are deliverable; shared_at marks
// the ones the insight sweep has already turned into triggers.
type Insight struct {
	ID        string     `json:"id"`
	UserID    string     `json:"user_id"`
	Kind      string     `json:"kind"`
	Title     string     `json:"title,omitempty"`
	Body      string     `json:"body"`
	Payload   string     `json:"payload"`
	Priority  string     `json:"priority"`
	CreatedAt time.Time  `json:"created_at"`
	SharedAt  *time.Time `json:"shared_at,omitempty"`
}

func (s *Store) AddInsight(ctx context.Context, userID, kind, title, body, payload, priority string) (*Insight, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("add insight: user_id is required")
	}
	if strings.TrimSpace(body) == "" {
		return nil, fmt.Errorf("add insight: body is required")
	}
	switch priority {
	case "":
		priority = InsightPriorityNormal
	case InsightPriorityLow, InsightPriorityNormal, InsightPriorityHigh:
	default:
		return nil, fmt.Errorf("add insight: unknown priority %q", priority)
	}
	if strings.TrimSpace(payload) == "" {
		payload = "{}"
	}

	ins := &Insight{
		ID:        uuid.NewString(),
		UserID:    userID,
		Kind:      kind,
		Title:     title,
		Body:      body,
		Payload:   payload,
		Priority:  priority,
		CreatedAt: time.Now().UTC(),
	}
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO insights (id, user_id, kind, title, body, payload, priority, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?);
		`, ins.ID, ins.UserID, ins.Kind, ins.Title, ins.Body, ins.Payload, ins.Priority, ins.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert insight: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ins, nil
}

// ListUnsharedHighPriorityInsights returns deliverable insights the sweep has
// not yet shared, oldest first.
func (s *Store) ListUnsharedHighPriorityInsights(ctx context.Context, limit int) ([]Insight, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, kind, title, body, payload, priority, created_at, shared_at
		FROM insights
		WHERE priority = ? AND shared_at IS NULL
		ORDER BY created_at ASC, id ASC
		LIMIT ?;
	`, InsightPriorityHigh, limit)
	if err != nil {
		return nil, fmt.Errorf("query unshared insights: %w", err)
	}
	defer rows.Close()

	var out []Insight
	for rows.Next() {
		var ins Insight
		var sharedAt sql.NullTime
		if err := rows.Scan(&ins.ID, &ins.UserID, &ins.Kind, &ins.Title, &ins.Body, &ins.Payload, &ins.Priority, &ins.CreatedAt, &sharedAt); err != nil {
			return nil, fmt.Errorf("scan insight: %w", err)
		}
		if sharedAt.Valid {
			ts := sharedAt.Time
			ins.SharedAt = &ts
		}
		out = append(out, ins)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("insight rows: %w", err)
	}
	return out, nil
}

// MarkInsightShared stamps shared_at so the sweep never re-delivers a row.
func (s *Store) MarkInsightShared(ctx context.Context, id string) error {
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE insights SET shared_at = CURRENT_TIMESTAMP WHERE id = ? AND shared_at IS NULL;
		`, id)
		if err != nil {
			return fmt.Errorf("mark insight shared: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("mark insight rows affected: %w", err)
		}
		if affected == 0 {
			var exists int
			err := s.db.QueryRowContext(ctx, `SELECT 1 FROM insights WHERE id = ?;`, id).Scan(&exists)
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("insight %s: %w", id, ErrNotFound)
			}
			if err != nil {
				return fmt.Errorf("check insight: %w", err)
			}
			// Already shared; marking is idempotent.
		}
		return nil
	})
}
