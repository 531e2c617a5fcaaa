package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// MoodSample is one self-reported or inferred mood reading in [-1, 1].
type MoodSample struct {
	Score     float64   `json:"score"`
	Note      string    `json:"note,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func (s *Store) AddMoodEntry(ctx context.Context, userID string, score float64, note string) error {
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("add mood entry: user_id is required")
	}
	if score < -1.0 || score > 1.0 {
		return fmt.Errorf("add mood entry: score %v outside [-1, 1]", score)
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO mood_entries (user_id, score, note, created_at)
			VALUES (?, ?, ?, CURRENT_TIMESTAMP);
		`, userID, score, note)
		if err != nil {
			return fmt.Errorf("insert mood entry: %w", err)
		}
		return nil
	})
}

// MoodSamples returns a user's mood readings since the cutoff, newest first.
func (s *Store) MoodSamples(ctx context.Context, userID string, since time.Time, limit int) ([]MoodSample, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT score, note, created_at
		FROM mood_entries
		WHERE user_id = ? AND created_at >= ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?;
	`, userID, since.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("query mood entries: %w", err)
	}
	defer rows.Close()

	var out []MoodSample
	for rows.Next() {
		var m MoodSample
		if err := rows.Scan(&m.Score, &m.Note, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan mood entry: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("mood entry rows: %w", err)
	}
	return out, nil
}

func (s *Store) AddTaskCompletion(ctx context.Context, userID, taskRef string) error {
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("add task completion: user_id is required")
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO task_completions (user_id, task_ref, completed_at)
			VALUES (?, ?, CURRENT_TIMESTAMP);
		`, userID, taskRef)
		if err != nil {
			return fmt.Errorf("insert task completion: %w", err)
		}
		return nil
	})
}

// CompletedTaskCount counts a user's completions since the cutoff.
func (s *Store) CompletedTaskCount(ctx context.Context, userID string, since time.Time) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM task_completions WHERE user_id = ? AND completed_at >= ?;
	`, userID, since.UTC()).Scan(&n); err != nil {
		return 0, fmt.Errorf("completed task count: %w", err)
	}
	return n, nil
}

// LastActivity returns the timestamp of the user's newest user-role message
// across all their sessions, or the zero time when they have none.
func (s *Store) LastActivity(ctx context.Context, userID string) (time.Time, error) {
	var last sql.NullTime
	if err := s.db.QueryRowContext(ctx, `
		SELECT MAX(m.created_at)
		FROM messages m
		JOIN sessions s ON s.id = m.session_id
		WHERE s.user_id = ? AND m.role = 'user';
	`, userID).Scan(&last); err != nil {
		return time.Time{}, fmt.Errorf("last activity: %w", err)
	}
	if !last.Valid {
		return time.Time{}, nil
	}
	return last.Time, nil
}

// ActiveUserIDs returns the distinct users with any stored signal: a session,
// a mood entry, or a task completion. The pattern sweep iterates these.
func (s *Store) ActiveUserIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id FROM sessions
		UNION
		SELECT user_id FROM mood_entries
		UNION
		SELECT user_id FROM task_completions
		ORDER BY user_id;
	`)
	if err != nil {
		return nil, fmt.Errorf("query active users: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan user id: %w", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("active user rows: %w", err)
	}
	return out, nil
}
