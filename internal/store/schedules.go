package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	cronlib "github.com/robfig/cron/v3"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

const (
	ScheduleTypeTime    = "time"
	ScheduleTypePattern = "pattern"
)

// Schedule is a trigger definition the processors consult. Time schedules
// carry a cron expression or a fixed interval; pattern schedules name a
// detector and fire when it matches. A schedule with neither cron_expr nor
// interval_minutes is a one-shot and disables itself after firing.
type Schedule struct {
	ID              string         `json:"id"`
	UserID          string         `json:"user_id"`
	ScheduleType    string         `json:"schedule_type"`
	TriggerType     string         `json:"trigger_type"`
	Message         string         `json:"message"`
	DeliveryMethod  DeliveryMethod `json:"delivery_method"`
	Priority        int            `json:"priority"`
	CronExpr        string         `json:"cron_expr,omitempty"`
	IntervalMinutes int            `json:"interval_minutes,omitempty"`
	Enabled         bool           `json:"enabled"`
	NextRunAt       *time.Time     `json:"next_run_at,omitempty"`
	LastTriggeredAt *time.Time     `json:"last_triggered_at,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
}

// NextRunTime parses the cron expression and returns the next run time after
// the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}

func (sc *Schedule) nextRun(after time.Time) (*time.Time, error) {
	if sc.CronExpr != "" {
		next, err := NextRunTime(sc.CronExpr, after)
		if err != nil {
			return nil, fmt.Errorf("parse cron %q: %w", sc.CronExpr, err)
		}
		return &next, nil
	}
	if sc.IntervalMinutes > 0 {
		next := after.Add(time.Duration(sc.IntervalMinutes) * time.Minute)
		return &next, nil
	}
	return nil, nil // one-shot
}

// CreateSchedule validates and inserts a schedule, computing the initial
// next_run_at. Pattern schedules are due every sweep and get no next_run_at.
func (s *Store) CreateSchedule(ctx context.Context, sc Schedule) (*Schedule, error) {
	if strings.TrimSpace(sc.UserID) == "" {
		return nil, fmt.Errorf("create schedule: user_id is required")
	}
	if sc.ScheduleType != ScheduleTypeTime && sc.ScheduleType != ScheduleTypePattern {
		return nil, fmt.Errorf("create schedule: unknown schedule_type %q", sc.ScheduleType)
	}
	if strings.TrimSpace(sc.TriggerType) == "" {
		return nil, fmt.Errorf("create schedule: trigger_type is required")
	}
	if sc.DeliveryMethod == "" {
		sc.DeliveryMethod = DeliveryChat
	}
	if !ValidDeliveryMethod(sc.DeliveryMethod) {
		return nil, fmt.Errorf("create schedule: unknown delivery method %q", sc.DeliveryMethod)
	}
	if sc.Priority <= 0 {
		sc.Priority = defaultPriority
	}
	if sc.Priority > maxPriority {
		sc.Priority = maxPriority
	}

	sc.ID = uuid.NewString()
	sc.Enabled = true
	sc.CreatedAt = time.Now().UTC()
	if sc.ScheduleType == ScheduleTypeTime {
		next, err := sc.nextRun(sc.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("create schedule: %w", err)
		}
		if next == nil {
			// One-shot: due immediately.
			now := sc.CreatedAt
			next = &now
		}
		sc.NextRunAt = next
	}

	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO schedules (
				id, user_id, schedule_type, trigger_type, message, delivery_method,
				priority, cron_expr, interval_minutes, enabled, next_run_at, created_at
			)
			VALUES (?, ?, ?, ?, ?, ?, ?, NULLIF(?, ''), NULLIF(?, 0), 1, ?, ?);
		`, sc.ID, sc.UserID, sc.ScheduleType, sc.TriggerType, sc.Message, sc.DeliveryMethod,
			sc.Priority, sc.CronExpr, sc.IntervalMinutes, sc.NextRunAt, sc.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert schedule: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &sc, nil
}

const scheduleColumns = `id, user_id, schedule_type, trigger_type, message, delivery_method,
	priority, COALESCE(cron_expr, ''), COALESCE(interval_minutes, 0), enabled,
	next_run_at, last_triggered_at, created_at`

func scanSchedule(scanFn func(dest ...any) error, sc *Schedule) error {
	var nextRun, lastTriggered sql.NullTime
	if err := scanFn(
		&sc.ID, &sc.UserID, &sc.ScheduleType, &sc.TriggerType, &sc.Message, &sc.DeliveryMethod,
		&sc.Priority, &sc.CronExpr, &sc.IntervalMinutes, &sc.Enabled,
		&nextRun, &lastTriggered, &sc.CreatedAt,
	); err != nil {
		return err
	}
	if nextRun.Valid {
		ts := nextRun.Time
		sc.NextRunAt = &ts
	}
	if lastTriggered.Valid {
		ts := lastTriggered.Time
		sc.LastTriggeredAt = &ts
	}
	return nil
}

// ListDueSchedules returns enabled time schedules whose next_run_at has
// passed, oldest due first.
func (s *Store) ListDueSchedules(ctx context.Context, now time.Time) ([]Schedule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+scheduleColumns+`
		FROM schedules
		WHERE enabled = 1 AND schedule_type = ? AND next_run_at IS NOT NULL AND next_run_at <= ?
		ORDER BY next_run_at ASC, id ASC;
	`, ScheduleTypeTime, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("query due schedules: %w", err)
	}
	defer rows.Close()
	return collectSchedules(rows)
}

// ListEnabledPatternSchedules returns every enabled pattern schedule; the
// pattern sweep evaluates all of them against their detectors.
func (s *Store) ListEnabledPatternSchedules(ctx context.Context) ([]Schedule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+scheduleColumns+`
		FROM schedules
		WHERE enabled = 1 AND schedule_type = ?
		ORDER BY created_at ASC, id ASC;
	`, ScheduleTypePattern)
	if err != nil {
		return nil, fmt.Errorf("query pattern schedules: %w", err)
	}
	defer rows.Close()
	return collectSchedules(rows)
}

func collectSchedules(rows *sql.Rows) ([]Schedule, error) {
	var out []Schedule
	for rows.Next() {
		var sc Schedule
		if err := scanSchedule(rows.Scan, &sc); err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		out = append(out, sc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("schedule rows: %w", err)
	}
	return out, nil
}

func (s *Store) GetSchedule(ctx context.Context, id string) (*Schedule, error) {
	var sc Schedule
	row := s.db.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE id = ?;`, id)
	if err := scanSchedule(row.Scan, &sc); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("schedule %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("select schedule: %w", err)
	}
	return &sc, nil
}

// MarkScheduleTriggered stamps last_triggered_at and advances next_run_at
// from the cron expression or interval. One-shots disable themselves.
func (s *Store) MarkScheduleTriggered(ctx context.Context, id string, now time.Time) error {
	return retryOnBusy(ctx, 5, func() error {
		sc, err := s.GetSchedule(ctx, id)
		if err != nil {
			return err
		}
		next, err := sc.nextRun(now)
		if err != nil {
			return fmt.Errorf("mark schedule triggered: %w", err)
		}
		enabled := 1
		if next == nil && sc.ScheduleType == ScheduleTypeTime {
			enabled = 0
		}
		_, err = s.db.ExecContext(ctx, `
			UPDATE schedules
			SET last_triggered_at = ?, next_run_at = ?, enabled = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ?;
		`, now.UTC(), next, enabled, id)
		if err != nil {
			return fmt.Errorf("update schedule run: %w", err)
		}
		return nil
	})
}

// SetScheduleEnabled toggles a schedule without firing it.
func (s *Store) SetScheduleEnabled(ctx context.Context, id string, enabled bool) error {
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE schedules SET enabled = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
		`, enabled, id)
		if err != nil {
			return fmt.Errorf("toggle schedule: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("toggle schedule rows affected: %w", err)
		}
		if affected == 0 {
			return fmt.Errorf("schedule %s: %w", id, ErrNotFound)
		}
		return nil
	})
}

// ListSchedulesByUser returns a user's schedules, newest first.
func (s *Store) ListSchedulesByUser(ctx context.Context, userID string, limit int) ([]Schedule, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+scheduleColumns+`
		FROM schedules
		WHERE user_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?;
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query user schedules: %w", err)
	}
	defer rows.Close()
	return collectSchedules(rows)
}
