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

// Trigger is one row of the pending-trigger queue. Terminal rows keep their
// final status until retention purges them; the delivery record that survives
// retention lives in trigger_history.
type Trigger struct {
	ID              string         `json:"id"`
	UserID          string         `json:"user_id"`
	ScheduleID      string         `json:"schedule_id,omitempty"`
	Type            string         `json:"trigger_type"`
	Source          TriggerSource  `json:"source"`
	Status          TriggerStatus  `json:"status"`
	Priority        int            `json:"priority"`
	Message         string         `json:"message"`
	Payload         string         `json:"payload"`
	DeliveryMethod  DeliveryMethod `json:"delivery_method"`
	TargetSessionID string         `json:"target_session_id,omitempty"`
	Attempts        int            `json:"attempts"`
	MaxAttempts     int            `json:"max_attempts"`
	ErrorMessage    string         `json:"error_message,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	ProcessedAt     *time.Time     `json:"processed_at,omitempty"`
	DeliveredAt     *time.Time     `json:"delivered_at,omitempty"`
}

// EnqueueInput carries the caller-supplied fields for a new trigger.
// Priority nil means the default (5); explicit values are clamped to 0..10.
// ScheduleID back-references the schedule or insight that produced the row.
type EnqueueInput struct {
	UserID          string
	ScheduleID      string
	Type            string
	Source          TriggerSource
	Priority        *int
	Message         string
	Payload         string
	DeliveryMethod  DeliveryMethod
	TargetSessionID string
	MaxAttempts     int
}

const triggerColumns = `id, user_id, COALESCE(schedule_id, ''), trigger_type, source, status, priority,
	message, payload, delivery_method, COALESCE(target_session_id, ''), attempts, max_attempts,
	COALESCE(error_message, ''), created_at, processed_at, delivered_at`

func scanTrigger(scanFn func(dest ...any) error, t *Trigger) error {
	var processedAt, deliveredAt sql.NullTime
	if err := scanFn(
		&t.ID,
		&t.UserID,
		&t.ScheduleID,
		&t.Type,
		&t.Source,
		&t.Status,
		&t.Priority,
		&t.Message,
		&t.Payload,
		&t.DeliveryMethod,
		&t.TargetSessionID,
		&t.Attempts,
		&t.MaxAttempts,
		&t.ErrorMessage,
		&t.CreatedAt,
		&processedAt,
		&deliveredAt,
	); err != nil {
		return err
	}
	if processedAt.Valid {
		ts := processedAt.Time
		t.ProcessedAt = &ts
	} else {
		t.ProcessedAt = nil
	}
	if deliveredAt.Valid {
		ts := deliveredAt.Time
		t.DeliveredAt = &ts
	} else {
		t.DeliveredAt = nil
	}
	return nil
}

// EnqueueTrigger validates input, applies defaults, and inserts a PENDING row.
// It never blocks on queue depth; a full queue is drained by the sweep, not
// guarded at insert.
func (s *Store) EnqueueTrigger(ctx context.Context, in EnqueueInput) (*Trigger, error) {
	if strings.TrimSpace(in.UserID) == "" {
		return nil, fmt.Errorf("enqueue trigger: user_id is required")
	}
	if strings.TrimSpace(in.Type) == "" {
		return nil, fmt.Errorf("enqueue trigger: trigger_type is required")
	}
	if !ValidSource(in.Source) {
		return nil, fmt.Errorf("enqueue trigger: unknown source %q", in.Source)
	}
	method := in.DeliveryMethod
	if method == "" {
		method = DeliveryChat
	}
	if !ValidDeliveryMethod(method) {
		return nil, fmt.Errorf("enqueue trigger: unknown delivery method %q", method)
	}

	priority := defaultPriority
	if in.Priority != nil {
		priority = *in.Priority
		if priority < 0 {
			priority = 0
		}
		if priority > maxPriority {
			priority = maxPriority
		}
	}
	maxAttempts := in.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	payload := in.Payload
	if strings.TrimSpace(payload) == "" {
		payload = "{}"
	}

	t := &Trigger{
		ID:              uuid.NewString(),
		UserID:          in.UserID,
		ScheduleID:      in.ScheduleID,
		Type:            in.Type,
		Source:          in.Source,
		Status:          TriggerStatusPending,
		Priority:        priority,
		Message:         in.Message,
		Payload:         payload,
		DeliveryMethod:  method,
		TargetSessionID: in.TargetSessionID,
		Attempts:        0,
		MaxAttempts:     maxAttempts,
		CreatedAt:       time.Now().UTC(),
	}

	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO triggers (
				id, user_id, schedule_id, trigger_type, source, status, priority, message,
				payload, delivery_method, target_session_id, attempts, max_attempts, created_at
			)
			VALUES (?, ?, NULLIF(?, ''), ?, ?, ?, ?, ?, ?, ?, NULLIF(?, ''), 0, ?, ?);
		`, t.ID, t.UserID, t.ScheduleID, t.Type, t.Source, t.Status, t.Priority, t.Message,
			t.Payload, t.DeliveryMethod, t.TargetSessionID, t.MaxAttempts, t.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert trigger: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.enqueued.Add(1)
	return t, nil
}

// ClaimBatch atomically moves up to limit due PENDING triggers to PROCESSING
// and returns them. Eligible rows are ordered priority DESC, created_at ASC,
// id ASC; each is claimed with a conditional update so two concurrent sweeps
// never return the same row.
func (s *Store) ClaimBatch(ctx context.Context, limit int) ([]Trigger, error) {
	if limit <= 0 {
		limit = 10
	}
	var claimed []Trigger
	err := retryOnBusy(ctx, 5, func() error {
		claimed = claimed[:0]
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin claim tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		rows, err := tx.QueryContext(ctx, `
			SELECT `+triggerColumns+`
			FROM triggers
			WHERE status = ? AND attempts < max_attempts
			ORDER BY priority DESC, created_at ASC, id ASC
			LIMIT ?;
		`, TriggerStatusPending, limit)
		if err != nil {
			return fmt.Errorf("select pending triggers: %w", err)
		}
		var candidates []Trigger
		for rows.Next() {
			var t Trigger
			if err := scanTrigger(rows.Scan, &t); err != nil {
				rows.Close()
				return fmt.Errorf("scan pending trigger: %w", err)
			}
			candidates = append(candidates, t)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return fmt.Errorf("pending trigger rows: %w", err)
		}
		rows.Close()

		now := time.Now().UTC()
		for i := range candidates {
			t := &candidates[i]
			res, err := tx.ExecContext(ctx, `
				UPDATE triggers
				SET status = ?, attempts = attempts + 1, processed_at = ?
				WHERE id = ? AND status = ?;
			`, TriggerStatusProcessing, now, t.ID, TriggerStatusPending)
			if err != nil {
				return fmt.Errorf("claim trigger %s: %w", t.ID, err)
			}
			affected, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("claim rows affected: %w", err)
			}
			if affected != 1 {
				// Another claimer won the row between select and update.
				continue
			}
			t.Status = TriggerStatusProcessing
			t.Attempts++
			ts := now
			t.ProcessedAt = &ts
			claimed = append(claimed, *t)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit claim tx: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// MarkProcessing claims a single trigger by id. Used by the direct-delivery
// path that bypasses the sweep; each successful call increments attempts once.
func (s *Store) MarkProcessing(ctx context.Context, id string) (*Trigger, error) {
	var out *Trigger
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin mark processing tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		now := time.Now().UTC()
		res, err := tx.ExecContext(ctx, `
			UPDATE triggers
			SET status = ?, attempts = attempts + 1, processed_at = ?
			WHERE id = ? AND status = ?;
		`, TriggerStatusProcessing, now, id, TriggerStatusPending)
		if err != nil {
			return fmt.Errorf("mark processing: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("mark processing rows affected: %w", err)
		}
		if affected != 1 {
			return s.transitionConflictTx(ctx, tx, id, TriggerStatusProcessing)
		}

		var t Trigger
		row := tx.QueryRowContext(ctx, `SELECT `+triggerColumns+` FROM triggers WHERE id = ?;`, id)
		if err := scanTrigger(row.Scan, &t); err != nil {
			return fmt.Errorf("reload claimed trigger: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit mark processing tx: %w", err)
		}
		out = &t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// transitionConflictTx classifies a conditional-update miss: the row either
// does not exist or sits in a status the requested transition does not allow.
func (s *Store) transitionConflictTx(ctx context.Context, tx *sql.Tx, id string, to TriggerStatus) error {
	var current TriggerStatus
	err := tx.QueryRowContext(ctx, `SELECT status FROM triggers WHERE id = ?;`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("trigger %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("read trigger status: %w", err)
	}
	return fmt.Errorf("trigger %s: %w: %s -> %s", id, ErrInvalidTransition, current, to)
}

// MarkDelivered finalizes a PROCESSING trigger as DELIVERED and appends its
// trigger_history row in the same transaction. method records the channel
// that actually carried the message after any fallback; sessionID is the chat
// session the message landed in, empty for channels that persist nothing.
func (s *Store) MarkDelivered(ctx context.Context, id, sessionID string, method DeliveryMethod) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin mark delivered tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var t Trigger
		row := tx.QueryRowContext(ctx, `SELECT `+triggerColumns+` FROM triggers WHERE id = ?;`, id)
		if err := scanTrigger(row.Scan, &t); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("trigger %s: %w", id, ErrNotFound)
			}
			return fmt.Errorf("select trigger for delivery: %w", err)
		}
		if !canTransition(t.Status, TriggerStatusDelivered) {
			return fmt.Errorf("trigger %s: %w: %s -> %s", id, ErrInvalidTransition, t.Status, TriggerStatusDelivered)
		}

		now := time.Now().UTC()
		res, err := tx.ExecContext(ctx, `
			UPDATE triggers
			SET status = ?, delivered_at = ?, error_message = NULL,
				target_session_id = COALESCE(NULLIF(?, ''), target_session_id)
			WHERE id = ? AND status = ?;
		`, TriggerStatusDelivered, now, sessionID, id, TriggerStatusProcessing)
		if err != nil {
			return fmt.Errorf("mark delivered: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("mark delivered rows affected: %w", err)
		}
		if affected != 1 {
			return s.transitionConflictTx(ctx, tx, id, TriggerStatusDelivered)
		}

		if err := appendHistoryTx(ctx, tx, &t, sessionID, method, now); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit mark delivered tx: %w", err)
		}
		return nil
	})
}

// MarkFailed records a delivery error on a PROCESSING trigger. The row goes
// back to PENDING while attempts remain and to FAILED once they are spent.
func (s *Store) MarkFailed(ctx context.Context, id string, deliveryErr error) error {
	errMsg := ""
	if deliveryErr != nil {
		errMsg = deliveryErr.Error()
	}
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin mark failed tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var status TriggerStatus
		var attempts, maxAttempts int
		err = tx.QueryRowContext(ctx, `
			SELECT status, attempts, max_attempts FROM triggers WHERE id = ?;
		`, id).Scan(&status, &attempts, &maxAttempts)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("trigger %s: %w", id, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("select trigger for failure: %w", err)
		}

		next := TriggerStatusPending
		if attempts >= maxAttempts {
			next = TriggerStatusFailed
		}
		if !canTransition(status, next) {
			return fmt.Errorf("trigger %s: %w: %s -> %s", id, ErrInvalidTransition, status, next)
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE triggers
			SET status = ?, error_message = ?
			WHERE id = ? AND status = ?;
		`, next, errMsg, id, TriggerStatusProcessing)
		if err != nil {
			return fmt.Errorf("mark failed: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("mark failed rows affected: %w", err)
		}
		if affected != 1 {
			return s.transitionConflictTx(ctx, tx, id, next)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit mark failed tx: %w", err)
		}
		return nil
	})
}

// RecoverStuckTriggers reverts rows stranded in PROCESSING by a crash or
// unclean shutdown. Rows with attempts remaining requeue as PENDING; rows
// with none left finalize as FAILED. Runs once at startup before the sweeps.
func (s *Store) RecoverStuckTriggers(ctx context.Context) (requeued, failed int64, err error) {
	err = retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin recovery tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		res, err := tx.ExecContext(ctx, `
			UPDATE triggers
			SET status = ?
			WHERE status = ? AND attempts < max_attempts;
		`, TriggerStatusPending, TriggerStatusProcessing)
		if err != nil {
			return fmt.Errorf("requeue stuck triggers: %w", err)
		}
		requeued, _ = res.RowsAffected()

		res, err = tx.ExecContext(ctx, `
			UPDATE triggers
			SET status = ?, error_message = 'recovered after restart; attempts exhausted'
			WHERE status = ? AND attempts >= max_attempts;
		`, TriggerStatusFailed, TriggerStatusProcessing)
		if err != nil {
			return fmt.Errorf("fail stuck triggers: %w", err)
		}
		failed, _ = res.RowsAffected()

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit recovery tx: %w", err)
		}
		return nil
	})
	return requeued, failed, err
}

func (s *Store) GetTrigger(ctx context.Context, id string) (*Trigger, error) {
	var t Trigger
	row := s.db.QueryRowContext(ctx, `SELECT `+triggerColumns+` FROM triggers WHERE id = ?;`, id)
	if err := scanTrigger(row.Scan, &t); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("trigger %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("select trigger: %w", err)
	}
	return &t, nil
}

// ListPendingTriggers returns due PENDING rows in claim order without
// claiming them. Diagnostic view used by the API and the doctor checks.
func (s *Store) ListPendingTriggers(ctx context.Context, limit int) ([]Trigger, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+triggerColumns+`
		FROM triggers
		WHERE status = ?
		ORDER BY priority DESC, created_at ASC, id ASC
		LIMIT ?;
	`, TriggerStatusPending, limit)
	if err != nil {
		return nil, fmt.Errorf("query pending triggers: %w", err)
	}
	defer rows.Close()
	return collectTriggers(rows)
}

func (s *Store) ListTriggersByUser(ctx context.Context, userID string, limit int) ([]Trigger, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+triggerColumns+`
		FROM triggers
		WHERE user_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?;
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query user triggers: %w", err)
	}
	defer rows.Close()
	return collectTriggers(rows)
}

func collectTriggers(rows *sql.Rows) ([]Trigger, error) {
	var out []Trigger
	for rows.Next() {
		var t Trigger
		if err := scanTrigger(rows.Scan, &t); err != nil {
			return nil, fmt.Errorf("scan trigger: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("trigger rows: %w", err)
	}
	return out, nil
}

// TriggerCounts returns per-status row counts for the status endpoint.
func (s *Store) TriggerCounts(ctx context.Context) (map[TriggerStatus]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(1) FROM triggers GROUP BY status;`)
	if err != nil {
		return nil, fmt.Errorf("count triggers: %w", err)
	}
	defer rows.Close()

	counts := make(map[TriggerStatus]int64)
	for rows.Next() {
		var status TriggerStatus
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan trigger count: %w", err)
		}
		counts[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("trigger count rows: %w", err)
	}
	return counts, nil
}

// QueueDepth returns the number of PENDING triggers.
func (s *Store) QueueDepth(ctx context.Context) (int64, error) {
	var depth int64
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM triggers WHERE status = ?;
	`, TriggerStatusPending).Scan(&depth); err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return depth, nil
}
