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

// PushSubscription is one device's Web Push registration. Unsubscribe flips
// active to 0; rows are never hard-deleted so delivery records stay
// attributable to a device.
type PushSubscription struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	Endpoint   string    `json:"endpoint"`
	P256dh     string    `json:"p256dh"`
	Auth       string    `json:"auth"`
	DeviceName string    `json:"device_name,omitempty"`
	Active     bool      `json:"active"`
	CreatedAt  time.Time `json:"created_at"`
}

// SavePushSubscription registers a device, reactivating and refreshing keys
// when the same user/endpoint pair is registered again.
func (s *Store) SavePushSubscription(ctx context.Context, userID, endpoint, p256dh, auth, deviceName string) (*PushSubscription, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("save push subscription: user_id is required")
	}
	if strings.TrimSpace(endpoint) == "" {
		return nil, fmt.Errorf("save push subscription: endpoint is required")
	}
	if strings.TrimSpace(p256dh) == "" || strings.TrimSpace(auth) == "" {
		return nil, fmt.Errorf("save push subscription: p256dh and auth keys are required")
	}

	sub := &PushSubscription{
		ID:         uuid.NewString(),
		UserID:     userID,
		Endpoint:   endpoint,
		P256dh:     p256dh,
		Auth:       auth,
		DeviceName: deviceName,
		Active:     true,
		CreatedAt:  time.Now().UTC(),
	}
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO push_subscriptions (id, user_id, endpoint, p256dh, auth, device_name, active, created_at)
			VALUES (?, ?, ?, ?, ?, ?, 1, ?)
			ON CONFLICT(user_id, endpoint) DO UPDATE SET
				p256dh = excluded.p256dh,
				auth = excluded.auth,
				device_name = excluded.device_name,
				active = 1,
				updated_at = CURRENT_TIMESTAMP;
		`, sub.ID, sub.UserID, sub.Endpoint, sub.P256dh, sub.Auth, sub.DeviceName, sub.CreatedAt)
		if err != nil {
			return fmt.Errorf("upsert push subscription: %w", err)
		}
		// On conflict the original row id survives; read it back.
		return s.db.QueryRowContext(ctx, `
			SELECT id, created_at FROM push_subscriptions WHERE user_id = ? AND endpoint = ?;
		`, sub.UserID, sub.Endpoint).Scan(&sub.ID, &sub.CreatedAt)
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// ListActivePushSubscriptions returns a user's live device registrations.
func (s *Store) ListActivePushSubscriptions(ctx context.Context, userID string) ([]PushSubscription, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, endpoint, p256dh, auth, device_name, active, created_at
		FROM push_subscriptions
		WHERE user_id = ? AND active = 1
		ORDER BY created_at ASC;
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("query push subscriptions: %w", err)
	}
	defer rows.Close()

	var out []PushSubscription
	for rows.Next() {
		var sub PushSubscription
		if err := rows.Scan(&sub.ID, &sub.UserID, &sub.Endpoint, &sub.P256dh, &sub.Auth, &sub.DeviceName, &sub.Active, &sub.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan push subscription: %w", err)
		}
		out = append(out, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("push subscription rows: %w", err)
	}
	return out, nil
}

// DeactivatePushSubscription soft-deletes one device registration.
func (s *Store) DeactivatePushSubscription(ctx context.Context, userID, id string) error {
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE push_subscriptions
			SET active = 0, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND user_id = ? AND active = 1;
		`, id, userID)
		if err != nil {
			return fmt.Errorf("deactivate push subscription: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("deactivate rows affected: %w", err)
		}
		if affected == 0 {
			var exists int
			err := s.db.QueryRowContext(ctx, `
				SELECT 1 FROM push_subscriptions WHERE id = ? AND user_id = ?;
			`, id, userID).Scan(&exists)
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("push subscription %s: %w", id, ErrNotFound)
			}
			if err != nil {
				return fmt.Errorf("check push subscription: %w", err)
			}
			// Already inactive; deactivation is idempotent.
		}
		return nil
	})
}
