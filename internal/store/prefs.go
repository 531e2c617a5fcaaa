package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"time"
)

// Preferences is a user's notification settings row. Absent rows read as the
// defaults below; the first write upserts.
type Preferences struct {
	UserID                string    `json:"user_id"`
	ChatEnabled           bool      `json:"chat_enabled"`
	PushEnabled           bool      `json:"push_enabled"`
	EmailDigestEnabled    bool      `json:"email_digest_enabled"`
	TelegramEnabled       bool      `json:"telegram_enabled"`
	PersistTelegramToChat bool      `json:"persist_telegram_to_chat"`
	QuietEnabled          bool      `json:"quiet_enabled"`
	QuietStart            string    `json:"quiet_start"`
	QuietEnd              string    `json:"quiet_end"`
	Timezone              string    `json:"timezone"`
	RemindersEnabled      bool      `json:"reminders_enabled"`
	CheckinsEnabled       bool      `json:"checkins_enabled"`
	InsightsEnabled       bool      `json:"insights_enabled"`
	AchievementsEnabled   bool      `json:"achievements_enabled"`
	UpdatedAt             time.Time `json:"updated_at"`
}

// PreferencesPatch is a partial update; nil fields keep their current value.
type PreferencesPatch struct {
	ChatEnabled           *bool   `json:"chat_enabled,omitempty"`
	PushEnabled           *bool   `json:"push_enabled,omitempty"`
	EmailDigestEnabled    *bool   `json:"email_digest_enabled,omitempty"`
	TelegramEnabled       *bool   `json:"telegram_enabled,omitempty"`
	PersistTelegramToChat *bool   `json:"persist_telegram_to_chat,omitempty"`
	QuietEnabled          *bool   `json:"quiet_enabled,omitempty"`
	QuietStart            *string `json:"quiet_start,omitempty"`
	QuietEnd              *string `json:"quiet_end,omitempty"`
	Timezone              *string `json:"timezone,omitempty"`
	RemindersEnabled      *bool   `json:"reminders_enabled,omitempty"`
	CheckinsEnabled       *bool   `json:"checkins_enabled,omitempty"`
	InsightsEnabled       *bool   `json:"insights_enabled,omitempty"`
	AchievementsEnabled   *bool   `json:"achievements_enabled,omitempty"`
}

var hhmmPattern = regexp.MustCompile(`^([01][0-9]|2[0-3]):[0-5][0-9]$`)

// DefaultPreferences returns the settings applied when a user has no row.
func DefaultPreferences(userID string) Preferences {
	return Preferences{
		UserID:                userID,
		ChatEnabled:           true,
		PushEnabled:           true,
		EmailDigestEnabled:    false,
		TelegramEnabled:       true,
		PersistTelegramToChat: true,
		QuietEnabled:          false,
		QuietStart:            "22:00",
		QuietEnd:              "08:00",
		Timezone:              "UTC",
		RemindersEnabled:      true,
		CheckinsEnabled:       true,
		InsightsEnabled:       true,
		AchievementsEnabled:   true,
	}
}

// GetPreferences reads a user's preferences, falling back to defaults when
// no row exists. The defaults are not written back on read.
func (s *Store) GetPreferences(ctx context.Context, userID string) (Preferences, error) {
	var p Preferences
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, chat_enabled, push_enabled, email_digest_enabled, telegram_enabled,
			persist_telegram_to_chat, quiet_enabled, quiet_start, quiet_end, timezone,
			reminders_enabled, checkins_enabled, insights_enabled, achievements_enabled, updated_at
		FROM notification_prefs
		WHERE user_id = ?;
	`, userID).Scan(
		&p.UserID, &p.ChatEnabled, &p.PushEnabled, &p.EmailDigestEnabled, &p.TelegramEnabled,
		&p.PersistTelegramToChat, &p.QuietEnabled, &p.QuietStart, &p.QuietEnd, &p.Timezone,
		&p.RemindersEnabled, &p.CheckinsEnabled, &p.InsightsEnabled, &p.AchievementsEnabled, &p.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return DefaultPreferences(userID), nil
	}
	if err != nil {
		return Preferences{}, fmt.Errorf("select preferences: %w", err)
	}
	return p, nil
}

// UpdatePreferences merges patch over the current (or default) settings and
// upserts the row. Quiet-hours times must be HH:MM 24h strings.
func (s *Store) UpdatePreferences(ctx context.Context, userID string, patch PreferencesPatch) (Preferences, error) {
	if patch.QuietStart != nil && !hhmmPattern.MatchString(*patch.QuietStart) {
		return Preferences{}, fmt.Errorf("update preferences: quiet_start %q is not HH:MM", *patch.QuietStart)
	}
	if patch.QuietEnd != nil && !hhmmPattern.MatchString(*patch.QuietEnd) {
		return Preferences{}, fmt.Errorf("update preferences: quiet_end %q is not HH:MM", *patch.QuietEnd)
	}
	if patch.Timezone != nil {
		if _, err := time.LoadLocation(*patch.Timezone); err != nil {
			return Preferences{}, fmt.Errorf("update preferences: unknown timezone %q", *patch.Timezone)
		}
	}

	var out Preferences
	err := retryOnBusy(ctx, 5, func() error {
		p, err := s.GetPreferences(ctx, userID)
		if err != nil {
			return err
		}
		applyPatch(&p, patch)
		p.UpdatedAt = time.Now().UTC()

		_, err = s.db.ExecContext(ctx, `
			INSERT INTO notification_prefs (
				user_id, chat_enabled, push_enabled, email_digest_enabled, telegram_enabled,
				persist_telegram_to_chat, quiet_enabled, quiet_start, quiet_end, timezone,
				reminders_enabled, checkins_enabled, insights_enabled, achievements_enabled, updated_at
			)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(user_id) DO UPDATE SET
				chat_enabled = excluded.chat_enabled,
				push_enabled = excluded.push_enabled,
				email_digest_enabled = excluded.email_digest_enabled,
				telegram_enabled = excluded.telegram_enabled,
				persist_telegram_to_chat = excluded.persist_telegram_to_chat,
				quiet_enabled = excluded.quiet_enabled,
				quiet_start = excluded.quiet_start,
				quiet_end = excluded.quiet_end,
				timezone = excluded.timezone,
				reminders_enabled = excluded.reminders_enabled,
				checkins_enabled = excluded.checkins_enabled,
				insights_enabled = excluded.insights_enabled,
				achievements_enabled = excluded.achievements_enabled,
				updated_at = excluded.updated_at;
		`, p.UserID, p.ChatEnabled, p.PushEnabled, p.EmailDigestEnabled, p.TelegramEnabled,
			p.PersistTelegramToChat, p.QuietEnabled, p.QuietStart, p.QuietEnd, p.Timezone,
			p.RemindersEnabled, p.CheckinsEnabled, p.InsightsEnabled, p.AchievementsEnabled, p.UpdatedAt)
		if err != nil {
			return fmt.Errorf("upsert preferences: %w", err)
		}
		out = p
		return nil
	})
	if err != nil {
		return Preferences{}, err
	}
	return out, nil
}

func applyPatch(p *Preferences, patch PreferencesPatch) {
	if patch.ChatEnabled != nil {
		p.ChatEnabled = *patch.ChatEnabled
	}
	if patch.PushEnabled != nil {
		p.PushEnabled = *patch.PushEnabled
	}
	if patch.EmailDigestEnabled != nil {
		p.EmailDigestEnabled = *patch.EmailDigestEnabled
	}
	if patch.TelegramEnabled != nil {
		p.TelegramEnabled = *patch.TelegramEnabled
	}
	if patch.PersistTelegramToChat != nil {
		p.PersistTelegramToChat = *patch.PersistTelegramToChat
	}
	if patch.QuietEnabled != nil {
		p.QuietEnabled = *patch.QuietEnabled
	}
	if patch.QuietStart != nil {
		p.QuietStart = *patch.QuietStart
	}
	if patch.QuietEnd != nil {
		p.QuietEnd = *patch.QuietEnd
	}
	if patch.Timezone != nil {
		p.Timezone = *patch.Timezone
	}
	if patch.RemindersEnabled != nil {
		p.RemindersEnabled = *patch.RemindersEnabled
	}
	if patch.CheckinsEnabled != nil {
		p.CheckinsEnabled = *patch.CheckinsEnabled
	}
	if patch.InsightsEnabled != nil {
		p.InsightsEnabled = *patch.InsightsEnabled
	}
	if patch.AchievementsEnabled != nil {
		p.AchievementsEnabled = *patch.AchievementsEnabled
	}
}
