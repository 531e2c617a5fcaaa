package store

import (
	"context"
	"fmt"
	"time"
)

// RetentionResult holds counts of purged records from a retention run.
type RetentionResult struct {
	PurgedTriggers  int64 `json:"purged_triggers"`
	PurgedAuditLogs int64 `json:"purged_audit_logs"`
	PurgedMessages  int64 `json:"purged_messages"`
	PurgedLinkCodes int64 `json:"purged_link_codes"`
}

// RunRetention deletes old records category by category, each with its own
// cutoff. Only terminal trigger rows and archived messages are eligible;
// trigger_history is append-only and never purged. The job is idempotent.
func (s *Store) RunRetention(ctx context.Context, triggerDays, auditLogDays, messageDays int) (RetentionResult, error) {
	var result RetentionResult

	if triggerDays > 0 {
		cutoff := time.Now().UTC().AddDate(0, 0, -triggerDays)
		res, err := s.db.ExecContext(ctx, `
			DELETE FROM triggers
			WHERE status IN (?, ?) AND created_at < ?;
		`, TriggerStatusDelivered, TriggerStatusFailed, cutoff)
		if err != nil {
			return result, fmt.Errorf("purge triggers: %w", err)
		}
		result.PurgedTriggers, _ = res.RowsAffected()
	}

	if auditLogDays > 0 {
		cutoff := time.Now().UTC().AddDate(0, 0, -auditLogDays)
		res, err := s.db.ExecContext(ctx, `DELETE FROM audit_log WHERE created_at < ?;`, cutoff)
		if err != nil {
			return result, fmt.Errorf("purge audit_log: %w", err)
		}
		result.PurgedAuditLogs, _ = res.RowsAffected()
	}

	if messageDays > 0 {
		cutoff := time.Now().UTC().AddDate(0, 0, -messageDays)
		res, err := s.db.ExecContext(ctx, `
			DELETE FROM messages
			WHERE archived_at IS NOT NULL AND archived_at < ?;
		`, cutoff)
		if err != nil {
			return result, fmt.Errorf("purge messages: %w", err)
		}
		result.PurgedMessages, _ = res.RowsAffected()
	}

	// Expired and burned link codes have no retention knob; a day is plenty.
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM link_codes
		WHERE used_at IS NOT NULL OR expires_at < ?;
	`, time.Now().UTC().AddDate(0, 0, -1))
	if err != nil {
		return result, fmt.Errorf("purge link codes: %w", err)
	}
	result.PurgedLinkCodes, _ = res.RowsAffected()

	return result, nil
}
