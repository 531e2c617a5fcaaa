package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/lunahq/pulse/internal/store"
)

func TestRunRetention_PurgesOnlyTerminalAndArchived(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()
	old := time.Now().UTC().AddDate(0, 0, -120)

	// Old delivered trigger: eligible.
	delivered := enqueue(t, s, store.EnqueueInput{UserID: "u", Type: "a", Source: store.SourceEvent})
	if _, err := s.MarkProcessing(ctx, delivered.ID); err != nil {
		t.Fatalf("mark processing: %v", err)
	}
	if err := s.MarkDelivered(ctx, delivered.ID, "sess-1", store.DeliveryChat); err != nil {
		t.Fatalf("mark delivered: %v", err)
	}
	backdate(t, s, delivered.ID, old)

	// Old pending trigger: undelivered work is never purged.
	pending := enqueue(t, s, store.EnqueueInput{UserID: "u", Type: "b", Source: store.SourceEvent})
	backdate(t, s, pending.ID, old)

	// Fresh failed trigger: terminal but inside the window.
	failed := enqueue(t, s, store.EnqueueInput{UserID: "u", Type: "c", Source: store.SourceEvent, MaxAttempts: 1})
	if _, err := s.MarkProcessing(ctx, failed.ID); err != nil {
		t.Fatalf("mark processing: %v", err)
	}
	if err := s.MarkFailed(ctx, failed.ID, context.DeadlineExceeded); err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	// Old archived and old active messages.
	sess, err := s.GetOrCreateUpdatesSession(ctx, "u")
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	archivedID, err := s.AppendMessage(ctx, sess.ID, "u", "user", "old archived")
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := s.ArchiveMessages(ctx, sess.ID, archivedID); err != nil {
		t.Fatalf("archive: %v", err)
	}
	activeID, err := s.AppendMessage(ctx, sess.ID, "u", "user", "old but active")
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := s.DB().Exec(`UPDATE messages SET created_at = ?, archived_at = CASE WHEN archived_at IS NULL THEN NULL ELSE ? END WHERE id IN (?, ?);`,
		old, old, archivedID, activeID); err != nil {
		t.Fatalf("backdate messages: %v", err)
	}

	// Old audit row.
	if _, err := s.DB().Exec(`
		INSERT INTO audit_log (action, event, reason, created_at) VALUES ('test', 'allow', 'old row', ?);
	`, time.Now().UTC().AddDate(0, 0, -400)); err != nil {
		t.Fatalf("insert audit row: %v", err)
	}

	result, err := s.RunRetention(ctx, 90, 365, 90)
	if err != nil {
		t.Fatalf("run retention: %v", err)
	}
	if result.PurgedTriggers != 1 {
		t.Fatalf("expected 1 purged trigger, got %d", result.PurgedTriggers)
	}
	if result.PurgedMessages != 1 {
		t.Fatalf("expected 1 purged message, got %d", result.PurgedMessages)
	}
	if result.PurgedAuditLogs != 1 {
		t.Fatalf("expected 1 purged audit row, got %d", result.PurgedAuditLogs)
	}

	if _, err := s.GetTrigger(ctx, delivered.ID); err == nil {
		t.Fatal("old delivered trigger should be purged")
	}
	if _, err := s.GetTrigger(ctx, pending.ID); err != nil {
		t.Fatalf("old pending trigger must survive: %v", err)
	}
	if _, err := s.GetTrigger(ctx, failed.ID); err != nil {
		t.Fatalf("fresh failed trigger must survive: %v", err)
	}

	msgs, err := s.ListMessages(ctx, sess.ID, 10)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != 1 || msgs[0].ID != activeID {
		t.Fatalf("active message must survive retention: %#v", msgs)
	}

	// Delivery history outlives the purged trigger row.
	history, err := s.ListHistory(ctx, "u", 10)
	if err != nil {
		t.Fatalf("list history: %v", err)
	}
	if len(history) != 1 || history[0].TriggerID != delivered.ID {
		t.Fatalf("history must be exempt from retention: %#v", history)
	}

	// Idempotent: a second run purges nothing new.
	again, err := s.RunRetention(ctx, 90, 365, 90)
	if err != nil {
		t.Fatalf("second retention run: %v", err)
	}
	if again.PurgedTriggers != 0 || again.PurgedMessages != 0 || again.PurgedAuditLogs != 0 {
		t.Fatalf("second run purged rows: %#v", again)
	}
}

func TestRunRetention_ZeroDaysDisablesCategory(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()
	old := time.Now().UTC().AddDate(0, 0, -120)

	delivered := enqueue(t, s, store.EnqueueInput{UserID: "u", Type: "a", Source: store.SourceEvent})
	if _, err := s.MarkProcessing(ctx, delivered.ID); err != nil {
		t.Fatalf("mark processing: %v", err)
	}
	if err := s.MarkDelivered(ctx, delivered.ID, "", store.DeliveryChat); err != nil {
		t.Fatalf("mark delivered: %v", err)
	}
	backdate(t, s, delivered.ID, old)

	result, err := s.RunRetention(ctx, 0, 0, 0)
	if err != nil {
		t.Fatalf("run retention: %v", err)
	}
	if result.PurgedTriggers != 0 {
		t.Fatalf("zero-day window must disable purging, got %d", result.PurgedTriggers)
	}
	if _, err := s.GetTrigger(ctx, delivered.ID); err != nil {
		t.Fatalf("trigger should survive disabled retention: %v", err)
	}
}
