package store_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/lunahq/pulse/internal/store"
)

func TestListHistory_NewestFirstAndScopedToUser(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	deliver := func(userID, trigType string, method store.DeliveryMethod) string {
		t.Helper()
		tr := enqueue(t, s, store.EnqueueInput{
			UserID:         userID,
			Type:           trigType,
			Source:         store.SourceSchedule,
			Message:        "msg " + trigType,
			DeliveryMethod: method,
		})
		if _, err := s.MarkProcessing(ctx, tr.ID); err != nil {
			t.Fatalf("mark processing %s: %v", trigType, err)
		}
		if err := s.MarkDelivered(ctx, tr.ID, "sess-"+userID, method); err != nil {
			t.Fatalf("mark delivered %s: %v", trigType, err)
		}
		return tr.ID
	}

	first := deliver("alice", "morning", store.DeliveryChat)
	second := deliver("alice", "midday", store.DeliveryPush)
	third := deliver("alice", "evening", store.DeliverySSE)
	deliver("bob", "other", store.DeliveryChat)

	// Spread delivered_at so ordering does not hinge on insert timing.
	base := time.Now().UTC().Add(-time.Hour)
	for i, id := range []string{first, second, third} {
		if _, err := s.DB().Exec(`UPDATE trigger_history SET delivered_at = ? WHERE trigger_id = ?;`,
			base.Add(time.Duration(i)*time.Minute), id); err != nil {
			t.Fatalf("backdate history %d: %v", i, err)
		}
	}

	entries, err := s.ListHistory(ctx, "alice", 10)
	if err != nil {
		t.Fatalf("list history: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries for alice, got %d", len(entries))
	}
	wantOrder := []string{third, second, first}
	for i, want := range wantOrder {
		if entries[i].TriggerID != want {
			t.Fatalf("entry %d: got trigger %s, want %s", i, entries[i].TriggerID, want)
		}
	}
	if entries[0].DeliveredVia != store.DeliverySSE || entries[0].SessionID != "sess-alice" {
		t.Fatalf("unexpected newest entry: %#v", entries[0])
	}
	if entries[0].Message != "msg evening" {
		t.Fatalf("message not recorded: %q", entries[0].Message)
	}

	count, err := s.HistoryCount(ctx, "alice")
	if err != nil {
		t.Fatalf("history count: %v", err)
	}
	if count != 3 {
		t.Fatalf("expected count 3, got %d", count)
	}
}

func TestListHistory_LimitClampsAndDefaults(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		tr := enqueue(t, s, store.EnqueueInput{UserID: "u", Type: fmt.Sprintf("t%d", i), Source: store.SourceEvent})
		if _, err := s.MarkProcessing(ctx, tr.ID); err != nil {
			t.Fatalf("mark processing: %v", err)
		}
		if err := s.MarkDelivered(ctx, tr.ID, "", store.DeliveryChat); err != nil {
			t.Fatalf("mark delivered: %v", err)
		}
	}

	limited, err := s.ListHistory(ctx, "u", 2)
	if err != nil {
		t.Fatalf("list history: %v", err)
	}
	if len(limited) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(limited))
	}

	all, err := s.ListHistory(ctx, "u", 0)
	if err != nil {
		t.Fatalf("list history default: %v", err)
	}
	if len(all) != 4 {
		t.Fatalf("expected default limit to return all 4, got %d", len(all))
	}
}
