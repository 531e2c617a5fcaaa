package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/lunahq/pulse/internal/store"
)

func TestMoodSamples_WindowAndOrder(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if err := s.AddMoodEntry(ctx, "u", -0.6, "rough morning"); err != nil {
		t.Fatalf("add mood: %v", err)
	}
	if err := s.AddMoodEntry(ctx, "u", 0.2, "better now"); err != nil {
		t.Fatalf("add mood: %v", err)
	}
	// An old reading outside the window.
	if _, err := s.DB().Exec(`
		INSERT INTO mood_entries (user_id, score, note, created_at) VALUES ('u', -0.9, 'last week', ?);
	`, now.AddDate(0, 0, -7)); err != nil {
		t.Fatalf("insert old mood: %v", err)
	}
	// Another user's reading.
	if err := s.AddMoodEntry(ctx, "other", -1.0, ""); err != nil {
		t.Fatalf("add other mood: %v", err)
	}

	samples, err := s.MoodSamples(ctx, "u", now.Add(-24*time.Hour), 10)
	if err != nil {
		t.Fatalf("mood samples: %v", err)
	}
	if len(samples) != 2 {
		t.Fatalf("expected 2 samples in window, got %d", len(samples))
	}
	// Newest first.
	if samples[0].Score != 0.2 || samples[1].Score != -0.6 {
		t.Fatalf("samples out of order: %#v", samples)
	}

	if err := s.AddMoodEntry(ctx, "u", 1.5, ""); err == nil {
		t.Fatal("expected error for score above 1")
	}
	if err := s.AddMoodEntry(ctx, "u", -2, ""); err == nil {
		t.Fatal("expected error for score below -1")
	}
}

func TestCompletedTaskCount_Window(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for i := 0; i < 3; i++ {
		if err := s.AddTaskCompletion(ctx, "u", "task"); err != nil {
			t.Fatalf("add completion: %v", err)
		}
	}
	if _, err := s.DB().Exec(`
		INSERT INTO task_completions (user_id, task_ref, completed_at) VALUES ('u', 'stale', ?);
	`, now.AddDate(0, 0, -3)); err != nil {
		t.Fatalf("insert old completion: %v", err)
	}

	n, err := s.CompletedTaskCount(ctx, "u", now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 completions in window, got %d", n)
	}

	all, err := s.CompletedTaskCount(ctx, "u", now.AddDate(0, 0, -30))
	if err != nil {
		t.Fatalf("count all: %v", err)
	}
	if all != 4 {
		t.Fatalf("expected 4 completions in month, got %d", all)
	}
}

func TestLastActivity_OnlyUserMessagesCount(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	last, err := s.LastActivity(ctx, "u")
	if err != nil {
		t.Fatalf("last activity: %v", err)
	}
	if !last.IsZero() {
		t.Fatalf("expected zero time for unknown user, got %v", last)
	}

	sess, err := s.GetOrCreateUpdatesSession(ctx, "u")
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	// Assistant chatter alone is not user activity.
	if _, err := s.AppendMessage(ctx, sess.ID, "u", "assistant", "checking in!"); err != nil {
		t.Fatalf("append assistant: %v", err)
	}
	last, err = s.LastActivity(ctx, "u")
	if err != nil {
		t.Fatalf("last activity: %v", err)
	}
	if !last.IsZero() {
		t.Fatalf("assistant message counted as activity: %v", last)
	}

	if _, err := s.AppendMessage(ctx, sess.ID, "u", "user", "hi"); err != nil {
		t.Fatalf("append user: %v", err)
	}
	last, err = s.LastActivity(ctx, "u")
	if err != nil {
		t.Fatalf("last activity: %v", err)
	}
	if last.IsZero() {
		t.Fatal("expected activity timestamp after user message")
	}
}

func TestActiveUserIDs_UnionAcrossSignals(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	if _, err := s.GetOrCreateUpdatesSession(ctx, "alice"); err != nil {
		t.Fatalf("session: %v", err)
	}
	if err := s.AddMoodEntry(ctx, "bob", 0.5, ""); err != nil {
		t.Fatalf("mood: %v", err)
	}
	if err := s.AddTaskCompletion(ctx, "carol", "t"); err != nil {
		t.Fatalf("completion: %v", err)
	}
	// Duplicate signal must not duplicate the user.
	if err := s.AddMoodEntry(ctx, "alice", 0.1, ""); err != nil {
		t.Fatalf("mood: %v", err)
	}

	users, err := s.ActiveUserIDs(ctx)
	if err != nil {
		t.Fatalf("active users: %v", err)
	}
	want := []string{"alice", "bob", "carol"}
	if len(users) != len(want) {
		t.Fatalf("expected %v, got %v", want, users)
	}
	for i := range want {
		if users[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, users)
		}
	}
}
