package store_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/lunahq/pulse/internal/store"
)

func TestGetOrCreateUpdatesSession_SingleRowPerUser(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	first, err := s.GetOrCreateUpdatesSession(ctx, "user-1")
	if err != nil {
		t.Fatalf("first call: %v", err)
	}
	if first.Kind != store.SessionKindUpdates {
		t.Fatalf("expected updates session, got kind %q", first.Kind)
	}

	second, err := s.GetOrCreateUpdatesSession(ctx, "user-1")
	if err != nil {
		t.Fatalf("second call: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("updates session not stable: %s vs %s", second.ID, first.ID)
	}

	other, err := s.GetOrCreateUpdatesSession(ctx, "user-2")
	if err != nil {
		t.Fatalf("other user: %v", err)
	}
	if other.ID == first.ID {
		t.Fatal("users must not share an updates session")
	}

	// A plain chat session does not collide with the updates session.
	chat, err := s.CreateSession(ctx, "user-1")
	if err != nil {
		t.Fatalf("create chat session: %v", err)
	}
	if chat.Kind != store.SessionKindChat {
		t.Fatalf("expected chat kind, got %q", chat.Kind)
	}
}

func TestAppendMessage_RoleValidationAndListing(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	sess, err := s.GetOrCreateUpdatesSession(ctx, "u")
	if err != nil {
		t.Fatalf("session: %v", err)
	}

	if _, err := s.AppendMessage(ctx, sess.ID, "u", "narrator", "once upon a time"); err == nil {
		t.Fatal("expected error for invalid role")
	}

	for i, m := range []struct{ role, content string }{
		{"user", "hey"},
		{"assistant", "hello! how was the gym?"},
		{"user", "pretty good"},
	} {
		if _, err := s.AppendMessage(ctx, sess.ID, "u", m.role, m.content); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	msgs, err := s.ListMessages(ctx, sess.ID, 50)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	if msgs[0].Content != "hey" || msgs[2].Content != "pretty good" {
		t.Fatalf("messages out of insertion order: %#v", msgs)
	}
}

func TestArchiveMessages_IsIdempotentAndExcludedFromListing(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	sess, err := s.GetOrCreateUpdatesSession(ctx, "u")
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	var ids []int64
	for i := 0; i < 5; i++ {
		id, err := s.AppendMessage(ctx, sess.ID, "u", "user", strings.Repeat("x", 10))
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		ids = append(ids, id)
	}

	archived, err := s.ArchiveMessages(ctx, sess.ID, ids[2])
	if err != nil {
		t.Fatalf("archive: %v", err)
	}
	if archived != 3 {
		t.Fatalf("expected 3 archived, got %d", archived)
	}

	// Rerunning with the same boundary archives nothing further.
	archived, err = s.ArchiveMessages(ctx, sess.ID, ids[2])
	if err != nil {
		t.Fatalf("archive rerun: %v", err)
	}
	if archived != 0 {
		t.Fatalf("rerun archived %d rows", archived)
	}

	msgs, err := s.ListMessages(ctx, sess.ID, 50)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 active messages, got %d", len(msgs))
	}
	if msgs[0].ID != ids[3] {
		t.Fatalf("wrong surviving messages: %#v", msgs)
	}

	n, err := s.ActiveMessageCount(ctx, sess.ID)
	if err != nil {
		t.Fatalf("active count: %v", err)
	}
	if n != 2 {
		t.Fatalf("active count = %d, want 2", n)
	}
}

func TestSessionCharCount(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	sess, err := s.GetOrCreateUpdatesSession(ctx, "u")
	if err != nil {
		t.Fatalf("session: %v", err)
	}

	empty, err := s.SessionCharCount(ctx, sess.ID)
	if err != nil {
		t.Fatalf("char count empty: %v", err)
	}
	if empty != 0 {
		t.Fatalf("expected 0 chars, got %d", empty)
	}

	id1, err := s.AppendMessage(ctx, sess.ID, "u", "user", strings.Repeat("a", 100))
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := s.AppendMessage(ctx, sess.ID, "u", "assistant", strings.Repeat("b", 150)); err != nil {
		t.Fatalf("append: %v", err)
	}

	chars, err := s.SessionCharCount(ctx, sess.ID)
	if err != nil {
		t.Fatalf("char count: %v", err)
	}
	if chars != 250 {
		t.Fatalf("expected 250 chars, got %d", chars)
	}

	// Archived content no longer counts toward the threshold.
	if _, err := s.ArchiveMessages(ctx, sess.ID, id1); err != nil {
		t.Fatalf("archive: %v", err)
	}
	chars, err = s.SessionCharCount(ctx, sess.ID)
	if err != nil {
		t.Fatalf("char count after archive: %v", err)
	}
	if chars != 150 {
		t.Fatalf("expected 150 chars, got %d", chars)
	}
}

func TestGetSession_NotFound(t *testing.T) {
	s, _ := openTestStore(t)
	if _, err := s.GetSession(context.Background(), "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
