package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/lunahq/pulse/internal/store"
)

func TestLinkCode_CreateAndConsume(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	code, err := s.CreateLinkCode(ctx, "user-1", 10*time.Minute)
	if err != nil {
		t.Fatalf("create code: %v", err)
	}
	if len(code) != 8 {
		t.Fatalf("expected 8-char code, got %q", code)
	}

	userID, err := s.ConsumeLinkCode(ctx, code)
	if err != nil {
		t.Fatalf("consume code: %v", err)
	}
	if userID != "user-1" {
		t.Fatalf("code resolved to %q", userID)
	}

	// Codes burn on use.
	if _, err := s.ConsumeLinkCode(ctx, code); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on reuse, got %v", err)
	}
}

func TestLinkCode_ExpiredAndUnknown(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	if _, err := s.ConsumeLinkCode(ctx, "NOPE2345"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown code, got %v", err)
	}

	if _, err := s.DB().Exec(`
		INSERT INTO link_codes (code, user_id, expires_at) VALUES ('STALE234', 'u', ?);
	`, time.Now().UTC().Add(-time.Hour)); err != nil {
		t.Fatalf("insert expired code: %v", err)
	}
	if _, err := s.ConsumeLinkCode(ctx, "STALE234"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for expired code, got %v", err)
	}
}

func TestTelegramLink_Lifecycle(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	if _, err := s.GetTelegramLink(ctx, "u"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound before linking, got %v", err)
	}

	if err := s.UpsertTelegramLink(ctx, "u", 123456, "lunafan"); err != nil {
		t.Fatalf("upsert link: %v", err)
	}
	link, err := s.GetTelegramLink(ctx, "u")
	if err != nil {
		t.Fatalf("get link: %v", err)
	}
	if link.ChatID != 123456 || link.Username != "lunafan" || !link.Active {
		t.Fatalf("unexpected link: %#v", link)
	}

	// Relinking from a new chat replaces the chat id.
	if err := s.UpsertTelegramLink(ctx, "u", 999999, "lunafan2"); err != nil {
		t.Fatalf("relink: %v", err)
	}
	link, err = s.GetTelegramLink(ctx, "u")
	if err != nil {
		t.Fatalf("get relinked: %v", err)
	}
	if link.ChatID != 999999 {
		t.Fatalf("relink kept old chat id: %#v", link)
	}

	if err := s.DeactivateTelegramLink(ctx, "u"); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if _, err := s.GetTelegramLink(ctx, "u"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after unlink, got %v", err)
	}
	if err := s.DeactivateTelegramLink(ctx, "u"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on double unlink, got %v", err)
	}

	// Linking again reactivates the same row.
	if err := s.UpsertTelegramLink(ctx, "u", 555, ""); err != nil {
		t.Fatalf("reactivate: %v", err)
	}
	link, err = s.GetTelegramLink(ctx, "u")
	if err != nil {
		t.Fatalf("get reactivated: %v", err)
	}
	if link.ChatID != 555 || !link.Active {
		t.Fatalf("unexpected reactivated link: %#v", link)
	}
}

func TestTelegramLink_UnlinkByChat(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	if _, err := s.DeactivateTelegramLinkByChat(ctx, 4242); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown chat, got %v", err)
	}

	if err := s.UpsertTelegramLink(ctx, "u", 4242, "lunafan"); err != nil {
		t.Fatalf("upsert link: %v", err)
	}
	userID, err := s.DeactivateTelegramLinkByChat(ctx, 4242)
	if err != nil {
		t.Fatalf("unlink by chat: %v", err)
	}
	if userID != "u" {
		t.Fatalf("unlink resolved to %q, want u", userID)
	}
	if _, err := s.GetTelegramLink(ctx, "u"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after chat unlink, got %v", err)
	}
}
