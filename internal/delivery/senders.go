package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/lunahq/pulse/internal/presence"
	"github.com/lunahq/pulse/internal/store"
)

// ErrFallbackToChat signals that a channel cannot reach the user right now
// and chat should carry the message within the same attempt. Senders wrap it
// with the reason; the engine follows at most one hop.
var ErrFallbackToChat = errors.New("channel unavailable, fall back to chat")

// Sender attempts delivery over one channel. It returns the chat session id
// the message landed in, or "" for channels that persist nothing.
type Sender interface {
	Attempt(ctx context.Context, t *store.Trigger) (sessionID string, err error)
}

// Pusher sends one Web Push payload to a registered device. The default
// implementation only logs intent, so deployments without push credentials
// still deliver through the chat copy.
type Pusher interface {
	Push(ctx context.Context, sub store.PushSubscription, payload []byte) error
}

type logPusher struct {
	logger *slog.Logger
}

func (p *logPusher) Push(_ context.Context, sub store.PushSubscription, payload []byte) error {
	p.logger.Info("push intent", "endpoint", sub.Endpoint, "device", sub.DeviceName, "bytes", len(payload))
	return nil
}

// resolveMethod applies the user's channel preferences before dispatch.
// Disabled push and telegram resolve to chat, as do empty and unknown
// methods. A disabled chat preference is handled inside chatSender: the
// durable append always happens, only the broadcast is suppressed.
func resolveMethod(prefs store.Preferences, method store.DeliveryMethod) store.DeliveryMethod {
	switch method {
	case store.DeliverySSE:
		return store.DeliverySSE
	case store.DeliveryPush:
		if !prefs.PushEnabled {
			return store.DeliveryChat
		}
		return store.DeliveryPush
	case store.DeliveryTelegram:
		if !prefs.TelegramEnabled {
			return store.DeliveryChat
		}
		return store.DeliveryTelegram
	default:
		return store.DeliveryChat
	}
}

// chatSender is the terminal channel. It appends the message to the user's
// updates session and never falls back; every other sender leans on it.
type chatSender struct {
	store    *store.Store
	presence *presence.Registry
	logger   *slog.Logger
}

func (c *chatSender) Attempt(ctx context.Context, t *store.Trigger) (string, error) {
	sess, err := c.store.GetOrCreateUpdatesSession(ctx, t.UserID)
	if err != nil {
		return "", fmt.Errorf("chat delivery: %w", err)
	}
	msgID, err := c.store.AppendMessage(ctx, sess.ID, t.UserID, "assistant", t.Message)
	if err != nil {
		return "", fmt.Errorf("chat delivery: %w", err)
	}

	notify := true
	if prefs, perr := c.store.GetPreferences(ctx, t.UserID); perr == nil {
		notify = prefs.ChatEnabled
	}
	if notify && c.presence.IsOnline(t.UserID) {
		c.presence.Broadcast(t.UserID, presence.Event{
			Type: presence.EventNewMessage,
			Payload: map[string]any{
				"session_id": sess.ID,
				"message_id": msgID,
				"trigger_id": t.ID,
				"content":    t.Message,
			},
		})
	}
	return sess.ID, nil
}

// sseSender reaches only connected users. The event is ephemeral; nothing is
// persisted on this path.
type sseSender struct {
	presence *presence.Registry
}

func (s *sseSender) Attempt(_ context.Context, t *store.Trigger) (string, error) {
	if !s.presence.IsOnline(t.UserID) {
		return "", fmt.Errorf("user %s has no live connection: %w", t.UserID, ErrFallbackToChat)
	}
	s.presence.Broadcast(t.UserID, presence.Event{
		Type:    presence.EventTriggerDelivered,
		Payload: triggerEventPayload(t),
	})
	return "", nil
}

// pushSender fans the payload out to every active device registration, then
// delivers to chat as well so the message survives a dismissed notification.
type pushSender struct {
	store  *store.Store
	pusher Pusher
	chat   *chatSender
	logger *slog.Logger
}

func (p *pushSender) Attempt(ctx context.Context, t *store.Trigger) (string, error) {
	subs, err := p.store.ListActivePushSubscriptions(ctx, t.UserID)
	if err != nil {
		return "", fmt.Errorf("push delivery: %w", err)
	}
	if len(subs) == 0 {
		return "", fmt.Errorf("user %s has no active push subscriptions: %w", t.UserID, ErrFallbackToChat)
	}

	payload := pushPayload(t)
	for _, sub := range subs {
		if err := p.pusher.Push(ctx, sub, payload); err != nil {
			// TODO: deactivate subscriptions the push service reports gone (410).
			p.logger.Warn("push send failed", "subscription_id", sub.ID, "error", err)
		}
	}
	return p.chat.Attempt(ctx, t)
}

func triggerEventPayload(t *store.Trigger) map[string]any {
	p := map[string]any{
		"id":           t.ID,
		"trigger_type": t.Type,
		"message":      t.Message,
		"priority":     t.Priority,
		"created_at":   t.CreatedAt,
	}
	if t.Payload != "" && t.Payload != "{}" {
		p["payload"] = json.RawMessage(t.Payload)
	}
	return p
}

func pushPayload(t *store.Trigger) []byte {
	body, _ := json.Marshal(map[string]any{
		"title":        "Pulse",
		"body":         t.Message,
		"trigger_id":   t.ID,
		"trigger_type": t.Type,
		"priority":     t.Priority,
	})
	return body
}
