package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/lunahq/pulse/internal/store"
)

// TelegramClient sends one message to a bot chat. *Bot implements it; tests
// substitute fakes.
type TelegramClient interface {
	SendMessage(ctx context.Context, chatID int64, text string) error
}

// telegramSender delivers through the user's linked bot chat, mirroring to
// chat afterwards so the conversation history stays complete. Users opt out
// of the mirror with persist_telegram_to_chat.
type telegramSender struct {
	store  *store.Store
	client TelegramClient
	chat   *chatSender
	logger *slog.Logger
}

func (s *telegramSender) Attempt(ctx context.Context, t *store.Trigger) (string, error) {
	if s.client == nil {
		return "", fmt.Errorf("telegram not configured: %w", ErrFallbackToChat)
	}
	link, err := s.store.GetTelegramLink(ctx, t.UserID)
	if errors.Is(err, store.ErrNotFound) {
		return "", fmt.Errorf("user %s has no telegram link: %w", t.UserID, ErrFallbackToChat)
	}
	if err != nil {
		return "", fmt.Errorf("telegram delivery: %w", err)
	}
	if err := s.client.SendMessage(ctx, link.ChatID, t.Message); err != nil {
		return "", fmt.Errorf("telegram send: %w: %w", err, ErrFallbackToChat)
	}

	mirror := true
	if prefs, perr := s.store.GetPreferences(ctx, t.UserID); perr == nil {
		mirror = prefs.PersistTelegramToChat
	}
	if !mirror {
		return "", nil
	}
	sessionID, err := s.chat.Attempt(ctx, t)
	if err != nil {
		// The bot message went out; losing the mirror is not a failed delivery.
		s.logger.Warn("telegram chat mirror failed", "trigger_id", t.ID, "error", err)
		return "", nil
	}
	return sessionID, nil
}

// Bot is the long-polling Telegram connection. It answers /start link codes
// so users can pair their account with a chat, honors /stop, and carries
// outbound sends for telegramSender.
type Bot struct {
	store  *store.Store
	logger *slog.Logger
	api    *tgbotapi.BotAPI
}

// NewBot dials the Telegram API and verifies the token.
func NewBot(token string, st *store.Store, logger *slog.Logger) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram init: %w", err)
	}
	logger.Info("telegram bot connected", "user", api.Self.UserName)
	return &Bot{store: st, logger: logger, api: api}, nil
}

// SendMessage implements TelegramClient.
func (b *Bot) SendMessage(ctx context.Context, chatID int64, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := b.api.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}

// Start long-polls for updates until ctx is cancelled, reconnecting with
// exponential backoff when the connection drops.
func (b *Bot) Start(ctx context.Context) error {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		u := tgbotapi.NewUpdate(0)
		u.Timeout = 60
		updates := b.api.GetUpdatesChan(u)

		pollErr := b.poll(ctx, updates)
		b.api.StopReceivingUpdates()

		if pollErr == nil {
			return nil
		}
		b.logger.Warn("telegram poll disconnected, reconnecting", "error", pollErr, "backoff", backoff)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// poll reads updates until ctx is done, the channel closes, or nothing
// arrives within 2.5x the long-poll timeout. The library blocks instead of
// closing the channel on a dead connection, so the stall timer is the only
// way to notice.
func (b *Bot) poll(ctx context.Context, updates tgbotapi.UpdatesChannel) error {
	const stallTimeout = 150 * time.Second

	timer := time.NewTimer(stallTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return fmt.Errorf("update channel closed")
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(stallTimeout)

			if update.Message != nil {
				b.handleMessage(ctx, update.Message)
			}
		case <-timer.C:
			return fmt.Errorf("no updates for %v", stallTimeout)
		}
	}
}

func (b *Bot) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	text := strings.TrimSpace(msg.Text)
	switch {
	case strings.HasPrefix(text, "/start"):
		b.handleLink(ctx, msg, strings.TrimSpace(strings.TrimPrefix(text, "/start")))
	case strings.HasPrefix(text, "/stop"):
		b.handleUnlink(ctx, msg.Chat.ID)
	case strings.HasPrefix(text, "/"):
		b.reply(msg.Chat.ID, "Commands: /start <code> to link your account, /stop to unlink.")
	}
}

func (b *Bot) handleLink(ctx context.Context, msg *tgbotapi.Message, code string) {
	if code == "" {
		b.reply(msg.Chat.ID, "Send /start <code> with the link code from the app.")
		return
	}
	userID, err := b.store.ConsumeLinkCode(ctx, code)
	if err != nil {
		b.logger.Warn("telegram link code rejected", "chat_id", msg.Chat.ID, "error", err)
		b.reply(msg.Chat.ID, "That code is invalid or expired. Generate a fresh one in the app.")
		return
	}
	username := ""
	if msg.From != nil {
		username = msg.From.UserName
	}
	if err := b.store.UpsertTelegramLink(ctx, userID, msg.Chat.ID, username); err != nil {
		b.logger.Error("telegram link save failed", "user_id", userID, "error", err)
		b.reply(msg.Chat.ID, "Linking failed, try again in a moment.")
		return
	}
	b.logger.Info("telegram linked", "user_id", userID, "chat_id", msg.Chat.ID)
	b.reply(msg.Chat.ID, "Linked. Notifications will show up here.")
}

func (b *Bot) handleUnlink(ctx context.Context, chatID int64) {
	userID, err := b.store.DeactivateTelegramLinkByChat(ctx, chatID)
	if errors.Is(err, store.ErrNotFound) {
		b.reply(chatID, "This chat is not linked to an account.")
		return
	}
	if err != nil {
		b.logger.Error("telegram unlink failed", "chat_id", chatID, "error", err)
		b.reply(chatID, "Unlinking failed, try again in a moment.")
		return
	}
	b.logger.Info("telegram unlinked", "user_id", userID, "chat_id", chatID)
	b.reply(chatID, "Unlinked. You can relink any time with a new code.")
}

func (b *Bot) reply(chatID int64, text string) {
	if _, err := b.api.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		b.logger.Error("telegram reply failed", "chat_id", chatID, "error", err)
	}
}
