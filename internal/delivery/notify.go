package delivery

import (
	"context"

	"github.com/lunahq/pulse/internal/presence"
)

// Notification categories used by the convenience wrappers.
const (
	CategoryTrading    = "trading"
	CategoryReminder   = "reminder"
	CategoryEmail      = "email"
	CategoryAutonomous = "autonomous"
)

// Notification is an ephemeral in-app toast. It goes straight to the
// presence registry: no queueing, no persistence, gone if the user is
// offline. Use SendDirectMessage when the message must survive.
type Notification struct {
	Category string         `json:"category"`
	Title    string         `json:"title,omitempty"`
	Body     string         `json:"body"`
	Data     map[string]any `json:"data,omitempty"`
}

// SendNotification broadcasts to the user's live connections and reports how
// many subscribers it reached.
func (e *Engine) SendNotification(_ context.Context, userID string, n Notification) int {
	reached := e.presence.Broadcast(userID, presence.Event{
		Type:    presence.EventNotification,
		Payload: n,
	})
	if reached == 0 {
		e.logger.Debug("notification reached nobody", "user_id", userID, "category", n.Category)
	}
	return reached
}

// SendTradingNotification surfaces a market or portfolio update.
func (e *Engine) SendTradingNotification(ctx context.Context, userID, title, body string) int {
	return e.SendNotification(ctx, userID, Notification{Category: CategoryTrading, Title: title, Body: body})
}

// SendReminderNotification surfaces a reminder.
func (e *Engine) SendReminderNotification(ctx context.Context, userID, title, body string) int {
	return e.SendNotification(ctx, userID, Notification{Category: CategoryReminder, Title: title, Body: body})
}

// SendEmailNotification surfaces an email digest event.
func (e *Engine) SendEmailNotification(ctx context.Context, userID, title, body string) int {
	return e.SendNotification(ctx, userID, Notification{Category: CategoryEmail, Title: title, Body: body})
}

// SendAutonomousNotification surfaces something the assistant did on its own.
func (e *Engine) SendAutonomousNotification(ctx context.Context, userID, title, body string) int {
	return e.SendNotification(ctx, userID, Notification{Category: CategoryAutonomous, Title: title, Body: body})
}
