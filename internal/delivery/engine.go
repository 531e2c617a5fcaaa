// Package delivery moves queued triggers to users over their preferred
// channel. Each method has a sender; channels that cannot reach the user
// right now hand the message to chat, which only needs the store and always
// lands. The engine drives the queue sweep and finalizes every attempt as
// delivered or failed so no trigger is silently dropped.
package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lunahq/pulse/internal/presence"
	"github.com/lunahq/pulse/internal/store"
	"github.com/lunahq/pulse/internal/trigger"
)

const asyncDeliveryTimeout = 30 * time.Second

// Config tunes the engine. Zero values fall back to defaults; the hooks
// default to log-only (push) and unconfigured (telegram).
type Config struct {
	// SweepInterval is the queue drain cadence. Default 5s.
	SweepInterval time.Duration
	// BatchSize caps how many triggers one sweep claims. Default 10.
	BatchSize int
	// Pusher carries Web Push sends. Default logs intent only.
	Pusher Pusher
	// Telegram carries bot sends. Nil makes telegram fall back to chat.
	Telegram TelegramClient
	// PushDisabled removes the push channel entirely. Push triggers then
	// resolve to chat no matter what the user's preferences say.
	PushDisabled bool
}

// Engine owns delivery: the per-channel senders, the fallback hop, status
// transitions, and the periodic queue sweep.
type Engine struct {
	store    *store.Store
	presence *presence.Registry
	senders  map[store.DeliveryMethod]Sender
	config   Config
	logger   *slog.Logger

	startOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	running   atomic.Bool
	sweeps    atomic.Int64
	delivered atomic.Int64
	failed    atomic.Int64
	fallbacks atomic.Int64
	lastError atomic.Pointer[string]
}

// New wires the engine. Defaults are backfilled here so callers can pass a
// zero Config.
func New(st *store.Store, reg *presence.Registry, config Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = 5 * time.Second
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 10
	}
	if config.Pusher == nil {
		config.Pusher = &logPusher{logger: logger}
	}

	chat := &chatSender{store: st, presence: reg, logger: logger}
	senders := map[store.DeliveryMethod]Sender{
		store.DeliveryChat:     chat,
		store.DeliverySSE:      &sseSender{presence: reg},
		store.DeliveryTelegram: &telegramSender{store: st, client: config.Telegram, chat: chat, logger: logger},
	}
	if !config.PushDisabled {
		senders[store.DeliveryPush] = &pushSender{store: st, pusher: config.Pusher, chat: chat, logger: logger}
	}
	return &Engine{
		store:    st,
		presence: reg,
		config:   config,
		logger:   logger,
		senders:  senders,
	}
}

// DeliverTrigger claims a PENDING trigger (queue sweep rows arrive already
// claimed) and dispatches it over the method the user's preferences allow.
// At most one fallback hop to chat follows; the attempt always ends with the
// row delivered, failed, or back to pending with the error recorded.
func (e *Engine) DeliverTrigger(ctx context.Context, t *store.Trigger) error {
	if t == nil {
		return fmt.Errorf("deliver trigger: nil trigger")
	}
	switch t.Status {
	case store.TriggerStatusPending:
		claimed, err := e.store.MarkProcessing(ctx, t.ID)
		if err != nil {
			return fmt.Errorf("claim trigger %s: %w", t.ID, err)
		}
		t = claimed
	case store.TriggerStatusProcessing:
		// Already claimed by the sweep.
	default:
		return fmt.Errorf("deliver trigger %s: %w: status %s is terminal", t.ID, store.ErrInvalidTransition, t.Status)
	}

	prefs, err := e.store.GetPreferences(ctx, t.UserID)
	if err != nil {
		e.logger.Warn("load preferences failed, using defaults", "user_id", t.UserID, "error", err)
		prefs = store.DefaultPreferences(t.UserID)
	}
	method := resolveMethod(prefs, t.DeliveryMethod)

	sessionID, carried, err := e.dispatch(ctx, t, method)
	if err != nil {
		e.failed.Add(1)
		e.setLastError(err)
		if mfErr := e.store.MarkFailed(ctx, t.ID, err); mfErr != nil {
			e.logger.Error("record delivery failure", "trigger_id", t.ID, "error", mfErr)
		}
		return fmt.Errorf("deliver trigger %s: %w", t.ID, err)
	}
	if err := e.store.MarkDelivered(ctx, t.ID, sessionID, carried); err != nil {
		e.setLastError(err)
		return fmt.Errorf("finalize trigger %s: %w", t.ID, err)
	}
	e.delivered.Add(1)
	e.logger.Info("trigger delivered",
		"trigger_id", t.ID, "user_id", t.UserID, "method", carried,
		"requested", t.DeliveryMethod, "attempt", t.Attempts)
	return nil
}

// dispatch runs the channel attempt with at most one fallback hop to chat.
// A panic inside a sender is converted to an error so one bad channel hook
// cannot take down the sweep.
func (e *Engine) dispatch(ctx context.Context, t *store.Trigger, method store.DeliveryMethod) (sessionID string, carried store.DeliveryMethod, err error) {
	carried = method
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("delivery panic on %s: %v", carried, r)
		}
	}()

	sender, ok := e.senders[method]
	if !ok {
		carried = store.DeliveryChat
		sender = e.senders[store.DeliveryChat]
	}
	sessionID, err = sender.Attempt(ctx, t)
	if err == nil {
		return sessionID, carried, nil
	}
	if carried == store.DeliveryChat || !errors.Is(err, ErrFallbackToChat) {
		return "", carried, err
	}

	e.fallbacks.Add(1)
	e.logger.Info("channel unavailable, delivering to chat", "trigger_id", t.ID, "method", carried, "reason", err)
	carried = store.DeliveryChat
	sessionID, err = e.senders[store.DeliveryChat].Attempt(ctx, t)
	if err != nil {
		return "", carried, fmt.Errorf("chat fallback: %w", err)
	}
	return sessionID, carried, nil
}

// ProcessTriggerQueue drains one batch: claim, deliver sequentially, count
// successes. Per-item failures are logged and skipped so one bad trigger
// never blocks the rest of the batch. No lock is held during delivery I/O.
func (e *Engine) ProcessTriggerQueue(ctx context.Context) (int, error) {
	batch, err := e.store.ClaimBatch(ctx, e.config.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("claim batch: %w", err)
	}
	delivered := 0
	for i := range batch {
		if err := ctx.Err(); err != nil {
			// Rows left in PROCESSING are requeued by startup recovery.
			return delivered, err
		}
		if err := e.DeliverTrigger(ctx, &batch[i]); err != nil {
			e.logger.Warn("queue delivery failed", "trigger_id", batch[i].ID, "error", err)
			continue
		}
		delivered++
	}
	return delivered, nil
}

// DeliverAsync attempts delivery of an already-enqueued trigger in a
// detached goroutine. The webhook path acks the HTTP caller first and then
// calls this; a panic or failure costs only the immediate attempt because
// the row stays queued for the sweep.
func (e *Engine) DeliverAsync(t *store.Trigger) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				e.logger.Error("detached delivery panicked", "trigger_id", t.ID, "panic", r)
			}
		}()
		ctx, cancel := context.WithTimeout(context.Background(), asyncDeliveryTimeout)
		defer cancel()
		if err := e.DeliverTrigger(ctx, t); err != nil {
			e.logger.Warn("detached delivery failed, queued for sweep", "trigger_id", t.ID, "error", err)
		}
	}()
}

// MessageOptions adjusts SendDirectMessage. The zero value sends a chat
// "direct_message" trigger at default priority.
type MessageOptions struct {
	TriggerType string
	Method      store.DeliveryMethod
	Priority    *int
	Payload     string
	SessionID   string
}

// SendDirectMessage enqueues an event trigger and attempts delivery once,
// synchronously. On failure the row stays queued and the sweep retries, so
// callers get best-effort immediacy with durable delivery either way.
func (e *Engine) SendDirectMessage(ctx context.Context, userID, message string, opts MessageOptions) (*store.Trigger, error) {
	typ := opts.TriggerType
	if typ == "" {
		typ = "direct_message"
	}
	t, err := e.store.EnqueueTrigger(ctx, store.EnqueueInput{
		UserID:          userID,
		Type:            typ,
		Source:          store.SourceEvent,
		Priority:        opts.Priority,
		Message:         message,
		Payload:         opts.Payload,
		DeliveryMethod:  opts.Method,
		TargetSessionID: opts.SessionID,
	})
	if err != nil {
		return nil, err
	}
	if err := e.DeliverTrigger(ctx, t); err != nil {
		e.logger.Warn("direct delivery failed, queued for sweep", "trigger_id", t.ID, "error", err)
	}
	final, err := e.store.GetTrigger(ctx, t.ID)
	if err != nil {
		return t, nil
	}
	return final, nil
}

// FireEventTrigger lets other subsystems raise an event-sourced trigger.
// data["message"] becomes the notification text, rendered against data; the
// whole map travels as the payload. Events rank above every sweep-produced
// trigger and the next queue sweep delivers them.
func (e *Engine) FireEventTrigger(ctx context.Context, eventType, userID string, data map[string]any) (*store.Trigger, error) {
	message := eventType
	if raw, ok := data["message"].(string); ok && raw != "" {
		message = trigger.RenderTemplate(raw, data)
	}
	payload := "{}"
	if len(data) > 0 {
		encoded, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("encode event data: %w", err)
		}
		payload = string(encoded)
	}
	priority := trigger.PriorityEvent
	return e.store.EnqueueTrigger(ctx, store.EnqueueInput{
		UserID:   userID,
		Type:     eventType,
		Source:   store.SourceEvent,
		Priority: &priority,
		Message:  message,
		Payload:  payload,
	})
}

// Start launches the queue sweep loop. Subsequent calls are no-ops.
func (e *Engine) Start(ctx context.Context) {
	e.startOnce.Do(func() {
		runCtx, cancel := context.WithCancel(ctx)
		e.cancel = cancel
		e.running.Store(true)
		e.wg.Add(1)
		go e.sweepLoop(runCtx)
		e.logger.Info("delivery engine started",
			"sweep_interval", e.config.SweepInterval, "batch_size", e.config.BatchSize)
	})
}

func (e *Engine) sweepLoop(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := e.ProcessTriggerQueue(ctx)
			e.sweeps.Add(1)
			if err != nil {
				e.setLastError(err)
				e.logger.Warn("queue sweep failed", "error", err)
				continue
			}
			if n > 0 {
				e.logger.Debug("queue sweep complete", "delivered", n)
			}
		}
	}
}

// Stop cancels the sweep loop and waits for it and any detached deliveries
// to finish.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		if e.cancel != nil {
			e.cancel()
		}
		e.wg.Wait()
		e.running.Store(false)
		e.logger.Info("delivery engine stopped")
	})
}

// Status is a point-in-time snapshot for the status endpoint.
type Status struct {
	Running   bool   `json:"running"`
	Sweeps    int64  `json:"sweeps"`
	Delivered int64  `json:"delivered"`
	Failed    int64  `json:"failed"`
	Fallbacks int64  `json:"fallbacks"`
	LastError string `json:"last_error,omitempty"`
}

func (e *Engine) Status() Status {
	st := Status{
		Running:   e.running.Load(),
		Sweeps:    e.sweeps.Load(),
		Delivered: e.delivered.Load(),
		Failed:    e.failed.Load(),
		Fallbacks: e.fallbacks.Load(),
	}
	if p := e.lastError.Load(); p != nil {
		st.LastError = *p
	}
	return st
}

func (e *Engine) setLastError(err error) {
	msg := err.Error()
	e.lastError.Store(&msg)
}
