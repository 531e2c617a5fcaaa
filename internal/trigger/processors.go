package trigger

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/lunahq/pulse/internal/store"
)

// Priority bands for processor-enqueued triggers. Events outrank pattern
// matches, which outrank insights and plain schedules.
const (
	PrioritySchedule = 5
	PriorityInsight  = 6
	PriorityPattern  = 7
	PriorityEvent    = 8
)

// Processors owns the periodic sweeps that turn due schedules, detector
// matches, and unshared insights into queued triggers. Each sweep returns the
// number of triggers it enqueued; per-user failures are logged and skipped so
// one bad row never stalls the rest.
type Processors struct {
	store     *store.Store
	detectors *DetectorRegistry
	logger    *slog.Logger
}

// NewProcessors wires the sweeps to the store and detector registry.
func NewProcessors(st *store.Store, detectors *DetectorRegistry, logger *slog.Logger) *Processors {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processors{
		store:     st,
		detectors: detectors,
		logger:    logger,
	}
}

// ProcessTimeBasedTriggers enqueues a trigger for every due time schedule at
// the schedule's own priority and method, then advances the schedule. A
// disabled notification class drops the message but still advances, so the
// schedule does not stay due forever.
func (p *Processors) ProcessTimeBasedTriggers(ctx context.Context) (int, error) {
	now := time.Now().UTC()
	due, err := p.store.ListDueSchedules(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("list due schedules: %w", err)
	}

	enqueued := 0
	for _, sc := range due {
		prefs, err := p.store.GetPreferences(ctx, sc.UserID)
		if err != nil {
			p.logger.Warn("time sweep: preferences unavailable, skipping schedule",
				"schedule_id", sc.ID, "user_id", sc.UserID, "error", err)
			continue
		}
		if !ClassEnabled(prefs, sc.TriggerType) {
			p.advanceSchedule(ctx, sc.ID, now, "class disabled")
			continue
		}

		data := map[string]any{
			"user": map[string]any{"id": sc.UserID},
		}
		payload, _ := json.Marshal(map[string]any{"scheduleId": sc.ID})
		priority := sc.Priority
		if _, err := p.store.EnqueueTrigger(ctx, store.EnqueueInput{
			UserID:         sc.UserID,
			ScheduleID:     sc.ID,
			Type:           sc.TriggerType,
			Source:         store.SourceSchedule,
			Priority:       &priority,
			Message:        RenderTemplate(sc.Message, data),
			Payload:        string(payload),
			DeliveryMethod: sc.DeliveryMethod,
		}); err != nil {
			p.logger.Error("time sweep: enqueue failed",
				"schedule_id", sc.ID, "user_id", sc.UserID, "error", err)
			continue
		}
		p.advanceSchedule(ctx, sc.ID, now, "fired")
		enqueued++
	}
	return enqueued, nil
}

// ProcessPatternTriggers runs each pattern schedule's detector and enqueues a
// trigger when the pattern holds. Quiet hours and disabled classes skip the
// user without advancing the schedule, so the check repeats next sweep; a
// fired schedule advances, giving the detector a cooldown.
func (p *Processors) ProcessPatternTriggers(ctx context.Context) (int, error) {
	now := time.Now().UTC()
	schedules, err := p.store.ListEnabledPatternSchedules(ctx)
	if err != nil {
		return 0, fmt.Errorf("list pattern schedules: %w", err)
	}

	enqueued := 0
	for _, sc := range schedules {
		if sc.NextRunAt != nil && sc.NextRunAt.After(now) {
			continue
		}
		prefs, err := p.store.GetPreferences(ctx, sc.UserID)
		if err != nil {
			p.logger.Warn("pattern sweep: preferences unavailable, skipping schedule",
				"schedule_id", sc.ID, "user_id", sc.UserID, "error", err)
			continue
		}
		if InQuietHours(prefs, now) || !ClassEnabled(prefs, sc.TriggerType) {
			continue
		}

		detector, ok := p.detectors.Get(sc.TriggerType)
		if !ok {
			p.logger.Warn("pattern sweep: schedule names unknown detector",
				"schedule_id", sc.ID, "detector", sc.TriggerType)
			continue
		}
		triggered, evidence, err := detector.Check(ctx, sc.UserID)
		if err != nil {
			p.logger.Warn("pattern sweep: detector check failed",
				"detector", detector.Name(), "user_id", sc.UserID, "error", err)
			continue
		}
		if !triggered {
			continue
		}

		payload := "{}"
		if b, err := json.Marshal(evidence); err == nil {
			payload = string(b)
		}
		priority := PriorityPattern
		if _, err := p.store.EnqueueTrigger(ctx, store.EnqueueInput{
			UserID:         sc.UserID,
			ScheduleID:     sc.ID,
			Type:           sc.TriggerType,
			Source:         store.SourcePattern,
			Priority:       &priority,
			Message:        RenderTemplate(sc.Message, evidence),
			Payload:        payload,
			DeliveryMethod: sc.DeliveryMethod,
		}); err != nil {
			p.logger.Error("pattern sweep: enqueue failed",
				"schedule_id", sc.ID, "user_id", sc.UserID, "error", err)
			continue
		}
		p.advanceSchedule(ctx, sc.ID, now, "pattern matched")
		enqueued++
	}
	return enqueued, nil
}

// ProcessInsightTriggers enqueues a trigger for each unshared high-priority
// insight and marks it shared. Users in quiet hours or with insights disabled
// keep their rows unshared for a later sweep.
func (p *Processors) ProcessInsightTriggers(ctx context.Context) (int, error) {
	now := time.Now().UTC()
	insights, err := p.store.ListUnsharedHighPriorityInsights(ctx, 0)
	if err != nil {
		return 0, fmt.Errorf("list unshared insights: %w", err)
	}

	enqueued := 0
	for _, ins := range insights {
		prefs, err := p.store.GetPreferences(ctx, ins.UserID)
		if err != nil {
			p.logger.Warn("insight sweep: preferences unavailable, skipping insight",
				"insight_id", ins.ID, "user_id", ins.UserID, "error", err)
			continue
		}
		if InQuietHours(prefs, now) || !prefs.InsightsEnabled {
			continue
		}

		data := map[string]any{}
		if err := json.Unmarshal([]byte(ins.Payload), &data); err != nil {
			p.logger.Warn("insight sweep: payload is not a JSON object",
				"insight_id", ins.ID, "error", err)
		}
		triggerType := ins.Kind
		if triggerType == "" {
			triggerType = "insight"
		}
		priority := PriorityInsight
		if _, err := p.store.EnqueueTrigger(ctx, store.EnqueueInput{
			UserID:     ins.UserID,
			ScheduleID: ins.ID,
			Type:       triggerType,
			Source:     store.SourceInsight,
			Priority:   &priority,
			Message:    RenderTemplate(ins.Body, data),
			Payload:    ins.Payload,
		}); err != nil {
			p.logger.Error("insight sweep: enqueue failed",
				"insight_id", ins.ID, "user_id", ins.UserID, "error", err)
			continue
		}
		if err := p.store.MarkInsightShared(ctx, ins.ID); err != nil {
			p.logger.Error("insight sweep: mark shared failed",
				"insight_id", ins.ID, "error", err)
		}
		enqueued++
	}
	return enqueued, nil
}

func (p *Processors) advanceSchedule(ctx context.Context, id string, now time.Time, reason string) {
	if err := p.store.MarkScheduleTriggered(ctx, id, now); err != nil {
		p.logger.Error("advance schedule failed", "schedule_id", id, "reason", reason, "error", err)
	}
}
