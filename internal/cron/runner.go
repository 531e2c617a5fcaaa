// Package cron drives the engine's periodic jobs. Each job runs on its own
// goroutine and ticker, so a slow pattern scan never delays the due-schedule
// check.
package cron

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/lunahq/pulse/internal/store"
	"github.com/lunahq/pulse/internal/trigger"
)

// Job is one periodic unit of work. Fn reports how many items it acted on.
type Job struct {
	Name     string
	Interval time.Duration
	// Immediate runs the job once at Start instead of waiting out the first
	// interval. Processor jobs want this so a restart does not sit on due
	// schedules.
	Immediate bool
	Fn        func(ctx context.Context) (int, error)
}

// Config sets the intervals and retention cutoffs DefaultJobs uses. Zero
// intervals select the defaults in parentheses. Retention day counts pass
// through as given; zero keeps that category forever.
type Config struct {
	TimeInterval      time.Duration // due-schedule scan (1m)
	PatternInterval   time.Duration // behavior detectors (1h)
	InsightInterval   time.Duration // insight sharing (6h)
	RetentionInterval time.Duration // purge pass (1h)

	TriggerRetentionDays  int
	AuditLogRetentionDays int
	MessageRetentionDays  int
}

func (c *Config) applyDefaults() {
	if c.TimeInterval <= 0 {
		c.TimeInterval = time.Minute
	}
	if c.PatternInterval <= 0 {
		c.PatternInterval = time.Hour
	}
	if c.InsightInterval <= 0 {
		c.InsightInterval = 6 * time.Hour
	}
	if c.RetentionInterval <= 0 {
		c.RetentionInterval = time.Hour
	}
}

// DefaultJobs assembles the standard job set: the three trigger processors
// and the retention purge.
func DefaultJobs(p *trigger.Processors, st *store.Store, cfg Config) []Job {
	cfg.applyDefaults()
	return []Job{
		{Name: "time_triggers", Interval: cfg.TimeInterval, Immediate: true, Fn: p.ProcessTimeBasedTriggers},
		{Name: "pattern_triggers", Interval: cfg.PatternInterval, Immediate: true, Fn: p.ProcessPatternTriggers},
		{Name: "insight_triggers", Interval: cfg.InsightInterval, Immediate: true, Fn: p.ProcessInsightTriggers},
		{
			Name:     "retention",
			Interval: cfg.RetentionInterval,
			Fn: func(ctx context.Context) (int, error) {
				res, err := st.RunRetention(ctx, cfg.TriggerRetentionDays, cfg.AuditLogRetentionDays, cfg.MessageRetentionDays)
				if err != nil {
					return 0, err
				}
				purged := res.PurgedTriggers + res.PurgedAuditLogs + res.PurgedMessages + res.PurgedLinkCodes
				return int(purged), nil
			},
		},
	}
}

// Runner runs a fixed set of jobs until stopped.
type Runner struct {
	jobs   []Job
	logger *slog.Logger

	startOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewRunner creates a Runner over jobs. A job with no Fn or a non-positive
// interval is dropped with a warning rather than sinking the whole set.
func NewRunner(logger *slog.Logger, jobs []Job) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	kept := make([]Job, 0, len(jobs))
	for _, j := range jobs {
		if j.Fn == nil || j.Interval <= 0 {
			logger.Warn("cron: dropping misconfigured job", "job", j.Name)
			continue
		}
		kept = append(kept, j)
	}
	return &Runner{jobs: kept, logger: logger}
}

// JobNames lists the jobs the runner will drive, in registration order.
func (r *Runner) JobNames() []string {
	names := make([]string, len(r.jobs))
	for i, j := range r.jobs {
		names[i] = j.Name
	}
	return names
}

// Start launches one goroutine per job and returns. Subsequent calls are
// no-ops.
func (r *Runner) Start(ctx context.Context) {
	r.startOnce.Do(func() {
		ctx, r.cancel = context.WithCancel(ctx)
		for _, job := range r.jobs {
			r.wg.Add(1)
			go r.loop(ctx, job)
		}
		r.logger.Info("cron runner started", "jobs", r.JobNames())
	})
}

// Stop cancels every job loop and waits for in-flight runs to finish.
func (r *Runner) Stop() {
	r.stopOnce.Do(func() {
		if r.cancel != nil {
			r.cancel()
		}
		r.wg.Wait()
		r.logger.Info("cron runner stopped")
	})
}

func (r *Runner) loop(ctx context.Context, job Job) {
	defer r.wg.Done()

	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()

	if job.Immediate {
		r.runOnce(ctx, job)
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.runOnce(ctx, job)
		}
	}
}

// runOnce executes one job run. A panic is contained here so one broken
// processor cannot take down the other loops.
func (r *Runner) runOnce(ctx context.Context, job Job) {
	start := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("cron: job panicked",
				"job", job.Name,
				"panic", rec,
				"duration", time.Since(start))
		}
	}()

	n, err := job.Fn(ctx)
	duration := time.Since(start)
	switch {
	case err != nil:
		r.logger.Error("cron: job failed",
			"job", job.Name, "error", err, "duration", duration)
	case n > 0:
		r.logger.Info("cron: job ran",
			"job", job.Name, "processed", n, "duration", duration)
	default:
		r.logger.Debug("cron: job idle",
			"job", job.Name, "duration", duration)
	}
}
