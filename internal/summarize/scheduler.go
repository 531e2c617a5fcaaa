// Package summarize keeps chat sessions bounded. A per-user idle timer
// compacts a session after a quiet period, and a hard token threshold forces
// compaction the moment a session outgrows it. Both paths funnel into the
// same idempotent Compactor, so the two conditions can race freely.
package summarize

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/lunahq/pulse/internal/store"
	"github.com/lunahq/pulse/internal/tokenutil"
)

const (
	// DefaultIdleDelay is the quiet period after the last activity before a
	// user's session is compacted.
	DefaultIdleDelay = 5 * time.Minute

	// DefaultTokenThreshold is the estimated token count (chars/4) above
	// which a session is compacted immediately instead of waiting out the
	// idle timer.
	DefaultTokenThreshold = 100_000

	// compactionTimeout bounds a timer-fired compaction. Summarizers that
	// call an LLM can stall; the archive step itself is quick.
	compactionTimeout = 2 * time.Minute
)

// Config adjusts the Scheduler's two triggers. Zero values select the
// defaults above.
type Config struct {
	IdleDelay      time.Duration
	TokenThreshold int
}

// Scheduler debounces per-user compaction. Each user has at most one armed
// idle timer; new activity re-arms it, so a burst of messages costs one
// compaction after the burst goes quiet.
type Scheduler struct {
	store     *store.Store
	compactor *Compactor
	config    Config
	logger    *slog.Logger

	mu     sync.Mutex
	timers map[string]*timerEntry
}

type timerEntry struct {
	timer     *time.Timer
	sessionID string
}

// NewScheduler creates a Scheduler around an existing Compactor.
func NewScheduler(st *store.Store, c *Compactor, config Config, logger *slog.Logger) *Scheduler {
	if config.IdleDelay <= 0 {
		config.IdleDelay = DefaultIdleDelay
	}
	if config.TokenThreshold <= 0 {
		config.TokenThreshold = DefaultTokenThreshold
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:     st,
		compactor: c,
		config:    config,
		logger:    logger,
		timers:    make(map[string]*timerEntry),
	}
}

// NoteActivity records that userID just acted in sessionID. It re-arms the
// user's idle timer, and when the session's estimated size is over the token
// threshold it compacts right away on the caller's context. The immediate
// path leaves the timer armed: once it fires, CompactSession finds nothing
// left to shrink.
func (s *Scheduler) NoteActivity(ctx context.Context, userID, sessionID string) {
	s.mu.Lock()
	if prev, ok := s.timers[userID]; ok {
		prev.timer.Stop()
	}
	entry := &timerEntry{sessionID: sessionID}
	entry.timer = time.AfterFunc(s.config.IdleDelay, func() {
		s.fire(userID, entry)
	})
	s.timers[userID] = entry
	s.mu.Unlock()

	chars, err := s.store.SessionCharCount(ctx, sessionID)
	if err != nil {
		s.logger.Warn("session size estimate failed",
			"session_id", sessionID, "error", err)
		return
	}
	if est := tokenutil.TokensForChars(int(chars)); est > s.config.TokenThreshold {
		s.logger.Info("session over token threshold, compacting now",
			"user_id", userID,
			"session_id", sessionID,
			"estimated_tokens", est,
			"threshold", s.config.TokenThreshold)
		if err := s.compactor.CompactSession(ctx, sessionID, userID); err != nil {
			s.logger.Warn("threshold compaction failed",
				"session_id", sessionID, "error", err)
		}
	}
}

// fire runs when an idle timer expires. A timer that lost the race with a
// concurrent re-arm still gets here; the identity check only keeps it from
// evicting the newer entry, and its compaction is an idempotent no-op.
func (s *Scheduler) fire(userID string, entry *timerEntry) {
	s.mu.Lock()
	if cur, ok := s.timers[userID]; ok && cur == entry {
		delete(s.timers, userID)
	}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), compactionTimeout)
	defer cancel()
	s.logger.Debug("idle timer fired",
		"user_id", userID, "session_id", entry.sessionID)
	if err := s.compactor.CompactSession(ctx, entry.sessionID, userID); err != nil {
		s.logger.Warn("idle compaction failed",
			"user_id", userID, "session_id", entry.sessionID, "error", err)
	}
}

// ClearAllTimers stops every armed timer without firing it. Shutdown hook: a
// compaction pending at exit is dropped, not deferred to the next start.
func (s *Scheduler) ClearAllTimers() {
	s.mu.Lock()
	n := len(s.timers)
	for userID, entry := range s.timers {
		entry.timer.Stop()
		delete(s.timers, userID)
	}
	s.mu.Unlock()
	if n > 0 {
		s.logger.Info("idle timers cleared", "count", n)
	}
}

// ArmedTimerCount reports how many users currently have an idle timer armed.
func (s *Scheduler) ArmedTimerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}
