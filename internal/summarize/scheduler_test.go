package summarize_test

import (
	"context"
	"testing"
	"time"

	"github.com/lunahq/pulse/internal/store"
	"github.com/lunahq/pulse/internal/summarize"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

// bigThreshold keeps the token check out of tests that exercise the timer.
const bigThreshold = 1 << 30

func newScheduler(t *testing.T, s *store.Store, rec *recordingSummarizer, cfg summarize.Config) *summarize.Scheduler {
	t.Helper()
	c := summarize.NewCompactor(s, rec, 10, testLogger())
	return summarize.NewScheduler(s, c, cfg, testLogger())
}

func TestScheduler_BurstCollapsesToOneCompaction(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	sessionID := seedSession(t, s, "alice", 15)

	rec := &recordingSummarizer{text: "idle summary"}
	sched := newScheduler(t, s, rec, summarize.Config{
		IdleDelay:      40 * time.Millisecond,
		TokenThreshold: bigThreshold,
	})

	for i := 0; i < 3; i++ {
		sched.NoteActivity(ctx, "alice", sessionID)
		time.Sleep(10 * time.Millisecond)
	}
	if got := sched.ArmedTimerCount(); got != 1 {
		t.Fatalf("armed timers during burst = %d, want 1", got)
	}

	waitFor(t, 2*time.Second, func() bool { return rec.callCount() == 1 })
	time.Sleep(100 * time.Millisecond)
	if got := rec.callCount(); got != 1 {
		t.Fatalf("compactions = %d, want exactly 1", got)
	}
	if got := sched.ArmedTimerCount(); got != 0 {
		t.Errorf("armed timers after fire = %d, want 0", got)
	}

	msgs, err := s.ListMessages(ctx, sessionID, 0)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(msgs) != 11 {
		t.Errorf("messages after idle compaction = %d, want 11", len(msgs))
	}
}

func TestScheduler_ThresholdCompactsImmediately(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	// 15 short messages total roughly 80 chars, an estimate of 20 tokens.
	sessionID := seedSession(t, s, "alice", 15)

	rec := &recordingSummarizer{text: "threshold summary"}
	sched := newScheduler(t, s, rec, summarize.Config{
		IdleDelay:      40 * time.Millisecond,
		TokenThreshold: 10,
	})

	sched.NoteActivity(ctx, "alice", sessionID)

	// The threshold path runs on the caller's goroutine, so the session is
	// already compacted when NoteActivity returns.
	if got := rec.callCount(); got != 1 {
		t.Fatalf("compactions after NoteActivity = %d, want 1", got)
	}
	msgs, err := s.ListMessages(ctx, sessionID, 0)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(msgs) != 11 {
		t.Fatalf("messages after threshold compaction = %d, want 11", len(msgs))
	}
	// The idle timer stays armed and its later firing finds nothing to do.
	if got := sched.ArmedTimerCount(); got != 1 {
		t.Fatalf("armed timers after threshold path = %d, want 1", got)
	}
	waitFor(t, 2*time.Second, func() bool { return sched.ArmedTimerCount() == 0 })
	time.Sleep(50 * time.Millisecond)
	if got := rec.callCount(); got != 1 {
		t.Errorf("compactions after timer fired = %d, want still 1", got)
	}
}

func TestScheduler_ReArmSwitchesSession(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	oldSession := seedSession(t, s, "alice", 15)
	newSession := seedSession(t, s, "alice", 15)

	rec := &recordingSummarizer{text: "latest session summary"}
	sched := newScheduler(t, s, rec, summarize.Config{
		IdleDelay:      40 * time.Millisecond,
		TokenThreshold: bigThreshold,
	})

	sched.NoteActivity(ctx, "alice", oldSession)
	sched.NoteActivity(ctx, "alice", newSession)

	waitFor(t, 2*time.Second, func() bool { return rec.callCount() == 1 })

	// Only the session from the latest activity is compacted.
	oldMsgs, err := s.ListMessages(ctx, oldSession, 0)
	if err != nil {
		t.Fatalf("ListMessages old: %v", err)
	}
	if len(oldMsgs) != 15 {
		t.Errorf("old session messages = %d, want untouched 15", len(oldMsgs))
	}
	newMsgs, err := s.ListMessages(ctx, newSession, 0)
	if err != nil {
		t.Fatalf("ListMessages new: %v", err)
	}
	if len(newMsgs) != 11 {
		t.Errorf("new session messages = %d, want compacted 11", len(newMsgs))
	}
}

func TestScheduler_ClearAllTimersDropsPending(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	aliceSession := seedSession(t, s, "alice", 15)
	bobSession := seedSession(t, s, "bob", 15)

	rec := &recordingSummarizer{text: "never used"}
	sched := newScheduler(t, s, rec, summarize.Config{
		IdleDelay:      40 * time.Millisecond,
		TokenThreshold: bigThreshold,
	})

	sched.NoteActivity(ctx, "alice", aliceSession)
	sched.NoteActivity(ctx, "bob", bobSession)
	if got := sched.ArmedTimerCount(); got != 2 {
		t.Fatalf("armed timers = %d, want 2", got)
	}

	sched.ClearAllTimers()
	if got := sched.ArmedTimerCount(); got != 0 {
		t.Fatalf("armed timers after clear = %d, want 0", got)
	}

	// Well past the idle delay: the dropped timers must not fire.
	time.Sleep(150 * time.Millisecond)
	if got := rec.callCount(); got != 0 {
		t.Errorf("compactions after clear = %d, want 0", got)
	}
	for _, sessionID := range []string{aliceSession, bobSession} {
		msgs, err := s.ListMessages(ctx, sessionID, 0)
		if err != nil {
			t.Fatalf("ListMessages: %v", err)
		}
		if len(msgs) != 15 {
			t.Errorf("session %s messages = %d, want untouched 15", sessionID, len(msgs))
		}
	}
}
