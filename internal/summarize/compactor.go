package summarize

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"unicode/utf8"

	"github.com/lunahq/pulse/internal/store"
	"github.com/lunahq/pulse/internal/tokenutil"
)

// Summarizer condenses an ordered span of messages into one summary string.
// Implementations may call an LLM; the default is deterministic truncation so
// compaction works with no model configured.
type Summarizer interface {
	Summarize(ctx context.Context, msgs []store.Message) (string, error)
}

// TruncationSummarizer is the default Summarizer: one clipped line per
// message under a short header, capped at MaxChars. Deterministic and
// offline, so it also serves as the fallback when a real Summarizer errors.
type TruncationSummarizer struct {
	// MaxChars caps the summary body. Zero means 1500.
	MaxChars int
}

const truncLineChars = 160

func (t TruncationSummarizer) Summarize(_ context.Context, msgs []store.Message) (string, error) {
	limit := t.MaxChars
	if limit <= 0 {
		limit = 1500
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Condensed %d earlier messages:\n", len(msgs))
	for _, m := range msgs {
		fmt.Fprintf(&b, "%s: %s\n", m.Role, clip(m.Content, truncLineChars))
		if b.Len() >= limit {
			break
		}
	}
	out := strings.TrimSpace(b.String())
	if len(out) > limit {
		out = clip(out, limit)
	}
	return out, nil
}

// clip truncates s to at most n bytes without splitting a rune, marking the
// cut with an ASCII ellipsis.
func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}

// Compactor rewrites an oversized session in place: the newest keepRecent
// messages survive untouched, everything older is archived and replaced by a
// single system summary turn.
type Compactor struct {
	store      *store.Store
	summarizer Summarizer
	keepRecent int
	logger     *slog.Logger

	// count tracks completed compactions; the metrics layer exposes it as a
	// monotonic observable counter.
	count atomic.Int64
}

// NewCompactor creates a Compactor. A nil summarizer selects truncation;
// keepRecent defaults to 10.
func NewCompactor(st *store.Store, sum Summarizer, keepRecent int, logger *slog.Logger) *Compactor {
	if sum == nil {
		sum = TruncationSummarizer{}
	}
	if keepRecent <= 0 {
		keepRecent = 10
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Compactor{
		store:      st,
		summarizer: sum,
		keepRecent: keepRecent,
		logger:     logger,
	}
}

// CompactSession archives everything but the newest keepRecent messages and
// inserts one system turn summarizing the archived span. Safe to call twice:
// a session that cannot shrink is left alone, which is what makes the race
// between the idle timer and the token threshold harmless.
func (c *Compactor) CompactSession(ctx context.Context, sessionID, userID string) error {
	msgs, err := c.store.ListMessages(ctx, sessionID, 1000)
	if err != nil {
		return fmt.Errorf("list session %s: %w", sessionID, err)
	}
	// A span of one message would be replaced by one summary turn and shrink
	// nothing, so compaction needs keepRecent plus at least two.
	if len(msgs) <= c.keepRecent+1 {
		return nil
	}

	older := msgs[:len(msgs)-c.keepRecent]
	boundary := older[len(older)-1].ID

	summary, err := c.summarizer.Summarize(ctx, older)
	if err != nil {
		c.logger.Warn("summarizer failed, falling back to truncation",
			"session_id", sessionID, "error", err)
		summary, _ = TruncationSummarizer{}.Summarize(ctx, older)
	}

	archived, err := c.store.ArchiveMessages(ctx, sessionID, boundary)
	if err != nil {
		return fmt.Errorf("archive session %s span: %w", sessionID, err)
	}
	content := "Previous conversation summary: " + summary
	if _, err := c.store.AppendMessage(ctx, sessionID, userID, "system", content); err != nil {
		return fmt.Errorf("append summary to session %s: %w", sessionID, err)
	}
	c.count.Add(1)
	c.logger.Info("session compacted",
		"session_id", sessionID,
		"archived", archived,
		"kept", c.keepRecent,
		"summary_tokens", tokenutil.EstimateTokens(content))
	return nil
}

// CompactionCount reports how many compactions this process has completed.
func (c *Compactor) CompactionCount() int64 {
	return c.count.Load()
}
