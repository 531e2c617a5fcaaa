package gateway_test

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lunahq/pulse/internal/config"
	"github.com/lunahq/pulse/internal/gateway"
)

func rateLimited(cfg config.RateLimitConfig) (*gateway.RateLimitMiddleware, http.Handler) {
	rl := gateway.NewRateLimitMiddleware(cfg)
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return rl, rl.Wrap(inner)
}

func limitedGet(handler http.Handler, path, key string) int {
	req := httptest.NewRequest("GET", path, nil)
	if key != "" {
		req.Header.Set("X-API-Key", key)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec.Code
}

func TestRateLimit_UnderLimit(t *testing.T) {
	_, handler := rateLimited(config.RateLimitConfig{
		Enabled:           true,
		RequestsPerMinute: 60,
		BurstSize:         10,
	})

	for i := 0; i < 5; i++ {
		if code := limitedGet(handler, "/api/v1/triggers", "key-a"); code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, code)
		}
	}
}

func TestRateLimit_OverLimit(t *testing.T) {
	_, handler := rateLimited(config.RateLimitConfig{
		Enabled:           true,
		RequestsPerMinute: 60,
		BurstSize:         3,
	})

	for i := 0; i < 3; i++ {
		if code := limitedGet(handler, "/api/v1/triggers", "key-a"); code != http.StatusOK {
			t.Fatalf("burst request %d: expected 200, got %d", i, code)
		}
	}
	if code := limitedGet(handler, "/api/v1/triggers", "key-a"); code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after burst, got %d", code)
	}
}

func TestRateLimit_RetryAfterHeader(t *testing.T) {
	_, handler := rateLimited(config.RateLimitConfig{
		Enabled:           true,
		RequestsPerMinute: 60,
		BurstSize:         1,
	})

	limitedGet(handler, "/api/v1/triggers", "key-a")

	req := httptest.NewRequest("GET", "/api/v1/triggers", nil)
	req.Header.Set("X-API-Key", "key-a")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if retryAfter := rec.Header().Get("Retry-After"); retryAfter != "1" {
		t.Fatalf("expected Retry-After: 1, got %q", retryAfter)
	}
}

func TestRateLimit_PerKeyBuckets(t *testing.T) {
	rl, handler := rateLimited(config.RateLimitConfig{
		Enabled:           true,
		RequestsPerMinute: 60,
		BurstSize:         1,
	})

	if code := limitedGet(handler, "/api/v1/triggers", "key-a"); code != http.StatusOK {
		t.Fatalf("key-a first: expected 200, got %d", code)
	}
	if code := limitedGet(handler, "/api/v1/triggers", "key-a"); code != http.StatusTooManyRequests {
		t.Fatalf("key-a second: expected 429, got %d", code)
	}
	// A different key holds its own bucket.
	if code := limitedGet(handler, "/api/v1/triggers", "key-b"); code != http.StatusOK {
		t.Fatalf("key-b: expected 200, got %d", code)
	}
	if n := rl.BucketCount(); n != 2 {
		t.Fatalf("expected 2 buckets, got %d", n)
	}
}

func TestRateLimit_DisabledPassThrough(t *testing.T) {
	_, handler := rateLimited(config.RateLimitConfig{Enabled: false})

	for i := 0; i < 50; i++ {
		if code := limitedGet(handler, "/api/v1/triggers", "key-a"); code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, code)
		}
	}
}

func TestRateLimit_HealthzExempt(t *testing.T) {
	_, handler := rateLimited(config.RateLimitConfig{
		Enabled:           true,
		RequestsPerMinute: 60,
		BurstSize:         1,
	})

	for i := 0; i < 10; i++ {
		if code := limitedGet(handler, "/healthz", "key-a"); code != http.StatusOK {
			t.Fatalf("healthz %d: expected 200, got %d", i, code)
		}
	}
}

func TestRateLimit_RefillsOverTime(t *testing.T) {
	// 6000 rpm = 100 tokens/s, so a drained bucket recovers within tens of
	// milliseconds.
	_, handler := rateLimited(config.RateLimitConfig{
		Enabled:           true,
		RequestsPerMinute: 6000,
		BurstSize:         1,
	})

	if code := limitedGet(handler, "/api/v1/triggers", "key-a"); code != http.StatusOK {
		t.Fatalf("first: expected 200, got %d", code)
	}
	if code := limitedGet(handler, "/api/v1/triggers", "key-a"); code != http.StatusTooManyRequests {
		t.Fatalf("drained: expected 429, got %d", code)
	}
	time.Sleep(50 * time.Millisecond)
	if code := limitedGet(handler, "/api/v1/triggers", "key-a"); code != http.StatusOK {
		t.Fatalf("after refill: expected 200, got %d", code)
	}
}

func TestRateLimit_EvictStale(t *testing.T) {
	rl, handler := rateLimited(config.RateLimitConfig{
		Enabled:           true,
		RequestsPerMinute: 60,
		BurstSize:         5,
	})

	limitedGet(handler, "/api/v1/triggers", "key-a")
	limitedGet(handler, "/api/v1/triggers", "key-b")
	if n := rl.BucketCount(); n != 2 {
		t.Fatalf("expected 2 buckets, got %d", n)
	}

	time.Sleep(10 * time.Millisecond)
	rl.EvictStale(time.Millisecond)
	if n := rl.BucketCount(); n != 0 {
		t.Fatalf("expected 0 buckets after eviction, got %d", n)
	}
}

func TestRateLimit_OnRejectHook(t *testing.T) {
	rl := gateway.NewRateLimitMiddleware(config.RateLimitConfig{
		Enabled:           true,
		RequestsPerMinute: 60,
		BurstSize:         1,
	})
	var rejects atomic.Int64
	rl.OnReject(func() { rejects.Add(1) })
	handler := rl.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	limitedGet(handler, "/api/v1/triggers", "key-a")
	limitedGet(handler, "/api/v1/triggers", "key-a")
	limitedGet(handler, "/api/v1/triggers", "key-a")

	if n := rejects.Load(); n != 2 {
		t.Fatalf("expected 2 rejects, got %d", n)
	}
}
