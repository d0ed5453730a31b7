package ratelimit_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/notifyhub/courier/internal/config"
	"github.com/notifyhub/courier/internal/ratelimit"
)

func newLimiter(t *testing.T, limits map[string]config.RateLimitConfig) *ratelimit.Limiter {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return ratelimit.New(rdb, limits, config.RateLimitConfig{MaxTokens: 100, RefillRate: 50})
}

func TestLimiter_AllowsUpToBurst(t *testing.T) {
	l := newLimiter(t, map[string]config.RateLimitConfig{
		"email": {MaxTokens: 3, RefillRate: 0.1},
	})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d, err := l.ConsumeToken(ctx, "email")
		if err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
		if !d.Allowed {
			t.Fatalf("call %d: expected allowed", i)
		}
	}

	d, err := l.ConsumeToken(ctx, "email")
	if err != nil {
		t.Fatal(err)
	}
	if d.Allowed {
		t.Fatal("expected rejection once the bucket is empty")
	}
}

func TestLimiter_RetryAfterMatchesRefillRate(t *testing.T) {
	l := newLimiter(t, map[string]config.RateLimitConfig{
		"email": {MaxTokens: 1, RefillRate: 0.5},
	})
	ctx := context.Background()

	if d, _ := l.ConsumeToken(ctx, "email"); !d.Allowed {
		t.Fatal("first token should be granted")
	}

	d, err := l.ConsumeToken(ctx, "email")
	if err != nil {
		t.Fatal(err)
	}
	if d.Allowed {
		t.Fatal("second token should be rejected")
	}
	// One token at 0.5 tokens/s takes 2s to refill; allow slack for the
	// few milliseconds already elapsed.
	if d.RetryAfter < 1500*time.Millisecond || d.RetryAfter > 2*time.Second {
		t.Fatalf("expected retry_after near 2s, got %v", d.RetryAfter)
	}
}

func TestLimiter_RefillRestoresTokens(t *testing.T) {
	l := newLimiter(t, map[string]config.RateLimitConfig{
		"email": {MaxTokens: 1, RefillRate: 50},
	})
	ctx := context.Background()

	if d, _ := l.ConsumeToken(ctx, "email"); !d.Allowed {
		t.Fatal("first token should be granted")
	}
	// At 50 tokens/s a full token returns within 20ms.
	time.Sleep(40 * time.Millisecond)

	d, err := l.ConsumeToken(ctx, "email")
	if err != nil {
		t.Fatal(err)
	}
	if !d.Allowed {
		t.Fatalf("expected refill to grant a token, retry_after=%v", d.RetryAfter)
	}
}

func TestLimiter_UnknownChannelUsesFallback(t *testing.T) {
	l := newLimiter(t, nil)

	d, err := l.ConsumeToken(context.Background(), "carrier-pigeon")
	if err != nil {
		t.Fatal(err)
	}
	if !d.Allowed {
		t.Fatal("fallback bucket should grant tokens")
	}
}
