package rate

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestRedisLimiterBoundsSubmissions(t *testing.T) {
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer s.Close()

	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer client.Close()

	lim := NewRedis(client, 2, 500*time.Millisecond, "test:")
	ctx := context.Background()

	allowed, _, err := lim.Allow(ctx, "customer-1", time.Now())
	if err != nil || !allowed {
		t.Fatalf("expected first submission allowed")
	}

	allowed, _, err = lim.Allow(ctx, "customer-1", time.Now())
	if err != nil || !allowed {
		t.Fatalf("expected second submission allowed")
	}

	allowed, retryAfter, err := lim.Allow(ctx, "customer-1", time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if allowed {
		t.Fatalf("expected third submission denied")
	}
	if retryAfter <= 0 {
		t.Fatalf("expected retryAfter > 0, got %s", retryAfter)
	}

	// Other customers are unaffected by the exhausted window.
	allowed, _, err = lim.Allow(ctx, "customer-2", time.Now())
	if err != nil || !allowed {
		t.Fatalf("expected other customer allowed")
	}

	s.FastForward(600 * time.Millisecond)
	allowed, _, err = lim.Allow(ctx, "customer-1", time.Now())
	if err != nil || !allowed {
		t.Fatalf("expected submission allowed after window expiry")
	}
}

func TestNewRedisDefaultsPrefix(t *testing.T) {
	lim := NewRedis(nil, 5, time.Minute, "")
	if lim.prefix != defaultKeyPrefix {
		t.Fatalf("expected default prefix, got %q", lim.prefix)
	}
}

func TestRedisLimiterRejectsZeroWindow(t *testing.T) {
	lim := NewRedis(nil, 5, 0, "test:")
	if _, _, err := lim.Allow(context.Background(), "customer-1", time.Now()); err == nil {
		t.Fatalf("expected error for zero window")
	}
}
