package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newBucket(t *testing.T, capacity int, refill float64) (*TokenBucket, *time.Time) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	bucket := NewTokenBucket(client, capacity, refill, time.Minute)
	clock := time.UnixMilli(1_700_000_000_000)
	bucket.now = func() time.Time { return clock }
	return bucket, &clock
}

func TestTokenBucketCapacity(t *testing.T) {
	ctx := context.Background()
	bucket, _ := newBucket(t, 2, 1)

	allowed, _, err := bucket.Allow(ctx, "client")
	if err != nil || !allowed {
		t.Fatalf("expected first token allowed got allowed=%v err=%v", allowed, err)
	}
	allowed, _, _ = bucket.Allow(ctx, "client")
	if !allowed {
		t.Fatalf("expected second token allowed")
	}
	allowed, remaining, _ := bucket.Allow(ctx, "client")
	if allowed {
		t.Fatalf("expected third token to be rejected")
	}
	if remaining != 0 {
		t.Fatalf("expected empty bucket, got %v", remaining)
	}

	// Buckets are per key.
	if allowed, _, _ := bucket.Allow(ctx, "other"); !allowed {
		t.Fatalf("expected a separate bucket for another key")
	}
}

func TestTokenBucketRefills(t *testing.T) {
	ctx := context.Background()
	bucket, clock := newBucket(t, 1, 2)

	if allowed, _, _ := bucket.Allow(ctx, "client"); !allowed {
		t.Fatalf("expected first token allowed")
	}
	if allowed, _, _ := bucket.Allow(ctx, "client"); allowed {
		t.Fatalf("expected empty bucket")
	}

	*clock = clock.Add(600 * time.Millisecond)
	if allowed, _, _ := bucket.Allow(ctx, "client"); !allowed {
		t.Fatalf("expected a token after refill")
	}
}
