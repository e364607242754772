package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newBucket(t *testing.T, capacity int, refill float64) (*Bucket, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	return NewBucket(redis.NewClient(&redis.Options{Addr: mr.Addr()}), capacity, refill), mr
}

func TestBucketRejectsPastCapacity(t *testing.T) {
	ctx := context.Background()
	b, _ := newBucket(t, 2, 1)
	now := time.Unix(1_700_000_000, 0)
	b.now = func() time.Time { return now }

	for i := 0; i < 2; i++ {
		ok, err := b.Allow(ctx, "10.0.0.1")
		if err != nil || !ok {
			t.Fatalf("request %d: allowed=%v err=%v", i, ok, err)
		}
	}
	if ok, _ := b.Allow(ctx, "10.0.0.1"); ok {
		t.Fatalf("third request should be rejected")
	}
	if ok, _ := b.Allow(ctx, "10.0.0.2"); !ok {
		t.Fatalf("other clients keep their own budget")
	}
}

func TestBucketRefillsOverTime(t *testing.T) {
	ctx := context.Background()
	b, mr := newBucket(t, 1, 2)
	now := time.Unix(1_700_000_000, 0)
	b.now = func() time.Time { return now }

	if ok, _ := b.Allow(ctx, "c"); !ok {
		t.Fatalf("first request should pass")
	}
	if ok, _ := b.Allow(ctx, "c"); ok {
		t.Fatalf("bucket should be empty")
	}
	now = now.Add(600 * time.Millisecond)
	if ok, _ := b.Allow(ctx, "c"); !ok {
		t.Fatalf("bucket should have refilled")
	}
	if !mr.Exists(keyPrefix + "c") {
		t.Fatalf("expected state key %s", keyPrefix+"c")
	}
}
