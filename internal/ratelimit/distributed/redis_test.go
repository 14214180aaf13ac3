package distributed

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
)

func newTestBackend(t *testing.T) (*Backend, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return New(client), mr
}

func TestBackend_AllowsUnderLimit(t *testing.T) {
	b, _ := newTestBackend(t)
	ctx := context.Background()

	r, err := b.Check(ctx, "key1", 3, 60)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !r.Allowed {
		t.Fatalf("expected allowed, got %+v", r)
	}
	if r.Remaining != 2 {
		t.Errorf("expected remaining 2, got %d", r.Remaining)
	}
}

func TestBackend_DeniesOverLimit(t *testing.T) {
	b, _ := newTestBackend(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if r, err := b.Check(ctx, "key1", 2, 60); err != nil || !r.Allowed {
			t.Fatalf("expected call %d allowed, got %+v err=%v", i, r, err)
		}
	}
	r, err := b.Check(ctx, "key1", 2, 60)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if r.Allowed {
		t.Fatalf("expected third call denied, got %+v", r)
	}
	if r.RetryAfterMs <= 0 {
		t.Errorf("expected positive retryAfterMs, got %d", r.RetryAfterMs)
	}
}

func TestBackend_IndependentPerKey(t *testing.T) {
	b, _ := newTestBackend(t)
	ctx := context.Background()

	b.Check(ctx, "a", 1, 60)
	r, err := b.Check(ctx, "b", 1, 60)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !r.Allowed {
		t.Fatal("expected independent key to be allowed")
	}
}

func TestBackend_UnlimitedWhenZero(t *testing.T) {
	b, _ := newTestBackend(t)
	ctx := context.Background()
	for i := 0; i < 20; i++ {
		r, err := b.Check(ctx, "k", 0, 60)
		if err != nil || !r.Allowed {
			t.Fatalf("expected unlimited backend to always allow, iteration %d: %+v %v", i, r, err)
		}
	}
}
