package sliding

import (
	"testing"
	"time"
)

func TestLimiter_AllowsUpToLimit(t *testing.T) {
	l := New(2, 0)
	base := time.Now()
	l.now = func() time.Time { return base }

	r1 := l.Check("k")
	r2 := l.Check("k")
	r3 := l.Check("k")

	if !r1.Allowed || !r2.Allowed {
		t.Fatalf("expected first two calls allowed, got %+v %+v", r1, r2)
	}
	if r3.Allowed {
		t.Fatalf("expected third call denied, got %+v", r3)
	}
	if r3.RetryAfterMs <= 0 || r3.RetryAfterMs > 60000 {
		t.Errorf("expected retryAfterMs in (0, 60000], got %d", r3.RetryAfterMs)
	}
}

func TestLimiter_WindowSlides(t *testing.T) {
	l := New(1, 0)
	base := time.Now()
	l.now = func() time.Time { return base }

	if r := l.Check("k"); !r.Allowed {
		t.Fatal("expected first call allowed")
	}
	if r := l.Check("k"); r.Allowed {
		t.Fatal("expected second call denied within window")
	}

	l.now = func() time.Time { return base.Add(61 * time.Second) }
	if r := l.Check("k"); !r.Allowed {
		t.Fatal("expected call allowed after window elapses")
	}
}

func TestLimiter_UnlimitedWhenZero(t *testing.T) {
	l := New(0, 0)
	for i := 0; i < 100; i++ {
		if r := l.Check("k"); !r.Allowed {
			t.Fatalf("expected unlimited limiter to always allow, denied at iteration %d", i)
		}
	}
}

func TestLimiter_IndependentPerKey(t *testing.T) {
	l := New(1, 0)
	if r := l.Check("a"); !r.Allowed {
		t.Fatal("expected key a allowed")
	}
	if r := l.Check("b"); !r.Allowed {
		t.Fatal("expected key b allowed independently of key a")
	}
}

func TestLimiter_LRUEviction(t *testing.T) {
	l := New(5, 2)
	l.Check("a")
	l.Check("b")
	if got := l.TrackedKeys(); got != 2 {
		t.Fatalf("expected 2 tracked keys, got %d", got)
	}
	l.Check("c") // evicts "a", the least-recently-used
	if got := l.TrackedKeys(); got != 2 {
		t.Fatalf("expected eviction to keep tracked keys at 2, got %d", got)
	}
}

func TestLimiter_SlidingBoundProperty(t *testing.T) {
	l := New(5, 0)
	base := time.Now()
	admitted := 0
	for i := 0; i < 50; i++ {
		l.now = func() time.Time { return base.Add(time.Duration(i) * time.Second) }
		if l.Check("k").Allowed {
			admitted++
		}
		// All 50 calls (one per second) fall inside a single trailing 60s
		// window, so exactly `limit` of them may be admitted.
	}
	if admitted != 5 {
		t.Fatalf("expected exactly limit admissions over 50s at 1/s, got %d", admitted)
	}
}
