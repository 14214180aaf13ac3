package webhook

import (
	"errors"
	"sync"
	"testing"
)

func TestAdd_FlushesSynchronouslyAtBatchSize(t *testing.T) {
	var delivered [][]any
	var mu sync.Mutex
	b := New(Config{MaxBatchSize: 2}, func(url string, payloads []any) error {
		mu.Lock()
		delivered = append(delivered, payloads)
		mu.Unlock()
		return nil
	})

	b.Add("http://x", "e1")
	if len(delivered) != 0 {
		t.Fatal("expected no flush before reaching batch size")
	}
	b.Add("http://x", "e2")
	if len(delivered) != 1 || len(delivered[0]) != 2 {
		t.Fatalf("expected synchronous flush at batch size, got %+v", delivered)
	}
}

func TestAdd_RejectsWhenGlobalQueueFull(t *testing.T) {
	b := New(Config{MaxBatchSize: 100, MaxQueueSize: 1}, func(url string, payloads []any) error {
		return nil
	})
	if err := b.Add("http://x", "e1"); err != nil {
		t.Fatalf("unexpected error on first add: %v", err)
	}
	if err := b.Add("http://x", "e2"); err == nil {
		t.Fatal("expected error when global queue is full")
	}
}

func TestFlush_FailedDeliveryRetainsPayloadsAndRecordsFailure(t *testing.T) {
	attempt := 0
	b := New(Config{MaxBatchSize: 100, MaxFailureHistory: 10}, func(url string, payloads []any) error {
		attempt++
		return errors.New("delivery failed")
	})
	b.Add("http://x", "e1")
	b.Flush("http://x")

	if got := b.PendingCount("http://x"); got != 1 {
		t.Fatalf("expected payload retained after failed delivery, got %d pending", got)
	}
	if len(b.Failures()) != 1 {
		t.Fatalf("expected 1 recorded failure, got %d", len(b.Failures()))
	}
}

func TestFlushAll_FlushesEveryURL(t *testing.T) {
	delivered := map[string]int{}
	var mu sync.Mutex
	b := New(Config{MaxBatchSize: 100}, func(url string, payloads []any) error {
		mu.Lock()
		delivered[url] += len(payloads)
		mu.Unlock()
		return nil
	})
	b.Add("http://a", "x")
	b.Add("http://b", "y")
	b.FlushAll()

	if delivered["http://a"] != 1 || delivered["http://b"] != 1 {
		t.Fatalf("expected both urls flushed, got %+v", delivered)
	}
}

func TestPauseResume_BuffersDuringPauseAndDeliversOnResume(t *testing.T) {
	var delivered int
	b := New(Config{MaxBatchSize: 100}, func(url string, payloads []any) error {
		delivered += len(payloads)
		return nil
	})
	b.Pause("http://x")
	if !b.IsPaused("http://x") {
		t.Fatal("expected paused")
	}
	b.Add("http://x", "e1")
	b.Flush("http://x")
	if delivered != 0 {
		t.Fatal("expected no delivery while paused")
	}

	b.Resume("http://x")
	if b.IsPaused("http://x") {
		t.Fatal("expected resumed")
	}
	if delivered != 1 {
		t.Fatalf("expected delivery on resume, got %d", delivered)
	}
}

func TestFailures_BoundedHistory(t *testing.T) {
	b := New(Config{MaxBatchSize: 1, MaxFailureHistory: 2}, func(url string, payloads []any) error {
		return errors.New("fail")
	})
	for i := 0; i < 5; i++ {
		b.Add("http://x", i)
	}
	if got := len(b.Failures()); got != 2 {
		t.Fatalf("expected failure history capped at 2, got %d", got)
	}
}

func TestAdd_EmptyURLQueueIndependence(t *testing.T) {
	b := New(Config{MaxBatchSize: 1}, func(url string, payloads []any) error {
		return nil
	})
	if b.PendingCount("http://never-added") != 0 {
		t.Fatal("expected zero pending count for untouched url")
	}
}
