package tracer

import (
	"testing"
	"time"

	"go.opentelemetry.io/otel/trace"
)

func TestStartTrace_AlwaysSampledAtRateOne(t *testing.T) {
	tr := New(Config{SampleRate: 1})
	_, sampled, err := tr.StartTrace("req1", "GET", "/tools/search", "k1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !sampled {
		t.Fatal("expected sampling at rate 1 to always admit")
	}
}

func TestStartTrace_NeverSampledAtRateZero(t *testing.T) {
	tr := New(Config{SampleRate: 0})
	_, sampled, err := tr.StartTrace("req1", "GET", "/tools/search", "k1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sampled {
		t.Fatal("expected sampling at rate 0 to never admit")
	}
}

func TestStartTraceWithSeed_UsesSeedAsTraceID(t *testing.T) {
	tr := New(Config{SampleRate: 1})
	seed, _, err := ParseTraceparent("00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")
	if err != nil {
		t.Fatalf("parse seed: %v", err)
	}
	id, sampled, err := tr.StartTraceWithSeed(&seed, "req1", "GET", "/tools/search", "k1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !sampled {
		t.Fatal("expected sampling at rate 1 to always admit")
	}
	if id != seed {
		t.Fatalf("expected trace ID to match seed, got %s want %s", id, seed)
	}
}

func TestStartTraceWithSeed_NilSeedGeneratesFreshID(t *testing.T) {
	tr := New(Config{SampleRate: 1})
	id, sampled, err := tr.StartTraceWithSeed(nil, "req1", "GET", "/tools/search", "k1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !sampled {
		t.Fatal("expected sampling at rate 1 to always admit")
	}
	var zero trace.TraceID
	if id == zero {
		t.Fatal("expected a non-zero generated trace ID")
	}
}

func TestAddSpan_NoOpForUnknownTrace(t *testing.T) {
	tr := New(Config{SampleRate: 1})
	var zero trace.TraceID
	if err := tr.AddSpan(zero, "gate.check", 5, "ok", nil); err != nil {
		t.Fatalf("unexpected error on unknown trace: %v", err)
	}
}

func TestEndTrace_ComputesDurationAndCategories(t *testing.T) {
	tr := New(Config{SampleRate: 1, MaxTraces: 10})
	base := time.Now()
	tr.now = func() time.Time { return base }

	id, sampled, err := tr.StartTrace("req1", "POST", "/tools/search", "k1")
	if err != nil || !sampled {
		t.Fatalf("expected sampled trace, err=%v", err)
	}
	tr.AddSpan(id, "gate.acl", 3, "ok", nil)
	tr.AddSpan(id, "gate.quota", 2, "ok", nil)
	tr.AddSpan(id, "backend.call", 50, "ok", nil)

	tr.now = func() time.Time { return base.Add(100 * time.Millisecond) }
	done, ok := tr.EndTrace(id, nil)
	if !ok {
		t.Fatal("expected trace to be found")
	}
	if done.Summary.TotalDurationMs != 100 {
		t.Errorf("expected total duration 100ms, got %d", done.Summary.TotalDurationMs)
	}
	if done.Summary.ByCategory["gate"].Count != 2 {
		t.Errorf("expected 2 gate spans, got %d", done.Summary.ByCategory["gate"].Count)
	}
	if done.Summary.ByCategory["backend"].Count != 1 {
		t.Errorf("expected 1 backend span, got %d", done.Summary.ByCategory["backend"].Count)
	}
}

func TestEndTrace_MovesToCompletedRing(t *testing.T) {
	tr := New(Config{SampleRate: 1, MaxTraces: 10})
	id, _, _ := tr.StartTrace("req1", "GET", "/p", "k1")
	tr.EndTrace(id, nil)

	if len(tr.Completed()) != 1 {
		t.Fatalf("expected 1 completed trace, got %d", len(tr.Completed()))
	}
}

func TestEndTrace_FIFOEvictionAtMaxTraces(t *testing.T) {
	tr := New(Config{SampleRate: 1, MaxTraces: 2})
	for i := 0; i < 3; i++ {
		id, _, _ := tr.StartTrace("req", "GET", "/p", "k1")
		tr.EndTrace(id, nil)
	}
	if got := len(tr.Completed()); got != 2 {
		t.Fatalf("expected FIFO eviction to cap completed ring at 2, got %d", got)
	}
}

func TestEndTrace_AgeEviction(t *testing.T) {
	tr := New(Config{SampleRate: 1, MaxTraces: 100, MaxAgeMs: 1000})
	base := time.Now()
	tr.now = func() time.Time { return base }
	id, _, _ := tr.StartTrace("old", "GET", "/p", "k1")
	tr.EndTrace(id, nil)

	tr.now = func() time.Time { return base.Add(5 * time.Second) }
	id2, _, _ := tr.StartTrace("new", "GET", "/p", "k1")
	tr.EndTrace(id2, nil)

	completed := tr.Completed()
	if len(completed) != 1 || completed[0].RequestID != "new" {
		t.Fatalf("expected only the recent trace to survive age eviction, got %+v", completed)
	}
}

func TestTraceparent_RoundTrip(t *testing.T) {
	tr := New(Config{SampleRate: 1})
	id, _, _ := tr.StartTrace("req1", "GET", "/p", "k1")

	var spanID trace.SpanID
	copy(spanID[:], []byte{1, 2, 3, 4, 5, 6, 7, 8})
	tp := Traceparent(id, spanID)

	gotID, gotSpan, err := ParseTraceparent(tp)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotID != id {
		t.Error("expected round-tripped trace id to match")
	}
	if gotSpan != spanID {
		t.Error("expected round-tripped span id to match")
	}
}

func TestParseTraceparent_RejectsBadLength(t *testing.T) {
	_, _, err := ParseTraceparent("not-a-traceparent")
	if err == nil {
		t.Fatal("expected error for malformed traceparent")
	}
}
