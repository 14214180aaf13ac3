// Package tracer implements the in-memory request tracer from spec
// §4.12: per-request traces with spans, sampled, auto-categorized by
// name prefix, and evicted into a completed ring (FIFO + age bound).
// Trace/span IDs use go.opentelemetry.io/otel/trace's ID types so they
// encode/decode as valid W3C traceparent values.
package tracer

import (
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// Span is one timed operation within a trace.
type Span struct {
	ID         trace.SpanID
	Name       string
	DurationMs int64
	Status     string
	Attributes map[string]any
}

// CategorySummary buckets span durations by name-prefix category.
type CategorySummary struct {
	Count        int64
	TotalMs      int64
}

// Summary is computed at endTrace from the trace's accumulated spans.
type Summary struct {
	TotalDurationMs int64
	ByCategory      map[string]CategorySummary
	Extra           map[string]any
}

// Trace is one request's span collection, active or completed.
type Trace struct {
	ID        trace.TraceID
	RequestID string
	Method    string
	Path      string
	APIKey    string
	StartedAt time.Time
	EndedAt   time.Time
	Spans     []Span
	Summary   Summary
}

func newID() (trace.TraceID, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return trace.TraceID{}, err
	}
	return trace.TraceID(b), nil
}

func newSpanID() (trace.SpanID, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return trace.SpanID{}, err
	}
	return trace.SpanID(b), nil
}

// Config is the tracer's static parameters.
type Config struct {
	SampleRate float64 // 0..1, fraction of requests traced
	MaxTraces  int     // FIFO cap on the completed ring
	MaxAgeMs   int64   // age-based eviction from the completed ring
}

// Tracer holds active traces plus a bounded completed ring.
type Tracer struct {
	mu        sync.Mutex
	cfg       Config
	active    map[trace.TraceID]*Trace
	completed []Trace
	rand      func() float64
	now       func() time.Time
}

func New(cfg Config) *Tracer {
	return &Tracer{
		cfg:    cfg,
		active: make(map[trace.TraceID]*Trace),
		rand:   defaultRand,
		now:    time.Now,
	}
}

func defaultRand() float64 {
	var b [8]byte
	_, _ = rand.Read(b[:])
	n := uint64(0)
	for _, by := range b {
		n = n<<8 | uint64(by)
	}
	return float64(n) / float64(^uint64(0))
}

// StartTrace registers a new trace if sampling admits it. It returns
// the zero TraceID and false when the request was not sampled.
func (t *Tracer) StartTrace(requestID, method, path, apiKey string) (trace.TraceID, bool, error) {
	return t.startTrace(nil, requestID, method, path, apiKey)
}

// StartTraceWithSeed is StartTrace, but seeds the new trace's ID from an
// incoming W3C traceparent (spec §6: "incoming traceparent ... seeds the
// trace") instead of generating a fresh root ID. Pass nil to get a fresh
// root trace, matching StartTrace.
func (t *Tracer) StartTraceWithSeed(seed *trace.TraceID, requestID, method, path, apiKey string) (trace.TraceID, bool, error) {
	return t.startTrace(seed, requestID, method, path, apiKey)
}

func (t *Tracer) startTrace(seed *trace.TraceID, requestID, method, path, apiKey string) (trace.TraceID, bool, error) {
	if t.cfg.SampleRate < 1 && t.rand() >= t.cfg.SampleRate {
		return trace.TraceID{}, false, nil
	}

	var id trace.TraceID
	if seed != nil {
		id = *seed
	} else {
		generated, err := newID()
		if err != nil {
			return trace.TraceID{}, false, err
		}
		id = generated
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.active[id] = &Trace{
		ID:        id,
		RequestID: requestID,
		Method:    method,
		Path:      path,
		APIKey:    apiKey,
		StartedAt: t.now(),
	}
	return id, true, nil
}

// AddSpan appends a span to an active trace. It is a no-op if the
// trace is unknown (not sampled, or already ended).
func (t *Tracer) AddSpan(id trace.TraceID, name string, durationMs int64, status string, attrs map[string]any) error {
	sid, err := newSpanID()
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	tr, ok := t.active[id]
	if !ok {
		return nil
	}
	tr.Spans = append(tr.Spans, Span{ID: sid, Name: name, DurationMs: durationMs, Status: status, Attributes: attrs})
	return nil
}

// categoryFor maps a span name to its prefix category: everything
// before the first '.' (gate.*, backend.*, transform.*); uncategorized
// names fall into "other".
func categoryFor(name string) string {
	for i, c := range name {
		if c == '.' {
			return name[:i]
		}
	}
	return "other"
}

// EndTrace computes the summary, moves the trace from active to the
// completed ring, and applies FIFO + age eviction. It is a no-op
// returning false if the trace is unknown.
func (t *Tracer) EndTrace(id trace.TraceID, extra map[string]any) (Trace, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	tr, ok := t.active[id]
	if !ok {
		return Trace{}, false
	}
	delete(t.active, id)

	now := t.now()
	tr.EndedAt = now
	tr.Summary = Summary{
		TotalDurationMs: now.Sub(tr.StartedAt).Milliseconds(),
		ByCategory:      make(map[string]CategorySummary),
		Extra:           extra,
	}
	for _, s := range tr.Spans {
		cat := categoryFor(s.Name)
		cs := tr.Summary.ByCategory[cat]
		cs.Count++
		cs.TotalMs += s.DurationMs
		tr.Summary.ByCategory[cat] = cs
	}

	t.completed = append(t.completed, *tr)
	t.evict(now)
	return *tr, true
}

func (t *Tracer) evict(now time.Time) {
	if t.cfg.MaxTraces > 0 && len(t.completed) > t.cfg.MaxTraces {
		t.completed = t.completed[len(t.completed)-t.cfg.MaxTraces:]
	}
	if t.cfg.MaxAgeMs > 0 {
		cutoff := now.Add(-time.Duration(t.cfg.MaxAgeMs) * time.Millisecond)
		i := 0
		for i < len(t.completed) && t.completed[i].EndedAt.Before(cutoff) {
			i++
		}
		if i > 0 {
			t.completed = t.completed[i:]
		}
	}
}

// Completed returns a snapshot of the completed ring.
func (t *Tracer) Completed() []Trace {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Trace(nil), t.completed...)
}

// Traceparent formats id and a span ID as a W3C traceparent header
// value (version 00, sampled flag fixed to 01).
func Traceparent(id trace.TraceID, span trace.SpanID) string {
	return fmt.Sprintf("00-%s-%s-01", id, span)
}

// ParseTraceparent extracts the trace and span IDs from a W3C
// traceparent header value.
func ParseTraceparent(value string) (trace.TraceID, trace.SpanID, error) {
	if len(value) != 55 {
		return trace.TraceID{}, trace.SpanID{}, fmt.Errorf("traceparent: invalid length %d", len(value))
	}
	tid, err := trace.TraceIDFromHex(value[3:35])
	if err != nil {
		return trace.TraceID{}, trace.SpanID{}, fmt.Errorf("traceparent: bad trace id: %w", err)
	}
	sid, err := trace.SpanIDFromHex(value[36:52])
	if err != nil {
		return trace.TraceID{}, trace.SpanID{}, fmt.Errorf("traceparent: bad span id: %w", err)
	}
	return tid, sid, nil
}
