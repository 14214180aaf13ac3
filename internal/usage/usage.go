// Package usage implements the usage meter from spec §4.10: an
// append-only ring buffer of call events with streaming summary and
// per-key aggregation views.
package usage

import (
	"sort"
	"sync"
	"time"
)

// Event is one recorded tool call, successful or denied.
type Event struct {
	Timestamp  time.Time
	Tool       string
	Key        string
	Namespace  string
	Credits    int64
	Denied     bool
	DenyReason string
}

// Meter holds a bounded ring of events. When the ring exceeds
// MaxEvents, the oldest floor(MaxEvents*0.25) events are dropped at
// once, trading eviction frequency for per-append cost.
type Meter struct {
	mu        sync.Mutex
	maxEvents int
	events    []Event
}

func New(maxEvents int) *Meter {
	return &Meter{maxEvents: maxEvents}
}

// Record appends an event, evicting the oldest 25% if the ring is full.
func (m *Meter) Record(e Event) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.events = append(m.events, e)
	if m.maxEvents > 0 && len(m.events) > m.maxEvents {
		drop := m.maxEvents / 4
		if drop < 1 {
			drop = 1
		}
		m.events = append([]Event(nil), m.events[drop:]...)
	}
}

// PerBucket is a {calls, credits, denied} triple keyed by tool, key, or
// deny reason in Summary.
type PerBucket struct {
	Calls   int64
	Credits int64
	Denied  int64
}

// Summary is the streaming aggregate over a window of events.
type Summary struct {
	TotalCalls        int64
	TotalCreditsSpent int64
	TotalDenied       int64
	PerTool           map[string]PerBucket
	PerKey            map[string]PerBucket
	DenyReasons       map[string]int64
}

func newSummary() Summary {
	return Summary{
		PerTool:     make(map[string]PerBucket),
		PerKey:      make(map[string]PerBucket),
		DenyReasons: make(map[string]int64),
	}
}

// Summary aggregates all retained events, optionally filtered to those
// at or after since and/or matching namespace.
func (m *Meter) Summary(since time.Time, namespace string) Summary {
	m.mu.Lock()
	events := append([]Event(nil), m.events...)
	m.mu.Unlock()

	out := newSummary()
	for _, e := range events {
		if !since.IsZero() && e.Timestamp.Before(since) {
			continue
		}
		if namespace != "" && e.Namespace != namespace {
			continue
		}
		accumulate(&out, e)
	}
	return out
}

func accumulate(s *Summary, e Event) {
	s.TotalCalls++
	tool := s.PerTool[e.Tool]
	tool.Calls++
	key := s.PerKey[e.Key]
	key.Calls++
	if e.Denied {
		s.TotalDenied++
		tool.Denied++
		key.Denied++
		s.DenyReasons[e.DenyReason]++
	} else {
		s.TotalCreditsSpent += e.Credits
		tool.Credits += e.Credits
		key.Credits += e.Credits
	}
	s.PerTool[e.Tool] = tool
	s.PerKey[e.Key] = key
}

// KeyUsage is the per-key view: the key's slice of Summary, its 50
// most-recent events newest-first, and hourly buckets.
type KeyUsage struct {
	Summary       Summary
	RecentEvents  []Event
	HourlyBuckets map[string]PerBucket
}

const recentEventLimit = 50

// KeyUsage aggregates apiKey's events at or after since (zero = all
// time).
func (m *Meter) KeyUsage(apiKey string, since time.Time) KeyUsage {
	m.mu.Lock()
	events := append([]Event(nil), m.events...)
	m.mu.Unlock()

	out := KeyUsage{Summary: newSummary(), HourlyBuckets: make(map[string]PerBucket)}
	var forKey []Event
	for _, e := range events {
		if e.Key != apiKey {
			continue
		}
		if !since.IsZero() && e.Timestamp.Before(since) {
			continue
		}
		forKey = append(forKey, e)
		accumulate(&out.Summary, e)

		hour := e.Timestamp.Format("2006-01-02T15:00:00")
		b := out.HourlyBuckets[hour]
		b.Calls++
		if e.Denied {
			b.Denied++
		} else {
			b.Credits += e.Credits
		}
		out.HourlyBuckets[hour] = b
	}

	sort.Slice(forKey, func(i, j int) bool {
		return forKey[i].Timestamp.After(forKey[j].Timestamp)
	})
	if len(forKey) > recentEventLimit {
		forKey = forKey[:recentEventLimit]
	}
	out.RecentEvents = forKey
	return out
}

// Len reports how many events are currently retained, for tests and
// diagnostics.
func (m *Meter) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}
