// Package webhook implements the batched webhook delivery system from
// spec §4.13: a per-URL queue flushed synchronously at a batch-size
// threshold or periodically, with pause/resume and bounded failure
// history.
package webhook

import (
	"sync"
	"time"

	"github.com/rajasatyajit/toolgate/internal/logger"
)

// Deliverer is the caller-supplied delivery callback, typically an
// HTTP POST to url with payloads as the body.
type Deliverer func(url string, payloads []any) error

// FailureRecord is one retained delivery failure, for the bounded
// failure history.
type FailureRecord struct {
	URL   string
	At    time.Time
	Error string
}

type queue struct {
	pending []any
	paused  bool
}

// Batcher queues events per target URL.
type Batcher struct {
	mu               sync.Mutex
	maxBatchSize     int
	flushIntervalMs  int64
	maxQueueSize     int
	maxFailureHistory int
	deliver          Deliverer

	queues       map[string]*queue
	totalQueued  int
	failures     []FailureRecord
	now          func() time.Time
}

type Config struct {
	MaxBatchSize      int
	FlushIntervalMs   int64
	MaxQueueSize      int
	MaxFailureHistory int
}

func New(cfg Config, deliver Deliverer) *Batcher {
	return &Batcher{
		maxBatchSize:      cfg.MaxBatchSize,
		flushIntervalMs:   cfg.FlushIntervalMs,
		maxQueueSize:      cfg.MaxQueueSize,
		maxFailureHistory: cfg.MaxFailureHistory,
		deliver:           deliver,
		queues:            make(map[string]*queue),
		now:               time.Now,
	}
}

// Add appends payload to url's queue, flushing synchronously if the
// queue reaches maxBatchSize. It returns an error if the global queue
// is already at maxQueueSize.
func (b *Batcher) Add(url string, payload any) error {
	b.mu.Lock()
	if b.maxQueueSize > 0 && b.totalQueued >= b.maxQueueSize {
		b.mu.Unlock()
		return errQueueFull
	}
	q := b.queueFor(url)
	q.pending = append(q.pending, payload)
	b.totalQueued++
	shouldFlush := !q.paused && b.maxBatchSize > 0 && len(q.pending) >= b.maxBatchSize
	b.mu.Unlock()

	if shouldFlush {
		b.Flush(url)
	}
	return nil
}

func (b *Batcher) queueFor(url string) *queue {
	q, ok := b.queues[url]
	if !ok {
		q = &queue{}
		b.queues[url] = q
	}
	return q
}

// Flush delivers url's pending queue synchronously via the configured
// Deliverer. Paused queues are not flushed; a failed delivery is
// recorded and the payloads remain queued for the next attempt.
func (b *Batcher) Flush(url string) {
	b.mu.Lock()
	q, ok := b.queues[url]
	if !ok || q.paused || len(q.pending) == 0 {
		b.mu.Unlock()
		return
	}
	batch := q.pending
	q.pending = nil
	b.mu.Unlock()

	if err := b.deliver(url, batch); err != nil {
		b.mu.Lock()
		q.pending = append(batch, q.pending...)
		b.recordFailure(url, err)
		b.mu.Unlock()
		logger.Error("webhook delivery failed", "url", url, "error", err, "batch_size", len(batch))
		return
	}

	b.mu.Lock()
	b.totalQueued -= len(batch)
	b.mu.Unlock()
}

func (b *Batcher) recordFailure(url string, err error) {
	b.failures = append(b.failures, FailureRecord{URL: url, At: b.now(), Error: err.Error()})
	if b.maxFailureHistory > 0 && len(b.failures) > b.maxFailureHistory {
		b.failures = b.failures[len(b.failures)-b.maxFailureHistory:]
	}
}

// FlushAll flushes every tracked URL, for the periodic timer.
func (b *Batcher) FlushAll() {
	b.mu.Lock()
	urls := make([]string, 0, len(b.queues))
	for u := range b.queues {
		urls = append(urls, u)
	}
	b.mu.Unlock()

	for _, u := range urls {
		b.Flush(u)
	}
}

// Pause buffers url's queue: Add still accepts events but Flush (and
// FlushAll) will skip it until Resume.
func (b *Batcher) Pause(url string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queueFor(url).paused = true
}

// Resume unpauses url and immediately flushes any buffered events.
func (b *Batcher) Resume(url string) {
	b.mu.Lock()
	q := b.queueFor(url)
	q.paused = false
	b.mu.Unlock()
	b.Flush(url)
}

// IsPaused reports url's pause state.
func (b *Batcher) IsPaused(url string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[url]
	return ok && q.paused
}

// Failures returns a snapshot of the retained failure history.
func (b *Batcher) Failures() []FailureRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]FailureRecord(nil), b.failures...)
}

// PendingCount reports how many events are currently queued for url.
func (b *Batcher) PendingCount(url string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[url]
	if !ok {
		return 0
	}
	return len(q.pending)
}

// StartPeriodicFlush runs FlushAll every flushIntervalMs until stop is
// closed. It returns at once when flushIntervalMs is not positive.
func (b *Batcher) StartPeriodicFlush(stop <-chan struct{}) {
	interval := time.Duration(b.flushIntervalMs) * time.Millisecond
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			b.FlushAll()
		}
	}
}

type queueFullError struct{}

func (queueFullError) Error() string { return "webhook queue full" }

var errQueueFull = queueFullError{}
