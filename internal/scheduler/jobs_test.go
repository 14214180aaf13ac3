package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/rajasatyajit/toolgate/internal/keystore"
	"github.com/rajasatyajit/toolgate/internal/sandbox"
	"github.com/rajasatyajit/toolgate/internal/spendcap"
	"github.com/rajasatyajit/toolgate/internal/tracer"
	"github.com/rajasatyajit/toolgate/internal/webhook"
)

func TestNewQuotaSweepJob_RollsStaleCounters(t *testing.T) {
	store := keystore.NewInMemoryStore()
	_, rec, err := store.Create(context.Background(), "k", keystore.QuotaConfig{DailyCallLimit: 10})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	_ = store.Update(context.Background(), rec.ID, func(r *keystore.Record) error {
		r.QuotaCounters.DailyCalls = 9
		r.QuotaCounters.LastResetDay = "2000-01-01"
		return nil
	})

	job := NewQuotaSweepJob(store, time.Millisecond)
	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, _ := store.Get(context.Background(), rec.ID)
	if got.QuotaCounters.DailyCalls != 0 {
		t.Fatalf("expected stale counter rolled to 0, got %d", got.QuotaCounters.DailyCalls)
	}
}

func TestNewRetentionJob_PrunesStaleSandboxWindows(t *testing.T) {
	m := sandbox.New()
	m.SetPolicy(sandbox.Policy{Name: "trial", WindowSeconds: 60, MaxCalls: 1})
	m.Record("trial", "old-key")

	job := NewRetentionJob(m, -24*time.Hour, time.Millisecond)
	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// negative retention period means "cutoff in the future", so even a
	// just-created window counts as stale and gets pruned.
}

func TestNewWebhookFlushJob_FlushesAllQueues(t *testing.T) {
	delivered := 0
	b := webhook.New(webhook.Config{MaxBatchSize: 100}, func(url string, payloads []any) error {
		delivered += len(payloads)
		return nil
	})
	b.Add("http://x", "e1")

	job := NewWebhookFlushJob(b, time.Millisecond)
	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if delivered != 1 {
		t.Fatalf("expected flush to deliver queued event, got %d", delivered)
	}
}

func TestNewOTLPFlushJob_NoopWhenExporterNil(t *testing.T) {
	job := NewOTLPFlushJob(nil, time.Millisecond)
	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("expected nil exporter to no-op, got %v", err)
	}
}

func TestNewOTLPFlushJob_FlushesQueuedSpans(t *testing.T) {
	exporter := tracer.NewOTLPExporter("http://example.invalid", "", "toolgate", "test", 10, 10)
	job := NewOTLPFlushJob(exporter, time.Millisecond)
	// no spans queued; flush is a no-op but must not error.
	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestNewSpendCapResetJob_RollsServerDay(t *testing.T) {
	m := spendcap.New(spendcap.Config{ServerDailyCallCap: 5}, nil)
	job := NewSpendCapResetJob(m, time.Millisecond)
	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestNewSnapshotJob_NoopWhenDatabaseUnconfigured(t *testing.T) {
	store := keystore.NewInMemoryStore()
	job := NewSnapshotJob(store, nil, time.Millisecond)
	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("expected nil db to no-op, got %v", err)
	}
}
