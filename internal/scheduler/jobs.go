package scheduler

import (
	"context"
	"time"

	"github.com/rajasatyajit/toolgate/internal/keystore"
	"github.com/rajasatyajit/toolgate/internal/logger"
	"github.com/rajasatyajit/toolgate/internal/quota"
	"github.com/rajasatyajit/toolgate/internal/sandbox"
	"github.com/rajasatyajit/toolgate/internal/spendcap"
	"github.com/rajasatyajit/toolgate/internal/tracer"
	"github.com/rajasatyajit/toolgate/internal/webhook"
)

// NewQuotaSweepJob rolls every key's day/month counters on their own
// boundary. Quotas also auto-advance lazily on access (spec §4.4), so
// this job only matters for keys that see no traffic across a boundary
// and would otherwise show a stale counter to an admin reading the
// record directly.
func NewQuotaSweepJob(store keystore.Store, interval time.Duration) Job {
	return Job{
		Name:     "quota_sweep",
		Interval: interval,
		Run: func(ctx context.Context) error {
			records, err := store.List(ctx)
			if err != nil {
				return err
			}
			now := time.Now()
			for _, rec := range records {
				id := rec.ID
				_ = store.Update(ctx, id, func(r *keystore.Record) error {
					quota.RollCounters(&r.QuotaCounters, now)
					return nil
				})
			}
			return nil
		},
	}
}

// NewRetentionJob prunes sandbox windows older than retentionPeriod, so
// a long-lived process serving many trial keys does not leak windowed
// counters for keys that never come back.
func NewRetentionJob(sandboxMgr *sandbox.Manager, retentionPeriod time.Duration, interval time.Duration) Job {
	return Job{
		Name:     "retention_purge",
		Interval: interval,
		Run: func(ctx context.Context) error {
			if sandboxMgr == nil {
				return nil
			}
			cutoff := time.Now().Add(-retentionPeriod)
			removed := sandboxMgr.PruneStaleWindows(cutoff)
			if removed > 0 {
				logger.Info("retention purge removed stale sandbox windows", "count", removed)
			}
			return nil
		},
	}
}

// NewOTLPFlushJob periodically flushes the tracer's span queue to the
// configured OTLP collector.
func NewOTLPFlushJob(exporter *tracer.OTLPExporter, interval time.Duration) Job {
	return Job{
		Name:     "otlp_flush",
		Interval: interval,
		Run: func(ctx context.Context) error {
			if exporter == nil {
				return nil
			}
			return exporter.Flush(ctx)
		},
	}
}

// NewWebhookFlushJob periodically flushes every pending webhook queue.
func NewWebhookFlushJob(batcher *webhook.Batcher, interval time.Duration) Job {
	return Job{
		Name:     "webhook_flush",
		Interval: interval,
		Run: func(ctx context.Context) error {
			if batcher == nil {
				return nil
			}
			batcher.FlushAll()
			return nil
		},
	}
}

// NewSpendCapResetJob forces the spend-cap manager's lazy day/hour
// rollover even during idle periods with no traffic, so a dashboard
// reading counters mid-idle sees the current period rather than a stale
// one left over from before the boundary.
func NewSpendCapResetJob(spendCap *spendcap.Manager, interval time.Duration) Job {
	return Job{
		Name:     "spendcap_reset",
		Interval: interval,
		Run: func(ctx context.Context) error {
			if spendCap == nil {
				return nil
			}
			spendCap.CheckServerCap(0)
			return nil
		},
	}
}

// NewSnapshotJob periodically renders the key store to the persisted-
// document shape (spec §6) and hands it to db, satisfying the
// durability non-goal's "periodic snapshot" carve-out (spec §11):
// durability of the snapshot itself is the database's problem, not this
// job's.
func NewSnapshotJob(store keystore.Store, db keystore.Database, interval time.Duration) Job {
	return Job{
		Name:     "snapshot",
		Interval: interval,
		Run: func(ctx context.Context) error {
			if db == nil || !db.IsConfigured() {
				return nil
			}
			doc, err := store.SnapshotToJSON(ctx)
			if err != nil {
				return err
			}
			return db.Exec(ctx, `
				INSERT INTO gateway_snapshots(id, doc, created_at)
				VALUES (1, $1, now())
				ON CONFLICT (id) DO UPDATE SET doc = EXCLUDED.doc, created_at = EXCLUDED.created_at
			`, string(doc))
		},
	}
}
