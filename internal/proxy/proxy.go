// Package proxy implements the proxy executor from spec §4.9: given an
// accepted gate.Decision, it calls the backend through a circuit
// breaker with retry/backoff, then commits or rolls back every counter
// the gate evaluator deferred. Retry/backoff shape is grounded on
// teacher internal/pipeline.Pipeline.runOnce's attempt loop, generalized
// from a fixed linear delay to exponential backoff with jitter (spec
// §4.9 requires this explicitly).
package proxy

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/rajasatyajit/toolgate/internal/breaker"
	"github.com/rajasatyajit/toolgate/internal/gate"
	"github.com/rajasatyajit/toolgate/internal/keystore"
	"github.com/rajasatyajit/toolgate/internal/logger"
	"github.com/rajasatyajit/toolgate/internal/quota"
	"github.com/rajasatyajit/toolgate/internal/ratelimit/concurrency"
	"github.com/rajasatyajit/toolgate/internal/spendcap"
	"github.com/rajasatyajit/toolgate/internal/tracer"
	"github.com/rajasatyajit/toolgate/internal/usage"
)

// Caller places one attempt against tool's backend. statusCode is 0 for
// a transport-level failure (network error, timeout); any HTTP status
// otherwise. Retries apply only to statusCode==0 or 5xx; 4xx counts as
// successful backend contact (spec §4.9's final paragraph).
type Caller interface {
	Call(ctx context.Context, tool string, call gate.ToolCall) (statusCode int, err error)
}

// Config is the executor's retry/backoff parameters (mirrors
// config.ProxyConfig; kept standalone so this package does not import
// the root config package).
type Config struct {
	RetryAttempts  int
	RetryDelay     time.Duration
	MaxBackoff     time.Duration
	AttemptTimeout time.Duration
}

// Outcome is Execute's result, for the transport layer's response
// mapping (spec §6).
type Outcome struct {
	Committed  bool
	Reason     string
	StatusCode int
}

// Executor composes the breaker registry, quota/spend-cap counters, the
// concurrency limiter, the usage meter, and the tracer into the
// commit-on-success/rollback-on-failure contract of spec §4.9.
type Executor struct {
	cfg         Config
	store       keystore.Store
	breakers    *breaker.Registry
	spendCap    *spendcap.Manager
	concurrency *concurrency.Limiter
	meter       *usage.Meter
	tracer      *tracer.Tracer
	rollover    *quota.RolloverManager
	caller      Caller
	rand        func() float64
	now         func() time.Time
}

func New(
	cfg Config,
	store keystore.Store,
	breakers *breaker.Registry,
	spendCap *spendcap.Manager,
	concurrencyLimiter *concurrency.Limiter,
	meter *usage.Meter,
	tr *tracer.Tracer,
	rollover *quota.RolloverManager,
	caller Caller,
) *Executor {
	return &Executor{
		cfg:         cfg,
		store:       store,
		breakers:    breakers,
		spendCap:    spendCap,
		concurrency: concurrencyLimiter,
		meter:       meter,
		tracer:      tr,
		rollover:    rollover,
		caller:      caller,
		rand:        rand.Float64,
		now:         time.Now,
	}
}

// backoff computes attempt's exponential delay with jitter, capped at
// MaxBackoff: base * 2^attempt * (0.5 + rand()/2).
func (e *Executor) backoff(attempt int) time.Duration {
	if e.cfg.RetryDelay <= 0 {
		return 0
	}
	d := float64(e.cfg.RetryDelay) * math.Pow(2, float64(attempt))
	jittered := d * (0.5 + e.rand()/2)
	delay := time.Duration(jittered)
	if e.cfg.MaxBackoff > 0 && delay > e.cfg.MaxBackoff {
		delay = e.cfg.MaxBackoff
	}
	return delay
}

func isRetryable(statusCode int, err error) bool {
	if err != nil {
		return true
	}
	return statusCode >= 500
}

// Execute runs an accepted Decision against the backend. call is the
// same ToolCall passed to Evaluate; traceID/hasTrace identify the
// request's trace, if any.
func (e *Executor) Execute(ctx context.Context, d gate.Decision, call gate.ToolCall, traceID trace.TraceID, hasTrace bool) Outcome {
	start := e.now()
	key := d.Record.ID
	br := e.breakers.Get(call.Tool)

	release := func() {
		if d.AcquiredConcurrency && e.concurrency != nil {
			e.concurrency.Release(key, call.Tool)
		}
	}
	endSpan := func(status string) {
		if hasTrace && e.tracer != nil {
			_ = e.tracer.AddSpan(traceID, "backend.call", time.Since(start).Milliseconds(), status, map[string]any{
				"tool": call.Tool,
			})
		}
	}
	meterEvent := func(allowed bool, reason string) {
		if e.meter == nil {
			return
		}
		e.meter.Record(usage.Event{
			Timestamp:  e.now(),
			Tool:       call.Tool,
			Key:        key,
			Namespace:  d.Record.Namespace,
			Credits:    d.Cost,
			Denied:     !allowed,
			DenyReason: reason,
		})
	}

	if !br.AllowRequest() {
		release()
		endSpan("circuit_open")
		meterEvent(false, "circuit_open")
		return Outcome{Committed: false, Reason: "circuit_open"}
	}

	if !d.Shadow {
		e.recordOptimistic(ctx, d)
	}

	var lastErr error
	var lastStatus int
	success := false
attempts:
	for attempt := 0; attempt <= e.cfg.RetryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				lastErr = ctx.Err()
				break attempts
			case <-time.After(e.backoff(attempt)):
			}
		}

		attemptCtx := ctx
		var cancel context.CancelFunc
		if e.cfg.AttemptTimeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, e.cfg.AttemptTimeout)
		}
		status, err := e.caller.Call(attemptCtx, call.Tool, call)
		if cancel != nil {
			cancel()
		}
		lastStatus, lastErr = status, err

		if !isRetryable(status, err) {
			success = true
			break
		}
		logger.Warn("backend call attempt failed", "tool", call.Tool, "attempt", attempt, "status", status, "error", err)
	}

	if success {
		var commitErr error
		committed := false
		if !d.Shadow {
			commitErr = e.commit(ctx, d)
			committed = commitErr == nil
		}
		br.RecordSuccess()
		release()
		if commitErr != nil {
			// Quota/spend-cap counters from recordOptimistic still stand:
			// the backend call genuinely happened, so only the credit
			// debit — lost to a concurrent racer — is rolled back here.
			logger.Warn("commit lost credit race, backend call already succeeded", "tool", call.Tool, "key", key, "error", commitErr)
			endSpan("insufficient_credits_at_commit")
			meterEvent(false, "insufficient_credits_at_commit")
			return Outcome{Committed: false, Reason: "insufficient_credits_at_commit", StatusCode: lastStatus}
		}
		endSpan("ok")
		meterEvent(true, "")
		return Outcome{Committed: committed, StatusCode: lastStatus}
	}

	br.RecordFailure()
	if !d.Shadow {
		e.rollback(ctx, d)
	}
	release()
	endSpan("error")
	meterEvent(false, "backend_error")
	_ = lastErr
	return Outcome{Committed: false, Reason: "backend_error", StatusCode: lastStatus}
}

// recordOptimistic bumps quota and spend-cap counters before the
// backend call, per spec §4.9: "increment hourly/quota/spend-cap
// counters" happens ahead of the call so a crash mid-call still leaves
// consistent accounting, with rollback on failure.
func (e *Executor) recordOptimistic(ctx context.Context, d gate.Decision) {
	now := e.now()
	_ = e.store.Update(ctx, d.Record.ID, func(r *keystore.Record) error {
		quota.RollCounters(&r.QuotaCounters, now)
		quota.Record(&r.QuotaCounters, d.Cost)
		return nil
	})
	if e.spendCap != nil {
		e.spendCap.RecordHourlySpend(d.Record.ID, d.Cost)
		e.spendCap.RecordServerSpend(d.Cost)
	}
	if e.rollover != nil && d.Record.Quota.RolloverCallLimit > 0 {
		period := quota.Period(d.Record.Quota.RolloverPeriod)
		if period == "" {
			period = quota.PeriodDaily
		}
		e.rollover.GetOrCreate(d.Record.ID, d.Record.Quota.RolloverCallLimit, period, d.Record.Quota.RolloverPercent, d.Record.Quota.MaxRollover, now)
		_, _ = e.rollover.Consume(d.Record.ID, 1, now)
	}
}

// errInsufficientCreditsAtCommit marks the race gate.evaluate's step 10
// cannot close on its own: two concurrent evaluate→execute pairs on the
// same key can both pass step 10 against a cloned record, since the
// actual debit happens later, here. commit re-validates under the same
// per-key lock recordOptimistic and every other Update uses, so only one
// of two racing commits for the last unit of credit ever succeeds.
var errInsufficientCreditsAtCommit = errors.New("insufficient credits at commit")

// commit applies the credit debit on a successful backend call,
// re-checking sufficiency under the shard lock so credits never go
// negative (spec §3) even when two calls on the same key raced through
// evaluate concurrently. Returns errInsufficientCreditsAtCommit without
// mutating anything if the race was lost.
func (e *Executor) commit(ctx context.Context, d gate.Decision) error {
	return e.store.Update(ctx, d.Record.ID, func(r *keystore.Record) error {
		if r.Credits < d.Cost {
			return errInsufficientCreditsAtCommit
		}
		r.Credits -= d.Cost
		r.TotalSpent += d.Cost
		r.TotalCalls++
		return nil
	})
}

// rollback reverses recordOptimistic's counters when every attempt
// fails. Credits are never touched here: they are only debited in
// commit, which never ran.
func (e *Executor) rollback(ctx context.Context, d gate.Decision) {
	_ = e.store.Update(ctx, d.Record.ID, func(r *keystore.Record) error {
		quota.Unrecord(&r.QuotaCounters, d.Cost)
		return nil
	})
	if e.spendCap != nil {
		e.spendCap.UnrecordHourlySpend(d.Record.ID, d.Cost)
		e.spendCap.UnrecordServerSpend(d.Cost)
	}
	if e.rollover != nil && d.Record.Quota.RolloverCallLimit > 0 {
		e.rollover.Unconsume(d.Record.ID, 1)
	}
}
