// Package gate implements the admission pipeline from spec §4.8: a
// single ordered, short-circuiting evaluate() that composes every other
// internal package (keystore, sandbox, policy, quota, spendcap,
// ratelimit, concurrency) into one Decision. Debit itself is deferred to
// the proxy executor's commit point (internal/proxy), per §4.8's
// "debit semantics" note.
package gate

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/rajasatyajit/toolgate/internal/keystore"
	"github.com/rajasatyajit/toolgate/internal/policy"
	"github.com/rajasatyajit/toolgate/internal/quota"
	"github.com/rajasatyajit/toolgate/internal/ratelimit"
	"github.com/rajasatyajit/toolgate/internal/ratelimit/bucket"
	"github.com/rajasatyajit/toolgate/internal/ratelimit/concurrency"
	"github.com/rajasatyajit/toolgate/internal/sandbox"
	"github.com/rajasatyajit/toolgate/internal/spendcap"
	"github.com/rajasatyajit/toolgate/internal/tracer"
)

// ToolCall is one admission request: the tool being invoked plus the
// inputs step 9's pricing formula needs.
type ToolCall struct {
	Tool       string
	InputBytes int64
	IP         string
}

// ToolPrice is a per-tool pricing override for step 9. A tool absent
// from the Evaluator's pricing table falls back to DefaultCreditsPerCall.
type ToolPrice struct {
	CreditsPerCall int64
}

// Decision is evaluate's result (spec §4.8).
type Decision struct {
	Allowed             bool
	Reason              string
	Cost                int64
	Record              *keystore.Record
	AcquiredConcurrency bool
	RetryAfterMs        int64
	Shadow              bool
}

func deny(reason string) Decision {
	return Decision{Allowed: false, Reason: reason}
}

func denyRetry(reason string, retryAfterMs int64) Decision {
	return Decision{Allowed: false, Reason: reason, RetryAfterMs: retryAfterMs}
}

// Config is the evaluator's static, process-wide settings (mirrors
// config.GateConfig; kept as its own type so this package does not
// import the root config package).
type Config struct {
	DefaultCreditsPerCall int64
	CreditsPerKBInput     int64
	ShadowModeGlobal      bool
	GlobalRateLimitPerMin int
	TokenBucketEnabled    bool
}

// Evaluator wires every admission-pipeline collaborator behind the
// single evaluate() entry point.
type Evaluator struct {
	store       keystore.Store
	sandboxMgr  *sandbox.Manager
	policyMgr   *policy.Engine
	spendCap    *spendcap.Manager
	rateLimiter ratelimit.Backend
	tokenBucket *bucket.Limiter
	concurrency *concurrency.Limiter
	tracer      *tracer.Tracer
	rollover    *quota.RolloverManager

	cfg         Config
	toolPricing map[string]ToolPrice
	now         func() time.Time
}

// New builds an Evaluator. tokenBucket, tr, and rollover may be nil: a
// nil tokenBucket skips step 16 (matching "if configured"); a nil tracer
// skips span recording; a nil rollover skips the named rollover-quota
// check.
func New(
	cfg Config,
	store keystore.Store,
	sandboxMgr *sandbox.Manager,
	policyMgr *policy.Engine,
	spendCap *spendcap.Manager,
	rateLimiter ratelimit.Backend,
	tokenBucket *bucket.Limiter,
	concurrencyLimiter *concurrency.Limiter,
	tr *tracer.Tracer,
	rollover *quota.RolloverManager,
) *Evaluator {
	return &Evaluator{
		store:       store,
		sandboxMgr:  sandboxMgr,
		policyMgr:   policyMgr,
		spendCap:    spendCap,
		rateLimiter: rateLimiter,
		tokenBucket: tokenBucket,
		concurrency: concurrencyLimiter,
		tracer:      tr,
		rollover:    rollover,
		cfg:         cfg,
		toolPricing: make(map[string]ToolPrice),
		now:         time.Now,
	}
}

// SetToolPricing registers or replaces tool's price for step 9.
func (e *Evaluator) SetToolPricing(tool string, price ToolPrice) {
	e.toolPricing[tool] = price
}

// price computes step 9's cost formula.
func (e *Evaluator) price(tool string, inputBytes int64) int64 {
	creditsPerCall := e.cfg.DefaultCreditsPerCall
	if p, ok := e.toolPricing[tool]; ok {
		creditsPerCall = p.CreditsPerCall
	}
	kb := int64(math.Ceil(float64(inputBytes) / 1024))
	return creditsPerCall + kb*e.cfg.CreditsPerKBInput
}

// Evaluate runs the 17 ordered checks of spec §4.8 and returns a
// Decision. traceID/hasTrace identify an already-started trace (started
// by the transport layer per request); Evaluate only adds a span to it.
func (e *Evaluator) Evaluate(ctx context.Context, rawKey string, call ToolCall, traceID trace.TraceID, hasTrace bool) (Decision, error) {
	start := e.now()
	d, err := e.evaluate(ctx, rawKey, call)
	if err != nil {
		return d, err
	}

	if hasTrace && e.tracer != nil {
		status := "denied"
		if d.Allowed {
			status = "allowed"
		}
		_ = e.tracer.AddSpan(traceID, "gate.evaluate", time.Since(start).Milliseconds(), status, map[string]any{
			"tool":   call.Tool,
			"reason": d.Reason,
		})
	}
	return d, nil
}

func (e *Evaluator) evaluate(ctx context.Context, rawKey string, call ToolCall) (Decision, error) {
	now := e.now()

	// 1. Resolve key.
	rec, err := e.store.Lookup(ctx, rawKey)
	if err != nil || rec == nil {
		return deny("invalid_api_key"), nil
	}

	// 2-4. Lifecycle checks never shadow-converted: an invalid/expired/
	// revoked key is not a "maybe" outcome the business wants to observe
	// in production. Shadow mode applies to checks 5-17 only, per spec.
	if !rec.Active {
		return deny("key_revoked"), nil
	}
	if rec.Suspended {
		return deny("key_suspended"), nil
	}
	if rec.ExpiresAt != nil && now.After(*rec.ExpiresAt) {
		return deny("key_expired"), nil
	}
	if e.spendCap != nil && e.spendCap.IsAutoSuspended(rec.ID) {
		return deny("key_suspended"), nil
	}

	shadow := e.cfg.ShadowModeGlobal || rec.ShadowMode
	var shadowReason string
	shadowDeny := func(reason string) (ok bool) {
		if shadow {
			if shadowReason == "" {
				shadowReason = reason
			}
			return true
		}
		return false
	}

	// 5. Sandbox admission.
	if rec.SandboxPolicy != "" && e.sandboxMgr != nil {
		if r := e.sandboxMgr.Check(rec.SandboxPolicy, rec.ID, call.Tool); !r.Allowed {
			if !shadowDeny(r.Reason) {
				return deny(r.Reason), nil
			}
		} else {
			e.sandboxMgr.Record(rec.SandboxPolicy, rec.ID)
		}
	}

	// 6. Per-tool ACL: denial list first, then whitelist if non-empty.
	if _, denied := rec.ACL.DeniedTools[call.Tool]; denied {
		if !shadowDeny("tool_denied") {
			return deny("tool_denied"), nil
		}
	} else if len(rec.ACL.AllowedTools) > 0 {
		if _, allowed := rec.ACL.AllowedTools[call.Tool]; !allowed {
			if !shadowDeny("tool_not_allowed") {
				return deny("tool_not_allowed"), nil
			}
		}
	}

	// 7. Scope check.
	if requiredScope, ok := rec.Scopes[call.Tool]; ok && requiredScope != "" {
		if !hasScope(rec, requiredScope) {
			if !shadowDeny("scope_missing") {
				return deny("scope_missing"), nil
			}
		}
	}

	// 8. Policy engine.
	if e.policyMgr != nil {
		decision := e.policyMgr.Evaluate(policy.Context{Tool: call.Tool, Key: rec.ID, IP: call.IP, Now: now})
		if decision.Effect == policy.EffectDeny {
			reason := fmt.Sprintf("policy_denied:%s", decision.RuleName)
			if !shadowDeny(reason) {
				return deny(reason), nil
			}
		}
	}

	// 9. Price the call.
	cost := e.price(call.Tool, call.InputBytes)

	// 10. Sufficient credits.
	if rec.Credits < cost {
		if !shadowDeny("insufficient_credits") {
			return deny("insufficient_credits"), nil
		}
	}

	// 11. Spending limit.
	if rec.SpendingLimit > 0 && rec.TotalSpent+cost > rec.SpendingLimit {
		if !shadowDeny("spending_limit_exceeded") {
			return deny("spending_limit_exceeded"), nil
		}
	}

	// 12. Quota check (§4.4). Operates on a copy: evaluate never persists
	// counter state, it only decides; the proxy executor's commit point
	// calls quota.Record against the live record.
	qcCopy := rec.QuotaCounters
	if r := quota.Check(rec.Quota, &qcCopy, cost, now); !r.Allowed {
		if !shadowDeny(r.Reason) {
			return deny(r.Reason), nil
		}
	}

	// 12b. Named periodic quota with rollover (spec §4.4 rollover
	// component). Independent of both QuotaCounters above and the
	// spend-cap hourly/server caps below; operates on the manager's live
	// per-key state directly since advancing a stale period is a
	// deterministic function of wall time, not of concurrent counts
	// (same reasoning as spendcap's hourly bucket roll).
	if e.rollover != nil && rec.Quota.RolloverCallLimit > 0 {
		period := quota.Period(rec.Quota.RolloverPeriod)
		if period == "" {
			period = quota.PeriodDaily
		}
		state := e.rollover.GetOrCreate(rec.ID, rec.Quota.RolloverCallLimit, period, rec.Quota.RolloverPercent, rec.Quota.MaxRollover, now)
		if !state.Check(1, now) {
			if !shadowDeny("quota_rollover_exceeded") {
				return deny("quota_rollover_exceeded"), nil
			}
		}
	}

	// 13. Hourly cap.
	if e.spendCap != nil {
		hq := spendcap.HourlyQuota{HourlyCallLimit: rec.Quota.HourlyCallLimit, HourlyCreditLimit: rec.Quota.HourlyCreditLimit}
		if r := e.spendCap.CheckHourlyCap(rec.ID, cost, hq); !r.Allowed {
			if !shadowDeny(r.Reason) {
				return deny(r.Reason), nil
			}
		}

		// 14. Server-wide daily cap.
		if r := e.spendCap.CheckServerCap(cost); !r.Allowed {
			if !shadowDeny(r.Reason) {
				return deny(r.Reason), nil
			}
		}
	}

	// 15. Sliding window.
	if e.rateLimiter != nil && e.cfg.GlobalRateLimitPerMin > 0 {
		r, err := e.rateLimiter.Check(ctx, rec.ID, e.cfg.GlobalRateLimitPerMin, 60)
		if err != nil {
			return Decision{}, err
		}
		if !r.Allowed {
			if !shadowDeny("rate_limited") {
				return denyRetry("rate_limited", r.RetryAfterMs), nil
			}
		}
	}

	// 16. Token bucket (if configured).
	if e.cfg.TokenBucketEnabled && e.tokenBucket != nil {
		r := e.tokenBucket.Consume(rec.ID, 1)
		if !r.Allowed {
			if !shadowDeny("token_bucket_exhausted") {
				return denyRetry("token_bucket_exhausted", r.RetryAfterMs), nil
			}
		}
	}

	// 17. Concurrency acquire.
	acquired := false
	if e.concurrency != nil {
		if !e.concurrency.Acquire(rec.ID, call.Tool) {
			if !shadowDeny("concurrency_limit") {
				return deny("concurrency_limit"), nil
			}
		} else {
			acquired = true
		}
	}

	if shadow && shadowReason != "" {
		return Decision{
			Allowed:             true,
			Reason:              "shadow:" + shadowReason,
			Cost:                cost,
			Record:              rec,
			AcquiredConcurrency: acquired,
			Shadow:              true,
		}, nil
	}

	return Decision{
		Allowed:             true,
		Cost:                cost,
		Record:              rec,
		AcquiredConcurrency: acquired,
	}, nil
}

func hasScope(rec *keystore.Record, required string) bool {
	_, ok := rec.GrantedScopes[required]
	return ok
}
