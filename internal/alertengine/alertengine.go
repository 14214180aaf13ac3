// Package alertengine implements the five key-health alert rules from
// spec §4.14. Rule/query shape is grounded on teacher
// internal/models.Alert/AlertQuery.Matches's struct-plus-predicate
// idiom, repurposed from supply-chain disruption alerts to per-key
// admission-pipeline health alerts.
package alertengine

import (
	"sync"
	"time"

	"github.com/rajasatyajit/toolgate/internal/keystore"
	"github.com/rajasatyajit/toolgate/internal/logger"
)

type RuleKind string

const (
	KindSpendingThreshold RuleKind = "spending_threshold"
	KindCreditsLow        RuleKind = "credits_low"
	KindQuotaWarning      RuleKind = "quota_warning"
	KindKeyExpirySoon     RuleKind = "key_expiry_soon"
	KindRateLimitSpike    RuleKind = "rate_limit_spike"
)

const rateLimitSpikeWindow = 5 * time.Minute

// Rule is one configured alert: Threshold's unit depends on Kind —
// a percentage (0-100) for spending_threshold/quota_warning, an
// absolute credit count for credits_low, seconds for key_expiry_soon,
// and a denial count for rate_limit_spike.
type Rule struct {
	Name       string
	Kind       RuleKind
	Threshold  float64
	CooldownMs int64
	DryRun     bool
}

// Alert is one fired notification.
type Alert struct {
	RuleName string
	Kind     RuleKind
	KeyID    string
	Message  string
	FiredAt  time.Time
}

// Sink receives fired alerts, e.g. for webhook delivery.
type Sink interface {
	Fire(a Alert)
}

// Engine evaluates the configured rules against a key record on each
// gate evaluation.
type Engine struct {
	mu          sync.Mutex
	rules       []Rule
	lastFired   map[string]time.Time // "ruleName\x00keyID" -> last fire time
	denialTimes map[string][]time.Time
	sink        Sink
	now         func() time.Time
}

func New(sink Sink) *Engine {
	return &Engine{
		lastFired:   make(map[string]time.Time),
		denialTimes: make(map[string][]time.Time),
		sink:        sink,
		now:         time.Now,
	}
}

// SetRules replaces the configured rule list.
func (e *Engine) SetRules(rules []Rule) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules = rules
}

// RecordRateLimitDenial notes a denial for key, for the rate_limit_spike
// rule's 5-minute window.
func (e *Engine) RecordRateLimitDenial(key string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.now()
	times := append(e.denialTimes[key], now)
	e.denialTimes[key] = pruneOlderThan(times, now.Add(-rateLimitSpikeWindow))
}

func pruneOlderThan(times []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(times) && times[i].Before(cutoff) {
		i++
	}
	return times[i:]
}

// Check evaluates every configured rule against rec, firing (and
// returning) the ones whose evaluator matches and whose cooldown has
// elapsed. DryRun rules are still returned but not sent to the sink.
func (e *Engine) Check(rec *keystore.Record) []Alert {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	var fired []Alert
	for _, rule := range e.rules {
		msg, matched := e.evaluate(rule, rec, now)
		if !matched {
			continue
		}
		cooldownKey := rule.Name + "\x00" + rec.ID
		if last, ok := e.lastFired[cooldownKey]; ok {
			if now.Sub(last) < time.Duration(rule.CooldownMs)*time.Millisecond {
				continue
			}
		}
		e.lastFired[cooldownKey] = now

		a := Alert{RuleName: rule.Name, Kind: rule.Kind, KeyID: rec.ID, Message: msg, FiredAt: now}
		fired = append(fired, a)
		if !rule.DryRun && e.sink != nil {
			e.sink.Fire(a)
		} else if rule.DryRun {
			logger.Info("alert suppressed by dry-run", "rule", rule.Name, "key", rec.ID, "message", msg)
		}
	}
	return fired
}

func (e *Engine) evaluate(rule Rule, rec *keystore.Record, now time.Time) (string, bool) {
	if rule.Threshold == 0 {
		return "", false
	}
	switch rule.Kind {
	case KindSpendingThreshold:
		denom := rec.Credits + rec.TotalSpent
		if denom <= 0 {
			return "", false
		}
		ratio := float64(rec.TotalSpent) / float64(denom) * 100
		if ratio >= rule.Threshold {
			return "total spent has reached the configured share of lifetime credits", true
		}
	case KindCreditsLow:
		if rec.Credits <= int64(rule.Threshold) {
			return "remaining credits at or below threshold", true
		}
	case KindQuotaWarning:
		if quotaRatio(rec.QuotaCounters.DailyCalls, rec.Quota.DailyCallLimit) >= rule.Threshold {
			return "daily call quota usage at or above threshold", true
		}
		if quotaRatio(rec.QuotaCounters.MonthlyCalls, rec.Quota.MonthlyCallLimit) >= rule.Threshold {
			return "monthly call quota usage at or above threshold", true
		}
	case KindKeyExpirySoon:
		if rec.ExpiresAt != nil {
			remaining := rec.ExpiresAt.Sub(now)
			if remaining > 0 && remaining <= time.Duration(rule.Threshold)*time.Second {
				return "key expires within the configured window", true
			}
		}
	case KindRateLimitSpike:
		times := pruneOlderThan(e.denialTimes[rec.ID], now.Add(-rateLimitSpikeWindow))
		e.denialTimes[rec.ID] = times
		if int64(len(times)) >= int64(rule.Threshold) {
			return "rate-limit denial count spiked in the last 5 minutes", true
		}
	}
	return "", false
}

func quotaRatio(used, limit int64) float64 {
	if limit <= 0 {
		return 0
	}
	return float64(used) / float64(limit) * 100
}
