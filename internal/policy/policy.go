// Package policy implements the ordered allow/deny rule engine from
// spec §4.6. Rule shape (named conditions, priority, enabled flag) is
// grounded on the client-selector/priority idiom of Envoy AI Gateway's
// and xiaolin593's QuotaPolicy/QuotaRule CRDs, adapted from Kubernetes
// selector matching to a flat in-process rule list.
package policy

import (
	"sort"
	"time"
)

type Effect string

const (
	EffectAllow Effect = "allow"
	EffectDeny  Effect = "deny"
)

// Conditions are the optional match fields for a Rule. A field left at
// its zero value is not checked; every present field must match for the
// rule to apply.
type Conditions struct {
	Tool   string
	Key    string
	IP     string
	After  time.Time
	Before time.Time
}

func (c Conditions) matches(ctx Context) bool {
	if c.Tool != "" && c.Tool != ctx.Tool {
		return false
	}
	if c.Key != "" && c.Key != ctx.Key {
		return false
	}
	if c.IP != "" && c.IP != ctx.IP {
		return false
	}
	if !c.After.IsZero() && ctx.Now.Before(c.After) {
		return false
	}
	if !c.Before.IsZero() && !ctx.Now.Before(c.Before) {
		return false
	}
	return true
}

// Rule is one entry in the ordered policy list.
type Rule struct {
	Name       string
	Effect     Effect
	Priority   int
	Enabled    bool
	Conditions Conditions

	// insertionOrder is assigned by Engine.SetRules and used only to
	// break priority ties deterministically.
	insertionOrder int
}

// Context is the request-shaped input evaluate() matches rules against.
type Context struct {
	Tool string
	Key  string
	IP   string
	Now  time.Time
}

// Decision is evaluate()'s result.
type Decision struct {
	Effect   Effect
	RuleName string // name of the winning rule, "" if the default applied
	Matched  []Rule // every enabled rule whose conditions matched, for auditability
}

// Engine holds an ordered rule list and a default effect applied when
// nothing matches.
type Engine struct {
	rules   []Rule
	Default Effect
}

func New(defaultEffect Effect) *Engine {
	if defaultEffect == "" {
		defaultEffect = EffectAllow
	}
	return &Engine{Default: defaultEffect}
}

// SetRules replaces the engine's rule list, stamping insertion order
// from the slice's given order.
func (e *Engine) SetRules(rules []Rule) {
	stamped := make([]Rule, len(rules))
	for i, r := range rules {
		r.insertionOrder = i
		stamped[i] = r
	}
	e.rules = stamped
}

// Evaluate scans enabled rules, matching every condition field present
// on each. The highest-priority matching rule decides; ties break by
// insertion order (earlier wins). With no match, Default applies.
func (e *Engine) Evaluate(ctx Context) Decision {
	var matched []Rule
	for _, r := range e.rules {
		if !r.Enabled {
			continue
		}
		if r.Conditions.matches(ctx) {
			matched = append(matched, r)
		}
	}
	if len(matched) == 0 {
		return Decision{Effect: e.Default}
	}

	sort.SliceStable(matched, func(i, j int) bool {
		if matched[i].Priority != matched[j].Priority {
			return matched[i].Priority > matched[j].Priority
		}
		return matched[i].insertionOrder < matched[j].insertionOrder
	})

	winner := matched[0]
	return Decision{Effect: winner.Effect, RuleName: winner.Name, Matched: matched}
}
