package sandbox

import (
	"testing"
	"time"
)

func TestCheck_UnknownPolicyAllows(t *testing.T) {
	m := New()
	r := m.Check("missing", "k1", "search")
	if !r.Allowed {
		t.Fatal("expected unknown policy to allow unconditionally")
	}
}

func TestCheck_DeniedToolAlwaysRejected(t *testing.T) {
	m := New()
	m.SetPolicy(Policy{Name: "trial", DeniedTools: map[string]struct{}{"delete": {}}})

	r := m.Check("trial", "k1", "delete")
	if r.Allowed || r.Reason != "sandbox_tool_denied" {
		t.Fatalf("expected denial, got %+v", r)
	}
}

func TestCheck_AllowedToolsWhitelist(t *testing.T) {
	m := New()
	m.SetPolicy(Policy{Name: "trial", AllowedTools: map[string]struct{}{"search": {}}})

	if r := m.Check("trial", "k1", "search"); !r.Allowed {
		t.Fatalf("expected whitelisted tool allowed, got %+v", r)
	}
	r := m.Check("trial", "k1", "export")
	if r.Allowed || r.Reason != "sandbox_tool_not_allowed" {
		t.Fatalf("expected non-whitelisted tool denied, got %+v", r)
	}
}

func TestCheck_WindowedCallLimit(t *testing.T) {
	m := New()
	m.SetPolicy(Policy{Name: "trial", WindowSeconds: 3600, MaxCalls: 2})

	m.Record("trial", "k1")
	m.Record("trial", "k1")
	r := m.Check("trial", "k1", "search")
	if r.Allowed || r.Reason != "sandbox_window_limit_exceeded" {
		t.Fatalf("expected window limit exceeded, got %+v", r)
	}
}

func TestCheck_WindowResetsAfterExpiry(t *testing.T) {
	m := New()
	m.SetPolicy(Policy{Name: "trial", WindowSeconds: 60, MaxCalls: 1})
	base := time.Now()
	m.now = func() time.Time { return base }

	m.Record("trial", "k1")
	if r := m.Check("trial", "k1", "search"); r.Allowed {
		t.Fatal("expected denial within window")
	}

	m.now = func() time.Time { return base.Add(61 * time.Second) }
	if r := m.Check("trial", "k1", "search"); !r.Allowed {
		t.Fatalf("expected allowed after window reset, got %+v", r)
	}
}

func TestCheck_IndependentPerKey(t *testing.T) {
	m := New()
	m.SetPolicy(Policy{Name: "trial", WindowSeconds: 3600, MaxCalls: 1})
	m.Record("trial", "k1")

	if r := m.Check("trial", "k1", "search"); r.Allowed {
		t.Fatal("expected k1 denied")
	}
	if r := m.Check("trial", "k2", "search"); !r.Allowed {
		t.Fatal("expected k2 unaffected by k1's usage")
	}
}

func TestPruneStaleWindows_RemovesOnlyOldEntries(t *testing.T) {
	m := New()
	m.SetPolicy(Policy{Name: "trial", WindowSeconds: 60, MaxCalls: 5})
	base := time.Now()
	m.now = func() time.Time { return base }
	m.Record("trial", "old-key")

	m.now = func() time.Time { return base.Add(time.Hour) }
	m.Record("trial", "fresh-key")

	removed := m.PruneStaleWindows(base.Add(30 * time.Minute))
	if removed != 1 {
		t.Fatalf("expected 1 stale window pruned, got %d", removed)
	}
	if _, ok := m.windows["trial:fresh-key"]; !ok {
		t.Fatal("expected fresh window retained")
	}
	if _, ok := m.windows["trial:old-key"]; ok {
		t.Fatal("expected old window removed")
	}
}

func TestSetPolicy_ReplacesExisting(t *testing.T) {
	m := New()
	m.SetPolicy(Policy{Name: "trial", MaxCalls: 1})
	m.SetPolicy(Policy{Name: "trial", MaxCalls: 100})

	p, ok := m.Policy("trial")
	if !ok || p.MaxCalls != 100 {
		t.Fatalf("expected policy replaced, got %+v", p)
	}
}
