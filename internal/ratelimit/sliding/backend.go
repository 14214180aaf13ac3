package sliding

import (
	"context"

	"github.com/rajasatyajit/toolgate/internal/ratelimit"
)

// BackendAdapter exposes a Limiter through the shared ratelimit.Backend
// interface so the gate evaluator can select between this in-process
// limiter and the distributed Redis-backed one without a type switch.
// The limit and the 60s window are both fixed at New(); the limit and
// windowSeconds arguments to Check are accepted for interface
// compatibility and ignored.
type BackendAdapter struct {
	limiter *Limiter
}

func NewBackendAdapter(l *Limiter) *BackendAdapter {
	return &BackendAdapter{limiter: l}
}

func (a *BackendAdapter) Check(ctx context.Context, key string, limit int, windowSeconds int64) (ratelimit.Result, error) {
	r := a.limiter.Check(key)
	return ratelimit.Result{Allowed: r.Allowed, Remaining: r.Remaining, RetryAfterMs: r.RetryAfterMs}, nil
}
