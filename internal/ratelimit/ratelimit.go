// Package ratelimit defines the Backend interface shared by the
// in-process sliding-window/token-bucket limiters and the optional
// Redis-backed distributed backend, so the gate evaluator can select
// between them via config without changing call sites.
package ratelimit

import "context"

// Result mirrors sliding.Result/bucket.Result for backend-agnostic callers.
type Result struct {
	Allowed      bool
	Remaining    int
	RetryAfterMs int64
}

// Backend is a per-key, per-minute call admission check. windowSeconds
// lets the same interface serve both the fixed 60s sliding window
// (spec §4.1) and a configurable distributed window.
type Backend interface {
	Check(ctx context.Context, key string, limit int, windowSeconds int64) (Result, error)
}
