// Package distributed provides an optional Redis-backed implementation
// of ratelimit.Backend for deployments that want admission consistency
// across multiple gateway processes (spec §11 Non-goals: no exact
// accounting across replicas is required, but this backend gets close
// with a best-effort INCR+EXPIRE window). Grounded directly on teacher
// internal/ratelimit/manager.go's CheckRate.
package distributed

import (
	"context"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/rajasatyajit/toolgate/internal/ratelimit"
)

// Backend implements ratelimit.Backend against a shared Redis instance.
type Backend struct {
	client *redis.Client
	prefix string
}

func New(client *redis.Client) *Backend {
	return &Backend{client: client, prefix: "rl"}
}

// NewFromURL parses a redis URL the way teacher NewManager does and
// pings it once before returning.
func NewFromURL(ctx context.Context, redisURL string) (*Backend, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opt)
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return New(client), nil
}

func (b *Backend) Close() error { return b.client.Close() }

// Check increments a fixed-width window counter keyed by key and the
// current window bucket, matching teacher CheckRate's
// INCR-then-EXPIRE-if-new pipeline.
func (b *Backend) Check(ctx context.Context, key string, limit int, windowSeconds int64) (ratelimit.Result, error) {
	if windowSeconds <= 0 {
		windowSeconds = 60
	}
	now := time.Now().UTC()
	window := now.Unix() / windowSeconds
	rk := fmt.Sprintf("%s:%s:%d", b.prefix, key, window)

	pipe := b.client.TxPipeline()
	incr := pipe.Incr(ctx, rk)
	pipe.Expire(ctx, rk, time.Duration(windowSeconds)*time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		return ratelimit.Result{}, fmt.Errorf("redis rate limit pipeline: %w", err)
	}

	count := int(incr.Val())
	if limit > 0 && count > limit {
		secPassed := now.Unix() % windowSeconds
		retryAfter := (windowSeconds - secPassed) * 1000
		return ratelimit.Result{Allowed: false, Remaining: 0, RetryAfterMs: retryAfter}, nil
	}
	remaining := 0
	if limit > 0 {
		remaining = limit - count
	}
	return ratelimit.Result{Allowed: true, Remaining: remaining}, nil
}
