// Package scheduler implements the single background scheduler that
// resolves spec §9's open question (one ticker vs. several): one
// time.Ticker at TickInterval fans out into one errgroup-managed
// goroutine per due job, each job self-throttling against its own
// last-run timestamp. Grounded on teacher internal/usage.StartAggregator
// (a single ticker goroutine gated on ctx.Done), generalized from one
// hardcoded job to a registry of named jobs with independent intervals.
package scheduler

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rajasatyajit/toolgate/internal/logger"
)

// Job is one periodic unit of work, run no more often than Interval.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// Scheduler owns the registered jobs and the single ticker driving them.
type Scheduler struct {
	tickInterval time.Duration
	jobs         []Job
	now          func() time.Time
}

func New(tickInterval time.Duration) *Scheduler {
	if tickInterval <= 0 {
		tickInterval = 500 * time.Millisecond
	}
	return &Scheduler{tickInterval: tickInterval, now: time.Now}
}

// Register adds a job. Call before Run; Register is not safe to call
// concurrently with Run.
func (s *Scheduler) Register(j Job) {
	s.jobs = append(s.jobs, j)
}

// Run drives every registered job off one ticker until ctx is canceled.
// A job that returns an error is logged but never stops the scheduler or
// any other job; Run itself only returns on context cancellation.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	g, gctx := errgroup.WithContext(ctx)
	lastRun := make([]time.Time, len(s.jobs))

	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case t := <-ticker.C:
				for i := range s.jobs {
					j := s.jobs[i]
					if j.Interval > 0 && t.Sub(lastRun[i]) < j.Interval {
						continue
					}
					lastRun[i] = t
					g.Go(func() error {
						if err := j.Run(gctx); err != nil {
							logger.Error("scheduled job failed", "job", j.Name, "error", err)
						}
						return nil
					})
				}
			}
		}
	})

	if err := g.Wait(); err != nil && err != context.Canceled && err != context.DeadlineExceeded {
		return err
	}
	return nil
}
