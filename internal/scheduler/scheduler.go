// Package scheduler runs deferred jobs ("run this after D").
//
// Jobs are fire-and-forget: there is no cancellation API. A job that finds
// its state gone when it fires simply does nothing. Job failures and panics
// are recovered and reported; they never take the scheduler down.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"firestige.xyz/flowguard/internal/metrics"
)

// Job is a scheduled callback. Name is the job kind ("decay", "ban_expiry"),
// Key identifies the entry it acts on, Run carries the owning table.
type Job struct {
	Name string
	Key  string
	Run  func(ctx context.Context) error
}

// Scheduler runs jobs after a delay.
type Scheduler interface {
	// Schedule arranges for job to run once after delay.
	Schedule(delay time.Duration, job Job)
	// Now returns the scheduler's notion of the current time.
	Now() time.Time
	// Pending returns the number of jobs not yet started.
	Pending() int
	// Stop drops pending jobs and waits for running ones until ctx is done.
	Stop(ctx context.Context) error
}

// run executes job, converting panics into errors, and reports the outcome.
func run(ctx context.Context, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s(%s) panicked: %v", job.Name, job.Key, r)
			metrics.SchedulerJobsTotal.WithLabelValues(job.Name, "panic").Inc()
			slog.Error("scheduled job panicked", "job", job.Name, "key", job.Key, "panic", r)
		}
	}()

	if job.Run == nil {
		return nil
	}
	if err = job.Run(ctx); err != nil {
		metrics.SchedulerJobsTotal.WithLabelValues(job.Name, "error").Inc()
		slog.Warn("scheduled job failed", "job", job.Name, "key", job.Key, "error", err)
		return err
	}
	metrics.SchedulerJobsTotal.WithLabelValues(job.Name, "ok").Inc()
	return nil
}
