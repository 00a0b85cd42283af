package main

import (
	"context"
	"time"
)

// fade steps brightness by one unit at a time from job.From to job.To,
// writing each value through the lease and then waiting job.StepDelay.
// The last value written is exactly job.To. It returns false if the lease
// was superseded, a write failed, or ctx ended before the target was reached.
func fade(ctx context.Context, job FadeJob) bool {
	step := 1
	if job.To < job.From {
		step = -1
	}
	for b := job.From; b != job.To; {
		b += step
		if !job.Lease.Step(b) {
			return false
		}
		if !sleepCtx(ctx, job.StepDelay) {
			return b == job.To
		}
	}
	return true
}

// runFade runs the job and releases its lease.
func runFade(ctx context.Context, job FadeJob) bool {
	completed := fade(ctx, job)
	job.Lease.Done(completed)
	return completed
}

// sleepCtx waits d or until ctx ends. It reports whether the full wait elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
