package main

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// ============================================================================
// Scheduler - periodic tasks around the Brightness Store
// ============================================================================
//
// Tasks, highest priority first:
//
//	control   (10 ms)  tunables update channel, then request servicing
//	motion    (100 ms) PIR debouncing and motion fades
//	breath    (100 ms) self-test, breathing cycle, output maintenance
//
// Go has no task priorities; the order is enforced where it matters:
//   - intents are recorded in the store by the caller, before any task sees them
//   - the control task drains the update channel before it services requests
//   - leases preempt by rank (SelfTest > Control > Motion > Breath)
//
// A task only blocks longer than its cadence while it is inside a ramp step.
// Missed ticks are dropped, never queued.
// ============================================================================

// Cadences configures the tick period of each task.
type Cadences struct {
	Control time.Duration
	Motion  time.Duration
	Breath  time.Duration
}

type Scheduler struct {
	store   *Store
	sensor  MotionSensor
	cadence Cadences
	updates <-chan Tunables
	logger  *slog.Logger
}

// NewScheduler wires the tasks. updates may be nil.
func NewScheduler(store *Store, sensor MotionSensor, cadence Cadences, updates <-chan Tunables, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		store:   store,
		sensor:  sensor,
		cadence: cadence,
		updates: updates,
		logger:  logger,
	}
}

// Run blocks until ctx is canceled and every task has returned.
func (s *Scheduler) Run(ctx context.Context) error {
	control := &controlTask{store: s.store, updates: s.updates, logger: s.logger}
	motion := &motionTask{store: s.store, sensor: s.sensor, logger: s.logger}
	breath := &breathTask{store: s.store, logger: s.logger}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return runPeriodic(ctx, "control", s.cadence.Control, control.tick, s.logger) })
	g.Go(func() error { return runPeriodic(ctx, "motion", s.cadence.Motion, motion.tick, s.logger) })
	g.Go(func() error { return runPeriodic(ctx, "breath", s.cadence.Breath, breath.tick, s.logger) })
	return g.Wait()
}

// runPeriodic calls tick every period until ctx ends.
func runPeriodic(ctx context.Context, name string, every time.Duration, tick func(context.Context, time.Time), logger *slog.Logger) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	logger.Debug("task starting", "task", name, "cadence", every)
	for {
		select {
		case <-ctx.Done():
			logger.Debug("task stopping (context canceled)", "task", name)
			return nil
		case now := <-ticker.C:
			tick(ctx, now)
		}
	}
}

// controlTask applies tunables updates and drives brightness toward the
// Manual set-point. A newer set-point supersedes the running fade at its
// next step; the following tick fades on from wherever it stopped.
type controlTask struct {
	store   *Store
	updates <-chan Tunables
	logger  *slog.Logger
}

func (t *controlTask) tick(ctx context.Context, now time.Time) {
	select {
	case u, ok := <-t.updates:
		if ok {
			t.store.ApplyTunables(u)
		}
	default:
	}

	job, ok := t.store.BeginManualFade()
	if !ok {
		return
	}
	t.logger.Debug("manual fade", "from", job.From, "to", job.To)
	runFade(ctx, job)
}
