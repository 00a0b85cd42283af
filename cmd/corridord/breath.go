package main

import (
	"context"
	"log/slog"
	"time"
)

// breathPhase is the position in the breathing cycle.
//
//	Enter -> Inhale -> HoldHigh -> Exhale -> HoldLow -> Inhale ...
//
// Enter ramps from wherever brightness was to the band's low edge at the
// manual fade rate, so the cycle always starts inside the band.
type breathPhase uint8

const (
	phaseEnter breathPhase = iota
	phaseInhale
	phaseHoldHigh
	phaseExhale
	phaseHoldLow
)

func (p breathPhase) String() string {
	switch p {
	case phaseEnter:
		return "enter"
	case phaseInhale:
		return "inhale"
	case phaseHoldHigh:
		return "hold_high"
	case phaseExhale:
		return "exhale"
	case phaseHoldLow:
		return "hold_low"
	default:
		return "unknown"
	}
}

// breathEngine advances one phase per call. Ramp phases block the calling
// task for the ramp duration, one step at a time; hold phases never block
// and are re-checked on each tick.
type breathEngine struct {
	phase     breathPhase
	holdUntil time.Time
}

func (e *breathEngine) reset() {
	e.phase = phaseEnter
	e.holdUntil = time.Time{}
}

// rampStepDelay spreads a phase duration over the band amplitude, so the
// phase takes the same time whatever the band width is.
func rampStepDelay(d time.Duration, low, high int) time.Duration {
	amplitude := high - low
	if amplitude <= 0 {
		return d
	}
	return d / time.Duration(amplitude)
}

// advance runs the current phase. It returns false when the store is not in
// breathing mode, leaving the tick to maintenance.
func (e *breathEngine) advance(ctx context.Context, s *Store, now time.Time) bool {
	if s.Mode() != ModeBreathing {
		e.reset()
		return false
	}
	cfg := s.Tunables()
	b := cfg.Breath

	switch e.phase {
	case phaseHoldHigh, phaseHoldLow:
		if now.Before(e.holdUntil) {
			return true
		}
		if e.phase == phaseHoldHigh {
			e.phase = phaseExhale
		} else {
			e.phase = phaseInhale
		}
	}

	var (
		target int
		delay  time.Duration
		next   breathPhase
		hold   time.Duration
	)
	switch e.phase {
	case phaseEnter:
		// May pass through values outside the band; the cycle starts at Low.
		target, delay, next = b.Low, cfg.FadeStep, phaseInhale
	case phaseInhale:
		target, delay, next, hold = b.High, rampStepDelay(b.Inhale, b.Low, b.High), phaseHoldHigh, b.HoldHigh
	case phaseExhale:
		target, delay, next, hold = b.Low, rampStepDelay(b.Exhale, b.Low, b.High), phaseHoldLow, b.HoldLow
	}

	job, ok := s.BeginBreathRamp(target, delay)
	if !ok {
		e.reset()
		return false
	}
	if !runFade(ctx, job) {
		// Superseded mid-ramp; brightness holds the last completed step.
		return true
	}
	e.phase = next
	e.holdUntil = time.Now().Add(hold)
	return true
}

// breathTask is the lowest-priority periodic task: it runs a pending
// self-test, otherwise the breathing cycle, otherwise output maintenance.
type breathTask struct {
	store  *Store
	engine breathEngine
	logger *slog.Logger
}

func (t *breathTask) tick(ctx context.Context, now time.Time) {
	if runSelfTest(ctx, t.store, t.logger) {
		t.engine.reset()
		return
	}
	if t.engine.advance(ctx, t.store, now) {
		return
	}
	t.store.Reassert()
}
