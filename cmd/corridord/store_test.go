package main

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return newLogger(io.Discard, LogLevelError)
}

// testTunables keeps the real band and targets but shrinks every delay so
// ramps finish in milliseconds.
func testTunables() Tunables {
	return Tunables{
		PresenceTarget: defaultPresenceTarget,
		FadeStep:       time.Millisecond,
		MotionFadeStep: time.Millisecond,
		Breath: BreathSettings{
			Low:      defaultBreathLow,
			High:     defaultBreathHigh,
			Inhale:   13 * time.Millisecond,
			HoldHigh: 5 * time.Millisecond,
			Exhale:   13 * time.Millisecond,
			HoldLow:  5 * time.Millisecond,
		},
		SelfTest: SelfTestSettings{Increment: defaultSelfTestIncrement},
	}
}

func newTestStore(t *testing.T) (*Store, *simHardware) {
	t.Helper()
	sim := newSimHardware()
	s := NewStore(sim.Hardware(), HardwareConfig{WriteRetries: 2}, testTunables(), testLogger(), nil)
	return s, sim
}

// fadeToManual runs the pending manual fade to completion.
func fadeToManual(t *testing.T, s *Store) {
	t.Helper()
	job, ok := s.BeginManualFade()
	if !ok {
		t.Fatalf("expected a manual fade to be pending")
	}
	if !runFade(context.Background(), job) {
		t.Fatalf("manual fade did not complete")
	}
}

func dutyWrites(events []hwEvent) []uint32 {
	var out []uint32
	for _, ev := range events {
		if ev.Kind == "duty" {
			out = append(out, ev.Duty)
		}
	}
	return out
}

func TestStore_BootState(t *testing.T) {
	s, sim := newTestStore(t)

	snap := s.Snapshot()
	if snap.Brightness != 0 || snap.Manual != 0 {
		t.Fatalf("boot brightness=%d manual=%d, want 0/0", snap.Brightness, snap.Manual)
	}
	if snap.Mode != ModeManual {
		t.Fatalf("boot mode = %v, want manual", snap.Mode)
	}
	if snap.Power != PowerOff {
		t.Fatalf("boot power = %v, want off", snap.Power)
	}
	if duty, powered := sim.Pins(); duty != 0 || powered {
		t.Fatalf("boot pins duty=%d powered=%v, want 0/false", duty, powered)
	}
}

func TestStore_ManualFadeStepsToTarget(t *testing.T) {
	s, sim := newTestStore(t)
	before := len(sim.Events())

	s.RequestManual(40, "test")
	fadeToManual(t, s)

	snap := s.Snapshot()
	if snap.Brightness != 40 {
		t.Fatalf("brightness = %d, want 40", snap.Brightness)
	}
	if snap.Duty != DutyFor(40) {
		t.Fatalf("duty = %d, want %d", snap.Duty, DutyFor(40))
	}
	if snap.Power != PowerOn {
		t.Fatalf("power = %v, want on", snap.Power)
	}
	if snap.Ramping() {
		t.Fatalf("expected no active ramp after completion")
	}

	writes := dutyWrites(sim.Events()[before:])
	if len(writes) != 40 {
		t.Fatalf("got %d duty writes, want 40 (one per unit)", len(writes))
	}
	for i, d := range writes {
		if want := DutyFor(i + 1); d != want {
			t.Fatalf("write %d = %d, want %d", i, d, want)
		}
	}
	if n := sim.UnpoweredWrites(); n != 0 {
		t.Fatalf("%d nonzero duty writes happened with the relay off", n)
	}
}

func TestStore_FadeToZeroSwitchesRelayOffLast(t *testing.T) {
	s, sim := newTestStore(t)

	s.RequestManual(5, "test")
	fadeToManual(t, s)
	s.RequestManual(0, "test")
	fadeToManual(t, s)

	events := sim.Events()
	last := events[len(events)-1]
	if last.Kind != "relay" || last.Powered {
		t.Fatalf("last write = %+v, want relay off", last)
	}
	prev := events[len(events)-2]
	if prev.Kind != "duty" || prev.Duty != 0 {
		t.Fatalf("write before relay off = %+v, want duty 0", prev)
	}
	if s.Snapshot().Power != PowerOff {
		t.Fatalf("power should be off at brightness 0")
	}
}

func TestStore_NewSetPointSupersedesRunningFade(t *testing.T) {
	s, _ := newTestStore(t)

	s.RequestManual(40, "test")
	job, ok := s.BeginManualFade()
	if !ok {
		t.Fatalf("expected manual fade")
	}
	if !job.Lease.Step(1) {
		t.Fatalf("first step refused")
	}

	s.RequestManual(10, "test")
	if job.Lease.Step(2) {
		t.Fatalf("superseded lease still accepted a step")
	}
	job.Lease.Done(false)

	if b := s.Snapshot().Brightness; b != 1 {
		t.Fatalf("brightness = %d, want last completed step 1", b)
	}

	next, ok := s.BeginManualFade()
	if !ok {
		t.Fatalf("expected a new fade toward the new set-point")
	}
	if next.From != 1 || next.To != 10 {
		t.Fatalf("new fade %d->%d, want 1->10", next.From, next.To)
	}
}

func TestStore_SetPointDuringBreathingAppliedOnBreathOff(t *testing.T) {
	s, _ := newTestStore(t)

	s.SetBreathing(true, "test")
	s.RequestManual(50, "test")

	if s.Mode() != ModeBreathing {
		t.Fatalf("mode = %v, want breathing", s.Mode())
	}
	if _, ok := s.BeginManualFade(); ok {
		t.Fatalf("manual fade must not run while breathing")
	}
	if m := s.Snapshot().Manual; m != 50 {
		t.Fatalf("manual set-point = %d, want 50", m)
	}

	s.SetBreathing(false, "test")
	job, ok := s.BeginManualFade()
	if !ok || job.To != 50 {
		t.Fatalf("after breath-off want fade to 50, got ok=%v to=%d", ok, job.To)
	}
}

func TestStore_WriteFailureRaisesFaultAndMaintenanceClearsIt(t *testing.T) {
	s, sim := newTestStore(t)

	// WriteRetries is 2: three failed attempts exhaust the write.
	sim.FailNextDutyWrites(3)

	s.RequestManual(10, "test")
	job, ok := s.BeginManualFade()
	if !ok {
		t.Fatalf("expected manual fade")
	}
	if runFade(context.Background(), job) {
		t.Fatalf("fade should stop on a failed write")
	}

	snap := s.Snapshot()
	if snap.Fault == "" {
		t.Fatalf("expected fault alarm after exhausted retries")
	}
	if snap.Brightness != 0 {
		t.Fatalf("brightness = %d, want last successful value 0", snap.Brightness)
	}

	// The relay was switched on for the failed step; maintenance brings the
	// pins back in line with brightness 0 and clears the alarm.
	s.Reassert()
	snap = s.Snapshot()
	if snap.Fault != "" {
		t.Fatalf("fault not cleared after successful maintenance write: %q", snap.Fault)
	}
	if snap.Power != PowerOff {
		t.Fatalf("power = %v, want off at brightness 0", snap.Power)
	}
}

func TestStore_RetrySucceedsWithoutFault(t *testing.T) {
	s, sim := newTestStore(t)

	sim.FailNextDutyWrites(2)
	s.RequestManual(3, "test")
	fadeToManual(t, s)

	snap := s.Snapshot()
	if snap.Fault != "" {
		t.Fatalf("unexpected fault %q", snap.Fault)
	}
	if snap.Brightness != 3 {
		t.Fatalf("brightness = %d, want 3", snap.Brightness)
	}
	if got := s.metrics.writeRetries.Get(); got != 2 {
		t.Fatalf("write retries = %d, want 2", got)
	}
}

func TestStore_MotionPresenceAndAbsence(t *testing.T) {
	s, _ := newTestStore(t)

	if !s.ObserveMotion(true) {
		t.Fatalf("first presence sample should count as a change")
	}
	job, ok := s.BeginMotionFade()
	if !ok || job.To != defaultPresenceTarget {
		t.Fatalf("want presence fade to %d, got ok=%v to=%d", defaultPresenceTarget, ok, job.To)
	}
	if s.Mode() != ModeMotionActive {
		t.Fatalf("mode = %v, want motion_active", s.Mode())
	}
	runFade(context.Background(), job)
	if b := s.Snapshot().Brightness; b != defaultPresenceTarget {
		t.Fatalf("brightness = %d, want %d", b, defaultPresenceTarget)
	}

	s.ObserveMotion(false)
	job, ok = s.BeginMotionFade()
	if !ok || job.To != 0 {
		t.Fatalf("want absence fade to 0, got ok=%v to=%d", ok, job.To)
	}
	runFade(context.Background(), job)

	snap := s.Snapshot()
	if snap.Mode != ModeManual || snap.Manual != 0 || snap.Brightness != 0 {
		t.Fatalf("after absence: mode=%v manual=%d brightness=%d, want manual/0/0", snap.Mode, snap.Manual, snap.Brightness)
	}
	if snap.Power != PowerOff {
		t.Fatalf("power = %v, want off", snap.Power)
	}
}

func TestStore_MotionWaitsForRunningFade(t *testing.T) {
	s, _ := newTestStore(t)

	s.RequestManual(40, "test")
	job, ok := s.BeginManualFade()
	if !ok {
		t.Fatalf("expected manual fade")
	}

	s.ObserveMotion(true)
	if _, ok := s.BeginMotionFade(); ok {
		t.Fatalf("motion fade must not preempt a running manual fade")
	}

	runFade(context.Background(), job)
	if _, ok := s.BeginMotionFade(); !ok {
		t.Fatalf("pending motion transition should start once the output is free")
	}
}

func TestStore_MotionWaitsForPendingManualRequest(t *testing.T) {
	s, _ := newTestStore(t)

	// The control task has not picked the request up yet.
	s.RequestManual(50, "test")
	s.ObserveMotion(true)

	if _, ok := s.BeginMotionFade(); ok {
		t.Fatalf("motion fade must not run ahead of a pending manual request")
	}
	if s.Mode() != ModeManual {
		t.Fatalf("mode = %v, want manual", s.Mode())
	}

	fadeToManual(t, s)
	snap := s.Snapshot()
	if snap.Brightness != 50 || snap.Manual != 50 {
		t.Fatalf("brightness=%d manual=%d, want 50/50", snap.Brightness, snap.Manual)
	}

	if _, ok := s.BeginMotionFade(); !ok {
		t.Fatalf("presence should apply once the manual fade has settled")
	}
}

func TestStore_MotionIgnoredWhileBreathing(t *testing.T) {
	s, _ := newTestStore(t)

	s.SetBreathing(true, "test")
	s.ObserveMotion(true)
	if _, ok := s.BeginMotionFade(); ok {
		t.Fatalf("motion must not take over breathing")
	}
	if !s.Snapshot().Motion {
		t.Fatalf("motion sample should still be recorded")
	}
}

func TestStore_ManualRequestEndsMotionActive(t *testing.T) {
	s, _ := newTestStore(t)

	s.ObserveMotion(true)
	job, _ := s.BeginMotionFade()
	runFade(context.Background(), job)

	s.RequestManual(60, "test")
	if s.Mode() != ModeManual {
		t.Fatalf("mode = %v, want manual", s.Mode())
	}
	fadeToManual(t, s)
	if b := s.Snapshot().Brightness; b != 60 {
		t.Fatalf("brightness = %d, want 60", b)
	}
}

func TestStore_ApplyTunables(t *testing.T) {
	s, _ := newTestStore(t)

	next := testTunables()
	next.PresenceTarget = 60
	s.ApplyTunables(next)

	if got := s.PresenceTarget(); got != 60 {
		t.Fatalf("presence target = %d, want 60", got)
	}
}

func TestStore_ChangesSignalled(t *testing.T) {
	s, _ := newTestStore(t)

	// Drain the boot signal, if any.
	select {
	case <-s.Changes():
	default:
	}

	s.RequestManual(5, "test")
	select {
	case <-s.Changes():
	case <-time.After(time.Second):
		t.Fatalf("no change signal after an intent")
	}
}
