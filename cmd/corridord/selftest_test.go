package main

import (
	"context"
	"testing"
)

func TestSelfTest_SweepsFullRangeAndRestores(t *testing.T) {
	s, sim := newTestStore(t)
	s.RequestManual(40, "test")
	fadeToManual(t, s)
	before := len(sim.Events())

	if !s.TriggerSelfTest("test") {
		t.Fatalf("trigger refused")
	}
	if s.Mode() != ModeSelfTesting {
		t.Fatalf("mode = %v, want self_testing", s.Mode())
	}
	if !runSelfTest(context.Background(), s, testLogger()) {
		t.Fatalf("self-test did not run")
	}

	writes := dutyWrites(sim.Events()[before:])
	if len(writes) == 0 || writes[0] != 0 {
		t.Fatalf("sweep should start at duty 0, got %v", writes)
	}

	peak := -1
	for i, d := range writes {
		if d == MaxDuty {
			peak = i
			break
		}
		if i > 0 && d <= writes[i-1] {
			t.Fatalf("upward sweep not increasing at %d: %d after %d", i, d, writes[i-1])
		}
	}
	if peak < 0 {
		t.Fatalf("sweep never reached %d", MaxDuty)
	}
	if writes[1]-writes[0] != defaultSelfTestIncrement {
		t.Fatalf("sweep increment = %d, want %d", writes[1]-writes[0], defaultSelfTestIncrement)
	}

	sawZero := false
	for _, d := range writes[peak:] {
		if d == 0 {
			sawZero = true
			break
		}
	}
	if !sawZero {
		t.Fatalf("downward sweep never reached 0")
	}

	snap := s.Snapshot()
	if snap.Brightness != 40 {
		t.Fatalf("brightness = %d, want 40 (untouched by the sweep)", snap.Brightness)
	}
	if snap.Duty != DutyFor(40) {
		t.Fatalf("duty after sweep = %d, want %d", snap.Duty, DutyFor(40))
	}
	if duty, powered := sim.Pins(); duty != DutyFor(40) || !powered {
		t.Fatalf("pins after sweep duty=%d powered=%v", duty, powered)
	}
	if snap.Mode != ModeManual {
		t.Fatalf("mode = %v, want manual", snap.Mode)
	}
	if got := s.metrics.selfTests.Get(); got != 1 {
		t.Fatalf("self-tests counter = %d, want 1", got)
	}
}

func TestSelfTest_SecondTriggerIgnored(t *testing.T) {
	s, _ := newTestStore(t)

	if !s.TriggerSelfTest("test") {
		t.Fatalf("first trigger refused")
	}
	if s.TriggerSelfTest("test") {
		t.Fatalf("second trigger accepted while a self-test is pending")
	}
}

func TestSelfTest_PreemptsManualFade(t *testing.T) {
	s, _ := newTestStore(t)

	s.RequestManual(40, "test")
	job, ok := s.BeginManualFade()
	if !ok {
		t.Fatalf("expected manual fade")
	}
	job.Lease.Step(1)

	s.TriggerSelfTest("test")
	if job.Lease.Step(2) {
		t.Fatalf("manual fade continued after a self-test trigger")
	}
	job.Lease.Done(false)

	if _, ok := s.BeginManualFade(); ok {
		t.Fatalf("manual fade must wait for the self-test")
	}

	runSelfTest(context.Background(), s, testLogger())
	job, ok = s.BeginManualFade()
	if !ok || job.From != 1 || job.To != 40 {
		t.Fatalf("after self-test want fade 1->40, got ok=%v %d->%d", ok, job.From, job.To)
	}
}

func TestSelfTest_ResumesBreathing(t *testing.T) {
	s, _ := newTestStore(t)

	s.SetBreathing(true, "test")
	s.TriggerSelfTest("test")
	runSelfTest(context.Background(), s, testLogger())

	if s.Mode() != ModeBreathing {
		t.Fatalf("mode = %v, want breathing restored", s.Mode())
	}
}

func TestSelfTest_FromDarkLeavesRelayOff(t *testing.T) {
	s, sim := newTestStore(t)

	s.TriggerSelfTest("test")
	runSelfTest(context.Background(), s, testLogger())

	if duty, powered := sim.Pins(); duty != 0 || powered {
		t.Fatalf("pins after sweep from dark duty=%d powered=%v, want 0/false", duty, powered)
	}
	if n := sim.UnpoweredWrites(); n != 0 {
		t.Fatalf("%d nonzero duty writes with the relay off", n)
	}
}
