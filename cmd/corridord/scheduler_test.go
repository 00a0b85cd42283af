package main

import (
	"context"
	"testing"
	"time"
)

var testCadences = Cadences{
	Control: time.Millisecond,
	Motion:  2 * time.Millisecond,
	Breath:  2 * time.Millisecond,
}

// startScheduler runs the periodic tasks until the test ends.
func startScheduler(t *testing.T, s *Store, sim *simHardware, updates <-chan Tunables) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- NewScheduler(s, sim, testCadences, updates, testLogger()).Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("scheduler returned %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Errorf("scheduler did not stop")
		}
	})
}

func TestScheduler_ServicesManualRequests(t *testing.T) {
	s, sim := newTestStore(t)
	startScheduler(t, s, sim, nil)

	s.RequestManual(50, "test")
	waitUntil(t, 2*time.Second, func() bool { return s.Snapshot().Brightness == 50 }, "brightness never reached 50")

	s.RequestManual(0, "test")
	waitUntil(t, 2*time.Second, func() bool {
		snap := s.Snapshot()
		return snap.Brightness == 0 && snap.Power == PowerOff
	}, "light never went dark")

	if n := sim.UnpoweredWrites(); n != 0 {
		t.Fatalf("%d nonzero duty writes with the relay off", n)
	}
}

func TestScheduler_AppliesTunablesUpdates(t *testing.T) {
	s, sim := newTestStore(t)
	updates := make(chan Tunables, 1)
	startScheduler(t, s, sim, updates)

	next := testTunables()
	next.PresenceTarget = 60
	updates <- next

	waitUntil(t, 2*time.Second, func() bool { return s.PresenceTarget() == 60 }, "tunables not applied")

	sim.SetPresent(true)
	waitUntil(t, 2*time.Second, func() bool { return s.Snapshot().Brightness == 60 }, "presence did not use the new target")
}

func TestScheduler_SelfTestThenBreathing(t *testing.T) {
	s, sim := newTestStore(t)
	startScheduler(t, s, sim, nil)

	s.SetBreathing(true, "test")
	s.TriggerSelfTest("test")

	waitUntil(t, 2*time.Second, func() bool { return s.metrics.selfTests.Get() == 1 }, "self-test never ran")
	waitUntil(t, 2*time.Second, func() bool {
		b := s.Snapshot().Brightness
		return s.Mode() == ModeBreathing && b >= defaultBreathLow && b <= defaultBreathHigh
	}, "breathing did not resume inside the band")
}

func TestScheduler_MotionCycle(t *testing.T) {
	s, sim := newTestStore(t)
	startScheduler(t, s, sim, nil)

	sim.SetPresent(true)
	waitUntil(t, 2*time.Second, func() bool {
		return s.Snapshot().Brightness == defaultPresenceTarget
	}, "presence fade did not finish")

	sim.SetPresent(false)
	waitUntil(t, 2*time.Second, func() bool {
		snap := s.Snapshot()
		return snap.Brightness == 0 && snap.Mode == ModeManual && !snap.Ramping()
	}, "absence fade did not finish")
}
