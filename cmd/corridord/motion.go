package main

import (
	"context"
	"log/slog"
	"time"
)

// motionTask polls the PIR sensor and turns level changes into fades.
//
// The sample is stored before any fade starts, so a sensor that flips back
// and forth between polls is judged on its latest level only: no edges are
// queued and none are replayed.
type motionTask struct {
	store  *Store
	sensor MotionSensor
	logger *slog.Logger

	failing bool
}

func (t *motionTask) tick(ctx context.Context, now time.Time) {
	present, err := t.sensor.Present()
	if err != nil {
		t.store.metrics.sensorErrors.Inc()
		if !t.failing {
			t.logger.Warn("pir read failed", "error", err)
			t.failing = true
		}
		return
	}
	if t.failing {
		t.logger.Info("pir read recovered")
		t.failing = false
	}

	if t.store.ObserveMotion(present) {
		t.logger.Info("motion changed", "present", present)
	}

	job, ok := t.store.BeginMotionFade()
	if !ok {
		return
	}
	t.logger.Debug("motion fade", "from", job.From, "to", job.To)
	runFade(ctx, job)
}
