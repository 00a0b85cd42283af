package main

import (
	"context"
	"log/slog"
)

// runSelfTest runs a pending self-test sweep to completion. It reports
// whether a sweep ran.
//
// The sweep owns the duty register only; brightness is left alone and is
// written back by EndSelfTest once the sweep is over.
func runSelfTest(ctx context.Context, s *Store, logger *slog.Logger) bool {
	lease, cfg, ok := s.BeginSelfTest()
	if !ok {
		return false
	}
	logger.Info("self-test sweep starting", "increment", cfg.Increment, "step", cfg.StepDelay)
	completed := sweep(ctx, lease, cfg)
	s.EndSelfTest(lease, completed)
	return true
}

// sweep ramps the duty register 0 -> MaxDuty -> 0 in cfg.Increment steps.
func sweep(ctx context.Context, l Lease, cfg SelfTestSettings) bool {
	inc := cfg.Increment
	if inc == 0 {
		inc = defaultSelfTestIncrement
	}

	for duty := uint32(0); ; duty += inc {
		if duty > MaxDuty {
			duty = MaxDuty
		}
		if !l.WriteDuty(duty) || !sleepCtx(ctx, cfg.StepDelay) {
			return false
		}
		if duty == MaxDuty {
			break
		}
	}

	for duty := uint32(MaxDuty); duty > 0; {
		if duty < inc {
			duty = 0
		} else {
			duty -= inc
		}
		if !l.WriteDuty(duty) || !sleepCtx(ctx, cfg.StepDelay) {
			return false
		}
	}
	return true
}
