package main

import (
	"fmt"
	"log/slog"
	"time"
)

// PowerState is the LED power-supply relay level.
type PowerState uint8

const (
	PowerOff PowerState = iota
	PowerOn
)

func (p PowerState) String() string {
	if p == PowerOn {
		return "on"
	}
	return "off"
}

// output executes pin writes: the power gate and the duty register.
//
// It is not safe for concurrent use. The Store calls it only while holding
// its mutex, which is what orders relay transitions against duty writes.
type output struct {
	pwm   PWM
	relay Relay

	retries    int
	retryDelay time.Duration

	logger  *slog.Logger
	metrics *lightMetrics

	power PowerState
	duty  uint32
}

func newOutput(hw *Hardware, cfg HardwareConfig, logger *slog.Logger, m *lightMetrics) *output {
	return &output{
		pwm:        hw.PWM,
		relay:      hw.Relay,
		retries:    cfg.WriteRetries,
		retryDelay: time.Duration(cfg.RetryDelayMS) * time.Millisecond,
		logger:     logger,
		metrics:    m,
	}
}

// reset drives the pins to the boot state: duty 0, relay off.
func (o *output) reset() error {
	if err := o.writeDuty(0); err != nil {
		return err
	}
	o.power = PowerOn // force the relay write below
	return o.ensureUnpowered()
}

// ensurePowered switches the relay on. No-op when it already is.
func (o *output) ensurePowered() error {
	if o.power == PowerOn {
		return nil
	}
	if err := o.retry("relay", func() error { return o.relay.SetPowered(true) }); err != nil {
		return fmt.Errorf("switch relay on: %w", err)
	}
	o.power = PowerOn
	o.metrics.relaySwitches.Inc()
	o.logger.Debug("power gate on")
	return nil
}

// ensureUnpowered switches the relay off. Callers only do this once
// brightness has settled at 0.
func (o *output) ensureUnpowered() error {
	if o.power == PowerOff {
		return nil
	}
	if err := o.retry("relay", func() error { return o.relay.SetPowered(false) }); err != nil {
		return fmt.Errorf("switch relay off: %w", err)
	}
	o.power = PowerOff
	o.metrics.relaySwitches.Inc()
	o.logger.Debug("power gate off")
	return nil
}

// writeBrightness powers the supply if needed, then writes the duty for b.
func (o *output) writeBrightness(b int) error {
	if b > 0 {
		if err := o.ensurePowered(); err != nil {
			return err
		}
	}
	return o.writeDuty(DutyFor(b))
}

// writeRaw writes a duty value directly (self-test), gating power the same way.
func (o *output) writeRaw(duty uint32) error {
	if duty > 0 {
		if err := o.ensurePowered(); err != nil {
			return err
		}
	}
	return o.writeDuty(duty)
}

func (o *output) writeDuty(duty uint32) error {
	if err := o.retry("pwm", func() error { return o.pwm.SetDuty(duty) }); err != nil {
		return fmt.Errorf("write duty %d: %w", duty, err)
	}
	o.duty = duty
	o.metrics.dutyWrites.Inc()
	return nil
}

func (o *output) retry(pin string, fn func() error) error {
	var err error
	for attempt := 0; attempt <= o.retries; attempt++ {
		if attempt > 0 {
			o.metrics.writeRetries.Inc()
			if o.retryDelay > 0 {
				time.Sleep(o.retryDelay)
			}
		}
		if err = fn(); err == nil {
			return nil
		}
		o.logger.Warn("hardware write failed", "pin", pin, "attempt", attempt+1, "error", err)
	}
	o.metrics.writeFailures.Inc()
	return err
}
