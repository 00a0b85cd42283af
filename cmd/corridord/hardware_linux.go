//go:build linux

package main

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/stianeikeland/go-rpio/v4"
	"github.com/warthog618/go-gpiocdev"
)

const gpioConsumer = "corridord"

// rpioPWM drives a BCM hardware PWM pin. The PWM clock is set so that one
// cycle of MaxDuty ticks lasts 1/FrequencyHz.
type rpioPWM struct {
	mu     sync.Mutex
	pin    rpio.Pin
	closed bool
}

func (p *rpioPWM) SetDuty(duty uint32) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errHardwareClosed
	}
	if duty > MaxDuty {
		duty = MaxDuty
	}
	p.pin.DutyCycleWithPwmMode(duty, MaxDuty, rpio.MarkSpace)
	return nil
}

// gpioRelay is a relay output line. Active-low boards are handled by the
// line itself (AsActiveLow), so SetPowered always speaks logical levels.
type gpioRelay struct {
	line *gpiocdev.Line
}

func (r *gpioRelay) SetPowered(on bool) error {
	v := 0
	if on {
		v = 1
	}
	if err := r.line.SetValue(v); err != nil {
		return fmt.Errorf("set relay line %d: %w", r.line.Offset(), err)
	}
	return nil
}

// gpioPIR reads the PIR input line. With AsActiveLow a pulled-up idle line
// reads 0 and a sensor pulling it low reads 1 (presence).
type gpioPIR struct {
	line *gpiocdev.Line
}

func (p *gpioPIR) Present() (bool, error) {
	v, err := p.line.Value()
	if err != nil {
		return false, fmt.Errorf("read pir line %d: %w", p.line.Offset(), err)
	}
	return v == 1, nil
}

func openRPiHardware(cfg HardwareConfig, logger *slog.Logger) (*Hardware, error) {
	if err := rpio.Open(); err != nil {
		return nil, fmt.Errorf("open rpio (needs /dev/mem for PWM): %w", err)
	}

	pin := rpio.Pin(cfg.PWMPin)
	pin.Mode(rpio.Pwm)
	pin.Freq(cfg.PWMFrequencyHz * MaxDuty)
	pin.DutyCycleWithPwmMode(0, MaxDuty, rpio.MarkSpace)
	pwm := &rpioPWM{pin: pin}

	chip, err := gpiocdev.NewChip(cfg.GPIOChip, gpiocdev.WithConsumer(gpioConsumer))
	if err != nil {
		_ = rpio.Close()
		return nil, fmt.Errorf("open gpio chip %s: %w", cfg.GPIOChip, err)
	}

	relayOpts := []gpiocdev.LineReqOption{gpiocdev.AsOutput(0)}
	if cfg.RelayActiveLow {
		relayOpts = append(relayOpts, gpiocdev.AsActiveLow)
	}
	relayLine, err := chip.RequestLine(cfg.RelayPin, relayOpts...)
	if err != nil {
		_ = chip.Close()
		_ = rpio.Close()
		return nil, fmt.Errorf("request relay line %d: %w", cfg.RelayPin, err)
	}

	pirOpts := []gpiocdev.LineReqOption{gpiocdev.AsInput}
	if cfg.PIRPullUp {
		pirOpts = append(pirOpts, gpiocdev.WithPullUp)
	}
	if cfg.PIRActiveLow {
		pirOpts = append(pirOpts, gpiocdev.AsActiveLow)
	}
	pirLine, err := chip.RequestLine(cfg.PIRPin, pirOpts...)
	if err != nil {
		_ = relayLine.Close()
		_ = chip.Close()
		_ = rpio.Close()
		return nil, fmt.Errorf("request pir line %d: %w", cfg.PIRPin, err)
	}

	logger.Info("hardware backend ready",
		"backend", hardwareBackendRPi,
		"pwm_pin", cfg.PWMPin,
		"pwm_hz", cfg.PWMFrequencyHz,
		"gpio_chip", cfg.GPIOChip,
		"relay_pin", cfg.RelayPin,
		"pir_pin", cfg.PIRPin,
		"pir_active_low", cfg.PIRActiveLow)

	closeFn := func() error {
		pwm.mu.Lock()
		pwm.pin.DutyCycleWithPwmMode(0, MaxDuty, rpio.MarkSpace)
		pwm.closed = true
		pwm.mu.Unlock()

		var errs []error
		if err := relayLine.SetValue(0); err != nil {
			errs = append(errs, fmt.Errorf("switch relay off: %w", err))
		}
		errs = append(errs, pirLine.Close(), relayLine.Close(), chip.Close(), rpio.Close())
		return errors.Join(errs...)
	}

	return &Hardware{
		PWM:    pwm,
		Relay:  &gpioRelay{line: relayLine},
		Motion: &gpioPIR{line: pirLine},
		close:  closeFn,
	}, nil
}
