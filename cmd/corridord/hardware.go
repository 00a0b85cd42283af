package main

import (
	"errors"
	"fmt"
	"log/slog"
)

// ============================================================================
// Hardware boundary
// ============================================================================
// Three pins make up the whole hardware surface:
//   - one PWM output driving the LED strip (duty 0..MaxDuty)
//   - one digital output switching the LED power-supply relay
//   - one digital input reading the PIR sensor
//
// Backends:
//   - "rpi": go-rpio hardware PWM + go-gpiocdev lines (linux only)
//   - "sim": in-memory pins for development and tests
// ============================================================================

// PWM writes the duty register of the LED channel.
type PWM interface {
	SetDuty(duty uint32) error
}

// Relay switches the LED power supply.
type Relay interface {
	SetPowered(on bool) error
}

// MotionSensor reports the PIR level, already translated to presence.
type MotionSensor interface {
	Present() (bool, error)
}

// Hardware bundles the three pins plus a release function.
type Hardware struct {
	PWM    PWM
	Relay  Relay
	Motion MotionSensor

	close func() error
}

// Close releases the backend. Safe to call on a nil receiver.
func (h *Hardware) Close() error {
	if h == nil || h.close == nil {
		return nil
	}
	return h.close()
}

const (
	hardwareBackendRPi = "rpi"
	hardwareBackendSim = "sim"
)

var errHardwareClosed = errors.New("hardware closed")

// openHardware opens the configured backend.
func openHardware(cfg HardwareConfig, logger *slog.Logger) (*Hardware, error) {
	switch cfg.Backend {
	case hardwareBackendSim:
		sim := newSimHardware()
		logger.Info("hardware backend ready", "backend", hardwareBackendSim)
		return sim.Hardware(), nil
	case hardwareBackendRPi:
		hw, err := openRPiHardware(cfg, logger)
		if err != nil {
			return nil, fmt.Errorf("open rpi hardware: %w", err)
		}
		return hw, nil
	default:
		return nil, fmt.Errorf("unknown hardware backend %q", cfg.Backend)
	}
}
