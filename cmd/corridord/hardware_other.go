//go:build !linux

package main

import (
	"errors"
	"log/slog"
)

func openRPiHardware(cfg HardwareConfig, logger *slog.Logger) (*Hardware, error) {
	return nil, errors.New("rpi backend requires linux (use hardware.backend: sim)")
}
