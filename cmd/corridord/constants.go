package main

import "time"

// PWM resolution of the LED channel (13-bit).
const (
	pwmResolutionBits = 13
	MaxDuty           = 1 << pwmResolutionBits // 8192, full on

	MinBrightness = 0
	MaxBrightness = 100
)

// Lighting defaults
const (
	defaultPresenceTarget  = 28 // brightness used for motion presence and /led-on
	defaultFadeStepMS      = 20
	defaultMotionFadeMS    = 30
	defaultPWMFrequencyHz  = 2000
	defaultWriteRetries    = 2
	defaultRetryDelayMS    = 2
	defaultMDNSInstance    = "LED-lightning-corridor"
	defaultIPCSocketPath   = "/tmp/corridord.sock"
	defaultHTTPListenAddr  = ":80"
	defaultMQTTTopicPrefix = "corridor"
)

// Breathing band and phase durations
const (
	defaultBreathLow        = 22
	defaultBreathHigh       = 35
	defaultBreathInhaleMS   = 3900
	defaultBreathHoldHighMS = 1000
	defaultBreathExhaleMS   = 3900
	defaultBreathHoldLowMS  = 2000
)

// Self-test sweep
const (
	defaultSelfTestIncrement = 82 // 1% of MaxDuty, rounded
	defaultSelfTestStepMS    = 50
)

// Task cadences
const (
	defaultControlCadence = 10 * time.Millisecond
	defaultMotionCadence  = 100 * time.Millisecond
	defaultBreathCadence  = 100 * time.Millisecond
)
