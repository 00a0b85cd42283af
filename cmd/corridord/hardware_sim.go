package main

import (
	"errors"
	"sync"
)

var errSimWriteFailed = errors.New("sim: injected write failure")

// hwEvent is one recorded pin write.
type hwEvent struct {
	Kind    string // "duty" or "relay"
	Duty    uint32
	Powered bool
}

// simHardware keeps the three pins in memory. It records every write in
// order so callers can check the relay/duty sequencing, and it can inject
// write failures.
type simHardware struct {
	mu sync.Mutex

	duty    uint32
	powered bool
	present bool
	closed  bool

	events []hwEvent

	// unpoweredWrites counts nonzero duty writes that happened while the relay was off.
	unpoweredWrites int

	failDuty  int
	failRelay int
	pirErr    error
}

func newSimHardware() *simHardware {
	return &simHardware{}
}

func (s *simHardware) Hardware() *Hardware {
	return &Hardware{
		PWM:    s,
		Relay:  s,
		Motion: s,
		close: func() error {
			s.mu.Lock()
			s.closed = true
			s.mu.Unlock()
			return nil
		},
	}
}

func (s *simHardware) SetDuty(duty uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errHardwareClosed
	}
	if s.failDuty > 0 {
		s.failDuty--
		return errSimWriteFailed
	}
	if duty > 0 && !s.powered {
		s.unpoweredWrites++
	}
	s.duty = duty
	s.events = append(s.events, hwEvent{Kind: "duty", Duty: duty, Powered: s.powered})
	return nil
}

func (s *simHardware) SetPowered(on bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errHardwareClosed
	}
	if s.failRelay > 0 {
		s.failRelay--
		return errSimWriteFailed
	}
	s.powered = on
	s.events = append(s.events, hwEvent{Kind: "relay", Duty: s.duty, Powered: on})
	return nil
}

func (s *simHardware) Present() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pirErr != nil {
		return false, s.pirErr
	}
	return s.present, nil
}

// SetPresent changes the simulated PIR level.
func (s *simHardware) SetPresent(v bool) {
	s.mu.Lock()
	s.present = v
	s.mu.Unlock()
}

// FailNextDutyWrites makes the next n duty writes return an error.
func (s *simHardware) FailNextDutyWrites(n int) {
	s.mu.Lock()
	s.failDuty = n
	s.mu.Unlock()
}

// FailNextRelayWrites makes the next n relay writes return an error.
func (s *simHardware) FailNextRelayWrites(n int) {
	s.mu.Lock()
	s.failRelay = n
	s.mu.Unlock()
}

// Pins returns the current duty register and relay level.
func (s *simHardware) Pins() (duty uint32, powered bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.duty, s.powered
}

// Events returns a copy of the recorded writes.
func (s *simHardware) Events() []hwEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]hwEvent, len(s.events))
	copy(out, s.events)
	return out
}

// UnpoweredWrites reports nonzero duty writes seen while the relay was off.
func (s *simHardware) UnpoweredWrites() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unpoweredWrites
}
