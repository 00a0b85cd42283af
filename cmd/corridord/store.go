package main

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ============================================================================
// Brightness Store - the single serialization point
// ============================================================================
// Brightness, Mode and the debounced motion sample live only here, behind
// one mutex. Two kinds of callers touch them:
//
//   - Intent sources (HTTP, IPC, MQTT) call the Controller methods. Intents
//     are recorded synchronously and never block on ramps.
//   - Periodic tasks take a Lease (wrapped in a FadeJob) and push brightness
//     one step at a time through Lease.Step.
//
// Every mode change and every new lease bumps a generation counter. A lease
// with a stale generation is refused at its next step, so an in-flight ramp
// reacts to a mode change only at a step boundary, and brightness always
// holds the last completed step.
//
// Pin writes happen while the mutex is held. That totally orders relay
// transitions against the duty writes around them, whichever task issued
// them.
//
// Lease preemption order, highest first:
//   SelfTest > Control (manual) > Motion > Breath
// ============================================================================

// Mode is the active control mode. Exactly one is active at a time.
type Mode uint8

const (
	ModeManual Mode = iota
	ModeBreathing
	ModeSelfTesting
	ModeMotionActive
)

func (m Mode) String() string {
	switch m {
	case ModeManual:
		return "manual"
	case ModeBreathing:
		return "breathing"
	case ModeSelfTesting:
		return "self_testing"
	case ModeMotionActive:
		return "motion_active"
	default:
		return "unknown"
	}
}

func (m Mode) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

func (m *Mode) UnmarshalText(b []byte) error {
	for _, v := range []Mode{ModeManual, ModeBreathing, ModeSelfTesting, ModeMotionActive} {
		if v.String() == string(b) {
			*m = v
			return nil
		}
	}
	return fmt.Errorf("unknown mode %q", b)
}

// Owner identifies the task holding a lease.
type Owner uint8

const (
	ownerNone Owner = iota
	OwnerBreath
	OwnerMotion
	OwnerControl
	OwnerSelfTest
)

func (o Owner) String() string {
	switch o {
	case OwnerBreath:
		return "breath"
	case OwnerMotion:
		return "motion"
	case OwnerControl:
		return "control"
	case OwnerSelfTest:
		return "self_test"
	default:
		return "none"
	}
}

func (o Owner) MarshalText() ([]byte, error) { return []byte(o.String()), nil }

func (o *Owner) UnmarshalText(b []byte) error {
	for _, v := range []Owner{ownerNone, OwnerBreath, OwnerMotion, OwnerControl, OwnerSelfTest} {
		if v.String() == string(b) {
			*o = v
			return nil
		}
	}
	return fmt.Errorf("unknown owner %q", b)
}

func (p PowerState) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func (p *PowerState) UnmarshalText(b []byte) error {
	switch string(b) {
	case "on":
		*p = PowerOn
	case "off":
		*p = PowerOff
	default:
		return fmt.Errorf("unknown power state %q", b)
	}
	return nil
}

// Snapshot is a consistent copy of the store state.
type Snapshot struct {
	Brightness int        `json:"brightness"`
	Manual     int        `json:"manual"`
	Mode       Mode       `json:"mode"`
	Power      PowerState `json:"power"`
	Duty       uint32     `json:"duty"`
	Motion     bool       `json:"motion"`
	Owner      Owner      `json:"owner"`
	Fault      string     `json:"fault,omitempty"`
	At         time.Time  `json:"at"`
}

// Ramping reports whether a task is currently stepping the output.
func (s Snapshot) Ramping() bool { return s.Owner != ownerNone }

// Controller is the handle the transports use. It never exposes the store
// internals, only snapshots and intents.
type Controller interface {
	Snapshot() Snapshot
	PresenceTarget() int
	RequestManual(brightness int, origin string)
	SetBreathing(on bool, origin string)
	TriggerSelfTest(origin string) bool
}

var _ Controller = (*Store)(nil)

type Store struct {
	mu sync.Mutex

	out     *output
	logger  *slog.Logger
	metrics *lightMetrics

	tunables Tunables

	brightness int
	manual     int
	mode       Mode
	resume     Mode // restored when a self-test ends

	motion        bool // debounced last sample
	motionApplied bool // sample whose fade has been started

	gen    uint64
	active Owner

	fault   string
	faultAt time.Time

	changed chan struct{}
}

// NewStore drives the hardware to the boot state (brightness 0, manual,
// relay off). A failed boot write raises the fault alarm; the store is
// still usable and maintenance keeps retrying.
func NewStore(hw *Hardware, hwCfg HardwareConfig, t Tunables, logger *slog.Logger, m *lightMetrics) *Store {
	if m == nil {
		m = newLightMetrics()
	}
	s := &Store{
		out:      newOutput(hw, hwCfg, logger, m),
		logger:   logger,
		metrics:  m,
		tunables: t,
		mode:     ModeManual,
		resume:   ModeManual,
		changed:  make(chan struct{}, 1),
	}
	s.mu.Lock()
	if err := s.out.reset(); err != nil {
		s.raiseFaultLocked(err)
	}
	s.mu.Unlock()
	return s
}

// Changes delivers a coalesced signal after every state change.
func (s *Store) Changes() <-chan struct{} { return s.changed }

func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Store) snapshotLocked() Snapshot {
	return Snapshot{
		Brightness: s.brightness,
		Manual:     s.manual,
		Mode:       s.mode,
		Power:      s.out.power,
		Duty:       s.out.duty,
		Motion:     s.motion,
		Owner:      s.active,
		Fault:      s.fault,
		At:         time.Now().UTC(),
	}
}

func (s *Store) Mode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

func (s *Store) Tunables() Tunables {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tunables
}

func (s *Store) PresenceTarget() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tunables.PresenceTarget
}

// ApplyTunables swaps ramp timings and targets. Running ramps keep the
// values they started with.
func (s *Store) ApplyTunables(t Tunables) {
	s.mu.Lock()
	s.tunables = t
	s.mu.Unlock()
	s.logger.Info("tunables updated",
		"presence_target", t.PresenceTarget,
		"fade_step", t.FadeStep,
		"breath_low", t.Breath.Low,
		"breath_high", t.Breath.High)
}

// ============================================================================
// Intents
// ============================================================================

// RequestManual records a new Manual set-point. In Manual or MotionActive
// the control task fades to it; in Breathing or SelfTesting it is kept and
// applied when that mode ends.
func (s *Store) RequestManual(brightness int, origin string) {
	b := ClampBrightness(brightness)

	s.mu.Lock()
	prev := s.manual
	s.manual = b
	switch s.mode {
	case ModeMotionActive:
		s.mode = ModeManual
		s.bumpLocked()
	case ModeManual:
		if prev != b && s.active == OwnerControl {
			s.bumpLocked() // retarget the running fade
		}
	case ModeSelfTesting:
		if s.resume == ModeMotionActive {
			s.resume = ModeManual
		}
	}
	mode := s.mode
	s.metrics.intentApplied("set_brightness")
	s.notifyLocked()
	s.mu.Unlock()

	s.logger.Info("manual set-point", "brightness", b, "origin", origin, "mode", mode)
}

// SetBreathing turns the breathing ambiance on or off.
func (s *Store) SetBreathing(on bool, origin string) {
	s.mu.Lock()
	switch {
	case s.mode == ModeSelfTesting:
		if on {
			s.resume = ModeBreathing
		} else if s.resume == ModeBreathing {
			s.resume = ModeManual
		}
	case on && s.mode != ModeBreathing:
		s.mode = ModeBreathing
		s.bumpLocked()
	case !on && s.mode == ModeBreathing:
		s.mode = ModeManual
		s.bumpLocked()
	}
	mode := s.mode
	if on {
		s.metrics.intentApplied("breath_on")
	} else {
		s.metrics.intentApplied("breath_off")
	}
	s.notifyLocked()
	s.mu.Unlock()

	s.logger.Info("breathing toggled", "on", on, "origin", origin, "mode", mode)
}

// TriggerSelfTest switches to SelfTesting right away so every running ramp
// stops at its next step. It returns false when a self-test is already
// pending or running.
func (s *Store) TriggerSelfTest(origin string) bool {
	s.mu.Lock()
	if s.mode == ModeSelfTesting {
		s.mu.Unlock()
		s.logger.Info("self-test already running, trigger ignored", "origin", origin)
		return false
	}
	s.resume = s.mode
	s.mode = ModeSelfTesting
	s.bumpLocked()
	s.metrics.intentApplied("self_test")
	s.notifyLocked()
	s.mu.Unlock()

	s.logger.Info("self-test requested", "origin", origin)
	return true
}

// ObserveMotion records the debounced PIR sample. It reports whether the
// sample changed.
func (s *Store) ObserveMotion(present bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if present == s.motion {
		return false
	}
	s.motion = present
	s.metrics.motionTransitions.Inc()
	s.notifyLocked()
	return true
}

// ============================================================================
// Leases
// ============================================================================

// Lease authorizes one task to step the output until it is superseded.
type Lease struct {
	s     *Store
	owner Owner
	gen   uint64
	to    int
}

// FadeJob is one ramp: a lease plus start, end and step delay. It is
// consumed step by step by the task that took it.
type FadeJob struct {
	Lease     Lease
	From, To  int
	StepDelay time.Duration
}

// BeginManualFade returns a job moving brightness to the Manual set-point,
// if the store is in Manual mode and brightness differs from it.
func (s *Store) BeginManualFade() (FadeJob, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mode != ModeManual || s.brightness == s.manual {
		return FadeJob{}, false
	}
	return s.jobLocked(OwnerControl, s.manual, s.tunables.FadeStep), true
}

// BeginMotionFade starts the fade for a pending motion transition. It does
// not preempt a ramp already in flight or a manual fade still waiting for
// the control task; the transition stays pending and is re-evaluated on the
// next poll.
func (s *Store) BeginMotionFade() (FadeJob, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.motion == s.motionApplied {
		return FadeJob{}, false
	}
	if s.mode != ModeManual && s.mode != ModeMotionActive {
		return FadeJob{}, false
	}
	if s.active != ownerNone {
		return FadeJob{}, false
	}
	// A manual set-point the control task has not reached yet wins.
	if s.mode == ModeManual && s.brightness != s.manual {
		return FadeJob{}, false
	}
	s.motionApplied = s.motion
	s.mode = ModeMotionActive
	to := 0
	if s.motion {
		to = s.tunables.PresenceTarget
	}
	return s.jobLocked(OwnerMotion, to, s.tunables.MotionFadeStep), true
}

// BeginBreathRamp starts a breathing ramp toward to.
func (s *Store) BeginBreathRamp(to int, stepDelay time.Duration) (FadeJob, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mode != ModeBreathing {
		return FadeJob{}, false
	}
	return s.jobLocked(OwnerBreath, ClampBrightness(to), stepDelay), true
}

// BeginSelfTest hands the duty register to the self-test sweep.
func (s *Store) BeginSelfTest() (Lease, SelfTestSettings, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mode != ModeSelfTesting || s.active == OwnerSelfTest {
		return Lease{}, SelfTestSettings{}, false
	}
	return s.acquireLocked(OwnerSelfTest, 0), s.tunables.SelfTest, true
}

// EndSelfTest puts the duty register back to DutyFor(brightness), with the
// matching relay level, and restores the mode that was active before.
func (s *Store) EndSelfTest(l Lease, completed bool) {
	s.mu.Lock()
	s.metrics.rampFinished(l.owner, completed)
	s.metrics.selfTests.Inc()
	s.mode = s.resume
	s.resume = ModeManual
	s.bumpLocked()
	s.restoreOutputLocked()
	mode, b := s.mode, s.brightness
	s.notifyLocked()
	s.mu.Unlock()

	s.logger.Info("self-test finished", "completed", completed, "mode", mode, "brightness", b)
}

// Reassert rewrites the duty and relay for the current brightness when the
// pins have drifted from it, as long as no ramp owns the output.
func (s *Store) Reassert() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != ownerNone {
		return
	}
	if s.mode != ModeManual && s.mode != ModeMotionActive {
		return
	}
	s.restoreOutputLocked()
}

func (s *Store) restoreOutputLocked() {
	want := DutyFor(s.brightness)
	wantPower := s.brightness > 0
	if s.out.duty == want && (s.out.power == PowerOn) == wantPower {
		return
	}
	if err := s.out.writeBrightness(s.brightness); err != nil {
		s.raiseFaultLocked(err)
		return
	}
	if !wantPower {
		if err := s.out.ensureUnpowered(); err != nil {
			s.raiseFaultLocked(err)
			return
		}
	}
	s.clearFaultLocked()
	s.notifyLocked()
}

// Step writes brightness b. It returns false when the lease has been
// superseded or the write failed; the ramp must stop then.
func (l Lease) Step(b int) bool {
	s := l.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if l.gen != s.gen {
		return false
	}
	if err := s.out.writeBrightness(b); err != nil {
		s.raiseFaultLocked(err)
		return false
	}
	s.brightness = b
	s.clearFaultLocked()
	s.notifyLocked()
	return true
}

// WriteDuty writes a raw duty value without touching brightness.
func (l Lease) WriteDuty(duty uint32) bool {
	s := l.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if l.gen != s.gen {
		return false
	}
	if err := s.out.writeRaw(duty); err != nil {
		s.raiseFaultLocked(err)
		return false
	}
	s.clearFaultLocked()
	return true
}

// Done releases the lease. A completed ramp that settled at 0 switches the
// power gate off; a completed absence fade hands control back to Manual.
func (l Lease) Done(completed bool) {
	s := l.s
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics.rampFinished(l.owner, completed)
	if l.gen != s.gen {
		return
	}
	s.active = ownerNone
	if completed {
		if l.owner == OwnerMotion && l.to == 0 {
			s.mode = ModeManual
			s.manual = 0
			s.bumpLocked()
		}
		if s.brightness == 0 {
			if err := s.out.ensureUnpowered(); err != nil {
				s.raiseFaultLocked(err)
			}
		}
	}
	s.notifyLocked()
}

func (s *Store) jobLocked(owner Owner, to int, stepDelay time.Duration) FadeJob {
	return FadeJob{
		Lease:     s.acquireLocked(owner, to),
		From:      s.brightness,
		To:        to,
		StepDelay: stepDelay,
	}
}

func (s *Store) acquireLocked(owner Owner, to int) Lease {
	s.gen++
	s.active = owner
	return Lease{s: s, owner: owner, gen: s.gen, to: to}
}

// bumpLocked invalidates every outstanding lease.
func (s *Store) bumpLocked() {
	s.gen++
	s.active = ownerNone
}

func (s *Store) notifyLocked() {
	select {
	case s.changed <- struct{}{}:
	default:
	}
}

func (s *Store) raiseFaultLocked(err error) {
	first := s.fault == ""
	s.fault = err.Error()
	s.faultAt = time.Now()
	if first {
		s.logger.Error("hardware write failed, fault alarm raised", "error", err, "brightness", s.brightness)
	}
	s.notifyLocked()
}

func (s *Store) clearFaultLocked() {
	if s.fault == "" {
		return
	}
	s.logger.Info("hardware fault cleared", "down_for", time.Since(s.faultAt).Round(time.Millisecond))
	s.fault = ""
	s.faultAt = time.Time{}
}
