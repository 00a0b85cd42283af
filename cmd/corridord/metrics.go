package main

import (
	"fmt"
	"io"
	"net/http"

	"github.com/VictoriaMetrics/metrics"
)

// lightMetrics holds the daemon counters. Each daemon owns its own Set so
// tests can build several stores without colliding on metric names.
type lightMetrics struct {
	set *metrics.Set

	dutyWrites    *metrics.Counter
	writeRetries  *metrics.Counter
	writeFailures *metrics.Counter
	relaySwitches *metrics.Counter

	motionTransitions *metrics.Counter
	sensorErrors      *metrics.Counter
	selfTests         *metrics.Counter
}

func newLightMetrics() *lightMetrics {
	set := metrics.NewSet()
	return &lightMetrics{
		set:               set,
		dutyWrites:        set.NewCounter("corridor_duty_writes_total"),
		writeRetries:      set.NewCounter("corridor_hardware_write_retries_total"),
		writeFailures:     set.NewCounter("corridor_hardware_write_failures_total"),
		relaySwitches:     set.NewCounter("corridor_relay_switches_total"),
		motionTransitions: set.NewCounter("corridor_motion_transitions_total"),
		sensorErrors:      set.NewCounter("corridor_motion_sensor_errors_total"),
		selfTests:         set.NewCounter("corridor_self_tests_total"),
	}
}

func (m *lightMetrics) rampFinished(owner Owner, completed bool) {
	result := "aborted"
	if completed {
		result = "completed"
	}
	m.set.GetOrCreateCounter(fmt.Sprintf(`corridor_ramps_total{owner=%q,result=%q}`, owner.String(), result)).Inc()
}

func (m *lightMetrics) intentApplied(kind string) {
	m.set.GetOrCreateCounter(fmt.Sprintf(`corridor_intents_total{type=%q}`, kind)).Inc()
}

// registerStateGauges exposes the live store state. Gauge callbacks run at
// scrape time, outside the store lock.
func (m *lightMetrics) registerStateGauges(s *Store) {
	m.set.NewGauge("corridor_brightness_percent", func() float64 {
		return float64(s.Snapshot().Brightness)
	})
	m.set.NewGauge("corridor_duty", func() float64 {
		return float64(s.Snapshot().Duty)
	})
	m.set.NewGauge("corridor_power_on", func() float64 {
		return boolGauge(s.Snapshot().Power == PowerOn)
	})
	m.set.NewGauge("corridor_motion_present", func() float64 {
		return boolGauge(s.Snapshot().Motion)
	})
	m.set.NewGauge("corridor_hardware_fault", func() float64 {
		return boolGauge(s.Snapshot().Fault != "")
	})
	for _, mode := range []Mode{ModeManual, ModeBreathing, ModeSelfTesting, ModeMotionActive} {
		m.set.NewGauge(fmt.Sprintf(`corridor_mode{mode=%q}`, mode.String()), func() float64 {
			return boolGauge(s.Snapshot().Mode == mode)
		})
	}
}

func (m *lightMetrics) writePrometheus(w io.Writer) {
	m.set.WritePrometheus(w)
	metrics.WriteProcessMetrics(w)
}

// handler serves the Prometheus text exposition.
func (m *lightMetrics) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		m.writePrometheus(w)
	})
}

func boolGauge(v bool) float64 {
	if v {
		return 1
	}
	return 0
}
