package main

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ============================================================================
// Intents
// ============================================================================
// Intents are requests from the outside (HTTP, IPC, MQTT). They are plain
// payloads; applyIntent records them in the store through the Controller
// handle and returns immediately. Ramps happen later, in the tasks.
//
// Wire format (IPC): {"type": "intent_name", "data": {...}}
// ============================================================================

// Intent is a marker interface for all control requests.
type Intent interface {
	intentMarker()
}

// SetBrightness sets the Manual set-point (clamped to 0..100).
type SetBrightness struct {
	Brightness int    `json:"brightness"`
	Origin     string `json:"origin,omitempty"` // e.g. "http", "ipc", "mqtt"
}

func (SetBrightness) intentMarker() {}

// LightOn sets the Manual set-point to the presence target.
type LightOn struct{}

func (LightOn) intentMarker() {}

// LightOff sets the Manual set-point to 0.
type LightOff struct{}

func (LightOff) intentMarker() {}

// SetBreathing toggles the breathing ambiance.
type SetBreathing struct {
	On bool `json:"on"`
}

func (SetBreathing) intentMarker() {}

// RunSelfTest triggers the self-test sweep.
type RunSelfTest struct{}

func (RunSelfTest) intentMarker() {}

// Restart asks the daemon to shut down cleanly and re-exec itself.
type Restart struct{}

func (Restart) intentMarker() {}

// GetState asks for a state snapshot; it changes nothing.
type GetState struct{}

func (GetState) intentMarker() {}

// IntentEnvelope wraps intents for JSON serialization.
type IntentEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

var errUnknownIntent = errors.New("unknown intent type")

// UnmarshalIntent decodes one JSON envelope.
func UnmarshalIntent(data []byte) (Intent, error) {
	var env IntentEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}

	switch env.Type {
	case "set_brightness":
		var in SetBrightness
		if len(env.Data) == 0 {
			return nil, errors.New("unmarshal set_brightness: missing data")
		}
		if err := json.Unmarshal(env.Data, &in); err != nil {
			return nil, fmt.Errorf("unmarshal set_brightness: %w", err)
		}
		return in, nil

	case "light_on":
		return LightOn{}, nil

	case "light_off":
		return LightOff{}, nil

	case "breath_on":
		return SetBreathing{On: true}, nil

	case "breath_off":
		return SetBreathing{On: false}, nil

	case "self_test":
		return RunSelfTest{}, nil

	case "restart":
		return Restart{}, nil

	case "get_state":
		return GetState{}, nil

	default:
		return nil, fmt.Errorf("%w: %q", errUnknownIntent, env.Type)
	}
}

// applyIntent records in through ctl. Restart is delegated to restart,
// which may be nil when the caller cannot restart the daemon.
func applyIntent(ctl Controller, in Intent, origin string, restart func(origin string)) error {
	switch v := in.(type) {
	case SetBrightness:
		if v.Origin != "" {
			origin = v.Origin
		}
		ctl.RequestManual(ClampBrightness(v.Brightness), origin)
	case LightOn:
		ctl.RequestManual(ctl.PresenceTarget(), origin)
	case LightOff:
		ctl.RequestManual(0, origin)
	case SetBreathing:
		ctl.SetBreathing(v.On, origin)
	case RunSelfTest:
		ctl.TriggerSelfTest(origin)
	case Restart:
		if restart == nil {
			return errors.New("restart not available")
		}
		restart(origin)
	case GetState:
	default:
		return fmt.Errorf("%w: %T", errUnknownIntent, in)
	}
	return nil
}
