package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// ============================================================================
// MQTT bridge (Home Assistant)
// ============================================================================
// Registers the light and the motion sensor through Home Assistant MQTT
// discovery, turns light commands into intents, and publishes state.
//
// Topics, with prefix P:
//
//	P/status        availability, "online" / "offline" (retained, LWT)
//	P/light/set     JSON commands {state, brightness, effect}
//	P/light/state   JSON state (retained)
//	P/motion/state  "ON" / "OFF" (retained)
//
// Light state is published only when no ramp is running, so a fade shows up
// as one update with its end value.
// ============================================================================

const (
	mqttQoS            = 0
	mqttPublishTimeout = 2 * time.Second
	effectBreathing    = "breathing"
	effectNone         = "none"
)

type mqttTopics struct {
	availability string
	lightCommand string
	lightState   string
	motionState  string

	lightConfig  string
	motionConfig string
}

func newMQTTTopics(cfg MQTTConfig) mqttTopics {
	p := strings.TrimSuffix(cfg.TopicPrefix, "/")
	d := strings.TrimSuffix(cfg.DiscoveryPrefix, "/")
	return mqttTopics{
		availability: p + "/status",
		lightCommand: p + "/light/set",
		lightState:   p + "/light/state",
		motionState:  p + "/motion/state",
		lightConfig:  fmt.Sprintf("%s/light/%s/config", d, cfg.ClientID),
		motionConfig: fmt.Sprintf("%s/binary_sensor/%s_motion/config", d, cfg.ClientID),
	}
}

type haDevice struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
}

type haLightConfig struct {
	Name              string   `json:"name"`
	UniqueID          string   `json:"unique_id"`
	Schema            string   `json:"schema"`
	CommandTopic      string   `json:"command_topic"`
	StateTopic        string   `json:"state_topic"`
	AvailabilityTopic string   `json:"availability_topic"`
	Brightness        bool     `json:"brightness"`
	BrightnessScale   int      `json:"brightness_scale"`
	Effect            bool     `json:"effect"`
	EffectList        []string `json:"effect_list"`
	Device            haDevice `json:"device"`
}

type haBinarySensorConfig struct {
	Name              string   `json:"name"`
	UniqueID          string   `json:"unique_id"`
	DeviceClass       string   `json:"device_class"`
	StateTopic        string   `json:"state_topic"`
	AvailabilityTopic string   `json:"availability_topic"`
	Device            haDevice `json:"device"`
}

// lightCommand is the JSON schema command payload.
type lightCommand struct {
	State      string  `json:"state"`
	Brightness *int    `json:"brightness,omitempty"`
	Effect     *string `json:"effect,omitempty"`
}

type lightState struct {
	State      string `json:"state"`
	Brightness int    `json:"brightness"`
	Effect     string `json:"effect"`
}

// parseLightCommand maps a command payload onto intents, in the order they
// must be applied.
func parseLightCommand(payload []byte) ([]Intent, error) {
	var cmd lightCommand
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return nil, fmt.Errorf("decode light command: %w", err)
	}

	switch strings.ToUpper(cmd.State) {
	case "OFF":
		return []Intent{SetBreathing{On: false}, LightOff{}}, nil

	case "ON":
		var out []Intent
		if cmd.Effect != nil {
			switch *cmd.Effect {
			case effectBreathing:
				out = append(out, SetBreathing{On: true})
			case effectNone:
				out = append(out, SetBreathing{On: false})
			default:
				return nil, fmt.Errorf("unknown effect %q", *cmd.Effect)
			}
		}
		if cmd.Brightness != nil {
			out = append(out, SetBrightness{Brightness: ClampBrightness(*cmd.Brightness)})
		} else if cmd.Effect == nil {
			out = append(out, LightOn{})
		}
		return out, nil

	default:
		return nil, fmt.Errorf("unknown light state %q", cmd.State)
	}
}

func lightStateFor(s Snapshot) lightState {
	st := lightState{State: "OFF", Brightness: s.Brightness, Effect: effectNone}
	if s.Brightness > 0 || s.Mode == ModeBreathing {
		st.State = "ON"
	}
	if s.Mode == ModeBreathing {
		st.Effect = effectBreathing
	}
	return st
}

func onOff(b bool) string {
	if b {
		return "ON"
	}
	return "OFF"
}

type mqttBridge struct {
	cfg    MQTTConfig
	topics mqttTopics
	ctl    Controller
	logger *slog.Logger
	client mqtt.Client

	mu         sync.Mutex // guards last*; onConnect runs on a paho goroutine
	lastLight  *lightState
	lastMotion *bool
}

func newMQTTBridge(cfg MQTTConfig, ctl Controller, logger *slog.Logger) *mqttBridge {
	return &mqttBridge{
		cfg:    cfg,
		topics: newMQTTTopics(cfg),
		ctl:    ctl,
		logger: logger.With("component", "mqtt"),
	}
}

func (b *mqttBridge) clientOptions() *mqtt.ClientOptions {
	return mqtt.NewClientOptions().
		AddBroker(b.cfg.Broker).
		SetClientID(b.cfg.ClientID).
		SetUsername(b.cfg.Username).
		SetPassword(b.cfg.Password).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5*time.Second).
		SetWill(b.topics.availability, "offline", mqttQoS, true).
		SetOnConnectHandler(b.onConnect).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", "error", err)
		}).
		SetReconnectingHandler(func(mqtt.Client, *mqtt.ClientOptions) {
			b.logger.Info("MQTT reconnecting")
		})
}

// onConnect runs after every (re)connect: discovery, subscription and a
// fresh state publish.
func (b *mqttBridge) onConnect(c mqtt.Client) {
	b.logger.Info("MQTT connected", "broker", b.cfg.Broker)

	if err := b.publishDiscovery(c); err != nil {
		b.logger.Error("MQTT discovery publish failed", "error", err)
	}
	if t := c.Subscribe(b.topics.lightCommand, mqttQoS, b.handleCommand); t.WaitTimeout(mqttPublishTimeout) && t.Error() != nil {
		b.logger.Error("MQTT subscribe failed", "topic", b.topics.lightCommand, "error", t.Error())
	}
	b.publish(c, b.topics.availability, true, "online")

	b.mu.Lock()
	defer b.mu.Unlock()
	snap := b.ctl.Snapshot()
	b.publishLight(c, lightStateFor(snap))
	b.publishMotion(c, snap.Motion)
}

func (b *mqttBridge) publishDiscovery(c mqtt.Client) error {
	dev := haDevice{
		Identifiers:  []string{b.cfg.ClientID},
		Name:         b.cfg.DeviceName,
		Manufacturer: "corridord",
		Model:        "PWM LED strip + PIR",
	}

	light, err := json.Marshal(haLightConfig{
		Name:              b.cfg.DeviceName,
		UniqueID:          b.cfg.ClientID + "_light",
		Schema:            "json",
		CommandTopic:      b.topics.lightCommand,
		StateTopic:        b.topics.lightState,
		AvailabilityTopic: b.topics.availability,
		Brightness:        true,
		BrightnessScale:   MaxBrightness,
		Effect:            true,
		EffectList:        []string{effectBreathing, effectNone},
		Device:            dev,
	})
	if err != nil {
		return fmt.Errorf("marshal light config: %w", err)
	}
	motion, err := json.Marshal(haBinarySensorConfig{
		Name:              b.cfg.DeviceName + " motion",
		UniqueID:          b.cfg.ClientID + "_motion",
		DeviceClass:       "motion",
		StateTopic:        b.topics.motionState,
		AvailabilityTopic: b.topics.availability,
		Device:            dev,
	})
	if err != nil {
		return fmt.Errorf("marshal motion config: %w", err)
	}

	b.publish(c, b.topics.lightConfig, true, light)
	b.publish(c, b.topics.motionConfig, true, motion)
	return nil
}

func (b *mqttBridge) handleCommand(_ mqtt.Client, msg mqtt.Message) {
	intents, err := parseLightCommand(msg.Payload())
	if err != nil {
		b.logger.Warn("ignoring MQTT light command", "topic", msg.Topic(), "error", err)
		return
	}
	for _, in := range intents {
		if err := applyIntent(b.ctl, in, "mqtt", nil); err != nil {
			b.logger.Warn("MQTT intent failed", "error", err)
		}
	}
}

func (b *mqttBridge) publish(c mqtt.Client, topic string, retained bool, payload any) bool {
	t := c.Publish(topic, mqttQoS, retained, payload)
	if !t.WaitTimeout(mqttPublishTimeout) {
		b.logger.Warn("MQTT publish timed out", "topic", topic)
		return false
	}
	if err := t.Error(); err != nil {
		b.logger.Warn("MQTT publish failed", "topic", topic, "error", err)
		return false
	}
	return true
}

func (b *mqttBridge) publishLight(c mqtt.Client, st lightState) {
	data, err := json.Marshal(st)
	if err != nil {
		b.logger.Warn("marshal light state failed", "error", err)
		return
	}
	if b.publish(c, b.topics.lightState, true, data) {
		b.lastLight = &st
	}
}

func (b *mqttBridge) publishMotion(c mqtt.Client, present bool) {
	if b.publish(c, b.topics.motionState, true, onOff(present)) {
		b.lastMotion = &present
	}
}

// observe publishes whatever in s differs from what was last published.
func (b *mqttBridge) observe(c mqtt.Client, s Snapshot) {
	if !c.IsConnectionOpen() {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if !s.Ramping() && s.Mode != ModeSelfTesting {
		if st := lightStateFor(s); b.lastLight == nil || *b.lastLight != st {
			b.publishLight(c, st)
		}
	}
	if b.lastMotion == nil || *b.lastMotion != s.Motion {
		b.publishMotion(c, s.Motion)
	}
}

// Run connects in the background and publishes snapshots from src until
// ctx is canceled. An unreachable broker is retried, never fatal.
func (b *mqttBridge) Run(ctx context.Context, src <-chan Snapshot) error {
	b.client = mqtt.NewClient(b.clientOptions())
	b.client.Connect()

	defer func() {
		if b.client.IsConnectionOpen() {
			b.publish(b.client, b.topics.availability, true, "offline")
		}
		b.client.Disconnect(250)
		b.logger.Info("MQTT bridge stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case s, ok := <-src:
			if !ok {
				return nil
			}
			b.observe(b.client, s)
		}
	}
}
