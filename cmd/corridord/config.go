package main

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level YAML configuration for corridord.
//
// Defaults and validation live here so the rest of the code can assume a
// well-formed config. The file is the primary surface; flags only override.
type Config struct {
	Hardware  HardwareConfig  `yaml:"hardware"`
	Light     LightConfig     `yaml:"light"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Breath    BreathConfig    `yaml:"breath"`
	SelfTest  SelfTestConfig  `yaml:"self_test"`
	HTTP      HTTPConfig      `yaml:"http"`
	IPC       IPCConfig       `yaml:"ipc"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	MDNS      MDNSConfig      `yaml:"mdns"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type HardwareConfig struct {
	Backend string `yaml:"backend"` // "rpi" or "sim"

	PWMPin         int `yaml:"pwm_pin"`
	PWMFrequencyHz int `yaml:"pwm_frequency_hz"`

	GPIOChip       string `yaml:"gpio_chip"`
	RelayPin       int    `yaml:"relay_pin"`
	RelayActiveLow bool   `yaml:"relay_active_low"`
	PIRPin         int    `yaml:"pir_pin"`
	PIRActiveLow   bool   `yaml:"pir_active_low"`
	PIRPullUp      bool   `yaml:"pir_pull_up"`

	WriteRetries int `yaml:"write_retries"`
	RetryDelayMS int `yaml:"retry_delay_ms"`
}

type LightConfig struct {
	PresenceTarget   int `yaml:"presence_target"`
	FadeStepMS       int `yaml:"fade_step_ms"`
	MotionFadeStepMS int `yaml:"motion_fade_step_ms"`
}

type SchedulerConfig struct {
	ControlMS int `yaml:"control_ms"`
	MotionMS  int `yaml:"motion_ms"`
	BreathMS  int `yaml:"breath_ms"`
}

type BreathConfig struct {
	Low        int `yaml:"low"`
	High       int `yaml:"high"`
	InhaleMS   int `yaml:"inhale_ms"`
	HoldHighMS int `yaml:"hold_high_ms"`
	ExhaleMS   int `yaml:"exhale_ms"`
	HoldLowMS  int `yaml:"hold_low_ms"`
}

type SelfTestConfig struct {
	Increment int `yaml:"increment"`
	StepMS    int `yaml:"step_ms"`
}

type HTTPConfig struct {
	Listen string `yaml:"listen"`
}

type IPCConfig struct {
	SocketPath string `yaml:"socket_path"`
}

type MQTTConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Broker          string `yaml:"broker"`
	ClientID        string `yaml:"client_id"`
	Username        string `yaml:"username,omitempty"`
	Password        string `yaml:"password,omitempty"`
	TopicPrefix     string `yaml:"topic_prefix"`
	DiscoveryPrefix string `yaml:"discovery_prefix"`
	DeviceName      string `yaml:"device_name"`
}

type MDNSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Instance string `yaml:"instance"`
}

type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// DefaultConfig returns a fully-populated Config with defaults.
func DefaultConfig() Config {
	return Config{
		Hardware: HardwareConfig{
			Backend:        hardwareBackendRPi,
			PWMPin:         18,
			PWMFrequencyHz: defaultPWMFrequencyHz,
			GPIOChip:       "gpiochip0",
			RelayPin:       23,
			PIRPin:         24,
			PIRActiveLow:   true,
			PIRPullUp:      true,
			WriteRetries:   defaultWriteRetries,
			RetryDelayMS:   defaultRetryDelayMS,
		},
		Light: LightConfig{
			PresenceTarget:   defaultPresenceTarget,
			FadeStepMS:       defaultFadeStepMS,
			MotionFadeStepMS: defaultMotionFadeMS,
		},
		Scheduler: SchedulerConfig{
			ControlMS: int(defaultControlCadence / time.Millisecond),
			MotionMS:  int(defaultMotionCadence / time.Millisecond),
			BreathMS:  int(defaultBreathCadence / time.Millisecond),
		},
		Breath: BreathConfig{
			Low:        defaultBreathLow,
			High:       defaultBreathHigh,
			InhaleMS:   defaultBreathInhaleMS,
			HoldHighMS: defaultBreathHoldHighMS,
			ExhaleMS:   defaultBreathExhaleMS,
			HoldLowMS:  defaultBreathHoldLowMS,
		},
		SelfTest: SelfTestConfig{
			Increment: defaultSelfTestIncrement,
			StepMS:    defaultSelfTestStepMS,
		},
		HTTP: HTTPConfig{
			Listen: defaultHTTPListenAddr,
		},
		IPC: IPCConfig{
			SocketPath: defaultIPCSocketPath,
		},
		MQTT: MQTTConfig{
			Enabled:         false,
			Broker:          "tcp://localhost:1883",
			ClientID:        "corridord",
			TopicPrefix:     defaultMQTTTopicPrefix,
			DiscoveryPrefix: "homeassistant",
			DeviceName:      "Corridor LED",
		},
		MDNS: MDNSConfig{
			Enabled:  true,
			Instance: defaultMDNSInstance,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// LoadConfigFile reads and parses a YAML config file on top of the defaults.
//
// Unknown fields are rejected (helps catch typos) via KnownFields(true).
func LoadConfigFile(path string) (Config, error) {
	if path == "" {
		return Config{}, errors.New("config path is empty")
	}
	b, err := os.ReadFile(ExpandPath(path))
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}
	return parseConfig(b)
}

func parseConfig(b []byte) (Config, error) {
	cfg := DefaultConfig()

	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)

	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config yaml: %w", err)
	}

	// Only whitespace/comments are allowed after the document.
	if err := dec.Decode(&struct{}{}); err == nil {
		return Config{}, fmt.Errorf("decode config yaml: unexpected trailing document")
	}

	return cfg, nil
}

// FlagOverrides carries values from flags that were explicitly set.
// A nil pointer means "not set".
type FlagOverrides struct {
	HTTPListen      *string
	HardwareBackend *string
	IPCSocketPath   *string
	LogLevel        *string
}

// Apply merges the overrides into cfg.
func (o FlagOverrides) Apply(cfg *Config) {
	if cfg == nil {
		return
	}
	if o.HTTPListen != nil {
		cfg.HTTP.Listen = *o.HTTPListen
	}
	if o.HardwareBackend != nil {
		cfg.Hardware.Backend = *o.HardwareBackend
	}
	if o.IPCSocketPath != nil {
		cfg.IPC.SocketPath = *o.IPCSocketPath
	}
	if o.LogLevel != nil {
		cfg.Logging.Level = *o.LogLevel
	}
}

// Validate checks config invariants and returns a user-friendly error.
// Call it after defaults + file + overrides are applied.
func (c *Config) Validate() error {
	h := c.Hardware
	if h.Backend != hardwareBackendRPi && h.Backend != hardwareBackendSim {
		return fmt.Errorf("hardware.backend must be %q or %q", hardwareBackendRPi, hardwareBackendSim)
	}
	if h.Backend == hardwareBackendRPi {
		if h.PWMPin != 12 && h.PWMPin != 13 && h.PWMPin != 18 && h.PWMPin != 19 {
			return errors.New("hardware.pwm_pin must be a hardware PWM pin (12, 13, 18 or 19)")
		}
		if h.GPIOChip == "" {
			return errors.New("hardware.gpio_chip must not be empty")
		}
		if h.RelayPin < 0 || h.PIRPin < 0 {
			return errors.New("hardware.relay_pin and hardware.pir_pin must be >= 0")
		}
		if h.RelayPin == h.PIRPin || h.RelayPin == h.PWMPin || h.PIRPin == h.PWMPin {
			return errors.New("hardware pins must be distinct")
		}
	}
	if h.PWMFrequencyHz <= 0 || h.PWMFrequencyHz > 20000 {
		return errors.New("hardware.pwm_frequency_hz must be between 1 and 20000")
	}
	if h.WriteRetries < 0 || h.WriteRetries > 10 {
		return errors.New("hardware.write_retries must be between 0 and 10")
	}
	if h.RetryDelayMS < 0 || h.RetryDelayMS > 50 {
		return errors.New("hardware.retry_delay_ms must be between 0 and 50")
	}

	if c.Light.PresenceTarget < 1 || c.Light.PresenceTarget > MaxBrightness {
		return errors.New("light.presence_target must be between 1 and 100")
	}
	if c.Light.FadeStepMS < 0 || c.Light.FadeStepMS > 1000 {
		return errors.New("light.fade_step_ms must be between 0 and 1000")
	}
	if c.Light.MotionFadeStepMS < 0 || c.Light.MotionFadeStepMS > 1000 {
		return errors.New("light.motion_fade_step_ms must be between 0 and 1000")
	}

	for name, v := range map[string]int{
		"scheduler.control_ms": c.Scheduler.ControlMS,
		"scheduler.motion_ms":  c.Scheduler.MotionMS,
		"scheduler.breath_ms":  c.Scheduler.BreathMS,
	} {
		if v < 1 || v > 10000 {
			return fmt.Errorf("%s must be between 1 and 10000", name)
		}
	}

	b := c.Breath
	if b.Low < 1 || b.High > MaxBrightness || b.Low >= b.High {
		return errors.New("breath band must satisfy 1 <= breath.low < breath.high <= 100")
	}
	if b.InhaleMS < 0 || b.HoldHighMS < 0 || b.ExhaleMS < 0 || b.HoldLowMS < 0 {
		return errors.New("breath durations must be >= 0")
	}

	if c.SelfTest.Increment < 1 || c.SelfTest.Increment > MaxDuty {
		return fmt.Errorf("self_test.increment must be between 1 and %d", MaxDuty)
	}
	if c.SelfTest.StepMS < 0 {
		return errors.New("self_test.step_ms must be >= 0")
	}

	if c.HTTP.Listen == "" {
		return errors.New("http.listen must not be empty")
	}

	if c.MQTT.Enabled {
		if c.MQTT.Broker == "" {
			return errors.New("mqtt.enabled is true but mqtt.broker is empty")
		}
		if c.MQTT.ClientID == "" {
			return errors.New("mqtt.client_id must not be empty")
		}
		if c.MQTT.TopicPrefix == "" || strings.ContainsAny(c.MQTT.TopicPrefix, "#+") {
			return errors.New("mqtt.topic_prefix must be non-empty and free of wildcards")
		}
	}

	if c.MDNS.Enabled && c.MDNS.Instance == "" {
		return errors.New("mdns.instance must not be empty when mdns is enabled")
	}

	if _, err := parseLogLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}

	return nil
}

// BreathSettings is the runtime form of BreathConfig.
type BreathSettings struct {
	Low, High int
	Inhale    time.Duration
	HoldHigh  time.Duration
	Exhale    time.Duration
	HoldLow   time.Duration
}

// SelfTestSettings is the runtime form of SelfTestConfig.
type SelfTestSettings struct {
	Increment uint32
	StepDelay time.Duration
}

// Tunables are the settings the store hands to ramps. They can be swapped
// at runtime (SIGHUP reload).
type Tunables struct {
	PresenceTarget int
	FadeStep       time.Duration
	MotionFadeStep time.Duration
	Breath         BreathSettings
	SelfTest       SelfTestSettings
}

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

// Tunables converts the file config into the runtime settings.
func (c *Config) Tunables() Tunables {
	return Tunables{
		PresenceTarget: c.Light.PresenceTarget,
		FadeStep:       ms(c.Light.FadeStepMS),
		MotionFadeStep: ms(c.Light.MotionFadeStepMS),
		Breath: BreathSettings{
			Low:      c.Breath.Low,
			High:     c.Breath.High,
			Inhale:   ms(c.Breath.InhaleMS),
			HoldHigh: ms(c.Breath.HoldHighMS),
			Exhale:   ms(c.Breath.ExhaleMS),
			HoldLow:  ms(c.Breath.HoldLowMS),
		},
		SelfTest: SelfTestSettings{
			Increment: uint32(c.SelfTest.Increment),
			StepDelay: ms(c.SelfTest.StepMS),
		},
	}
}

// Cadences converts the scheduler section.
func (c *Config) Cadences() Cadences {
	return Cadences{
		Control: ms(c.Scheduler.ControlMS),
		Motion:  ms(c.Scheduler.MotionMS),
		Breath:  ms(c.Scheduler.BreathMS),
	}
}

// ExpandPath expands a leading "~/" to the user's home directory.
func ExpandPath(p string) string {
	if p == "" {
		return p
	}
	if p == "~" || strings.HasPrefix(p, "~/") {
		home, err := os.UserHomeDir()
		if err != nil || home == "" {
			return p
		}
		if p == "~" {
			return home
		}
		return filepath.Join(home, p[2:])
	}
	return p
}
