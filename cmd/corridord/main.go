package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"golang.org/x/sync/errgroup"
)

const version = "1.0.0"

func printVersion() {
	fmt.Printf("corridord v%s\n", version)
	fmt.Println("Corridor LED lighting controller (PWM dimmer, relay gate, PIR)")
}

func printUsage() {
	printVersion()
	fmt.Println()
	fmt.Println("USAGE:")
	fmt.Println("  corridord [OPTIONS]")
	fmt.Println()
	fmt.Println("DESCRIPTION:")
	fmt.Println("  Drives a dimmable LED strip through a 13-bit PWM channel and a relay")
	fmt.Println("  power gate. Brightness follows manual requests, a breathing ambiance,")
	fmt.Println("  a self-test sweep, or a PIR motion sensor, with smooth fades. Control")
	fmt.Println("  is exposed over HTTP, a Unix socket and optionally MQTT.")
	fmt.Println()
	fmt.Println("OPTIONS:")
	fmt.Println("  -config string")
	fmt.Println("        YAML config file (optional; defaults are used when omitted)")
	fmt.Println()
	fmt.Println("  -listen string")
	fmt.Printf("        HTTP listen address (default %q)\n", defaultHTTPListenAddr)
	fmt.Println()
	fmt.Println("  -hardware string")
	fmt.Println("        Hardware backend: rpi|sim (default \"rpi\")")
	fmt.Println()
	fmt.Println("  -ipc-socket string")
	fmt.Printf("        Unix domain socket path for IPC (default %q)\n", defaultIPCSocketPath)
	fmt.Println()
	fmt.Println("  -log-level string")
	fmt.Println("        Log level: error, warn, info, debug (default \"info\")")
	fmt.Println()
	fmt.Println("  -version")
	fmt.Println("        Print version and exit")
	fmt.Println()
	fmt.Println("  -help")
	fmt.Println("        Print this help message")
	fmt.Println()
	fmt.Println("SIGNALS:")
	fmt.Println("  SIGHUP   reload -config and apply light/breath/self_test settings")
	fmt.Println("  SIGINT, SIGTERM   shut down")
	fmt.Println()
	fmt.Println("EXAMPLES:")
	fmt.Println("  # Run on a Raspberry Pi with a config file")
	fmt.Println("  corridord -config /etc/corridord.yaml")
	fmt.Println()
	fmt.Println("  # Try it without hardware")
	fmt.Println("  corridord -hardware sim -listen 127.0.0.1:8080 -log-level debug")
	fmt.Println()
	fmt.Println("NOTES:")
	fmt.Println("  - The rpi backend needs /dev/gpiomem and /dev/gpiochipN access (root or 'gpio' group)")
	fmt.Println("  - Hardware PWM is only available on GPIO 12, 13, 18 and 19")
	fmt.Println()
}

func main() {
	os.Exit(run())
}

func run() int {
	for _, arg := range os.Args[1:] {
		if arg == "-version" || arg == "--version" {
			printVersion()
			return 0
		}
		if arg == "-help" || arg == "--help" || arg == "-h" {
			printUsage()
			return 0
		}
	}

	var (
		configPath    = flag.String("config", "", "YAML config file")
		listenAddr    = flag.String("listen", defaultHTTPListenAddr, "HTTP listen address")
		hwBackend     = flag.String("hardware", hardwareBackendRPi, "Hardware backend: rpi|sim")
		ipcSocketPath = flag.String("ipc-socket", defaultIPCSocketPath, "Unix domain socket path for IPC")
		logLevelStr   = flag.String("log-level", "info", "Log level: error, warn, info, debug")
	)
	flag.Usage = printUsage
	flag.Parse()

	// Flags only override the file when given explicitly.
	var overrides FlagOverrides
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "listen":
			overrides.HTTPListen = listenAddr
		case "hardware":
			overrides.HardwareBackend = hwBackend
		case "ipc-socket":
			overrides.IPCSocketPath = ipcSocketPath
		case "log-level":
			overrides.LogLevel = logLevelStr
		}
	})

	loadConfig := func() (Config, error) {
		cfg := DefaultConfig()
		if *configPath != "" {
			var err error
			if cfg, err = LoadConfigFile(*configPath); err != nil {
				return Config{}, err
			}
		}
		overrides.Apply(&cfg)
		if err := cfg.Validate(); err != nil {
			return Config{}, err
		}
		return cfg, nil
	}

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}

	logLevel, _ := parseLogLevel(cfg.Logging.Level) // checked by Validate
	logger := setupLogger(logLevel)

	logger.Debug("starting corridord", "version", version)
	logger.Debug("configuration",
		"config", *configPath,
		"hardware_backend", cfg.Hardware.Backend,
		"pwm_pin", cfg.Hardware.PWMPin,
		"pwm_frequency_hz", cfg.Hardware.PWMFrequencyHz,
		"relay_pin", cfg.Hardware.RelayPin,
		"pir_pin", cfg.Hardware.PIRPin,
		"presence_target", cfg.Light.PresenceTarget,
		"fade_step_ms", cfg.Light.FadeStepMS,
		"breath_low", cfg.Breath.Low,
		"breath_high", cfg.Breath.High,
		"http_listen", cfg.HTTP.Listen,
		"ipc_socket", cfg.IPC.SocketPath,
		"mqtt_enabled", cfg.MQTT.Enabled,
		"mdns_enabled", cfg.MDNS.Enabled)

	hw, err := openHardware(cfg.Hardware, logger)
	if err != nil {
		logger.Error("failed to open hardware", "backend", cfg.Hardware.Backend, "error", err,
			"tip", "run as root or add user to 'gpio' group, or use -hardware sim")
		return 1
	}

	m := newLightMetrics()
	store := NewStore(hw, cfg.Hardware, cfg.Tunables(), logger, m)
	m.registerStateGauges(store)

	ln, err := net.Listen("tcp", cfg.HTTP.Listen)
	if err != nil {
		logger.Error("failed to listen", "addr", cfg.HTTP.Listen, "error", err)
		_ = hw.Close()
		return 1
	}

	sigCtx, stopSignals := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stopSignals()
	ctx, cancel := context.WithCancel(sigCtx)
	defer cancel()

	var restartRequested atomic.Bool
	restart := func(origin string) {
		if restartRequested.Swap(true) {
			return
		}
		logger.Warn("restart requested", "origin", origin)
		cancel()
	}

	// SIGHUP reloads the config file and pushes new tunables to the control
	// task. Latest wins if several reloads land between two ticks.
	updates := make(chan Tunables, 1)
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	stateWS := NewStateServer(logger, store, HubConfig{})
	extras := httpExtras{StateWS: stateWS}
	if cfg.Metrics.Enabled {
		extras.Metrics = m.handler()
	}
	handler := newHTTPHandler(store, restart, extras, logger)

	wsSnapshots := make(chan Snapshot, 1)
	sinks := []chan Snapshot{wsSnapshots}
	var mqttSnapshots chan Snapshot
	if cfg.MQTT.Enabled {
		mqttSnapshots = make(chan Snapshot, 1)
		sinks = append(sinks, mqttSnapshots)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return NewScheduler(store, hw.Motion, cfg.Cadences(), updates, logger).Run(gctx)
	})
	g.Go(func() error {
		runStatePublisher(gctx, store, sinks, logger)
		return nil
	})
	g.Go(func() error {
		stateWS.Hub().Run(gctx)
		return nil
	})
	g.Go(func() error {
		RunBroadcaster(gctx, stateWS.Hub(), wsSnapshots, store.Snapshot(), logger)
		return nil
	})
	g.Go(func() error {
		return runHTTPServer(gctx, ln, handler, logger)
	})
	g.Go(optionalTask(gctx, "IPC server", logger, func(ctx context.Context) error {
		return runIPCServer(ctx, ExpandPath(cfg.IPC.SocketPath), store, restart, logger)
	}))
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-hup:
				next, err := loadConfig()
				if err != nil {
					logger.Error("config reload failed, keeping current settings", "error", err)
					continue
				}
				select {
				case <-updates:
				default:
				}
				updates <- next.Tunables()
				logger.Info("config reloaded", "config", *configPath)
			}
		}
	})

	if cfg.MQTT.Enabled {
		bridge := newMQTTBridge(cfg.MQTT, store, logger)
		g.Go(optionalTask(gctx, "MQTT bridge", logger, func(ctx context.Context) error {
			return bridge.Run(ctx, mqttSnapshots)
		}))
	}
	if cfg.MDNS.Enabled {
		port := listenPort(ln.Addr())
		g.Go(optionalTask(gctx, "mDNS advertisement", logger, func(ctx context.Context) error {
			return runMDNS(ctx, cfg.MDNS.Instance, port, logger)
		}))
	}

	logger.Info("listening",
		"http", ln.Addr().String(),
		"ipc", cfg.IPC.SocketPath,
		"hardware", cfg.Hardware.Backend,
		"mqtt", cfg.MQTT.Enabled)

	exitCode := 0
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("daemon stopped", "error", err)
		exitCode = 1
	}

	if err := hw.Close(); err != nil {
		logger.Warn("hardware close failed", "error", err)
	}

	if restartRequested.Load() && exitCode == 0 {
		logger.Info("restarting")
		if err := reexec(); err != nil {
			logger.Error("restart failed", "error", err)
			return 1
		}
		return 0
	}

	logger.Info("shut down")
	return exitCode
}

// optionalTask wraps an integration (IPC, MQTT, mDNS) for the errgroup. Its
// failure is logged and never cancels the group, so lighting control keeps
// running without it.
func optionalTask(ctx context.Context, name string, logger *slog.Logger, run func(context.Context) error) func() error {
	return func() error {
		if err := run(ctx); err != nil {
			logger.Error(name+" stopped, lighting control continues", "error", err)
		}
		return nil
	}
}
