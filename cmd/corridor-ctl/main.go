package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
)

// ============================================================================
// corridor-ctl - command-line client for corridord
// ============================================================================
// Sends one intent over the daemon's Unix socket and prints the resulting
// state, or follows the /ws state stream.
//
// Usage:
//   corridor-ctl set 40
//   corridor-ctl on | off
//   corridor-ctl breath-on | breath-off
//   corridor-ctl self-test
//   corridor-ctl status
//   corridor-ctl -ws ws://corridor.local/ws watch
// ============================================================================

const (
	defaultSocketPath = "/tmp/corridord.sock"
	defaultWSURL      = "ws://127.0.0.1/ws"
	dialTimeout       = 3 * time.Second
)

// intentEnvelope mirrors the daemon's IPC request framing.
type intentEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type ipcResponse struct {
	Status string          `json:"status"`
	Error  string          `json:"error,omitempty"`
	State  json.RawMessage `json:"state,omitempty"`
}

var errUsage = errors.New("usage")

// parseCommand turns command-line words into a request envelope.
func parseCommand(args []string) (intentEnvelope, error) {
	if len(args) == 0 {
		return intentEnvelope{}, errUsage
	}

	simple := map[string]string{
		"on":         "light_on",
		"off":        "light_off",
		"breath-on":  "breath_on",
		"breath-off": "breath_off",
		"self-test":  "self_test",
		"test":       "self_test",
		"restart":    "restart",
		"status":     "get_state",
	}
	if t, ok := simple[args[0]]; ok {
		return intentEnvelope{Type: t}, nil
	}

	switch args[0] {
	case "set", "set-brightness":
		if len(args) < 2 {
			return intentEnvelope{}, errors.New("set requires a brightness (0-100)")
		}
		b, err := strconv.Atoi(args[1])
		if err != nil {
			return intentEnvelope{}, fmt.Errorf("invalid brightness %q: %w", args[1], err)
		}
		if b < 0 || b > 100 {
			return intentEnvelope{}, fmt.Errorf("brightness %d out of range 0-100", b)
		}
		data, err := json.Marshal(struct {
			Brightness int    `json:"brightness"`
			Origin     string `json:"origin"`
		}{b, "corridor-ctl"})
		if err != nil {
			return intentEnvelope{}, fmt.Errorf("marshal set_brightness: %w", err)
		}
		return intentEnvelope{Type: "set_brightness", Data: data}, nil
	}

	return intentEnvelope{}, fmt.Errorf("unknown command: %s", args[0])
}

func main() {
	socketPath := defaultSocketPath
	wsURL := defaultWSURL

	args := os.Args[1:]
flags:
	for len(args) >= 2 {
		switch args[0] {
		case "-socket", "--socket":
			socketPath = args[1]
		case "-ws", "--ws":
			wsURL = args[1]
		default:
			break flags
		}
		args = args[2:]
	}

	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	switch args[0] {
	case "help", "-h", "--help":
		printUsage()
		return
	case "watch":
		if err := watch(wsURL); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	env, err := parseCommand(args)
	if err != nil {
		if !errors.Is(err, errUsage) {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
		printUsage()
		os.Exit(1)
	}

	state, err := send(socketPath, env)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	if env.Type == "get_state" && len(state) > 0 {
		var pretty map[string]any
		if err := json.Unmarshal(state, &pretty); err == nil {
			out, _ := json.MarshalIndent(pretty, "", "  ")
			fmt.Println(string(out))
			return
		}
	}
	fmt.Println("ok")
}

func send(socketPath string, env intentEnvelope) (json.RawMessage, error) {
	conn, err := net.DialTimeout("unix", socketPath, dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", socketPath, err)
	}
	defer conn.Close()

	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	if _, err := fmt.Fprintf(conn, "%s\n", data); err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(dialTimeout))
	line, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	var resp ipcResponse
	if err := json.Unmarshal(line, &resp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if resp.Status == "error" {
		return nil, fmt.Errorf("daemon error: %s", resp.Error)
	}
	return resp.State, nil
}

// watch prints every state message from the daemon until interrupted.
func watch(wsURL string) error {
	d := websocket.Dialer{HandshakeTimeout: dialTimeout}
	conn, _, err := d.Dial(wsURL, nil)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", wsURL, err)
	}
	defer conn.Close()

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan error, 1)
	go func() {
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				done <- err
				return
			}
			fmt.Println(string(msg))
		}
	}()

	select {
	case <-sigc:
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		return nil
	case err := <-done:
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return nil
		}
		return fmt.Errorf("read: %w", err)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `corridor-ctl - Control the corridord lighting daemon

Usage:
  corridor-ctl [options] <command> [args]

Options:
  -socket PATH    Unix domain socket path (default: %s)
  -ws URL         State stream URL for watch (default: %s)

Commands:
  set <0-100>           Set the manual brightness
  on                    Fade to the presence level
  off                   Fade to off
  breath-on             Start the breathing ambiance
  breath-off            Stop the breathing ambiance
  self-test, test       Run the PWM self-test sweep
  restart               Restart the daemon
  status                Print the current state as JSON
  watch                 Follow state changes over WebSocket
  help, -h, --help      Show this help message

Examples:
  corridor-ctl set 40
  corridor-ctl -socket /run/corridord.sock status
  corridor-ctl -ws ws://corridor.local/ws watch
`, defaultSocketPath, defaultWSURL)
}
