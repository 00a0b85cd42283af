package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// Hub tests run without a real websocket: clients carry a nil conn and the
// hub guards every Close against nil.

func newTestHub(t *testing.T, sendBuf int, broadcastBuf int) *Hub {
	t.Helper()
	return NewHub(testLogger(), HubConfig{
		SendBuf:      sendBuf,
		BroadcastBuf: broadcastBuf,
	})
}

func newTestClient(hub *Hub, name string, buf int) *Client {
	return &Client{
		hub:        hub,
		send:       make(chan []byte, buf),
		remoteAddr: name,
		logger:     testLogger(),
	}
}

func registerAndWait(t *testing.T, hub *Hub, c *Client) {
	t.Helper()
	hub.register <- c
	waitUntil(t, 500*time.Millisecond, func() bool {
		hub.mu.Lock()
		defer hub.mu.Unlock()
		_, ok := hub.clients[c]
		return ok
	}, c.remoteAddr+" not registered in time")
}

func TestHub_BroadcastDeliveredToAllClients(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := newTestHub(t, 4, 8)
	done := make(chan struct{})
	go func() {
		defer close(done)
		hub.Run(ctx)
	}()

	c1 := newTestClient(hub, "c1", 4)
	c2 := newTestClient(hub, "c2", 4)
	registerAndWait(t, hub, c1)
	registerAndWait(t, hub, c2)

	msg := []byte(`{"type":"brightness_changed","data":{"brightness":40,"duty":3277}}`)

	// BroadcastBytes may drop under scheduling pressure; feed the queue directly.
	hub.broadcast <- msg

	for _, c := range []*Client{c1, c2} {
		select {
		case got := <-c.send:
			if string(got) != string(msg) {
				t.Fatalf("%s got %q, want %q", c.remoteAddr, got, msg)
			}
		case <-time.After(500 * time.Millisecond):
			t.Fatalf("timeout waiting for %s to receive broadcast", c.remoteAddr)
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("timeout waiting for hub to stop")
	}
}

func TestHub_SlowClientDisconnectedOnFullSendBuffer(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := newTestHub(t, 1, 8)
	go hub.Run(ctx)

	slow := newTestClient(hub, "slow", 1)
	fast := newTestClient(hub, "fast", 8)
	registerAndWait(t, hub, slow)
	registerAndWait(t, hub, fast)

	slow.send <- []byte(`"already queued"`)

	msg := []byte(`{"type":"power_changed","data":{"power":"on"}}`)
	hub.broadcast <- msg

	select {
	case got := <-fast.send:
		if string(got) != string(msg) {
			t.Fatalf("fast client got %q, want %q", got, msg)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatalf("timeout waiting for fast client to receive broadcast")
	}

	select {
	case <-slow.send:
	default:
	}
	waitUntil(t, 750*time.Millisecond, func() bool {
		select {
		case _, ok := <-slow.send:
			return !ok
		default:
			return false
		}
	}, "expected slow send channel to be closed")

	if n := hub.ClientCount(); n != 1 {
		t.Fatalf("clients = %d, want 1", n)
	}
}

func TestDiffSnapshots(t *testing.T) {
	base := Snapshot{Brightness: 10, Duty: DutyFor(10), Mode: ModeManual, Power: PowerOn}

	tests := []struct {
		name string
		next func(Snapshot) Snapshot
		want []string
	}{
		{"no change", func(s Snapshot) Snapshot { return s }, nil},
		{"brightness", func(s Snapshot) Snapshot {
			s.Brightness, s.Duty = 11, DutyFor(11)
			return s
		}, []string{"brightness_changed"}},
		{"mode and manual", func(s Snapshot) Snapshot {
			s.Mode, s.Manual = ModeBreathing, 50
			return s
		}, []string{"mode_changed"}},
		{"fade to dark", func(s Snapshot) Snapshot {
			s.Brightness, s.Duty, s.Power = 0, 0, PowerOff
			return s
		}, []string{"brightness_changed", "power_changed"}},
		{"motion and fault", func(s Snapshot) Snapshot {
			s.Motion, s.Fault = true, "write duty 82: boom"
			return s
		}, []string{"motion_changed", "fault_changed"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := diffSnapshots(base, tt.next(base))
			if len(got) != len(tt.want) {
				t.Fatalf("got %d events, want %v", len(got), tt.want)
			}
			for i, ev := range got {
				if ev.Type != tt.want[i] {
					t.Fatalf("event %d = %s, want %s", i, ev.Type, tt.want[i])
				}
			}
		})
	}
}

func readBroadcast(t *testing.T, hub *Hub) envelope {
	t.Helper()
	select {
	case msg := <-hub.broadcast:
		var env struct {
			Type string          `json:"type"`
			Data json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(msg, &env); err != nil {
			t.Fatalf("bad frame %q: %v", msg, err)
		}
		return envelope{Type: env.Type, Data: env.Data}
	case <-time.After(time.Second):
		t.Fatalf("timeout waiting for broadcast")
		return envelope{}
	}
}

func TestRunBroadcaster_CoalescesBrightnessAndKeepsOrder(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := newTestHub(t, 4, 16)
	src := make(chan Snapshot)
	initial := Snapshot{Mode: ModeManual}
	go RunBroadcaster(ctx, hub, src, initial, testLogger())

	s := initial
	for b := 1; b <= 3; b++ {
		s.Brightness, s.Duty = b, DutyFor(b)
		if b == 1 {
			s.Power = PowerOn
		}
		src <- s
	}
	s.Mode = ModeBreathing
	src <- s

	// The first snapshot carries brightness and power together; the pending
	// brightness is flushed ahead of the power event.
	want := []struct {
		typ        string
		brightness int
	}{
		{"brightness_changed", 1},
		{"power_changed", 0},
		{"brightness_changed", 3},
		{"mode_changed", 0},
	}
	for i, w := range want {
		got := readBroadcast(t, hub)
		if got.Type != w.typ {
			t.Fatalf("event %d = %s, want %s", i, got.Type, w.typ)
		}
		if w.typ != "brightness_changed" {
			continue
		}
		var bc wsBrightnessChangedData
		if err := json.Unmarshal(got.Data.(json.RawMessage), &bc); err != nil {
			t.Fatalf("decode brightness data: %v", err)
		}
		if bc.Brightness != w.brightness {
			t.Fatalf("event %d brightness = %d, want %d", i, bc.Brightness, w.brightness)
		}
	}

	select {
	case extra := <-hub.broadcast:
		t.Fatalf("unexpected extra frame %q", extra)
	case <-time.After(2 * wsBrightnessCoalesceWindow):
	}
}

func TestStateServer_SendsStateInitOnConnect(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s, _ := newTestStore(t)
	s.RequestManual(30, "test")
	fadeToManual(t, s)

	ws := NewStateServer(testLogger(), s, HubConfig{})
	go ws.Hub().Run(ctx)

	mux := http.NewServeMux()
	ws.Register(mux, "/ws")
	srv := httptest.NewServer(mux)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read state_init: %v", err)
	}

	var env struct {
		Type string   `json:"type"`
		Data Snapshot `json:"data"`
	}
	if err := json.Unmarshal(msg, &env); err != nil {
		t.Fatalf("decode %q: %v", msg, err)
	}
	if env.Type != "state_init" {
		t.Fatalf("type = %s, want state_init", env.Type)
	}
	if env.Data.Brightness != 30 || env.Data.Power != PowerOn || env.Data.Mode != ModeManual {
		t.Fatalf("state_init data = %+v", env.Data)
	}

	waitUntil(t, time.Second, func() bool { return ws.Hub().ClientCount() == 1 }, "client not registered")
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout: %s", msg)
}
