package main

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"
)

// ============================================================================
// HTTP control surface
// ============================================================================
// Routes read state through the Controller snapshot and turn every write
// into an Intent. Nothing here holds lighting state of its own.
// ============================================================================

//go:embed static/index.html
var indexHTML []byte

const resetNotice = `<!DOCTYPE html>
<html><head><meta charset="utf-8"><meta http-equiv="refresh" content="15;url=/"><title>Restarting</title></head>
<body><h1>Restarting</h1><p>The corridor light controller is restarting. This page reloads in 15 seconds.</p></body></html>
`

type httpSurface struct {
	ctl     Controller
	restart func(origin string)
	logger  *slog.Logger
}

// httpExtras are optional routes mounted next to the control surface.
type httpExtras struct {
	StateWS *StateServer
	Metrics http.Handler
}

// newHTTPHandler builds the mux. restart may be nil, in which case /reset
// answers 503.
func newHTTPHandler(ctl Controller, restart func(origin string), extras httpExtras, logger *slog.Logger) http.Handler {
	h := &httpSurface{ctl: ctl, restart: restart, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("/", h.handleRoot)
	mux.HandleFunc("/pwm-value", h.handlePWMValue)
	mux.HandleFunc("/setPWM", h.handleSetPWM)
	mux.HandleFunc("/led-on", h.intentRoute(LightOn{}))
	mux.HandleFunc("/led-off", h.intentRoute(LightOff{}))
	mux.HandleFunc("/breath-on", h.intentRoute(SetBreathing{On: true}))
	mux.HandleFunc("/breath-off", h.intentRoute(SetBreathing{On: false}))
	mux.HandleFunc("/testPWM", h.intentRoute(RunSelfTest{}))
	mux.HandleFunc("/pir-state", h.handlePIRState)
	mux.HandleFunc("/current-led-state", h.handleLEDState)
	mux.HandleFunc("/reset", h.handleReset)

	if extras.StateWS != nil {
		extras.StateWS.Register(mux, "/ws")
	}
	if extras.Metrics != nil {
		mux.Handle("/metrics", extras.Metrics)
	}
	return mux
}

func (h *httpSurface) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		h.notFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(indexHTML)
}

func (h *httpSurface) handlePWMValue(w http.ResponseWriter, r *http.Request) {
	writePlain(w, strconv.Itoa(h.ctl.Snapshot().Brightness))
}

// handleSetPWM clamps pwm into 0..100. A missing or malformed value is
// ignored; the client is redirected either way.
func (h *httpSurface) handleSetPWM(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("pwm")
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		h.logger.Warn("ignoring malformed pwm argument", "pwm", raw, "remote_addr", r.RemoteAddr)
		redirectHome(w, r)
		return
	}
	_ = applyIntent(h.ctl, SetBrightness{Brightness: ClampBrightness(n)}, "http", nil)
	redirectHome(w, r)
}

func (h *httpSurface) intentRoute(in Intent) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := applyIntent(h.ctl, in, "http", nil); err != nil {
			h.logger.Warn("http intent failed", "path", r.URL.Path, "error", err)
		}
		redirectHome(w, r)
	}
}

func (h *httpSurface) handlePIRState(w http.ResponseWriter, r *http.Request) {
	if h.ctl.Snapshot().Motion {
		writePlain(w, "ON")
		return
	}
	writePlain(w, "OFF")
}

func (h *httpSurface) handleLEDState(w http.ResponseWriter, r *http.Request) {
	if h.ctl.Snapshot().Brightness > 0 {
		writePlain(w, "on")
		return
	}
	writePlain(w, "off")
}

// handleReset answers with a notice, then asks for a restart. The HTTP
// server shuts down gracefully, so this response is delivered first.
func (h *httpSurface) handleReset(w http.ResponseWriter, r *http.Request) {
	if h.restart == nil {
		http.Error(w, "restart not available", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Connection", "close")
	_, _ = w.Write([]byte(resetNotice))
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
	h.restart("http")
}

// notFound echoes the request back as plain text.
func (h *httpSurface) notFound(w http.ResponseWriter, r *http.Request) {
	_ = r.ParseForm()

	var b strings.Builder
	b.WriteString("File Not Found\n\n")
	fmt.Fprintf(&b, "URI: %s\n", r.URL.Path)
	fmt.Fprintf(&b, "Method: %s\n", r.Method)

	keys := make([]string, 0, len(r.Form))
	n := 0
	for k, vs := range r.Form {
		keys = append(keys, k)
		n += len(vs)
	}
	sort.Strings(keys)
	fmt.Fprintf(&b, "Arguments: %d\n", n)
	for _, k := range keys {
		for _, v := range r.Form[k] {
			fmt.Fprintf(&b, " %s: %s\n", k, v)
		}
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusNotFound)
	_, _ = w.Write([]byte(b.String()))
}

func writePlain(w http.ResponseWriter, s string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write([]byte(s))
}

func redirectHome(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, "/", http.StatusFound)
}

// runHTTPServer serves handler on ln until ctx is canceled, then shuts down
// gracefully.
func runHTTPServer(ctx context.Context, ln net.Listener, handler http.Handler, logger *slog.Logger) error {
	logger.Info("http server listening", "addr", ln.Addr().String())

	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)

	go func() {
		// Serve returns http.ErrServerClosed on Shutdown; that is a clean exit.
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("HTTP server shutdown: %w", err)
		}
		<-errCh
		return nil

	case err := <-errCh:
		return err
	}
}
