package web

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"epdframe/internal/config"
	"epdframe/internal/device"
	"epdframe/internal/epd"
	appLog "epdframe/internal/log"
	"epdframe/internal/model"
)

// StatusSource reports the last cycle. *device.Device implements it.
type StatusSource interface {
	Status() (device.Status, bool)
}

// PreviewSource encodes the last committed frame. *epd.FrameBuffer
// implements it.
type PreviewSource interface {
	WritePNG(w io.Writer) error
}

// BatteryReader samples the battery on demand. *battery.Sampler implements
// it.
type BatteryReader interface {
	Read(ctx context.Context) (model.BatteryReading, bool)
}

// Server exposes device status over HTTP: /health, /api/state,
// /api/battery and /preview.png.
type Server struct {
	cfg     *config.Config
	mux     *http.ServeMux
	status  StatusSource
	preview PreviewSource
	battery BatteryReader

	// In-memory cache for battery status. Each sample energises the
	// divider, so the HTTP side does not sample more than once per TTL.
	batteryMu    sync.RWMutex
	batteryCache *batteryCache
}

// NewServer constructs a new Server. battery may be nil, in which case
// /api/battery reports the reading of the last cycle.
func NewServer(cfg *config.Config, status StatusSource, preview PreviewSource, battery BatteryReader) *Server {
	s := &Server{
		cfg:     cfg,
		mux:     http.NewServeMux(),
		status:  status,
		preview: preview,
		battery: battery,
	}
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.mux)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
		return s.basicAuthMiddleware(h)
	}
	return h
}

// basicAuthEnabled reports whether HTTP Basic Auth is configured.
func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	// Empty username or password disables auth.
	if s.cfg.BasicAuth.Username == "" || s.cfg.BasicAuth.Password == "" {
		return false
	}
	return true
}

// basicAuthMiddleware wraps all handlers except /health with HTTP Basic Auth.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="EPDFrame", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// Run serves on cfg.Listen until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+s.cfg.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/api/state", s.handleState)
	s.mux.HandleFunc("/api/battery", s.handleBattery)
	s.mux.HandleFunc("/preview.png", s.handlePreview)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// stateResponse is the JSON response shape for /api/state.
type stateResponse struct {
	Ready bool           `json:"ready"`
	Last  *device.Status `json:"last,omitempty"`
}

// handleState returns the snapshot of the last finished cycle.
func (s *Server) handleState(w http.ResponseWriter, _ *http.Request) {
	if s.status == nil {
		writeError(w, http.StatusServiceUnavailable, "device not running")
		return
	}
	st, ok := s.status.Status()
	resp := stateResponse{Ready: ok}
	if ok {
		resp.Last = &st
	}
	writeJSON(w, http.StatusOK, resp)
}

// batteryCache holds the last known battery status and its timestamp.
type batteryCache struct {
	reading   model.BatteryReading
	updatedAt time.Time
}

// batteryResponse is the JSON response shape for /api/battery.
type batteryResponse struct {
	Percent   int       `json:"percent"`
	VoltageMv int       `json:"voltage_mv"`
	SampledAt time.Time `json:"sampled_at"`
}

// handleBattery exposes the current battery estimate. Live samples are
// cached for batteryCacheTTL; without a reader the last cycle's reading is
// returned.
func (s *Server) handleBattery(w http.ResponseWriter, r *http.Request) {
	const batteryCacheTTL = 30 * time.Second
	now := time.Now()

	// Fast path: return cached value if it's still fresh.
	s.batteryMu.RLock()
	bc := s.batteryCache
	s.batteryMu.RUnlock()
	if bc != nil && now.Sub(bc.updatedAt) < batteryCacheTTL {
		writeJSON(w, http.StatusOK, toBatteryResponse(bc.reading, bc.updatedAt))
		return
	}

	if s.battery == nil {
		if s.status != nil {
			if st, ok := s.status.Status(); ok && st.Battery != nil {
				writeJSON(w, http.StatusOK, toBatteryResponse(*st.Battery, st.StartedAt))
				return
			}
		}
		writeError(w, http.StatusServiceUnavailable, "battery reading unavailable")
		return
	}

	reading, ok := s.battery.Read(r.Context())
	if !ok {
		writeError(w, http.StatusInternalServerError, "failed to read battery")
		return
	}

	updated := time.Now()
	s.batteryMu.Lock()
	s.batteryCache = &batteryCache{reading: reading, updatedAt: updated}
	s.batteryMu.Unlock()

	writeJSON(w, http.StatusOK, toBatteryResponse(reading, updated))
}

func toBatteryResponse(r model.BatteryReading, at time.Time) batteryResponse {
	return batteryResponse{Percent: r.Percent, VoltageMv: r.Millivolts, SampledAt: at}
}

// handlePreview serves the last committed frame as PNG.
func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	if s.preview == nil {
		http.NotFound(w, r)
		return
	}
	var buf bytes.Buffer
	if err := s.preview.WritePNG(&buf); err != nil {
		if errors.Is(err, epd.ErrNoFrame) {
			writeError(w, http.StatusNotFound, "no frame committed yet")
			return
		}
		appLog.Error("preview encode failed", err)
		writeError(w, http.StatusInternalServerError, "failed to encode preview")
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
