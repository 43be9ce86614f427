// Package web serves the harness over HTTP: a JSON API for fault injection,
// the radio link, captured runs and scenarios, plus a WebSocket that streams
// harness events.
package web

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"

	"obc-harness/internal/harness"
	"obc-harness/internal/scenario"
)

// ServerOption configures the web server.
type ServerOption func(*Server)

// WithAPIKey enables API key authentication.
func WithAPIKey(key string) ServerOption {
	return func(s *Server) {
		s.apiKey = key
	}
}

// WithAllowedOrigins sets allowed WebSocket origin patterns.
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

// WithScenarios enables the scenario endpoints.
func WithScenarios(engine *scenario.Engine) ServerOption {
	return func(s *Server) {
		s.scenarios = engine
	}
}

// WithVersion sets the application version string.
func WithVersion(v string) ServerOption {
	return func(s *Server) {
		s.version = v
	}
}

// Server is the HTTP server of the harness.
type Server struct {
	sys            *harness.System
	stream         *eventStream
	logger         *slog.Logger
	mux            *http.ServeMux
	handler        http.Handler
	apiKey         string
	allowedOrigins []string
	scenarios      *scenario.Engine
	version        string
	wg             sync.WaitGroup
	unsubEvents    func()
}

// NewServer creates a new web server for sys.
func NewServer(sys *harness.System, logger *slog.Logger, opts ...ServerOption) *Server {
	s := &Server{
		sys:    sys,
		logger: logger.With("component", "web"),
		mux:    http.NewServeMux(),
	}

	for _, opt := range opts {
		opt(s)
	}

	s.stream = newEventStream(s.logger)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.stream.Run()
	}()
	s.unsubEvents = sys.Events().OnAll(s.stream.Publish)

	s.routes()
	s.handler = s.withOrigins(s.withAPIKey(s.withRequestLog(s.mux)))
	return s
}

// Stop disconnects WebSocket clients and waits for the stream goroutine.
func (s *Server) Stop() {
	if s.unsubEvents != nil {
		s.unsubEvents()
	}
	s.stream.Stop()
	s.wg.Wait()
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/version", s.handleAPIVersion)
	s.mux.HandleFunc("GET /api/status", s.handleAPIStatus)
	s.mux.HandleFunc("POST /api/restart", s.handleAPIRestart)

	// Buses and devices
	s.mux.HandleFunc("GET /api/buses", s.handleAPIListBuses)
	s.mux.HandleFunc("GET /api/buses/{bus}", s.handleAPIGetBus)
	s.mux.HandleFunc("PATCH /api/buses/{bus}", s.handleAPISetBus)
	s.mux.HandleFunc("POST /api/buses/{bus}/transfer", s.handleAPITransfer)
	s.mux.HandleFunc("PUT /api/buses/{bus}/devices/{addr}", s.handleAPIEnableDevice)
	s.mux.HandleFunc("GET /api/devices", s.handleAPIListDevices)

	// Radio link
	s.mux.HandleFunc("POST /api/uplink", s.handleAPIUplink)
	s.mux.HandleFunc("GET /api/downlink", s.handleAPIDownlink)
	s.mux.HandleFunc("GET /api/beacon/schema", s.handleAPIBeaconSchema)

	// Captured runs
	s.mux.HandleFunc("GET /api/runs", s.handleAPIListRuns)
	s.mux.HandleFunc("GET /api/runs/{id}", s.handleAPIGetRun)
	s.mux.HandleFunc("DELETE /api/runs/{id}", s.handleAPIDeleteRun)
	s.mux.HandleFunc("GET /api/runs/{id}/{kind}", s.handleAPIRunRecords)

	// Scenarios
	s.mux.HandleFunc("GET /api/scenarios", s.handleAPIListScenarios)
	s.mux.HandleFunc("GET /api/scenarios/{id}", s.handleAPIGetScenario)
	s.mux.HandleFunc("POST /api/scenarios", s.handleAPICreateScenario)
	s.mux.HandleFunc("PUT /api/scenarios/{id}", s.handleAPIUpdateScenario)
	s.mux.HandleFunc("DELETE /api/scenarios/{id}", s.handleAPIDeleteScenario)
	s.mux.HandleFunc("POST /api/scenarios/{id}/toggle", s.handleAPIToggleScenario)
	s.mux.HandleFunc("POST /api/scenarios/{id}/run", s.handleAPIRunScenario)

	// WebSocket
	s.mux.HandleFunc("GET /ws", s.handleWS)
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// withOrigins rejects cross-origin mutations from origins that are not
// allowed and answers CORS preflights. Without allowed origins every
// request passes.
func (s *Server) withOrigins(next http.Handler) http.Handler {
	if len(s.allowedOrigins) == 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" || r.Method == http.MethodGet {
			next.ServeHTTP(w, r)
			return
		}
		if !slices.Contains(s.allowedOrigins, "*") && !slices.Contains(s.allowedOrigins, origin) {
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
		w.Header().Set("Access-Control-Allow-Origin", origin)
		if r.Method == http.MethodOptions {
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")
			w.Header().Set("Access-Control-Max-Age", "3600")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// withAPIKey requires X-API-Key on /api/ routes. The WebSocket is exempt
// since a browser cannot set headers on the upgrade.
func (s *Server) withAPIKey(next http.Handler) http.Handler {
	if s.apiKey == "" {
		return next
	}
	want := []byte(s.apiKey)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/api/") &&
			subtle.ConstantTimeCompare([]byte(r.Header.Get("X-API-Key")), want) != 1 {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// withRequestLog logs mutating API calls, which change the fault state of
// the harness.
func (s *Server) withRequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodOptions {
			s.logger.Debug("api request", "method", r.Method, "path", r.URL.Path, "remote", r.RemoteAddr)
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleAPIVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("writeJSON encode failed", "err", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

// decodeBody reads a JSON request body of at most 1 MB into v.
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}
