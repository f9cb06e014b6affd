// Package httpserver is the only network-reachable surface of the
// proxy: a loopback-only server on an OS-assigned port. It hands out
// shelved payloads by token, answers the extension's liveness
// handshake, and relays the few Salesforce calls the extension cannot
// make itself because of CORS.
package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/sfdevtools/streamproxy/internal/logging"
	"github.com/sfdevtools/streamproxy/internal/metrics"
	"github.com/sfdevtools/streamproxy/internal/payloadstore"
)

// Config contains HTTP server configuration
type Config struct {
	// Bind address; must be loopback. Port 0 means OS-assigned.
	Addr string

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	// Host patterns the relay may call: exact hosts or "*." wildcard
	// suffix patterns.
	RelayAllowedHosts []string

	// Relay upstream timeout.
	RelayTimeout time.Duration

	// Version reported by /info.
	Version string

	// Expose prometheus metrics at /metrics.
	MetricsEnabled bool

	// RelayHTTPClient overrides the relay's upstream client, for tests.
	RelayHTTPClient *http.Client
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{
		Addr:         "127.0.0.1:0",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
		RelayAllowedHosts: []string{
			"*.salesforce.com",
			"*.force.com",
			"*.cloudforce.com",
			"*.salesforce-setup.com",
		},
		RelayTimeout:   30 * time.Second,
		MetricsEnabled: true,
	}
}

// Server is the loopback HTTP surface
type Server struct {
	config  Config
	store   *payloadstore.Store
	relay   *http.Client
	logger  zerolog.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	listener net.Listener
	server   *http.Server
}

// NewServer creates a server serving the given payload store
func NewServer(config Config, store *payloadstore.Store) *Server {
	def := DefaultConfig()
	if config.Addr == "" {
		config.Addr = def.Addr
	}
	if config.ReadTimeout <= 0 {
		config.ReadTimeout = def.ReadTimeout
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = def.WriteTimeout
	}
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = def.IdleTimeout
	}
	if config.RelayTimeout <= 0 {
		config.RelayTimeout = def.RelayTimeout
	}

	relay := config.RelayHTTPClient
	if relay == nil {
		relay = &http.Client{Timeout: config.RelayTimeout}
	}

	return &Server{
		config:  config,
		store:   store,
		relay:   relay,
		logger:  logging.Component("httpserver"),
		metrics: metrics.GetMetrics(),
	}
}

// Start binds the listener and serves until the context is canceled.
// Binding failure is fatal for the process: without this surface the
// extension can neither fetch payloads nor relay calls.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("failed to bind loopback server on %s: %w", s.config.Addr, err)
	}

	server := &http.Server{
		Handler:      s.routes(),
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}

	s.mu.Lock()
	s.listener = listener
	s.server = server
	s.mu.Unlock()

	s.logger.Info().Int("port", s.Port()).Msg("Loopback HTTP server listening")

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Serve(listener)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
}

// Port returns the bound port, or 0 before Start
func (s *Server) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return 0
	}
	return s.listener.Addr().(*net.TCPAddr).Port
}

// routes builds the chi router
func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	// The extension's pages fetch payload bodies cross-origin from
	// this server; without permissive CORS those fetches fail the
	// same way direct Salesforce calls do.
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"*"},
	}))

	r.Get("/info", s.handleInfo)
	r.Get("/payload/{token}", s.handlePayload)
	r.Post("/relay", s.handleRelay)
	if s.config.MetricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}
	return r
}

type infoResponse struct {
	Version string `json:"version"`
	Port    int    `json:"port"`
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	s.countRequest("/info", http.StatusOK)
	writeJSON(w, http.StatusOK, infoResponse{Version: s.config.Version, Port: s.Port()})
}

func (s *Server) handlePayload(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")

	payload, contentType, err := s.store.Take(token)
	if err != nil {
		// Expired, consumed or never existed: indistinguishable on
		// purpose, and not a fatal condition for the extension.
		s.countRequest("/payload", http.StatusNotFound)
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "PayloadNotFound"})
		return
	}

	s.countRequest("/payload", http.StatusOK)
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(payload)
}

type relayRequest struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"`
}

func (s *Server) handleRelay(w http.ResponseWriter, r *http.Request) {
	var req relayRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.countRelay("bad_request")
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed relay request"})
		return
	}

	target, err := url.Parse(req.URL)
	if err != nil || (target.Scheme != "https" && target.Scheme != "http") || target.Host == "" {
		s.countRelay("bad_request")
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("invalid relay target %q", req.URL)})
		return
	}

	// The allow-list is what keeps this endpoint from being an open
	// relay for anything running on this machine.
	if !s.hostAllowed(target.Hostname()) {
		s.countRelay("forbidden")
		s.logger.Warn().Str("host", target.Hostname()).Msg("Rejected relay to non-allow-listed host")
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "RelayHostNotAllowed"})
		return
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	upstream, err := http.NewRequestWithContext(r.Context(), method, req.URL, bytes.NewReader([]byte(req.Body)))
	if err != nil {
		s.countRelay("bad_request")
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	for k, v := range req.Headers {
		upstream.Header.Set(k, v)
	}

	resp, err := s.relay.Do(upstream)
	if err != nil {
		s.countRelay("upstream_error")
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": fmt.Sprintf("relay upstream failed: %v", err)})
		return
	}
	defer resp.Body.Close()

	s.countRelay("ok")
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

// hostAllowed checks a hostname against the allow-list patterns
func (s *Server) hostAllowed(host string) bool {
	host = strings.ToLower(host)
	for _, pattern := range s.config.RelayAllowedHosts {
		pattern = strings.ToLower(strings.TrimSpace(pattern))
		if pattern == "" {
			continue
		}
		if suffix, ok := strings.CutPrefix(pattern, "*."); ok {
			if strings.HasSuffix(host, "."+suffix) || host == suffix {
				return true
			}
			continue
		}
		if host == pattern {
			return true
		}
	}
	return false
}

func (s *Server) countRequest(path string, status int) {
	s.metrics.HTTPRequestsTotal.WithLabelValues(path, fmt.Sprintf("%d", status)).Inc()
}

func (s *Server) countRelay(outcome string) {
	s.metrics.RelayRequestsTotal.WithLabelValues(outcome).Inc()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
