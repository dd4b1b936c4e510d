// Package transport provides the read-only HTTP status API.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gateway-fm/rollupsim/internal/rollup"
	"github.com/gateway-fm/rollupsim/internal/rpc"
	"github.com/gateway-fm/rollupsim/pkg/types"
)

// readyTimeout bounds each dependency check in /ready.
const readyTimeout = 3 * time.Second

// SimulatorAPI is the view of the simulation coordinator the handlers need.
type SimulatorAPI interface {
	Status() types.Status
	Summary() *types.Summary
	Subscribe(fn func(types.Status)) func()
}

// HealthChecker defines the interface for readiness checks.
type HealthChecker interface {
	CheckL1(ctx context.Context) error
	CheckRollup(ctx context.Context) error
}

// ClientHealth checks the L1 node and the rollup provider the simulator talks to.
type ClientHealth struct {
	L1     rpc.Client
	Rollup rollup.Provider
}

var _ HealthChecker = (*ClientHealth)(nil)

// CheckL1 asks the node for its chain ID.
func (h *ClientHealth) CheckL1(ctx context.Context) error {
	if h.L1 == nil {
		return errors.New("no L1 client")
	}
	_, err := h.L1.ChainID(ctx)
	return err
}

// CheckRollup fetches the rollup network configuration.
func (h *ClientHealth) CheckRollup(ctx context.Context) error {
	if h.Rollup == nil {
		return errors.New("no rollup provider")
	}
	_, err := h.Rollup.Config(ctx)
	return err
}

// ServerConfig configures a Server.
type ServerConfig struct {
	API    SimulatorAPI
	Health HealthChecker // optional; /ready reports ready without it

	// Gatherer serves /metrics. Nil uses the default registry.
	Gatherer prometheus.Gatherer

	// CORSAllowedOrigins is a comma separated list; empty or "*" allows all.
	CORSAllowedOrigins string

	Logger *slog.Logger
}

// Server handles HTTP requests for the simulator.
type Server struct {
	api       SimulatorAPI
	health    HealthChecker
	gatherer  prometheus.Gatherer
	logger    *slog.Logger
	startTime time.Time
	wsServer  *WebSocketServer

	corsAllowedOrigins []string
	corsAllowAll       bool
}

// NewServer creates a Server and starts its WebSocket broadcaster.
// Call Close to stop it.
func NewServer(cfg ServerConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	wsServer := NewWebSocketServer(cfg.API, logger)
	wsServer.Start()

	s := &Server{
		api:       cfg.API,
		health:    cfg.Health,
		gatherer:  gatherer,
		logger:    logger,
		startTime: time.Now(),
		wsServer:  wsServer,
	}

	origins := strings.TrimSpace(cfg.CORSAllowedOrigins)
	if origins == "" || origins == "*" {
		s.corsAllowAll = true
	} else {
		s.corsAllowedOrigins = strings.Split(origins, ",")
		for i, o := range s.corsAllowedOrigins {
			s.corsAllowedOrigins[i] = strings.TrimSpace(o)
		}
	}
	return s
}

// Close stops the WebSocket broadcaster and disconnects its clients.
func (s *Server) Close() {
	s.wsServer.Stop()
}

// Handler returns an http.Handler with all routes configured.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/v1/status", s.corsMiddleware(s.handleStatus))
	mux.HandleFunc("/v1/summary", s.corsMiddleware(s.handleSummary))
	mux.HandleFunc("/v1/ws", s.wsServer.Handler())

	// Unversioned health endpoints
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)

	mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	return mux
}

// corsMiddleware adds CORS headers based on the configured allowed origins.
func (s *Server) corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")

		if s.corsAllowAll {
			w.Header().Set("Access-Control-Allow-Origin", "*")
		} else if origin != "" {
			for _, o := range s.corsAllowedOrigins {
				if o == origin {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Set("Vary", "Origin")
					break
				}
			}
		}

		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next(w, r)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("write response", slog.String("error", err.Error()))
	}
}

// writeJSONError writes a JSON error response
func (s *Server) writeJSONError(w http.ResponseWriter, message string, statusCode int) {
	s.writeJSON(w, statusCode, map[string]string{"error": message})
}

// handleStatus returns the coordinator state and live counters.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, http.StatusOK, s.api.Status())
}

// handleSummary returns the summary of the last completed run.
func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	summary := s.api.Summary()
	if summary == nil {
		s.writeJSONError(w, "No completed run", http.StatusNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, summary)
}

// handleHealth handles liveness checks.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, types.HealthResponse{
		Status:        "healthy",
		State:         s.api.Status().State,
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		UptimeSeconds: time.Since(s.startTime).Seconds(),
	})
}

// ReadinessCheck represents a single readiness check result.
type ReadinessCheck struct {
	Name      string `json:"name"`
	Status    string `json:"status"` // "ok" or "failed"
	LatencyMs int64  `json:"latency_ms,omitempty"`
	Error     string `json:"error,omitempty"`
}

func runCheck(ctx context.Context, name string, check func(context.Context) error) ReadinessCheck {
	ctx, cancel := context.WithTimeout(ctx, readyTimeout)
	defer cancel()

	start := time.Now()
	err := check(ctx)
	rc := ReadinessCheck{Name: name, Status: "ok", LatencyMs: time.Since(start).Milliseconds()}
	if err != nil {
		rc.Status = "failed"
		rc.Error = err.Error()
	}
	return rc
}

// handleReady handles readiness checks.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	checks := []ReadinessCheck{}
	allHealthy := true

	if s.health != nil {
		checks = append(checks,
			runCheck(r.Context(), "l1-rpc", s.health.CheckL1),
			runCheck(r.Context(), "rollup-api", s.health.CheckRollup),
		)
	}
	for _, c := range checks {
		if c.Status != "ok" {
			allHealthy = false
		}
	}

	code := http.StatusOK
	if !allHealthy {
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, map[string]any{
		"ready":  allHealthy,
		"checks": checks,
	})
}
