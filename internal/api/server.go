// Package api serves the engine's HTTP surface: the signed webhook intake,
// authenticated read endpoints, Prometheus metrics, and the WebSocket feed.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/tradeforge/options-engine/internal/broker"
	"github.com/tradeforge/options-engine/internal/metrics"
	"github.com/tradeforge/options-engine/internal/pipeline"
	"github.com/tradeforge/options-engine/internal/positions"
	"github.com/tradeforge/options-engine/internal/store"
	"github.com/tradeforge/options-engine/pkg/types"
)

// ServerConfig tunes the HTTP server.
type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultServerConfig returns the production HTTP settings.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Host:         "0.0.0.0",
		Port:         8080,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
}

// Version is reported by the health endpoint.
const Version = "1.0.0"

// Server is the HTTP and WebSocket front end.
type Server struct {
	logger     *zap.Logger
	config     ServerConfig
	router     *mux.Router
	httpServer *http.Server
	upgrader   websocket.Upgrader
	hub        *Hub

	store     store.Store
	pipeline  *pipeline.Pipeline
	positions *positions.Manager
	poller    *broker.Poller
	selection broker.Selection
	metrics   *metrics.Metrics
	mode      types.TradingMode

	started      time.Time
	activityMu   sync.Mutex
	lastActivity time.Time

	hmacSecret string
	jwtSecret  string
	apiToken   string
}

// NewServer wires routes and auth. The hub must be run by the caller.
func NewServer(
	logger *zap.Logger,
	config ServerConfig,
	st store.Store,
	pl *pipeline.Pipeline,
	posManager *positions.Manager,
	poller *broker.Poller,
	selection broker.Selection,
	m *metrics.Metrics,
	hub *Hub,
	hmacSecret, jwtSecret, apiToken string,
) *Server {
	s := &Server{
		logger:     logger.Named("api"),
		config:     config,
		router:     mux.NewRouter(),
		hub:        hub,
		store:      st,
		pipeline:   pl,
		positions:  posManager,
		poller:     poller,
		selection:  selection,
		metrics:    m,
		mode:       selection.Mode,
		started:    time.Now(),
		hmacSecret: hmacSecret,
		jwtSecret:  jwtSecret,
		apiToken:   apiToken,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	s.router.HandleFunc("/ws", s.handleWebSocket)

	s.router.HandleFunc("/webhook", s.handleWebhook).Methods(http.MethodPost)
	s.router.HandleFunc("/paper-trading", s.handlePaperTrading).Methods(http.MethodPost)
	s.router.HandleFunc("/refresh-positions", s.authenticated(s.handleRefreshPositions)).Methods(http.MethodPost)

	s.router.HandleFunc("/positions", s.authenticated(s.handlePositions)).Methods(http.MethodGet)
	s.router.HandleFunc("/orders", s.authenticated(s.handleOrders)).Methods(http.MethodGet)
	s.router.HandleFunc("/trades", s.authenticated(s.handleTrades)).Methods(http.MethodGet)
	s.router.HandleFunc("/signals", s.authenticated(s.handleSignals)).Methods(http.MethodGet)
	s.router.HandleFunc("/risk-limits", s.authenticated(s.handleRiskLimits)).Methods(http.MethodGet)
	s.router.HandleFunc("/risk-violations", s.authenticated(s.handleRiskViolations)).Methods(http.MethodGet)
	s.router.HandleFunc("/stats", s.authenticated(s.handleStats)).Methods(http.MethodGet)
}

// Handler returns the full middleware stack, for tests and for Start.
func (s *Server) Handler() http.Handler {
	return cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"*"},
	}).Handler(s.router)
}

// Start serves until the listener fails or Stop is called.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}
	s.logger.Info("api server listening",
		zap.String("addr", addr),
		zap.String("mode", string(s.mode)),
	)
	return s.httpServer.ListenAndServe()
}

// Stop drains in-flight requests.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	connected := s.store.Ping(r.Context()) == nil
	status := "healthy"
	code := http.StatusOK
	if !connected {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	var last any
	if t := s.lastActivityAt(); !t.IsZero() {
		last = t.UTC().Format(time.RFC3339)
	}
	writeJSON(w, code, map[string]any{
		"status":        status,
		"version":       Version,
		"mode":          s.mode,
		"uptime_ms":     time.Since(s.started).Milliseconds(),
		"database":      map[string]bool{"connected": connected},
		"last_activity": last,
	})
}

func (s *Server) touchActivity() {
	s.activityMu.Lock()
	s.lastActivity = time.Now()
	s.activityMu.Unlock()
}

func (s *Server) lastActivityAt() time.Time {
	s.activityMu.Lock()
	defer s.activityMu.Unlock()
	return s.lastActivity
}

// handleWebhook is the signed signal intake.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	defer func() { s.metrics.WebhookDuration.Observe(time.Since(started).Seconds()) }()

	body, err := s.readSignedBody(r)
	if err != nil {
		s.logger.Warn("webhook rejected", zap.Error(err))
		s.unauthorized(w, "invalid signature")
		return
	}
	s.submit(w, r, body)
}

// handlePaperTrading triggers one fill sweep outside the poller's cadence,
// paper mode only. Paper fills land on the next sweep, so callers use this
// to settle simulated orders on demand.
func (s *Server) handlePaperTrading(w http.ResponseWriter, r *http.Request) {
	if s.mode != types.ModePaper {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "paper trading sweep disabled in live mode"})
		return
	}
	s.touchActivity()
	executed, err := s.poller.Sweep(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"success":  false,
			"executed": 0,
			"message":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"executed": executed,
		"message":  fmt.Sprintf("%d orders advanced", executed),
	})
}

func (s *Server) submit(w http.ResponseWriter, r *http.Request, body []byte) {
	s.touchActivity()
	receipt := s.pipeline.Submit(r.Context(), body)
	switch receipt.Disposition {
	case pipeline.DispositionMalformed:
		writeJSON(w, http.StatusBadRequest, receipt)
	case pipeline.DispositionRejected:
		if receipt.SignalID == "" {
			// Storage failure, nothing persisted.
			writeJSON(w, http.StatusInternalServerError, receipt)
			return
		}
		writeJSON(w, http.StatusOK, receipt)
	default:
		writeJSON(w, http.StatusOK, receipt)
	}
}

func (s *Server) handleRefreshPositions(w http.ResponseWriter, r *http.Request) {
	s.touchActivity()
	executed, err := s.positions.Refresh(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":             "refreshed",
		"exit_signals_count": executed,
	})
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("open") == "true" {
		open, err := s.store.OpenPositions(r.Context())
		s.respondList(w, open, err)
		return
	}
	list, err := s.store.ListPositions(r.Context(), queryLimit(r))
	s.respondList(w, list, err)
}

func (s *Server) handleOrders(w http.ResponseWriter, r *http.Request) {
	list, err := s.store.ListOrders(r.Context(), queryLimit(r))
	s.respondList(w, list, err)
}

func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	list, err := s.store.ListTrades(r.Context(), queryLimit(r))
	s.respondList(w, list, err)
}

func (s *Server) handleSignals(w http.ResponseWriter, r *http.Request) {
	list, err := s.store.ListSignals(r.Context(), queryLimit(r))
	s.respondList(w, list, err)
}

func (s *Server) handleRiskLimits(w http.ResponseWriter, r *http.Request) {
	limits, err := s.store.GetRiskLimits(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, limits)
}

func (s *Server) handleRiskViolations(w http.ResponseWriter, r *http.Request) {
	list, err := s.store.ListRiskViolations(r.Context(), queryLimit(r))
	s.respondList(w, list, err)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.GetStats(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	client := newWSClient(uuid.New().String(), s.hub, conn)
	s.hub.register <- client
	go client.writePump()
	go client.readPump()
}

func (s *Server) respondList(w http.ResponseWriter, list any, err error) {
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func queryLimit(r *http.Request) int {
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			return n
		}
	}
	return 100
}
