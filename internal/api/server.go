// Package api provides the HTTP and WebSocket server.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/atlas-desktop/confluence-engine/internal/orchestrator"
	"github.com/atlas-desktop/confluence-engine/pkg/types"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const defaultBarLimit = 100

// StatusProvider reports the engine state.
type StatusProvider interface {
	Status() orchestrator.Status
}

// PositionSource lists open positions.
type PositionSource interface {
	OpenPositions(ctx context.Context) ([]types.Position, error)
}

// BarSource returns the rolling bar history, oldest first.
type BarSource interface {
	Bars() []types.Bar
}

// Server is the HTTP/WebSocket API server
type Server struct {
	logger     *zap.Logger
	config     *types.ServerConfig
	router     *mux.Router
	handler    http.Handler
	httpServer *http.Server
	upgrader   websocket.Upgrader
	hub        *Hub
	engine     StatusProvider
	positions  PositionSource
	bars       BarSource
	gatherer   prometheus.Gatherer
	limiter    *rate.Limiter
}

// Options carries the server's collaborators. Gatherer may be nil when
// metrics are disabled.
type Options struct {
	Engine    StatusProvider
	Positions PositionSource
	Bars      BarSource
	Hub       *Hub
	Gatherer  prometheus.Gatherer
}

// NewServer creates a new API server
func NewServer(logger *zap.Logger, config *types.ServerConfig, opts Options) *Server {
	server := &Server{
		logger:    logger.Named("api"),
		config:    config,
		router:    mux.NewRouter(),
		hub:       opts.Hub,
		engine:    opts.Engine,
		positions: opts.Positions,
		bars:      opts.Bars,
		gatherer:  opts.Gatherer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}

	if config.RateLimit > 0 {
		server.limiter = rate.NewLimiter(rate.Limit(config.RateLimit), max(config.RateBurst, 1))
		server.router.Use(server.rateLimit)
	}

	server.setupRoutes()
	server.handler = cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}).Handler(server.router)
	return server
}

// setupRoutes configures HTTP routes
func (s *Server) setupRoutes() {
	s.router.HandleFunc("/api/v1/health", s.handleHealth).Methods("GET")

	// Engine state
	s.router.HandleFunc("/api/v1/status", s.handleStatus).Methods("GET")
	s.router.HandleFunc("/api/v1/risk", s.handleRisk).Methods("GET")
	s.router.HandleFunc("/api/v1/decision", s.handleDecision).Methods("GET")
	s.router.HandleFunc("/api/v1/positions", s.handlePositions).Methods("GET")
	s.router.HandleFunc("/api/v1/bars", s.handleBars).Methods("GET")

	if s.config.EnableMetrics && s.gatherer != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods("GET")
	}

	if s.hub != nil {
		s.router.HandleFunc(s.config.WebSocketPath, s.handleWebSocket)
	}
}

// rateLimit rejects requests above the configured rate with 429.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Handler returns the CORS-wrapped router.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.handler,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	s.logger.Info("Starting API server", zap.String("addr", addr))

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully stops the server
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Status())
}

func (s *Server) handleRisk(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Status().Risk)
}

// handleDecision returns the decision and family scores of the last cycle.
func (s *Server) handleDecision(w http.ResponseWriter, r *http.Request) {
	last := s.engine.Status().Last
	if last == nil || last.Decision == nil {
		writeError(w, http.StatusNotFound, "no decision yet")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"timestamp": last.Timestamp,
		"decision":  last.Decision,
		"scores":    last.Scores,
		"regime":    last.Regime,
	})
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	positions, err := s.positions.OpenPositions(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"positions": positions,
		"count":     len(positions),
	})
}

// handleBars returns the most recent bars, oldest first.
func (s *Server) handleBars(w http.ResponseWriter, r *http.Request) {
	limit := defaultBarLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	bars := s.bars.Bars()
	if len(bars) > limit {
		bars = bars[len(bars)-limit:]
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"bars":  bars,
		"count": len(bars),
	})
}

// handleWebSocket upgrades the connection and registers it with the hub.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("WebSocket upgrade failed", zap.Error(err))
		return
	}

	client := NewClient(uuid.New().String(), s.hub, conn)
	if !s.hub.Register(client) {
		conn.Close()
		return
	}

	go client.WritePump()
	go client.ReadPump()
}
