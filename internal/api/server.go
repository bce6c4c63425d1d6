// Package api exposes the HTTP and WebSocket surface: the chat endpoint,
// status and admin endpoints, and Prometheus metrics.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/alicelabs/orchestrator/internal/cache"
	"github.com/alicelabs/orchestrator/internal/circuitbreaker"
	"github.com/alicelabs/orchestrator/internal/config"
	"github.com/alicelabs/orchestrator/internal/core"
	"github.com/alicelabs/orchestrator/internal/guardian"
	"github.com/alicelabs/orchestrator/internal/orchestrator"
	"github.com/alicelabs/orchestrator/internal/router"
	"github.com/alicelabs/orchestrator/internal/telemetry"
)

// Deps is everything the HTTP surface reads from.
type Deps struct {
	Config   *config.Manager
	Orch     *orchestrator.Orchestrator
	Guardian *guardian.Guardian
	Cache    *cache.Cache
	Bandit   *router.Bandit
	Quotas   *circuitbreaker.QuotaSet
	Breakers *circuitbreaker.Set
	SLO      *telemetry.SLOTracker
}

type Server struct {
	cfg    *config.Manager
	d      Deps
	router *mux.Router
	logger *log.Logger

	startedAt time.Time

	limiterMu sync.Mutex
	limiters  map[string]*rate.Limiter

	replayMu   sync.Mutex
	replaySeen map[string]time.Time

	idem       *idemStore
	idemFlight singleflight.Group

	upgrader websocket.Upgrader
}

func NewServer(d Deps) *Server {
	s := &Server{
		cfg:        d.Config,
		d:          d,
		router:     mux.NewRouter(),
		logger:     log.New(log.Writer(), "[API] ", log.LstdFlags),
		startedAt:  time.Now(),
		limiters:   make(map[string]*rate.Limiter),
		replaySeen: make(map[string]time.Time),
		idem:       newIdemStore(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Same-device clients only; the server never fronts browsers from
			// other origins.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	// ========================================================================
	// PUBLIC SURFACE
	// ========================================================================
	s.router.Handle("/api/chat",
		s.idempotencyMiddleware(s.rateLimitMiddleware(http.HandlerFunc(s.handleChat)))).Methods("POST")
	s.router.HandleFunc("/ws/chat", s.handleWS).Methods("GET")

	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	// ========================================================================
	// STATUS
	// ========================================================================
	s.router.HandleFunc("/api/status/simple", s.handleStatusSimple).Methods("GET")
	s.router.HandleFunc("/api/status/routes", s.handleStatusRoutes).Methods("GET")
	s.router.HandleFunc("/api/status/guardian", s.handleStatusGuardian).Methods("GET")
	s.router.HandleFunc("/api/status/bandit", s.handleStatusBandit).Methods("GET")
	s.router.HandleFunc("/api/status/slo", s.handleStatusSLO).Methods("GET")

	// ========================================================================
	// ADMIN
	// ========================================================================
	s.router.HandleFunc("/api/cache/invalidate", s.handleCacheInvalidate).Methods("POST")
	s.router.HandleFunc("/api/admin/reload", s.handleReload).Methods("POST")
}

// Handler returns the fully wrapped handler chain.
func (s *Server) Handler() http.Handler {
	return s.recoverMiddleware(s.bodyLimitMiddleware(s.authMiddleware(s.router)))
}

// Run serves until ctx is cancelled, then drains with a bounded shutdown.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", s.cfg.Current().Server.Port),
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Printf("🚀 listening on %s", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.logger.Println("🛑 shutting down")
		return srv.Shutdown(shutdownCtx)
	}
}

// handleChat serves one turn over plain HTTP.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req core.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, core.ErrClassValidation, "ogiltig JSON", "", 0)
		return
	}
	if terr := validateChatRequest(&req); terr != "" {
		writeError(w, core.ErrClassValidation, terr, "", 0)
		return
	}

	resp, turn, terr := s.d.Orch.HandleTurn(r.Context(), req)

	w.Header().Set("X-Trace-ID", turn.TraceID)
	w.Header().Set("X-Route", turn.Route.String())
	w.Header().Set("X-Intent", turn.Intent.Intent)
	if turn.Intent.RouteHint != "" {
		w.Header().Set("X-Route-Hint", turn.Intent.RouteHint)
	}
	w.Header().Set("X-Cache", string(turn.CacheTier))

	if terr != nil {
		writeError(w, terr.Class, terr.Message, turn.TraceID, terr.RetryAfter)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func validateChatRequest(req *core.ChatRequest) string {
	if req.V != "1" {
		return "okänd protokollversion"
	}
	if req.Message == "" {
		return "meddelandet är tomt"
	}
	if req.SessionID == "" {
		return "session_id saknas"
	}
	if req.Lang == "" {
		req.Lang = "sv"
	}
	return ""
}
