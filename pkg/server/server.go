// Package server exposes the gateway's inbound HTTP surface.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/routecodex/routecodex/pkg/config"
	"github.com/routecodex/routecodex/pkg/logger"
	"github.com/routecodex/routecodex/pkg/oauth"
	"github.com/routecodex/routecodex/pkg/observability"
	"github.com/routecodex/routecodex/pkg/pipeline"
	"github.com/routecodex/routecodex/pkg/ratelimit"
)

// ErrPortInUse signals a bind failure so the CLI can exit with its
// dedicated code.
var ErrPortInUse = errors.New("port already in use")

// Server is the gateway HTTP front end.
type Server struct {
	cfg          *config.Config
	orchestrator *pipeline.Orchestrator
	oauthMgr     *oauth.Manager
	limiter      *ratelimit.Limiter

	httpServer *http.Server
	started    time.Time
	ready      atomic.Bool
	requests   atomic.Int64

	log *slog.Logger
}

func New(cfg *config.Config, orch *pipeline.Orchestrator, oauthMgr *oauth.Manager) *Server {
	s := &Server{
		cfg:          cfg,
		orchestrator: orch,
		oauthMgr:     oauthMgr,
		log:          logger.GetLogger().With("component", "server"),
	}
	if cfg.RateLimit.Enabled {
		s.limiter = ratelimit.New(cfg.RateLimit.Requests, cfg.RateLimit.Window)
	}
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()

	r.Use(s.loggingMiddleware)

	// Portal route must exist before any provider initiates a device-code
	// flow; the OAuth manager probes it for readiness.
	r.Get("/token-auth/demo", s.handleAuthPortal)

	r.Get("/health", s.handleHealth)
	r.Get("/status", s.handleStatus)
	r.Get("/metrics", observability.MetricsHandler().ServeHTTP)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Use(s.rateLimitMiddleware)

		r.Post("/v1/chat/completions", s.handleChatCompletions)
		r.Post("/v1/responses", s.handleResponses)
		r.Post("/v1/messages", s.handleMessages)
		r.Post("/v1/embeddings", s.handleEmbeddings)
		r.Get("/v1/models", s.handleModels)
	})

	return r
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		var opErr *net.OpError
		if errors.As(err, &opErr) {
			return fmt.Errorf("%w: %s", ErrPortInUse, addr)
		}
		return err
	}

	s.httpServer = &http.Server{
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.started = time.Now()
	s.ready.Store(true)

	errc := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errc <- err
		}
	}()

	s.log.Info("gateway listening", "addr", addr)

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	s.ready.Store(false)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ready"
	if !s.ready.Load() {
		status = "starting"
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": status})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"uptime_seconds": int(time.Since(s.started).Seconds()),
		"requests_total": s.requests.Load(),
		"targets":        s.orchestrator.Router().Health().Snapshot(),
		"oauth":          s.oauthMgr.States(),
	})
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	type modelEntry struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		OwnedBy string `json:"owned_by"`
	}
	var data []modelEntry
	for providerID, models := range s.orchestrator.Registry().Models() {
		for _, m := range models {
			data = append(data, modelEntry{
				ID:      providerID + "." + m,
				Object:  "model",
				OwnedBy: providerID,
			})
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"object": "list",
		"data":   data,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
