// Package httpapi is the controller's public HTTP surface (spec §6.1): an
// unauthenticated health route and the bearer-auth-gated /v1/traffic routes
// that front the Traffic Manager.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/Cnily03/ret2shell-frp-controller/internal/config"
	"github.com/Cnily03/ret2shell-frp-controller/internal/httpapi/middleware"
	"github.com/Cnily03/ret2shell-frp-controller/internal/traffic"
)

// Server owns the chi router and the underlying net/http.Server.
type Server struct {
	cfg    *config.Config
	router chi.Router
	http   *http.Server
}

// New builds a Server wired to manager, routed per spec §6.1.
func New(cfg *config.Config, manager *traffic.Manager) *Server {
	s := &Server{cfg: cfg}
	s.setupRouter(manager)
	return s
}

func (s *Server) setupRouter(manager *traffic.Manager) {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(60 * time.Second))

	r.Get("/ping", Ping)

	r.Route("/v1", func(r chi.Router) {
		r.Use(middleware.Auth(s.cfg.App.AuthToken))
		r.Post("/traffic", UpdateTraffic(manager))
		r.Delete("/traffic", DeleteTraffic(manager))
	})

	s.router = r
}

// Start serves HTTP on addr. It blocks until the server stops.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	log.Info().Str("addr", addr).Msg("httpapi: listening")
	return s.http.ListenAndServe()
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("httpapi: shutting down")
	return s.http.Shutdown(ctx)
}
