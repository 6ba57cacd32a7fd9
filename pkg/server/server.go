package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/elonfeng/fleawatch/internal/logger"
	"github.com/elonfeng/fleawatch/internal/watch"
	"github.com/elonfeng/fleawatch/pkg/directory"
)

// Options configures the HTTP server.
type Options struct {
	Port           int
	RequestTimeout time.Duration
	CORSOrigins    []string
}

// Pinger reports whether the database is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server provides the HTTP API.
type Server struct {
	svc    *watch.Service
	dir    *directory.Directory
	db     Pinger
	logger logger.Logger
	http   *http.Server
}

// New creates a new HTTP server.
func New(svc *watch.Service, dir *directory.Directory, db Pinger, log logger.Logger, opts Options) *Server {
	if opts.Port == 0 {
		opts.Port = 8080
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 10 * time.Second
	}
	if len(opts.CORSOrigins) == 0 {
		opts.CORSOrigins = []string{"*"}
	}

	s := &Server{
		svc:    svc,
		dir:    dir,
		db:     db,
		logger: log,
	}
	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", opts.Port),
		Handler:           s.routes(opts),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      2 * time.Minute,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}
	return s
}

// Handler returns the root handler. Tests only.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

func (s *Server) routes(opts Options) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(accessLog(s.logger))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   opts.CORSOrigins,
		AllowedMethods:   []string{"GET", "PUT", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-User-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(opts.RequestTimeout))

			r.Get("/items/suggest", s.handleSuggest)
			r.Get("/items/resolve", s.handleResolve)
			r.Get("/prices", s.handlePrice)

			r.Route("/scopes/{scope}/users/{user}/watches", func(r chi.Router) {
				r.Get("/", s.handleListWatches)
				r.Put("/", s.handlePutWatch)
				r.Delete("/", s.handleClearWatches)
				r.Delete("/{item}", s.handleRemoveWatch)
			})
		})

		// Catalog imports outlive the per-request timeout.
		r.Post("/catalog/sync", s.handleCatalogSync)
	})

	return r
}

// Start runs the HTTP server (blocks until error or shutdown).
func (s *Server) Start() error {
	s.logger.Info("HTTP server listening", logger.String("addr", s.http.Addr))
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop gracefully shuts down the server with the provided context deadline.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("HTTP server shutting down")
	return s.http.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
