// Package server exposes the extracted underwriting data over a JSON HTTP
// API for the dashboard.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/uwdash/internal/config"
	"github.com/sells-group/uwdash/internal/model"
	"github.com/sells-group/uwdash/internal/monitoring"
	"github.com/sells-group/uwdash/internal/pipeline"
	"github.com/sells-group/uwdash/internal/reconcile"
	"github.com/sells-group/uwdash/internal/store"
)

// Refresher starts extraction batches on request.
type Refresher interface {
	Run(ctx context.Context, scope pipeline.Scope) (*model.RunReport, error)
	Running() bool
}

// Server serves the presentation API.
type Server struct {
	store     store.Gateway
	mapper    *reconcile.Mapper
	refresher Refresher
	collector *monitoring.Collector
	cfg       config.ServerConfig

	// refresh throttles POST /api/refresh.
	refresh *rate.Limiter
	// base is the context refresh batches run under.
	base context.Context
}

// New creates a Server. refresher may be nil, which disables refresh.
func New(st store.Gateway, mapper *reconcile.Mapper, refresher Refresher, cfg config.ServerConfig) *Server {
	return &Server{
		store:     st,
		mapper:    mapper,
		refresher: refresher,
		collector: monitoring.NewCollector(st),
		cfg:       cfg,
		refresh:   rate.NewLimiter(rate.Every(30*time.Second), 1),
		base:      context.Background(),
	}
}

// Routes returns the router with every endpoint mounted.
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	origins := s.cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)
	r.Route("/api", func(r chi.Router) {
		r.Get("/deals", s.handleDeals)
		r.Get("/deals/*", s.handleDeal)
		r.Get("/columns", s.handleColumns)
		r.Get("/columns/{name}/values", s.handleColumnValues)
		r.Get("/aggregate", s.handleAggregate)
		r.Get("/map", s.handleMap)
		r.Get("/stats", s.handleStats)
		r.Get("/failures", s.handleFailures)
		r.Post("/refresh", s.handleRefresh)
	})
	return r
}

// ListenAndServe serves on port until ctx is done, then shuts down.
func (s *Server) ListenAndServe(ctx context.Context, port int) error {
	s.base = ctx
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		zap.L().Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	zap.L().Info("starting server", zap.Int("port", port))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return eris.Wrap(err, "server listen")
	}
	return nil
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		zap.L().Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

// writeJSON encodes v before writing the header so an unencodable body
// becomes a 500 rather than a truncated 200.
func writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		zap.L().Error("encode response failed", zap.Error(err))
		body, status = []byte(`{"error":"encode response"}`), http.StatusInternalServerError
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(append(body, '\n')); err != nil {
		zap.L().Warn("write response failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeStoreError maps store errors onto HTTP statuses.
func writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case eris.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case eris.Is(err, store.ErrUnknownColumn):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		zap.L().Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
