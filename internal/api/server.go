// Package api exposes the confidence engine, tier administration and the
// write-back queue over HTTP.
package api

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
	"go.uber.org/zap"

	"github.com/sells-group/autopilot/internal/authz"
	"github.com/sells-group/autopilot/internal/autopilot"
	"github.com/sells-group/autopilot/internal/confidence"
	"github.com/sells-group/autopilot/internal/config"
	"github.com/sells-group/autopilot/internal/eventlog"
	"github.com/sells-group/autopilot/internal/metrics"
	"github.com/sells-group/autopilot/internal/model"
	"github.com/sells-group/autopilot/internal/threshold"
	"github.com/sells-group/autopilot/internal/writeback"
)

// Signals records signals and reads snapshots.
type Signals interface {
	RecordSignal(ctx context.Context, caller authz.Caller, in confidence.RecordInput) (*confidence.RecordResult, error)
	Recompute(ctx context.Context, key model.PairKey) (*model.Scores, error)
	Snapshot(ctx context.Context, caller authz.Caller, key model.PairKey) (*model.ConfidenceSnapshot, error)
}

// Thresholds reads and writes threshold rows.
type Thresholds interface {
	Resolve(ctx context.Context, orgID, actionType string, from, to model.Tier) (*model.Threshold, error)
	Save(ctx context.Context, caller authz.Caller, t model.Threshold) (string, error)
	List(ctx context.Context, caller authz.Caller, f threshold.ListFilter) ([]model.Threshold, error)
}

// Tiers runs evaluations and admin tier changes.
type Tiers interface {
	EvaluateAll(ctx context.Context) (*autopilot.Summary, error)
	AcceptProposal(ctx context.Context, caller authz.Caller, key model.PairKey) (*model.Event, error)
	DeclinePromotion(ctx context.Context, caller authz.Caller, key model.PairKey, never bool, reason string) (*model.Event, error)
	ManualOverride(ctx context.Context, caller authz.Caller, key model.PairKey, tier model.Tier, reason string) (*model.Event, error)
	SetNeverPromote(ctx context.Context, caller authz.Caller, key model.PairKey, never bool) (*model.Event, error)
}

// Queue enqueues and administers write-back items.
type Queue interface {
	Enqueue(ctx context.Context, caller authz.Caller, item model.QueueItem) (string, error)
	Stats(ctx context.Context, orgID string) (*model.QueueStats, error)
	Retry(ctx context.Context, caller authz.Caller, id string) error
}

// Events lists the tier event log.
type Events interface {
	List(ctx context.Context, f eventlog.Filter) ([]model.Event, error)
}

// Pinger reports database health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the services behind the routes.
type Deps struct {
	Signals    Signals
	Thresholds Thresholds
	Tiers      Tiers
	Queue      Queue
	Events     Events
	DB         Pinger
	// Breakers optionally reports worker circuit breaker states on /health.
	Breakers interface{ States() map[string]string }
}

// Server is the HTTP API.
type Server struct {
	deps   Deps
	router chi.Router
}

// NewServer builds the router.
func NewServer(deps Deps, cfg config.ServerConfig) *Server {
	s := &Server{deps: deps}

	origins := cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", headerUserID, headerOrgID, headerRole},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(requireCaller)

		r.Post("/signals", s.handleRecordSignal)
		r.Post("/snapshots/recompute", s.handleRecompute)
		r.Get("/snapshots/{userID}/{actionType}", s.handleGetSnapshot)

		r.Get("/thresholds", s.handleListThresholds)
		r.Put("/thresholds", s.handleSaveThreshold)
		r.Get("/thresholds/resolve", s.handleResolveThreshold)

		r.Post("/autopilot/evaluate", s.handleEvaluate)
		r.Route("/autopilot/{userID}/{actionType}", func(r chi.Router) {
			r.Post("/accept", s.handleAccept)
			r.Post("/decline", s.handleDecline)
			r.Post("/override", s.handleOverride)
			r.Post("/never-promote", s.handleNeverPromote)
		})

		r.Get("/events", s.handleListEvents)

		r.Post("/writeback", s.handleEnqueue)
		r.Get("/writeback/stats", s.handleQueueStats)
		r.Post("/writeback/{id}/retry", s.handleRetry)
	})

	s.router = r
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves on port until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, port int) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		zap.L().Info("api: shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	zap.L().Info("api: starting server", zap.Int("port", port))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status, code := "ok", http.StatusOK
	body := map[string]any{}
	if s.deps.DB != nil {
		if err := s.deps.DB.Ping(r.Context()); err != nil {
			status, code = "degraded", http.StatusServiceUnavailable
			body["database"] = err.Error()
		}
	}
	if s.deps.Breakers != nil {
		body["breakers"] = s.deps.Breakers.States()
	}
	body["status"] = status
	respondJSON(w, code, body)
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		zap.L().Debug("api: request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// respondErr maps a service error to a status code.
func respondErr(w http.ResponseWriter, err error) {
	switch {
	case authz.IsForbidden(err):
		respondError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, model.ErrInvalidSignal):
		respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, confidence.ErrNotFound), errors.Is(err, writeback.ErrNotFound):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, autopilot.ErrNoPendingProposal),
		errors.Is(err, writeback.ErrNotDeadLetter),
		errors.Is(err, writeback.ErrDuplicatePending):
		respondError(w, http.StatusConflict, err.Error())
	default:
		zap.L().Error("api: request failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "internal error")
	}
}
