// Package admin serves the operator HTTP API: suggestions, rollout flags,
// the audit ledger, drift state and Prometheus metrics.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/refguard/internal/audit"
	"github.com/sells-group/refguard/internal/drift"
	"github.com/sells-group/refguard/internal/generator"
	"github.com/sells-group/refguard/internal/guard"
	"github.com/sells-group/refguard/internal/model"
	"github.com/sells-group/refguard/internal/orchestrator"
	"github.com/sells-group/refguard/internal/rollout"
	"github.com/sells-group/refguard/internal/store"
)

// IdentityHeader carries the caller identity used for rollout bucketing and
// audit actor IDs.
const IdentityHeader = "X-Refguard-Identity"

// Suggestions is the orchestrator surface the API exposes.
type Suggestions interface {
	Suggest(ctx context.Context, req orchestrator.Request) (*orchestrator.Descriptor, error)
	Get(ctx context.Context, id string) (*model.Suggestion, error)
	Review(ctx context.Context, id string, status model.SuggestionStatus, actor string) error
	Apply(ctx context.Context, id, actor string) (*guard.BatchResult, error)
}

// Flags is the rollout controller surface the API exposes.
type Flags interface {
	Flags(ctx context.Context) ([]model.FeatureFlag, error)
	Status(ctx context.Context, flag string) (*rollout.Status, error)
	Enable(ctx context.Context, ch rollout.Change) (*model.FeatureFlag, error)
	Disable(ctx context.Context, ch rollout.Change) (*model.FeatureFlag, error)
	SetOverride(ctx context.Context, o model.UserOverride, actor string) error
	ClearOverride(ctx context.Context, identity, flag string) error
	History(ctx context.Context, flag string, limit int) ([]model.RolloutHistoryEntry, error)
}

// Ledger reads the audit log.
type Ledger interface {
	Events(ctx context.Context, filter store.AuditFilter) ([]model.AuditEvent, error)
	VerifyChain(ctx context.Context, limit int) (audit.Verification, error)
}

// Drift exposes the drift monitor.
type Drift interface {
	Stats() drift.Stats
	Detect() []model.DriftAlert
}

// Pinger reports storage health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps wires the API to its services. Nil members disable their routes.
type Deps struct {
	Suggestions Suggestions
	Flags       Flags
	Ledger      Ledger
	Drift       Drift
	Health      Pinger
	Metrics     http.Handler
}

// Options tunes the router.
type Options struct {
	AllowedOrigins []string
	RequestTimeout time.Duration
}

type api struct {
	d Deps
}

// NewRouter builds the API handler.
func NewRouter(d Deps, opts Options) http.Handler {
	a := &api{d: d}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 2 * time.Minute
	}
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: opts.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", IdentityHeader},
		MaxAge:         300,
	}))

	r.Get("/health", a.health)
	if d.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", d.Metrics)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(middleware.Timeout(opts.RequestTimeout))

		if d.Suggestions != nil {
			r.Post("/suggestions", a.suggest)
			r.Get("/suggestions/{id}", a.getSuggestion)
			r.Post("/suggestions/{id}/review", a.review)
			r.Post("/suggestions/{id}/apply", a.apply)
		}
		if d.Flags != nil {
			r.Get("/flags", a.listFlags)
			r.Get("/flags/{flag}", a.flagStatus)
			r.Post("/flags/{flag}/enable", a.enableFlag)
			r.Post("/flags/{flag}/disable", a.disableFlag)
			r.Get("/flags/{flag}/history", a.flagHistory)
			r.Put("/flags/{flag}/overrides/{identity}", a.setOverride)
			r.Delete("/flags/{flag}/overrides/{identity}", a.clearOverride)
		}
		if d.Ledger != nil {
			r.Get("/audit/events", a.auditEvents)
			r.Get("/audit/verify", a.verifyChain)
		}
		if d.Drift != nil {
			r.Get("/drift/stats", a.driftStats)
			r.Post("/drift/detect", a.driftDetect)
		}
	})

	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		zap.L().Debug("admin: request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func (a *api) health(w http.ResponseWriter, r *http.Request) {
	if a.d.Health != nil {
		if err := a.d.Health.Ping(r.Context()); err != nil {
			zap.L().Warn("admin: health check failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func identity(r *http.Request) string {
	return r.Header.Get(IdentityHeader)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Debug("admin: write response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// decodeOptional is decode for endpoints whose body may be empty.
func decodeOptional(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func intQuery(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}

// fail maps service errors to status codes. Unknown errors are logged and
// reported as 500 without detail.
func fail(w http.ResponseWriter, r *http.Request, err error) {
	var genErr *generator.GenerationError
	var adaptErr *generator.AdapterError

	switch {
	case errors.Is(err, orchestrator.ErrFeatureDisabled):
		writeError(w, http.StatusForbidden, "feature disabled")
	case errors.Is(err, orchestrator.ErrReferenceNotFound),
		errors.Is(err, store.ErrNotFound),
		errors.Is(err, rollout.ErrFlagNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, orchestrator.ErrInvalidReview):
		writeError(w, http.StatusBadRequest, "status must be accepted or rejected")
	case errors.Is(err, store.ErrInvalidTransition),
		errors.Is(err, orchestrator.ErrNotApplicable),
		errors.Is(err, store.ErrStaleWrite):
		writeError(w, http.StatusConflict, "suggestion is not in a valid state for this action")
	case errors.As(err, &genErr), errors.As(err, &adaptErr):
		writeError(w, http.StatusBadGateway, "suggestion generation failed")
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, "request timed out")
	default:
		zap.L().Error("admin: request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
