package api

import (
	"context"
	"encoding/json"
	"iter"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/duckmesh/querygraph/internal/config"
	"github.com/duckmesh/querygraph/internal/graph"
	"github.com/duckmesh/querygraph/internal/observability"
	"github.com/duckmesh/querygraph/internal/workflow"
)

type ReadinessCheck func(ctx context.Context) error

// Runner is the workflow surface the handlers use. *workflow.Workflow implements it.
type Runner interface {
	Invoke(ctx context.Context, initial workflow.State) (workflow.State, error)
	Stream(ctx context.Context, initial workflow.State) iter.Seq2[graph.Event[workflow.State], error]
	Mermaid() string
}

// SchemaSource is the read-only gateway surface behind GET /v1/schema.
type SchemaSource interface {
	Dialect() string
	ListTables(ctx context.Context) ([]string, error)
	Schema(ctx context.Context, tables []string) (string, error)
}

type Dependencies struct {
	Logger            *slog.Logger
	Readiness         ReadinessCheck
	AuthMiddleware    func(http.Handler) http.Handler
	DependencyTimeout time.Duration
	Workflow          Runner
	Schema            SchemaSource
	// RunTimeout bounds a single ask; 0 leaves it to the request context.
	RunTimeout time.Duration
}

func NewHandler(cfg config.Config, deps Dependencies) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "service": cfg.Service.Name})
	})

	mux.HandleFunc("GET /v1/ready", func(w http.ResponseWriter, r *http.Request) {
		if deps.Readiness == nil {
			writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
			return
		}
		timeout := deps.DependencyTimeout
		if timeout <= 0 {
			timeout = 2 * time.Second
		}
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()
		if err := deps.Readiness(ctx); err != nil {
			writeError(r.Context(), w, http.StatusServiceUnavailable, "NOT_READY", err.Error(), true, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
	})

	mux.Handle("GET /v1/metrics", promhttp.Handler())

	protected := http.NewServeMux()
	protected.HandleFunc("POST /v1/ask", func(w http.ResponseWriter, r *http.Request) {
		handleAsk(deps, w, r)
	})
	protected.HandleFunc("POST /v1/ask/stream", func(w http.ResponseWriter, r *http.Request) {
		handleAskStream(deps, w, r)
	})
	protected.HandleFunc("GET /v1/schema", func(w http.ResponseWriter, r *http.Request) {
		handleSchema(deps, w, r)
	})
	protected.HandleFunc("GET /v1/graph", func(w http.ResponseWriter, r *http.Request) {
		handleGraph(deps, w, r)
	})

	var protectedHandler http.Handler = protected
	if cfg.Auth.Required {
		if deps.AuthMiddleware == nil {
			if deps.Logger != nil {
				deps.Logger.Error("auth required but auth middleware missing")
			}
			protectedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				writeError(r.Context(), w, http.StatusInternalServerError, "AUTH_MIDDLEWARE_MISSING", "auth middleware is required by configuration", false, nil)
			})
		} else {
			protectedHandler = deps.AuthMiddleware(protectedHandler)
		}
	}
	mux.Handle("POST /v1/ask", protectedHandler)
	mux.Handle("POST /v1/ask/stream", protectedHandler)
	mux.Handle("GET /v1/schema", protectedHandler)
	mux.Handle("GET /v1/graph", protectedHandler)

	middlewares := []func(http.Handler) http.Handler{
		observability.TraceMiddleware,
		observability.MetricsMiddleware,
	}
	if deps.Logger != nil {
		middlewares = append(middlewares, observability.LoggingMiddleware(deps.Logger))
	}
	return chain(mux, middlewares...)
}

// CheckDatabase reports the gateway as ready once it answers a ping.
func CheckDatabase(pinger interface{ Ping(context.Context) error }) ReadinessCheck {
	return func(ctx context.Context) error {
		return pinger.Ping(ctx)
	}
}

func CombineReadinessChecks(checks ...ReadinessCheck) ReadinessCheck {
	filtered := make([]ReadinessCheck, 0, len(checks))
	for _, check := range checks {
		if check != nil {
			filtered = append(filtered, check)
		}
	}
	return func(ctx context.Context) error {
		for _, check := range filtered {
			if err := check(ctx); err != nil {
				return err
			}
		}
		return nil
	}
}

func chain(base http.Handler, middlewares ...func(http.Handler) http.Handler) http.Handler {
	wrapped := base
	for i := len(middlewares) - 1; i >= 0; i-- {
		wrapped = middlewares[i](wrapped)
	}
	return wrapped
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(ctx context.Context, w http.ResponseWriter, status int, code, message string, retryable bool, extra map[string]any) {
	writeJSON(w, status, errorBody(ctx, code, message, retryable, extra))
}

func errorBody(ctx context.Context, code, message string, retryable bool, extra map[string]any) map[string]any {
	return map[string]any{
		"error_code": code,
		"message":    message,
		"retryable":  retryable,
		"context":    extra,
		"trace_id":   observability.TraceIDFromContext(ctx),
	}
}
