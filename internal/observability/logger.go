package observability

import (
	"context"
	"io"
	"log/slog"

	"github.com/duckmesh/querygraph/internal/config"
)

type ctxKey string

const (
	traceIDKey       ctxKey = "trace_id"
	runIDKey         ctxKey = "run_id"
	requestRecordKey ctxKey = "request_record"
)

func NewLogger(cfg config.Config, writer io.Writer) *slog.Logger {
	if writer == nil {
		writer = io.Discard
	}
	var handler slog.Handler
	if cfg.Observability.LogJSON {
		handler = slog.NewJSONHandler(writer, &slog.HandlerOptions{Level: cfg.Observability.LogLevel})
	} else {
		handler = slog.NewTextHandler(writer, &slog.HandlerOptions{Level: cfg.Observability.LogLevel})
	}
	return slog.New(handler).With(
		slog.String("service", cfg.Service.Name),
		slog.String("profile", string(cfg.Profile)),
	)
}

func ContextWithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

func TraceIDFromContext(ctx context.Context) string {
	value, ok := ctx.Value(traceIDKey).(string)
	if !ok {
		return ""
	}
	return value
}

func ContextWithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey, runID)
}

func RunIDFromContext(ctx context.Context) string {
	value, ok := ctx.Value(runIDKey).(string)
	if !ok {
		return ""
	}
	return value
}

// LogAttrs returns the request identifiers carried by ctx as log attributes.
func LogAttrs(ctx context.Context) []any {
	attrs := make([]any, 0, 3)
	if traceID := TraceIDFromContext(ctx); traceID != "" {
		attrs = append(attrs, slog.String("trace_id", traceID))
	}
	if runID := RunIDFromContext(ctx); runID != "" {
		attrs = append(attrs, slog.String("run_id", runID))
	}
	if caller := CallerFromContext(ctx); caller != "" {
		attrs = append(attrs, slog.String("caller", caller))
	}
	return attrs
}
