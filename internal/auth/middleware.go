package auth

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/duckmesh/querygraph/internal/observability"
)

const (
	reasonMissingKey = "missing_key"
	reasonInvalidKey = "invalid_key"
)

type identityKey struct{}

func WithIdentity(ctx context.Context, identity Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, identity)
}

func IdentityFromContext(ctx context.Context) (Identity, bool) {
	identity, ok := ctx.Value(identityKey{}).(Identity)
	return identity, ok
}

// Middleware admits requests carrying a key the validator accepts. The
// caller is attached to the request context and to the request log record.
func Middleware(logger *slog.Logger, validator APIKeyValidator) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, reason := authenticate(r, validator)
			if reason != "" {
				observability.ObserveAuthFailure(reason)
				logger.LogAttrs(r.Context(), failureLevel(reason), "request rejected",
					slog.String("reason", reason),
					slog.String("route", r.Pattern),
					slog.String("trace_id", observability.TraceIDFromContext(r.Context())),
				)
				writeUnauthorized(w, r, reason)
				return
			}

			observability.SetCaller(r.Context(), identity.Caller)
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
		})
	}
}

// authenticate returns the caller identity, or the reason the request is refused.
func authenticate(r *http.Request, validator APIKeyValidator) (Identity, string) {
	key := apiKeyFromRequest(r)
	if key == "" {
		return Identity{}, reasonMissingKey
	}
	identity, ok := validator.Validate(r.Context(), key)
	if !ok {
		return Identity{}, reasonInvalidKey
	}
	return identity, ""
}

// failureLevel keeps anonymous traffic at info and flags wrong keys.
func failureLevel(reason string) slog.Level {
	if reason == reasonInvalidKey {
		return slog.LevelWarn
	}
	return slog.LevelInfo
}

// apiKeyFromRequest reads X-API-Key, then an Authorization bearer token.
// The scheme name is matched case-insensitively.
func apiKeyFromRequest(r *http.Request) string {
	if key := strings.TrimSpace(r.Header.Get("X-API-Key")); key != "" {
		return key
	}
	scheme, token, ok := strings.Cut(strings.TrimSpace(r.Header.Get("Authorization")), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

func writeUnauthorized(w http.ResponseWriter, r *http.Request, reason string) {
	message := "invalid API key"
	if reason == reasonMissingKey {
		message = "missing API key"
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="querygraph"`)
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error_code": "UNAUTHORIZED",
		"message":    message,
		"retryable":  false,
		"trace_id":   observability.TraceIDFromContext(r.Context()),
	})
}
