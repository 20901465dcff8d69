package observability

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	traceHeader    = "X-Trace-ID"
	maxTraceIDLen  = 64
	unmatchedRoute = "unmatched"
)

// quietRoutes are polled by orchestrators; successful hits log at debug.
var quietRoutes = map[string]bool{
	"/v1/health":  true,
	"/v1/ready":   true,
	"/v1/metrics": true,
}

// requestRecord is shared by every layer of one request. Inner handlers
// fill it in and the outer middlewares read it after the handler returns.
type requestRecord struct {
	mu     sync.Mutex
	caller string
}

// SetCaller attributes the request carried by ctx to caller. It is a no-op
// outside TraceMiddleware.
func SetCaller(ctx context.Context, caller string) {
	record, ok := ctx.Value(requestRecordKey).(*requestRecord)
	if !ok {
		return
	}
	record.mu.Lock()
	record.caller = caller
	record.mu.Unlock()
}

// CallerFromContext returns the caller recorded by SetCaller, or "".
func CallerFromContext(ctx context.Context) string {
	record, ok := ctx.Value(requestRecordKey).(*requestRecord)
	if !ok {
		return ""
	}
	record.mu.Lock()
	defer record.mu.Unlock()
	return record.caller
}

// TraceMiddleware adopts a well-formed incoming X-Trace-ID or mints one,
// echoes it on the response and opens the request record.
func TraceMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := r.Header.Get(traceHeader)
		if !validTraceID(traceID) {
			traceID = newTraceID()
		}
		ctx := ContextWithTraceID(r.Context(), traceID)
		ctx = context.WithValue(ctx, requestRecordKey, &requestRecord{})
		w.Header().Set(traceHeader, traceID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// LoggingMiddleware writes one http_request line per request, tagged with
// the matched route and, once authenticated, the caller.
func LoggingMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(recorder, r)

			route := routeLabel(r)
			attrs := []slog.Attr{
				slog.String("method", r.Method),
				slog.String("route", route),
				slog.String("path", r.URL.Path),
				slog.Int("status", recorder.status),
				slog.Int64("duration_ms", time.Since(start).Milliseconds()),
				slog.Int("bytes", recorder.bytes),
				slog.String("remote_addr", r.RemoteAddr),
			}
			if traceID := TraceIDFromContext(r.Context()); traceID != "" {
				attrs = append(attrs, slog.String("trace_id", traceID))
			}
			if caller := CallerFromContext(r.Context()); caller != "" {
				attrs = append(attrs, slog.String("caller", caller))
			}
			logger.LogAttrs(r.Context(), requestLevel(route, recorder.status), "http_request", attrs...)
		})
	}
}

func requestLevel(route string, status int) slog.Level {
	switch {
	case status >= http.StatusInternalServerError:
		return slog.LevelWarn
	case quietRoutes[route] && status < http.StatusBadRequest:
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}

// MetricsMiddleware labels requests by route pattern so unknown paths
// collapse into one series.
func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)

		route := routeLabel(r)
		status := strconv.Itoa(recorder.status)
		httpRequestsTotal.WithLabelValues(r.Method, route, status).Inc()
		httpRequestDurationSeconds.WithLabelValues(r.Method, route, status).Observe(time.Since(start).Seconds())
	})
}

// routeLabel is the path part of the ServeMux pattern that matched r.
func routeLabel(r *http.Request) string {
	if r.Pattern == "" {
		return unmatchedRoute
	}
	if _, path, ok := strings.Cut(r.Pattern, " "); ok {
		return path
	}
	return r.Pattern
}

type statusRecorder struct {
	http.ResponseWriter
	status      int
	bytes       int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(status int) {
	if !r.wroteHeader {
		r.status = status
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(body []byte) (int, error) {
	r.wroteHeader = true
	n, err := r.ResponseWriter.Write(body)
	r.bytes += n
	return n, err
}

// Flush lets streaming handlers push partial responses through the recorder.
func (r *statusRecorder) Flush() {
	r.wroteHeader = true
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func validTraceID(id string) bool {
	if id == "" || len(id) > maxTraceIDLen {
		return false
	}
	for _, c := range id {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
		default:
			return false
		}
	}
	return true
}

func newTraceID() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return strconv.FormatInt(time.Now().UnixNano(), 16)
	}
	return hex.EncodeToString(buf)
}
