package middleware

import (
	"net/http"
	"time"

	"github.com/R3E-Network/colorwheel/internal/logging"
)

// TraceHeader carries the request trace id in both directions.
const TraceHeader = "X-Trace-ID"

const maxTraceIDLen = 64

// TracingMiddleware assigns every request a trace id and logs it on completion.
type TracingMiddleware struct {
	logger *logging.Logger
	quiet  map[string]bool
}

// NewTracingMiddleware creates a tracing middleware. Requests to quietPaths are
// logged at debug level only.
func NewTracingMiddleware(logger *logging.Logger, quietPaths ...string) *TracingMiddleware {
	return &TracingMiddleware{
		logger: logger,
		quiet:  toSet(quietPaths),
	}
}

// Handler returns the tracing middleware handler
func (m *TracingMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := r.Header.Get(TraceHeader)
		if !validTraceID(traceID) {
			traceID = logging.NewTraceID()
		}
		ctx := logging.WithTraceID(r.Context(), traceID)
		w.Header().Set(TraceHeader, traceID)

		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rw, r.WithContext(ctx))
		elapsed := time.Since(start)

		if m.quiet[r.URL.Path] && rw.statusCode < http.StatusBadRequest {
			m.logger.WithContext(ctx).WithField("status", rw.statusCode).Debug(r.Method + " " + r.URL.Path)
			return
		}
		m.logger.LogRequest(ctx, r.Method, r.URL.Path, rw.statusCode, elapsed)
	})
}

// validTraceID accepts short ids made of letters, digits, '-' and '_' so that
// client-supplied values cannot forge log lines.
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
