package server

import (
	"net/http"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/veramed/caregate/internal/jsonw"
	"github.com/veramed/caregate/internal/log"
	"github.com/veramed/caregate/internal/metrics"
)

// MiddlewareFunc wraps an http.Handler.
type MiddlewareFunc func(http.Handler) http.Handler

// responseWriterDelegator captures the status code for logging and metrics.
type responseWriterDelegator struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (d *responseWriterDelegator) WriteHeader(code int) {
	d.status = code
	d.wroteHeader = true
	d.ResponseWriter.WriteHeader(code)
}

func (d *responseWriterDelegator) Write(b []byte) (int, error) {
	if !d.wroteHeader {
		d.WriteHeader(http.StatusOK)
	}
	return d.ResponseWriter.Write(b)
}

// Flush keeps the delegator transparent for streaming responses.
func (d *responseWriterDelegator) Flush() {
	if f, ok := d.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// LoggerMiddleware logs each request and records request metrics.
func LoggerMiddleware(m *metrics.Metrics) MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			delegator := &responseWriterDelegator{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(delegator, r)

			duration := time.Since(start)
			if m != nil {
				m.RequestsTotal.WithLabelValues(r.Method, strconv.Itoa(delegator.status)).Inc()
				m.RequestDuration.WithLabelValues(r.Method).Observe(duration.Seconds())
			}
			log.LogDebugWithFields("server", "Request handled", map[string]any{
				"method":      r.Method,
				"path":        r.URL.Path,
				"status":      delegator.status,
				"duration_ms": duration.Milliseconds(),
			})
		})
	}
}

// ActivityRecorder receives a signal for each user-driven request.
type ActivityRecorder interface {
	Touch()
}

// ActivityMiddleware feeds the inactivity watchdog. Health checks and
// metric scrapes arrive on a schedule whether or not anyone is using the
// app, so they do not count as activity.
func ActivityMiddleware(recorder ActivityRecorder) MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/health" && r.URL.Path != "/metrics" {
				recorder.Touch()
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RecoverMiddleware converts panics into 500 responses instead of dropping
// the connection.
func RecoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				log.LogErrorWithFields("server", "Panic in handler", map[string]any{
					"panic": rec,
					"path":  r.URL.Path,
					"stack": string(debug.Stack()),
				})
				jsonw.WriteInternalServerError(w, "Internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// CORSMiddleware applies the allowed-origins policy. An empty list allows
// any origin, which is only acceptable in development.
func CORSMiddleware(allowedOrigins []string) MiddlewareFunc {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" && (len(allowed) == 0 || allowed[origin]) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Credentials", "true")
				w.Header().Set("Vary", "Origin")
			}
			if r.Method == http.MethodOptions {
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Session-Id")
				w.Header().Set("Access-Control-Max-Age", "86400")
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
