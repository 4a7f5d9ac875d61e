// Package debugsurface implements the daemon's optional operator HTTP
// surface (spec §9 supplemented feature): /healthz, /status, /routes,
// and /metrics, gated behind the HIVE_DEBUG_ADDR environment variable.
// It is adapted from the gateway's gorilla/mux router wiring and
// recovery/security-header/logging middleware stack, generalized from
// an API gateway's request surface to a read-only operator console for
// a single-machine orchestrator.
package debugsurface

import (
	"encoding/json"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hiveorch/hive/internal/obslog"
	"github.com/hiveorch/hive/internal/routetable"
	"github.com/hiveorch/hive/internal/supervisor"
)

// DefaultHeaders are the security headers attached to every response
// on this surface; it has no cookies or user sessions to protect, but
// a stray reverse-proxy in front of it should not cache responses or
// be tricked into framing it.
func DefaultHeaders() map[string]string {
	return map[string]string{
		"X-Content-Type-Options": "nosniff",
		"X-Frame-Options":        "DENY",
		"Referrer-Policy":        "no-referrer",
		"Cache-Control":          "no-store, no-cache, must-revalidate",
	}
}

// Surface is the read-only debug HTTP server's dependencies.
type Surface struct {
	Supervisor *supervisor.Supervisor
	Table      *routetable.Table
	Log        *obslog.Logger
	Headers    map[string]string
}

// Router builds the mux.Router serving /healthz, /status, /routes and
// /metrics, wrapped with recovery, security-header, and request
// logging middleware (spec §9: "never writes, only observes").
func (s *Surface) Router() *mux.Router {
	headers := s.Headers
	if headers == nil {
		headers = DefaultHeaders()
	}

	router := mux.NewRouter()
	router.Use(s.recoveryMiddleware)
	router.Use(securityHeadersMiddleware(headers))
	router.Use(s.loggingMiddleware)

	router.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	router.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	router.HandleFunc("/routes", s.handleRoutes).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	return router
}

// recoveryMiddleware recovers from a handler panic, logs it with a
// stack trace, and answers 500 rather than crashing the daemon's
// observability surface.
func (s *Surface) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if s.Log != nil {
					s.Log.WithContext(r.Context()).WithField("panic", rec).
						WithField("stack", string(debug.Stack())).Error("debug surface panic recovered")
				}
				http.Error(w, "internal error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func securityHeadersMiddleware(headers map[string]string) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for k, v := range headers {
				w.Header().Set(k, v)
			}
			next.ServeHTTP(w, r)
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// loggingMiddleware logs each request with a fresh trace ID, mirroring
// the supervisor/rollout/control-plane log shape.
func (s *Surface) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		traceID := obslog.NewTraceID()
		ctx := obslog.WithTraceID(r.Context(), traceID)
		r = r.WithContext(ctx)

		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		if s.Log != nil {
			s.Log.WithContext(ctx).WithField("path", r.URL.Path).
				WithField("status", sw.code).
				WithField("duration", obslog.FormatDuration(time.Since(start))).
				Info("debug surface request")
		}
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Surface) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Surface) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.Supervisor.AllStatuses())
}

func (s *Surface) handleRoutes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.Table.AllRoutes())
}
