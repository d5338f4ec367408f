package server

import (
	"net/http"
	"runtime/debug"
	"strings"

	"github.com/google/uuid"
	"github.com/packrat-io/packrat/pkg/log"
	"github.com/packrat-io/packrat/pkg/metrics"
)

// statusWriter captures the response status for logging and metrics
type statusWriter struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (w *statusWriter) WriteHeader(status int) {
	if w.status == 0 {
		w.status = status
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Write(p []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(p)
	w.bytes += int64(n)
	return n, err
}

// withRequestID assigns or propagates X-Request-ID
func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.New().String()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r)
	})
}

// withRecovery converts handler panics into 500 responses
func (s *Server) withRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				log.WithComponent("server").Error().
					Any("panic", rec).
					Bytes("stack", debug.Stack()).
					Str("path", r.URL.Path).
					Msg("handler panicked")
				writeError(w, r, internal("Something went wrong"))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// withObservability emits the access log line and request metrics
func (s *Server) withObservability(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		timer := metrics.NewTimer()
		sw := &statusWriter{ResponseWriter: w}
		next.ServeHTTP(sw, r)
		if sw.status == 0 {
			sw.status = http.StatusOK
		}

		route := routeLabel(r.URL.Path)
		metrics.HTTPRequestsTotal.WithLabelValues(route, r.Method, httpStatusClass(sw.status)).Inc()
		timer.ObserveDuration(metrics.HTTPRequestDuration.WithLabelValues(route))

		log.WithRequestID(w.Header().Get("X-Request-ID")).Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", sw.status).
			Int64("bytes", sw.bytes).
			Dur("duration", timer.Duration()).
			Msg("request")
	})
}

// routeLabel buckets paths into a bounded metric label set
func routeLabel(path string) string {
	switch {
	case path == "/packages.json":
		return "/packages.json"
	case strings.HasPrefix(path, "/p2/"):
		return "/p2"
	case strings.HasPrefix(path, "/dist/"):
		return "/dist"
	case strings.HasPrefix(path, "/api/repositories"):
		return "/api/repositories"
	case strings.HasPrefix(path, "/api/tokens"):
		return "/api/tokens"
	case strings.HasPrefix(path, "/api/packages"):
		return "/api/packages"
	case strings.HasPrefix(path, "/api/"):
		return "/api"
	case path == "/metrics":
		return "/metrics"
	case path == "/healthz":
		return "/healthz"
	default:
		return "other"
	}
}

func httpStatusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
