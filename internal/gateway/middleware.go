package gateway

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/textdesk/textdesk/internal/logging"
)

// withMiddleware wraps the gateway's HTTP surface with correlation,
// cross-origin, and access-log layers.
func withMiddleware(handler http.Handler, log *logging.Logger, consoleOrigins []string) http.Handler {
	h := handler
	h = correlationMiddleware(h)
	h = consoleOriginMiddleware(h, consoleOrigins)
	h = accessLogMiddleware(h, log.Sub("http"))
	return h
}

// correlationMiddleware tags every request with a correlation ID so webhook
// deliveries can be traced across provider retries. Twilio retransmits with
// the same idempotency token, so prefer it when present.
func correlationMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("I-Twilio-Idempotency-Token")
		if id == "" {
			id = r.Header.Get("X-Request-ID")
		}
		if id == "" {
			id = uuid.New().String()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r)
	})
}

// accessLogMiddleware logs each HTTP request. Health probes poll frequently
// and carry no signal, so they stay at trace level.
func accessLogMiddleware(next http.Handler, log *logging.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		evt := log.Debug()
		if r.URL.Path == "/health" {
			evt = log.Trace()
		}
		evt.
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", sw.status).
			Dur("duration", time.Since(start)).
			Str("remote", r.RemoteAddr).
			Str("requestId", sw.Header().Get("X-Request-ID")).
			Msg("http request")
	})
}

// consoleOriginMiddleware answers CORS preflights for the browser console.
// The allowed-origin list is shared with the WebSocket upgrade check; webhook
// POSTs from the provider carry no Origin and pass through untouched.
func consoleOriginMiddleware(next http.Handler, allowedOrigins []string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && originAllowed(origin, allowedOrigins) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
			w.Header().Set("Access-Control-Max-Age", "86400")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// originAllowed reports whether an Origin header value is in the configured
// console origin list. An empty list denies all cross-origin callers.
func originAllowed(origin string, allowed []string) bool {
	for _, a := range allowed {
		if a == "*" || a == origin {
			return true
		}
	}
	return false
}

// statusWriter captures the response status for access logging.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
