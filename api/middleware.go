package api

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/c360/fieldlink/pkg/ratelimit"
)

// requestIDHeader carries the trace id across the gateway and the push channel.
const requestIDHeader = "X-Request-ID"

// getOrGenerateRequestID extracts the request ID from headers or generates
// a new one: 16 hex characters from crypto/rand, timestamp fallback.
func getOrGenerateRequestID(r *http.Request) string {
	if reqID := r.Header.Get(requestIDHeader); reqID != "" {
		return reqID
	}
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("req-%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}

// requestID stamps every response with a trace id and logs the request.
func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := getOrGenerateRequestID(r)
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r)
		s.logger.Debug("request handled",
			"request_id", id, "method", r.Method, "path", r.URL.Path)
	})
}

// clientKey identifies the caller for admission control: API key when
// presented, remote address otherwise.
func clientKey(r *http.Request) string {
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// rateLimit rejects requests over the per-client budget immediately, no
// queueing, with the standard headers the dashboard relies on.
func rateLimitMiddleware(limiter *ratelimit.Limiter, logger *slog.Logger,
	rejected func(scope string)) func(http.Handler) http.Handler {

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := clientKey(r)
			allowed := limiter.Allow(key)

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limiter.Limit()))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(limiter.Remaining(key)))
			if !allowed {
				w.Header().Set("Retry-After", "1")
				rejected("api")
				logger.Warn("request rate limited", "client", key, "path", r.URL.Path)
				writeError(w, http.StatusTooManyRequests, "rate_limit_exceeded",
					"request rate limit exceeded, retry later")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// recoverer converts handler panics into opaque 500s instead of dropping
// the connection.
func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("handler panic",
					"path", r.URL.Path, "panic", fmt.Sprint(rec))
				writeError(w, http.StatusInternalServerError, "internal_error",
					"an internal error occurred")
			}
		}()
		next.ServeHTTP(w, r)
	})
}
