package ratelimit

import (
	"encoding/json"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
)

// SourceHeader carries the caller's source identity on ingest requests.
const SourceHeader = "X-Source-ID"

// KeyFromRequest returns the X-Source-ID header if present, otherwise the
// client IP.
func KeyFromRequest(r *http.Request) string {
	if src := r.Header.Get(SourceHeader); src != "" {
		return "src:" + src
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}

// Middleware enforces the limiter on every request.
//
// Rate-limit headers are set on every response that reaches the limiter:
//
//	X-RateLimit-Limit     maximum requests allowed in the window
//	X-RateLimit-Remaining requests left in the current window
//	X-RateLimit-Reset     Unix timestamp when the window resets
//
// Rejections get HTTP 429 with Retry-After in whole seconds. A rate-limited
// rejection counts as a failure, as do 401 and 403 responses from the
// wrapped handler; any other response below 400 forgives one failure. Store
// errors fail open.
func Middleware(limiter *Limiter, logger *slog.Logger, onReject ...func(reason string)) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			key := KeyFromRequest(r)

			d, err := limiter.CheckLimit(ctx, key)
			if err != nil {
				logger.Error("rate limiter unavailable", "key", key, "error", err)
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))

			if !d.Allowed {
				for _, fn := range onReject {
					fn(d.Reason)
				}
				if d.Reason == ReasonRateLimited {
					if _, err := limiter.RecordFailure(ctx, key, false); err != nil {
						logger.Warn("recording rate limit failure", "key", key, "error", err)
					}
				}
				writeRejection(w, d)
				return
			}

			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r)

			switch {
			case sw.status == http.StatusUnauthorized || sw.status == http.StatusForbidden:
				_, err = limiter.RecordFailure(ctx, key, false)
			case sw.status < http.StatusBadRequest:
				_, err = limiter.RecordSuccess(ctx, key)
			}
			if err != nil {
				logger.Warn("updating rate limit record", "key", key, "error", err)
			}
		})
	}
}

func writeRejection(w http.ResponseWriter, d Decision) {
	secs := int(math.Ceil(d.RetryAfter.Seconds()))
	if secs < 1 {
		secs = 1
	}
	msg := "Rate limit exceeded. Try again later."
	if d.Reason == ReasonBanned {
		msg = "Too many failures. Temporarily banned."
	}

	w.Header().Set("Retry-After", strconv.Itoa(secs))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"code":        d.Reason,
			"message":     msg,
			"retry_after": secs,
		},
	})
}

type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}
