package api

import (
	"net/http"
	"time"

	"github.com/go-chi/httprate"
	"github.com/warp/loyalty-engine/metrics"
)

// =============================================================================
// RATE LIMITER - Sliding window per caller (httprate)
// =============================================================================

// RateLimiter admits at most Limit requests per caller in each Window and
// answers the rest with 429. Counters live in the httprate limiter built by
// NewRateLimiter and expire with their window, so each server owns one and
// nothing is shared between instances.
type RateLimiter struct {
	Limit  int
	Window time.Duration

	rl *httprate.RateLimiter
}

// NewRateLimiter returns a limiter allowing limit requests per caller in each
// window. A non-positive limit disables limiting. Refusals are counted on m.
func NewRateLimiter(limit int, window time.Duration, m *metrics.Metrics) *RateLimiter {
	if window <= 0 {
		window = time.Minute
	}
	l := &RateLimiter{Limit: limit, Window: window}
	if limit <= 0 {
		return l
	}
	l.rl = httprate.NewRateLimiter(limit, window,
		httprate.WithKeyFuncs(callerKey),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			m.Limited()
			writeError(w, http.StatusTooManyRequests, "rate_limited", "Too many requests", nil)
		}),
	)
	return l
}

// Handler is the middleware form. A nil or disabled limiter passes every
// request through.
func (l *RateLimiter) Handler(next http.Handler) http.Handler {
	if l == nil || l.rl == nil {
		return next
	}
	return l.rl.Handler(next)
}

// callerKey keys by actor id when present, otherwise by client IP.
func callerKey(r *http.Request) (string, error) {
	if id := r.Header.Get(HeaderActorID); id != "" {
		return "actor:" + id, nil
	}
	ip, err := httprate.KeyByIP(r)
	if err != nil {
		return "", err
	}
	return "addr:" + ip, nil
}
