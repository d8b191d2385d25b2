package middleware

import (
	"math"
	"net/http"
	"strconv"

	"github.com/fulmenhq/gofulmen/errors"
	"golang.org/x/time/rate"
)

// IngressLimit rejects requests with 429 once the token bucket is empty.
// It guards run submission; a nil limiter disables it.
func IngressLimit(limiter *rate.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if limiter == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reservation := limiter.Reserve()
			if !reservation.OK() {
				rejectIngress(w, r, 1)
				return
			}
			if delay := reservation.Delay(); delay > 0 {
				reservation.Cancel()
				rejectIngress(w, r, int(math.Ceil(delay.Seconds())))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// NewIngressLimiter builds the bucket from requests per second and burst.
// A non-positive rate yields nil.
func NewIngressLimiter(perSecond float64, burst int) *rate.Limiter {
	if perSecond <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}

func rejectIngress(w http.ResponseWriter, r *http.Request, retryAfter int) {
	if retryAfter < 1 {
		retryAfter = 1
	}
	envelope := errors.NewErrorEnvelope("RATE_LIMITED", "too many run submissions, retry later").
		WithCorrelationID(GetRequestID(r.Context()))
	envelope, _ = envelope.WithContext(map[string]interface{}{
		"retry_after_seconds": retryAfter,
	})

	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	writeErrorResponse(w, envelope, http.StatusTooManyRequests)
}
