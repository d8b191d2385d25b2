package engine

import (
	"math"
	"sync"
	"time"

	"github.com/sqlshift/sqlshift/internal/core"
)

// DefaultRateLimit matches the published limits of the hosted conversion service.
var DefaultRateLimit = core.RateLimitConfig{
	MaxRequests: 10,
	Window:      time.Minute,
	Throttle:    2 * time.Second,
}

// RateLimiter admits requests against a per-window ceiling and a minimum
// spacing between consecutive admissions. Both gates must pass.
type RateLimiter struct {
	mu     sync.Mutex
	limit  core.RateLimitConfig
	margin float64
	window core.RateLimitWindow
}

// NewRateLimiter returns a limiter with an empty window.
func NewRateLimiter(limit core.RateLimitConfig) (*RateLimiter, error) {
	if err := limit.Validate(); err != nil {
		return nil, err
	}
	return &RateLimiter{limit: limit}, nil
}

// TryAdmit rolls an expired window, then admits the request at now if it
// is neither throttled nor over the window ceiling.
func (r *RateLimiter) TryAdmit(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.rollLocked(now)

	if r.throttledLocked(now) {
		return false
	}
	if r.window.Count >= r.effectiveLimit() {
		return false
	}

	// The window is anchored on the first admission so the ceiling holds for
	// any span of one window measured from that admission.
	if r.window.Count == 0 {
		r.window.WindowStart = now
		r.window.WindowEnd = now.Add(r.limit.Window)
	}

	r.window.Count++
	admitted := now
	r.window.LastAdmittedAt = &admitted
	return true
}

// Info reports usage at now without mutating the limiter.
func (r *RateLimiter) Info(now time.Time) core.RateLimitInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	limit := r.effectiveLimit()
	used := r.window.Count
	resetAt := r.window.WindowEnd
	if used == 0 || now.After(r.window.WindowEnd) {
		used = 0
		resetAt = now.Add(r.limit.Window)
	}

	remaining := limit - used
	if remaining < 0 {
		remaining = 0
	}

	return core.RateLimitInfo{
		Limit:       limit,
		Used:        used,
		Remaining:   remaining,
		ResetAt:     resetAt,
		IsThrottled: r.throttledLocked(now),
	}
}

// Reset starts a fresh window at now and forgets the last admission.
func (r *RateLimiter) Reset(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.window = core.RateLimitWindow{
		WindowStart: now,
		WindowEnd:   now.Add(r.limit.Window),
	}
}

// Window returns a copy of the current window state.
func (r *RateLimiter) Window() core.RateLimitWindow {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := r.window
	if r.window.LastAdmittedAt != nil {
		last := *r.window.LastAdmittedAt
		out.LastAdmittedAt = &last
	}
	return out
}

// Limit returns the configured limit with any safety margin applied.
func (r *RateLimiter) Limit() core.RateLimitConfig {
	r.mu.Lock()
	defer r.mu.Unlock()

	limit := r.limit
	limit.MaxRequests = r.effectiveLimit()
	return limit
}

// ApplySafetyMargin lowers the effective window ceiling by a ratio (0-1].
func (r *RateLimiter) ApplySafetyMargin(margin float64) {
	if r == nil {
		return
	}
	if margin <= 0 || margin > 1 {
		return
	}
	r.mu.Lock()
	r.margin = margin
	r.mu.Unlock()
}

func (r *RateLimiter) rollLocked(now time.Time) {
	if !now.After(r.window.WindowEnd) {
		return
	}
	r.window.Count = 0
	r.window.WindowStart = now
	r.window.WindowEnd = now.Add(r.limit.Window)
}

func (r *RateLimiter) throttledLocked(now time.Time) bool {
	if r.limit.Throttle <= 0 || r.window.LastAdmittedAt == nil {
		return false
	}
	return now.Sub(*r.window.LastAdmittedAt) < r.limit.Throttle
}

func (r *RateLimiter) effectiveLimit() int {
	if r.margin <= 0 || r.margin > 1 {
		return r.limit.MaxRequests
	}
	adjusted := int(math.Floor(float64(r.limit.MaxRequests) * r.margin))
	if adjusted < 1 {
		adjusted = 1
	}
	return adjusted
}
