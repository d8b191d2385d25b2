package engine

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sqlshift/sqlshift/internal/core"
)

var epoch = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func at(ms int) time.Time {
	return epoch.Add(time.Duration(ms) * time.Millisecond)
}

func newTestLimiter(t *testing.T, max int, window, throttle time.Duration) *RateLimiter {
	t.Helper()
	limiter, err := NewRateLimiter(core.RateLimitConfig{
		MaxRequests: max,
		Window:      window,
		Throttle:    throttle,
	})
	require.NoError(t, err)
	return limiter
}

func TestRateLimiterWindow(t *testing.T) {
	limiter := newTestLimiter(t, 3, time.Second, 0)
	limiter.Reset(at(0))

	require.True(t, limiter.TryAdmit(at(0)))
	require.True(t, limiter.TryAdmit(at(1)))
	require.True(t, limiter.TryAdmit(at(2)))
	require.False(t, limiter.TryAdmit(at(3)))
	require.False(t, limiter.TryAdmit(at(1000)), "window only rolls once now passes its end")

	require.True(t, limiter.TryAdmit(at(1001)))
	info := limiter.Info(at(1001))
	require.Equal(t, 1, info.Used)
	require.Equal(t, 2, info.Remaining)
	require.Equal(t, at(2001), info.ResetAt)
}

func TestRateLimiterThrottle(t *testing.T) {
	limiter := newTestLimiter(t, 10, time.Minute, 500*time.Millisecond)
	limiter.Reset(at(0))

	require.True(t, limiter.TryAdmit(at(0)))
	require.False(t, limiter.TryAdmit(at(300)))
	require.True(t, limiter.Info(at(300)).IsThrottled)
	require.True(t, limiter.TryAdmit(at(600)))
	require.Equal(t, 2, limiter.Info(at(600)).Used)
}

func TestRateLimiterThrottleDoesNotConsumeQuota(t *testing.T) {
	limiter := newTestLimiter(t, 2, time.Minute, time.Second)
	limiter.Reset(at(0))

	require.True(t, limiter.TryAdmit(at(0)))
	for ms := 100; ms < 1000; ms += 100 {
		require.False(t, limiter.TryAdmit(at(ms)))
	}
	require.Equal(t, 1, limiter.Info(at(999)).Remaining)
}

func TestRateLimiterInfoIsReadOnly(t *testing.T) {
	limiter := newTestLimiter(t, 2, time.Second, 0)
	limiter.Reset(at(0))
	require.True(t, limiter.TryAdmit(at(0)))
	require.True(t, limiter.TryAdmit(at(10)))

	before := limiter.Window()
	info := limiter.Info(at(5000))
	require.Equal(t, 0, info.Used, "expired window reports as fresh")
	require.Equal(t, 2, info.Remaining)
	require.Equal(t, before, limiter.Window())
}

func TestRateLimiterInfoRemainingNeverNegative(t *testing.T) {
	limiter := newTestLimiter(t, 4, time.Minute, 0)
	limiter.Reset(at(0))
	for i := 0; i < 4; i++ {
		require.True(t, limiter.TryAdmit(at(i)))
	}
	limiter.ApplySafetyMargin(0.5)

	info := limiter.Info(at(10))
	require.Equal(t, 2, info.Limit)
	require.Equal(t, 0, info.Remaining)
	require.False(t, limiter.TryAdmit(at(11)))
}

func TestRateLimiterResetIsIdempotent(t *testing.T) {
	limiter := newTestLimiter(t, 5, time.Minute, 2*time.Second)
	limiter.Reset(at(0))
	require.True(t, limiter.TryAdmit(at(0)))

	limiter.Reset(at(100))
	first := limiter.Info(at(100))
	limiter.Reset(at(100))
	second := limiter.Info(at(100))

	require.Equal(t, first, second)
	require.Equal(t, 0, second.Used)
	require.False(t, second.IsThrottled)
	require.Nil(t, limiter.Window().LastAdmittedAt)
}

func TestRateLimiterMargin(t *testing.T) {
	limiter := newTestLimiter(t, 10, time.Minute, 0)

	limiter.ApplySafetyMargin(0.9)
	require.Equal(t, 9, limiter.Limit().MaxRequests)

	limiter.ApplySafetyMargin(1.5)
	require.Equal(t, 9, limiter.Limit().MaxRequests, "out-of-range margins are ignored")

	limiter.ApplySafetyMargin(0.01)
	require.Equal(t, 1, limiter.Limit().MaxRequests)
}

func TestNewRateLimiterRejectsInvalidConfig(t *testing.T) {
	_, err := NewRateLimiter(core.RateLimitConfig{MaxRequests: 0, Window: time.Second})
	require.Error(t, err)

	_, err = NewRateLimiter(core.RateLimitConfig{MaxRequests: 1, Window: 0})
	require.Error(t, err)

	_, err = NewRateLimiter(core.RateLimitConfig{MaxRequests: 1, Window: time.Second, Throttle: -time.Second})
	require.Error(t, err)
}

func TestRateLimiterInvariantsUnderRandomTraffic(t *testing.T) {
	const (
		max      = 4
		window   = time.Second
		throttle = 50 * time.Millisecond
	)

	rng := rand.New(rand.NewSource(42))
	for trial := 0; trial < 50; trial++ {
		limiter := newTestLimiter(t, max, window, throttle)
		limiter.Reset(at(0))

		var admitted []time.Time
		now := at(0)
		for i := 0; i < 400; i++ {
			now = now.Add(time.Duration(rng.Intn(120)) * time.Millisecond)
			if limiter.TryAdmit(now) {
				admitted = append(admitted, now)
			}
		}

		for i := 1; i < len(admitted); i++ {
			require.GreaterOrEqual(t, admitted[i].Sub(admitted[i-1]), throttle)
		}

		// Every window opens on an admission; no window may hold more than max.
		for i := range admitted {
			count := 0
			for j := i; j < len(admitted) && !admitted[j].After(admitted[i].Add(window)); j++ {
				count++
			}
			windowStart := admitted[i]
			if isWindowAnchor(admitted, i, window) {
				require.LessOrEqual(t, count, max, "window starting %s", windowStart)
			}
		}
	}
}

// isWindowAnchor reports whether admitted[i] opened a new counting window.
func isWindowAnchor(admitted []time.Time, i int, window time.Duration) bool {
	if i == 0 {
		return true
	}
	anchor := admitted[0]
	for k := 1; k <= i; k++ {
		if admitted[k].After(anchor.Add(window)) {
			anchor = admitted[k]
		}
	}
	return anchor.Equal(admitted[i])
}
