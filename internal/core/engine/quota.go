package engine

import (
	"math"
	"time"

	"github.com/sqlshift/sqlshift/internal/core"
)

// SafeBatchSize returns the largest batch that can be dispatched without
// exceeding the remaining window quota. Zero means the caller must wait for
// info.ResetAt before dispatching anything.
func SafeBatchSize(pending int, info core.RateLimitInfo, hardCap int) int {
	size := hardCap
	if info.Remaining < size {
		size = info.Remaining
	}
	if pending < size {
		size = pending
	}
	if size < 0 {
		return 0
	}
	return size
}

// WaitSeconds rounds the time until resetAt up to whole seconds.
func WaitSeconds(now, resetAt time.Time) int {
	wait := resetAt.Sub(now)
	if wait <= 0 {
		return 0
	}
	return int(math.Ceil(wait.Seconds()))
}
