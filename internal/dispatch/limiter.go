package dispatch

import (
	"time"

	"golang.org/x/time/rate"
)

// NewLocalLimiter admits limit jobs per window inside a single process.
// It is the fallback when no shared Redis limiter is configured; each
// worker process then gets its own budget.
func NewLocalLimiter(limit int, window time.Duration) *rate.Limiter {
	if limit <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(window/time.Duration(limit)), limit)
}
