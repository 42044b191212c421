package ratelimit

import (
	"context"
	"time"
)

// Result contains the outcome of a rate limit check.
type Result struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration // time until the window resets, set when denied
}

// Limiter gates anonymous upload creation per source IP. Implementations
// fail open: any backend error is logged and treated as allowed, since this
// is a non-critical control and availability wins over strict enforcement.
type Limiter interface {
	Allow(ctx context.Context, sourceIP string) Result

	// Reset clears the counter for one IP; ResetAll clears every counter.
	// Both exist for the development-only clear endpoint.
	Reset(ctx context.Context, sourceIP string) error
	ResetAll(ctx context.Context) (int64, error)
}
