package ratelimit

import "context"

// RateLimiter paces outbound gateway sends per scope. Scope is typically the
// target platform so a throttled platform cannot starve the others.
type RateLimiter interface {
	Allow(ctx context.Context, scope string) (bool, error)
	Wait(ctx context.Context, scope string) error
}
