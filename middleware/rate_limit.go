package middleware

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"mini-s2s/errdefs"
	"mini-s2s/message"
)

// RateLimit is a token bucket over outgoing calls. Calls beyond the bucket fail fast
// with errdefs.ErrRateLimited.
func RateLimit(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next Invoker) Invoker {
		return func(ctx context.Context, req message.Packet) (message.Packet, error) {
			if !limiter.Allow() {
				return nil, fmt.Errorf("%s: %w", Op(req), errdefs.ErrRateLimited)
			}
			return next(ctx, req)
		}
	}
}
