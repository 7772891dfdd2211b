package middleware

import (
	"context"
	"time"

	"mini-s2s/errdefs"
	"mini-s2s/message"
)

// Timeout bounds each call. An expired deadline is reported as errdefs.ErrTimeout.
// A zero timeout leaves the caller's context alone.
func Timeout(timeout time.Duration) Middleware {
	return func(next Invoker) Invoker {
		return func(ctx context.Context, req message.Packet) (message.Packet, error) {
			if timeout <= 0 {
				return next(ctx, req)
			}
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			resp, err := next(ctx, req)
			return resp, errdefs.Timeout(err)
		}
	}
}
