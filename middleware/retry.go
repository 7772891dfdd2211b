package middleware

import (
	"context"
	"errors"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"mini-s2s/errdefs"
	"mini-s2s/message"
)

// Retry repeats calls that failed with a retryable error (see errdefs.IsRetryable),
// doubling the delay after each attempt. A broken connection is not retried here: the
// session reconnects instead.
func Retry(maxRetries int, baseDelay time.Duration, clk clock.Clock, logger *zap.Logger) Middleware {
	return func(next Invoker) Invoker {
		return func(ctx context.Context, req message.Packet) (message.Packet, error) {
			resp, err := next(ctx, req)
			for i := 0; i < maxRetries; i++ {
				if !errdefs.IsRetryable(err) || errors.Is(err, errdefs.ErrTransport) {
					return resp, err
				}
				logger.Debug("retrying registry call",
					zap.String("op", Op(req)), zap.Int("attempt", i+1), zap.Error(err))
				timer := clk.Timer(baseDelay * time.Duration(1<<i))
				select {
				case <-ctx.Done():
					timer.Stop()
					return nil, errdefs.Timeout(ctx.Err())
				case <-timer.C:
				}
				resp, err = next(ctx, req)
			}
			return resp, err
		}
	}
}
