package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"mini-s2s/message"
)

// Logging records every call at debug level and failures at warn.
func Logging(logger *zap.Logger) Middleware {
	return func(next Invoker) Invoker {
		return func(ctx context.Context, req message.Packet) (message.Packet, error) {
			start := time.Now()
			resp, err := next(ctx, req)
			fields := []zap.Field{zap.String("op", Op(req)), zap.Duration("duration", time.Since(start))}
			if err != nil {
				logger.Warn("registry call failed", append(fields, zap.Error(err))...)
				return resp, err
			}
			logger.Debug("registry call", fields...)
			return resp, nil
		}
	}
}
