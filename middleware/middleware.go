// Package middleware wraps registry calls made by a transport.Conn.
//
// Chain(A, B, C)(invoke) runs A first: A.before, B.before, C.before, invoke, C.after,
// B.after, A.after.
package middleware

import (
	"context"

	"mini-s2s/message"
)

// Invoker sends one request and waits for its reply.
type Invoker func(ctx context.Context, req message.Packet) (message.Packet, error)

type Middleware func(next Invoker) Invoker

// Chain combines middlewares into one. The first argument is the outermost.
func Chain(middlewares ...Middleware) Middleware {
	return func(next Invoker) Invoker {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}

// Op names the call for logs and metrics.
func Op(req message.Packet) string {
	return req.MsgType().String()
}
