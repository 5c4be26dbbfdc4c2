package middleware

import (
	"context"
	"time"

	"line-rpc/jsonrpc"
)

// TimeOutMiddleware bounds every attempt with its own deadline, tightening
// whatever deadline the caller's context already carries. The dispatcher
// underneath honors context expiry, so narrowing the context is all it
// takes — no watchdog goroutine needed.
func TimeOutMiddleware(timeout time.Duration) Middleware {
	return func(next CallFunc) CallFunc {
		return func(ctx context.Context, req *jsonrpc.Message) (*jsonrpc.Message, error) {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			return next(ctx, req)
		}
	}
}
