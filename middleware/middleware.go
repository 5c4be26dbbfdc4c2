package middleware

import (
	"context"

	"line-rpc/jsonrpc"
)

// CallFunc performs one JSON-RPC call: request in, matched response out.
// The request is a template carrying method and params; ids are assigned
// per attempt by the dispatcher underneath, so a retried call never reuses
// an id.
type CallFunc func(ctx context.Context, req *jsonrpc.Message) (*jsonrpc.Message, error)

// Middleware wraps a CallFunc with extra behavior. The same chain works on
// both sides of the wire: around a client's calls and around a server's
// tool dispatch.
type Middleware func(next CallFunc) CallFunc

// Chain 将多个中间件组合成一个中间件
func Chain(middlewares ...Middleware) Middleware {
	return func(next CallFunc) CallFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
