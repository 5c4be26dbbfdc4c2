package middleware

import (
	"context"
	"errors"

	"golang.org/x/time/rate"

	"line-rpc/jsonrpc"
)

// ErrRateLimited is returned for calls rejected by RateLimitMiddleware.
var ErrRateLimited = errors.New("rate limit exceeded")

// RateLimitMiddleware 创建一个基于令牌桶算法的限流中间件
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next CallFunc) CallFunc {
		return func(ctx context.Context, req *jsonrpc.Message) (*jsonrpc.Message, error) {
			if !limiter.Allow() {
				return nil, ErrRateLimited
			}
			return next(ctx, req)
		}
	}
}
