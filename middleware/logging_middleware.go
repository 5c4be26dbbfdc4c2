package middleware

import (
	"context"
	"log"
	"time"

	"line-rpc/jsonrpc"
)

// LoggingMiddleware records every call's method, duration, and outcome.
// A nil logger falls back to the process-wide default logger.
func LoggingMiddleware(logger *log.Logger) Middleware {
	if logger == nil {
		logger = log.Default()
	}
	return func(next CallFunc) CallFunc {
		return func(ctx context.Context, req *jsonrpc.Message) (*jsonrpc.Message, error) {
			start := time.Now()
			resp, err := next(ctx, req)
			// Print the method and the time taken to process the call and error if any
			duration := time.Since(start)
			logger.Printf("Method: %s, Duration: %s", req.Method, duration)
			if err != nil {
				logger.Printf("Error: %v", err)
			}
			return resp, err
		}
	}
}
