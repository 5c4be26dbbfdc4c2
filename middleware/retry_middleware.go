package middleware

import (
	"context"
	"errors"
	"io"
	"log"
	"time"

	"line-rpc/jsonrpc"
)

// RetryMiddleware re-attempts transient failures with exponential backoff.
// The retryable predicate decides what counts as transient; nil selects the
// default, which retries deadline expiries and connection loss. Protocol
// errors pass through untouched — the server already gave its answer.
func RetryMiddleware(maxRetries int, baseDelay time.Duration, retryable func(error) bool) Middleware {
	if retryable == nil {
		retryable = transientError
	}
	return func(next CallFunc) CallFunc {
		return func(ctx context.Context, req *jsonrpc.Message) (*jsonrpc.Message, error) {
			resp, err := next(ctx, req)
			for i := 0; i < maxRetries; i++ {
				if err == nil {
					return resp, nil // Success, return response
				}
				if !retryable(err) {
					return resp, err // Non-retryable error, return immediately
				}
				// Log the retry attempt
				log.Printf("Retry attempt %d for %s due to error: %v", i+1, req.Method, err)
				select {
				case <-time.After(baseDelay * time.Duration(1<<i)): // Exponential backoff
				case <-ctx.Done():
					return nil, ctx.Err() // The caller's own deadline is spent
				}
				resp, err = next(ctx, req) // Retry the request
			}
			return resp, err // Return last outcome after retries
		}
	}
}

// transientError is the default retry predicate.
func transientError(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF)
}
