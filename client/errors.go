package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrClosed is the base condition every connection-closed failure matches
// via errors.Is, whatever the terminal cause was.
var ErrClosed = errors.New("connection closed")

// TimeoutError reports a call whose deadline expired before a response
// arrived. It is recoverable: the id stays burned, the pending entry is
// gone, and the connection remains usable for further calls.
type TimeoutError struct {
	Method string
	ID     uint64
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("call %s (id %d) timed out awaiting response", e.Method, e.ID)
}

// Unwrap makes errors.Is(err, context.DeadlineExceeded) hold.
func (e *TimeoutError) Unwrap() error { return context.DeadlineExceeded }

// ClosedError reports a call resolved by connection shutdown instead of a
// response. Cause is the terminal error: ErrClosed for a local Close, io.EOF
// for a peer hangup, a *framing.TruncatedStreamError for a stream that died
// mid-frame, or the underlying read error.
type ClosedError struct {
	Cause error
}

func (e *ClosedError) Error() string {
	if e.Cause != nil && !errors.Is(e.Cause, ErrClosed) {
		return fmt.Sprintf("connection closed: %v", e.Cause)
	}
	return ErrClosed.Error()
}

// Unwrap exposes both the base condition and the concrete cause, so
// errors.Is(err, ErrClosed) always holds and the cause stays matchable.
func (e *ClosedError) Unwrap() []error {
	if e.Cause == nil || errors.Is(e.Cause, ErrClosed) {
		return []error{ErrClosed}
	}
	return []error{ErrClosed, e.Cause}
}

// ShapeMismatchError reports a well-formed response whose result does not
// have the shape the caller expected (missing content array, non-text first
// block, and so on). Raw carries the full result for forensics.
type ShapeMismatchError struct {
	Reason string
	Raw    json.RawMessage
}

func (e *ShapeMismatchError) Error() string {
	return "unexpected result shape: " + e.Reason
}

// Retryable reports whether err is a transient call failure (timeout or
// connection loss) that a retry on a fresh attempt could cure. Protocol
// errors and shape mismatches are deterministic and never retryable.
func Retryable(err error) bool {
	var te *TimeoutError
	var ce *ClosedError
	return errors.As(err, &te) || errors.As(err, &ce)
}
