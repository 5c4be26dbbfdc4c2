// Package framing implements the newline-delimited JSON frame protocol used
// by line-oriented tool servers.
//
// It solves TCP's sticky/partial packet problem for this wire: a read may
// carry half a message, several messages, or a message split at any byte, so
// the reader accumulates raw bytes and only emits a message once its
// terminating delimiter has arrived. Naively parsing each read buffer as one
// JSON document breaks as soon as the peer's writes and the local reads stop
// lining up.
//
// Frame format (one message per line):
//
//	{"jsonrpc":"2.0","id":1,"method":"tools/list","params":{}}\n
//	└───────────────── compact JSON body ────────────────────┘└─ delimiter
//
// The body is compact UTF-8 JSON and never contains a raw newline; the
// delimiter is a single '\n'. A trailing '\r' before the delimiter is
// tolerated on input and never produced on output.
package framing

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"line-rpc/jsonrpc"
)

// Delimiter terminates every frame.
const Delimiter byte = '\n'

// ErrDelimiterInBody is returned by Encode for a message whose compact JSON
// encoding still contains a raw newline. Such a message cannot be framed.
var ErrDelimiterInBody = errors.New("framing: message contains a raw newline")

// FramingError reports a delimited segment that is not valid JSON. It is
// recoverable: the reader has already discarded the segment and will resume
// at the next delimiter.
type FramingError struct {
	Raw []byte // the offending segment, delimiter excluded
	Err error  // the underlying JSON parse error
}

func (e *FramingError) Error() string {
	return fmt.Sprintf("framing: invalid frame %s: %v", trimForLog(e.Raw), e.Err)
}

func (e *FramingError) Unwrap() error { return e.Err }

// TruncatedStreamError reports that the stream ended while un-terminated
// bytes remained buffered. It is fatal to the connection: the tail can never
// become a complete frame.
type TruncatedStreamError struct {
	Raw []byte // the unterminated tail
}

func (e *TruncatedStreamError) Error() string {
	return fmt.Sprintf("framing: stream ended with %d unterminated bytes: %s", len(e.Raw), trimForLog(e.Raw))
}

// Unwrap lets callers match the condition with errors.Is(err, io.ErrUnexpectedEOF).
func (e *TruncatedStreamError) Unwrap() error { return io.ErrUnexpectedEOF }

func trimForLog(b []byte) []byte {
	const max = 120
	if len(b) <= max {
		return b
	}
	return append(append([]byte{}, b[:max]...), "..."...)
}

// Frame is one scan result from FrameReader.Feed. Exactly one field is set:
// Msg for a parsed message, Err for a segment that was not valid JSON.
type Frame struct {
	Msg *jsonrpc.Message
	Err *FramingError
}

// FrameReader incrementally extracts frames from an arbitrarily chunked byte
// stream. The zero value is ready to use.
//
// A FrameReader is owned by a single reader goroutine; it is not safe for
// concurrent use.
type FrameReader struct {
	buf []byte // accumulator: received bytes not yet terminated by a delimiter
}

// Feed appends chunk to the accumulator and returns every frame completed by
// it, in stream order. Bytes after the last delimiter stay buffered for the
// next Feed. Malformed segments are reported in-stream as FramingError
// frames; scanning always continues with the following segment.
func (r *FrameReader) Feed(chunk []byte) []Frame {
	r.buf = append(r.buf, chunk...)

	var frames []Frame
	start := 0
	for {
		i := bytes.IndexByte(r.buf[start:], Delimiter)
		if i < 0 {
			break
		}
		seg := r.buf[start : start+i]
		start += i + 1

		// Tolerate CRLF peers.
		if n := len(seg); n > 0 && seg[n-1] == '\r' {
			seg = seg[:n-1]
		}
		// Blank lines are keep-alive noise, not frames.
		if len(seg) == 0 {
			continue
		}

		msg := new(jsonrpc.Message)
		if err := json.Unmarshal(seg, msg); err != nil {
			raw := append([]byte{}, seg...)
			frames = append(frames, Frame{Err: &FramingError{Raw: raw, Err: err}})
			continue
		}
		frames = append(frames, Frame{Msg: msg})
	}

	// Slide the unconsumed tail to the front so the accumulator never grows
	// past one partial frame. Parsed messages and FramingError.Raw hold
	// copies, so compacting in place is safe.
	if start > 0 {
		n := copy(r.buf, r.buf[start:])
		r.buf = r.buf[:n]
	}
	return frames
}

// Finish signals end of stream. It returns a *TruncatedStreamError if the
// accumulator still holds un-terminated bytes, nil otherwise. The buffered
// tail is surrendered to the error rather than silently dropped.
func (r *FrameReader) Finish() error {
	if len(r.buf) == 0 {
		return nil
	}
	raw := append([]byte{}, r.buf...)
	r.buf = r.buf[:0]
	return &TruncatedStreamError{Raw: raw}
}

// Buffered reports how many bytes are accumulated awaiting a delimiter.
func (r *FrameReader) Buffered() int { return len(r.buf) }

// EncodeBytes marshals msg to compact JSON and appends the delimiter,
// returning the complete frame. Caller-supplied raw JSON containing
// insignificant newlines is compacted; a message that still contains a raw
// newline after compaction is rejected with ErrDelimiterInBody.
func EncodeBytes(msg any) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("framing: marshal message: %w", err)
	}
	if bytes.IndexByte(data, Delimiter) >= 0 {
		var compact bytes.Buffer
		if err := json.Compact(&compact, data); err != nil {
			return nil, fmt.Errorf("framing: compact message: %w", err)
		}
		data = compact.Bytes()
		if bytes.IndexByte(data, Delimiter) >= 0 {
			return nil, ErrDelimiterInBody
		}
	}
	return append(data, Delimiter), nil
}

// Encode writes one complete frame (body + delimiter) to w in a single Write
// call, so a frame is never interleaved with another writer's bytes as long
// as every writer goes through Encode. The caller must hold a write lock if
// multiple goroutines share the same writer.
func Encode(w io.Writer, msg any) error {
	frame, err := EncodeBytes(msg)
	if err != nil {
		return err
	}
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("framing: write frame: %w", err)
	}
	return nil
}
