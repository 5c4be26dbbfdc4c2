// Package jsonrpc defines the JSON-RPC 2.0 message structure exchanged with
// line-delimited tool servers.
//
// Message is the "envelope" for every exchange. One envelope type covers
// requests, notifications and responses: outbound messages are built with the
// constructors below, inbound messages are parsed by the framing layer and
// classified with IsRequest / IsNotification / IsResponse.
package jsonrpc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// Version is the protocol version stamped on every message.
const Version = "2.0"

// Error codes defined by JSON-RPC 2.0.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Message carries the data for a single request, notification or response.
//
//   - Request:      ID and Method are set, Params holds the argument object.
//   - Notification: Method is set, ID is absent. No response will follow.
//   - Response:     ID is set, Method is absent, and exactly one of Result
//     or Error is set.
//
// Field order matches the wire order produced by the reference clients, so
// marshaling a request yields byte-identical frames.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`     // string or integer, kept raw so it round-trips exactly
	Method  string          `json:"method,omitempty"` // e.g. "initialize", "tools/call"
	Params  json.RawMessage `json:"params,omitempty"` // argument object, pre-marshaled
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error is the JSON-RPC error object carried by failed responses. A response
// whose error member is set is a protocol-level failure: the server handled
// the request and reported a structured error for it.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc: %s (code %d)", e.Message, e.Code)
}

// NewRequest builds a request message. Params are marshaled eagerly so an
// unmarshalable argument fails at the call site, not inside the write path.
// A nil params omits the member entirely; pass an empty struct or map to
// send an explicit "params":{}.
func NewRequest(id uint64, method string, params any) (*Message, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, fmt.Errorf("marshal params for %q: %w", method, err)
	}
	return &Message{
		JSONRPC: Version,
		ID:      json.RawMessage(strconv.AppendUint(nil, id, 10)),
		Method:  method,
		Params:  raw,
	}, nil
}

// NewNotification builds a fire-and-forget message: no id, no response.
func NewNotification(method string, params any) (*Message, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, fmt.Errorf("marshal params for %q: %w", method, err)
	}
	return &Message{JSONRPC: Version, Method: method, Params: raw}, nil
}

// NewResponse builds a success response echoing the request id.
func NewResponse(id json.RawMessage, result any) (*Message, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return &Message{JSONRPC: Version, ID: normalizeID(id), Result: raw}, nil
}

// NewErrorResponse builds an error response. A nil id becomes JSON null,
// which is what a peer that could not parse the request id expects to see.
func NewErrorResponse(id json.RawMessage, e *Error) *Message {
	return &Message{JSONRPC: Version, ID: normalizeID(id), Error: e}
}

// Errorf builds an *Error with a formatted message.
func Errorf(code int, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func marshalParams(params any) (json.RawMessage, error) {
	switch p := params.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		// Pre-marshaled params pass through; an empty one means "absent",
		// not JSON null.
		if len(p) == 0 {
			return nil, nil
		}
		return p, nil
	}
	return json.Marshal(params)
}

func normalizeID(id json.RawMessage) json.RawMessage {
	if len(id) == 0 {
		return json.RawMessage("null")
	}
	return id
}

// IsRequest reports whether m expects a response.
func (m *Message) IsRequest() bool {
	return m.Method != "" && len(m.ID) > 0
}

// IsNotification reports whether m is a request without an id.
func (m *Message) IsNotification() bool {
	return m.Method != "" && len(m.ID) == 0
}

// IsResponse reports whether m answers an earlier request.
func (m *Message) IsResponse() bool {
	return m.Method == "" && len(m.ID) > 0 && (m.Result != nil || m.Error != nil)
}

// UnmarshalResult decodes the result member into v.
func (m *Message) UnmarshalResult(v any) error {
	if m.Error != nil {
		return m.Error
	}
	if m.Result == nil {
		return errors.New("jsonrpc: message has no result")
	}
	return json.Unmarshal(m.Result, v)
}

// UnmarshalParams decodes the params member into v. Absent params decode as
// an empty object so handlers can rely on zero values.
func (m *Message) UnmarshalParams(v any) error {
	if len(m.Params) == 0 {
		return nil
	}
	return json.Unmarshal(m.Params, v)
}

// IDKey returns the canonical pending-table key for a raw id. Keys are the
// compact raw bytes, so the integer 7 and the string "7" never collide.
func IDKey(id json.RawMessage) string {
	return string(bytes.TrimSpace(id))
}
