package client

import (
	"encoding/json"
	"fmt"

	"line-rpc/jsonrpc"
)

// ContentBlock is one element of a tool result's content array.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Result is the interpreted form of a tool response.
//
// Text is the primary payload — the first content block's text, which is
// where tool servers put the answer. Raw keeps the full result member for
// callers that need more than the primary payload. IsError set means the
// tool itself failed and Text carries its message; the call was still a
// protocol-level success.
type Result struct {
	Text    string
	Content []ContentBlock
	IsError bool
	Raw     json.RawMessage
}

// Extract classifies a response message into the taxonomy:
//
//   - the error member is set ⇒ the *jsonrpc.Error (a protocol failure)
//   - a result with a content array ⇒ *Result
//   - anything else ⇒ *ShapeMismatchError carrying the raw result
//
// Extract never panics on any input; a response is hostile data until
// proven otherwise.
func Extract(msg *jsonrpc.Message) (*Result, error) {
	if msg.Error != nil {
		return nil, msg.Error
	}
	if msg.Result == nil {
		return nil, &ShapeMismatchError{Reason: "response carries neither result nor error"}
	}

	var body struct {
		Content []ContentBlock `json:"content"`
		IsError bool           `json:"isError"`
	}
	if err := json.Unmarshal(msg.Result, &body); err != nil {
		return nil, &ShapeMismatchError{
			Reason: "result is not an object: " + err.Error(),
			Raw:    msg.Result,
		}
	}
	if len(body.Content) == 0 {
		return nil, &ShapeMismatchError{
			Reason: "result has no content blocks",
			Raw:    msg.Result,
		}
	}
	first := body.Content[0]
	if first.Type != "" && first.Type != "text" {
		return nil, &ShapeMismatchError{
			Reason: fmt.Sprintf("first content block has type %q, not text", first.Type),
			Raw:    msg.Result,
		}
	}
	return &Result{
		Text:    first.Text,
		Content: body.Content,
		IsError: body.IsError,
		Raw:     msg.Result,
	}, nil
}

// ExpectText extracts the primary payload and treats a tool-level failure as
// an error, for callers that only want the happy-path string.
func ExpectText(msg *jsonrpc.Message) (string, error) {
	res, err := Extract(msg)
	if err != nil {
		return "", err
	}
	if res.IsError {
		return "", fmt.Errorf("tool failed: %s", res.Text)
	}
	return res.Text, nil
}
