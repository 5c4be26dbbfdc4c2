package client

import (
	"context"
	"encoding/json"
	"errors"

	"line-rpc/jsonrpc"
)

// ProtocolVersion is the tool-server protocol revision this client speaks.
const ProtocolVersion = "2024-11-05"

// ClientInfo identifies the client during the initialize handshake.
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ServerInfo is the server's self-identification from initialize.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// InitializeResult is the server's half of the handshake.
type InitializeResult struct {
	ProtocolVersion string          `json:"protocolVersion"`
	Capabilities    json.RawMessage `json:"capabilities"`
	ServerInfo      ServerInfo      `json:"serverInfo"`
}

// ToolDescription is one entry of a tools/list result. The client treats
// tool names opaquely; which tools exist is the server's business.
type ToolDescription struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

type initializeParams struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
	ClientInfo      ClientInfo     `json:"clientInfo"`
}

type callToolParams struct {
	Name      string `json:"name"`
	Arguments any    `json:"arguments,omitempty"`
}

// Initialize performs the session handshake: the initialize call followed by
// the initialized notification. Servers gate tool traffic on it.
func (c *Conn) Initialize(ctx context.Context, info ClientInfo) (*InitializeResult, error) {
	resp, err := c.Call(ctx, "initialize", initializeParams{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    map[string]any{"tools": map[string]any{}},
		ClientInfo:      info,
	})
	if err != nil {
		return nil, err
	}
	var out InitializeResult
	if err := unmarshalTyped(resp, &out); err != nil {
		return nil, err
	}
	if err := c.Notify(ctx, "notifications/initialized", nil); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListTools asks the server what it can do.
func (c *Conn) ListTools(ctx context.Context) ([]ToolDescription, error) {
	resp, err := c.Call(ctx, "tools/list", struct{}{})
	if err != nil {
		return nil, err
	}
	var out struct {
		Tools []ToolDescription `json:"tools"`
	}
	if err := unmarshalTyped(resp, &out); err != nil {
		return nil, err
	}
	return out.Tools, nil
}

// CallTool invokes one tool by name and interprets its result.
func (c *Conn) CallTool(ctx context.Context, name string, args any) (*Result, error) {
	resp, err := c.Call(ctx, "tools/call", callToolParams{Name: name, Arguments: args})
	if err != nil {
		return nil, err
	}
	return Extract(resp)
}

// Ping checks that the server is alive and answering.
func (c *Conn) Ping(ctx context.Context) error {
	_, err := c.Call(ctx, "ping", nil)
	return err
}

// unmarshalTyped decodes a result into v, mapping failures onto the
// taxonomy: protocol errors pass through, undecodable results are shape
// mismatches.
func unmarshalTyped(resp *jsonrpc.Message, v any) error {
	err := resp.UnmarshalResult(v)
	if err == nil {
		return nil
	}
	var pe *jsonrpc.Error
	if errors.As(err, &pe) {
		return pe
	}
	return &ShapeMismatchError{Reason: err.Error(), Raw: resp.Result}
}
