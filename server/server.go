// Package server implements the reference line-delimited JSON-RPC tool
// server: tool registration, middleware chain, parallel request processing,
// and graceful shutdown. The library's client packages are exercised against
// it in the integration tests, and it doubles as a usage reference for anyone
// standing up a tool server of their own.
//
// Request processing pipeline:
//
//	Accept conn → handleConn (single goroutine feeds the frame reader)
//	  → for each request: go handleRequest (parallel processing)
//	    → Middleware Chain → dispatch (initialize / ping / tools/*) → write response frame
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"line-rpc/framing"
	"line-rpc/jsonrpc"
	"line-rpc/middleware"
	"line-rpc/registry"
)

// ProtocolVersion is echoed in initialize results.
const ProtocolVersion = "2024-11-05"

const (
	readChunkSize = 4096
	registerTTL   = 10 // seconds; the registry's KeepAlive renews automatically
)

// ToolFunc executes one tool call. args is the raw "arguments" object from
// the request, absent arguments included (nil). A returned error becomes a
// tool-level failure — a result with isError set — not a protocol error:
// the tool failing is an answer, the protocol failing is not.
type ToolFunc func(ctx context.Context, args json.RawMessage) (string, error)

// Tool describes one callable tool.
type Tool struct {
	Name        string
	Description string
	InputSchema json.RawMessage // JSON Schema for the arguments object
	Handler     ToolFunc
}

// Server is a line-delimited JSON-RPC tool server. Register tools and
// middleware first, then call Serve (TCP) or Run (stdio).
type Server struct {
	name    string
	version string
	logger  *log.Logger

	tools       map[string]Tool // Registered tools: "calculator" → Tool. Fixed after Serve/Run.
	middlewares []middleware.Middleware

	listener net.Listener
	connsMu  sync.Mutex
	conns    map[net.Conn]struct{} // Live connections, closed by Shutdown
	wg       sync.WaitGroup        // Tracks in-flight requests for graceful shutdown
	shutdown atomic.Bool           // Set during shutdown to suppress the Accept error

	registry      registry.Registry // nil if not using discovery
	registryName  string            // Name registered for discovery (e.g., "toolbox")
	advertiseAddr string            // Address registered (e.g., "127.0.0.1:8080"), defaults to the listener's
}

// Option configures a Server.
type Option func(*Server)

// WithLogger routes the server's diagnostics to l.
func WithLogger(l *log.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithInfo sets the serverInfo reported by initialize.
func WithInfo(name, version string) Option {
	return func(s *Server) {
		s.name = name
		s.version = version
	}
}

// WithRegistry enables self-registration: Serve registers advertiseAddr under
// serverName, Shutdown deregisters it. Pass an empty advertiseAddr to use the
// listener's actual address — note that ":8080" advertises as "[::]:8080",
// so give a routable address for anything beyond local tests.
func WithRegistry(reg registry.Registry, serverName, advertiseAddr string) Option {
	return func(s *Server) {
		s.registry = reg
		s.registryName = serverName
		s.advertiseAddr = advertiseAddr
	}
}

// New creates a tool server with an empty tool table.
func New(opts ...Option) *Server {
	s := &Server{
		name:    "line-rpc",
		version: "1.0",
		logger:  log.Default(),
		tools:   make(map[string]Tool),
		conns:   make(map[net.Conn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register adds a tool to the table. Register everything before Serve or Run:
// the table is read without locks while serving.
func (s *Server) Register(t Tool) error {
	if t.Name == "" {
		return errors.New("server: tool must have a name")
	}
	if t.Handler == nil {
		return fmt.Errorf("server: tool %q has no handler", t.Name)
	}
	if _, dup := s.tools[t.Name]; dup {
		return fmt.Errorf("server: tool %q already registered", t.Name)
	}
	s.tools[t.Name] = t
	return nil
}

// Use registers middlewares. They are applied in the order they are added.
func (s *Server) Use(mws ...middleware.Middleware) {
	s.middlewares = append(s.middlewares, mws...)
}

// Serve listens on the given address and serves connections until Shutdown.
func (s *Server) Serve(network, address string) error {
	listener, err := net.Listen(network, address)
	if err != nil {
		return err
	}
	return s.ServeListener(listener)
}

// ServeListener serves connections from an existing listener, which is handy
// when the caller needs the bound address of a ":0" listen before serving.
// It returns nil after Shutdown, or the first Accept error otherwise.
func (s *Server) ServeListener(l net.Listener) error {
	s.listener = l

	// Self-register for discovery (if a registry was configured)
	if s.registry != nil {
		if s.advertiseAddr == "" {
			s.advertiseAddr = l.Addr().String()
		}
		inst := registry.ServerInstance{Addr: s.advertiseAddr, Version: s.version}
		if err := s.registry.Register(s.registryName, inst, registerTTL); err != nil {
			l.Close()
			return fmt.Errorf("server: register %q: %w", s.registryName, err)
		}
	}

	// Accept loop: one goroutine per connection
	for {
		conn, err := l.Accept()
		if err != nil {
			// During shutdown, listener.Close() causes Accept to return an
			// error. The shutdown flag distinguishes intentional close from
			// real errors.
			if s.shutdown.Load() {
				return nil
			}
			return err
		}
		s.trackConn(conn, true)
		go s.handleConn(conn)
	}
}

// Run serves a single session over an arbitrary byte stream — the stdio mode
// used when the server runs as a spawned child process. Requests are handled
// sequentially in arrival order, and Run returns once r is exhausted.
func (s *Server) Run(r io.Reader, w io.Writer) error {
	sess := s.newSession(w, false)
	var fr framing.FrameReader
	buf := make([]byte, readChunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			for _, frame := range fr.Feed(buf[:n]) {
				sess.handleFrame(context.Background(), frame)
			}
		}
		if err != nil {
			if err == io.EOF {
				if ferr := fr.Finish(); ferr != nil {
					s.logger.Printf("session ended mid-frame: %v", ferr)
				}
				return nil
			}
			return err
		}
	}
}

// Shutdown performs graceful shutdown:
//  1. Deregister (clients stop routing to this server)
//  2. Set the shutdown flag (so the Accept error is recognized as intentional)
//  3. Close the listener (stop accepting new connections)
//  4. Wait for in-flight requests to finish (with timeout)
//  5. Close the remaining connections
func (s *Server) Shutdown(timeout time.Duration) error {
	// Deregister FIRST — so clients stop sending new requests
	if s.registry != nil {
		if err := s.registry.Deregister(s.registryName, s.advertiseAddr); err != nil {
			s.logger.Printf("deregister %q: %v", s.registryName, err)
		}
	}

	// Set the flag BEFORE closing the listener. If we close first, the Accept
	// error fires before the flag is set, and ServeListener would return a
	// real error instead of nil.
	s.shutdown.Store(true)
	if s.listener != nil {
		s.listener.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-time.After(timeout):
		err = fmt.Errorf("timeout waiting for ongoing requests to finish")
	}

	s.connsMu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.conns = make(map[net.Conn]struct{})
	s.connsMu.Unlock()
	return err
}

func (s *Server) trackConn(conn net.Conn, add bool) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	if add {
		s.conns[conn] = struct{}{}
	} else {
		delete(s.conns, conn)
	}
}

// handleConn processes a single TCP connection.
// Frames are extracted by a single reader (reads must be sequential to find
// message boundaries), but each request runs on its own goroutine — without
// `go`, a slow tool on request 1 would block every request multiplexed
// behind it on the same connection.
func (s *Server) handleConn(conn net.Conn) {
	defer func() {
		s.trackConn(conn, false)
		conn.Close()
	}()

	sess := s.newSession(conn, true)
	var fr framing.FrameReader
	buf := make([]byte, readChunkSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			for _, frame := range fr.Feed(buf[:n]) {
				sess.handleFrame(context.Background(), frame)
			}
		}
		if err != nil {
			return // peer disconnected; a buffered partial frame can never complete
		}
	}
}

// session is the per-connection protocol state: the write half with its
// frame-atomicity lock, the initialize gate, and the middleware chain closed
// over both.
type session struct {
	srv         *Server
	w           io.Writer
	writeMu     sync.Mutex  // Shared by all request goroutines on this connection
	parallel    bool        // TCP sessions dispatch requests on goroutines; stdio stays sequential
	initialized atomic.Bool // Set once initialize has been handled
	handler     middleware.CallFunc
}

func (s *Server) newSession(w io.Writer, parallel bool) *session {
	sess := &session{srv: s, w: w, parallel: parallel}
	// The chain is composed per session because the innermost handler closes
	// over the session's initialize gate.
	sess.handler = middleware.Chain(s.middlewares...)(sess.dispatch)
	return sess
}

// handleFrame routes one frame from the reader: requests are answered,
// notifications are absorbed, unparseable lines get a -32700 with a null id
// (the id was lost with the parse), and scanning continues either way.
func (sess *session) handleFrame(ctx context.Context, frame framing.Frame) {
	if frame.Err != nil {
		sess.srv.logger.Printf("parse error: %v", frame.Err)
		sess.write(jsonrpc.NewErrorResponse(nil, jsonrpc.Errorf(jsonrpc.CodeParseError, "parse error")))
		return
	}

	msg := frame.Msg
	switch {
	case msg.IsRequest():
		sess.srv.wg.Add(1)
		if sess.parallel {
			go sess.handleRequest(ctx, msg)
		} else {
			sess.handleRequest(ctx, msg)
		}
	case msg.IsNotification():
		// notifications/initialized and friends need no reply
	default:
		sess.srv.logger.Printf("ignoring frame that is neither request nor notification")
	}
}

// handleRequest runs one request through the middleware chain and writes the
// response. Tool panics are recovered into internal-error responses so one
// bad handler cannot take down the connection.
func (sess *session) handleRequest(ctx context.Context, req *jsonrpc.Message) {
	defer sess.srv.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			sess.srv.logger.Printf("panic handling %s: %v", req.Method, r)
			sess.write(jsonrpc.NewErrorResponse(req.ID, jsonrpc.Errorf(jsonrpc.CodeInternalError, "internal error: %v", r)))
		}
	}()

	resp, err := sess.handler(ctx, req)
	if err != nil {
		var jerr *jsonrpc.Error
		if !errors.As(err, &jerr) {
			jerr = jsonrpc.Errorf(jsonrpc.CodeInternalError, "%v", err)
		}
		resp = jsonrpc.NewErrorResponse(req.ID, jerr)
	}
	sess.write(resp)
}

// write emits one frame under the session write lock so concurrent request
// goroutines never interleave bytes.
func (sess *session) write(msg *jsonrpc.Message) {
	sess.writeMu.Lock()
	defer sess.writeMu.Unlock()
	if err := framing.Encode(sess.w, msg); err != nil {
		sess.srv.logger.Printf("write response: %v", err)
	}
}

// dispatch routes one request to its protocol handler. It sits at the center
// of the middleware chain.
func (sess *session) dispatch(ctx context.Context, req *jsonrpc.Message) (*jsonrpc.Message, error) {
	s := sess.srv
	switch req.Method {
	case "initialize":
		sess.initialized.Store(true)
		return jsonrpc.NewResponse(req.ID, initializeResult{
			ProtocolVersion: ProtocolVersion,
			ServerInfo:      serverInfo{Name: s.name, Version: s.version},
		})
	case "ping":
		return jsonrpc.NewResponse(req.ID, struct{}{})
	case "tools/list":
		if !sess.initialized.Load() {
			return nil, jsonrpc.Errorf(jsonrpc.CodeInvalidRequest, "server not initialized")
		}
		return jsonrpc.NewResponse(req.ID, listToolsResult{Tools: s.toolList()})
	case "tools/call":
		if !sess.initialized.Load() {
			return nil, jsonrpc.Errorf(jsonrpc.CodeInvalidRequest, "server not initialized")
		}
		return sess.callTool(ctx, req)
	default:
		return nil, jsonrpc.Errorf(jsonrpc.CodeMethodNotFound, "method not found: %s", req.Method)
	}
}

func (sess *session) callTool(ctx context.Context, req *jsonrpc.Message) (*jsonrpc.Message, error) {
	var params struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := req.UnmarshalParams(&params); err != nil {
		return nil, jsonrpc.Errorf(jsonrpc.CodeInvalidParams, "invalid tools/call params: %v", err)
	}
	tool, ok := sess.srv.tools[params.Name]
	if !ok {
		return nil, jsonrpc.Errorf(jsonrpc.CodeInvalidParams, "unknown tool: %s", params.Name)
	}

	text, err := tool.Handler(ctx, params.Arguments)
	result := toolResult{Content: []contentBlock{{Type: "text", Text: text}}}
	if err != nil {
		// The failure is the tool's answer: report it as content with
		// isError set, not as a protocol error.
		result.Content[0].Text = err.Error()
		result.IsError = true
	}
	return jsonrpc.NewResponse(req.ID, result)
}

func (s *Server) toolList() []toolDescription {
	out := make([]toolDescription, 0, len(s.tools))
	for _, t := range s.tools {
		out = append(out, toolDescription{Name: t.Name, Description: t.Description, InputSchema: t.InputSchema})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Wire shapes for the protocol-level results.

type serverInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type initializeResult struct {
	ProtocolVersion string       `json:"protocolVersion"`
	Capabilities    capabilities `json:"capabilities"`
	ServerInfo      serverInfo   `json:"serverInfo"`
}

type capabilities struct {
	Tools struct{} `json:"tools"`
}

type toolDescription struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

type listToolsResult struct {
	Tools []toolDescription `json:"tools"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type toolResult struct {
	Content []contentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}
