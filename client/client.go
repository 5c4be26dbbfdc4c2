package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"line-rpc/jsonrpc"
	"line-rpc/loadbalance"
	"line-rpc/middleware"
	"line-rpc/registry"
	"line-rpc/transport"
)

// ErrClientClosed is returned by calls made after Close.
var ErrClientClosed = errors.New("client closed")

const (
	defaultPoolSize    = 4
	defaultDialTimeout = 5 * time.Second
)

// Option configures a Client.
type Option func(*Client)

// WithPoolSize caps how many idle connections are kept per server address.
func WithPoolSize(n int) Option {
	return func(c *Client) { c.poolSize = n }
}

// WithDialTimeout bounds connection establishment to a picked instance.
func WithDialTimeout(d time.Duration) Option {
	return func(c *Client) { c.dialTimeout = d }
}

// WithMiddleware wraps every call; the first middleware is outermost.
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(c *Client) { c.mws = append(c.mws, mws...) }
}

// WithConnOptions forwards options to every connection the client dials.
func WithConnOptions(opts ...ConnOption) Option {
	return func(c *Client) { c.connOpts = append(c.connOpts, opts...) }
}

// WithClientInfo sets the identity announced during the per-connection
// initialize handshake.
func WithClientInfo(info ClientInfo) Option {
	return func(c *Client) { c.info = info }
}

// Client calls tools on servers found through a registry, balancing across
// instances and pooling connections per address. Every fresh connection is
// initialized before its first call, so pooled connections always carry a
// completed handshake.
type Client struct {
	registry registry.Registry
	balancer loadbalance.Balancer
	info     ClientInfo
	poolSize int

	dialTimeout time.Duration
	connOpts    []ConnOption
	mws         []middleware.Middleware
	chain       middleware.Middleware

	mu     sync.Mutex
	conns  map[string]chan *Conn // idle connections for each server address
	closed bool
}

// New builds a client over the given discovery and balancing strategy.
func New(reg registry.Registry, bal loadbalance.Balancer, opts ...Option) *Client {
	c := &Client{
		registry:    reg,
		balancer:    bal,
		info:        ClientInfo{Name: "line-rpc", Version: "1.0"},
		poolSize:    defaultPoolSize,
		dialTimeout: defaultDialTimeout,
		conns:       make(map[string]chan *Conn),
	}
	for _, opt := range opts {
		opt(c)
	}
	if len(c.mws) > 0 {
		c.chain = middleware.Chain(c.mws...)
	}
	return c
}

// Call discovers the named server, picks an instance, and performs one call
// on a pooled connection.
func (c *Client) Call(ctx context.Context, server, method string, params any) (*jsonrpc.Message, error) {
	instances, err := c.registry.Discover(server)
	if err != nil {
		return nil, fmt.Errorf("discover %s: %w", server, err)
	}
	instance, err := c.balancer.Pick(instances)
	if err != nil {
		return nil, fmt.Errorf("pick instance for %s: %w", server, err)
	}

	conn, err := c.getConn(ctx, instance.Addr)
	if err != nil {
		return nil, err
	}
	resp, err := c.invoke(ctx, conn, method, params)
	c.putConn(instance.Addr, conn)
	return resp, err
}

// CallTool invokes a tool on the named server and interprets the result.
func (c *Client) CallTool(ctx context.Context, server, tool string, args any) (*Result, error) {
	resp, err := c.Call(ctx, server, "tools/call", callToolParams{Name: tool, Arguments: args})
	if err != nil {
		return nil, err
	}
	return Extract(resp)
}

// ListTools reports what the named server can do.
func (c *Client) ListTools(ctx context.Context, server string) ([]ToolDescription, error) {
	resp, err := c.Call(ctx, server, "tools/list", struct{}{})
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

// invoke runs one call through the middleware chain. The request template
// carries no id: each attempt (a retry middleware may make several) assigns
// a fresh one, because ids are never reused within a connection.
func (c *Client) invoke(ctx context.Context, conn *Conn, method string, params any) (*jsonrpc.Message, error) {
	template, err := jsonrpc.NewNotification(method, params)
	if err != nil {
		return nil, err
	}
	fn := func(ctx context.Context, req *jsonrpc.Message) (*jsonrpc.Message, error) {
		return conn.Call(ctx, req.Method, req.Params)
	}
	if c.chain != nil {
		fn = c.chain(fn)
	}
	return fn(ctx, template)
}

// getConn borrows an idle connection for addr, or dials and initializes a
// fresh one when none is available. Broken idle connections are discarded
// on the way out.
func (c *Client) getConn(ctx context.Context, addr string) (*Conn, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClientClosed
	}
	pool, ok := c.conns[addr]
	if !ok {
		pool = make(chan *Conn, c.poolSize)
		c.conns[addr] = pool
	}
	c.mu.Unlock()

	for {
		select {
		case conn := <-pool:
			if conn.Err() == nil {
				return conn, nil
			}
			conn.Close() // went bad while idle
		default:
			return c.dial(ctx, addr)
		}
	}
}

func (c *Client) dial(ctx context.Context, addr string) (*Conn, error) {
	tr, err := transport.DialTCP(addr, c.dialTimeout)
	if err != nil {
		return nil, err
	}
	conn := NewConn(tr, c.connOpts...)
	if _, err := conn.Initialize(ctx, c.info); err != nil {
		conn.Close()
		return nil, fmt.Errorf("initialize %s: %w", addr, err)
	}
	return conn, nil
}

// putConn returns a healthy connection to its idle pool; broken or surplus
// connections are closed instead.
func (c *Client) putConn(addr string, conn *Conn) {
	if conn.Err() != nil {
		conn.Close()
		return
	}
	c.mu.Lock()
	pool := c.conns[addr]
	closed := c.closed
	c.mu.Unlock()
	if closed || pool == nil {
		conn.Close()
		return
	}
	select {
	case pool <- conn:
	default:
		conn.Close() // idle pool full
	}
}

// Close shuts down every idle connection. Connections currently borrowed by
// in-flight calls are closed as they come back.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	pools := c.conns
	c.conns = nil
	c.mu.Unlock()

	var result *multierror.Error
	for _, pool := range pools {
	drain:
		for {
			select {
			case conn := <-pool:
				if err := conn.Close(); err != nil {
					result = multierror.Append(result, err)
				}
			default:
				break drain
			}
		}
	}
	return result.ErrorOrNil()
}
