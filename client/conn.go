// Package client implements the calling side of a line-delimited JSON-RPC
// connection: id-correlated request dispatch, typed response interpretation,
// and a pooled, registry-aware facade over many tool servers.
//
// Conn enables multiple concurrent calls over a single connection. The key
// insight: each request gets a unique id, and one background goroutine
// (recvLoop) continuously reads frames and routes responses to the correct
// caller via pending channels.
//
//	goroutine-1 ──Call(id=1)──┐
//	goroutine-2 ──Call(id=2)──┼──→ single byte stream ──→ tool server
//	goroutine-3 ──Call(id=3)──┘
//
//	recvLoop: ←── response(id=2) → pending["2"] chan ← goroutine-2 wakes up
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"line-rpc/framing"
	"line-rpc/jsonrpc"
	"line-rpc/transport"
)

// DefaultCallTimeout bounds calls whose context carries no deadline. No call
// may block forever: a server that never answers must surface as a timeout,
// not a hang.
const DefaultCallTimeout = 30 * time.Second

// readChunkSize matches the receive buffer the reference clients used.
const readChunkSize = 4096

// NotificationHandler receives server-initiated notifications. It runs on
// the read loop, so it must return quickly.
type NotificationHandler func(method string, params []byte)

// ConnOption configures a Conn.
type ConnOption func(*Conn)

// WithLogger directs stray-response and framing diagnostics to l. The
// default logger discards everything, which is the right behavior for a
// library.
func WithLogger(l *log.Logger) ConnOption {
	return func(c *Conn) { c.logger = l }
}

// WithCallTimeout replaces DefaultCallTimeout for calls without a deadline.
func WithCallTimeout(d time.Duration) ConnOption {
	return func(c *Conn) { c.callTimeout = d }
}

// WithKeepAlive sends a protocol-level ping every interval so half-dead
// connections are noticed before a real call runs into them.
func WithKeepAlive(interval time.Duration) ConnOption {
	return func(c *Conn) { c.keepAlive = interval }
}

// WithNotificationHandler routes server notifications to h instead of the
// log.
func WithNotificationHandler(h NotificationHandler) ConnOption {
	return func(c *Conn) { c.notify = h }
}

// Conn manages a single multiplexed connection to a tool server.
type Conn struct {
	transport   transport.Transport
	logger      *log.Logger
	notify      NotificationHandler
	callTimeout time.Duration
	keepAlive   time.Duration

	seq     atomic.Uint64 // monotonically increasing request id; ids are never reused
	pending sync.Map      // map[string]chan *jsonrpc.Message — each call waits on its own channel

	mu           sync.Mutex    // guards err
	err          error         // terminal error; nil while the connection is healthy
	done         chan struct{} // closed once err is set
	readerExited chan struct{} // closed when recvLoop returns
}

// NewConn starts the dispatcher on an established transport. It owns the
// transport from here on: closing the Conn closes the transport.
func NewConn(t transport.Transport, opts ...ConnOption) *Conn {
	c := &Conn{
		transport:    t,
		logger:       log.New(io.Discard, "", 0),
		callTimeout:  DefaultCallTimeout,
		done:         make(chan struct{}),
		readerExited: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.recvLoop()
	if c.keepAlive > 0 {
		go c.keepAliveLoop(c.keepAlive)
	}
	return c
}

// Call sends one request and blocks until its response arrives, the context
// expires, or the connection dies. Any number of goroutines may call
// concurrently; responses are matched to callers by id, whatever order the
// server answers in.
//
// A context without a deadline gets the connection's default call timeout —
// a timed-out call returns *TimeoutError and leaves the connection fully
// usable; the late response, if it ever shows up, is logged and dropped.
func (c *Conn) Call(ctx context.Context, method string, params any) (*jsonrpc.Message, error) {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.callTimeout)
		defer cancel()
	}

	select {
	case <-c.done:
		return nil, &ClosedError{Cause: c.Err()}
	default:
	}

	id := c.seq.Add(1)
	req, err := jsonrpc.NewRequest(id, method, params)
	if err != nil {
		return nil, err
	}
	frame, err := framing.EncodeBytes(req)
	if err != nil {
		return nil, err
	}

	// Register the response channel BEFORE writing, so a response racing the
	// write always finds its pending entry. Buffered so recvLoop never
	// blocks on delivery.
	key := jsonrpc.IDKey(req.ID)
	respChan := make(chan *jsonrpc.Message, 1)
	c.pending.Store(key, respChan)

	if err := c.transport.Write(frame); err != nil {
		c.pending.Delete(key)
		if cause := c.Err(); cause != nil {
			return nil, &ClosedError{Cause: cause}
		}
		return nil, fmt.Errorf("call %s: %w", method, err)
	}

	select {
	case resp := <-respChan:
		return resp, nil

	case <-ctx.Done():
		c.pending.Delete(key)
		// The response may have been delivered in the same instant the
		// deadline fired; prefer it over reporting a timeout.
		select {
		case resp := <-respChan:
			return resp, nil
		default:
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, &TimeoutError{Method: method, ID: id}
		}
		return nil, ctx.Err()

	case <-c.done:
		c.pending.Delete(key)
		select {
		case resp := <-respChan:
			return resp, nil
		default:
		}
		return nil, &ClosedError{Cause: c.Err()}
	}
}

// Notify sends a fire-and-forget notification. No id is assigned and no
// response is expected.
func (c *Conn) Notify(ctx context.Context, method string, params any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-c.done:
		return &ClosedError{Cause: c.Err()}
	default:
	}

	note, err := jsonrpc.NewNotification(method, params)
	if err != nil {
		return err
	}
	frame, err := framing.EncodeBytes(note)
	if err != nil {
		return err
	}
	if err := c.transport.Write(frame); err != nil {
		if cause := c.Err(); cause != nil {
			return &ClosedError{Cause: cause}
		}
		return fmt.Errorf("notify %s: %w", method, err)
	}
	return nil
}

// Close shuts the connection down and releases every pending caller with a
// connection-closed failure. It is safe to call more than once and safe to
// call with calls in flight.
func (c *Conn) Close() error {
	c.fail(ErrClosed)
	err := c.transport.Close()
	<-c.readerExited // no goroutine touches the transport after Close returns
	return err
}

// Err reports the terminal error, or nil while the connection is healthy.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// fail latches the first terminal error and wakes every pending caller.
// Later causes lose: whoever kills the connection first names the reason.
func (c *Conn) fail(cause error) {
	c.mu.Lock()
	if c.err == nil {
		c.err = cause
		close(c.done)
	}
	c.mu.Unlock()
}

// recvLoop runs in a dedicated goroutine, continuously reading chunks and
// routing completed frames. A single reader owns the FrameReader: the byte
// stream must be consumed sequentially for frame boundaries to mean
// anything, so multiple readers would corrupt the accumulator.
func (c *Conn) recvLoop() {
	defer close(c.readerExited)

	var reader framing.FrameReader
	buf := make([]byte, readChunkSize)
	for {
		n, err := c.transport.ReadChunk(buf)
		if n > 0 {
			for _, frame := range reader.Feed(buf[:n]) {
				c.dispatch(frame)
			}
		}
		if err == nil {
			continue
		}
		if errors.Is(err, io.EOF) {
			// Clean end of stream, unless the peer died mid-frame.
			if terr := reader.Finish(); terr != nil {
				c.fail(terr)
				return
			}
			c.fail(io.EOF)
			return
		}
		c.fail(err)
		return
	}
}

// dispatch routes one frame. Malformed frames and unroutable messages are
// diagnostics, never fatal: the loop must survive anything the peer sends.
func (c *Conn) dispatch(f framing.Frame) {
	if f.Err != nil {
		c.logger.Printf("line-rpc: dropping malformed frame: %v", f.Err)
		return
	}
	msg := f.Msg
	switch {
	case msg.IsResponse():
		key := jsonrpc.IDKey(msg.ID)
		if ch, ok := c.pending.LoadAndDelete(key); ok {
			ch.(chan *jsonrpc.Message) <- msg
		} else {
			// Already timed out, or the server invented an id.
			c.logger.Printf("line-rpc: discarding response for unknown id %s", key)
		}
	case msg.IsNotification():
		if c.notify != nil {
			c.notify(msg.Method, msg.Params)
		} else {
			c.logger.Printf("line-rpc: ignoring notification %q", msg.Method)
		}
	case msg.IsRequest():
		c.logger.Printf("line-rpc: ignoring server-to-client request %q (id %s)", msg.Method, jsonrpc.IDKey(msg.ID))
	default:
		c.logger.Printf("line-rpc: ignoring unclassifiable message")
	}
}

// keepAliveLoop pings the server on the protocol level. A failed ping is
// only logged — the read loop is the sole judge of connection death — but
// the traffic keeps idle-connection reapers away and surfaces half-dead
// links in the log before a real call trips over them.
func (c *Conn) keepAliveLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			err := c.Ping(ctx)
			cancel()
			if err != nil {
				if c.Err() != nil {
					return
				}
				c.logger.Printf("line-rpc: keepalive ping failed: %v", err)
			}
		}
	}
}
