// Package transport provides the byte streams a client speaks line-delimited
// JSON-RPC over: TCP sockets and spawned child processes wired up through
// stdin/stdout.
//
// A Transport carries opaque bytes. Where messages begin and end is the
// framing package's job, and which caller a response belongs to is the
// client package's job; keeping those concerns out of this layer is what
// lets one dispatcher run unchanged over a socket or a child process.
package transport

import (
	"fmt"
	"net"
	"sync"
	"time"
)

// Transport is a duplex byte stream to a tool server.
type Transport interface {
	// Write sends one complete frame (body plus delimiter). The whole
	// buffer goes out in a single underlying Write call, serialized by an
	// internal lock — multiple goroutines share one stream, and writes must
	// be serialized to prevent frame interleaving.
	Write(p []byte) error

	// ReadChunk fills p with whatever bytes the stream has next, up to
	// len(p), and returns how many were read. It blocks until at least one
	// byte arrives, the stream ends (io.EOF), or the transport is closed.
	// Chunks carry no frame alignment whatsoever.
	ReadChunk(p []byte) (n int, err error)

	// Close releases the underlying stream and unblocks any in-flight
	// ReadChunk. Closing twice is safe.
	Close() error
}

// SocketTransport adapts a net.Conn (TCP in production, net.Pipe in tests)
// to the Transport interface.
type SocketTransport struct {
	conn      net.Conn
	writeMu   sync.Mutex // serializes frames from concurrent senders
	closeOnce sync.Once
	closeErr  error
}

// NewSocketTransport wraps an established connection.
func NewSocketTransport(conn net.Conn) *SocketTransport {
	return &SocketTransport{conn: conn}
}

// DialTCP connects to a tool server listening on addr (host:port) with a
// connect timeout and returns the wrapped connection.
func DialTCP(addr string, timeout time.Duration) (*SocketTransport, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", addr, err)
	}
	return NewSocketTransport(conn), nil
}

func (t *SocketTransport) Write(p []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if _, err := t.conn.Write(p); err != nil {
		return fmt.Errorf("transport: write: %w", err)
	}
	return nil
}

func (t *SocketTransport) ReadChunk(p []byte) (int, error) {
	return t.conn.Read(p)
}

func (t *SocketTransport) Close() error {
	t.closeOnce.Do(func() {
		t.closeErr = t.conn.Close()
	})
	return t.closeErr
}
