// Package link abstracts the encrypted point-to-point channel a session runs
// on. A Conn carries ordered, reliable byte streams plus best-effort datagrams.
//
// linkquic provides the production implementation; MemoryNetwork is an
// in-process implementation for tests.
package link

import (
	"context"
	"errors"
	"io"
	"net"
)

// ErrClosed is returned by operations on a closed listener or connection.
var ErrClosed = errors.New("link closed")

// Network creates listeners and outbound connections.
type Network interface {
	// Listen binds addr and returns a Listener for incoming connections.
	Listen(ctx context.Context, addr string) (Listener, error)

	// Dial connects to a listener at addr.
	Dial(ctx context.Context, addr string) (Conn, error)
}

// Listener accepts incoming connections.
type Listener interface {
	Accept(ctx context.Context) (Conn, error)

	// Addr returns the bound address, including the chosen port.
	Addr() net.Addr

	Close() error
}

// Conn is an encrypted connection between two peers.
type Conn interface {
	// OpenStream opens a new bidirectional, reliable, ordered stream.
	OpenStream(ctx context.Context) (Stream, error)

	// AcceptStream waits for the remote peer to open a stream.
	AcceptStream(ctx context.Context) (Stream, error)

	// SendDatagram sends b without delivery or ordering guarantees.
	SendDatagram(b []byte) error

	// ReceiveDatagram blocks until a datagram arrives or ctx is done.
	ReceiveDatagram(ctx context.Context) ([]byte, error)

	RemoteAddr() net.Addr

	// Done is closed once the connection has terminated for any reason.
	Done() <-chan struct{}

	Close() error
}

// Stream is a bidirectional byte stream. Closing it ends both directions.
type Stream interface {
	io.Reader
	io.Writer
	Close() error
}
