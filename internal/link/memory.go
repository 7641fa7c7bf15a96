package link

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
)

// MemoryHost is the host part of every MemoryNetwork address.
const MemoryHost = "memory"

// MemoryNetwork is an in-process Network for tests. Listeners get addresses
// "memory:<port>"; Dial connects two in-memory Conns backed by io.Pipe streams
// and buffered datagram channels.
type MemoryNetwork struct {
	mu        sync.Mutex
	nextPort  int
	listeners map[string]*memListener

	// DatagramBuffer is the per-direction datagram queue; overflow is dropped.
	DatagramBuffer int
}

// NewMemoryNetwork returns an empty network.
func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{
		nextPort:       40000,
		listeners:      make(map[string]*memListener),
		DatagramBuffer: 64,
	}
}

var _ Network = (*MemoryNetwork)(nil)

type memAddr string

func (a memAddr) Network() string { return "memory" }
func (a memAddr) String() string { return string(a) }

// Listen ignores the requested port unless it is explicit and free.
func (n *MemoryNetwork) Listen(ctx context.Context, addr string) (Listener, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	port := 0
	if _, p, err := net.SplitHostPort(addr); err == nil {
		port, _ = strconv.Atoi(p)
	}
	if port == 0 {
		n.nextPort++
		port = n.nextPort
	}
	key := net.JoinHostPort(MemoryHost, strconv.Itoa(port))
	if _, taken := n.listeners[key]; taken {
		return nil, fmt.Errorf("listen %s: address in use", key)
	}
	l := &memListener{
		network: n,
		addr:    memAddr(key),
		accept:  make(chan *memConn, 16),
		done:    make(chan struct{}),
	}
	n.listeners[key] = l
	return l, nil
}

// Dial connects to the listener bound at addr.
func (n *MemoryNetwork) Dial(ctx context.Context, addr string) (Conn, error) {
	n.mu.Lock()
	l, ok := n.listeners[addr]
	n.nextPort++
	local := memAddr(net.JoinHostPort(MemoryHost, strconv.Itoa(n.nextPort)))
	buf := n.DatagramBuffer
	n.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("dial %s: connection refused", addr)
	}

	shared := &memShared{done: make(chan struct{})}
	client := &memConn{
		shared:  shared,
		remote:  l.addr,
		streams: make(chan *memStream, 16),
		dgrams:  make(chan []byte, buf),
	}
	server := &memConn{
		shared:  shared,
		remote:  local,
		streams: make(chan *memStream, 16),
		dgrams:  make(chan []byte, buf),
	}
	client.other, server.other = server, client

	select {
	case l.accept <- server:
		return client, nil
	case <-l.done:
		return nil, fmt.Errorf("dial %s: connection refused", addr)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (n *MemoryNetwork) unbind(key string) {
	n.mu.Lock()
	delete(n.listeners, key)
	n.mu.Unlock()
}

type memListener struct {
	network *MemoryNetwork
	addr    memAddr
	accept  chan *memConn
	done    chan struct{}
	once    sync.Once
}

func (l *memListener) Accept(ctx context.Context) (Conn, error) {
	select {
	case c := <-l.accept:
		return c, nil
	case <-l.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *memListener) Addr() net.Addr { return l.addr }

func (l *memListener) Close() error {
	l.once.Do(func() {
		close(l.done)
		l.network.unbind(string(l.addr))
	})
	return nil
}

// memShared is the state both ends of one connection observe.
type memShared struct {
	mu      sync.Mutex
	done    chan struct{}
	once    sync.Once
	streams []*memStream
}

func (s *memShared) track(st ...*memStream) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.done:
		return false
	default:
	}
	s.streams = append(s.streams, st...)
	return true
}

func (s *memShared) close() {
	s.once.Do(func() {
		close(s.done)
		s.mu.Lock()
		streams := s.streams
		s.streams = nil
		s.mu.Unlock()
		for _, st := range streams {
			st.Close()
		}
	})
}

type memConn struct {
	shared  *memShared
	other   *memConn
	remote  memAddr
	streams chan *memStream
	dgrams  chan []byte
}

func (c *memConn) OpenStream(ctx context.Context) (Stream, error) {
	// local writes -> remote reads, remote writes -> local reads
	lr, rw := io.Pipe()
	rr, lw := io.Pipe()
	local := &memStream{reader: lr, writer: lw}
	remote := &memStream{reader: rr, writer: rw}
	if !c.shared.track(local, remote) {
		return nil, ErrClosed
	}

	select {
	case c.other.streams <- remote:
		return local, nil
	case <-c.shared.done:
		return nil, ErrClosed
	case <-ctx.Done():
		local.Close()
		remote.Close()
		return nil, ctx.Err()
	}
}

func (c *memConn) AcceptStream(ctx context.Context) (Stream, error) {
	select {
	case st := <-c.streams:
		return st, nil
	case <-c.shared.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SendDatagram drops the datagram when the receiver's queue is full.
func (c *memConn) SendDatagram(b []byte) error {
	select {
	case <-c.shared.done:
		return ErrClosed
	default:
	}
	msg := append([]byte(nil), b...)
	select {
	case c.other.dgrams <- msg:
	default:
	}
	return nil
}

func (c *memConn) ReceiveDatagram(ctx context.Context) ([]byte, error) {
	select {
	case b := <-c.dgrams:
		return b, nil
	case <-c.shared.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *memConn) RemoteAddr() net.Addr { return c.remote }
func (c *memConn) Done() <-chan struct{} { return c.shared.done }
func (c *memConn) Close() error { c.shared.close(); return nil }

// memStream is a bidirectional stream backed by two io.Pipes.
type memStream struct {
	reader *io.PipeReader
	writer *io.PipeWriter
}

func (s *memStream) Read(p []byte) (int, error) { return s.reader.Read(p) }
func (s *memStream) Write(p []byte) (int, error) { return s.writer.Write(p) }

func (s *memStream) Close() error {
	s.writer.Close()
	s.reader.Close()
	return nil
}
