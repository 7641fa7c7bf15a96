package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/crossdeck/crossdeck/internal/identity"
	"github.com/crossdeck/crossdeck/internal/link"
	"github.com/crossdeck/crossdeck/pkg/protocol"
)

// peerLink is one established connection to a peer: the control stream, a
// buffered send queue drained by a single writer goroutine, and the
// datagram limiter.
type peerLink struct {
	peer     identity.Peer
	class    protocol.DeviceClass
	outbound bool // we dialed it

	conn    link.Conn
	stream  link.Stream
	send    chan []byte
	limiter *rate.Limiter
	logger  *slog.Logger

	done      chan struct{}
	closeOnce sync.Once
}

func newPeerLink(peer identity.Peer, class protocol.DeviceClass, outbound bool, conn link.Conn, st link.Stream, o *options) *peerLink {
	return &peerLink{
		peer:     peer,
		class:    class,
		outbound: outbound,
		conn:     conn,
		stream:   st,
		send:     make(chan []byte, o.sendQueue),
		limiter:  rate.NewLimiter(o.datagramRate, o.datagramBurst),
		logger:   o.logger.With("peer", peer.DisplayName),
		done:     make(chan struct{}),
	}
}

// close tears the connection down. Safe to call repeatedly.
func (l *peerLink) close() {
	l.closeOnce.Do(func() {
		close(l.done)
		l.stream.Close()
		l.conn.Close()
	})
}

// enqueue queues a data frame without blocking. It reports false when the
// queue is full or the link is gone.
func (l *peerLink) enqueue(data []byte) bool {
	select {
	case <-l.done:
		return false
	default:
	}
	select {
	case l.send <- data:
		return true
	default:
		return false
	}
}

// writeLoop is the only writer of the control stream after the handshake,
// which keeps reliable sends ordered per peer.
func (l *peerLink) writeLoop() {
	for {
		select {
		case <-l.done:
			return
		case <-l.conn.Done():
			l.close()
			return
		case data := <-l.send:
			if err := writeFrame(l.stream, frameData, data); err != nil {
				l.logger.Debug("control stream write failed", "error", err)
				l.close()
				return
			}
		}
	}
}

// readLoop delivers reliable data frames until the stream ends.
func (l *peerLink) readLoop(deliver func(Event)) {
	for {
		typ, body, err := readFrame(l.stream)
		if err != nil {
			l.logger.Debug("control stream ended", "error", err)
			l.close()
			return
		}
		if typ != frameData {
			l.logger.Debug("ignoring unexpected frame", "type", typ)
			continue
		}
		deliver(Event{
			Kind:        EventDataReceived,
			Peer:        l.peer,
			Class:       l.class,
			State:       Connected,
			Data:        body,
			Reliability: Reliable,
		})
	}
}

// datagramLoop delivers unreliable data until the connection ends.
func (l *peerLink) datagramLoop(ctx context.Context, deliver func(Event)) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-l.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		b, err := l.conn.ReceiveDatagram(ctx)
		if err != nil {
			return
		}
		deliver(Event{
			Kind:        EventDataReceived,
			Peer:        l.peer,
			Class:       l.class,
			State:       Connected,
			Data:        b,
			Reliability: Unreliable,
		})
	}
}

// sendDatagram sends b if the limiter allows it. Dropped datagrams are not
// errors: the channel makes no delivery promise.
func (l *peerLink) sendDatagram(b []byte) (sent bool, err error) {
	if !l.limiter.AllowN(time.Now(), 1) {
		return false, nil
	}
	if err := l.conn.SendDatagram(b); err != nil {
		return false, err
	}
	return true, nil
}

// prefers reports whether candidate should replace current as the one link
// kept for a peer. Both sides must reach the same answer: when the two links
// were dialed in opposite directions, the link dialed by the peer with the
// smaller display name wins. Same-direction duplicates are reconnects, so
// the newer link wins.
func prefers(local identity.Peer, current, candidate *peerLink) bool {
	if current.outbound == candidate.outbound {
		return true
	}
	localDials := local.DisplayName < candidate.peer.DisplayName
	return candidate.outbound == localDials
}
