// Package linkquic implements link.Network over QUIC. Streams carry the
// reliable channel and QUIC datagrams (RFC 9221) carry the unreliable one.
package linkquic

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/crossdeck/crossdeck/internal/link"
)

const (
	// ALPNProtocol identifies the crossdeck control protocol during the TLS handshake.
	ALPNProtocol = "crossdeck-v1"
)

var (
	_ link.Network  = (*Network)(nil)
	_ link.Listener = (*listener)(nil)
	_ link.Conn     = (*conn)(nil)
	_ link.Stream   = (*stream)(nil)
)

// ServerConfig returns a TLS configuration with a fresh self-signed certificate.
// Peers on the local network have no PKI to verify against; the session
// handshake establishes identity.
func ServerConfig() (*tls.Config, error) {
	cert, err := generateSelfSignedCert()
	if err != nil {
		return nil, fmt.Errorf("generate self-signed certificate: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{ALPNProtocol},
		MinVersion:   tls.VersionTLS13,
	}, nil
}

// ClientConfig returns a TLS configuration that accepts the server's
// self-signed certificate.
func ClientConfig() *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{ALPNProtocol},
		MinVersion:         tls.VersionTLS13,
	}
}

// DefaultQUICConfig returns the QUIC config used by both sides. Datagrams
// must be enabled on both ends or SendDatagram fails.
func DefaultQUICConfig() *quic.Config {
	return &quic.Config{
		KeepAlivePeriod:    10 * time.Second,
		MaxIdleTimeout:     30 * time.Second,
		MaxIncomingStreams: 16,
		EnableDatagrams:    true,
	}
}

func generateSelfSignedCert() (tls.Certificate, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, err
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	if err != nil {
		return tls.Certificate{}, err
	}

	template := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{Organization: []string{"crossdeck"}},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.Certificate{
		Certificate: [][]byte{certDER},
		PrivateKey:  priv,
	}, nil
}

// Network dials and listens over UDP using QUIC.
type Network struct {
	logger    *slog.Logger
	config    *quic.Config
	udpBuffer int
}

// New returns a QUIC network using DefaultQUICConfig with t applied.
func New(logger *slog.Logger, t Tuning) *Network {
	if logger == nil {
		logger = slog.Default()
	}
	return &Network{logger: logger, config: Tune(nil, t), udpBuffer: t.UDPBuffer}
}

// Listen binds a UDP socket at addr and accepts QUIC connections on it.
func (n *Network) Listen(ctx context.Context, addr string) (link.Listener, error) {
	tlsConfig, err := ServerConfig()
	if err != nil {
		return nil, err
	}
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", addr, err)
	}
	pc, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		n.logger.Error("UDP listen failed", "error", err, "addr", addr)
		return nil, fmt.Errorf("udp listen %s: %w", addr, err)
	}
	if res := setUDPBuffers(pc, n.udpBuffer); res.Err != "" {
		n.logger.Debug("UDP buffer tuning not applied", "requested", res.Requested, "error", res.Err)
	}
	ln, err := quic.Listen(pc, tlsConfig, n.config)
	if err != nil {
		pc.Close()
		n.logger.Error("QUIC listen failed", "error", err, "addr", addr)
		return nil, fmt.Errorf("quic listen %s: %w", addr, err)
	}
	n.logger.Debug("QUIC listener created", "local_addr", ln.Addr())
	return &listener{ln: ln, pc: pc, logger: n.logger}, nil
}

// Dial connects to a QUIC listener at addr.
func (n *Network) Dial(ctx context.Context, addr string) (link.Conn, error) {
	n.logger.Debug("QUIC dial starting", "remote_addr", addr)
	c, err := quic.DialAddr(ctx, addr, ClientConfig(), n.config)
	if err != nil {
		n.logger.Debug("QUIC dial failed", "error", err, "remote_addr", addr)
		return nil, fmt.Errorf("quic dial %s: %w", addr, err)
	}
	n.logger.Debug("QUIC connection established", "remote_addr", c.RemoteAddr())
	return &conn{conn: c, logger: n.logger}, nil
}

type listener struct {
	ln     *quic.Listener
	pc     *net.UDPConn
	logger *slog.Logger
}

func (l *listener) Accept(ctx context.Context) (link.Conn, error) {
	c, err := l.ln.Accept(ctx)
	if err != nil {
		if errors.Is(err, quic.ErrServerClosed) {
			return nil, link.ErrClosed
		}
		return nil, fmt.Errorf("accept QUIC connection: %w", err)
	}
	l.logger.Debug("QUIC connection accepted", "remote_addr", c.RemoteAddr())
	return &conn{conn: c, logger: l.logger}, nil
}

func (l *listener) Addr() net.Addr { return l.ln.Addr() }

// Close stops accepting and releases the socket. quic.Listen does not own
// a socket it was given.
func (l *listener) Close() error {
	err := l.ln.Close()
	l.pc.Close()
	if err != nil && !errors.Is(err, quic.ErrServerClosed) {
		return fmt.Errorf("close QUIC listener: %w", err)
	}
	return nil
}

type conn struct {
	conn   *quic.Conn
	logger *slog.Logger
}

func (c *conn) OpenStream(ctx context.Context) (link.Stream, error) {
	s, err := c.conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, c.mapErr("open QUIC stream", err)
	}
	c.logger.Debug("QUIC stream opened", "stream_id", s.StreamID())
	return &stream{stream: s}, nil
}

func (c *conn) AcceptStream(ctx context.Context) (link.Stream, error) {
	s, err := c.conn.AcceptStream(ctx)
	if err != nil {
		return nil, c.mapErr("accept QUIC stream", err)
	}
	c.logger.Debug("QUIC stream accepted", "stream_id", s.StreamID())
	return &stream{stream: s}, nil
}

func (c *conn) SendDatagram(b []byte) error {
	if err := c.conn.SendDatagram(b); err != nil {
		return c.mapErr("send QUIC datagram", err)
	}
	return nil
}

func (c *conn) ReceiveDatagram(ctx context.Context) ([]byte, error) {
	b, err := c.conn.ReceiveDatagram(ctx)
	if err != nil {
		return nil, c.mapErr("receive QUIC datagram", err)
	}
	return b, nil
}

func (c *conn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

func (c *conn) Done() <-chan struct{} { return c.conn.Context().Done() }

func (c *conn) Close() error {
	if err := c.conn.CloseWithError(0, "closed"); err != nil {
		return fmt.Errorf("close QUIC connection: %w", err)
	}
	return nil
}

// mapErr reports ErrClosed once the connection has terminated so callers can
// tell a finished link from an I/O failure.
func (c *conn) mapErr(op string, err error) error {
	if c.conn.Context().Err() != nil {
		return fmt.Errorf("%s: %w", op, link.ErrClosed)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// stream wraps a quic.Stream. Close ends both directions.
type stream struct {
	stream *quic.Stream
}

func (s *stream) Read(p []byte) (int, error) { return s.stream.Read(p) }
func (s *stream) Write(p []byte) (int, error) { return s.stream.Write(p) }

func (s *stream) Close() error {
	s.stream.CancelRead(0)
	return s.stream.Close()
}
