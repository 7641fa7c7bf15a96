// Package session runs the encrypted transport session between this device
// and its peers: the invitation handshake, one control stream per peer for
// reliable data, datagrams for unreliable data, and a single event channel
// reporting peer state changes and received data.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	apperrors "github.com/crossdeck/crossdeck/internal/errors"
	"github.com/crossdeck/crossdeck/internal/identity"
	"github.com/crossdeck/crossdeck/internal/link"
	"github.com/crossdeck/crossdeck/pkg/protocol"
)

// PeerState is the per-peer connection state reported in events.
type PeerState uint8

const (
	NotConnected PeerState = iota
	Connecting
	Connected
)

func (s PeerState) String() string {
	switch s {
	case NotConnected:
		return "notConnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return fmt.Sprintf("PeerState(%d)", uint8(s))
	}
}

// Reliability selects the channel used by Send.
type Reliability uint8

const (
	// Reliable data is ordered per peer and retransmitted.
	Reliable Reliability = iota
	// Unreliable data may be dropped or reordered and is rate limited.
	Unreliable
)

func (r Reliability) String() string {
	if r == Unreliable {
		return "unreliable"
	}
	return "reliable"
}

// EventKind distinguishes the two kinds of session event.
type EventKind uint8

const (
	EventStateChanged EventKind = iota + 1
	EventDataReceived
)

// Event is delivered on the channel returned by Events.
type Event struct {
	Kind  EventKind
	Peer  identity.Peer
	Class protocol.DeviceClass
	// State is the new state for EventStateChanged.
	State PeerState
	// Data and Reliability are set for EventDataReceived.
	Data        []byte
	Reliability Reliability
}

// PeerInfo describes a connected peer.
type PeerInfo struct {
	Peer  identity.Peer
	Class protocol.DeviceClass
}

// Invitation is an inbound connection request awaiting a decision.
type Invitation struct {
	Peer       identity.Peer
	Class      protocol.DeviceClass
	Context    []byte
	RemoteAddr net.Addr
}

// AcceptFunc decides whether an invitation is accepted.
type AcceptFunc func(Invitation) bool

var (
	// ErrClosed is returned once Close has been called.
	ErrClosed = errors.New("session closed")
	// ErrDeclined is returned by Invite when the remote side refused.
	ErrDeclined = errors.New("invitation declined")
	// ErrDuplicateLink is returned by Invite when the remote side already
	// holds the link that wins the duplicate tie-break.
	ErrDuplicateLink = errors.New("peer already connected")
)

const declineDuplicate = "duplicate"

type options struct {
	logger           *slog.Logger
	sendQueue        int
	eventBuffer      int
	handshakeTimeout time.Duration
	datagramRate     rate.Limit
	datagramBurst    int
	replaceGrace     time.Duration
}

// Option configures a Session.
type Option func(*options)

// WithLogger sets the session logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithSendQueue sets the per-peer reliable send queue length. A full queue
// makes Send fail with a transport error.
func WithSendQueue(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.sendQueue = n
		}
	}
}

// WithEventBuffer sets the capacity of the event channel.
func WithEventBuffer(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.eventBuffer = n
		}
	}
}

// WithHandshakeTimeout bounds how long an accepted connection may take to
// complete the hello/welcome exchange.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.handshakeTimeout = d
		}
	}
}

// WithDatagramLimit sets the per-peer rate limit of the unreliable channel.
func WithDatagramLimit(perSecond float64, burst int) Option {
	return func(o *options) {
		if perSecond > 0 && burst > 0 {
			o.datagramRate = rate.Limit(perSecond)
			o.datagramBurst = burst
		}
	}
}

// Session owns every link of one hosting/browsing episode.
type Session struct {
	local   identity.Peer
	class   protocol.DeviceClass
	network link.Network
	opts    options
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	events chan Event
	wg     sync.WaitGroup

	mu        sync.Mutex
	closed    bool
	links     map[string]*peerLink // display name -> current link
	retired   map[*peerLink]struct{}
	listeners []link.Listener

	// stateMu orders state events. Each one is derived from links and
	// in-flight handshakes at emit time, so a late failure cannot report a
	// peer as gone after another link registered.
	stateMu  sync.Mutex
	reported map[string]PeerState
	attempts map[string]int
}

// New creates a session for the local peer on network.
func New(local identity.Peer, class protocol.DeviceClass, network link.Network, opts ...Option) *Session {
	o := options{
		logger:           slog.Default(),
		sendQueue:        256,
		eventBuffer:      256,
		handshakeTimeout: 10 * time.Second,
		datagramRate:     60,
		datagramBurst:    10,
		replaceGrace:     2 * time.Second,
	}
	for _, opt := range opts {
		opt(&o)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		local:   local,
		class:   class,
		network: network,
		opts:    o,
		logger:  o.logger,
		ctx:     ctx,
		cancel:  cancel,
		events:  make(chan Event, o.eventBuffer),
		links:    make(map[string]*peerLink),
		retired:  make(map[*peerLink]struct{}),
		reported: make(map[string]PeerState),
		attempts: make(map[string]int),
	}
}

// Local returns the identity this session presents to peers.
func (s *Session) Local() identity.Peer { return s.local }

// Events returns the event channel. It is closed after Close returns.
func (s *Session) Events() <-chan Event { return s.events }

// enter registers a caller that may emit events. It fails once Close began.
func (s *Session) enter() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.wg.Add(1)
	return nil
}

func (s *Session) emit(ev Event) {
	select {
	case s.events <- ev:
	case <-s.ctx.Done():
	}
}

// Listen binds a listener for inbound invitations. The session closes it on
// Close.
func (s *Session) Listen(ctx context.Context, addr string) (link.Listener, error) {
	if err := s.enter(); err != nil {
		return nil, err
	}
	defer s.wg.Done()

	ln, err := s.network.Listen(ctx, addr)
	if err != nil {
		return nil, apperrors.Transport("listen "+addr, err)
	}
	s.mu.Lock()
	s.listeners = append(s.listeners, ln)
	s.mu.Unlock()
	s.logger.Info("session listening", "addr", ln.Addr())
	return ln, nil
}

// Serve accepts connections on ln and runs the handshake for each, asking
// accept whether to admit the peer. It returns when ctx is done, the listener
// is closed, or the session is closed.
func (s *Session) Serve(ctx context.Context, ln link.Listener, accept AcceptFunc) error {
	if err := s.enter(); err != nil {
		return err
	}
	defer s.wg.Done()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, link.ErrClosed) {
				return nil
			}
			return apperrors.Transport("accept", err)
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleInbound(ctx, conn, accept)
		}()
	}
}

func (s *Session) handleInbound(ctx context.Context, conn link.Conn, accept AcceptFunc) {
	hctx, cancel := context.WithTimeout(ctx, s.opts.handshakeTimeout)
	defer cancel()
	// Unblocks stream reads if the peer stalls mid-handshake.
	stop := context.AfterFunc(hctx, func() { conn.Close() })

	st, err := conn.AcceptStream(hctx)
	if err != nil {
		s.logger.Debug("inbound connection without control stream", "remote_addr", conn.RemoteAddr(), "error", err)
		conn.Close()
		return
	}
	typ, body, err := readFrame(st)
	if err == nil && typ != frameHello {
		err = fmt.Errorf("expected hello, got frame type %#x", typ)
	}
	var h hello
	if err == nil {
		h, err = decodeHello(body)
	}
	if err != nil {
		s.logger.Debug("inbound handshake failed", "remote_addr", conn.RemoteAddr(), "error", err)
		conn.Close()
		return
	}
	log := s.logger.With("peer", h.Name)

	if h.Version != handshakeVersion {
		log.Warn("declining peer with unsupported handshake version", "version", h.Version)
		s.decline(st, conn, "unsupported version")
		return
	}
	if h.Name == s.local.DisplayName {
		log.Debug("declining connection from self")
		s.decline(st, conn, "self")
		return
	}

	peer := identity.Peer{DisplayName: h.Name}
	inv := Invitation{Peer: peer, Class: h.Class, Context: h.Context, RemoteAddr: conn.RemoteAddr()}
	candidate := newPeerLink(peer, h.Class, false, conn, st, &s.opts)
	if s.keepsCurrent(candidate) {
		log.Debug("declining duplicate link")
		s.decline(st, conn, declineDuplicate)
		return
	}

	s.beginAttempt(peer, h.Class)
	defer s.endAttempt(peer, h.Class)
	if accept != nil && !accept(inv) {
		log.Info("invitation declined by policy")
		s.decline(st, conn, "declined")
		return
	}

	if err := writeFrame(st, frameWelcome, encodeWelcome(welcome{
		Version: handshakeVersion,
		Class:   s.class,
		Name:    s.local.DisplayName,
	})); err != nil {
		log.Debug("failed to send welcome", "error", err)
		conn.Close()
		return
	}
	if !stop() {
		conn.Close()
		return
	}
	s.register(candidate)
}

func (s *Session) decline(st link.Stream, conn link.Conn, reason string) {
	_ = writeFrame(st, frameDecline, encodeDecline(reason))
	st.Close()
	conn.Close()
}

// Invite dials addr and runs the handshake. target is the name discovery
// reported; the returned peer is the name the remote side presented.
func (s *Session) Invite(ctx context.Context, target identity.Peer, addr string, inviteContext []byte) (identity.Peer, error) {
	if err := s.enter(); err != nil {
		return identity.Peer{}, err
	}
	defer s.wg.Done()

	if len(inviteContext) > maxContextLen {
		return identity.Peer{}, fmt.Errorf("invitation context too large: %d bytes", len(inviteContext))
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stopSession := context.AfterFunc(s.ctx, cancel)
	defer stopSession()

	s.beginAttempt(target, protocol.DeviceUnknown)
	defer s.endAttempt(target, protocol.DeviceUnknown)
	peer, err := s.invite(ctx, addr, inviteContext)
	switch {
	case err == nil:
	case s.ctx.Err() != nil:
		err = ErrClosed
	case ctx.Err() != nil && !errors.Is(err, ErrDeclined) && !errors.Is(err, ErrDuplicateLink):
		// I/O errors caused by the deadline closing the connection.
		err = ctx.Err()
	}
	if err != nil {
		return identity.Peer{}, err
	}
	return peer, nil
}

func (s *Session) invite(ctx context.Context, addr string, inviteContext []byte) (identity.Peer, error) {
	conn, err := s.network.Dial(ctx, addr)
	if err != nil {
		return identity.Peer{}, apperrors.Transport("dial "+addr, err)
	}
	stop := context.AfterFunc(ctx, func() { conn.Close() })

	st, err := conn.OpenStream(ctx)
	if err != nil {
		conn.Close()
		return identity.Peer{}, apperrors.Transport("open control stream", err)
	}
	err = writeFrame(st, frameHello, encodeHello(hello{
		Version: handshakeVersion,
		Class:   s.class,
		Name:    s.local.DisplayName,
		Context: inviteContext,
	}))
	if err != nil {
		conn.Close()
		return identity.Peer{}, apperrors.Transport("send hello", err)
	}

	typ, body, err := readFrame(st)
	if err != nil {
		conn.Close()
		if ctx.Err() != nil {
			return identity.Peer{}, ctx.Err()
		}
		return identity.Peer{}, apperrors.Transport("read handshake reply", err)
	}
	switch typ {
	case frameDecline:
		conn.Close()
		reason := decodeDecline(body)
		if reason == declineDuplicate {
			return identity.Peer{}, ErrDuplicateLink
		}
		return identity.Peer{}, fmt.Errorf("%w: %s", ErrDeclined, reason)
	case frameWelcome:
	default:
		conn.Close()
		return identity.Peer{}, apperrors.Transport("handshake", fmt.Errorf("unexpected frame type %#x", typ))
	}

	w, err := decodeWelcome(body)
	if err == nil && w.Version != handshakeVersion {
		err = fmt.Errorf("unsupported handshake version %d", w.Version)
	}
	if err != nil {
		conn.Close()
		return identity.Peer{}, apperrors.Transport("handshake", err)
	}
	if !stop() {
		conn.Close()
		return identity.Peer{}, ctx.Err()
	}

	peer := identity.Peer{DisplayName: w.Name}
	if !s.register(newPeerLink(peer, w.Class, true, conn, st, &s.opts)) {
		if s.IsConnected(peer.DisplayName) {
			return peer, ErrDuplicateLink
		}
		return identity.Peer{}, ErrClosed
	}
	return peer, nil
}

// keepsCurrent reports whether an existing live link beats candidate.
func (s *Session) keepsCurrent(candidate *peerLink) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.links[candidate.peer.DisplayName]
	return ok && !prefers(s.local, cur, candidate)
}

// register installs l as the current link for its peer, applying the
// duplicate tie-break, and starts its goroutines. It reports whether l was
// kept.
func (s *Session) register(l *peerLink) bool {
	name := l.peer.DisplayName

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		l.close()
		return false
	}
	cur, exists := s.links[name]
	if exists && !prefers(s.local, cur, l) {
		s.mu.Unlock()
		l.logger.Debug("dropping duplicate link", "outbound", l.outbound)
		l.close()
		return false
	}
	s.links[name] = l
	if exists {
		s.retired[cur] = struct{}{}
	}
	s.wg.Add(3)
	s.mu.Unlock()

	if exists {
		l.logger.Debug("replacing duplicate link", "outbound", l.outbound)
		s.retire(cur, l)
	}

	go func() {
		defer s.wg.Done()
		l.writeLoop()
	}()

	// connected is emitted before any data from the link.
	if !exists {
		l.logger.Info("peer connected", "class", l.class, "outbound", l.outbound)
	}
	s.settle(l.peer, l.class)
	go func() {
		defer s.wg.Done()
		l.datagramLoop(s.ctx, s.emit)
	}()
	go func() {
		defer s.wg.Done()
		l.readLoop(s.emit)
		s.unregister(l)
	}()
	return true
}

// retire closes a replaced link. When an inbound link replaces our own
// outbound one, the remote dialer closes the old link once it has registered
// the new one; closing it here first could make the remote report the peer
// as disconnected in between, so it is only closed after a grace period.
func (s *Session) retire(old, replacement *peerLink) {
	if replacement.outbound || !old.outbound {
		old.close()
		return
	}
	t := time.AfterFunc(s.opts.replaceGrace, old.close)
	go func() {
		<-old.done
		t.Stop()
	}()
}

func (s *Session) unregister(l *peerLink) {
	s.mu.Lock()
	current := s.links[l.peer.DisplayName] == l
	if current {
		delete(s.links, l.peer.DisplayName)
	}
	delete(s.retired, l)
	s.mu.Unlock()

	// A replaced link, or one torn down by Close, is no longer current and
	// ends quietly.
	if current {
		l.logger.Info("peer disconnected")
		s.settle(l.peer, l.class)
	}
}

func (s *Session) emitState(peer identity.Peer, class protocol.DeviceClass, state PeerState) {
	s.emit(Event{Kind: EventStateChanged, Peer: peer, Class: class, State: state})
}

// beginAttempt records an in-flight handshake with peer.
func (s *Session) beginAttempt(peer identity.Peer, class protocol.DeviceClass) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	s.attempts[peer.DisplayName]++
	s.settleLocked(peer, class)
}

// endAttempt drops a finished handshake. The peer is reported notConnected
// only if no link is up and no other handshake is pending.
func (s *Session) endAttempt(peer identity.Peer, class protocol.DeviceClass) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	name := peer.DisplayName
	if s.attempts[name]--; s.attempts[name] <= 0 {
		delete(s.attempts, name)
	}
	s.settleLocked(peer, class)
}

// settle emits the peer's current state if it differs from the last one
// reported.
func (s *Session) settle(peer identity.Peer, class protocol.DeviceClass) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	s.settleLocked(peer, class)
}

func (s *Session) settleLocked(peer identity.Peer, class protocol.DeviceClass) {
	name := peer.DisplayName
	s.mu.Lock()
	l, up := s.links[name]
	s.mu.Unlock()

	want := NotConnected
	switch {
	case up:
		want, peer, class = Connected, l.peer, l.class
	case s.attempts[name] > 0:
		want = Connecting
	}
	last, seen := s.reported[name]
	if !seen {
		last = NotConnected
	}
	if last == want {
		return
	}
	if last == Connected && want == Connecting {
		// The link dropped while another handshake is pending.
		s.emitState(peer, class, NotConnected)
	}
	if want == NotConnected {
		delete(s.reported, name)
	} else {
		s.reported[name] = want
	}
	s.emitState(peer, class, want)
}

// Send transmits data to every connected peer named in to. It fails with
// session.no_peers when none of them is connected and with transport.failed
// when any send fails. Unreliable data over the rate limit is dropped
// silently.
func (s *Session) Send(data []byte, to []identity.Peer, reliability Reliability) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return apperrors.ErrNoConnectedPeers
	}
	targets := make([]*peerLink, 0, len(to))
	seen := make(map[string]bool, len(to))
	for _, p := range to {
		if seen[p.DisplayName] {
			continue
		}
		seen[p.DisplayName] = true
		if l, ok := s.links[p.DisplayName]; ok {
			targets = append(targets, l)
		}
	}
	s.mu.Unlock()

	if len(targets) == 0 {
		return apperrors.ErrNoConnectedPeers
	}

	var errs []error
	for _, l := range targets {
		switch reliability {
		case Reliable:
			if !l.enqueue(append([]byte(nil), data...)) {
				errs = append(errs, fmt.Errorf("%s: send queue full or link closed", l.peer))
			}
		case Unreliable:
			if _, err := l.sendDatagram(data); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", l.peer, err))
			}
		}
	}
	if len(errs) > 0 {
		return apperrors.Transport("send", errors.Join(errs...))
	}
	return nil
}

// Peers returns the connected peers sorted by display name.
func (s *Session) Peers() []PeerInfo {
	s.mu.Lock()
	out := make([]PeerInfo, 0, len(s.links))
	for _, l := range s.links {
		out = append(out, PeerInfo{Peer: l.peer, Class: l.class})
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Peer.DisplayName < out[j].Peer.DisplayName })
	return out
}

// IsConnected reports whether a link to the named peer is up.
func (s *Session) IsConnected(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.links[name]
	return ok
}

// Close tears down every link and listener and closes the event channel.
// Safe to call repeatedly.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	listeners := s.listeners
	s.listeners = nil
	links := make([]*peerLink, 0, len(s.links)+len(s.retired))
	for _, l := range s.links {
		links = append(links, l)
	}
	for l := range s.retired {
		links = append(links, l)
	}
	s.links = make(map[string]*peerLink)
	s.retired = make(map[*peerLink]struct{})
	s.mu.Unlock()

	s.cancel()
	for _, ln := range listeners {
		ln.Close()
	}
	for _, l := range links {
		l.close()
	}
	s.wg.Wait()
	close(s.events)
	s.logger.Debug("session closed")
	return nil
}
