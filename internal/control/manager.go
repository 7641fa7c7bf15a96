// Package control is the single owner of cross-device control state.
//
// A Manager runs one loop goroutine that owns the session, the advertiser,
// the browser, the connected-device list and the inbound history. Public
// methods send requests to the loop; session events arrive on the loop as
// messages tagged with the episode that produced them, so events from a
// torn-down session are ignored. Encoding, decoding and handler dispatch run
// on a separate command worker goroutine. Readers get immutable State
// snapshots without touching the loop.
package control

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/crossdeck/crossdeck/internal/discovery"
	apperrors "github.com/crossdeck/crossdeck/internal/errors"
	"github.com/crossdeck/crossdeck/internal/identity"
	"github.com/crossdeck/crossdeck/internal/link"
	"github.com/crossdeck/crossdeck/internal/meter"
	"github.com/crossdeck/crossdeck/internal/router"
	"github.com/crossdeck/crossdeck/internal/session"
	"github.com/crossdeck/crossdeck/pkg/protocol"
)

// ErrClosed is returned by requests made after Close.
var ErrClosed = errors.New("control manager closed")

// TelemetrySink receives inbound unreliable data. Called on the command
// worker goroutine.
type TelemetrySink func(from identity.Peer, data []byte)

// Options wires a Manager. Peer, Profile, Network and Discovery are required.
type Options struct {
	Peer      identity.Peer
	Profile   Profile
	Network   link.Network
	Discovery discovery.Backend

	// Router dispatches inbound commands. Default: an empty router for the
	// profile's device class.
	Router *router.Router
	// Policy decides inbound invitations. Default: discovery.AcceptAll.
	Policy discovery.InvitationPolicy
	// Telemetry receives inbound unreliable data. Optional.
	Telemetry TelemetrySink

	ServiceType    string
	ListenAddr     string
	InviteTimeout  time.Duration
	HistoryLimit   int
	TelemetryRate  float64
	TelemetryBurst int

	Logger *slog.Logger
}

// DefaultHistoryLimit caps the inbound history when Options leaves it unset.
const DefaultHistoryLimit = 50

const (
	requestQueue = 64
	workerQueue  = 256
)

type taggedEvent struct {
	episode uint64
	ev      session.Event
}

// Manager coordinates hosting, browsing and command exchange.
type Manager struct {
	opts   Options
	logger *slog.Logger
	router *router.Router

	ctx    context.Context
	cancel context.CancelFunc

	requests chan func()
	events   chan taggedEvent
	jobs     chan job
	loopDone chan struct{}
	workDone chan struct{}

	state atomic.Pointer[State]

	subsMu sync.Mutex
	subs   map[chan State]struct{}

	closeOnce sync.Once

	// Owned by the loop goroutine.
	sess      *session.Session
	episode   uint64
	adv       *discovery.Advertiser
	br        *discovery.Browser
	hosting   bool
	browsing  bool
	devices   []ConnectedDevice
	received  []ReceivedCommand
	lastErr   error
	telemetry *meter.Meter
	version   uint64
}

// New starts a manager. Call Close to release it.
func New(opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Policy == nil {
		opts.Policy = discovery.AcceptAll
	}
	if opts.ServiceType == "" {
		opts.ServiceType = "crossdeck-ctl"
	}
	if opts.ListenAddr == "" {
		opts.ListenAddr = ":0"
	}
	if opts.InviteTimeout <= 0 {
		opts.InviteTimeout = discovery.DefaultInviteTimeout
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = DefaultHistoryLimit
	}
	r := opts.Router
	if r == nil {
		r = router.New(opts.Profile.DeviceClass(), opts.Logger.With("component", "router"))
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		opts:      opts,
		logger:    opts.Logger,
		router:    r,
		ctx:       ctx,
		cancel:    cancel,
		requests:  make(chan func(), requestQueue),
		events:    make(chan taggedEvent),
		jobs:      make(chan job, workerQueue),
		loopDone:  make(chan struct{}),
		workDone:  make(chan struct{}),
		subs:      make(map[chan State]struct{}),
		telemetry: meter.New(),
	}
	m.publish()
	go m.loop()
	go m.worker()
	return m
}

// Router returns the router inbound commands are dispatched to, for handler
// registration.
func (m *Manager) Router() *router.Router { return m.router }

func (m *Manager) loop() {
	defer close(m.loopDone)
	for {
		select {
		case <-m.ctx.Done():
			return
		case req := <-m.requests:
			req()
		case te := <-m.events:
			if te.episode != m.episode {
				continue
			}
			m.handleEvent(te.ev)
		}
	}
}

// call runs fn on the loop and waits for it.
func (m *Manager) call(fn func()) error {
	done := make(chan struct{})
	req := func() {
		defer close(done)
		fn()
	}
	select {
	case m.requests <- req:
	case <-m.ctx.Done():
		return ErrClosed
	}
	select {
	case <-done:
		return nil
	case <-m.loopDone:
		return ErrClosed
	}
}

// post runs fn on the loop without waiting.
func (m *Manager) post(fn func()) {
	select {
	case m.requests <- fn:
	case <-m.ctx.Done():
	}
}

// StartHosting advertises this device and accepts invitations. Idempotent.
func (m *Manager) StartHosting() error {
	var err error
	if cerr := m.call(func() { err = m.startHosting() }); cerr != nil {
		return cerr
	}
	return err
}

// StartBrowsing looks for advertising peers and invites them. Idempotent.
func (m *Manager) StartBrowsing() error {
	var err error
	if cerr := m.call(func() { err = m.startBrowsing() }); cerr != nil {
		return cerr
	}
	return err
}

// Disconnect stops hosting and browsing and tears down the session. Safe to
// call repeatedly and from command handlers.
func (m *Manager) Disconnect() {
	m.call(func() {
		m.disconnect()
		m.publish()
	})
}

func (m *Manager) checkEntitled() error {
	if !m.opts.Profile.Entitled() {
		m.setError(apperrors.ErrNotEntitled)
		m.publish()
		return apperrors.ErrNotEntitled
	}
	return nil
}

func (m *Manager) startHosting() error {
	if m.hosting {
		return nil
	}
	if err := m.checkEntitled(); err != nil {
		return err
	}
	m.ensureSession()
	if err := m.adv.Start(m.ctx, m.opts.Peer, m.opts.ServiceType); err != nil {
		m.failStart(err)
		return err
	}
	m.hosting = true
	m.logger.Info("hosting started", "service", m.opts.ServiceType)
	m.publish()
	return nil
}

func (m *Manager) startBrowsing() error {
	if m.browsing {
		return nil
	}
	if err := m.checkEntitled(); err != nil {
		return err
	}
	m.ensureSession()
	if err := m.br.Start(m.ctx, m.opts.Peer, m.opts.ServiceType); err != nil {
		m.failStart(err)
		return err
	}
	m.browsing = true
	m.logger.Info("browsing started", "service", m.opts.ServiceType)
	m.publish()
	return nil
}

// failStart records err and drops the session if nothing else uses it.
func (m *Manager) failStart(err error) {
	m.logger.Error("failed to start", "error", err)
	m.setError(err)
	if !m.hosting && !m.browsing {
		m.teardown()
	}
	m.publish()
}

// ensureSession starts a new episode if no session is active.
func (m *Manager) ensureSession() {
	if m.sess != nil {
		return
	}
	m.episode++
	ep := m.episode
	log := m.logger.With("episode", ep)

	m.sess = session.New(m.opts.Peer, m.opts.Profile.DeviceClass(), m.opts.Network,
		session.WithLogger(log.With("component", "session")),
		session.WithDatagramLimit(m.opts.TelemetryRate, m.opts.TelemetryBurst),
	)
	m.adv = discovery.NewAdvertiser(m.sess, m.opts.Discovery, discovery.AdvertiserConfig{
		ListenAddr: m.opts.ListenAddr,
		Class:      m.opts.Profile.DeviceClass(),
		Policy:     m.opts.Policy,
		Logger:     log.With("component", "advertiser"),
	})
	m.br = discovery.NewBrowser(m.sess, m.opts.Discovery, discovery.BrowserConfig{
		InviteTimeout: m.opts.InviteTimeout,
		Logger:        log.With("component", "browser"),
		OnError: func(err error) {
			// Browser.Stop runs on the loop and waits for this callback.
			go m.post(func() {
				if ep == m.episode {
					m.setError(err)
					m.publish()
				}
			})
		},
	})
	m.telemetry.Reset()
	go m.forward(ep, m.sess.Events())
}

// forward tags a session's events with its episode.
func (m *Manager) forward(ep uint64, events <-chan session.Event) {
	for ev := range events {
		select {
		case m.events <- taggedEvent{episode: ep, ev: ev}:
		case <-m.ctx.Done():
			return
		}
	}
}

func (m *Manager) disconnect() {
	if m.sess == nil && !m.hosting && !m.browsing {
		return
	}
	m.teardown()
	m.logger.Info("disconnected")
}

// teardown closes the session first so in-flight invitations and accepts
// abort, then stops discovery. Later events from the old episode are
// ignored.
func (m *Manager) teardown() {
	m.episode++
	if m.sess != nil {
		m.sess.Close()
	}
	if m.br != nil {
		m.br.Stop()
	}
	if m.adv != nil {
		m.adv.Stop()
	}
	m.sess, m.adv, m.br = nil, nil, nil
	m.hosting, m.browsing = false, false
	m.devices = nil
}

func (m *Manager) handleEvent(ev session.Event) {
	switch ev.Kind {
	case session.EventStateChanged:
		m.handleState(ev)
	case session.EventDataReceived:
		if ev.Reliability == session.Unreliable {
			m.telemetry.Add(len(ev.Data))
			if m.opts.Telemetry != nil {
				m.enqueue(job{kind: jobTelemetryIn, episode: m.episode, from: ev.Peer, data: ev.Data})
			}
			m.publish()
			return
		}
		m.enqueue(job{kind: jobInbound, episode: m.episode, from: ev.Peer, data: ev.Data})
	}
}

func (m *Manager) handleState(ev session.Event) {
	name := ev.Peer.DisplayName
	switch ev.State {
	case session.Connected:
		for i := range m.devices {
			if m.devices[i].Peer.DisplayName == name {
				// Already known: refresh, never duplicate.
				m.devices = append([]ConnectedDevice(nil), m.devices...)
				m.devices[i].Class = ev.Class
				m.devices[i].Reachable = true
				m.publish()
				return
			}
		}
		m.devices = append(append([]ConnectedDevice(nil), m.devices...), ConnectedDevice{
			ID:        uuid.New(),
			Peer:      ev.Peer,
			Class:     ev.Class,
			Reachable: true,
		})
		m.logger.Info("device connected", "peer", name, "class", ev.Class)
		m.publish()
	case session.NotConnected:
		kept := make([]ConnectedDevice, 0, len(m.devices))
		for _, d := range m.devices {
			if d.Peer.DisplayName != name {
				kept = append(kept, d)
			}
		}
		if len(kept) != len(m.devices) {
			m.devices = kept
			m.logger.Info("device disconnected", "peer", name)
			m.publish()
		}
	case session.Connecting:
		m.logger.Debug("device connecting", "peer", name)
	}
}

// enqueue hands a job to the command worker without blocking the loop.
func (m *Manager) enqueue(j job) bool {
	select {
	case m.jobs <- j:
		return true
	default:
		m.logger.Warn("command worker queue full, dropping", "kind", j.kind)
		m.setError(apperrors.Transport("command queue full", nil))
		m.publish()
		return false
	}
}

// SendCommand queues cmd for the connected devices selected by its target
// hint. It returns false, recording the reason in LastError, when there is
// no connected device or the command is invalid. True means accepted for
// transmission, not executed remotely.
func (m *Manager) SendCommand(cmd protocol.Command) bool {
	ok := false
	m.call(func() { ok = m.sendCommand(cmd) })
	return ok
}

func (m *Manager) sendCommand(cmd protocol.Command) bool {
	if err := cmd.Validate(); err != nil {
		m.setError(apperrors.MalformedCommand(err))
		m.publish()
		return false
	}
	if m.sess == nil || len(m.devices) == 0 {
		m.setError(apperrors.ErrNoConnectedPeers)
		m.publish()
		return false
	}
	targets := selectTargets(m.devices, cmd.TargetDeviceHint)
	return m.enqueue(job{kind: jobSend, episode: m.episode, sess: m.sess, cmd: cmd, targets: targets})
}

// SendTelemetry sends data to every connected device over the unreliable
// channel. Data over the rate limit is dropped.
func (m *Manager) SendTelemetry(data []byte) bool {
	ok := false
	m.call(func() {
		if m.sess == nil || len(m.devices) == 0 {
			m.setError(apperrors.ErrNoConnectedPeers)
			m.publish()
			return
		}
		payload := append([]byte(nil), data...)
		ok = m.enqueue(job{kind: jobTelemetryOut, episode: m.episode, sess: m.sess, data: payload, targets: peersOf(m.devices)})
	})
	return ok
}

// selectTargets resolves a target hint: a display name or a device class
// name selects matching devices; an empty or unmatched hint selects all.
func selectTargets(devices []ConnectedDevice, hint string) []identity.Peer {
	hint = strings.TrimSpace(hint)
	if hint == "" {
		return peersOf(devices)
	}
	var out []identity.Peer
	for _, d := range devices {
		if strings.EqualFold(d.Peer.DisplayName, hint) {
			out = append(out, d.Peer)
		}
	}
	if len(out) > 0 {
		return out
	}
	if class, err := protocol.ParseDeviceClass(hint); err == nil {
		for _, d := range devices {
			if d.Class == class {
				out = append(out, d.Peer)
			}
		}
	}
	if len(out) > 0 {
		return out
	}
	return peersOf(devices)
}

func peersOf(devices []ConnectedDevice) []identity.Peer {
	out := make([]identity.Peer, len(devices))
	for i, d := range devices {
		out[i] = d.Peer
	}
	return out
}

func (m *Manager) setError(err error) {
	m.lastErr = err
}

// recordReceived appends to the bounded inbound history.
func (m *Manager) recordReceived(rc ReceivedCommand) {
	next := append([]ReceivedCommand(nil), m.received...)
	next = append(next, rc)
	if over := len(next) - m.opts.HistoryLimit; over > 0 {
		next = next[over:]
	}
	m.received = next
}

// publish stores a new snapshot and notifies subscribers. Loop only.
func (m *Manager) publish() {
	m.version++
	s := &State{
		Version:   m.version,
		Local:     m.opts.Peer,
		Class:     m.opts.Profile.DeviceClass(),
		Hosting:   m.hosting,
		Browsing:  m.browsing,
		Devices:   append([]ConnectedDevice{}, m.devices...),
		Received:  append([]ReceivedCommand{}, m.received...),
		Stats:     m.router.Stats(),
		Telemetry: m.telemetry.Snapshot(),
	}
	if m.lastErr != nil {
		s.ErrorCode, s.LastError = apperrors.ToCodeAndMessage(m.lastErr)
	}
	m.state.Store(s)

	m.subsMu.Lock()
	for ch := range m.subs {
		// Latest wins: replace an unread snapshot.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- *s:
		default:
		}
	}
	m.subsMu.Unlock()
}

// Snapshot returns the latest published state.
func (m *Manager) Snapshot() State { return *m.state.Load() }

// ConnectedDevices returns the connected devices in connection order.
func (m *Manager) ConnectedDevices() []ConnectedDevice { return m.Snapshot().Devices }

// ReceivedCommands returns the inbound history, oldest first.
func (m *Manager) ReceivedCommands() []ReceivedCommand { return m.Snapshot().Received }

// LastError returns the most recent error message, or "".
func (m *Manager) LastError() string { return m.Snapshot().LastError }

// IsHosting reports whether the advertiser is running.
func (m *Manager) IsHosting() bool { return m.Snapshot().Hosting }

// IsBrowsing reports whether the browser is running.
func (m *Manager) IsBrowsing() bool { return m.Snapshot().Browsing }

// Subscribe returns a channel that receives the current state and then
// every later state. Slow readers only see the latest. cancel releases the
// subscription.
func (m *Manager) Subscribe() (<-chan State, func()) {
	ch := make(chan State, 1)
	ch <- m.Snapshot()

	m.subsMu.Lock()
	select {
	case <-m.ctx.Done():
		m.subsMu.Unlock()
		close(ch)
		return ch, func() {}
	default:
	}
	m.subs[ch] = struct{}{}
	m.subsMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.subsMu.Lock()
			if _, ok := m.subs[ch]; ok {
				delete(m.subs, ch)
				close(ch)
			}
			m.subsMu.Unlock()
		})
	}
}

// Close disconnects, stops the loop and the worker and closes subscriber
// channels. Safe to call repeatedly.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		m.call(func() {
			m.disconnect()
			m.publish()
		})
		m.subsMu.Lock()
		m.cancel()
		for ch := range m.subs {
			close(ch)
		}
		m.subs = make(map[chan State]struct{})
		m.subsMu.Unlock()
		<-m.loopDone
		<-m.workDone
	})
	return nil
}
