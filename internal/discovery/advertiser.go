package discovery

import (
	"context"
	"log/slog"
	"sync"

	apperrors "github.com/crossdeck/crossdeck/internal/errors"
	"github.com/crossdeck/crossdeck/internal/identity"
	"github.com/crossdeck/crossdeck/internal/link"
	"github.com/crossdeck/crossdeck/internal/session"
	"github.com/crossdeck/crossdeck/pkg/protocol"
)

// AdvertiserConfig configures an Advertiser.
type AdvertiserConfig struct {
	// ListenAddr is the session listener address. Default ":0".
	ListenAddr string
	// Class is advertised in the TXT record.
	Class protocol.DeviceClass
	// Policy decides inbound invitations. Default AcceptAll.
	Policy InvitationPolicy
	Logger *slog.Logger
}

// Advertiser makes the local device discoverable and accepts invitations
// into a session.
type Advertiser struct {
	sess    *session.Session
	backend Backend
	cfg     AdvertiserConfig
	logger  *slog.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	stopReg func()
	ln      link.Listener
	done    chan struct{}
}

// NewAdvertiser returns an advertiser for sess. A nil sess makes Start fail
// with session.no_active.
func NewAdvertiser(sess *session.Session, backend Backend, cfg AdvertiserConfig) *Advertiser {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":0"
	}
	if cfg.Policy == nil {
		cfg.Policy = AcceptAll
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Advertiser{sess: sess, backend: backend, cfg: cfg, logger: logger}
}

// Start binds the listener, registers the service and begins accepting
// invitations. Calling Start while running is a no-op.
func (a *Advertiser) Start(ctx context.Context, peer identity.Peer, serviceType string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.running {
		return nil
	}
	if a.sess == nil {
		return apperrors.ErrNoActiveSession
	}
	if err := ValidateServiceType(serviceType); err != nil {
		return apperrors.Wrap(apperrors.CodeConfigInvalid, "service type", err)
	}

	ln, err := a.sess.Listen(ctx, a.cfg.ListenAddr)
	if err != nil {
		return err
	}
	host, port, err := portOf(ln.Addr())
	if err != nil {
		ln.Close()
		return apperrors.Transport("listener address", err)
	}

	svc := Service{
		Instance: peer.DisplayName,
		Host:     host,
		Port:     port,
		Text: []string{
			txtVersion + "=1",
			txtName + "=" + peer.DisplayName,
			txtClass + "=" + a.cfg.Class.String(),
		},
	}
	stopReg, err := a.backend.Register(ctx, serviceType, svc)
	if err != nil {
		ln.Close()
		return apperrors.Wrap(apperrors.CodeDiscovery, "register service", err)
	}

	serveCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := a.sess.Serve(serveCtx, ln, a.cfg.Policy.Decide); err != nil {
			a.logger.Warn("invitation loop stopped", "error", err)
		}
	}()

	a.running = true
	a.cancel = cancel
	a.stopReg = stopReg
	a.ln = ln
	a.done = done
	a.logger.Info("advertising", "instance", peer.DisplayName, "service", serviceType, "port", port)
	return nil
}

// Stop withdraws the advertisement and stops accepting invitations. Links
// already established stay up. Safe to call when not running.
func (a *Advertiser) Stop() {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	a.running = false
	cancel, stopReg, ln, done := a.cancel, a.stopReg, a.ln, a.done
	a.cancel, a.stopReg, a.ln, a.done = nil, nil, nil, nil
	a.mu.Unlock()

	stopReg()
	cancel()
	ln.Close()
	<-done
	a.logger.Info("advertising stopped")
}

// Running reports whether the advertiser is started.
func (a *Advertiser) Running() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.running
}
