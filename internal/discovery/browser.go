package discovery

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	apperrors "github.com/crossdeck/crossdeck/internal/errors"
	"github.com/crossdeck/crossdeck/internal/identity"
	"github.com/crossdeck/crossdeck/internal/session"
)

// DefaultInviteTimeout bounds each invitation.
const DefaultInviteTimeout = 30 * time.Second

// BrowserConfig configures a Browser.
type BrowserConfig struct {
	InviteTimeout time.Duration
	// OnError receives invitation failures other than timeouts, declines and
	// duplicate links. Called from browser goroutines.
	OnError func(error)
	Logger  *slog.Logger
}

// Browser finds advertised peers and invites each into the session.
type Browser struct {
	sess    *session.Session
	backend Backend
	cfg     BrowserConfig
	logger  *slog.Logger

	mu      sync.Mutex
	running bool
	self    string
	cancel  context.CancelFunc
	nextTok uint64
	pending map[string]uint64 // instance -> invite token
	wg      sync.WaitGroup
}

// NewBrowser returns a browser for sess. A nil sess makes Start fail with
// session.no_active.
func NewBrowser(sess *session.Session, backend Backend, cfg BrowserConfig) *Browser {
	if cfg.InviteTimeout <= 0 {
		cfg.InviteTimeout = DefaultInviteTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Browser{
		sess:    sess,
		backend: backend,
		cfg:     cfg,
		logger:  logger,
		pending: make(map[string]uint64),
	}
}

// Start begins browsing for serviceType. Calling Start while running is a
// no-op.
func (b *Browser) Start(ctx context.Context, peer identity.Peer, serviceType string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.running {
		return nil
	}
	if b.sess == nil {
		return apperrors.ErrNoActiveSession
	}
	if err := ValidateServiceType(serviceType); err != nil {
		return apperrors.Wrap(apperrors.CodeConfigInvalid, "service type", err)
	}

	browseCtx, cancel := context.WithCancel(context.Background())
	b.self = peer.DisplayName
	if err := b.backend.Browse(browseCtx, serviceType, b.found(browseCtx), b.lost); err != nil {
		cancel()
		return apperrors.Wrap(apperrors.CodeDiscovery, "browse", err)
	}
	b.running = true
	b.cancel = cancel
	b.logger.Info("browsing", "service", serviceType)
	return nil
}

// Stop ends browsing and waits for in-flight invitations to finish. Safe to
// call when not running.
func (b *Browser) Stop() {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	b.running = false
	cancel := b.cancel
	b.cancel = nil
	b.pending = make(map[string]uint64)
	b.mu.Unlock()

	cancel()
	b.wg.Wait()
	b.logger.Info("browsing stopped")
}

// Running reports whether the browser is started.
func (b *Browser) Running() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running
}

// Pending returns the number of invitations in flight.
func (b *Browser) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

func (b *Browser) found(ctx context.Context) func(Service) {
	return func(svc Service) {
		name := svc.PeerName()

		b.mu.Lock()
		if !b.running || ctx.Err() != nil {
			b.mu.Unlock()
			return
		}
		if name == b.self || svc.Instance == b.self {
			b.mu.Unlock()
			return
		}
		if _, inFlight := b.pending[svc.Instance]; inFlight || b.sess.IsConnected(name) {
			b.mu.Unlock()
			return
		}
		b.nextTok++
		tok := b.nextTok
		b.pending[svc.Instance] = tok
		b.wg.Add(1)
		b.mu.Unlock()

		go func() {
			defer b.wg.Done()
			b.invite(ctx, svc, name)
			b.clearPending(svc.Instance, tok)
		}()
	}
}

func (b *Browser) invite(ctx context.Context, svc Service, name string) {
	ctx, cancel := context.WithTimeout(ctx, b.cfg.InviteTimeout)
	defer cancel()

	log := b.logger.With("peer", name, "addr", svc.Addr())
	log.Debug("inviting peer")
	_, err := b.sess.Invite(ctx, identity.Peer{DisplayName: name}, svc.Addr(), nil)
	switch {
	case err == nil:
	case errors.Is(err, session.ErrDuplicateLink):
		log.Debug("peer already connected")
	case errors.Is(err, session.ErrDeclined):
		log.Info("invitation declined", "error", err)
	case errors.Is(err, session.ErrClosed):
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		// Timeouts carry no error object.
		log.Info("invitation timed out")
	default:
		log.Warn("invitation failed", "error", err)
		if b.cfg.OnError != nil {
			b.cfg.OnError(err)
		}
	}
}

func (b *Browser) clearPending(instance string, tok uint64) {
	b.mu.Lock()
	if b.pending[instance] == tok {
		delete(b.pending, instance)
	}
	b.mu.Unlock()
}

// lost drops pending-invite bookkeeping only. Connected peers are tracked by
// the session, not by discovery.
func (b *Browser) lost(instance string) {
	b.mu.Lock()
	delete(b.pending, instance)
	b.mu.Unlock()
	b.logger.Debug("peer no longer advertised", "instance", instance)
}
