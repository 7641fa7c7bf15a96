package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/grandcat/zeroconf"
)

const (
	defaultDomain = "local."
	// defaultRefresh is how long one browse round runs. Instances missing
	// from a whole round are reported lost.
	defaultRefresh = 20 * time.Second
)

// Zeroconf is the DNS-SD/mDNS backend.
type Zeroconf struct {
	logger  *slog.Logger
	domain  string
	refresh time.Duration
	ifaces  []net.Interface
	// browse runs one resolver round. Replaced in tests.
	browse func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error
	// retry paces rounds after a failed browse.
	retry func() backoff.BackOff
}

// ZeroconfOption configures a Zeroconf backend.
type ZeroconfOption func(*Zeroconf)

// WithInterfaces limits advertising and browsing to ifaces.
func WithInterfaces(ifaces []net.Interface) ZeroconfOption {
	return func(z *Zeroconf) { z.ifaces = ifaces }
}

// WithRefresh sets the browse round length.
func WithRefresh(d time.Duration) ZeroconfOption {
	return func(z *Zeroconf) {
		if d > 0 {
			z.refresh = d
		}
	}
}

// NewZeroconf returns a backend on the "local." domain.
func NewZeroconf(logger *slog.Logger, opts ...ZeroconfOption) *Zeroconf {
	if logger == nil {
		logger = slog.Default()
	}
	z := &Zeroconf{logger: logger, domain: defaultDomain, refresh: defaultRefresh, retry: browseRetry}
	z.browse = z.resolve
	for _, opt := range opts {
		opt(z)
	}
	return z
}

// browseRetry backs off from 1s to one minute and never gives up.
func browseRetry() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = time.Minute
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}

// dnsServiceType maps "crossdeck-ctl" to "_crossdeck-ctl._udp". QUIC runs
// over UDP.
func dnsServiceType(serviceType string) string {
	return "_" + serviceType + "._udp"
}

// Register advertises svc with mDNS.
func (z *Zeroconf) Register(ctx context.Context, serviceType string, svc Service) (func(), error) {
	server, err := zeroconf.Register(
		svc.Instance,
		dnsServiceType(serviceType),
		z.domain,
		svc.Port,
		svc.Text,
		z.ifaces,
	)
	if err != nil {
		return nil, fmt.Errorf("mdns register: %w", err)
	}
	z.logger.Info("advertising service", "service", dnsServiceType(serviceType), "instance", svc.Instance, "port", svc.Port)
	return server.Shutdown, nil
}

// Browse resolves serviceType in rounds of the refresh length. Every round
// reports all instances it sees; instances seen in the previous round but
// not in this one are reported lost. Failed rounds are retried with backoff
// and never count toward lost.
func (z *Zeroconf) Browse(ctx context.Context, serviceType string, found func(Service), lost func(string)) error {
	go z.browseLoop(ctx, dnsServiceType(serviceType), found, lost)
	return nil
}

// resolve runs one Browse on a fresh resolver; a resolver is bound to one
// Browse call.
func (z *Zeroconf) resolve(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
	var opts []zeroconf.ClientOption
	if len(z.ifaces) > 0 {
		opts = append(opts, zeroconf.SelectIfaces(z.ifaces))
	}
	resolver, err := zeroconf.NewResolver(opts...)
	if err != nil {
		close(entries)
		return fmt.Errorf("mdns resolver: %w", err)
	}
	return resolver.Browse(ctx, service, domain, entries)
}

func (z *Zeroconf) browseLoop(ctx context.Context, service string, found func(Service), lost func(string)) {
	known := map[string]bool{}
	retry := z.retry()
	for {
		seen, err := z.browseRound(ctx, service, found)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			wait := retry.NextBackOff()
			if wait == backoff.Stop {
				z.logger.Warn("mdns browse stopped", "service", service, "error", err)
				return
			}
			z.logger.Warn("mdns browse failed", "service", service, "error", err, "retry_in", wait)
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			continue
		}
		retry.Reset()

		for instance := range known {
			if !seen[instance] {
				lost(instance)
			}
		}
		known = seen
	}
}

// browseRound runs one round. The entries channel is always closed by the
// browse function: zeroconf's Resolver.Browse closes it when its context
// ends, including the cancel on its own error path, so it must not be
// closed here.
func (z *Zeroconf) browseRound(ctx context.Context, service string, found func(Service)) (map[string]bool, error) {
	roundCtx, cancel := context.WithTimeout(ctx, z.refresh)
	defer cancel()

	seen := map[string]bool{}
	entries := make(chan *zeroconf.ServiceEntry)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for entry := range entries {
			svc, ok := serviceFromEntry(entry)
			if !ok {
				continue
			}
			seen[svc.Instance] = true
			found(svc)
		}
	}()

	if err := z.browse(roundCtx, service, z.domain, entries); err != nil {
		cancel()
		<-done
		return seen, err
	}
	<-roundCtx.Done()
	<-done
	return seen, nil
}

func serviceFromEntry(entry *zeroconf.ServiceEntry) (Service, bool) {
	svc := Service{
		Instance: entry.Instance,
		Port:     entry.Port,
		Text:     entry.Text,
	}
	// Prefer IPv4.
	switch {
	case len(entry.AddrIPv4) > 0:
		svc.Host = entry.AddrIPv4[0].String()
	case len(entry.AddrIPv6) > 0:
		svc.Host = entry.AddrIPv6[0].String()
	default:
		return Service{}, false
	}
	return svc, true
}
