// Package discovery advertises this device on the local network and finds
// peers advertising the same service type.
//
// The Advertiser binds a session listener and registers it with a Backend;
// the Browser watches the Backend and invites every peer it finds into the
// session. Zeroconf is the DNS-SD backend used in production; Memory is an
// in-process backend for tests.
package discovery

import (
	"context"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"

	"github.com/crossdeck/crossdeck/internal/session"
)

// MaxServiceTypeLen is the DNS-SD limit for a service name label.
const MaxServiceTypeLen = 15

var serviceTypeRe = regexp.MustCompile(`^[A-Za-z0-9-]{1,15}$`)

// ValidateServiceType checks serviceType against the DNS-SD naming rules:
// 1-15 characters, ASCII letters, digits and hyphens.
func ValidateServiceType(serviceType string) error {
	if !serviceTypeRe.MatchString(serviceType) {
		return fmt.Errorf("invalid service type %q: want 1-%d characters of [A-Za-z0-9-]", serviceType, MaxServiceTypeLen)
	}
	if strings.HasPrefix(serviceType, "-") || strings.HasSuffix(serviceType, "-") {
		return fmt.Errorf("invalid service type %q: must not start or end with a hyphen", serviceType)
	}
	return nil
}

// Service is one advertised instance.
type Service struct {
	// Instance is the advertised instance name, normally the display name.
	Instance string
	Host     string
	Port     int
	// Text holds key=value metadata records.
	Text []string
}

// Addr returns host:port for dialing.
func (s Service) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// TextValue returns the value of the first key=value record for key.
func (s Service) TextValue(key string) (string, bool) {
	prefix := key + "="
	for _, txt := range s.Text {
		if strings.HasPrefix(txt, prefix) {
			return txt[len(prefix):], true
		}
	}
	return "", false
}

// PeerName returns the display name the service advertises, falling back to
// the instance name.
func (s Service) PeerName() string {
	if name, ok := s.TextValue(txtName); ok && name != "" {
		return name
	}
	return s.Instance
}

// TXT record keys.
const (
	txtVersion = "v"
	txtName    = "name"
	txtClass   = "class"
)

// Backend registers and browses services.
type Backend interface {
	// Register advertises svc under serviceType until stop is called.
	Register(ctx context.Context, serviceType string, svc Service) (stop func(), err error)

	// Browse starts watching serviceType and returns once watching has
	// begun. found is called for every instance seen and lost when one goes
	// away, from backend goroutines, until ctx is done.
	Browse(ctx context.Context, serviceType string, found func(Service), lost func(instance string)) error
}

// InvitationPolicy decides whether an inbound invitation is accepted.
type InvitationPolicy interface {
	Decide(inv session.Invitation) bool
}

// PolicyFunc adapts a function to InvitationPolicy.
type PolicyFunc func(inv session.Invitation) bool

// Decide calls f.
func (f PolicyFunc) Decide(inv session.Invitation) bool { return f(inv) }

// AcceptAll accepts every invitation.
var AcceptAll InvitationPolicy = PolicyFunc(func(session.Invitation) bool { return true })

func portOf(addr net.Addr) (string, int, error) {
	if udp, ok := addr.(*net.UDPAddr); ok {
		return udp.IP.String(), udp.Port, nil
	}
	host, p, err := net.SplitHostPort(addr.String())
	if err != nil {
		return "", 0, fmt.Errorf("listener address %s: %w", addr, err)
	}
	port, err := strconv.Atoi(p)
	if err != nil {
		return "", 0, fmt.Errorf("listener port %s: %w", addr, err)
	}
	return host, port, nil
}
