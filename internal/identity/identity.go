// Package identity derives the human-readable name this device uses on the
// local network. The name is computed once per process and never persisted.
package identity

import (
	"os"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Peer identifies a device in discovery and in the session handshake.
// Two peers are the same device when their display names match.
type Peer struct {
	DisplayName string `json:"display_name"`
}

func (p Peer) String() string { return p.DisplayName }

// MaxNameLen keeps names inside a single DNS-SD instance label.
const MaxNameLen = 63

// hostname is swapped in tests.
var hostname = os.Hostname

// New returns the local peer identity. override wins when non-empty, then the
// platform host name, then a generated token. It never fails.
func New(override string) Peer {
	if name := sanitize(override); name != "" {
		return Peer{DisplayName: name}
	}
	if h, err := hostname(); err == nil {
		// Strip the domain part: "studio.local" -> "studio".
		if i := strings.IndexByte(h, '.'); i > 0 {
			h = h[:i]
		}
		if name := sanitize(h); name != "" {
			return Peer{DisplayName: name}
		}
	}
	return Peer{DisplayName: RandomName()}
}

// RandomName returns a fresh "device-xxxxxxxx" token.
func RandomName() string {
	id := uuid.New()
	return "device-" + strings.ReplaceAll(id.String(), "-", "")[:8]
}

func sanitize(name string) string {
	name = strings.TrimSpace(name)
	name = strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, name)
	if len(name) > MaxNameLen {
		name = name[:MaxNameLen]
		for len(name) > 0 && !utf8.ValidString(name) {
			name = name[:len(name)-1]
		}
	}
	return name
}
