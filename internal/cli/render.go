package cli

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"

	"github.com/crossdeck/crossdeck/internal/control"
	"github.com/crossdeck/crossdeck/internal/identity"
	"github.com/crossdeck/crossdeck/pkg/protocol"
)

var (
	green  = color.New(color.FgGreen).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	cyan   = color.New(color.FgCyan).SprintFunc()
	dim    = color.New(color.Faint).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
)

// Renderer prints state changes as one line per event.
type Renderer struct {
	mu      sync.Mutex
	out     io.Writer
	devices map[string]control.ConnectedDevice
	mode    string
	lastErr string
}

// NewRenderer writes to out.
func NewRenderer(out io.Writer) *Renderer {
	return &Renderer{out: out, devices: make(map[string]control.ConnectedDevice)}
}

func (r *Renderer) printf(format string, args ...any) {
	fmt.Fprintf(r.out, "%s %s\n", dim(time.Now().Format("15:04:05")), fmt.Sprintf(format, args...))
}

// State prints what changed since the previous state.
func (r *Renderer) State(s control.State) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if mode := modeOf(s); mode != r.mode {
		r.mode = mode
		r.printf("%s %s as %s (%s)", bold("mode"), mode, cyan(s.Local.DisplayName), s.Class)
	}

	seen := make(map[string]bool, len(s.Devices))
	for _, d := range s.Devices {
		name := d.Peer.DisplayName
		seen[name] = true
		if _, ok := r.devices[name]; !ok {
			r.printf("%s %s (%s)", green("+"), bold(name), d.Class)
		}
		r.devices[name] = d
	}
	gone := make([]string, 0)
	for name := range r.devices {
		if !seen[name] {
			gone = append(gone, name)
		}
	}
	sort.Strings(gone)
	for _, name := range gone {
		delete(r.devices, name)
		r.printf("%s %s", red("-"), name)
	}

	if s.LastError != r.lastErr {
		r.lastErr = s.LastError
		if s.LastError != "" {
			r.printf("%s %s %s", yellow("!"), s.LastError, dim(s.ErrorCode))
		}
	}
}

// Command prints an inbound command.
func (r *Renderer) Command(cmd protocol.Command, from identity.Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]string, 0, len(cmd.Payload))
	for k := range cmd.Payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + cmd.Payload[k].String()
	}
	r.printf("%s %s from %s %s", cyan("<"), bold(cmd.Type.String()), from.DisplayName, strings.Join(parts, " "))
}

// Telemetry prints inbound telemetry.
func (r *Renderer) Telemetry(from identity.Peer, data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.printf("%s %s %s", dim("~"), from.DisplayName, strconv.Quote(string(data)))
}

func modeOf(s control.State) string {
	switch {
	case s.Hosting && s.Browsing:
		return "hosting+browsing"
	case s.Hosting:
		return "hosting"
	case s.Browsing:
		return "browsing"
	default:
		return "idle"
	}
}

func typedValue(v string) any {
	switch v {
	case "true":
		return true
	case "false":
		return false
	}
	if i, err := strconv.ParseInt(v, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil && strings.ContainsAny(v, ".eE") {
		return f
	}
	return v
}
