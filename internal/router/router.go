// Package router dispatches decoded commands to the handler registered for
// their type, gated by what the local device class can execute.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"

	apperrors "github.com/crossdeck/crossdeck/internal/errors"
	"github.com/crossdeck/crossdeck/internal/identity"
	"github.com/crossdeck/crossdeck/pkg/protocol"
)

// Handler executes one command on this device.
type Handler interface {
	Handle(ctx context.Context, cmd protocol.Command, from identity.Peer) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, cmd protocol.Command, from identity.Peer) error

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, cmd protocol.Command, from identity.Peer) error {
	return f(ctx, cmd, from)
}

// Outcome is what Dispatch did with a command.
type Outcome uint8

const (
	// Dispatched: the handler ran and returned nil.
	Dispatched Outcome = iota + 1
	// Unsupported: the local device class cannot execute this type.
	Unsupported
	// Unhandled: supported, but no handler is registered.
	Unhandled
	// Failed: the handler returned an error or panicked.
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Dispatched:
		return "dispatched"
	case Unsupported:
		return "unsupported"
	case Unhandled:
		return "unhandled"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("Outcome(%d)", uint8(o))
	}
}

var allClasses = protocol.DeviceClasses()

// capabilities lists the device classes able to execute each command type.
var capabilities = map[protocol.CommandType][]protocol.DeviceClass{
	protocol.CommandLaunchApp:        {protocol.DevicePhone, protocol.DeviceTablet, protocol.DeviceDesktop, protocol.DeviceTV},
	protocol.CommandOpenURL:          {protocol.DevicePhone, protocol.DeviceTablet, protocol.DeviceDesktop, protocol.DeviceHeadsetXR, protocol.DeviceTV},
	protocol.CommandWatchHaptic:      {protocol.DeviceWatch},
	protocol.CommandStartWorkout:     {protocol.DeviceWatch, protocol.DevicePhone},
	protocol.CommandStopWorkout:      {protocol.DeviceWatch, protocol.DevicePhone},
	protocol.CommandExecuteScript:    {protocol.DeviceDesktop},
	protocol.CommandOpenMacApp:       {protocol.DeviceDesktop},
	protocol.CommandChangeLayout:     {protocol.DeviceTablet, protocol.DeviceDesktop, protocol.DeviceHeadsetXR},
	protocol.CommandControlImmersive: {protocol.DeviceHeadsetXR},
	protocol.CommandUpdateDashboard:  allClasses,
}

// Supports reports whether a device of class can execute commands of type t.
func Supports(class protocol.DeviceClass, t protocol.CommandType) bool {
	for _, c := range capabilities[t] {
		if c == class {
			return true
		}
	}
	return false
}

// SupportedTypes returns the command types class can execute, in type order.
func SupportedTypes(class protocol.DeviceClass) []protocol.CommandType {
	var out []protocol.CommandType
	for _, t := range protocol.CommandTypes() {
		if Supports(class, t) {
			out = append(out, t)
		}
	}
	return out
}

// TypeStats counts dispatch outcomes for one command type.
type TypeStats struct {
	Dispatched  uint64 `json:"dispatched"`
	Unsupported uint64 `json:"unsupported"`
	Unhandled   uint64 `json:"unhandled"`
	Failed      uint64 `json:"failed"`
}

// Stats is a snapshot of dispatch counters keyed by command type name.
type Stats map[string]TypeStats

// Total sums the counters over every type.
func (s Stats) Total() TypeStats {
	var t TypeStats
	for _, ts := range s {
		t.Dispatched += ts.Dispatched
		t.Unsupported += ts.Unsupported
		t.Unhandled += ts.Unhandled
		t.Failed += ts.Failed
	}
	return t
}

// Router holds the dispatch table for one device class.
type Router struct {
	class  protocol.DeviceClass
	logger *slog.Logger

	mu       sync.RWMutex
	handlers map[protocol.CommandType]Handler
	stats    map[protocol.CommandType]*TypeStats
}

// New returns an empty router for the local device class.
func New(class protocol.DeviceClass, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		class:    class,
		logger:   logger,
		handlers: make(map[protocol.CommandType]Handler),
		stats:    make(map[protocol.CommandType]*TypeStats),
	}
}

// Class returns the local device class.
func (r *Router) Class() protocol.DeviceClass { return r.class }

// Handle registers h for t, replacing any previous handler.
func (r *Router) Handle(t protocol.CommandType, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h == nil {
		delete(r.handlers, t)
		return
	}
	r.handlers[t] = h
}

// HandleFunc registers f for t.
func (r *Router) HandleFunc(t protocol.CommandType, f func(ctx context.Context, cmd protocol.Command, from identity.Peer) error) {
	r.Handle(t, HandlerFunc(f))
}

// Dispatch runs the handler for cmd. Commands the local class cannot execute
// are counted and dropped. A handler error or panic is returned as
// command.failed.
func (r *Router) Dispatch(ctx context.Context, cmd protocol.Command, from identity.Peer) (Outcome, error) {
	log := r.logger.With("command", cmd.Type.String(), "peer", from.DisplayName)

	if !Supports(r.class, cmd.Type) {
		r.count(cmd.Type, Unsupported)
		log.Info("command not supported on this device", "class", r.class)
		return Unsupported, nil
	}

	r.mu.RLock()
	h := r.handlers[cmd.Type]
	r.mu.RUnlock()
	if h == nil {
		r.count(cmd.Type, Unhandled)
		log.Debug("no handler registered")
		return Unhandled, nil
	}

	if err := r.invoke(ctx, h, cmd, from); err != nil {
		r.count(cmd.Type, Failed)
		log.Warn("command handler failed", "error", err)
		return Failed, apperrors.Wrap(apperrors.CodeCommandFailed, cmd.Type.String(), err)
	}
	r.count(cmd.Type, Dispatched)
	log.Debug("command dispatched")
	return Dispatched, nil
}

func (r *Router) invoke(ctx context.Context, h Handler, cmd protocol.Command, from identity.Peer) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("command handler panic recovered", "command", cmd.Type.String(), "panic", rec, "stack", string(debug.Stack()))
			err = fmt.Errorf("handler panic: %v", rec)
		}
	}()
	return h.Handle(ctx, cmd, from)
}

func (r *Router) count(t protocol.CommandType, o Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.stats[t]
	if s == nil {
		s = &TypeStats{}
		r.stats[t] = s
	}
	switch o {
	case Dispatched:
		s.Dispatched++
	case Unsupported:
		s.Unsupported++
	case Unhandled:
		s.Unhandled++
	case Failed:
		s.Failed++
	}
}

// Stats returns a copy of the counters.
func (r *Router) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(Stats, len(r.stats))
	for t, s := range r.stats {
		out[t.String()] = *s
	}
	return out
}

// Registered returns the types with a handler, sorted.
func (r *Router) Registered() []protocol.CommandType {
	r.mu.RLock()
	out := make([]protocol.CommandType, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
