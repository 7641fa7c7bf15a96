package control

import (
	"time"

	"github.com/google/uuid"

	"github.com/crossdeck/crossdeck/internal/identity"
	"github.com/crossdeck/crossdeck/internal/meter"
	"github.com/crossdeck/crossdeck/internal/router"
	"github.com/crossdeck/crossdeck/pkg/protocol"
)

// Profile supplies facts owned by the user profile store.
type Profile interface {
	// Entitled reports whether the local user may use cross-device control.
	Entitled() bool
	// DeviceClass is the class of the local device.
	DeviceClass() protocol.DeviceClass
}

// StaticProfile is a Profile with fixed answers.
type StaticProfile struct {
	IsEntitled bool
	Class      protocol.DeviceClass
}

func (p StaticProfile) Entitled() bool { return p.IsEntitled }
func (p StaticProfile) DeviceClass() protocol.DeviceClass { return p.Class }

// ConnectedDevice is a peer the session currently reports connected.
// Two entries describe the same device when their peers match; ID is only
// a stable handle for the UI.
type ConnectedDevice struct {
	ID        uuid.UUID            `json:"id"`
	Peer      identity.Peer        `json:"peer"`
	Class     protocol.DeviceClass `json:"class"`
	Reachable bool                 `json:"reachable"`
}

// ReceivedCommand is one entry of the inbound command history.
type ReceivedCommand struct {
	Command    protocol.Command `json:"command"`
	From       identity.Peer    `json:"from"`
	Outcome    string           `json:"outcome"`
	ReceivedAt time.Time        `json:"received_at"`
}

// State is an immutable snapshot of the manager. Slices in a published
// State are never modified.
type State struct {
	Version   uint64               `json:"version"`
	Local     identity.Peer        `json:"local"`
	Class     protocol.DeviceClass `json:"class"`
	Hosting   bool                 `json:"hosting"`
	Browsing  bool                 `json:"browsing"`
	Devices   []ConnectedDevice    `json:"devices"`
	Received  []ReceivedCommand    `json:"received"`
	LastError string               `json:"last_error,omitempty"`
	ErrorCode string               `json:"error_code,omitempty"`
	Stats     router.Stats         `json:"stats"`
	// Telemetry covers datagrams received in this episode.
	Telemetry meter.Stats `json:"telemetry"`
}

// Device returns the connected device with the given display name.
func (s State) Device(name string) (ConnectedDevice, bool) {
	for _, d := range s.Devices {
		if d.Peer.DisplayName == name {
			return d, true
		}
	}
	return ConnectedDevice{}, false
}
