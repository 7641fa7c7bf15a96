package protocol

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// CommandType identifies the remote action a Command triggers.
type CommandType uint8

const (
	CommandLaunchApp CommandType = iota + 1
	CommandOpenURL
	CommandWatchHaptic
	CommandStartWorkout
	CommandStopWorkout
	CommandExecuteScript
	CommandOpenMacApp
	CommandChangeLayout
	CommandControlImmersive
	CommandUpdateDashboard
)

var commandNames = map[CommandType]string{
	CommandLaunchApp:        "launchApp",
	CommandOpenURL:          "openURL",
	CommandWatchHaptic:      "watchHaptic",
	CommandStartWorkout:     "startWorkout",
	CommandStopWorkout:      "stopWorkout",
	CommandExecuteScript:    "executeScript",
	CommandOpenMacApp:       "openMacApp",
	CommandChangeLayout:     "changeLayout",
	CommandControlImmersive: "controlImmersive",
	CommandUpdateDashboard:  "updateDashboard",
}

// requiredKeys maps each command type to the payload keys it cannot do without.
var requiredKeys = map[CommandType]map[string]Kind{
	CommandLaunchApp:        {"url": KindString},
	CommandOpenURL:          {"url": KindString},
	CommandWatchHaptic:      {"pattern": KindString},
	CommandStartWorkout:     {"activity": KindString},
	CommandStopWorkout:      {},
	CommandExecuteScript:    {"script": KindString},
	CommandOpenMacApp:       {"app": KindString},
	CommandChangeLayout:     {"layout": KindString},
	CommandControlImmersive: {"enabled": KindBool},
	CommandUpdateDashboard:  {},
}

// CommandTypes lists every known command type in wire order.
func CommandTypes() []CommandType {
	out := make([]CommandType, 0, len(commandNames))
	for t := CommandLaunchApp; t <= CommandUpdateDashboard; t++ {
		out = append(out, t)
	}
	return out
}

func (t CommandType) String() string {
	if name, ok := commandNames[t]; ok {
		return name
	}
	return fmt.Sprintf("CommandType(%d)", uint8(t))
}

// Valid reports whether t is one of the known command types.
func (t CommandType) Valid() bool {
	_, ok := commandNames[t]
	return ok
}

// RequiredKeys returns the payload keys t requires, sorted.
func (t CommandType) RequiredKeys() []string {
	keys := make([]string, 0, len(requiredKeys[t]))
	for k := range requiredKeys[t] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// MarshalText implements encoding.TextMarshaler.
func (t CommandType) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("unknown command type %d", uint8(t))
	}
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *CommandType) UnmarshalText(b []byte) error {
	parsed, err := ParseCommandType(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// ParseCommandType accepts the canonical name, case-insensitively.
func ParseCommandType(s string) (CommandType, error) {
	for t, name := range commandNames {
		if strings.EqualFold(name, strings.TrimSpace(s)) {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown command type %q", s)
}

// Command is an immutable instruction sent from one peer to another.
type Command struct {
	Type             CommandType `json:"type"`
	TargetDeviceHint string      `json:"target"`
	Payload          Payload     `json:"payload"`
	IssuedAt         time.Time   `json:"issued_at"`
}

// NewCommand builds a Command stamped with the current time. The payload is
// copied and checked against the type's required keys.
func NewCommand(t CommandType, targetHint string, payload Payload) (Command, error) {
	cmd := Command{
		Type:             t,
		TargetDeviceHint: targetHint,
		Payload:          payload.Clone(),
		IssuedAt:         time.Now().UTC(),
	}
	if err := cmd.Validate(); err != nil {
		return Command{}, err
	}
	return cmd, nil
}

// Validate checks the type and required payload keys.
func (c Command) Validate() error {
	if !c.Type.Valid() {
		return fmt.Errorf("%w: unknown command type %d", ErrMalformedCommand, uint8(c.Type))
	}
	if len(c.TargetDeviceHint) > maxHintLen {
		return fmt.Errorf("%w: target hint too long (%d bytes)", ErrMalformedCommand, len(c.TargetDeviceHint))
	}
	for key, kind := range requiredKeys[c.Type] {
		v, ok := c.Payload[key]
		if !ok || !v.IsValid() {
			return fmt.Errorf("%w: %s requires payload key %q", ErrMalformedCommand, c.Type, key)
		}
		if v.Kind() != kind {
			return fmt.Errorf("%w: %s payload key %q must be %s, got %s", ErrMalformedCommand, c.Type, key, kind, v.Kind())
		}
	}
	return nil
}

// Equal compares field by field; IssuedAt uses time.Equal and payload key
// order is irrelevant.
func (c Command) Equal(o Command) bool {
	return c.Type == o.Type &&
		c.TargetDeviceHint == o.TargetDeviceHint &&
		c.IssuedAt.Equal(o.IssuedAt) &&
		c.Payload.Equal(o.Payload)
}

func (c Command) String() string {
	if c.TargetDeviceHint == "" {
		return fmt.Sprintf("%s(%d keys)", c.Type, len(c.Payload))
	}
	return fmt.Sprintf("%s->%s(%d keys)", c.Type, c.TargetDeviceHint, len(c.Payload))
}
