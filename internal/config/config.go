// Package config resolves runtime settings for xdctl.
//
// Precedence, lowest to highest: built-in defaults, the TOML file
// (~/.crossdeck/config.toml unless --config is given), CROSSDECK_* environment
// variables, command-line flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/pflag"

	"github.com/crossdeck/crossdeck/internal/discovery"
	apperrors "github.com/crossdeck/crossdeck/internal/errors"
	"github.com/crossdeck/crossdeck/pkg/protocol"
)

const (
	// DefaultServiceType is 13 characters, inside the 15 character DNS-SD limit.
	DefaultServiceType   = "crossdeck-ctl"
	DefaultInviteTimeout = 30 * time.Second
	DefaultHistoryLimit  = 50

	envPrefix = "CROSSDECK_"
)

// Config holds everything the control core and the CLI need.
type Config struct {
	// Name overrides the advertised display name. Empty means host name.
	Name string `toml:"name"`

	// DeviceClass is reported to peers in the session handshake and selects
	// which inbound commands this device can execute.
	DeviceClass protocol.DeviceClass `toml:"device_class"`

	// ServiceType is the discovery namespace; both sides must match.
	ServiceType string `toml:"service_type"`

	// ListenAddr is the UDP address the session listener binds. ":0" picks a port.
	ListenAddr string `toml:"listen_addr"`

	// InviteTimeout bounds each invitation the browser sends.
	InviteTimeout time.Duration `toml:"invite_timeout"`

	// HistoryLimit caps the inbound command log kept for the UI.
	HistoryLimit int `toml:"history_limit"`

	// TelemetryRate and TelemetryBurst shape the unreliable channel per session.
	TelemetryRate  float64 `toml:"telemetry_rate"`
	TelemetryBurst int     `toml:"telemetry_burst"`

	// UIAddr is the websocket UI feed address. Empty disables the feed.
	UIAddr string `toml:"ui_addr"`

	// LogLevel: debug, info, warn, error.
	LogLevel string `toml:"log_level"`

	// Entitled stands in for the profile store's premium flag.
	Entitled bool `toml:"entitled"`
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		DeviceClass:    protocol.DeviceDesktop,
		ServiceType:    DefaultServiceType,
		ListenAddr:     ":0",
		InviteTimeout:  DefaultInviteTimeout,
		HistoryLimit:   DefaultHistoryLimit,
		TelemetryRate:  60,
		TelemetryBurst: 10,
		LogLevel:       "info",
		Entitled:       true,
	}
}

// DefaultPath returns ~/.crossdeck/config.toml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".crossdeck", "config.toml"), nil
}

// Load applies the file at path (a missing default file is fine, a missing
// explicit file is not) and then the environment on top of the defaults.
func Load(path string) (Config, error) {
	explicit := path != ""
	if !explicit {
		p, err := DefaultPath()
		if err == nil {
			path = p
		}
	}
	return load(path, explicit, os.Getenv)
}

func load(path string, explicit bool, getenv func(string) string) (Config, error) {
	cfg := Default()
	if path != "" {
		_, err := toml.DecodeFile(path, &cfg)
		if err != nil && (explicit || !errors.Is(err, os.ErrNotExist)) {
			return cfg, apperrors.Wrap(apperrors.CodeConfigInvalid, "read "+path, err)
		}
	}
	if err := applyEnv(&cfg, getenv); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config, getenv func(string) string) error {
	str := func(key string, dst *string) {
		if v := getenv(envPrefix + key); v != "" {
			*dst = v
		}
	}
	str("NAME", &cfg.Name)
	str("SERVICE_TYPE", &cfg.ServiceType)
	str("LISTEN_ADDR", &cfg.ListenAddr)
	str("UI_ADDR", &cfg.UIAddr)
	str("LOG_LEVEL", &cfg.LogLevel)

	if v := getenv(envPrefix + "DEVICE_CLASS"); v != "" {
		if err := cfg.DeviceClass.UnmarshalText([]byte(v)); err != nil {
			return envError("DEVICE_CLASS", err)
		}
	}
	if v := getenv(envPrefix + "INVITE_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return envError("INVITE_TIMEOUT", err)
		}
		cfg.InviteTimeout = d
	}
	if v := getenv(envPrefix + "HISTORY_LIMIT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return envError("HISTORY_LIMIT", err)
		}
		cfg.HistoryLimit = n
	}
	if v := getenv(envPrefix + "ENTITLED"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return envError("ENTITLED", err)
		}
		cfg.Entitled = b
	}
	return nil
}

func envError(key string, err error) error {
	return apperrors.Wrap(apperrors.CodeConfigInvalid, "invalid "+envPrefix+key, err)
}

// RegisterFlags defines the config flags on fs. Defaults shown in help are the
// built-in ones; ApplyFlags only copies flags the user actually set.
func RegisterFlags(fs *pflag.FlagSet) {
	d := Default()
	fs.String("name", d.Name, "display name advertised to peers (default: host name)")
	fs.String("device-class", d.DeviceClass.String(), "device class: phone, tablet, desktop, watch, headset-xr, tv")
	fs.String("service-type", d.ServiceType, "discovery service type (<=15 chars, [A-Za-z0-9-])")
	fs.String("listen", d.ListenAddr, "UDP address for the session listener")
	fs.Duration("invite-timeout", d.InviteTimeout, "timeout for each invitation sent while browsing")
	fs.Int("history", d.HistoryLimit, "number of inbound commands kept for display")
	fs.String("ui-addr", d.UIAddr, "websocket UI feed address, e.g. 127.0.0.1:7071 (empty disables)")
	fs.String("log-level", d.LogLevel, "log level (debug, info, warn, error)")
}

// ApplyFlags copies every flag that was set on the command line into cfg.
func ApplyFlags(cfg *Config, fs *pflag.FlagSet) error {
	var err error
	fs.Visit(func(f *pflag.Flag) {
		if err != nil {
			return
		}
		switch f.Name {
		case "name":
			cfg.Name = f.Value.String()
		case "device-class":
			err = cfg.DeviceClass.UnmarshalText([]byte(f.Value.String()))
		case "service-type":
			cfg.ServiceType = f.Value.String()
		case "listen":
			cfg.ListenAddr = f.Value.String()
		case "invite-timeout":
			cfg.InviteTimeout, err = fs.GetDuration("invite-timeout")
		case "history":
			cfg.HistoryLimit, err = fs.GetInt("history")
		case "ui-addr":
			cfg.UIAddr = f.Value.String()
		case "log-level":
			cfg.LogLevel = f.Value.String()
		}
	})
	if err != nil {
		return apperrors.Wrap(apperrors.CodeConfigInvalid, "invalid flag", err)
	}
	return nil
}

// Validate checks the settings the transport depends on.
func (c Config) Validate() error {
	if err := discovery.ValidateServiceType(c.ServiceType); err != nil {
		return apperrors.Wrap(apperrors.CodeConfigInvalid, "service_type", err)
	}
	if c.DeviceClass == protocol.DeviceUnknown {
		return apperrors.New(apperrors.CodeConfigInvalid, "device class must be set")
	}
	if c.InviteTimeout <= 0 {
		return apperrors.New(apperrors.CodeConfigInvalid, "invite timeout must be positive")
	}
	if c.HistoryLimit < 0 {
		return apperrors.New(apperrors.CodeConfigInvalid, "history limit cannot be negative")
	}
	if c.TelemetryRate <= 0 || c.TelemetryBurst <= 0 {
		return apperrors.New(apperrors.CodeConfigInvalid, "telemetry rate and burst must be positive")
	}
	return nil
}
