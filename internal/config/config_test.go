package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"

	apperrors "github.com/crossdeck/crossdeck/internal/errors"
	"github.com/crossdeck/crossdeck/pkg/protocol"
)

func noEnv(string) string { return "" }

func envMap(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := load(filepath.Join(t.TempDir(), "missing.toml"), false, noEnv)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ServiceType != DefaultServiceType {
		t.Errorf("expected ServiceType %s, got %s", DefaultServiceType, cfg.ServiceType)
	}
	if cfg.InviteTimeout != 30*time.Second {
		t.Errorf("expected InviteTimeout 30s, got %v", cfg.InviteTimeout)
	}
	if cfg.DeviceClass != protocol.DeviceDesktop {
		t.Errorf("expected desktop, got %v", cfg.DeviceClass)
	}
	if !cfg.Entitled {
		t.Errorf("expected Entitled by default")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestLoad_ExplicitMissingFile(t *testing.T) {
	_, err := load(filepath.Join(t.TempDir(), "missing.toml"), true, noEnv)
	if !apperrors.IsCode(err, apperrors.CodeConfigInvalid) {
		t.Fatalf("expected config.invalid for explicit missing file, got %v", err)
	}
}

func TestLoad_File(t *testing.T) {
	path := writeFile(t, `
name = "Studio"
device_class = "watch"
service_type = "xd-test"
invite_timeout = "5s"
history_limit = 10
telemetry_rate = 5.5
ui_addr = "127.0.0.1:7071"
entitled = false
`)
	cfg, err := load(path, true, noEnv)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Name != "Studio" || cfg.DeviceClass != protocol.DeviceWatch || cfg.ServiceType != "xd-test" {
		t.Errorf("unexpected identity fields: %+v", cfg)
	}
	if cfg.InviteTimeout != 5*time.Second {
		t.Errorf("expected 5s, got %v", cfg.InviteTimeout)
	}
	if cfg.HistoryLimit != 10 || cfg.TelemetryRate != 5.5 || cfg.Entitled {
		t.Errorf("unexpected limits: %+v", cfg)
	}
	if cfg.TelemetryBurst != 10 {
		t.Errorf("unset keys keep defaults, got burst %d", cfg.TelemetryBurst)
	}
}

func TestLoad_BadFile(t *testing.T) {
	path := writeFile(t, `device_class = "toaster"`)
	if _, err := load(path, true, noEnv); err == nil {
		t.Fatal("expected error for unknown device class")
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeFile(t, `name = "from-file"
history_limit = 3`)
	cfg, err := load(path, true, envMap(map[string]string{
		"CROSSDECK_NAME":           "from-env",
		"CROSSDECK_DEVICE_CLASS":   "tv",
		"CROSSDECK_INVITE_TIMEOUT": "12s",
		"CROSSDECK_ENTITLED":       "false",
	}))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Name != "from-env" {
		t.Errorf("expected env name, got %s", cfg.Name)
	}
	if cfg.HistoryLimit != 3 {
		t.Errorf("file value should survive when env is unset, got %d", cfg.HistoryLimit)
	}
	if cfg.DeviceClass != protocol.DeviceTV || cfg.InviteTimeout != 12*time.Second || cfg.Entitled {
		t.Errorf("env not applied: %+v", cfg)
	}
}

func TestLoad_BadEnv(t *testing.T) {
	_, err := load("", false, envMap(map[string]string{"CROSSDECK_HISTORY_LIMIT": "many"}))
	if !apperrors.IsCode(err, apperrors.CodeConfigInvalid) {
		t.Fatalf("expected config.invalid, got %v", err)
	}
}

func TestApplyFlags_OnlyChanged(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(fs)
	if err := fs.Parse([]string{"--name", "cli", "--invite-timeout", "2s", "--device-class", "headset-xr"}); err != nil {
		t.Fatalf("parse: %v", err)
	}

	cfg := Default()
	cfg.ServiceType = "from-file"
	if err := ApplyFlags(&cfg, fs); err != nil {
		t.Fatalf("ApplyFlags: %v", err)
	}
	if cfg.Name != "cli" || cfg.InviteTimeout != 2*time.Second || cfg.DeviceClass != protocol.DeviceHeadsetXR {
		t.Errorf("flags not applied: %+v", cfg)
	}
	if cfg.ServiceType != "from-file" {
		t.Errorf("unset flag overwrote service type: %s", cfg.ServiceType)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"long service type", func(c *Config) { c.ServiceType = "way-too-long-service" }},
		{"bad characters", func(c *Config) { c.ServiceType = "crossdeck_ctl" }},
		{"unknown class", func(c *Config) { c.DeviceClass = protocol.DeviceUnknown }},
		{"zero timeout", func(c *Config) { c.InviteTimeout = 0 }},
		{"negative history", func(c *Config) { c.HistoryLimit = -1 }},
		{"zero burst", func(c *Config) { c.TelemetryBurst = 0 }},
	}
	for _, tt := range tests {
		cfg := Default()
		tt.mutate(&cfg)
		if err := cfg.Validate(); !apperrors.IsCode(err, apperrors.CodeConfigInvalid) {
			t.Errorf("%s: expected config.invalid, got %v", tt.name, err)
		}
	}
}
