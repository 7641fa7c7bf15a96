// Package cli implements the xdctl commands.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/crossdeck/crossdeck/internal/config"
	"github.com/crossdeck/crossdeck/internal/control"
	"github.com/crossdeck/crossdeck/internal/discovery"
	"github.com/crossdeck/crossdeck/internal/identity"
	"github.com/crossdeck/crossdeck/internal/linkquic"
	"github.com/crossdeck/crossdeck/internal/logging"
	"github.com/crossdeck/crossdeck/internal/router"
	"github.com/crossdeck/crossdeck/pkg/protocol"
)

var (
	configPath string
	rootCmd    *cobra.Command
)

func init() {
	rootCmd = &cobra.Command{
		Use:   "xdctl",
		Short: "Cross-device control over the local network",
		Long: `xdctl finds nearby devices, joins them into a control session and
exchanges typed commands with them.

Common workflows:
  xdctl run --host                       Advertise and accept devices
  xdctl run --browse --ui-addr :7071     Join hosts and serve the UI feed
  xdctl send openURL url=https://go.dev  Send one command to the first device found
  xdctl watch ws://127.0.0.1:7071/ws     Print states from a UI feed`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.crossdeck/config.toml)")
	config.RegisterFlags(rootCmd.PersistentFlags())
}

// Execute runs the command line.
func Execute(ctx context.Context, version string) error {
	rootCmd.Version = version

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(sendCmd())
	rootCmd.AddCommand(watchCmd())
	rootCmd.AddCommand(versionCmd(version))

	return rootCmd.ExecuteContext(ctx)
}

func versionCmd(version string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the xdctl version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}

// loadConfig resolves file, environment and flags.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return cfg, err
	}
	if err := config.ApplyFlags(&cfg, cmd.Flags()); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// newManager builds a manager on QUIC and mDNS from cfg.
func newManager(cfg config.Config, logger *slog.Logger, r *Renderer) *control.Manager {
	rt := router.New(cfg.DeviceClass, logger.With("component", "router"))
	registerPrinters(rt, r)

	return control.New(control.Options{
		Peer:           identity.New(cfg.Name),
		Profile:        control.StaticProfile{IsEntitled: cfg.Entitled, Class: cfg.DeviceClass},
		Network:        linkquic.New(logger.With("component", "quic"), linkquic.Tuning{}),
		Discovery:      discovery.NewZeroconf(logger.With("component", "zeroconf")),
		Router:         rt,
		ServiceType:    cfg.ServiceType,
		ListenAddr:     cfg.ListenAddr,
		InviteTimeout:  cfg.InviteTimeout,
		HistoryLimit:   cfg.HistoryLimit,
		TelemetryRate:  cfg.TelemetryRate,
		TelemetryBurst: cfg.TelemetryBurst,
		Telemetry:      r.Telemetry,
		Logger:         logger,
	})
}

// registerPrinters installs a handler for every command type this device
// class supports. Handlers only print; executing commands on the host
// platform is out of scope for the CLI.
func registerPrinters(rt *router.Router, r *Renderer) {
	for _, t := range router.SupportedTypes(rt.Class()) {
		rt.HandleFunc(t, func(_ context.Context, cmd protocol.Command, from identity.Peer) error {
			r.Command(cmd, from)
			return nil
		})
	}
}

func newLogger(cfg config.Config) *slog.Logger {
	return logging.New("xdctl", cfg.LogLevel)
}

// parsePayload turns key=value arguments into a payload. Values are typed
// by shape: true/false, integers, decimals, otherwise strings.
func parsePayload(args []string) (protocol.Payload, error) {
	raw := make(map[string]any, len(args))
	for _, a := range args {
		k, v, ok := strings.Cut(a, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("expected key=value, got %q", a)
		}
		raw[k] = typedValue(v)
	}
	return protocol.PayloadFrom(raw), nil
}
