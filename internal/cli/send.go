package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/crossdeck/crossdeck/internal/control"
	"github.com/crossdeck/crossdeck/internal/termio"
	"github.com/crossdeck/crossdeck/pkg/protocol"
)

func sendCmd() *cobra.Command {
	var (
		target string
		wait   time.Duration
		linger time.Duration
	)

	cmd := &cobra.Command{
		Use:   "send <type> [key=value ...]",
		Short: "Send one command to nearby devices and exit",
		Long: `Send browses for advertising devices, waits until one matching --target
is connected, sends the command and exits. Without --target the first
connected device is enough and the command goes to every device connected
at that moment.`,
		Example: `  xdctl send openURL url=https://go.dev --target living-room
  xdctl send watchHaptic pattern=double --target watch
  xdctl send updateDashboard widget=battery level=87`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			t, err := protocol.ParseCommandType(args[0])
			if err != nil {
				return err
			}
			payload, err := parsePayload(args[1:])
			if err != nil {
				return err
			}
			command, err := protocol.NewCommand(t, target, payload)
			if err != nil {
				return err
			}

			r := NewRenderer(termio.Stdout())
			m := newManager(cfg, newLogger(cfg), r)
			defer m.Close()

			if err := m.StartBrowsing(); err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), wait)
			defer cancel()
			if err := waitForTarget(ctx, m, r, target); err != nil {
				return err
			}
			if !m.SendCommand(command) {
				return fmt.Errorf("send failed: %s", m.LastError())
			}
			r.printf("%s %s", green(">"), command)

			// SendCommand only queues; give the link time to flush.
			select {
			case <-time.After(linger):
			case <-cmd.Context().Done():
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&target, "target", "", "device name or class to send to")
	cmd.Flags().DurationVar(&wait, "wait", 15*time.Second, "how long to wait for a device")
	cmd.Flags().DurationVar(&linger, "linger", time.Second, "how long to stay connected after sending")
	return cmd
}

// waitForTarget blocks until a device matching target (any device when
// empty) is connected.
func waitForTarget(ctx context.Context, m *control.Manager, r *Renderer, target string) error {
	states, cancel := m.Subscribe()
	defer cancel()
	class, classErr := protocol.ParseDeviceClass(target)
	for {
		select {
		case <-ctx.Done():
			if target == "" {
				return fmt.Errorf("no device found: %w", ctx.Err())
			}
			return fmt.Errorf("device %q not found: %w", target, ctx.Err())
		case s := <-states:
			r.State(s)
			for _, d := range s.Devices {
				if target == "" || d.Peer.DisplayName == target || (classErr == nil && d.Class == class) {
					return nil
				}
			}
		}
	}
}
