package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/crossdeck/crossdeck/internal/logging"
	"github.com/crossdeck/crossdeck/internal/termio"
	"github.com/crossdeck/crossdeck/internal/uifeed"
	"github.com/crossdeck/crossdeck/internal/wsclient"
)

const defaultFeedURL = "ws://127.0.0.1:7071/ws"

func watchCmd() *cobra.Command {
	var op string

	cmd := &cobra.Command{
		Use:   "watch [url]",
		Short: "Print states from a running UI feed",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			url := defaultFeedURL
			if len(args) == 1 {
				url = args[0]
			}
			ctx := cmd.Context()
			logger := logging.New("xdctl", "warn")

			conn, err := wsclient.Dial(ctx, url, logger)
			if err != nil {
				return err
			}
			defer conn.Close()

			if op != "" {
				if err := conn.Send(wsclient.Request{Op: op}); err != nil {
					return err
				}
			}

			r := NewRenderer(termio.Stdout())
			err = conn.ReadLoop(ctx, func(msg uifeed.Message) {
				switch msg.Type {
				case uifeed.TypeState:
					if msg.State != nil {
						r.State(*msg.State)
					}
				case uifeed.TypeResult:
					if msg.OK {
						r.printf("%s %s ok", green("="), msg.Op)
					} else {
						r.printf("%s %s: %s", red("="), msg.Op, msg.Error)
					}
				}
			})
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("feed closed: %w", err)
		},
	}
	cmd.Flags().StringVar(&op, "op", "", "request to send first: host, browse or disconnect")
	return cmd
}
