package cli

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/crossdeck/crossdeck/internal/termio"
	"github.com/crossdeck/crossdeck/internal/uifeed"
)

func runCmd() *cobra.Command {
	var host, browse bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Host and/or browse until interrupted",
		Long: `Run joins the local control session and prints device changes and
inbound commands until interrupted. With neither --host nor --browse it hosts.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if !host && !browse {
				host = true
			}
			ctx := cmd.Context()
			logger := newLogger(cfg)
			r := NewRenderer(termio.Stdout())
			m := newManager(cfg, logger, r)
			defer m.Close()

			states, cancel := m.Subscribe()
			defer cancel()

			if host {
				if err := m.StartHosting(); err != nil {
					return err
				}
			}
			if browse {
				if err := m.StartBrowsing(); err != nil {
					return err
				}
			}

			feedErr := make(chan error, 1)
			if cfg.UIAddr != "" {
				feed := uifeed.New(m, logger.With("component", "uifeed"))
				go func() { feedErr <- feed.ListenAndServe(ctx, cfg.UIAddr) }()
			}

			for {
				select {
				case <-ctx.Done():
					return nil
				case err := <-feedErr:
					if err != nil {
						return err
					}
				case s, ok := <-states:
					if !ok {
						return errors.New("manager closed")
					}
					r.State(s)
				}
			}
		},
	}
	cmd.Flags().BoolVar(&host, "host", false, "advertise this device and accept invitations")
	cmd.Flags().BoolVar(&browse, "browse", false, "find advertising devices and invite them")
	return cmd
}
