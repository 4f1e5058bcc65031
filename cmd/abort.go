package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"fleetctl/internal/config"
	"fleetctl/internal/control"
	"fleetctl/internal/transport"
)

func newAbortCmd() *cobra.Command {
	var host string

	cmd := &cobra.Command{
		Use:   "abort",
		Short: "Abort an in-flight fleet startup",
		Long: `Tells a running orchestrator to stop scheduling further startup
phases. Health attempts already in flight are allowed to finish; later
phases never start.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(flagConfig)
			if err != nil {
				return err
			}
			if host == "" {
				host = cfg.Fleet.HostName
			}

			tr, err := transport.NewNATS(transport.NATSConfig{
				URL:  cfg.Fleet.NATSURL,
				Name: "fleetctl-abort",
			})
			if err != nil {
				return err
			}
			defer tr.Close()

			reply, err := control.NewClient(tr, 5*time.Second).Abort(cmd.Context(), host)
			if err != nil {
				return err
			}
			fmt.Println(reply.Message)
			return nil
		},
	}

	cmd.Flags().StringVar(&host, "host", "", "fleet host to signal (defaults to this host)")
	return cmd
}
