package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"fleetctl/internal/config"
	"fleetctl/internal/control"
	"fleetctl/internal/transport"
)

func newStatusCmd() *cobra.Command {
	var host string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the service table of a running orchestrator",
		Args:  cobra.NoArgs,
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
				Name: "fleetctl-status",
			})
			if err != nil {
				return err
			}
			defer tr.Close()

			reply, err := control.NewClient(tr, 5*time.Second).Status(cmd.Context(), host)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintf(w, "SERVICE\tHOST\tSTATE\tBREAKER\tERROR\n")
			for _, s := range reply.Services {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", s.Name, s.Host, s.State, s.Breaker, s.Error)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&host, "host", "", "fleet host to query (defaults to this host)")
	return cmd
}
