package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"fleetctl/pkg/logging"
)

var (
	flagConfig string
	flagDebug  bool

	// exitCode carries the fleet verdict out of runStart so deferred
	// cleanup (transport, bus, state store) runs before the process
	// exits.
	exitCode int
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "fleetctl",
	Short: "Dependency-ordered startup orchestration for agent fleets",
	Long: `fleetctl brings up a fleet of long-running agent services across two
hosts: it resolves the dependency graph into startup phases, gates each
service on its health check, and keeps both orchestrators' views of the
fleet in sync over NATS.`,
	// SilenceUsage prevents printing the usage message on errors we
	// already report ourselves.
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := logging.LevelInfo
		if flagDebug {
			level = logging.LevelDebug
		}
		logging.Init(level, os.Stderr)
	},
}

// SetVersion sets the version for the root command
func SetVersion(v string) {
	rootCmd.Version = v
}

// Execute adds all child commands to the root command and sets flags
// appropriately. Called by main.main().
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "fleetctl version %s\n" .Version}}`)

	if err := rootCmd.Execute(); err != nil {
		// Cobra prints the error, we just exit non-zero
		os.Exit(1)
	}
	if exitCode != 0 {
		os.Exit(exitCode)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagConfig, "config", "c", "fleet.yaml", "path to the fleet file")
	rootCmd.PersistentFlags().BoolVar(&flagDebug, "debug", false, "enable verbose logging")

	rootCmd.AddCommand(newStartCmd())
	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newAbortCmd())
	rootCmd.AddCommand(newVersionCmd())
}
