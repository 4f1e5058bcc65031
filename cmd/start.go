package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"fleetctl/internal/breaker"
	"fleetctl/internal/config"
	"fleetctl/internal/control"
	"fleetctl/internal/health"
	"fleetctl/internal/reporting"
	"fleetctl/internal/scheduler"
	"fleetctl/internal/services"
	"fleetctl/internal/state"
	"fleetctl/internal/syncbridge"
	"fleetctl/internal/transport"
	"fleetctl/pkg/logging"
)

func newStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start this host's slice of the fleet and stay resident",
		Long: `Loads the fleet file, resolves the dependency graph into phases and
starts every service owned by this host, waiting on the peer host for
remote dependencies. After startup the process stays resident to run
liveness probes until it receives SIGINT or SIGTERM.

The exit code encodes the startup verdict: 0 for success, 2 for partial
success with degraded services, 3 for an aborted run, and 10 plus the
failed service's position for a failed run.`,
		Args: cobra.NoArgs,
		RunE: runStart,
	}
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return err
	}

	descriptors, err := config.Descriptors(cfg)
	if err != nil {
		return err
	}

	tr, err := transport.NewNATS(transport.NATSConfig{
		URL:  cfg.Fleet.NATSURL,
		Name: "fleetctl-" + cfg.Fleet.HostName,
	})
	if err != nil {
		return err
	}
	defer tr.Close()

	registry := services.NewRegistry()
	for _, desc := range descriptors {
		if err := registry.Register(desc); err != nil {
			return err
		}
	}

	breakers := breaker.NewRegistry(breaker.Config{
		FailureThreshold:   cfg.Fleet.Breaker.FailureThreshold,
		RecoveryTimeout:    cfg.Fleet.Breaker.RecoveryTimeout,
		MaxRecoveryTimeout: cfg.Fleet.Breaker.MaxRecoveryTimeout,
	})

	bus := reporting.NewBus(reporting.Options{})
	defer bus.Close()
	bus.Subscribe("log", nil, reporting.LogSink)

	var store *state.Store
	if cfg.Fleet.StateDB != "" {
		store, err = state.Open(cfg.Fleet.StateDB)
		if err != nil {
			return err
		}
		defer store.Close()
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	var bridge *syncbridge.Bridge
	if cfg.Fleet.PeerHost != "" {
		bridge = syncbridge.New(syncbridge.Config{
			Transport: tr,
			Registry:  registry,
			Breakers:  breakers,
			LocalHost: cfg.Fleet.HostName,
			PeerHost:  cfg.Fleet.PeerHost,
			Interval:  cfg.Fleet.SyncInterval,
			Bus:       bus,
		})
		go func() {
			if err := bridge.Run(ctx); err != nil {
				logging.Error("Start", err, "Sync bridge stopped")
			}
		}()
	}

	deps := scheduler.Deps{
		Registry: registry,
		Breakers: breakers,
		Gate:     health.NewGateKeeper(tr),
		Launcher: services.NewExecLauncher(cfg.Fleet.StopGrace),
		Bus:      bus,
		Store:    store,
	}
	if bridge != nil {
		deps.Mirror = bridge
	}

	sched := scheduler.New(deps, scheduler.Options{
		PoolSize:     cfg.Fleet.PoolSize,
		BaseBackoff:  cfg.Fleet.BaseBackoff,
		MaxBackoff:   cfg.Fleet.MaxBackoff,
		FleetTimeout: cfg.Fleet.FleetTimeout,
	})

	ctrl := control.NewServer(tr, registry, breakers, sched, cfg.Fleet.HostName)
	if err := ctrl.Start(); err != nil {
		return err
	}
	defer ctrl.Stop()

	// First signal aborts the startup or begins teardown; a second one
	// forces exit.
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logging.Warn("Start", "Signal received, shutting the fleet down")
		sched.Abort()
		cancel()
		<-sigCh
		logging.Warn("Start", "Second signal, exiting immediately")
		os.Exit(1)
	}()

	result, err := sched.Run(ctx)
	if err != nil {
		return err
	}

	logging.Info("Start", "Fleet startup outcome: %s", result.Outcome)
	for _, name := range result.Degraded() {
		logging.Warn("Start", "Service %s is degraded", name)
	}

	// Stay resident for liveness monitoring after a run that left
	// services up. Failed or aborted runs tear down immediately.
	if result.Outcome == scheduler.OutcomeSuccess || result.Outcome == scheduler.OutcomePartialSuccess {
		<-ctx.Done()
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), cfg.Fleet.StopGrace*2)
	defer stopCancel()
	if err := sched.Shutdown(stopCtx); err != nil {
		logging.Error("Start", err, "Fleet teardown reported errors")
	}

	// Returning lets the deferred transport/bus/store teardown run;
	// Execute applies the code after that.
	exitCode = result.ExitCode()
	return nil
}
