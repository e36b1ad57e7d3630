// Command clddd is the daemon entrypoint: it wires configuration, logging,
// the registry, the command dispatcher, the connection manager, and the
// telemetry logger together, then blocks until the connection manager's
// graceful shutdown sequence completes (spec.md §5).
//
// Daemonization (fork/detach, PID file, user drop, stdio closing) is out of
// scope per spec.md §1 and is not implemented here; this binary runs in the
// foreground.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/brarjsingh/cldd/internal/cldd/dispatch"
	"github.com/brarjsingh/cldd/internal/cldd/manager"
	"github.com/brarjsingh/cldd/internal/cldd/registry"
	"github.com/brarjsingh/cldd/internal/command"
	"github.com/brarjsingh/cldd/internal/config"
	"github.com/brarjsingh/cldd/internal/hoststat"
	"github.com/brarjsingh/cldd/internal/logging"
	"github.com/brarjsingh/cldd/internal/telemetry"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:   "clddd",
		Short: "clddd accepts TCP management clients and publishes per-client UDP telemetry streams",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load(v)
			return run(cfg)
		},
	}

	config.BindFlags(cmd.Flags(), v)

	return cmd
}

func run(cfg config.Config) error {
	logFile, err := os.OpenFile(cfg.TelemetryCSVPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("clddd: open telemetry csv: %w", err)
	}
	defer logFile.Close()

	diag := logging.New(os.Stderr, cfg.LogLevel)

	srv := registry.New(cfg.StreamPortBase, diag.Component("registry"))
	if err := srv.BindAndListen(cfg.ManagementPort); err != nil {
		return fmt.Errorf("clddd: startup: %w", err)
	}

	table := command.Default()
	d := dispatch.New(table, manager.RawWrite, diag.Component("dispatch"))

	mgr := manager.New(srv, d, diag.Component("manager"), cfg.StreamTick, cfg.MuxTimeout)
	if err := mgr.Start(); err != nil {
		return fmt.Errorf("clddd: startup: %w", err)
	}

	sampler := hoststat.New(diag.Component("hoststat"))
	logger := telemetry.New(srv, sampler, logFile, cfg.TelemetryTick, diag.Component("telemetry"))
	logger.Start()

	diag.Infof("clddd listening on :%d, streams from :%d", cfg.ManagementPort, cfg.StreamPortBase)

	if err := mgr.Run(); err != nil {
		logger.Stop()
		logger.Wait()
		return fmt.Errorf("clddd: manager: %w", err)
	}

	// Manager.Run only returns after its own close_all()/listener-close
	// sequence (spec §5); now stop and join the telemetry logger.
	logger.Stop()
	logger.Wait()

	diag.Infof("clddd shut down cleanly")
	return nil
}
