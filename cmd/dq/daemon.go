package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/driftq/driftq/internal/daemon"
	"github.com/driftq/driftq/internal/dashboard"
	"github.com/driftq/driftq/internal/ui"
)

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "sync",
	Short:   "Run the sync daemon (foreground)",
	Long: `Run the sync supervisor in the foreground.

The daemon will:
  1. Drain the mutation queue whenever records are ready
  2. Watch the spool directory and enqueue dropped mutation files
  3. Periodically purge expired mutations
  4. Poll the remote for changes and fold them into the inbox
  5. Probe remote reachability and suspend sync while offline

For production use, run it under a process manager. Logs go to stderr, or
to a size-rotated file when log.file is configured.`,
	Run: runDaemon,
}

func init() {
	rootCmd.AddCommand(daemonCmd)
}

func runDaemon(cmd *cobra.Command, args []string) {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	logger := daemon.NewLogger(cfg.Log.File)

	engCfg := engineConfig(cfg)
	engCfg.Apply = inboxApply(cfg)

	// Dashboard wiring happens before the coordinator is built so its
	// listeners can be registered on the engine config.
	var server *dashboard.Server
	var events *dashboard.Handler
	if cfg.Dashboard.Enabled {
		server = dashboard.NewServer(&dashboard.Config{
			Addr:   cfg.Dashboard.Addr,
			Logger: log.New(os.Stderr, "[dashboard] ", log.LstdFlags),
		})
		events = dashboard.NewHandler(server, logger)
		engCfg.CycleListener = events.OnCycleComplete
		engCfg.StateListener = events.OnStateChange
	}

	coord, q, cleanup, err := buildCoordinator(cfg, engCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer cleanup()

	if server != nil {
		if err := server.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to start dashboard: %v\n", err)
			os.Exit(1)
		}
		defer func() { _ = server.Stop() }()
		fmt.Printf("   Dashboard: ws://%s/ws\n", server.GetAddr())
	}

	dcfg := daemon.DefaultConfig()
	dcfg.PurgeInterval = cfg.Daemon.PurgeInterval
	dcfg.PullInterval = cfg.Daemon.PullInterval
	dcfg.ProbeInterval = cfg.Daemon.ProbeInterval
	dcfg.ProbeURL = cfg.Remote.ProbeURL
	dcfg.LogFile = cfg.Log.File
	dcfg.Logger = logger
	dcfg.Events = events

	d, err := daemon.NewWithConfig(q, coord, cfg.Spool.Dir, dcfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating daemon: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("%s Starting sync daemon...\n", ui.RenderAccent("🚀"))
	fmt.Printf("   Queue: %s\n", cfg.DB.Path)
	fmt.Printf("   Spool: %s\n", cfg.Spool.Dir)
	fmt.Printf("   Remote: %s (%s)\n", cfg.Remote.URL, cfg.Remote.Kind)
	fmt.Printf("\nPress Ctrl+C to stop\n\n")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := d.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Daemon stopped with error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("Daemon stopped")
}
