package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/driftq/driftq/internal/dashboard"
	"github.com/driftq/driftq/internal/queue"
)

var dashboardCmd = &cobra.Command{
	Use:     "dashboard",
	GroupID: "advanced",
	Short:   "Start a real-time WebSocket dashboard for the queue",
	Long: `Start a WebSocket server broadcasting queue and sync activity.

Connected clients receive:
- cycle: drain cycle summaries (pushed, accepted, requeued, quarantined)
- state: coordinator state transitions
- pull: pull cycle summaries
- queue: queue depth snapshots
- quarantine: records moved to failed

Run standalone it serves queue snapshots only; sync events flow when the
daemon is started with dashboard.enabled. Connect with any WebSocket client:
  ws://localhost:8090/ws

Example usage:
  dq dashboard                  # listen on the configured address
  dq dashboard --addr :9000     # listen on a custom address`,
	Run: runDashboard,
}

func init() {
	dashboardCmd.Flags().String("addr", "", "Listen address (default: dashboard.addr from config)")
	rootCmd.AddCommand(dashboardCmd)
}

func runDashboard(cmd *cobra.Command, args []string) {
	addr, _ := cmd.Flags().GetString("addr")

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if addr == "" {
		addr = cfg.Dashboard.Addr
	}

	q := mustOpenQueue()
	defer q.Close()

	server := dashboard.NewServer(&dashboard.Config{
		Addr:   addr,
		Logger: log.New(os.Stderr, "[dashboard] ", log.LstdFlags),
		Snapshot: func() dashboard.Message {
			stats, err := q.Stats(context.Background())
			if err != nil {
				return dashboard.QueueSnapshot(queue.Stats{})
			}
			return dashboard.QueueSnapshot(*stats)
		},
	})

	if err := server.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to start dashboard: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Dashboard server started on http://%s\n", server.GetAddr())
	fmt.Printf("WebSocket endpoint: ws://%s/ws\n", server.GetAddr())
	fmt.Printf("Health check: http://%s/health\n", server.GetAddr())
	fmt.Println("\nPress Ctrl+C to stop...")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	<-ctx.Done()

	fmt.Println("\nShutting down dashboard server...")
	if err := server.Stop(); err != nil {
		fmt.Fprintf(os.Stderr, "Error during shutdown: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("Dashboard server stopped")
}
