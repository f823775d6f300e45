package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/driftq/driftq/internal/loadtest"
)

var benchCmd = &cobra.Command{
	Use:     "bench",
	GroupID: "advanced",
	Short:   "Run a synthetic enqueue/drain load test",
	Long: `Run a load test against a scratch queue database.

The generator enqueues synthetic mutations from concurrent workers,
measuring per-enqueue latency, then optionally drains the backlog through
the real coordinator against a zero-failure in-process remote to measure
drain throughput.

Scenarios are TOML files; without one, a built-in medium workload runs.

Examples:
  # Built-in default scenario (5000 mutations, 8 workers)
  dq bench

  # Small workload for quick checks
  dq bench --quick

  # Custom scenario
  dq bench --scenario burst.toml

  # Output results as JSON
  dq bench --json`,
	Run: runBench,
}

func init() {
	benchCmd.Flags().String("scenario", "", "TOML scenario file")
	benchCmd.Flags().Bool("quick", false, "Run the small built-in scenario")
	benchCmd.Flags().String("db", "", "Scratch database path (default: temp dir)")
	benchCmd.Flags().Bool("json", false, "Output results as JSON")
	rootCmd.AddCommand(benchCmd)
}

func runBench(cmd *cobra.Command, args []string) {
	scenarioPath, _ := cmd.Flags().GetString("scenario")
	quick, _ := cmd.Flags().GetBool("quick")
	dbPath, _ := cmd.Flags().GetString("db")
	jsonOutput, _ := cmd.Flags().GetBool("json")

	if scenarioPath != "" && quick {
		fmt.Fprintf(os.Stderr, "Error: --scenario and --quick are mutually exclusive\n")
		os.Exit(1)
	}

	scenario := loadtest.DefaultScenario()
	if quick {
		scenario = loadtest.QuickScenario()
	}
	if scenarioPath != "" {
		var err error
		scenario, err = loadtest.LoadScenario(scenarioPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading scenario: %v\n", err)
			os.Exit(1)
		}
	}

	if dbPath == "" {
		dbPath = filepath.Join(os.TempDir(), fmt.Sprintf("dq-bench-%d.db", os.Getpid()))
	}

	if !jsonOutput {
		fmt.Printf("Running scenario %q: %d mutations, %d entities, %d workers\n\n",
			scenario.Name, scenario.Mutations, scenario.Entities, scenario.Workers)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	result, err := loadtest.Run(ctx, scenario, dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if jsonOutput {
		outputBenchJSON(result)
		return
	}
	loadtest.PrintResult(result)
}

func outputBenchJSON(result *loadtest.Result) {
	output := map[string]interface{}{
		"scenario": map[string]interface{}{
			"name":      result.Scenario.Name,
			"mutations": result.Scenario.Mutations,
			"entities":  result.Scenario.Entities,
			"workers":   result.Scenario.Workers,
		},
		"enqueue": map[string]interface{}{
			"min_us":  result.Enqueue.Min.Microseconds(),
			"p50_us":  result.Enqueue.P50.Microseconds(),
			"mean_us": result.Enqueue.Mean.Microseconds(),
			"p95_us":  result.Enqueue.P95.Microseconds(),
			"p99_us":  result.Enqueue.P99.Microseconds(),
			"max_us":  result.Enqueue.Max.Microseconds(),
		},
		"queue_depth": result.QueueDepth,
		"duration_ms": result.TotalDuration.Milliseconds(),
	}
	if result.Drain != nil {
		output["drain"] = map[string]interface{}{
			"cycles":      result.Drain.Cycles,
			"pushed":      result.Drain.Pushed,
			"accepted":    result.Drain.Accepted,
			"duration_ms": result.Drain.Duration.Milliseconds(),
			"per_second":  result.Drain.PerSecond,
		}
	}

	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(output); err != nil {
		fmt.Fprintf(os.Stderr, "Error encoding JSON: %v\n", err)
		os.Exit(1)
	}
}
