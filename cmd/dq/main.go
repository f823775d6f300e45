// dq is the driftq command-line client: it queues local mutations, drains
// them against a remote, and manages the records that need a human.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/driftq/driftq/internal/config"
	"github.com/driftq/driftq/internal/conflict"
	"github.com/driftq/driftq/internal/queue"
	"github.com/driftq/driftq/internal/remote"
	"github.com/driftq/driftq/internal/retry"
	"github.com/driftq/driftq/internal/ui"
)

// version is stamped at build time via -ldflags.
var version = "dev"

var configPath string

var rootCmd = &cobra.Command{
	Use:   "dq",
	Short: "Offline-first mutation sync",
	Long: `dq manages a durable queue of pending local mutations and reconciles
them with a remote source of truth.

Local edits are enqueued (directly or through a spool directory), drained in
priority order when the remote is reachable, retried with backoff on transient
failures, and resolved or flagged for review when local and remote state
diverge.

Configuration is read from driftq.yaml in the working directory or ~/.driftq,
with DRIFTQ_* environment variables taking precedence.`,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print dq version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("%s %s (protocol %s)\n", ui.RenderAccent("dq"), version, remote.ProtocolVersion)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to driftq.yaml (default: search . and ~/.driftq)")
	rootCmd.AddGroup(
		&cobra.Group{ID: "queue", Title: "Queue commands:"},
		&cobra.Group{ID: "sync", Title: "Sync commands:"},
		&cobra.Group{ID: "advanced", Title: "Advanced commands:"},
	)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads configuration honoring the global --config flag.
func loadConfig() (*config.Config, error) {
	return config.Load(configPath)
}

// loadPolicy reads the conflict policy file named by the config, or returns
// nil when none is configured.
func loadPolicy(cfg *config.Config) (*conflict.Policy, error) {
	if cfg.Conflict.PolicyFile == "" {
		return nil, nil
	}
	return conflict.LoadPolicyFile(cfg.Conflict.PolicyFile)
}

// openQueue opens the queue database with expiry settings from the config
// and the policy file, and initializes the schema.
func openQueue(cfg *config.Config, policy *conflict.Policy) (*queue.Queue, error) {
	opts := queue.DefaultOptions()
	opts.ExpiryWindow = cfg.DB.ExpiryWindow
	if policy != nil && len(policy.ExpiryOverrides) > 0 {
		opts.ExpiryOverrides = make(map[string]time.Duration, len(policy.ExpiryOverrides))
		for entityType := range policy.ExpiryOverrides {
			if d, ok := policy.ExpiryOverride(entityType); ok {
				opts.ExpiryOverrides[entityType] = d
			}
		}
	}

	q, err := queue.OpenWithOptions(cfg.DB.Path, opts)
	if err != nil {
		return nil, err
	}
	if err := q.InitSchema(); err != nil {
		_ = q.Close()
		return nil, err
	}
	return q, nil
}

// buildEndpoint constructs the configured remote endpoint. The returned
// cleanup func is a no-op for endpoints without connection state.
func buildEndpoint(cfg *config.Config) (remote.Endpoint, func(), error) {
	if cfg.Remote.URL == "" {
		return nil, nil, fmt.Errorf("remote.url is not configured")
	}
	switch cfg.Remote.Kind {
	case "http":
		return remote.NewHTTPEndpoint(cfg.Remote.URL), func() {}, nil
	case "libsql":
		ep, err := remote.OpenLibsql(cfg.Remote.URL)
		if err != nil {
			return nil, nil, err
		}
		return ep, func() { _ = ep.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown remote kind %q", cfg.Remote.Kind)
	}
}

// retryPolicy converts the config's retry section into a policy.
func retryPolicy(cfg *config.Config) retry.Policy {
	return retry.Policy{
		BaseDelay:           cfg.Retry.BaseDelay,
		MaxDelay:            cfg.Retry.MaxDelay,
		CriticalMaxDelay:    cfg.Retry.CriticalMaxDelay,
		MaxAttempts:         cfg.Retry.MaxAttempts,
		CriticalMaxAttempts: cfg.Retry.CriticalMaxAttempts,
	}
}
