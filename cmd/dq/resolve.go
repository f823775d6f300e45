package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/driftq/driftq/internal/record"
	"github.com/driftq/driftq/internal/ui"
)

var resolveCmd = &cobra.Command{
	Use:     "resolve [record-id]",
	GroupID: "queue",
	Short:   "Review and resolve failed mutations",
	Long: `Walk through failed mutations and decide what happens to each.

Failed records are mutations the sync engine gave up on: pushes that
exhausted their retries, payloads the remote rejected, expired critical
records, and conflicts flagged for manual review. They stay in the queue
until resolved here.

Retrying re-enqueues the local change as a fresh pending mutation.
Discarding drops it; for flagged conflicts that means accepting the remote
version.

Without a terminal, use --retry or --discard to resolve non-interactively.

Examples:
  dq resolve                  # walk through every failed record
  dq resolve 4f2a91c0         # resolve one record
  dq resolve --discard        # drop all failed records
  dq resolve 4f2a91c0 --retry # re-enqueue one record`,
	Args: cobra.MaximumNArgs(1),
	Run:  runResolve,
}

func init() {
	resolveCmd.Flags().Bool("retry", false, "Re-enqueue without prompting")
	resolveCmd.Flags().Bool("discard", false, "Discard without prompting")
	rootCmd.AddCommand(resolveCmd)
}

func runResolve(cmd *cobra.Command, args []string) {
	retryAll, _ := cmd.Flags().GetBool("retry")
	discardAll, _ := cmd.Flags().GetBool("discard")
	if retryAll && discardAll {
		fmt.Fprintf(os.Stderr, "Error: --retry and --discard are mutually exclusive\n")
		os.Exit(1)
	}

	q := mustOpenQueue()
	defer q.Close()

	ctx := context.Background()

	var records []*record.Mutation
	if len(args) == 1 {
		m, err := q.Get(ctx, args[0])
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if m.Status != record.StatusFailed {
			fmt.Fprintf(os.Stderr, "Error: record %s is %s, not failed\n", args[0], m.Status)
			os.Exit(1)
		}
		records = append(records, m)
	} else {
		failed, err := q.FailedRecords(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error listing failed records: %v\n", err)
			os.Exit(1)
		}
		records = failed
	}

	if len(records) == 0 {
		fmt.Printf("%s No failed records\n", ui.RenderPass("✓"))
		return
	}

	interactive := !retryAll && !discardAll
	if interactive && !term.IsTerminal(int(os.Stdin.Fd())) {
		fmt.Fprintf(os.Stderr, "Error: stdin is not a terminal; use --retry or --discard\n")
		os.Exit(1)
	}

	retried, discarded, skipped := 0, 0, 0
	for _, m := range records {
		choice := "retry"
		if discardAll {
			choice = "discard"
		}
		if interactive {
			printFailedRecord(m)
			var err error
			choice, err = promptResolution(m)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
		}

		switch choice {
		case "retry":
			newID, err := q.Resubmit(m.ID)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error retrying %s: %v\n", m.ID, err)
				os.Exit(1)
			}
			retried++
			fmt.Printf("%s Re-enqueued %s as %s\n", ui.RenderPass("✓"), shortID(m.ID), newID)
		case "discard":
			if err := q.Discard(ctx, m.ID); err != nil {
				fmt.Fprintf(os.Stderr, "Error discarding %s: %v\n", m.ID, err)
				os.Exit(1)
			}
			discarded++
			fmt.Printf("%s Discarded %s\n", ui.RenderPass("✓"), shortID(m.ID))
		case "skip":
			skipped++
		}
	}

	fmt.Printf("\nResolved %d records: %d retried, %d discarded, %d skipped\n",
		retried+discarded, retried, discarded, skipped)
}

// printFailedRecord shows everything a human needs to decide: the local
// change, why it failed, and the remote version when the failure was a
// flagged conflict.
func printFailedRecord(m *record.Mutation) {
	fmt.Printf("\n%s %s  %s %s\n", ui.RenderHeader(m.Key().String()), ui.RenderMuted(shortID(m.ID)),
		m.Op.String(), ui.RenderFail(m.Status.String()))
	fmt.Printf("   Reason: %s\n", m.FailureReason)
	fmt.Printf("   Enqueued: %s, %d attempts\n", m.EnqueuedAt.Local().Format(time.RFC822), m.Attempts)
	if len(m.Payload) > 0 {
		fmt.Printf("   Local (v%d): %s\n", m.LocalVersion, truncatePayload(m.Payload))
	}
	if len(m.RemotePayload) > 0 {
		fmt.Printf("   Remote (v%d): %s\n", m.RemoteVersion, truncatePayload(m.RemotePayload))
	}
}

// truncatePayload bounds payload echo for terminal display.
func truncatePayload(p []byte) string {
	const max = 120
	if len(p) <= max {
		return string(p)
	}
	return string(p[:max]) + "…"
}

// promptResolution asks what to do with one failed record.
func promptResolution(m *record.Mutation) (string, error) {
	discardLabel := "Discard local change"
	if len(m.RemotePayload) > 0 {
		discardLabel = "Discard local change (accept remote version)"
	}

	var choice string
	form := huh.NewForm(huh.NewGroup(
		huh.NewSelect[string]().
			Title(fmt.Sprintf("Resolve %s", m.Key())).
			Options(
				huh.NewOption("Retry (re-enqueue local change)", "retry"),
				huh.NewOption(discardLabel, "discard"),
				huh.NewOption("Skip for now", "skip"),
			).
			Value(&choice),
	))
	if err := form.Run(); err != nil {
		return "", err
	}
	return choice, nil
}
