package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"github.com/driftq/driftq/internal/migrate"
	"github.com/driftq/driftq/internal/queue"
	"github.com/driftq/driftq/internal/record"
	"github.com/driftq/driftq/internal/ui"
)

var queueCmd = &cobra.Command{
	Use:     "queue",
	GroupID: "queue",
	Short:   "Inspect and manage the mutation queue",
	Long: `Inspect and manage the durable queue of pending local mutations.

The queue database is a local SQLite file (db.path in driftq.yaml). Records
stay queued until the remote accepts them, they expire, or they are
quarantined for manual resolution.`,
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued mutations",
	Long: `List mutations in the queue, newest first.

--since accepts a duration ("90m"), an RFC 3339 timestamp, or natural
language ("2 hours ago", "yesterday").

Examples:
  dq queue list
  dq queue list --status failed
  dq queue list --type capture --since "2 hours ago"
  dq queue list --critical --json`,
	Run: runQueueList,
}

var queueStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show queue status",
	Long: `Display a point-in-time summary of the queue.

Shows:
  - Queue database location and size
  - Record counts by status
  - Critical backlog and next retry time`,
	Run: runQueueStatus,
}

var queueRetryCmd = &cobra.Command{
	Use:   "retry <record-id>",
	Short: "Re-enqueue a failed mutation",
	Long: `Re-enqueue a failed mutation as a fresh pending record.

The record gets a new id, a zero attempt count, and a fresh expiry deadline.
The failed original is removed.`,
	Args: cobra.ExactArgs(1),
	Run:  runQueueRetry,
}

var queueDiscardCmd = &cobra.Command{
	Use:   "discard <record-id>",
	Short: "Drop a queued or failed mutation",
	Args:  cobra.ExactArgs(1),
	Run:   runQueueDiscard,
}

var queuePurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Sweep expired mutations from the queue",
	Long: `Sweep mutations that sat queued past their expiry deadline.

Non-critical expired records are deleted. Critical expired records are moved
to failed instead, so they stay visible until someone resolves them.`,
	Run: runQueuePurge,
}

var queueExportCmd = &cobra.Command{
	Use:   "export <path>",
	Short: "Snapshot the queue to a JSONL file",
	Args:  cobra.ExactArgs(1),
	Run:   runQueueExport,
}

var queueImportCmd = &cobra.Command{
	Use:   "import <path>",
	Short: "Restore a JSONL snapshot into the queue",
	Long: `Restore a JSONL snapshot into the queue.

Every imported record is re-enqueued as a fresh pending mutation; status,
attempt counts, and deadlines in the snapshot are ignored. Lines that fail
to decode are skipped and counted. Unless --no-backup is given, the live
queue is snapshotted next to the database file first.`,
	Args: cobra.ExactArgs(1),
	Run:  runQueueImport,
}

func init() {
	queueListCmd.Flags().StringSlice("status", nil, "Filter by status (pending, in_flight, pending_retry, failed)")
	queueListCmd.Flags().String("type", "", "Filter by entity type")
	queueListCmd.Flags().Bool("critical", false, "Show only critical mutations")
	queueListCmd.Flags().String("since", "", "Show mutations enqueued since a time (\"90m\", \"2 hours ago\", RFC 3339)")
	queueListCmd.Flags().Int("limit", 50, "Maximum records to show (0 = all)")
	queueListCmd.Flags().Bool("json", false, "Output records as JSON")

	queueImportCmd.Flags().Bool("dry-run", false, "Decode and count without enqueueing")
	queueImportCmd.Flags().Bool("no-backup", false, "Skip the pre-import queue snapshot")

	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueStatusCmd)
	queueCmd.AddCommand(queueRetryCmd)
	queueCmd.AddCommand(queueDiscardCmd)
	queueCmd.AddCommand(queuePurgeCmd)
	queueCmd.AddCommand(queueExportCmd)
	queueCmd.AddCommand(queueImportCmd)
	rootCmd.AddCommand(queueCmd)
}

// mustOpenQueue loads config, policy, and the queue, exiting on failure.
func mustOpenQueue() *queue.Queue {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	policy, err := loadPolicy(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	q, err := openQueue(cfg, policy)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening queue: %v\n", err)
		os.Exit(1)
	}
	return q
}

func runQueueList(cmd *cobra.Command, args []string) {
	statuses, _ := cmd.Flags().GetStringSlice("status")
	entityType, _ := cmd.Flags().GetString("type")
	criticalOnly, _ := cmd.Flags().GetBool("critical")
	sinceStr, _ := cmd.Flags().GetString("since")
	limit, _ := cmd.Flags().GetInt("limit")
	jsonOutput, _ := cmd.Flags().GetBool("json")

	filter := queue.ListFilter{
		EntityType:   entityType,
		CriticalOnly: criticalOnly,
		Limit:        limit,
	}
	for _, s := range statuses {
		parsed, err := record.ParseStatus(s)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		filter.Statuses = append(filter.Statuses, parsed)
	}
	if sinceStr != "" {
		since, err := parseSince(sinceStr, time.Now())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		filter.Since = &since
	}

	q := mustOpenQueue()
	defer q.Close()

	records, err := q.List(context.Background(), filter)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error listing queue: %v\n", err)
		os.Exit(1)
	}

	if jsonOutput {
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(records); err != nil {
			fmt.Fprintf(os.Stderr, "Error encoding JSON: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if len(records) == 0 {
		fmt.Println("Queue is empty")
		return
	}

	fmt.Printf("%s\n", ui.RenderHeader(fmt.Sprintf("%-10s %-14s %-28s %-7s %4s %5s %4s  %s",
		"ID", "STATUS", "ENTITY", "OP", "PRIO", "CRIT", "TRY", "AGE")))
	for _, m := range records {
		fmt.Println(formatListRow(m, time.Now()))
	}
}

// formatListRow renders one queue record as a fixed-width table row.
func formatListRow(m *record.Mutation, now time.Time) string {
	crit := ""
	if m.Critical {
		crit = ui.RenderWarn("yes")
	}
	return fmt.Sprintf("%-10s %-14s %-28s %-7s %4d %5s %4d  %s",
		shortID(m.ID),
		ui.RenderStatus(m.Status.String()),
		m.Key().String(),
		m.Op.String(),
		m.Priority,
		crit,
		m.Attempts,
		formatAge(now.Sub(m.EnqueuedAt)))
}

// shortID truncates a record id for table display.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// formatAge renders a duration in the largest sensible unit.
func formatAge(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%.1fh", d.Hours())
	default:
		return fmt.Sprintf("%.1fd", d.Hours()/24)
	}
}

// parseSince resolves a user-supplied time expression: a duration relative
// to now, an RFC 3339 timestamp, or natural language.
func parseSince(s string, now time.Time) (time.Time, error) {
	if d, err := time.ParseDuration(s); err == nil {
		return now.Add(-d), nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}

	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	result, err := w.Parse(s, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("could not parse time %q: %w", s, err)
	}
	if result == nil {
		return time.Time{}, fmt.Errorf("could not parse time %q", s)
	}
	return result.Time, nil
}

func runQueueStatus(cmd *cobra.Command, args []string) {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	info, err := os.Stat(cfg.DB.Path)
	if os.IsNotExist(err) {
		fmt.Printf("\n%s Queue not initialized at %s\n", ui.RenderWarn("⚠"), cfg.DB.Path)
		fmt.Printf("   Run 'dq enqueue' to create it\n\n")
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error checking queue: %v\n", err)
		os.Exit(1)
	}

	q := mustOpenQueue()
	defer q.Close()

	stats, err := q.Stats(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading queue stats: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("\n%s Queue Status\n\n", ui.RenderAccent("📊"))
	fmt.Printf("Location: %s\n", cfg.DB.Path)
	fmt.Printf("Size: %s\n", formatSize(info.Size()))
	fmt.Printf("Pending: %d\n", stats.Pending)
	fmt.Printf("Awaiting retry: %d\n", stats.PendingRetry)
	fmt.Printf("In flight: %d\n", stats.InFlight)
	if stats.Failed > 0 {
		fmt.Printf("Failed: %s\n", ui.RenderFail(fmt.Sprintf("%d", stats.Failed)))
	} else {
		fmt.Printf("Failed: 0\n")
	}
	if stats.CriticalBacklog > 0 {
		fmt.Printf("Critical backlog: %s\n", ui.RenderWarn(fmt.Sprintf("%d", stats.CriticalBacklog)))
	}
	if stats.NextRetryAt != nil {
		fmt.Printf("Next retry: %s\n", stats.NextRetryAt.Local().Format("2006-01-02 15:04:05"))
	}
	fmt.Println()
}

// formatSize renders a byte count in human units.
func formatSize(size int64) string {
	switch {
	case size > 1024*1024:
		return fmt.Sprintf("%.1f MB", float64(size)/(1024*1024))
	case size > 1024:
		return fmt.Sprintf("%.1f KB", float64(size)/1024)
	default:
		return fmt.Sprintf("%d bytes", size)
	}
}

func runQueueRetry(cmd *cobra.Command, args []string) {
	q := mustOpenQueue()
	defer q.Close()

	newID, err := q.Resubmit(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error retrying record: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("%s Re-enqueued as %s\n", ui.RenderPass("✓"), newID)
}

func runQueueDiscard(cmd *cobra.Command, args []string) {
	q := mustOpenQueue()
	defer q.Close()

	if err := q.Discard(context.Background(), args[0]); err != nil {
		fmt.Fprintf(os.Stderr, "Error discarding record: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("%s Discarded %s\n", ui.RenderPass("✓"), args[0])
}

func runQueuePurge(cmd *cobra.Command, args []string) {
	q := mustOpenQueue()
	defer q.Close()

	removed, escalated, err := q.PurgeExpired()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error purging queue: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("%s Purged %d expired records\n", ui.RenderPass("✓"), removed)
	if escalated > 0 {
		fmt.Printf("%s %d critical records escalated to failed; run 'dq resolve'\n",
			ui.RenderWarn("⚠"), escalated)
	}
}

func runQueueExport(cmd *cobra.Command, args []string) {
	q := mustOpenQueue()
	defer q.Close()

	result, err := migrate.Export(context.Background(), q, args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error exporting queue: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("%s Exported %d records to %s\n", ui.RenderPass("✓"), result.Records, result.Path)
}

func runQueueImport(cmd *cobra.Command, args []string) {
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	noBackup, _ := cmd.Flags().GetBool("no-backup")

	q := mustOpenQueue()
	defer q.Close()

	result, err := migrate.Import(context.Background(), q, args[0], migrate.ImportOptions{
		DryRun: dryRun,
		Backup: !noBackup,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error importing snapshot: %v\n", err)
		os.Exit(1)
	}

	if dryRun {
		fmt.Printf("Dry run: %d records decoded, %d lines skipped\n", result.Decoded, result.Skipped)
	} else {
		fmt.Printf("%s Imported %d of %d records", ui.RenderPass("✓"), result.Imported, result.Decoded)
		if result.Skipped > 0 {
			fmt.Printf(" (%d lines skipped)", result.Skipped)
		}
		fmt.Println()
	}
	if result.BackupCreated != "" {
		fmt.Printf("   Backup: %s\n", result.BackupCreated)
	}
	if len(result.Errors) > 0 {
		fmt.Printf("%s Skipped lines:\n", ui.RenderWarn("⚠"))
		for _, e := range result.Errors {
			fmt.Printf("   %s\n", strings.TrimSpace(e))
		}
	}
}
