package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/driftq/driftq/internal/record"
	"github.com/driftq/driftq/internal/spool"
	"github.com/driftq/driftq/internal/ui"
)

var enqueueCmd = &cobra.Command{
	Use:     "enqueue <entity-type> <entity-id>",
	GroupID: "queue",
	Short:   "Queue a local mutation for sync",
	Long: `Queue one pending change to one local entity.

The payload is the full post-mutation entity state, given inline with
--payload, from a file with --payload-file, or from stdin with
--payload-file -. Deletes carry no payload.

Enqueueing a second mutation for an entity that already has one queued
replaces the queued payload instead of adding a duplicate: only the latest
local state is ever pushed.

With --spool the mutation is written to the spool directory instead of the
queue database; a running daemon picks it up. Use this when another process
holds the database.

Examples:
  dq enqueue capture c-1042 --payload '{"status":"done"}'
  dq enqueue project p-7 --op create --payload-file project.json --critical
  dq enqueue annotation a-3 --op delete --base-version 4`,
	Args: cobra.ExactArgs(2),
	Run:  runEnqueue,
}

func init() {
	enqueueCmd.Flags().String("op", "update", "Operation: create, update, or delete")
	enqueueCmd.Flags().String("payload", "", "Entity snapshot as inline JSON")
	enqueueCmd.Flags().String("payload-file", "", "Read the entity snapshot from a file (- for stdin)")
	enqueueCmd.Flags().Int("priority", 0, "Dequeue priority (higher = more urgent)")
	enqueueCmd.Flags().Bool("critical", false, "Never silently drop this mutation on expiry")
	enqueueCmd.Flags().Int64("base-version", 0, "Entity version this change was based on")
	enqueueCmd.Flags().Bool("spool", false, "Write to the spool directory instead of the queue database")
	rootCmd.AddCommand(enqueueCmd)
}

func runEnqueue(cmd *cobra.Command, args []string) {
	opStr, _ := cmd.Flags().GetString("op")
	payloadInline, _ := cmd.Flags().GetString("payload")
	payloadFile, _ := cmd.Flags().GetString("payload-file")
	priority, _ := cmd.Flags().GetInt("priority")
	critical, _ := cmd.Flags().GetBool("critical")
	baseVersion, _ := cmd.Flags().GetInt64("base-version")
	toSpool, _ := cmd.Flags().GetBool("spool")

	op, err := record.ParseOp(opStr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	payload, err := readPayload(payloadInline, payloadFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading payload: %v\n", err)
		os.Exit(1)
	}

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if toSpool {
		mf := &spool.MutationFile{
			EntityType:   args[0],
			EntityID:     args[1],
			Operation:    op.String(),
			Payload:      json.RawMessage(payload),
			Priority:     priority,
			Critical:     critical,
			LocalVersion: baseVersion,
		}
		if err := spool.WriteMutationFile(cfg.Spool.Dir, mf); err != nil {
			fmt.Fprintf(os.Stderr, "Error spooling mutation: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%s Spooled %s\n", ui.RenderPass("✓"), filepath.Join(cfg.Spool.Dir, mf.Filename()))
		return
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
	defer q.Close()

	id, err := q.Enqueue(&record.Mutation{
		EntityType:   args[0],
		EntityID:     args[1],
		Op:           op,
		Payload:      payload,
		Priority:     priority,
		Critical:     critical,
		LocalVersion: baseVersion,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error enqueueing mutation: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("%s Queued %s (%s %s/%s)\n", ui.RenderPass("✓"), id, op, args[0], args[1])
}

// readPayload resolves the payload from the inline flag, a file, or stdin.
func readPayload(inline, file string) ([]byte, error) {
	if inline != "" && file != "" {
		return nil, fmt.Errorf("--payload and --payload-file are mutually exclusive")
	}
	if inline != "" {
		return []byte(inline), nil
	}
	if file == "" {
		return nil, nil
	}
	if file == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(file)
}
