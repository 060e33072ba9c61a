package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and drain the post sync queue",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List posts awaiting a background sync",
	Args:  cobra.NoArgs,
	RunE:  runQueueList,
}

var queueSyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Retry every queued post sync against the remote API",
	Args:  cobra.NoArgs,
	RunE:  runQueueSync,
}

func init() {
	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueSyncCmd)
}

func runQueueList(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	client, _, err := openClient()
	if err != nil {
		return err
	}
	defer client.Close()

	keys, err := client.Queue(ctx)
	if err != nil {
		return fmt.Errorf("list queue: %w", err)
	}

	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"keys":  keys,
			"total": len(keys),
		})
	}

	if len(keys) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "Queue is empty.")
		return nil
	}

	w := newTabWriter(cmd.OutOrStdout())
	fmt.Fprintln(w, "KEY\tPATH\tATTEMPTS\tLAST ERROR")
	for _, key := range keys {
		path, attempts, lastErr := "-", 0, "-"
		if rec, err := client.Record(ctx, key); err == nil {
			if rec.Params != nil {
				path = rec.Params.Path
			}
			attempts = rec.Sync.Attempts
			if rec.Sync.LastError != "" {
				lastErr = rec.Sync.LastError
			}
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", key, path, attempts, lastErr)
	}
	return w.Flush()
}

func runQueueSync(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	client, _, err := openClient()
	if err != nil {
		return err
	}
	defer client.Close()

	attempted, syncErr := client.SyncPending(ctx)
	remaining, err := client.Queue(ctx)
	if err != nil {
		return fmt.Errorf("list queue: %w", err)
	}

	if jsonOutput {
		result := map[string]any{
			"attempted": attempted,
			"remaining": len(remaining),
		}
		if syncErr != nil {
			result["error"] = syncErr.Error()
		}
		if err := printJSON(cmd.OutOrStdout(), result); err != nil {
			return err
		}
	} else {
		fmt.Fprintf(cmd.OutOrStdout(), "Attempted %d, %d still queued\n", attempted, len(remaining))
	}

	// Failed posts stay queued; report them through the exit status.
	if syncErr != nil {
		return fmt.Errorf("sync queue: %w", syncErr)
	}
	return nil
}
