package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var (
	clearForce     bool
	pruneLifetime  string
	recordsShowRaw bool
)

var recordsCmd = &cobra.Command{
	Use:   "records",
	Short: "Inspect and maintain cached records",
	Long:  "List, show, prune, and clear cached records without running the proxy.",
}

var recordsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List cached records, newest first",
	Args:  cobra.NoArgs,
	RunE:  runRecordsList,
}

var recordsShowCmd = &cobra.Command{
	Use:   "show <key>",
	Short: "Show one cached record",
	Args:  cobra.ExactArgs(1),
	RunE:  runRecordsShow,
}

var recordsPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Remove records older than the cache lifetime",
	Args:  cobra.NoArgs,
	RunE:  runRecordsPrune,
}

var recordsClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove every cached record",
	Long:  "Remove every cached record and the manifest. Requires --force or interactive confirmation.",
	Args:  cobra.NoArgs,
	RunE:  runRecordsClear,
}

func init() {
	recordsShowCmd.Flags().BoolVar(&recordsShowRaw, "raw", false,
		"Print only the response body")
	recordsPruneCmd.Flags().StringVar(&pruneLifetime, "lifetime", "",
		`Maximum record age, e.g. "2 days" (defaults to cache.lifetime)`)
	recordsClearCmd.Flags().BoolVar(&clearForce, "force", false,
		"Skip confirmation prompt")

	recordsCmd.AddCommand(recordsListCmd)
	recordsCmd.AddCommand(recordsShowCmd)
	recordsCmd.AddCommand(recordsPruneCmd)
	recordsCmd.AddCommand(recordsClearCmd)
}

func runRecordsList(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	client, _, err := openClient()
	if err != nil {
		return err
	}
	defer client.Close()

	entries, err := client.Records(ctx)
	if err != nil {
		return fmt.Errorf("list records: %w", err)
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Timestamp.After(entries[j].Timestamp)
	})

	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"records": entries,
			"total":   len(entries),
		})
	}

	if len(entries) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No records cached.")
		return nil
	}

	w := newTabWriter(cmd.OutOrStdout())
	fmt.Fprintln(w, "KEY\tCACHED\tPAGE SERIES")
	for _, e := range entries {
		series := e.PageSeriesKey
		if series == "" {
			series = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", e.Key, humanize.Time(e.Timestamp), series)
	}
	return w.Flush()
}

func runRecordsShow(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	client, _, err := openClient()
	if err != nil {
		return err
	}
	defer client.Close()

	rec, err := client.Record(ctx, args[0])
	if err != nil {
		return err
	}

	if recordsShowRaw {
		return printJSON(cmd.OutOrStdout(), json.RawMessage(rec.Body))
	}
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), rec)
	}

	out := cmd.OutOrStdout()
	w := newTabWriter(out)
	fmt.Fprintf(w, "Key:\t%s\n", rec.Sync.Key)
	if rec.Params != nil {
		fmt.Fprintf(w, "Request:\t%s /rest/v%s%s\n", rec.Params.Method, rec.Params.APIVersion, requestTarget(rec.Params.Path, rec.Params.Query))
	}
	if rec.Sync.Synced != nil {
		fmt.Fprintf(w, "Synced:\t%s (%s)\n", rec.Sync.Synced.Format("2006-01-02 15:04:05"), humanize.Time(*rec.Sync.Synced))
	} else {
		fmt.Fprintln(w, "Synced:\tno")
	}
	if rec.Sync.Attempts > 0 {
		fmt.Fprintf(w, "Attempts:\t%d\n", rec.Sync.Attempts)
	}
	if rec.Sync.LastError != "" {
		fmt.Fprintf(w, "Last error:\t%s\n", rec.Sync.LastError)
	}
	fmt.Fprintf(w, "Body:\t%s\n", humanize.Bytes(uint64(len(rec.Body))))
	if err := w.Flush(); err != nil {
		return err
	}
	return printJSON(out, json.RawMessage(rec.Body))
}

func runRecordsPrune(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	client, cfg, err := openClient()
	if err != nil {
		return err
	}
	defer client.Close()

	lifetime := pruneLifetime
	if lifetime == "" {
		lifetime = cfg.Cache.Lifetime
	}
	n, err := client.Prune(ctx, lifetime)
	if err != nil {
		return err
	}

	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"lifetime": lifetime,
			"removed":  n,
		})
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Removed %d %s older than %s\n", n, pluralRecords(n), lifetime)
	return nil
}

func runRecordsClear(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	if !clearForce {
		errOut := cmd.ErrOrStderr()
		fmt.Fprintln(errOut, "WARNING: This will permanently remove every cached record.")
		fmt.Fprint(errOut, "Type \"clear\" to confirm: ")

		reader := bufio.NewReader(cmd.InOrStdin())
		input, err := reader.ReadString('\n')
		if err != nil && err != io.EOF {
			return fmt.Errorf("failed to read confirmation: %w", err)
		}
		if strings.TrimSpace(input) != "clear" {
			fmt.Fprintln(errOut, "Aborted.")
			return nil
		}
	}

	client, _, err := openClient()
	if err != nil {
		return err
	}
	defer client.Close()

	n, err := client.Clear(ctx)
	if err != nil {
		return err
	}

	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"removed": n,
		})
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Removed %d %s\n", n, pluralRecords(n))
	return nil
}

// printJSON marshals v to JSON and writes to the given writer.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// newTabWriter returns a configured tabwriter for aligned columns.
func newTabWriter(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
}

func pluralRecords(n int) string {
	if n == 1 {
		return "record"
	}
	return "records"
}

func requestTarget(path, query string) string {
	if query == "" {
		return path
	}
	return path + "?" + query
}
