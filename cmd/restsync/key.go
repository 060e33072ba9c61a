package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/restsync/internal/transport"
	"github.com/hyperengineering/restsync/internal/types"
	"github.com/hyperengineering/restsync/internal/validation"
)

var (
	keyAPIVersion string
	keyKind       string
)

var keyCmd = &cobra.Command{
	Use:   "key <method> <path> [query]",
	Short: "Print the record key a request is cached under",
	Args:  cobra.RangeArgs(2, 3),
	RunE:  runKey,
}

func init() {
	keyCmd.Flags().StringVar(&keyAPIVersion, "api-version", transport.DefaultAPIVersion,
		"REST API version")
	keyCmd.Flags().StringVar(&keyKind, "kind", "auto",
		"Request kind: auto, single, or list")
}

func runKey(cmd *cobra.Command, args []string) error {
	req := &types.Request{
		APIVersion: keyAPIVersion,
		Method:     strings.ToUpper(args[0]),
		Path:       args[1],
	}
	if len(args) == 3 {
		req.Query = strings.TrimPrefix(args[2], "?")
	}
	switch strings.ToLower(keyKind) {
	case "auto":
	case "single":
		req.Kind = types.KindSingle
	case "list":
		req.Kind = types.KindList
	default:
		return fmt.Errorf("invalid --kind %q: must be auto, single, or list", keyKind)
	}

	if errs := validation.ValidateRequest(*req); len(errs) > 0 {
		msgs := make([]string, len(errs))
		for i, e := range errs {
			msgs[i] = e.Field + ": " + e.Message
		}
		return fmt.Errorf("invalid request: %s", strings.Join(msgs, "; "))
	}

	client, _, err := openClient()
	if err != nil {
		return err
	}
	defer client.Close()

	info := client.Key(req)
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), info)
	}

	w := newTabWriter(cmd.OutOrStdout())
	fmt.Fprintf(w, "Key:\t%s\n", info.Key)
	fmt.Fprintf(w, "Raw:\t%s\n", info.Raw)
	if info.List {
		fmt.Fprintf(w, "Page series:\t%s\n", info.PageSeriesKey)
	}
	return w.Flush()
}
