package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/zen-systems/modelgate/pkg/artifact"
	"github.com/zen-systems/modelgate/pkg/ledger"
	"github.com/zen-systems/modelgate/pkg/pending"
)

func pendingCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pending",
		Short: "Inspect and fulfill deferred tasks",
	}
	cmd.AddCommand(pendingListCmd())
	cmd.AddCommand(pendingShowCmd())
	cmd.AddCommand(pendingFulfillCmd())
	cmd.AddCommand(pendingPollCmd())
	return cmd
}

func openQueue() (*pending.FileQueue, error) {
	s, err := loadSettings()
	if err != nil {
		return nil, fmt.Errorf("failed to load settings: %w", err)
	}
	return pending.NewFileQueue(s.PendingDir(), nil)
}

func pendingListCmd() *cobra.Command {
	var status string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List pending-task records",
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := openQueue()
			if err != nil {
				return err
			}
			recs, err := q.List(cmd.Context(), pending.Status(status))
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTATUS\tTASK\tKEY\tMODEL\tCREATED")
			for _, r := range recs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					r.ID, r.Status, r.Task, dash(r.RoutingKey), dash(r.Model), r.CreatedAt.Format(time.RFC3339))
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status (pending, ready, completed, stale)")
	return cmd
}

func pendingShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show [id]",
		Short: "Print one record as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := openQueue()
			if err != nil {
				return err
			}
			rec, err := q.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(rec)
		},
	}
}

func pendingFulfillCmd() *cobra.Command {
	var content, file, mediaType, url, provider string

	cmd := &cobra.Command{
		Use:   "fulfill [id]",
		Short: "Attach a result to a pending record",
		Long: `Moves a pending record to ready. The next dispatch of the same task,
	routing key and input consumes the result exactly once.

	Text results come from --content or --file. Passing --media-type with
	--file (or --url) stores an image result.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			q, err := openQueue()
			if err != nil {
				return err
			}
			rec, err := q.Get(ctx, args[0])
			if err != nil {
				return err
			}

			var payload *artifact.Artifact
			switch {
			case mediaType != "" || url != "":
				var data []byte
				if file != "" {
					if data, err = os.ReadFile(file); err != nil {
						return fmt.Errorf("read result file: %w", err)
					}
				}
				payload = artifact.NewImage(data, mediaType, url, provider, rec.Model)
			case file != "":
				data, err := os.ReadFile(file)
				if err != nil {
					return fmt.Errorf("read result file: %w", err)
				}
				payload = artifact.New(string(data), provider, rec.Model)
			case content != "":
				payload = artifact.New(content, provider, rec.Model)
			default:
				return fmt.Errorf("one of --content, --file or --url is required")
			}

			done, err := q.Fulfill(ctx, rec.ID, payload)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", done.ID, done.Status)
			return nil
		},
	}
	cmd.Flags().StringVar(&content, "content", "", "text result")
	cmd.Flags().StringVar(&file, "file", "", "read the result from a file")
	cmd.Flags().StringVar(&mediaType, "media-type", "", "media type of an image result")
	cmd.Flags().StringVar(&url, "url", "", "URL of an image result")
	cmd.Flags().StringVar(&provider, "provider", "external", "provider recorded on the artifact")
	return cmd
}

func pendingPollCmd() *cobra.Command {
	var input string

	cmd := &cobra.Command{
		Use:   "poll [id]",
		Short: "Report a record's status for a given input",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := openQueue()
			if err != nil {
				return err
			}
			fp := ""
			if cmd.Flags().Changed("input") {
				fp = pending.Fingerprint(input)
			}
			status, err := q.Poll(cmd.Context(), args[0], fp)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), status)
			return nil
		},
	}
	cmd.Flags().StringVar(&input, "input", "", "input to check the fingerprint against")
	return cmd
}

func cursorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cursor",
		Short: "Inspect or reset round-robin cursors",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show cursor values",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			values, err := a.cursors.List(cmd.Context())
			if err != nil {
				return err
			}
			keys := make([]string, 0, len(values))
			for k := range values {
				keys = append(keys, k)
			}
			sort.Strings(keys)

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "KEY\tNEXT")
			for _, k := range keys {
				fmt.Fprintf(w, "%s\t%d\n", k, values[k])
			}
			return w.Flush()
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "reset [key]",
		Short: "Reset a cursor to zero",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.cursors.Reset(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "reset %s\n", args[0])
			return nil
		},
	})
	return cmd
}

func ledgerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Read the usage ledger",
	}

	var n int
	var jsonOut bool
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show the most recent ledger entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadSettings()
			if err != nil {
				return fmt.Errorf("failed to load settings: %w", err)
			}
			entries, err := ledger.Tail(s.Ledger(), n)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if jsonOut {
				enc := json.NewEncoder(out)
				for i := range entries {
					if err := enc.Encode(&entries[i]); err != nil {
						return err
					}
				}
				return nil
			}

			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tTASK\tSTATUS\tOUTCOME\tMODEL\tATTEMPTS\tCOST\tERROR")
			for _, e := range entries {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%.4f\t%s\n",
					e.Timestamp.Format(time.RFC3339), e.Task, e.Status, dash(e.Outcome), dash(e.Model),
					len(e.Attempts), e.Cost.Amount, dash(string(e.ErrorClass)))
			}
			return w.Flush()
		},
	}
	tail.Flags().IntVarP(&n, "lines", "n", 20, "number of entries")
	tail.Flags().BoolVar(&jsonOut, "json", false, "print raw JSON lines")
	cmd.AddCommand(tail)
	return cmd
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
