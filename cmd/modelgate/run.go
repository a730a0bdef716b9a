package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/zen-systems/modelgate/pkg/artifact"
	"github.com/zen-systems/modelgate/pkg/dispatch"
	"github.com/zen-systems/modelgate/pkg/policy"
	"github.com/zen-systems/modelgate/pkg/router"
)

func dispatchCmd() *cobra.Command {
	var (
		task, key, input, inputFile, kind, outFile string
		slot, execSlot                             int
		forceModel, forceProvider                  string
		familyEscape, emergency, jsonOut           bool
		options                                    map[string]string
	)

	cmd := &cobra.Command{
		Use:   "dispatch",
		Short: "Route and execute one task",
		Long: `Resolves the task to a candidate chain, applies policy and runs the
	call according to the exec slot's mode. Input is read from --input,
	--input-file, or stdin when neither is given.

	Forced models and providers are refused while lockdown is active; they
	also require --emergency or MODELGATE_EMERGENCY_OVERRIDE.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := readInput(cmd.InOrStdin(), input, inputFile)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			d, err := a.dispatcher()
			if err != nil {
				return err
			}

			req := dispatch.Request{
				Task:          task,
				RoutingKey:    key,
				Input:         text,
				Kind:          artifact.Kind(kind),
				Slot:          slot,
				ExecSlot:      execSlot,
				Options:       options,
				ForceModel:    forceModel,
				ForceProvider: forceProvider,
				FamilyEscape:  familyEscape,
				Flags:         a.flags(),
			}
			if emergency {
				req.Flags.EmergencyOverride = true
			}

			res, dispatchErr := d.Dispatch(ctx, req)
			out := cmd.OutOrStdout()
			if jsonOut {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				if err := enc.Encode(res); err != nil {
					return err
				}
				return dispatchErr
			}
			if dispatchErr != nil {
				return fmt.Errorf("%s: %w", res.Status, dispatchErr)
			}
			return printResult(out, res, outFile)
		},
	}

	cmd.Flags().StringVar(&task, "task", "", "task name (required)")
	cmd.Flags().StringVar(&key, "key", "", "routing key for pending-queue lookups (required for deferral)")
	cmd.Flags().StringVar(&input, "input", "", "input text")
	cmd.Flags().StringVar(&inputFile, "input-file", "", "read input from file")
	cmd.Flags().StringVar(&kind, "kind", "", "artifact kind (text, image)")
	cmd.Flags().IntVar(&slot, "slot", router.UseDefault, "routing slot (default from config)")
	cmd.Flags().IntVar(&execSlot, "exec-slot", router.UseDefault, "exec slot (default from config)")
	cmd.Flags().StringVar(&forceModel, "force-model", "", "force a model key, alias or backend id")
	cmd.Flags().StringVar(&forceProvider, "force-provider", "", "force a provider")
	cmd.Flags().BoolVar(&familyEscape, "family-escape", false, "allow a protected family to leave its allowed providers")
	cmd.Flags().BoolVar(&emergency, "emergency", false, "enable emergency override for this call")
	cmd.Flags().StringToStringVar(&options, "option", nil, "call option key=value (repeatable)")
	cmd.Flags().StringVar(&outFile, "out", "", "write image output to this file")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "print the full result as JSON")
	_ = cmd.MarkFlagRequired("task")

	return cmd
}

func readInput(stdin io.Reader, input, file string) (string, error) {
	switch {
	case input != "":
		return input, nil
	case file != "":
		data, err := os.ReadFile(file)
		if err != nil {
			return "", fmt.Errorf("read input file: %w", err)
		}
		return string(data), nil
	default:
		data, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("read stdin: %w", err)
		}
		return string(data), nil
	}
}

func printResult(w io.Writer, res *dispatch.Result, outFile string) error {
	switch res.Status {
	case dispatch.StatusPending:
		fmt.Fprintf(w, "pending: %s (%s)\n", res.Pending.ID, res.Reason)
		fmt.Fprintf(w, "fulfill with: modelgate pending fulfill %s --file <result>\n", res.Pending.ID)
		return nil
	case dispatch.StatusCompleted:
	default:
		return fmt.Errorf("dispatch %s: %s", res.Status, res.Reason)
	}

	art := res.Artifact
	fmt.Fprintf(os.Stderr, "[%s] %s/%s\n", res.Outcome, res.Provider, res.Model)
	if art.Kind != artifact.KindImage {
		fmt.Fprintln(w, art.Content)
		return nil
	}
	if outFile == "" {
		if art.URL != "" {
			fmt.Fprintln(w, art.URL)
			return nil
		}
		return fmt.Errorf("image result has %d bytes; use --out to save it", len(art.Data))
	}
	if err := os.WriteFile(outFile, art.Data, 0644); err != nil {
		return fmt.Errorf("write image: %w", err)
	}
	fmt.Fprintf(w, "wrote %s (%d bytes)\n", outFile, len(art.Data))
	return nil
}

func resolveCmd() *cobra.Command {
	var (
		slot, execSlot            int
		forceModel, forceProvider string
		familyEscape, emergency   bool
		options                   map[string]string
	)

	cmd := &cobra.Command{
		Use:   "resolve [task]",
		Short: "Show the routing decision for a task without calling a provider",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			snap := a.store.Snapshot()
			resolver := router.NewResolver(snap, a.cursors, a.logger)
			dec, err := resolver.Resolve(ctx, router.Request{Task: args[0], Slot: slot, ExecSlot: execSlot, Options: options})
			if err != nil {
				return err
			}
			flags := a.flags()
			if emergency {
				flags.EmergencyOverride = true
			}
			dec, err = policy.NewGate(snap, resolver, a.logger).Authorize(policy.Request{
				Decision: dec,
				Force:    policy.Force{Model: forceModel, Provider: forceProvider, FamilyEscape: familyEscape},
				Flags:    flags,
			})
			if err != nil {
				return err
			}
			printDecision(cmd.OutOrStdout(), dec)
			return nil
		},
	}

	cmd.Flags().IntVar(&slot, "slot", router.UseDefault, "routing slot")
	cmd.Flags().IntVar(&execSlot, "exec-slot", router.UseDefault, "exec slot")
	cmd.Flags().StringVar(&forceModel, "force-model", "", "force a model")
	cmd.Flags().StringVar(&forceProvider, "force-provider", "", "force a provider")
	cmd.Flags().BoolVar(&familyEscape, "family-escape", false, "bypass family exclusivity")
	cmd.Flags().BoolVar(&emergency, "emergency", false, "enable emergency override")
	cmd.Flags().StringToStringVar(&options, "option", nil, "call option key=value")
	return cmd
}

func printDecision(out io.Writer, dec *router.Decision) {
	fmt.Fprintf(out, "Task:      %s\n", dec.Task)
	if dec.Family != "" {
		protected := ""
		if dec.Protected {
			protected = " (protected)"
		}
		fmt.Fprintf(out, "Family:    %s%s\n", dec.Family, protected)
	}
	fmt.Fprintf(out, "Tier:      %s\n", dec.Tier)
	fmt.Fprintf(out, "Source:    %s\n", dec.Source)
	fmt.Fprintf(out, "Slot:      %d / exec %d (%s)\n", dec.Slot, dec.ExecSlot, dec.Mode)
	fmt.Fprintf(out, "Cursor:    %s @ %d\n", dec.CursorKey, dec.Offset)
	if len(dec.Requires) > 0 {
		fmt.Fprintf(out, "Requires:  %s\n", strings.Join(dec.Requires, ", "))
	}
	if len(dec.Policy.Notes) > 0 {
		fmt.Fprintf(out, "Policy:    %s\n", strings.Join(dec.Policy.Notes, ", "))
	}
	fmt.Fprintln(out)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "#\tMODEL\tPROVIDER\tBACKEND ID")
	for i, c := range dec.Candidates {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", i+1, c.Model, c.Provider, c.BackendModelID)
	}
	w.Flush()
}
