package main

import (
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/zen-systems/modelgate/pkg/adapter"
	"github.com/zen-systems/modelgate/pkg/router"
)

func routesCmd() *cobra.Command {
	var slot int

	cmd := &cobra.Command{
		Use:   "routes",
		Short: "Show the effective chain for each task override and family",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, store, logger, err := loadConfig()
			if err != nil {
				return err
			}
			snap := store.Snapshot()
			routes := router.NewResolver(snap, nil, logger).Routes(cmd.Context(), slot)

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TASK/FAMILY\tTIER\tSOURCE\tCHAIN")
			for _, r := range routes {
				name := r.Task
				if name == "" {
					name = "family:" + r.Family
				}
				if r.Error != "" {
					fmt.Fprintf(w, "%s\t-\t-\terror: %s\n", name, r.Error)
					continue
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", name, r.Tier, r.Source, strings.Join(r.Chain, " -> "))
			}
			fmt.Fprintf(w, "DEFAULT\t%s\ttier_default\t-\n", snap.DefaultTier())
			return w.Flush()
		},
	}

	cmd.Flags().IntVar(&slot, "slot", router.UseDefault, "routing slot")
	return cmd
}

func modelsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "List providers, their models, and adapter availability",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, store, logger, err := loadConfig()
			if err != nil {
				return err
			}
			snap := store.Snapshot()
			status := adapter.Build(cmd.Context(), snap, logger).Status()

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "PROVIDER\tMODEL\tBACKEND ID\tCAPABILITIES\tSTATUS")
			for _, provider := range snap.ListProviders() {
				state := "available"
				if err := status[provider]; err != nil {
					state = err.Error()
				}
				for _, key := range snap.ModelsForProvider(provider) {
					m, _ := snap.Model(key)
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", provider, key, m.BackendModelID, capabilityList(snap.Capabilities(key)), state)
				}
			}
			return w.Flush()
		},
	}
}

func capabilityList(caps map[string]bool) string {
	if len(caps) == 0 {
		return "-"
	}
	out := make([]string, 0, len(caps))
	for c := range caps {
		out = append(out, c)
	}
	sort.Strings(out)
	return strings.Join(out, ",")
}

func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the routing config and overlays",
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, store, _, err := loadConfig()
			if err != nil {
				return err
			}
			snap := store.Snapshot()
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Config is valid (digest %s)\n", snap.Digest())
			for _, src := range snap.Sources() {
				fmt.Fprintf(out, "  source: %s\n", src)
			}
			fmt.Fprintf(out, "  providers: %d, models: %d, tiers: %d, families: %d\n",
				len(snap.Providers()), len(snap.ModelKeys()), len(snap.Tiers()), len(snap.Families()))
			fmt.Fprintf(out, "  lockdown: %t, emergency override: %t\n", settings.Lockdown, settings.EmergencyOverride)
			return nil
		},
	}
}
