package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/pario-ai/tollgate/pkg/tier"
)

func newBudgetCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "budget",
		Short: "Inspect per-subject token budgets",
	}

	var subject, tierName string
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show a subject's budget usage vs tier ceilings",
		RunE: func(cmd *cobra.Command, args []string) error {
			if subject == "" {
				return fmt.Errorf("--subject is required")
			}
			ctx := context.Background()
			cfg := a.cfg

			if tierName == "" {
				tiers, err := tier.New(cfg.DBPath, cfg.DefaultTier)
				if err != nil {
					return err
				}
				tierName = tiers.Resolve(ctx, subject)
				_ = tiers.Close()
			}

			store, err := openCounterStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			statuses, rate, err := newGovernor(cfg, store).Status(ctx, subject, tierName)
			if err != nil {
				return err
			}

			fmt.Printf("Subject: %s  Tier: %s\n", subject, tierName)
			if !rate.WindowStart.IsZero() {
				fmt.Printf("Rate window: %d/%d requests since %s\n",
					rate.Count, cfg.RateLimit.MaxRequests, rate.WindowStart.UTC().Format("2006-01-02 15:04:05"))
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "CEILING\tLIMIT\tUSED\tREMAINING")
			for _, s := range statuses {
				fmt.Fprintf(w, "%s\t%d\t%d\t%d\n", s.Ceiling, s.Limit, s.Used, s.Remaining)
			}
			return w.Flush()
		},
	}
	statusCmd.Flags().StringVar(&subject, "subject", "", "subject id to inspect")
	statusCmd.Flags().StringVar(&tierName, "tier", "", "tier to evaluate against (stored tier when empty)")

	cmd.AddCommand(statusCmd)
	return cmd
}
