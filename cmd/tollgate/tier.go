package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pario-ai/tollgate/pkg/tier"
)

func newTierCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tier",
		Short: "Read or assign subscription tiers",
	}

	var subject string
	getCmd := &cobra.Command{
		Use:   "get",
		Short: "Show the tier a subject resolves to",
		RunE: func(cmd *cobra.Command, args []string) error {
			if subject == "" {
				return fmt.Errorf("--subject is required")
			}
			r, err := tier.New(a.cfg.DBPath, a.cfg.DefaultTier)
			if err != nil {
				return err
			}
			defer func() { _ = r.Close() }()

			stored, err := r.GetTier(context.Background(), subject)
			if err != nil && !errors.Is(err, sql.ErrNoRows) {
				return err
			}
			resolved := r.Resolve(context.Background(), subject)
			if stored == "" {
				fmt.Printf("%s: %s (default)\n", subject, resolved)
				return nil
			}
			fmt.Printf("%s: %s\n", subject, resolved)
			return nil
		},
	}
	getCmd.Flags().StringVar(&subject, "subject", "", "subject id")

	var setSubject, tierName string
	setCmd := &cobra.Command{
		Use:   "set",
		Short: "Assign a tier to a subject",
		RunE: func(cmd *cobra.Command, args []string) error {
			if setSubject == "" || tierName == "" {
				return fmt.Errorf("--subject and --tier are required")
			}
			if _, ok := a.cfg.Tiers[tierName]; !ok {
				return fmt.Errorf("tier %q is not configured", tierName)
			}
			r, err := tier.New(a.cfg.DBPath, a.cfg.DefaultTier)
			if err != nil {
				return err
			}
			defer func() { _ = r.Close() }()

			if err := r.SetTier(context.Background(), setSubject, tierName); err != nil {
				return err
			}
			fmt.Printf("%s: %s\n", setSubject, tierName)
			return nil
		},
	}
	setCmd.Flags().StringVar(&setSubject, "subject", "", "subject id")
	setCmd.Flags().StringVar(&tierName, "tier", "", "tier name")

	cmd.AddCommand(getCmd, setCmd)
	return cmd
}
