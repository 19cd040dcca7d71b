package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/pario-ai/tollgate/pkg/audit"
	"github.com/pario-ai/tollgate/pkg/catalog"
	"github.com/pario-ai/tollgate/pkg/mcp"
	"github.com/pario-ai/tollgate/pkg/tier"
)

func newMCPCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve read-only budget, sync and audit tools over stdio (MCP)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			cfg := a.cfg

			tiers, err := tier.New(cfg.DBPath, cfg.DefaultTier)
			if err != nil {
				return err
			}
			defer func() { _ = tiers.Close() }()

			store, err := openCounterStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			cat, err := catalog.Open(cfg.DBPath)
			if err != nil {
				return err
			}
			defer func() { _ = cat.Close() }()

			deps := mcp.Deps{
				Budgets: newGovernor(cfg, store),
				Tiers:   tiers,
				Sync:    cat.Status,
			}
			if cfg.Audit.Enabled {
				l, err := audit.New(cfg.Audit)
				if err != nil {
					return err
				}
				defer func() { _ = l.Close() }()
				deps.Audit = l
			}

			log.Info().Msg("mcp server reading from stdin")
			return mcp.New(deps, version).Run(ctx, os.Stdin, os.Stdout)
		},
	}
}
