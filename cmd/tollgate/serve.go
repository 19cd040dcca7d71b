package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/pario-ai/tollgate/pkg/audit"
	"github.com/pario-ai/tollgate/pkg/auth"
	"github.com/pario-ai/tollgate/pkg/catalog"
	"github.com/pario-ai/tollgate/pkg/proxy"
	"github.com/pario-ai/tollgate/pkg/syncer"
	"github.com/pario-ai/tollgate/pkg/tier"
	"github.com/pario-ai/tollgate/pkg/usage"
	"github.com/pario-ai/tollgate/pkg/validate"
)

func newServeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := a.cfg
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			verifier, err := auth.FromConfig(cfg.Auth)
			if err != nil {
				return fmt.Errorf("init verifier: %w", err)
			}

			tiers, err := tier.New(cfg.DBPath, cfg.DefaultTier)
			if err != nil {
				return fmt.Errorf("init tier resolver: %w", err)
			}
			defer func() { _ = tiers.Close() }()

			counters, err := openCounterStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() { _ = counters.Close() }()
			gov := newGovernor(cfg, counters)

			var auditSink usage.AuditSink
			if cfg.Audit.Enabled {
				auditor, err := audit.New(cfg.Audit)
				if err != nil {
					return fmt.Errorf("init audit log: %w", err)
				}
				defer func() { _ = auditor.Close() }()
				auditSink = auditor
			}

			recorder := usage.New(gov, auditSink, cfg.Pricing)
			defer recorder.Wait()

			catalogStore, err := catalog.Open(cfg.DBPath)
			if err != nil {
				return fmt.Errorf("init catalog store: %w", err)
			}
			defer func() { _ = catalogStore.Close() }()
			engine := newSyncEngine(cfg.Sync, catalogStore)

			if cfg.Sync.Enabled {
				go syncer.NewScheduler(engine, cfg.Sync.Interval).Run(ctx)
			}
			if cfg.Sync.Token == "" {
				log.Warn().Msg("sync.token is empty: manual sync endpoints will reject every caller")
			}

			srv := proxy.New(cfg, proxy.Deps{
				Verifier:   verifier,
				Tiers:      tiers,
				Validator:  validate.FromConfig(cfg),
				Governor:   gov,
				Forwarder:  proxy.NewForwarder(cfg.Upstream, cfg.Gateway),
				Recorder:   recorder,
				Sync:       engine,
				SyncStatus: catalogStore.Status,
			})

			log.Info().
				Str("config", a.configPath).
				Str("counters", cfg.Counters.Backend).
				Bool("sync_scheduled", cfg.Sync.Enabled).
				Msg("starting tollgate")
			return srv.ListenAndServe(ctx)
		},
	}
}
