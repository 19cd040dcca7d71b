package main

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/pario-ai/tollgate/pkg/budget"
	"github.com/pario-ai/tollgate/pkg/catalog"
	"github.com/pario-ai/tollgate/pkg/config"
	"github.com/pario-ai/tollgate/pkg/governor"
	"github.com/pario-ai/tollgate/pkg/governor/redisstore"
	"github.com/pario-ai/tollgate/pkg/governor/sqlitestore"
	"github.com/pario-ai/tollgate/pkg/ratelimit"
	"github.com/pario-ai/tollgate/pkg/syncer"
	"github.com/pario-ai/tollgate/pkg/wger"
)

// openCounterStore opens the configured counter backend. An unreachable
// Redis falls back to in-process counters with a warning.
func openCounterStore(ctx context.Context, cfg *config.Config) (governor.Store, error) {
	c := cfg.Counters
	switch c.Backend {
	case "memory":
		log.Warn().Msg("using in-memory counters: limits are per process and reset on restart")
		return governor.NewMemoryStore(), nil
	case "redis":
		s, err := redisstore.Dial(ctx, c.RedisAddr, c.RedisPassword, c.RedisDB, c.RedisPrefix)
		if err != nil {
			log.Warn().Err(err).Str("addr", c.RedisAddr).Msg("redis unavailable, falling back to in-memory counters")
			return governor.NewMemoryStore(), nil
		}
		return s, nil
	default:
		s, err := sqlitestore.New(cfg.DBPath)
		if err != nil {
			return nil, fmt.Errorf("open counter store: %w", err)
		}
		return s, nil
	}
}

func newGovernor(cfg *config.Config, store governor.Store) *governor.Governor {
	return governor.New(
		store,
		ratelimit.Limit{Window: cfg.RateLimit.Window, MaxRequests: cfg.RateLimit.MaxRequests},
		budget.New(cfg.Budgets(), cfg.DefaultTier),
	)
}

func newSyncEngine(cfg config.SyncConfig, store *catalog.Store) *syncer.Engine {
	return syncer.New(
		wger.New(cfg),
		catalog.NewTransformer(cfg.SiteURL),
		store,
		store.Status,
		syncer.PolicyFromConfig(cfg),
	)
}
