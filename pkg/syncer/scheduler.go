package syncer

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// Scheduler runs the engine on a fixed interval.
type Scheduler struct {
	engine   *Engine
	interval time.Duration
}

// NewScheduler creates a Scheduler.
func NewScheduler(e *Engine, interval time.Duration) *Scheduler {
	return &Scheduler{engine: e, interval: interval}
}

// Run blocks until ctx is done, syncing once per interval. Failures are
// logged and the next tick tries again.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	log.Info().Dur("interval", s.interval).Msg("catalog sync scheduled")
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.engine.Run(ctx); err != nil {
				log.Error().Err(err).Msg("scheduled catalog sync failed")
			}
		}
	}
}
