package dedup

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

type Sweeper struct {
	store    *Durable
	interval time.Duration // Time between sweeps
}

func NewSweeper(store *Durable, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Sweeper{
		store:    store,
		interval: interval,
	}
}

// Start deletes expired processed executions on every tick until ctx ends
func (s *Sweeper) Start(ctx context.Context) {
	logger := log.With().Str("component", "dedup_sweeper").Logger()
	logger.Info().Dur("interval", s.interval).Msg("starting dedup sweeper")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down dedup sweeper")
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// Sweep runs one deletion pass
func (s *Sweeper) Sweep() {
	deleted, err := s.store.DeleteExpired(time.Now())
	if err != nil {
		log.Error().Err(err).Str("component", "dedup_sweeper").Msg("failed to delete expired executions")
		return
	}
	if deleted > 0 {
		log.Info().Int64("deleted", deleted).Str("component", "dedup_sweeper").Msg("swept expired executions")
	}
}
