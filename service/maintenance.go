package service

import (
	"context"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/rs/zerolog"

	"capture-worker/config"
	"capture-worker/repository"
)

// StartMaintenance schedules the periodic store upkeep pass: hard-delete of
// expired soft-deleted chunks followed by database compaction. The returned
// scheduler should be shut down with the server.
func StartMaintenance(ctx context.Context, store repository.ChunkStore, cfg *config.Config) (gocron.Scheduler, error) {
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}

	interval := cfg.Retention.MaintenanceInterval
	if interval <= 0 {
		interval = time.Hour
	}
	grace := cfg.Retention.HardDeleteGrace

	_, err = scheduler.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			logger := zerolog.Ctx(ctx)

			cutoff := time.Now().Add(-grace)
			deleted, err := store.HardDeleteExpired(ctx, cutoff)
			if err != nil {
				logger.Error().Err(err).Msg("retention pass failed")
			} else if deleted > 0 {
				logger.Info().Int64("chunks", deleted).Msg("retention pass removed expired chunks")
			}

			if err := store.Compact(ctx); err != nil {
				logger.Error().Err(err).Msg("database compaction failed")
			}
		}),
	)
	if err != nil {
		return nil, err
	}

	scheduler.Start()
	return scheduler, nil
}
