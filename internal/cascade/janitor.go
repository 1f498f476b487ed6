package cascade

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/SunFlash12/ForgeV3-sub007/internal/store"
	"github.com/SunFlash12/ForgeV3-sub007/pkg/models"
)

// Janitor sweeps cascade chains in the background: chains stuck in state
// active past the stale window are completed in place, and completed chains
// older than the retention cutoff are purged with their events.
type Janitor struct {
	logger    *zap.Logger
	store     store.GraphStore
	interval  time.Duration
	stale     time.Duration
	retention time.Duration
}

// NewJanitor builds a sweeper. retentionDays bounds how long completed
// chains stay queryable.
func NewJanitor(logger *zap.Logger, st store.GraphStore, interval time.Duration, retentionDays int) *Janitor {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	if retentionDays < 1 {
		retentionDays = 30
	}
	return &Janitor{
		logger:    logger.Named("cascade.janitor"),
		store:     st,
		interval:  interval,
		stale:     2 * interval,
		retention: time.Duration(retentionDays) * 24 * time.Hour,
	}
}

// Run loops until ctx is cancelled. Sweep failures are logged and the loop
// continues; the janitor never tears down its owner.
func (j *Janitor) Run(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.sweep(ctx)
		}
	}
}

// Sweep runs one pass. Exported so tests and the engine's shutdown path can
// invoke it directly.
func (j *Janitor) Sweep(ctx context.Context) { j.sweep(ctx) }

func (j *Janitor) sweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			j.logger.Error("janitor sweep panicked", zap.Any("panic", r))
		}
	}()

	// Active chains whose pipeline run died (store outage, crash) complete
	// here. Completed chains are terminal; the janitor never reopens one.
	cutoff := time.Now().UTC().Add(-j.stale)
	stale, err := j.store.ListChains(ctx, models.CascadeActive, cutoff)
	if err != nil {
		j.logger.Warn("listing stale chains failed", zap.Error(err))
	} else {
		for _, chain := range stale {
			now := time.Now().UTC()
			chain.Status = models.CascadeCompleted
			chain.CompletedAt = &now
			if err := j.store.UpdateChain(ctx, chain); err != nil {
				j.logger.Warn("completing stale chain failed",
					zap.String("cascade_id", chain.CascadeID), zap.Error(err))
				continue
			}
			j.logger.Info("completed stale chain",
				zap.String("cascade_id", chain.CascadeID),
				zap.Int("events", len(chain.Events)))
		}
	}

	purgeBefore := time.Now().UTC().Add(-j.retention)
	purged, err := j.store.PurgeChains(ctx, purgeBefore)
	if err != nil {
		j.logger.Warn("purging chains failed", zap.Error(err))
		return
	}
	if purged > 0 {
		j.logger.Info("purged completed chains", zap.Int("count", purged))
	}
}
