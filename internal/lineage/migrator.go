package lineage

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Migrator runs the tier demotion sweep on a ticker until its context is
// cancelled. A panicking or failing sweep is logged and the loop goes on.
type Migrator struct {
	logger   *zap.Logger
	tiers    *Tiers
	interval time.Duration
}

// NewMigrator wires a migration loop for the tier store.
func NewMigrator(logger *zap.Logger, tiers *Tiers, interval time.Duration) *Migrator {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	return &Migrator{
		logger:   logger.Named("lineage.migrator"),
		tiers:    tiers,
		interval: interval,
	}
}

// Run blocks until ctx is cancelled.
func (m *Migrator) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			m.sweep(ctx, now.UTC())
		}
	}
}

func (m *Migrator) sweep(ctx context.Context, now time.Time) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("migration sweep panicked", zap.Any("panic", r))
		}
	}()
	moved, err := m.tiers.MigrateOnce(ctx, now)
	if err != nil {
		m.logger.Warn("migration sweep failed", zap.Int("moved", moved), zap.Error(err))
		return
	}
	if moved > 0 {
		m.logger.Info("lineage records demoted", zap.Int("moved", moved))
	}
}
