package main

import (
	"context"
	"time"

	"go.uber.org/zap"
)

type syncedEditCollector interface {
	DeleteSyncedOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// collectSyncedEdits removes synced history older than retention from every
// queue and returns the number of deleted edits.
func collectSyncedEdits(ctx context.Context, now time.Time, retention time.Duration, collectors ...syncedEditCollector) (int64, error) {
	cutoff := now.Add(-retention)
	var total int64
	for _, collector := range collectors {
		deleted, err := collector.DeleteSyncedOlderThan(ctx, cutoff)
		if err != nil {
			return total, err
		}
		total += deleted
	}
	return total, nil
}

func runRetentionLoop(ctx context.Context, interval, retention time.Duration, clock func() time.Time, logger *zap.Logger, collectors ...syncedEditCollector) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deleted, err := collectSyncedEdits(ctx, clock(), retention, collectors...)
			if err != nil {
				logger.Warn("synced edit cleanup failed", zap.Error(err))
				continue
			}
			if deleted > 0 {
				logger.Info("synced edits removed", zap.Int64("count", deleted))
			}
		}
	}
}
