package queue

import (
	"context"
	"time"

	"github.com/OFFIS-RIT/kiwi/extractor/pkg/jobs"
	"github.com/OFFIS-RIT/kiwi/extractor/pkg/logger"
)

// RecoverStaleBatches republishes plan and batch messages of work that
// stalled, typically because the worker holding it died or a publish was
// lost.
func RecoverStaleBatches(ctx context.Context, svc *jobs.Service) error {
	if err := svc.RecoverStale(ctx); err != nil {
		logger.Error("[Queue] Stale batch recovery failed", "err", err)
		return err
	}
	logger.Debug("[Queue] Stale batch recovery done")
	return nil
}

// RunRecovery calls RecoverStaleBatches once right away and then every
// interval until ctx is done.
func RunRecovery(ctx context.Context, svc *jobs.Service, interval time.Duration) {
	_ = RecoverStaleBatches(ctx, svc)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = RecoverStaleBatches(ctx, svc)
		}
	}
}
