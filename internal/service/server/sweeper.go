package server

import (
	"context"
	"time"

	"secure_exchange/internal/utils/log"
	"secure_exchange/internal/utils/metrics"

	"go.uber.org/zap"
)

// Sweep expires envelopes past their deadline and purges expired ones older than
// the purge horizon.
func (s *HttpServer) Sweep(ctx context.Context) (expired, purged int64, err error) {
	now := s.now().UTC()
	expired, purged, err = s.messages.SweepExpired(ctx, now, now.Add(-s.relay.PurgeAfter))
	if err != nil {
		return 0, 0, err
	}
	metrics.SweptEnvelopes.Add(float64(expired + purged))
	return expired, purged, nil
}

func (s *HttpServer) RunSweeper(ctx context.Context) {
	interval := s.relay.SweepInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			expired, purged, err := s.Sweep(ctx)
			if err != nil {
				log.Error("sweep failed", zap.Error(err))
				continue
			}
			if expired > 0 || purged > 0 {
				log.Info("sweep done", zap.Int64("expired", expired), zap.Int64("purged", purged))
			}
		}
	}
}
