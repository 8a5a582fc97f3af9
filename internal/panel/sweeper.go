package panel

import (
	"context"
	"time"

	"go.uber.org/zap"

	"proxyfleet/internal/metrics"
	"proxyfleet/internal/store"
)

// Sweeper marks nodes offline when their last heartbeat is older than
// OfflineAfter. Nodes that never sent a heartbeat are left alone; they
// stay in the unknown state they registered with.
type Sweeper struct {
	Store        *store.Store
	Interval     time.Duration
	OfflineAfter time.Duration
	Log          *zap.Logger
	Metrics      *metrics.Metrics

	// Now is overridable in tests; nil means time.Now.
	Now func() time.Time
}

// Run sweeps once per Interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep performs a single pass.
func (s *Sweeper) Sweep(ctx context.Context) {
	now := s.now().UTC()
	cutoff := now.Add(-s.OfflineAfter)

	changed, err := s.Store.MarkOffline(ctx, cutoff)
	if err != nil {
		s.Log.Warn("offline sweep failed", zap.Error(err))
		return
	}
	if changed > 0 {
		s.Metrics.SweptOffline.Add(float64(changed))
		s.Log.Info("marked stale nodes offline",
			zap.Int("nodes", changed),
			zap.Time("cutoff", cutoff),
		)
	}

	stats, err := s.Store.Stats(ctx, now)
	if err != nil {
		s.Log.Warn("stats refresh failed", zap.Error(err))
		return
	}
	s.Metrics.NodesOnline.Set(float64(stats.NodesOnline))
}

func (s *Sweeper) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}
