package signaling

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// DefaultCleanupInterval is how often expired sessions are swept.
const DefaultCleanupInterval = 5 * time.Minute

// StartWorkers launches background maintenance. Cancel ctx for shutdown; the
// returned channel closes once the workers have exited.
func (s *Server) StartWorkers(ctx context.Context, interval time.Duration) <-chan struct{} {
	if interval <= 0 {
		interval = DefaultCleanupInterval
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.runCleanup(ctx, interval)
	}()
	return done
}

// runCleanup sweeps expired sessions and stale rate-limit windows.
func (s *Server) runCleanup(ctx context.Context, interval time.Duration) {
	clk := s.exchange.clock
	for {
		select {
		case <-ctx.Done():
			return
		case <-clk.After(interval):
			s.sweep(ctx)
		}
	}
}

func (s *Server) sweep(ctx context.Context) {
	deleted, err := s.exchange.CleanupExpired(ctx)
	if err != nil {
		s.logger.Warn("cleanup worker failed", zap.Error(err))
	}
	pruned := s.limiter.Prune() + s.analyticsLimiter.Prune()
	if deleted > 0 || pruned > 0 {
		s.logger.Debug("cleanup worker swept",
			zap.Int64("sessions", deleted),
			zap.Int("rate_limit_entries", pruned),
		)
	}
}
