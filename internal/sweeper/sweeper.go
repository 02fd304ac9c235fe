package sweeper

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/cryptohub-academy/enrollment-api/pkg/config"
)

const sweepBatchSize = 200

type expirer interface {
	ExpireStale(ctx context.Context, grace time.Duration, limit int) (int, error)
}

// Sweeper periodically expires enrollments whose batch window has been
// closed for longer than the grace period.
type Sweeper struct {
	enrollments expirer
	interval    time.Duration
	grace       time.Duration
	logger      *zap.Logger
	done        chan struct{}
}

// New constructs a Sweeper from config.
func New(enrollments expirer, cfg config.SweepConfig, logger *zap.Logger) *Sweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	return &Sweeper{
		enrollments: enrollments,
		interval:    interval,
		grace:       cfg.GracePeriod,
		logger:      logger,
		done:        make(chan struct{}),
	}
}

// Run sweeps on the configured interval until ctx is cancelled. One sweep
// runs immediately on startup so a restart cannot postpone overdue expiries.
func (s *Sweeper) Run(ctx context.Context) {
	defer close(s.done)

	s.sweep(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sweeper stopped")
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

// Wait blocks until Run has returned.
func (s *Sweeper) Wait() {
	<-s.done
}

func (s *Sweeper) sweep(ctx context.Context) {
	expired, err := s.enrollments.ExpireStale(ctx, s.grace, sweepBatchSize)
	if err != nil {
		s.logger.Error("sweep failed", zap.Error(err))
		return
	}
	if expired > 0 {
		s.logger.Info("sweep expired enrollments", zap.Int("count", expired))
	}
}
