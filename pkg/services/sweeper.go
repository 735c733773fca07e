package services

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Sweeper periodically purges idle migrations and drains the pending pool,
// covering completions that happened on an instance that went away.
type Sweeper struct {
	admission AdmissionController
	interval  time.Duration
	logger    *zap.Logger
}

// NewSweeper creates a Sweeper.
func NewSweeper(admission AdmissionController, interval time.Duration, logger *zap.Logger) *Sweeper {
	return &Sweeper{admission: admission, interval: interval, logger: logger.Named("sweeper")}
}

// Run sweeps once immediately and then on every tick until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.SweepOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce runs one purge-and-drain pass. Errors are logged.
func (s *Sweeper) SweepOnce(ctx context.Context) int {
	started, err := s.admission.DrainPending(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error("Sweep failed", zap.Error(err))
		}
		return started
	}
	if started > 0 {
		s.logger.Info("Sweep started pending migrations", zap.Int("started", started))
	}
	return started
}
