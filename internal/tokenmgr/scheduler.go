package tokenmgr

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// Scheduler bounds: the interval is clamped so a misconfigured deployment
// neither hammers the provider nor lets the access token lapse for days
const (
	DefaultRefreshInterval = 12 * time.Hour
	MinRefreshInterval     = time.Hour
	MaxRefreshInterval     = 24 * time.Hour
)

// TokenSource is the slice of Manager the scheduler drives
type TokenSource interface {
	GetValidAccessToken(ctx context.Context) (string, error)
}

// Scheduler proactively refreshes the credential on a timer so the first
// request after an idle period never pays a synchronous refresh. It is just
// another caller of the refresh engine, indistinguishable from
// request-driven ones.
type Scheduler struct {
	source   TokenSource
	interval time.Duration
	timeout  time.Duration
	logger   *zap.Logger
}

// NewScheduler creates a background refresh scheduler. Out-of-range intervals
// are clamped to the supported bounds.
func NewScheduler(source TokenSource, interval time.Duration, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	if interval < MinRefreshInterval {
		interval = MinRefreshInterval
	}
	if interval > MaxRefreshInterval {
		interval = MaxRefreshInterval
	}
	return &Scheduler{
		source:   source,
		interval: interval,
		timeout:  DefaultRefreshTimeout + DefaultLockRetries*DefaultLockRetryDelay,
		logger:   logger,
	}
}

// Interval reports the effective, clamped interval
func (s *Scheduler) Interval() time.Duration {
	return s.interval
}

// Run drives the refresh loop until ctx is cancelled
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("background refresh scheduler started", zap.Duration("interval", s.interval))

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("background refresh scheduler stopped")
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	tickCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	_, err := s.source.GetValidAccessToken(tickCtx)
	switch {
	case err == nil:
		s.logger.Debug("background refresh check completed")
	case errors.Is(err, ErrNotAuthenticated):
		// Nothing to keep fresh until the user connects an account
		s.logger.Debug("background refresh skipped, not authenticated")
	default:
		s.logger.Warn("background refresh failed", zap.Error(err))
	}
}
