package token

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/cgb37/quart-mysql-scaffold/internal/obs"
	"github.com/cgb37/quart-mysql-scaffold/internal/retry"
)

// SweeperConfig controls the expiry sweep.
type SweeperConfig struct {
	Interval time.Duration
	// Grace keeps rows around for this long after they expire.
	Grace time.Duration
	Retry retry.Policy
}

// Sweeper periodically deletes expired sessions and revocation records.
// Deletes are idempotent, so several instances may sweep the same store.
type Sweeper struct {
	manager *Manager
	config  SweeperConfig
	logger  *zap.Logger
}

func NewSweeper(m *Manager, cfg SweeperConfig, logger *zap.Logger) (*Sweeper, error) {
	if m == nil {
		return nil, errors.New("sweeper: manager is required")
	}
	if cfg.Interval <= 0 {
		return nil, errors.New("sweeper: interval must be positive")
	}
	if cfg.Retry.Name == "" {
		cfg.Retry = retry.Default("sweep")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{manager: m, config: cfg, logger: logger.Named("sweeper")}, nil
}

// Run sweeps once after a short random delay and then on every tick until ctx
// is cancelled. Returns nil on cancellation.
func (s *Sweeper) Run(ctx context.Context) error {
	s.logger.Info("starting sweeper",
		zap.Duration("interval", s.config.Interval),
		zap.Duration("grace", s.config.Grace),
	)
	s.waitWithJitter(ctx)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	s.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sweeper stopping", zap.Error(ctx.Err()))
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

// SweepOnce runs a single sweep with retries and returns the number of rows removed.
func (s *Sweeper) SweepOnce(ctx context.Context) (int64, error) {
	n, err := retry.Value(ctx, s.config.Retry, func(ctx context.Context) (int64, error) {
		return s.manager.SweepExpired(ctx, s.config.Grace)
	})
	if n > 0 {
		obs.SweptRows.Add(float64(n))
	}
	return n, err
}

func (s *Sweeper) sweep(ctx context.Context) {
	n, err := s.SweepOnce(ctx)
	switch {
	case err != nil && ctx.Err() != nil:
		s.logger.Debug("sweep cancelled", zap.Error(err))
	case err != nil:
		s.logger.Error("sweep failed", zap.Error(err))
	case n > 0:
		s.logger.Info("swept expired rows", zap.Int64("count", n))
	}
}

// waitWithJitter delays up to 10% of the interval so instances started together do not sweep together.
func (s *Sweeper) waitWithJitter(ctx context.Context) {
	maxJitter := int64(s.config.Interval / 10)
	if maxJitter <= 0 {
		return
	}
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		s.logger.Warn("failed to generate jitter, skipping", zap.Error(err))
		return
	}
	jitter := time.Duration(int64(binary.BigEndian.Uint64(buf[:]) % uint64(maxJitter))) // #nosec G115 - bounded by maxJitter
	t := time.NewTimer(jitter)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
