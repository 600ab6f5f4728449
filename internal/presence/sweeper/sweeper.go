package sweeper

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

var evictedTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "presence_evicted_total",
	Help: "Inactive supplier entries evicted after the retention window.",
})

// Registry is the eviction surface of the presence registry.
type Registry interface {
	SweepStale(retention time.Duration) int
}

// Config defines tunables for the sweeper.
type Config struct {
	Interval  time.Duration
	Retention time.Duration
}

// Sweeper periodically evicts inactive suppliers whose retention window elapsed.
type Sweeper struct {
	reg    Registry
	logger *zap.Logger
	cfg    Config
}

// New constructs a sweeper. Zero durations default to 30 minutes.
func New(reg Registry, logger *zap.Logger, cfg Config) *Sweeper {
	if cfg.Retention <= 0 {
		cfg.Retention = 30 * time.Minute
	}
	if cfg.Interval <= 0 {
		cfg.Interval = cfg.Retention
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{reg: reg, logger: logger, cfg: cfg}
}

// Run sweeps on every tick until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	if s.reg == nil {
		return errors.New("sweeper requires a registry")
	}
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.SweepOnce()
		}
	}
}

// SweepOnce runs a single eviction pass and returns the number of removed entries.
func (s *Sweeper) SweepOnce() int {
	n := s.reg.SweepStale(s.cfg.Retention)
	if n > 0 {
		evictedTotal.Add(float64(n))
		s.logger.Info("evicted stale suppliers", zap.Int("count", n), zap.Duration("retention", s.cfg.Retention))
	}
	return n
}
