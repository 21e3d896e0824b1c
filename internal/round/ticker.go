package round

import (
	"context"
	"time"

	"github.com/bardlex/xenohash/pkg/log"
)

// Finalizer is the part of the Coordinator driven by the Ticker.
type Finalizer interface {
	TryFinalize(ctx context.Context) (*Block, error)
}

// Ticker drives TryFinalize at a fixed interval. The next call is scheduled
// only after the previous one returned, so calls never overlap.
type Ticker struct {
	finalizer Finalizer
	interval  time.Duration
	logger    *log.Logger
}

// NewTicker creates a ticker. A non-positive interval means one second.
func NewTicker(f Finalizer, interval time.Duration, logger *log.Logger) *Ticker {
	if interval <= 0 {
		interval = time.Second
	}
	return &Ticker{
		finalizer: f,
		interval:  interval,
		logger:    logger.WithComponent("round_ticker"),
	}
}

// Run blocks until ctx is done. Finalize errors are logged and retried on
// the next tick.
func (t *Ticker) Run(ctx context.Context) error {
	t.logger.Info("round ticker started", "interval", t.interval.String())

	timer := time.NewTimer(t.interval)
	defer timer.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			t.logger.Info("round ticker stopped")
			return nil
		case <-timer.C:
		}

		start := time.Now()
		block, err := t.finalizer.TryFinalize(ctx)
		switch {
		case err != nil:
			failures++
			t.logger.WithError(err).Error("round finalize failed, retrying next tick",
				"consecutive_failures", failures)
		case block != nil:
			failures = 0
			t.logger.LogDuration("finalize", time.Since(start))
		default:
			failures = 0
		}

		timer.Reset(t.interval)
	}
}
