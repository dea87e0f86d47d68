package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/roach88/truthlayer/internal/ir"
	"github.com/roach88/truthlayer/internal/metrics"
	"github.com/roach88/truthlayer/internal/store"
)

// StaleCleanup times out pending interpretations whose heartbeat is older
// than the lease timeout. A fence that later tries to commit such an
// attempt gets a timeout error and its result is discarded.
type StaleCleanup struct {
	rows    *store.Store
	timeout time.Duration
	clock   ir.Clock
	logger  *slog.Logger
}

// NewStaleCleanup creates a StaleCleanup with the given lease timeout.
func NewStaleCleanup(rows *store.Store, timeout time.Duration, clock ir.Clock, logger *slog.Logger) *StaleCleanup {
	return &StaleCleanup{rows: rows, timeout: timeout, clock: clock, logger: logger}
}

// ReapOnce runs one pass and returns the interpretations it timed out.
func (c *StaleCleanup) ReapOnce(ctx context.Context) ([]ir.Interpretation, error) {
	now := c.clock.Now()
	reaped, err := c.rows.ReapStale(ctx, now.Add(-c.timeout), now)
	if err != nil {
		return nil, err
	}
	metrics.Add(metrics.InterpretationsTimedOut, len(reaped))
	for _, in := range reaped {
		c.logger.Warn("interpretation timed out",
			"interpretation_id", in.ID, "source_id", in.SourceID, "heartbeat_at", in.HeartbeatAt)
	}
	return reaped, nil
}
