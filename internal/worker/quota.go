package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/roach88/truthlayer/internal/ir"
	"github.com/roach88/truthlayer/internal/store"
)

// DefaultQuotaRetentionMonths keeps this month and the two before it.
const DefaultQuotaRetentionMonths = 3

// QuotaRollover prunes monthly interpretation quota counters.
//
// Quota periods roll over implicitly: a new month is a new counter row,
// created on the first charge. RollOnce only garbage-collects counters that
// fell out of the retention window. The current month is always kept.
type QuotaRollover struct {
	rows      *store.Store
	retention int
	clock     ir.Clock
	logger    *slog.Logger
}

// NewQuotaRollover creates a QuotaRollover keeping retentionMonths months of
// counters, the current one included. Values below 1 mean 1.
func NewQuotaRollover(rows *store.Store, retentionMonths int, clock ir.Clock, logger *slog.Logger) *QuotaRollover {
	return &QuotaRollover{rows: rows, retention: max(retentionMonths, 1), clock: clock, logger: logger}
}

// OldestKept returns the earliest period that survives a pass at now.
func (q *QuotaRollover) OldestKept(now time.Time) string {
	now = now.UTC()
	month := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	return store.QuotaPeriod(month.AddDate(0, -(q.retention - 1), 0))
}

// RollOnce deletes expired counters and returns how many were removed.
func (q *QuotaRollover) RollOnce(ctx context.Context) (int64, error) {
	oldest := q.OldestKept(q.clock.Now())
	n, err := q.rows.PruneQuota(ctx, oldest)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		q.logger.Info("quota counters pruned", "removed", n, "oldest_kept", oldest)
	}
	return n, nil
}
