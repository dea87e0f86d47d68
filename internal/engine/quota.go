package engine

import (
	"context"

	"github.com/roach88/truthlayer/internal/store"
)

// QuotaStatus is an owner's interpretation usage in the current period.
// Limit 0 means unlimited.
type QuotaStatus struct {
	OwnerID string `json:"owner_id"`
	Period  string `json:"period"`
	Used    int64  `json:"used"`
	Limit   int64  `json:"limit"`
}

// Remaining returns how many interpretations may still start this period,
// or -1 when unlimited.
func (q QuotaStatus) Remaining() int64 {
	if q.Limit <= 0 {
		return -1
	}
	return max(q.Limit-q.Used, 0)
}

// Quota reports the owner's interpretation quota for the current month.
// Every attempt that passed the quota check counts, whatever its outcome.
func (e *Engine) Quota(ctx context.Context, ownerID string) (QuotaStatus, error) {
	if err := requireOwner(ownerID); err != nil {
		return QuotaStatus{}, err
	}
	period := store.QuotaPeriod(e.clock.Now())
	used, err := e.rows.QuotaUsed(ctx, ownerID, period)
	if err != nil {
		return QuotaStatus{}, err
	}
	st := QuotaStatus{OwnerID: ownerID, Period: period, Used: used}
	if e.fence != nil {
		st.Limit = e.fence.Quota()
	}
	return st, nil
}
