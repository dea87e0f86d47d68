package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/truthlayer/internal/ir"
)

// QuotaPeriod is the monthly quota bucket for t, e.g. "2026-03".
func QuotaPeriod(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// BeginInterpretation charges the owner's monthly quota and records a pending
// interpretation, atomically.
//
// The quota counter is a compare-and-swap: the upsert only increments while
// used < limit, so zero affected rows means the quota is exhausted. limit <= 0
// counts usage without enforcing a ceiling. The partial unique index on
// pending interpretations is the per-source lock; a second in-flight attempt
// fails with a conflict and its quota charge rolls back with it.
func (s *Store) BeginInterpretation(ctx context.Context, in ir.Interpretation, limit int64) error {
	cfg, err := json.Marshal(in.Config)
	if err != nil {
		return fmt.Errorf("begin interpretation: encode config: %w", err)
	}
	period := QuotaPeriod(in.StartedAt)

	return s.WithTx(ctx, func(tx *Tx) error {
		var res sql.Result
		var err error
		if limit > 0 {
			res, err = tx.tx.ExecContext(ctx, `
				INSERT INTO quota_usage (owner_id, period, used) VALUES (?, ?, 1)
				ON CONFLICT(owner_id, period) DO UPDATE SET used = used + 1 WHERE used < ?
			`, in.OwnerID, period, limit)
		} else {
			res, err = tx.tx.ExecContext(ctx, `
				INSERT INTO quota_usage (owner_id, period, used) VALUES (?, ?, 1)
				ON CONFLICT(owner_id, period) DO UPDATE SET used = used + 1
			`, in.OwnerID, period)
		}
		if err != nil {
			return fmt.Errorf("begin interpretation: quota: %w", err)
		}
		n, err := affected(res, "begin interpretation")
		if err != nil {
			return err
		}
		if n == 0 {
			return ir.QuotaExceeded(in.OwnerID, period, limit)
		}

		_, err = tx.tx.ExecContext(ctx, `
			INSERT INTO interpretations (id, source_id, owner_id, config, status, heartbeat_at, started_at)
			VALUES (?, ?, ?, ?, 'pending', ?, ?)
		`, in.ID, in.SourceID, in.OwnerID, string(cfg), micros(in.StartedAt), micros(in.StartedAt))
		if isUniqueViolation(err) {
			return ir.Conflict("source", in.SourceID, "an interpretation is already in flight for this source")
		}
		if err != nil {
			return fmt.Errorf("begin interpretation: %w", err)
		}
		return nil
	})
}

// Heartbeat extends a pending interpretation's lease. A reaped interpretation
// yields a timeout error.
func (s *Store) Heartbeat(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE interpretations SET heartbeat_at = ? WHERE id = ? AND status = 'pending'`, micros(at), id)
	if err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	n, err := affected(res, "heartbeat")
	if err != nil {
		return err
	}
	if n == 0 {
		return notPending(ctx, s.db, id)
	}
	return nil
}

// FinishInterpretation moves a pending interpretation to a terminal status.
// Only the pending -> terminal transition is allowed; if the reaper got there
// first the caller receives a timeout error.
func (t *Tx) FinishInterpretation(ctx context.Context, id string, status ir.InterpretationStatus, errMsg string, at time.Time) error {
	return finishInterpretation(ctx, t.tx, id, status, errMsg, at)
}

// FinishInterpretation is Tx.FinishInterpretation in its own transaction.
func (s *Store) FinishInterpretation(ctx context.Context, id string, status ir.InterpretationStatus, errMsg string, at time.Time) error {
	return finishInterpretation(ctx, s.db, id, status, errMsg, at)
}

func finishInterpretation(ctx context.Context, q querier, id string, status ir.InterpretationStatus, errMsg string, at time.Time) error {
	if status == ir.InterpretationPending {
		return ir.Validation("status", "pending is not a terminal status")
	}
	res, err := q.ExecContext(ctx, `
		UPDATE interpretations SET status = ?, error = ?, completed_at = ?
		WHERE id = ? AND status = 'pending'
	`, string(status), errMsg, micros(at), id)
	if err != nil {
		return fmt.Errorf("finish interpretation: %w", err)
	}
	n, err := affected(res, "finish interpretation")
	if err != nil {
		return err
	}
	if n == 0 {
		return notPending(ctx, q, id)
	}
	return nil
}

// notPending explains why a conditional update on a pending interpretation
// matched nothing.
func notPending(ctx context.Context, q querier, id string) error {
	in, err := getInterpretation(ctx, q, id)
	if err != nil {
		return err
	}
	if in.Status == ir.InterpretationTimedOut {
		return ir.Timeout(id)
	}
	return ir.Conflict("interpretation", id, "interpretation already "+string(in.Status))
}

// ReapStale times out every pending interpretation whose heartbeat is older
// than cutoff and returns the reaped rows.
func (s *Store) ReapStale(ctx context.Context, cutoff, at time.Time) ([]ir.Interpretation, error) {
	var reaped []ir.Interpretation
	err := s.WithTx(ctx, func(tx *Tx) error {
		stale, err := listInterpretations(ctx, tx.tx,
			`WHERE status = 'pending' AND heartbeat_at < ?`, micros(cutoff))
		if err != nil {
			return err
		}
		for _, in := range stale {
			res, err := tx.tx.ExecContext(ctx, `
				UPDATE interpretations SET status = 'timed_out', error = 'heartbeat lapsed', completed_at = ?
				WHERE id = ? AND status = 'pending'
			`, micros(at), in.ID)
			if err != nil {
				return fmt.Errorf("reap %s: %w", in.ID, err)
			}
			if n, err := affected(res, "reap"); err != nil {
				return err
			} else if n == 1 {
				in.Status = ir.InterpretationTimedOut
				in.Error = "heartbeat lapsed"
				done := at.UTC()
				in.CompletedAt = &done
				reaped = append(reaped, in)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reap stale: %w", err)
	}
	return reaped, nil
}

const interpretationColumns = `id, source_id, owner_id, config, status, error, heartbeat_at, started_at, completed_at`

func scanInterpretation(row rowScanner) (ir.Interpretation, error) {
	var in ir.Interpretation
	var cfg, status string
	var heartbeat, started int64
	var completed sql.NullInt64
	if err := row.Scan(&in.ID, &in.SourceID, &in.OwnerID, &cfg, &status, &in.Error,
		&heartbeat, &started, &completed); err != nil {
		return ir.Interpretation{}, err
	}
	if err := json.Unmarshal([]byte(cfg), &in.Config); err != nil {
		return ir.Interpretation{}, fmt.Errorf("decode interpretation config: %w", err)
	}
	in.Status = ir.InterpretationStatus(status)
	in.HeartbeatAt = fromMicros(heartbeat)
	in.StartedAt = fromMicros(started)
	in.CompletedAt = timePtr(completed)
	return in, nil
}

// GetInterpretation returns an interpretation by id.
func (s *Store) GetInterpretation(ctx context.Context, id string) (ir.Interpretation, error) {
	return getInterpretation(ctx, s.db, id)
}

func getInterpretation(ctx context.Context, q querier, id string) (ir.Interpretation, error) {
	in, err := scanInterpretation(q.QueryRowContext(ctx,
		`SELECT `+interpretationColumns+` FROM interpretations WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return ir.Interpretation{}, ir.NotFound("interpretation", id)
	}
	if err != nil {
		return ir.Interpretation{}, fmt.Errorf("get interpretation: %w", err)
	}
	return in, nil
}

// ListInterpretations returns every attempt on a source, oldest first.
func (s *Store) ListInterpretations(ctx context.Context, sourceID string) ([]ir.Interpretation, error) {
	return listInterpretations(ctx, s.db, `WHERE source_id = ?`, sourceID)
}

func listInterpretations(ctx context.Context, q querier, where string, args ...any) ([]ir.Interpretation, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT `+interpretationColumns+` FROM interpretations `+where+`
		ORDER BY started_at ASC, id COLLATE BINARY ASC
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("list interpretations: %w", err)
	}
	defer rows.Close()

	var out []ir.Interpretation
	for rows.Next() {
		in, err := scanInterpretation(rows)
		if err != nil {
			return nil, fmt.Errorf("list interpretations: scan: %w", err)
		}
		out = append(out, in)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list interpretations: %w", err)
	}
	return out, nil
}

// QuotaUsed returns how many interpretations owner started in period.
func (s *Store) QuotaUsed(ctx context.Context, ownerID, period string) (int64, error) {
	var used int64
	err := s.db.QueryRowContext(ctx,
		`SELECT used FROM quota_usage WHERE owner_id = ? AND period = ?`, ownerID, period).Scan(&used)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("quota used: %w", err)
	}
	return used, nil
}

// PruneQuota deletes counters for periods before oldest ("2006-01").
func (s *Store) PruneQuota(ctx context.Context, oldest string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM quota_usage WHERE period < ?`, oldest)
	if err != nil {
		return 0, fmt.Errorf("prune quota: %w", err)
	}
	return affected(res, "prune quota")
}
