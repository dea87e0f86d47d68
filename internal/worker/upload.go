package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/roach88/truthlayer/internal/blob"
	"github.com/roach88/truthlayer/internal/ir"
	"github.com/roach88/truthlayer/internal/metrics"
	"github.com/roach88/truthlayer/internal/store"
)

// Upload retry defaults.
const (
	DefaultUploadMaxAttempts = 8
	DefaultUploadBackoffBase = 30 * time.Second
	DefaultUploadBackoffMax  = 1 * time.Hour
	DefaultUploadBatch       = 100
)

// UploadStats counts the outcomes of one pass.
type UploadStats struct {
	Completed int `json:"completed"`
	Retried   int `json:"retried"`
	Failed    int `json:"failed"`
}

// UploadOption configures an UploadProcessor.
type UploadOption func(*UploadProcessor)

// WithMaxAttempts sets how many attempts an upload gets before it is
// terminally failed. The write made by content.Put does not count.
func WithMaxAttempts(n int) UploadOption {
	return func(p *UploadProcessor) { p.maxAttempts = n }
}

// WithBackoff sets the first retry delay and the cap.
func WithBackoff(base, maxDelay time.Duration) UploadOption {
	return func(p *UploadProcessor) {
		p.base = base
		p.maxDelay = maxDelay
	}
}

// UploadProcessor drains the upload retry queue: spooled bytes are written to
// the backend, the Source flips to stored, and the spool file is removed.
//
// Thread-safety: ProcessOnce must not run concurrently with itself.
type UploadProcessor struct {
	rows        *store.Store
	backend     blob.Backend
	spool       *blob.Spool
	maxAttempts int
	base        time.Duration
	maxDelay    time.Duration
	clock       ir.Clock
	logger      *slog.Logger
}

// NewUploadProcessor creates an UploadProcessor.
func NewUploadProcessor(rows *store.Store, backend blob.Backend, spool *blob.Spool, clock ir.Clock, logger *slog.Logger, opts ...UploadOption) *UploadProcessor {
	p := &UploadProcessor{
		rows:        rows,
		backend:     backend,
		spool:       spool,
		maxAttempts: DefaultUploadMaxAttempts,
		base:        DefaultUploadBackoffBase,
		maxDelay:    DefaultUploadBackoffMax,
		clock:       clock,
		logger:      logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Backoff returns the delay after the attempt-th failure: base·2^(attempt-1),
// capped at the maximum.
func (p *UploadProcessor) Backoff(attempt int) time.Duration {
	d := p.base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.maxDelay || d <= 0 {
			return p.maxDelay
		}
	}
	return min(d, p.maxDelay)
}

// ProcessOnce attempts every upload that is due.
func (p *UploadProcessor) ProcessOnce(ctx context.Context) (UploadStats, error) {
	now := p.clock.Now()
	due, err := p.rows.DueUploads(ctx, now, DefaultUploadBatch)
	if err != nil {
		return UploadStats{}, err
	}

	var stats UploadStats
	for _, up := range due {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		if err := p.attempt(ctx, up, now, &stats); err != nil {
			return stats, err
		}
	}
	if len(due) > 0 {
		p.logger.Info("upload queue processed",
			"completed", stats.Completed, "retried", stats.Retried, "failed", stats.Failed)
	}
	return stats, nil
}

// attempt tries one upload. Only store errors are returned; backend and
// spool failures are recorded on the queue row.
func (p *UploadProcessor) attempt(ctx context.Context, up store.Upload, now time.Time, stats *UploadStats) error {
	attempts := up.Attempts + 1

	data, err := p.spool.Read(up.SpoolPath)
	var location string
	if err == nil {
		location, err = p.backend.Put(ctx, up.StorageKey, data)
	}

	if err == nil {
		if err := p.rows.CompleteUpload(ctx, up.SourceID, location, attempts); err != nil {
			return err
		}
		if err := p.spool.Remove(up.SpoolPath); err != nil {
			p.logger.Warn("spool cleanup failed", "source_id", up.SourceID, "error", err)
		}
		stats.Completed++
		metrics.Inc(metrics.UploadsCompleted)
		return nil
	}

	if attempts >= p.maxAttempts {
		if err := p.rows.FailUpload(ctx, up.SourceID, attempts, err.Error()); err != nil {
			return err
		}
		stats.Failed++
		metrics.Inc(metrics.UploadsFailed)
		p.logger.Error("upload failed permanently", "source_id", up.SourceID, "attempts", attempts, "error", err)
		return nil
	}

	next := now.Add(p.Backoff(attempts))
	if err := p.rows.RetryUpload(ctx, up.SourceID, attempts, next, err.Error()); err != nil {
		return err
	}
	stats.Retried++
	metrics.Inc(metrics.UploadsRetried)
	p.logger.Warn("upload attempt failed", "source_id", up.SourceID, "attempts", attempts, "next_attempt_at", next, "error", err)
	return nil
}
