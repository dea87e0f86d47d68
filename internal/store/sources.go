package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/truthlayer/internal/ir"
)

// UploadStatus is the state of one upload queue row.
type UploadStatus string

const (
	UploadQueued UploadStatus = "queued"
	UploadDone   UploadStatus = "done"
	UploadFailed UploadStatus = "failed"
)

// Upload is a spooled content write waiting for the storage backend.
type Upload struct {
	SourceID      string
	StorageKey    string
	SpoolPath     string
	Attempts      int
	NextAttemptAt time.Time
	LastError     string
	Status        UploadStatus
	CreatedAt     time.Time
}

const sourceColumns = `id, owner_id, content_hash, mime_type, byte_size, priority,
	storage_location, storage_status, created_at`

func scanSource(row rowScanner) (ir.Source, error) {
	var src ir.Source
	var status string
	var created int64
	err := row.Scan(&src.ID, &src.OwnerID, &src.ContentHash, &src.MimeType, &src.ByteSize,
		&src.Priority, &src.StorageLocation, &status, &created)
	if err != nil {
		return ir.Source{}, err
	}
	src.StorageStatus = ir.StorageStatus(status)
	src.CreatedAt = fromMicros(created)
	return src, nil
}

// InsertSource records a Source, deduplicating on (owner_id, content_hash).
//
// Uses ON CONFLICT DO NOTHING inside one transaction so concurrent writers of
// the same content race on the unique index, not on a read-then-write. When
// the row already exists the stored Source is returned with inserted=false.
func (s *Store) InsertSource(ctx context.Context, src ir.Source) (stored ir.Source, inserted bool, err error) {
	err = s.WithTx(ctx, func(tx *Tx) error {
		stored, inserted, err = insertSource(ctx, tx.tx, src)
		return err
	})
	if err != nil {
		return ir.Source{}, false, fmt.Errorf("insert source: %w", err)
	}
	return stored, inserted, nil
}

// InsertPendingSource records a Source whose bytes are spooled locally and
// enqueues its upload, atomically. A duplicate Source enqueues nothing.
func (s *Store) InsertPendingSource(ctx context.Context, src ir.Source, up Upload) (stored ir.Source, inserted bool, err error) {
	src.StorageStatus = ir.StoragePending
	err = s.WithTx(ctx, func(tx *Tx) error {
		stored, inserted, err = insertSource(ctx, tx.tx, src)
		if err != nil || !inserted {
			return err
		}
		_, err = tx.tx.ExecContext(ctx, `
			INSERT INTO upload_queue
			(source_id, storage_key, spool_path, attempts, next_attempt_at, status, created_at)
			VALUES (?, ?, ?, 0, ?, 'queued', ?)
		`, src.ID, up.StorageKey, up.SpoolPath, micros(up.NextAttemptAt), micros(src.CreatedAt))
		if err != nil {
			return fmt.Errorf("enqueue upload: %w", err)
		}
		return nil
	})
	if err != nil {
		return ir.Source{}, false, fmt.Errorf("insert pending source: %w", err)
	}
	return stored, inserted, nil
}

func insertSource(ctx context.Context, q querier, src ir.Source) (ir.Source, bool, error) {
	res, err := q.ExecContext(ctx, `
		INSERT INTO sources
		(id, owner_id, content_hash, mime_type, byte_size, priority, storage_location, storage_status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(owner_id, content_hash) DO NOTHING
	`,
		src.ID,
		src.OwnerID,
		src.ContentHash,
		src.MimeType,
		src.ByteSize,
		src.Priority,
		src.StorageLocation,
		string(src.StorageStatus),
		micros(src.CreatedAt),
	)
	if err != nil {
		return ir.Source{}, false, err
	}
	n, err := affected(res, "insert source")
	if err != nil {
		return ir.Source{}, false, err
	}

	stored, err := scanSource(q.QueryRowContext(ctx,
		`SELECT `+sourceColumns+` FROM sources WHERE owner_id = ? AND content_hash = ?`,
		src.OwnerID, src.ContentHash))
	if err != nil {
		return ir.Source{}, false, fmt.Errorf("select source: %w", err)
	}
	return stored, n == 1, nil
}

// GetSource returns a Source by id.
func (s *Store) GetSource(ctx context.Context, id string) (ir.Source, error) {
	src, err := scanSource(s.db.QueryRowContext(ctx,
		`SELECT `+sourceColumns+` FROM sources WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return ir.Source{}, ir.NotFound("source", id)
	}
	if err != nil {
		return ir.Source{}, fmt.Errorf("get source: %w", err)
	}
	return src, nil
}

const uploadColumns = `source_id, storage_key, spool_path, attempts, next_attempt_at,
	last_error, status, created_at`

func scanUpload(row rowScanner) (Upload, error) {
	var up Upload
	var next, created int64
	var status string
	if err := row.Scan(&up.SourceID, &up.StorageKey, &up.SpoolPath, &up.Attempts,
		&next, &up.LastError, &status, &created); err != nil {
		return Upload{}, err
	}
	up.NextAttemptAt = fromMicros(next)
	up.CreatedAt = fromMicros(created)
	up.Status = UploadStatus(status)
	return up, nil
}

// GetUpload returns the queue row for a Source.
func (s *Store) GetUpload(ctx context.Context, sourceID string) (Upload, error) {
	up, err := scanUpload(s.db.QueryRowContext(ctx,
		`SELECT `+uploadColumns+` FROM upload_queue WHERE source_id = ?`, sourceID))
	if errors.Is(err, sql.ErrNoRows) {
		return Upload{}, ir.NotFound("upload", sourceID)
	}
	if err != nil {
		return Upload{}, fmt.Errorf("get upload: %w", err)
	}
	return up, nil
}

// DueUploads returns queued uploads whose next attempt is at or before now,
// oldest first.
func (s *Store) DueUploads(ctx context.Context, now time.Time, limit int) ([]Upload, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+uploadColumns+`
		FROM upload_queue
		WHERE status = 'queued' AND next_attempt_at <= ?
		ORDER BY next_attempt_at ASC, source_id COLLATE BINARY ASC
		LIMIT ?
	`, micros(now), limit)
	if err != nil {
		return nil, fmt.Errorf("due uploads: %w", err)
	}
	defer rows.Close()

	var out []Upload
	for rows.Next() {
		up, err := scanUpload(rows)
		if err != nil {
			return nil, fmt.Errorf("due uploads: scan: %w", err)
		}
		out = append(out, up)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("due uploads: %w", err)
	}
	return out, nil
}

// CompleteUpload marks the Source stored at location and closes its queue row.
func (s *Store) CompleteUpload(ctx context.Context, sourceID, location string, attempts int) error {
	return s.WithTx(ctx, func(tx *Tx) error {
		_, err := tx.tx.ExecContext(ctx, `
			UPDATE sources SET storage_location = ?, storage_status = 'stored'
			WHERE id = ? AND storage_status = 'pending'
		`, location, sourceID)
		if err != nil {
			return fmt.Errorf("complete upload: %w", err)
		}
		_, err = tx.tx.ExecContext(ctx, `
			UPDATE upload_queue SET status = 'done', attempts = ?, last_error = ''
			WHERE source_id = ?
		`, attempts, sourceID)
		if err != nil {
			return fmt.Errorf("complete upload: %w", err)
		}
		return nil
	})
}

// RetryUpload records a failed attempt and schedules the next one.
func (s *Store) RetryUpload(ctx context.Context, sourceID string, attempts int, next time.Time, lastErr string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE upload_queue SET attempts = ?, next_attempt_at = ?, last_error = ?
		WHERE source_id = ? AND status = 'queued'
	`, attempts, micros(next), lastErr, sourceID)
	if err != nil {
		return fmt.Errorf("retry upload: %w", err)
	}
	return nil
}

// FailUpload moves an upload and its Source to the terminal failed state.
func (s *Store) FailUpload(ctx context.Context, sourceID string, attempts int, lastErr string) error {
	return s.WithTx(ctx, func(tx *Tx) error {
		_, err := tx.tx.ExecContext(ctx, `
			UPDATE upload_queue SET status = 'failed', attempts = ?, last_error = ?
			WHERE source_id = ?
		`, attempts, lastErr, sourceID)
		if err != nil {
			return fmt.Errorf("fail upload: %w", err)
		}
		_, err = tx.tx.ExecContext(ctx, `
			UPDATE sources SET storage_status = 'failed'
			WHERE id = ? AND storage_status = 'pending'
		`, sourceID)
		if err != nil {
			return fmt.Errorf("fail upload: %w", err)
		}
		return nil
	})
}
