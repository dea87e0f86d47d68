// Package content is the content-addressed Source store.
//
// Bytes are canonicalized by MIME type before hashing so that semantically
// identical payloads (reordered JSON keys, CRLF line endings, decomposed
// Unicode) deduplicate to one Source per owner. Sources are never rewritten.
package content

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"mime"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/roach88/truthlayer/internal/blob"
	"github.com/roach88/truthlayer/internal/ir"
	"github.com/roach88/truthlayer/internal/metrics"
	"github.com/roach88/truthlayer/internal/store"
)

// DefaultMimeType is recorded when the caller gives none.
const DefaultMimeType = "application/octet-stream"

// PutRequest is one payload to store.
type PutRequest struct {
	OwnerID  string
	Data     []byte
	MimeType string
	Priority int64
}

// PutResult reports the stored Source and whether it already existed.
type PutResult struct {
	Source       ir.Source
	Deduplicated bool
}

// Store writes Source bytes to a blob backend and Source rows to the row store.
//
// Thread-safety: safe for concurrent use. Concurrent Puts of identical content
// race on the (owner_id, content_hash) unique index and both observe one Source.
type Store struct {
	rows    *store.Store
	backend blob.Backend
	spool   *blob.Spool
	clock   ir.Clock
	logger  *slog.Logger
}

// New creates a content store.
func New(rows *store.Store, backend blob.Backend, spool *blob.Spool, clock ir.Clock, logger *slog.Logger) *Store {
	return &Store{rows: rows, backend: backend, spool: spool, clock: clock, logger: logger}
}

// Put stores a payload and returns its Source.
//
// When a Source with the same owner and content hash exists it is returned
// with Deduplicated set and nothing is written. When the backend write fails
// the bytes are spooled, the Source is recorded as pending with an upload
// queued in the same transaction, and Put still succeeds.
func (s *Store) Put(ctx context.Context, req PutRequest) (PutResult, error) {
	if len(req.Data) == 0 {
		return PutResult{}, ir.Validation("data", "payload is empty")
	}

	mimeType := NormalizeMimeType(req.MimeType)
	canonical := Canonicalize(mimeType, req.Data)
	hash := ir.ContentHash(canonical)
	id, err := ir.SourceID(req.OwnerID, hash)
	if err != nil {
		return PutResult{}, fmt.Errorf("put: %w", err)
	}

	existing, err := s.rows.GetSource(ctx, id)
	if err == nil {
		metrics.Inc(metrics.SourcesDeduplicated)
		return PutResult{Source: existing, Deduplicated: true}, nil
	}
	if !ir.IsNotFound(err) {
		return PutResult{}, fmt.Errorf("put: %w", err)
	}

	src := ir.Source{
		ID:          id,
		OwnerID:     req.OwnerID,
		ContentHash: hash,
		MimeType:    mimeType,
		ByteSize:    int64(len(canonical)),
		Priority:    req.Priority,
		CreatedAt:   s.clock.Now(),
	}
	key := blob.Key(req.OwnerID, hash)

	location, putErr := s.backend.Put(ctx, key, canonical)
	if putErr != nil {
		return s.putPending(ctx, src, key, canonical, putErr)
	}

	src.StorageLocation = location
	src.StorageStatus = ir.StorageStored
	stored, inserted, err := s.rows.InsertSource(ctx, src)
	if err != nil {
		return PutResult{}, fmt.Errorf("put: %w", err)
	}
	if !inserted {
		metrics.Inc(metrics.SourcesDeduplicated)
		return PutResult{Source: stored, Deduplicated: true}, nil
	}
	metrics.Inc(metrics.SourcesStored)
	s.logger.Debug("source stored", "source_id", id, "owner_id", req.OwnerID, "bytes", src.ByteSize)
	return PutResult{Source: stored}, nil
}

func (s *Store) putPending(ctx context.Context, src ir.Source, key string, data []byte, cause error) (PutResult, error) {
	spoolPath, err := s.spool.Write(src.ID, data)
	if err != nil {
		return PutResult{}, fmt.Errorf("put: backend failed (%v) and spool failed: %w", cause, err)
	}

	stored, inserted, err := s.rows.InsertPendingSource(ctx, src, store.Upload{
		StorageKey:    key,
		SpoolPath:     spoolPath,
		NextAttemptAt: src.CreatedAt,
	})
	if err != nil {
		_ = s.spool.Remove(spoolPath)
		return PutResult{}, fmt.Errorf("put: %w", err)
	}
	if !inserted {
		// Lost the race to a concurrent writer; its row owns the bytes.
		if stored.StorageStatus == ir.StorageStored {
			_ = s.spool.Remove(spoolPath)
		}
		metrics.Inc(metrics.SourcesDeduplicated)
		return PutResult{Source: stored, Deduplicated: true}, nil
	}

	metrics.Inc(metrics.SourcesSpooled)
	s.logger.Warn("backend write failed, source spooled for retry",
		"source_id", src.ID, "error", cause)
	return PutResult{Source: stored}, nil
}

// Open returns the stored bytes of a Source. Sources whose upload is still
// pending (or terminally failed) are read from the spool. The upload worker
// may finish between the row read and the spool read; a vanished spool file
// sends the read back to the backend once the Source is stored.
func (s *Store) Open(ctx context.Context, sourceID string) ([]byte, error) {
	src, err := s.rows.GetSource(ctx, sourceID)
	if err != nil {
		return nil, err
	}
	if src.StorageStatus == ir.StorageStored {
		return s.fromBackend(ctx, src)
	}

	up, err := s.rows.GetUpload(ctx, sourceID)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", sourceID, err)
	}
	data, err := s.spool.Read(up.SpoolPath)
	if errors.Is(err, fs.ErrNotExist) {
		if src, rerr := s.rows.GetSource(ctx, sourceID); rerr == nil && src.StorageStatus == ir.StorageStored {
			return s.fromBackend(ctx, src)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", sourceID, err)
	}
	return data, nil
}

func (s *Store) fromBackend(ctx context.Context, src ir.Source) ([]byte, error) {
	data, err := s.backend.Get(ctx, src.StorageLocation)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", src.ID, err)
	}
	return data, nil
}

// NormalizeMimeType lowercases the media type and drops parameters.
// Unparseable or empty values become DefaultMimeType.
func NormalizeMimeType(mimeType string) string {
	if strings.TrimSpace(mimeType) == "" {
		return DefaultMimeType
	}
	mediaType, _, err := mime.ParseMediaType(mimeType)
	if err != nil {
		return DefaultMimeType
	}
	return mediaType
}

// IsJSON reports whether a normalized media type carries JSON.
func IsJSON(mimeType string) bool {
	return mimeType == "application/json" || strings.HasSuffix(mimeType, "+json")
}

// Canonicalize returns the bytes that are hashed and stored for a payload.
//
//   - JSON: RFC 8785 canonical form; invalid JSON is kept verbatim
//   - text/*: NFC with CRLF and CR line endings folded to LF
//   - anything else: unchanged
func Canonicalize(mimeType string, data []byte) []byte {
	switch {
	case IsJSON(mimeType):
		canonical, err := ir.CanonicalizeJSON(data)
		if err != nil {
			return data
		}
		return canonical
	case strings.HasPrefix(mimeType, "text/"):
		text := bytes.ReplaceAll(data, []byte("\r\n"), []byte("\n"))
		text = bytes.ReplaceAll(text, []byte("\r"), []byte("\n"))
		return norm.NFC.Bytes(text)
	default:
		return data
	}
}
