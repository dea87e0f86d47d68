package interpret

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/truthlayer/internal/ids"
	"github.com/roach88/truthlayer/internal/ingest"
	"github.com/roach88/truthlayer/internal/ir"
	"github.com/roach88/truthlayer/internal/metrics"
	"github.com/roach88/truthlayer/internal/store"
)

// Defaults for the fence lease.
const (
	DefaultHeartbeatInterval = 15 * time.Second
	DefaultTimeout           = 2 * time.Minute
)

// SourceReader returns the stored bytes of a Source.
// Implemented by *content.Store.
type SourceReader interface {
	Open(ctx context.Context, sourceID string) ([]byte, error)
}

// Outcome is a finished interpretation and what it wrote.
type Outcome struct {
	Interpretation ir.Interpretation `json:"interpretation"`
	Result         ingest.Result     `json:"result"`
}

// FenceOption configures a Fence.
type FenceOption func(*Fence)

// WithHeartbeat sets how often the lease is renewed.
func WithHeartbeat(d time.Duration) FenceOption {
	return func(f *Fence) { f.heartbeat = d }
}

// WithTimeout sets how long a lease may go without a heartbeat before the
// reaper takes it.
func WithTimeout(d time.Duration) FenceOption {
	return func(f *Fence) { f.timeout = d }
}

// WithMonthlyQuota caps interpretations per owner per calendar month (UTC).
// Zero counts usage without a ceiling.
func WithMonthlyQuota(limit int64) FenceOption {
	return func(f *Fence) { f.quota = limit }
}

// WithMimeMatcher replaces the interpretable MIME allow-list.
func WithMimeMatcher(m *MimeMatcher) FenceOption {
	return func(f *Fence) { f.mime = m }
}

// WithInterpretationIDs replaces the interpretation id generator.
func WithInterpretationIDs(g ids.Generator) FenceOption {
	return func(f *Fence) { f.ids = g }
}

// Fence wraps an Interpreter with quota, locking, lease and atomic commit.
//
// Thread-safety: safe for concurrent use. Concurrent runs on the same Source
// are serialized by the store: the second one fails with a conflict.
type Fence struct {
	rows        *store.Store
	sources     SourceReader
	ingester    *ingest.Ingester
	interpreter Interpreter
	mime        *MimeMatcher
	ids         ids.Generator
	heartbeat   time.Duration
	timeout     time.Duration
	quota       int64
	clock       ir.Clock
	logger      *slog.Logger
}

// NewFence creates a Fence.
func NewFence(rows *store.Store, sources SourceReader, in *ingest.Ingester, interpreter Interpreter, clock ir.Clock, logger *slog.Logger, opts ...FenceOption) *Fence {
	f := &Fence{
		rows:        rows,
		sources:     sources,
		ingester:    in,
		interpreter: interpreter,
		ids:         ids.UUIDv7{Prefix: "int_"},
		heartbeat:   DefaultHeartbeatInterval,
		timeout:     DefaultTimeout,
		clock:       clock,
		logger:      logger,
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.mime == nil {
		f.mime, _ = NewMimeMatcher(DefaultMimeTypes)
	}
	return f
}

// Timeout returns the lease timeout.
func (f *Fence) Timeout() time.Duration { return f.timeout }

// Quota returns the monthly per-owner attempt limit; 0 is unlimited.
func (f *Fence) Quota() int64 { return f.quota }

// Interpretable reports whether sources of mimeType may be interpreted.
func (f *Fence) Interpretable(mimeType string) bool { return f.mime.Match(mimeType) }

// Run interprets src on behalf of ownerID.
//
// Errors: forbidden when src belongs to another owner; validation when its
// MIME type is not interpretable; quota_exceeded when the monthly quota is
// spent; conflict when another attempt on src is in flight; timeout when the
// lease lapsed before the result could be committed. Every attempt that got
// past the quota check leaves an Interpretation row in a terminal state.
func (f *Fence) Run(ctx context.Context, ownerID string, src ir.Source) (Outcome, error) {
	if src.OwnerID != ownerID {
		return Outcome{}, ir.Forbidden("source", src.ID)
	}
	if !f.mime.Match(src.MimeType) {
		return Outcome{}, ir.Validation("mime_type", fmt.Sprintf("%s is not interpretable", src.MimeType))
	}
	data, err := f.sources.Open(ctx, src.ID)
	if err != nil {
		return Outcome{}, err
	}
	schemas, err := f.activeSchemas(ctx, ownerID)
	if err != nil {
		return Outcome{}, err
	}

	now := f.clock.Now()
	interp := ir.Interpretation{
		ID:          f.ids.New(),
		SourceID:    src.ID,
		OwnerID:     ownerID,
		Config:      f.interpreter.Config(),
		Status:      ir.InterpretationPending,
		HeartbeatAt: now,
		StartedAt:   now,
	}
	if err := f.rows.BeginInterpretation(ctx, interp, f.quota); err != nil {
		if ir.IsQuotaExceeded(err) {
			metrics.Inc(metrics.InterpretationsQuotaRejected)
		}
		return Outcome{}, err
	}
	metrics.Inc(metrics.InterpretationsStarted)
	log := f.logger.With("interpretation_id", interp.ID, "source_id", src.ID)
	log.Info("interpretation started", "provider", interp.Config.Provider, "model", interp.Config.Model)

	out, err := f.interpret(ctx, interp.ID, Input{Source: src, MimeType: src.MimeType, Data: data, Schemas: schemas})
	if err != nil {
		return Outcome{}, f.fail(ctx, log, interp.ID, err)
	}

	var result ingest.Result
	if len(out.Entities) == 0 {
		err = f.rows.FinishInterpretation(ctx, interp.ID, ir.InterpretationCompleted, "", f.clock.Now())
	} else {
		result, err = f.ingester.Ingest(ctx, ingest.Request{
			OwnerID:          ownerID,
			SourceID:         src.ID,
			InterpretationID: interp.ID,
			Priority:         ir.PriorityAI,
			ObservedAt:       interp.StartedAt,
			Entities:         out.Entities,
			Guard: func(ctx context.Context, tx *store.Tx) error {
				return tx.FinishInterpretation(ctx, interp.ID, ir.InterpretationCompleted, "", f.clock.Now())
			},
		})
	}
	if err != nil {
		return Outcome{}, f.fail(ctx, log, interp.ID, err)
	}

	metrics.Inc(metrics.InterpretationsCompleted)
	log.Info("interpretation completed",
		"entities", len(out.Entities), "observations", len(result.Observations), "raw_fragments", len(result.Fragments))

	final, err := f.rows.GetInterpretation(ctx, interp.ID)
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Interpretation: final, Result: result}, nil
}

// interpret calls the interpreter while a sibling goroutine renews the lease.
// The call runs on the caller's context: an interpreter is never cut off at
// the lease timeout. A result that arrives after the reaper took the lease is
// discarded by the conditional finish.
func (f *Fence) interpret(ctx context.Context, id string, in Input) (Output, error) {
	g, gctx := errgroup.WithContext(ctx)
	done := make(chan struct{})
	var out Output

	g.Go(func() error {
		defer close(done)
		var err error
		out, err = f.interpreter.Interpret(gctx, in)
		return err
	})
	g.Go(func() error {
		ticker := time.NewTicker(f.heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return nil
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if err := f.rows.Heartbeat(gctx, id, f.clock.Now()); err != nil {
					return err
				}
			}
		}
	})

	if err := g.Wait(); err != nil {
		return Output{}, err
	}
	return out, nil
}

// fail records cause on the interpretation. A lease the reaper already took
// turns into a timeout error regardless of cause.
func (f *Fence) fail(ctx context.Context, log *slog.Logger, id string, cause error) error {
	if ir.IsTimeout(cause) {
		metrics.Inc(metrics.InterpretationsTimedOut)
		log.Warn("interpretation discarded, lease lapsed")
		return cause
	}

	err := f.rows.FinishInterpretation(context.WithoutCancel(ctx), id, ir.InterpretationFailed, cause.Error(), f.clock.Now())
	if ir.IsTimeout(err) {
		metrics.Inc(metrics.InterpretationsTimedOut)
		log.Warn("interpretation discarded, lease lapsed", "cause", cause)
		return err
	}
	if err != nil {
		return errors.Join(cause, err)
	}
	metrics.Inc(metrics.InterpretationsFailed)
	log.Warn("interpretation failed", "error", cause)
	return cause
}

// activeSchemas lists the schemas that govern ownerID, an owner-scoped version
// shadowing the global one of the same type.
func (f *Fence) activeSchemas(ctx context.Context, ownerID string) ([]ir.EntitySchema, error) {
	all, err := f.rows.ListSchemas(ctx, "")
	if err != nil {
		return nil, err
	}
	var out []ir.EntitySchema
	index := make(map[string]int)
	for _, s := range all {
		if !s.Active || (s.Scope != ir.GlobalScope && s.Scope != ownerID) {
			continue
		}
		if i, ok := index[s.EntityType]; ok {
			if s.Scope == ownerID {
				out[i] = s
			}
			continue
		}
		index[s.EntityType] = len(out)
		out = append(out, s)
	}
	return out, nil
}
