package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/truthlayer/internal/blob"
	"github.com/roach88/truthlayer/internal/content"
	"github.com/roach88/truthlayer/internal/ir"
	"github.com/roach88/truthlayer/internal/store"
	"github.com/roach88/truthlayer/internal/testutil"
)

// flakyBackend fails every Put while down is set.
type flakyBackend struct {
	*blob.FS
	down atomic.Bool
}

func (b *flakyBackend) Put(ctx context.Context, key string, data []byte) (string, error) {
	if b.down.Load() {
		return "", errors.New("backend unavailable")
	}
	return b.FS.Put(ctx, key, data)
}

type uploadFixture struct {
	rows    *store.Store
	clock   *testutil.DeterministicClock
	backend *flakyBackend
	spool   *blob.Spool
	content *content.Store
	fs      afero.Fs
}

func newUploadFixture(t *testing.T) *uploadFixture {
	t.Helper()
	fs := afero.NewMemMapFs()
	rows := testutil.OpenStore(t)
	clock := testutil.NewDeterministicClock(testutil.Epoch, 0)
	backend := &flakyBackend{FS: blob.NewFS(fs, "blobs")}
	spool := blob.NewSpool(fs, "spool")
	return &uploadFixture{
		rows:    rows,
		clock:   clock,
		backend: backend,
		spool:   spool,
		content: content.New(rows, backend, spool, clock, testutil.Logger(t)),
		fs:      fs,
	}
}

func (fx *uploadFixture) pending(t *testing.T, body string) ir.Source {
	t.Helper()
	fx.backend.down.Store(true)
	res, err := fx.content.Put(context.Background(), content.PutRequest{OwnerID: "alice", Data: []byte(body), MimeType: "text/plain"})
	require.NoError(t, err)
	require.Equal(t, ir.StoragePending, res.Source.StorageStatus)
	return res.Source
}

func TestUploadProcessor_CompletesSpooledUpload(t *testing.T) {
	fx := newUploadFixture(t)
	ctx := context.Background()
	src := fx.pending(t, "meeting notes")
	up, err := fx.rows.GetUpload(ctx, src.ID)
	require.NoError(t, err)

	fx.backend.down.Store(false)
	p := NewUploadProcessor(fx.rows, fx.backend, fx.spool, fx.clock, testutil.Logger(t))
	stats, err := p.ProcessOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, UploadStats{Completed: 1}, stats)

	stored, err := fx.rows.GetSource(ctx, src.ID)
	require.NoError(t, err)
	assert.Equal(t, ir.StorageStored, stored.StorageStatus)
	assert.NotEmpty(t, stored.StorageLocation)

	data, err := fx.content.Open(ctx, src.ID)
	require.NoError(t, err)
	assert.Equal(t, "meeting notes", string(data))

	exists, err := afero.Exists(fx.fs, up.SpoolPath)
	require.NoError(t, err)
	assert.False(t, exists, "spool file is removed once stored")

	up, err = fx.rows.GetUpload(ctx, src.ID)
	require.NoError(t, err)
	assert.Equal(t, store.UploadDone, up.Status)
	assert.Equal(t, 1, up.Attempts)
}

func TestUploadProcessor_BackoffThenTerminalFailure(t *testing.T) {
	fx := newUploadFixture(t)
	ctx := context.Background()
	src := fx.pending(t, "receipt")

	p := NewUploadProcessor(fx.rows, fx.backend, fx.spool, fx.clock, testutil.Logger(t),
		WithMaxAttempts(3), WithBackoff(time.Minute, 90*time.Second))

	stats, err := p.ProcessOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, UploadStats{Retried: 1}, stats)

	up, err := fx.rows.GetUpload(ctx, src.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, up.Attempts)
	assert.Equal(t, testutil.Epoch.Add(time.Minute), up.NextAttemptAt)
	assert.Equal(t, "backend unavailable", up.LastError)

	stats, err = p.ProcessOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, UploadStats{}, stats, "not due yet")

	fx.clock.Advance(time.Minute)
	stats, err = p.ProcessOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, UploadStats{Retried: 1}, stats)
	up, err = fx.rows.GetUpload(ctx, src.ID)
	require.NoError(t, err)
	assert.Equal(t, testutil.Epoch.Add(time.Minute+90*time.Second), up.NextAttemptAt, "second delay is capped")

	fx.clock.Advance(90 * time.Second)
	stats, err = p.ProcessOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, UploadStats{Failed: 1}, stats)

	failed, err := fx.rows.GetSource(ctx, src.ID)
	require.NoError(t, err)
	assert.Equal(t, ir.StorageFailed, failed.StorageStatus)
	up, err = fx.rows.GetUpload(ctx, src.ID)
	require.NoError(t, err)
	assert.Equal(t, store.UploadFailed, up.Status)
	assert.Equal(t, 3, up.Attempts)

	// The bytes stay readable from the spool.
	data, err := fx.content.Open(ctx, src.ID)
	require.NoError(t, err)
	assert.Equal(t, "receipt", string(data))

	fx.clock.Advance(24 * time.Hour)
	stats, err = p.ProcessOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, UploadStats{}, stats, "failed uploads are terminal")
}

func TestUploadProcessor_Backoff(t *testing.T) {
	p := NewUploadProcessor(nil, nil, nil, nil, testutil.Logger(t), WithBackoff(30*time.Second, 5*time.Minute))
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 30 * time.Second},
		{2, time.Minute},
		{3, 2 * time.Minute},
		{4, 4 * time.Minute},
		{5, 5 * time.Minute},
		{64, 5 * time.Minute},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, p.Backoff(tt.attempt), "attempt %d", tt.attempt)
	}
}

func begin(t *testing.T, rows *store.Store, id string, src ir.Source, at time.Time) {
	t.Helper()
	err := rows.BeginInterpretation(context.Background(), ir.Interpretation{
		ID:          id,
		SourceID:    src.ID,
		OwnerID:     src.OwnerID,
		Config:      ir.InterpretationConfig{Provider: "func"},
		Status:      ir.InterpretationPending,
		HeartbeatAt: at,
		StartedAt:   at,
	}, 0)
	require.NoError(t, err)
}

func TestStaleCleanup_ReapOnce(t *testing.T) {
	rows := testutil.OpenStore(t)
	ctx := context.Background()
	old := testutil.SeedSource(t, rows, "alice", "old", ir.PriorityAI)
	fresh := testutil.SeedSource(t, rows, "alice", "fresh", ir.PriorityAI)
	begin(t, rows, "int-old", old, testutil.Epoch)
	begin(t, rows, "int-fresh", fresh, testutil.Epoch.Add(8*time.Minute))

	clock := testutil.NewDeterministicClock(testutil.Epoch.Add(10*time.Minute), 0)
	c := NewStaleCleanup(rows, 5*time.Minute, clock, testutil.Logger(t))

	reaped, err := c.ReapOnce(ctx)
	require.NoError(t, err)
	require.Len(t, reaped, 1)
	assert.Equal(t, "int-old", reaped[0].ID)

	got, err := rows.GetInterpretation(ctx, "int-old")
	require.NoError(t, err)
	assert.Equal(t, ir.InterpretationTimedOut, got.Status)
	got, err = rows.GetInterpretation(ctx, "int-fresh")
	require.NoError(t, err)
	assert.Equal(t, ir.InterpretationPending, got.Status)

	reaped, err = c.ReapOnce(ctx)
	require.NoError(t, err)
	assert.Empty(t, reaped, "already terminal")
}

func TestQuotaRollover_RollOnce(t *testing.T) {
	rows := testutil.OpenStore(t)
	ctx := context.Background()
	months := []time.Time{
		time.Date(2025, 11, 20, 0, 0, 0, 0, time.UTC),
		time.Date(2025, 12, 5, 0, 0, 0, 0, time.UTC),
		time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC),
	}
	for i, at := range months {
		src := testutil.SeedSource(t, rows, "alice", at.String(), ir.PriorityAI)
		begin(t, rows, "int-"+string(rune('a'+i)), src, at)
	}

	q := NewQuotaRollover(rows, 2, testutil.NewDeterministicClock(testutil.Epoch, 0), testutil.Logger(t))
	assert.Equal(t, "2025-12", q.OldestKept(testutil.Epoch))

	n, err := q.RollOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	used, err := rows.QuotaUsed(ctx, "alice", "2025-11")
	require.NoError(t, err)
	assert.Zero(t, used)
	used, err = rows.QuotaUsed(ctx, "alice", "2025-12")
	require.NoError(t, err)
	assert.Equal(t, int64(1), used)

	assert.Equal(t, "2026-01", NewQuotaRollover(rows, 0, nil, testutil.Logger(t)).OldestKept(testutil.Epoch),
		"the current month is always kept")
}

func TestRunner_RunsTasksUntilCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var ok, failing atomic.Int64
	started := make(chan struct{}, 2)
	r := NewRunner(testutil.Logger(t),
		Task{Name: "ok", Interval: time.Hour, Run: func(context.Context) error {
			ok.Add(1)
			started <- struct{}{}
			return nil
		}},
		Task{Name: "failing", Interval: time.Hour, Run: func(context.Context) error {
			failing.Add(1)
			started <- struct{}{}
			return errors.New("boom")
		}},
		Task{Name: "disabled", Interval: 0, Run: func(context.Context) error {
			t.Error("disabled task ran")
			return nil
		}},
	)
	require.Len(t, r.Tasks(), 2)

	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	<-started
	<-started
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("runner did not stop")
	}
	assert.Equal(t, int64(1), ok.Load())
	assert.Equal(t, int64(1), failing.Load(), "a failing task does not stop the runner")
}
