package content

import (
	"context"
	"io/fs"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/truthlayer/internal/blob"
	"github.com/roach88/truthlayer/internal/ir"
	"github.com/roach88/truthlayer/internal/metrics"
	"github.com/roach88/truthlayer/internal/store"
	"github.com/roach88/truthlayer/internal/testutil"
)

type fixture struct {
	rows    *store.Store
	content *Store
	spoolFs afero.Fs
}

func newFixture(t *testing.T, backendFs afero.Fs) fixture {
	t.Helper()
	rows := testutil.OpenStore(t)
	spoolFs := afero.NewMemMapFs()
	cs := New(rows,
		blob.NewFS(backendFs, "/blobs"),
		blob.NewSpool(spoolFs, "/spool"),
		testutil.NewDeterministicClock(testutil.Epoch, time.Second),
		testutil.Logger(t))
	return fixture{rows: rows, content: cs, spoolFs: spoolFs}
}

func TestPut_IdenticalBytesDeduplicate(t *testing.T) {
	f := newFixture(t, afero.NewMemMapFs())
	ctx := context.Background()
	before := metrics.SourcesDeduplicated.Value()

	first, err := f.content.Put(ctx, PutRequest{OwnerID: "alice", Data: []byte("hello"), MimeType: "text/plain"})
	require.NoError(t, err)
	assert.False(t, first.Deduplicated)
	assert.Equal(t, ir.StorageStored, first.Source.StorageStatus)

	second, err := f.content.Put(ctx, PutRequest{OwnerID: "alice", Data: []byte("hello"), MimeType: "text/plain"})
	require.NoError(t, err)
	assert.True(t, second.Deduplicated)
	assert.Equal(t, first.Source, second.Source)
	assert.Greater(t, metrics.SourcesDeduplicated.Value(), before)

	other, err := f.content.Put(ctx, PutRequest{OwnerID: "bob", Data: []byte("hello"), MimeType: "text/plain"})
	require.NoError(t, err)
	assert.False(t, other.Deduplicated)
	assert.NotEqual(t, first.Source.ID, other.Source.ID, "dedup is per owner")
	assert.Equal(t, first.Source.ContentHash, other.Source.ContentHash)
}

func TestPut_CanonicalizesBeforeHashing(t *testing.T) {
	f := newFixture(t, afero.NewMemMapFs())
	ctx := context.Background()

	tests := []struct {
		name   string
		mime   string
		a, b   string
		sameID bool
	}{
		{"json key order", "application/json", `{"b":1,"a":[1,2]}`, `{ "a": [1, 2], "b": 1 }`, true},
		{"vendor json", "application/vnd.acme+json; charset=utf-8", `{"x":"y"}`, `{"x": "y"}`, true},
		{"crlf text", "text/plain", "line one\r\nline two", "line one\nline two", true},
		{"nfc text", "text/markdown", "caf\u00e9", "cafe\u0301", true},
		{"binary untouched", "application/pdf", "a\r\nb", "a\nb", false},
		{"invalid json kept verbatim", "application/json", `{"a":`, `{"a": `, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ra, err := f.content.Put(ctx, PutRequest{OwnerID: "alice", Data: []byte(tt.a), MimeType: tt.mime})
			require.NoError(t, err)
			rb, err := f.content.Put(ctx, PutRequest{OwnerID: "alice", Data: []byte(tt.b), MimeType: tt.mime})
			require.NoError(t, err)
			if tt.sameID {
				assert.Equal(t, ra.Source.ID, rb.Source.ID)
				assert.True(t, rb.Deduplicated)
			} else {
				assert.NotEqual(t, ra.Source.ID, rb.Source.ID)
			}
		})
	}
}

func TestPut_RejectsEmptyPayload(t *testing.T) {
	f := newFixture(t, afero.NewMemMapFs())
	_, err := f.content.Put(context.Background(), PutRequest{OwnerID: "alice"})
	assert.True(t, ir.IsValidation(err))
}

func TestPut_BackendFailureSpools(t *testing.T) {
	f := newFixture(t, afero.NewReadOnlyFs(afero.NewMemMapFs()))
	ctx := context.Background()

	res, err := f.content.Put(ctx, PutRequest{OwnerID: "alice", Data: []byte(`{"k":"v"}`), MimeType: "application/json"})
	require.NoError(t, err, "backend failure must not fail the caller")
	assert.Equal(t, ir.StoragePending, res.Source.StorageStatus)
	assert.Empty(t, res.Source.StorageLocation)

	up, err := f.rows.GetUpload(ctx, res.Source.ID)
	require.NoError(t, err)
	assert.Equal(t, store.UploadQueued, up.Status)
	assert.Equal(t, blob.Key("alice", res.Source.ContentHash), up.StorageKey)

	data, err := f.content.Open(ctx, res.Source.ID)
	require.NoError(t, err)
	assert.Equal(t, `{"k":"v"}`, string(data))

	again, err := f.content.Put(ctx, PutRequest{OwnerID: "alice", Data: []byte(`{"k": "v"}`), MimeType: "application/json"})
	require.NoError(t, err)
	assert.True(t, again.Deduplicated)
}

func TestOpen(t *testing.T) {
	f := newFixture(t, afero.NewMemMapFs())
	ctx := context.Background()

	res, err := f.content.Put(ctx, PutRequest{OwnerID: "", Data: []byte("bytes"), MimeType: ""})
	require.NoError(t, err)
	assert.Equal(t, DefaultMimeType, res.Source.MimeType)

	data, err := f.content.Open(ctx, res.Source.ID)
	require.NoError(t, err)
	assert.Equal(t, []byte("bytes"), data)

	_, err = f.content.Open(ctx, "missing")
	assert.True(t, ir.IsNotFound(err))
}

// hookFs runs onOpen before the first Open of any file.
type hookFs struct {
	afero.Fs
	onOpen func()
}

func (h *hookFs) Open(name string) (afero.File, error) {
	if h.onOpen != nil {
		fn := h.onOpen
		h.onOpen = nil
		fn()
	}
	return h.Fs.Open(name)
}

func TestOpen_SpoolRemovedByFinishedUpload(t *testing.T) {
	ctx := context.Background()
	rows := testutil.OpenStore(t)
	base := afero.NewMemMapFs()
	spoolFs := &hookFs{Fs: afero.NewMemMapFs()}
	cs := New(rows,
		blob.NewFS(afero.NewReadOnlyFs(base), "/blobs"),
		blob.NewSpool(spoolFs, "/spool"),
		testutil.NewDeterministicClock(testutil.Epoch, time.Second),
		testutil.Logger(t))

	data := []byte(`{"k":"v"}`)
	res, err := cs.Put(ctx, PutRequest{OwnerID: "alice", Data: data, MimeType: "application/json"})
	require.NoError(t, err)
	require.Equal(t, ir.StoragePending, res.Source.StorageStatus)
	up, err := rows.GetUpload(ctx, res.Source.ID)
	require.NoError(t, err)

	// The upload lands between Open's row read and its spool read.
	spoolFs.onOpen = func() {
		location, err := blob.NewFS(base, "/blobs").Put(ctx, up.StorageKey, data)
		require.NoError(t, err)
		require.NoError(t, rows.CompleteUpload(ctx, res.Source.ID, location, 1))
		require.NoError(t, spoolFs.Fs.Remove(up.SpoolPath))
	}

	got, err := cs.Open(ctx, res.Source.ID)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestOpen_MissingSpoolOnPendingSource(t *testing.T) {
	f := newFixture(t, afero.NewReadOnlyFs(afero.NewMemMapFs()))
	ctx := context.Background()

	res, err := f.content.Put(ctx, PutRequest{OwnerID: "alice", Data: []byte("lost"), MimeType: "text/plain"})
	require.NoError(t, err)
	up, err := f.rows.GetUpload(ctx, res.Source.ID)
	require.NoError(t, err)
	require.NoError(t, f.spoolFs.Remove(up.SpoolPath))

	_, err = f.content.Open(ctx, res.Source.ID)
	assert.ErrorIs(t, err, fs.ErrNotExist)
}

func TestNormalizeMimeType(t *testing.T) {
	assert.Equal(t, "text/html", NormalizeMimeType("Text/HTML; charset=UTF-8"))
	assert.Equal(t, DefaultMimeType, NormalizeMimeType("  "))
	assert.Equal(t, DefaultMimeType, NormalizeMimeType("not a mime;;"))
	assert.True(t, IsJSON("application/ld+json"))
	assert.False(t, IsJSON("text/plain"))
}
