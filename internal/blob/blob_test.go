package blob

import (
	"context"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFS_PutGetRoundTrip(t *testing.T) {
	b := NewFS(afero.NewMemMapFs(), "/blobs")
	ctx := context.Background()

	loc, err := b.Put(ctx, Key("owner-1", "abcdef"), []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, "fs:owner-1/ab/abcdef", loc)

	data, err := b.Get(ctx, loc)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), data)
}

func TestFS_PutSameKeyTwice(t *testing.T) {
	b := NewFS(afero.NewMemMapFs(), "/blobs")
	ctx := context.Background()

	loc1, err := b.Put(ctx, "k/1", []byte("x"))
	require.NoError(t, err)
	loc2, err := b.Put(ctx, "k/1", []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, loc1, loc2)
}

func TestFS_GetMissing(t *testing.T) {
	b := NewFS(afero.NewMemMapFs(), "/blobs")
	_, err := b.Get(context.Background(), "fs:nope/aa/aabb")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFS_RejectsTraversal(t *testing.T) {
	b := NewFS(afero.NewMemMapFs(), "/blobs")
	_, err := b.Put(context.Background(), "../etc/passwd", []byte("x"))
	assert.Error(t, err)
}

func TestFS_ReadOnlyFilesystemFails(t *testing.T) {
	b := NewFS(afero.NewReadOnlyFs(afero.NewMemMapFs()), "/blobs")
	_, err := b.Put(context.Background(), "k/1", []byte("x"))
	assert.Error(t, err)
}

func TestKey_NullOwnerAndUnsafeCharacters(t *testing.T) {
	assert.Equal(t, "_/ff/ffee", Key("", "ffee"))
	assert.Equal(t, "a_b/ff/ffee", Key("a/b", "ffee"))
}

func TestSpool_WriteReadRemove(t *testing.T) {
	s := NewSpool(afero.NewMemMapFs(), "/spool")

	p, err := s.Write("src-1", []byte("payload"))
	require.NoError(t, err)

	data, err := s.Read(p)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), data)

	require.NoError(t, s.Remove(p))
	require.NoError(t, s.Remove(p), "removing twice is harmless")

	_, err = s.Read(p)
	assert.Error(t, err)
}
