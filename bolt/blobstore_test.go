package bolt_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kode4food/tagbox"
	"github.com/kode4food/tagbox/bolt"
)

func open(t *testing.T, path string) *bolt.BlobStore {
	t.Helper()
	bs, err := bolt.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = bs.Close() })
	return bs
}

func TestBlobStore(t *testing.T) {
	ctx := context.Background()
	bs := open(t, filepath.Join(t.TempDir(), "blobs.db"))

	require.NoError(t, bs.Put(ctx, "projection/b", []byte("two")))
	require.NoError(t, bs.Put(ctx, "projection/a", []byte("one")))

	data, err := bs.Get(ctx, "projection/a")
	require.NoError(t, err)
	assert.Equal(t, []byte("one"), data)

	keys, err := bs.Keys()
	require.NoError(t, err)
	assert.Equal(t, []string{"projection/a", "projection/b"}, keys)

	require.NoError(t, bs.Delete(ctx, "projection/a"))
	_, err = bs.Get(ctx, "projection/a")
	assert.True(t, tagbox.IsBlobNotFound(err))
}

func TestBlobStorePersists(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "blobs.db")

	bs, err := bolt.Open(path)
	require.NoError(t, err)
	require.NoError(t, bs.Put(ctx, "k", []byte("v")))
	require.NoError(t, bs.Close())

	data, err := open(t, path).Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), data)
}

func TestBlobStoreCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	bs := open(t, filepath.Join(t.TempDir(), "blobs.db"))

	assert.ErrorIs(t, bs.Put(ctx, "k", nil), context.Canceled)
	_, err := bs.Get(ctx, "k")
	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, bs.Delete(ctx, "k"), context.Canceled)
}

func TestOffloadThroughBolt(t *testing.T) {
	ctx := context.Background()
	bs := open(t, filepath.Join(t.TempDir(), "blobs.db"))
	o := tagbox.NewOffloader(bs, 8)

	snap := &tagbox.ProjectionSnapshot{
		Payload:          []byte(`{"students":["s1","s2","s3"]}`),
		ProjectorName:    "student-list",
		ProjectorVersion: "1",
		LastSortableID:   tagbox.NewSortableUniqueID(),
		Version:          3,
	}
	env, err := o.Wrap(ctx, snap)
	require.NoError(t, err)
	require.True(t, env.IsOffloaded)

	keys, err := bs.Keys()
	require.NoError(t, err)
	assert.Equal(t, []string{env.OffloadedState.Key}, keys)

	got, err := o.Unwrap(ctx, env)
	require.NoError(t, err)
	assert.Equal(t, int64(3), got.Version)
	assert.JSONEq(t, string(snap.Payload), string(got.Payload))
}
