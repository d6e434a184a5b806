package blobstore_test

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kellnr/kellnr/blobstore"
	"github.com/kellnr/kellnr/kellnrerr"
)

func TestFsStorePutGetDelete(t *testing.T) {
	store, err := blobstore.NewFsStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	blob := []byte("crate archive bytes")
	sum := sha256.Sum256(blob)
	wantCksum := hex.EncodeToString(sum[:])

	cksum, err := store.Put(ctx, "test_lib", "0.2.0", blob)
	require.NoError(t, err)
	assert.Equal(t, wantCksum, cksum)

	got, err := store.Get(ctx, "test_lib", "0.2.0")
	require.NoError(t, err)
	assert.Equal(t, blob, got)

	require.NoError(t, store.Delete(ctx, "test_lib", "0.2.0"))

	_, err = store.Get(ctx, "test_lib", "0.2.0")
	require.True(t, kellnrerr.Is(err, kellnrerr.KindNotFound))
}

func TestFsStoreDeleteMissingIsNotAnError(t *testing.T) {
	store, err := blobstore.NewFsStore(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, store.Delete(context.Background(), "never_published", "1.0.0"))
}

func TestFsStoreVersionsAreIndependent(t *testing.T) {
	store, err := blobstore.NewFsStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	_, err = store.Put(ctx, "test_lib", "0.1.0", []byte("v1"))
	require.NoError(t, err)
	_, err = store.Put(ctx, "test_lib", "0.2.0", []byte("v2"))
	require.NoError(t, err)

	v1, err := store.Get(ctx, "test_lib", "0.1.0")
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), v1)

	require.NoError(t, store.Delete(ctx, "test_lib", "0.1.0"))
	v2, err := store.Get(ctx, "test_lib", "0.2.0")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), v2)
}
