package chunkstore

import (
	"context"
	"testing"

	"github.com/i5heu/ouroboros-svdb/internal/keyValStore"
	"github.com/i5heu/ouroboros-svdb/pkg/cid"
	"github.com/i5heu/ouroboros-svdb/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	kv, err := keyValStore.Open(keyValStore.StoreConfig{Paths: []string{t.TempDir()}})
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })
	return New(kv, nil)
}

func TestPutGet(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	data := []byte("hello world - svdb")
	id := cid.For(data, cid.Raw)

	_, found, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.False(t, found, "absence is not an error")

	require.NoError(t, s.Put(ctx, id, data))
	require.NoError(t, s.Put(ctx, id, data), "put is idempotent")

	got, found, err := s.Get(ctx, id)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, data, got)

	size, found, err := s.Stat(ctx, id)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, uint64(len(data)), size)
}

func TestPutRejectsMismatch(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	id := cid.For([]byte("expected"), cid.Raw)

	err := s.Put(ctx, id, []byte("tampered"))
	require.ErrorIs(t, err, storage.ErrIntegrityMismatch)

	has, err := s.Has(ctx, id)
	require.NoError(t, err)
	assert.False(t, has)
}

func TestCodecIsPartOfIdentity(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	data := []byte("same bytes")

	raw, err := s.PutData(ctx, data, cid.Raw)
	require.NoError(t, err)
	zst := cid.For(data, cid.Zstd)

	has, err := s.Has(ctx, zst)
	require.NoError(t, err)
	assert.False(t, has)

	has, err = s.Has(ctx, raw)
	require.NoError(t, err)
	assert.True(t, has)
}

func TestPutBatchAndDelete(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	payloads := [][]byte{[]byte("a"), []byte("b"), []byte("a")}
	ids := make([]cid.Cid, len(payloads))
	for i, p := range payloads {
		ids[i] = cid.For(p, cid.Raw)
	}
	require.NoError(t, s.PutBatch(ctx, ids, payloads))

	for _, id := range ids {
		has, err := s.Has(ctx, id)
		require.NoError(t, err)
		assert.True(t, has)
	}

	require.NoError(t, s.Delete(ctx, ids[0]))
	require.NoError(t, s.Delete(ctx, ids[0]))
	_, found, err := s.Get(ctx, ids[0])
	require.NoError(t, err)
	assert.False(t, found)

	err = s.PutBatch(ctx, ids[:1], [][]byte{[]byte("z")})
	require.ErrorIs(t, err, storage.ErrIntegrityMismatch)
}

func TestGetVerifiedDetectsCorruption(t *testing.T) {
	ctx := context.Background()
	kv, err := keyValStore.Open(keyValStore.StoreConfig{InMemory: true})
	require.NoError(t, err)
	defer kv.Close()
	s := New(kv, nil)

	data := []byte("original")
	id, err := s.PutData(ctx, data, cid.Raw)
	require.NoError(t, err)

	require.NoError(t, kv.Write(ctx, Key(id), []byte("bitrot!!")))

	_, found, err := s.GetVerified(ctx, id)
	assert.True(t, found)
	require.ErrorIs(t, err, storage.ErrIntegrityMismatch)
}
