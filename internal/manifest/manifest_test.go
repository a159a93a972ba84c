package manifest

import (
	"context"
	"testing"

	"github.com/i5heu/ouroboros-svdb/internal/chunkstore"
	"github.com/i5heu/ouroboros-svdb/internal/keyValStore"
	"github.com/i5heu/ouroboros-svdb/pkg/cid"
	"github.com/i5heu/ouroboros-svdb/pkg/model"
	"github.com/i5heu/ouroboros-svdb/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func openKV(t testing.TB) *keyValStore.Handle {
	t.Helper()
	kv, err := keyValStore.Open(keyValStore.StoreConfig{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })
	return kv
}

func TestSingleChunkManifest(t *testing.T) {
	ctx := context.Background()
	kv := openKV(t)
	chunks := chunkstore.New(kv, nil)
	manifests := New(kv, nil)

	data := []byte("hello world - svdb")
	id := cid.For(data, cid.Raw)
	require.NoError(t, chunks.Put(ctx, id, data))

	m := model.Manifest{
		Version:    model.ManifestVersion,
		Size:       uint64(len(data)),
		Chunks:     []model.ManifestChunkEntry{{Cid: id, Order: 0}},
		Codec:      cid.Raw,
		MerkleRoot: model.Hash32(id.Hash),
	}
	mid, err := manifests.PutManifest(ctx, m)
	require.NoError(t, err)

	got, err := manifests.GetManifest(ctx, mid)
	require.NoError(t, err)
	assert.Equal(t, uint64(len(data)), got.Size)
	require.Len(t, got.Chunks, 1)
	assert.Equal(t, uint32(0), got.Chunks[0].Order)
	assert.True(t, id.Equal(got.Chunks[0].Cid))

	root, err := manifests.MerkleRoot(ctx, mid)
	require.NoError(t, err)
	assert.Equal(t, model.Hash32(id.Hash), root)

	meta, err := manifests.Meta(ctx, mid)
	require.NoError(t, err)
	assert.Equal(t, uint64(len(data)), meta.ChunkSize)

	ids, err := manifests.List(ctx)
	require.NoError(t, err)
	require.Len(t, ids, 1)
	assert.True(t, ids[0].Equal(mid))
}

func TestGetManifestErrors(t *testing.T) {
	ctx := context.Background()
	kv := openKV(t)
	manifests := New(kv, nil)

	missing := cid.For([]byte("nothing"), cid.Raw)
	_, err := manifests.GetManifest(ctx, missing)
	require.ErrorIs(t, err, storage.ErrNotFound)

	garbage := []byte("{not a manifest")
	gid := cid.For(garbage, cid.Raw)
	require.NoError(t, kv.Write(ctx, key(prefixManifest, gid), garbage))
	_, err = manifests.GetManifest(ctx, gid)
	require.ErrorIs(t, err, storage.ErrMalformedEncoding)

	require.NoError(t, kv.Write(ctx, key(prefixManifest, missing), []byte("swapped")))
	_, err = manifests.GetManifest(ctx, missing)
	require.ErrorIs(t, err, storage.ErrIntegrityMismatch)
}

func TestPutManifestRejectsInvalid(t *testing.T) {
	manifests := New(openKV(t), nil)
	_, err := manifests.PutManifest(context.Background(), model.Manifest{
		Chunks: []model.ManifestChunkEntry{{Cid: cid.For([]byte("x"), cid.Raw), Order: 1}},
	})
	require.ErrorIs(t, err, storage.ErrMalformedEncoding)
}

func TestEmptyStripeSizesRoundTrip(t *testing.T) {
	ctx := context.Background()
	manifests := New(openKV(t), nil)

	for _, stripes := range [][]uint64{nil, {}} {
		m := model.Manifest{Version: model.ManifestVersion, StripeSizes: stripes}
		id, err := manifests.PutManifest(ctx, m)
		require.NoError(t, err)
		got, err := manifests.GetManifest(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, m, got)
		assert.False(t, got.Erasure())
	}
}

func TestPutManifestRejectsOversizedObject(t *testing.T) {
	manifests := New(openKV(t), nil)
	_, err := manifests.PutManifest(context.Background(), model.Manifest{
		Version: model.ManifestVersion,
		Size:    1 << 62,
	})
	require.ErrorIs(t, err, storage.ErrMalformedEncoding)
}

func genManifest(t *rapid.T) model.Manifest {
	n := rapid.IntRange(0, 8).Draw(t, "chunks")
	chunks := make([]model.ManifestChunkEntry, n)
	var stored uint64
	for i := range chunks {
		payload := rapid.SliceOf(rapid.Byte()).Draw(t, "payload")
		chunks[i] = model.ManifestChunkEntry{
			Cid:   cid.For(payload, cid.Codec(rapid.IntRange(0, 2).Draw(t, "codec"))),
			Order: uint32(i),
		}
		stored += uint64(len(payload))
	}
	var root model.Hash32
	copy(root[:], rapid.SliceOfN(rapid.Byte(), 32, 32).Draw(t, "root"))

	m := model.Manifest{
		Version:    model.ManifestVersion,
		Size:       stored,
		Chunks:     chunks,
		Codec:      cid.Codec(rapid.IntRange(0, 2).Draw(t, "manifestCodec")),
		MerkleRoot: root,
	}
	if m.Codec != cid.Raw {
		m.Size = rapid.Uint64Range(0, model.MaxObjectSize).Draw(t, "size")
	}
	if rapid.Bool().Draw(t, "emptyStripes") {
		m.StripeSizes = []uint64{}
	}
	if rapid.Bool().Draw(t, "license") {
		l := rapid.String().Draw(t, "licenseText")
		m.License = &l
	}
	if rapid.Bool().Draw(t, "envelope") {
		m.Envelope = &model.EncryptionEnvelope{Alg: "aes-256-gcm", NonceB64: "bm9uY2U"}
	}
	return m
}

func TestManifestRoundTripProperty(t *testing.T) {
	kv := openKV(t)
	manifests := New(kv, nil)

	rapid.Check(t, func(t *rapid.T) {
		m := genManifest(t)
		id, err := manifests.PutManifest(context.Background(), m)
		if err != nil {
			t.Fatalf("put: %v", err)
		}
		got, err := manifests.GetManifest(context.Background(), id)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		want, _ := m.Encode()
		have, _ := got.Encode()
		if string(want) != string(have) {
			t.Fatalf("round trip changed manifest:\nwant %s\nhave %s", want, have)
		}
	})
}
