package cas

import (
	"bytes"
	"context"
	"crypto/rand"
	"sync"
	"testing"

	"github.com/i5heu/ouroboros-svdb/internal/chunkstore"
	"github.com/i5heu/ouroboros-svdb/internal/erasure"
	"github.com/i5heu/ouroboros-svdb/internal/keyValStore"
	"github.com/i5heu/ouroboros-svdb/internal/manifest"
	"github.com/i5heu/ouroboros-svdb/pkg/cid"
	"github.com/i5heu/ouroboros-svdb/pkg/merkle"
	"github.com/i5heu/ouroboros-svdb/pkg/model"
	"github.com/i5heu/ouroboros-svdb/pkg/storage"
	workerpool "github.com/i5heu/ouroboros-svdb/pkg/workerPool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingReporter struct {
	mu  sync.Mutex
	ids []cid.Cid
}

func (r *recordingReporter) ReportShards(ids ...cid.Cid) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, ids...)
}

func (r *recordingReporter) reported() []cid.Cid {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]cid.Cid(nil), r.ids...)
}

type fixture struct {
	kv       *keyValStore.Handle
	chunks   *chunkstore.Store
	store    *Store
	reporter *recordingReporter
}

func newFixture(t *testing.T, readRepair bool) *fixture {
	t.Helper()
	kv, err := keyValStore.Open(keyValStore.StoreConfig{InMemory: true})
	require.NoError(t, err)
	pool := workerpool.NewWorkerPool(workerpool.Config{WorkerCount: 4})
	t.Cleanup(func() {
		pool.Close()
		_ = kv.Close()
	})

	chunks := chunkstore.New(kv, nil)
	rep := &recordingReporter{}
	s := New(Config{
		Chunks:        chunks,
		Manifests:     manifest.New(kv, nil),
		Erasure:       erasure.NewEngine(pool),
		Reporter:      rep,
		DefaultParams: erasure.Params{Data: 4, Parity: 2},
		ChunkSize:     1024,
		ReadRepair:    readRepair,
	})
	return &fixture{kv: kv, chunks: chunks, store: s, reporter: rep}
}

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return b
}

func TestStoreReadRoundTrip(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)

	for _, codec := range []cid.Codec{cid.Raw, cid.Zstd} {
		codec := codec
		data := append(randomBytes(t, 5000), bytes.Repeat([]byte("z"), 3000)...)
		id, m, err := f.store.StoreObject(ctx, data, StoreOptions{Codec: &codec})
		require.NoError(t, err)

		assert.Equal(t, uint64(len(data)), m.Size)
		assert.Len(t, m.StripeSizes, 8)
		assert.Len(t, m.Chunks, 8*6)
		assert.Equal(t, codec, m.Codec)

		got, err := f.store.ReadObject(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, data, got)
	}
}

func TestPlainSingleChunkManifest(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)
	data := []byte("hello world - svdb")

	id, m, err := f.store.StoreObject(ctx, data, StoreOptions{Plain: true})
	require.NoError(t, err)
	require.Len(t, m.Chunks, 1)
	assert.Equal(t, uint32(0), m.Chunks[0].Order)
	assert.Equal(t, model.Hash32(cid.Sum(data)), m.MerkleRoot, "single leaf tree has the leaf as root")

	got, err := f.store.ReadObject(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestEmptyObject(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)

	id, m, err := f.store.StoreObject(ctx, nil, StoreOptions{})
	require.NoError(t, err)
	assert.Empty(t, m.Chunks)

	got, err := f.store.ReadObject(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestReadSurvivesParityLoss(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)
	data := randomBytes(t, 3000)

	id, m, err := f.store.StoreObject(ctx, data, StoreOptions{})
	require.NoError(t, err)

	// stripe 0 loses two shards, stripe 1 one
	for _, order := range []int{0, 5, 7} {
		require.NoError(t, f.chunks.Delete(ctx, m.Chunks[order].Cid))
	}

	got, err := f.store.ReadObject(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.Len(t, f.reporter.reported(), 3)
}

func TestReadFailsBeyondParity(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)
	data := randomBytes(t, 2048)

	id, m, err := f.store.StoreObject(ctx, data, StoreOptions{})
	require.NoError(t, err)
	for _, order := range []int{0, 1, 2} {
		require.NoError(t, f.chunks.Delete(ctx, m.Chunks[order].Cid))
	}

	_, err = f.store.ReadObject(ctx, id)
	require.ErrorIs(t, err, storage.ErrInsufficientShards)
	assert.Len(t, f.reporter.reported(), 3)

	h, err := f.store.ShardHealth(ctx, id)
	require.NoError(t, err)
	require.Len(t, h.Stripes, 2)
	assert.False(t, h.Stripes[0].Recoverable)
	assert.Equal(t, 3, h.Stripes[0].Missing)
	assert.True(t, h.Stripes[1].Recoverable)
	assert.False(t, h.Recoverable())

	res, err := f.store.RepairObject(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []int{0}, res.Unrecoverable)
}

func TestCorruptShardIsRebuiltAndRestored(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)
	data := randomBytes(t, 1000)

	id, m, err := f.store.StoreObject(ctx, data, StoreOptions{})
	require.NoError(t, err)

	victim := m.Chunks[2].Cid
	require.NoError(t, f.kv.Write(ctx, chunkstore.Key(victim), bytes.Repeat([]byte{0xee}, int(victim.Size))))

	got, err := f.store.ReadObject(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	restored, found, err := f.chunks.Get(ctx, victim)
	require.NoError(t, err)
	require.True(t, found)
	require.NoError(t, victim.Verify(restored), "read repair replaces the corrupted record")

	h, err := f.store.ShardHealth(ctx, id)
	require.NoError(t, err)
	assert.False(t, h.Degraded())
}

func TestRepairObject(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)
	data := randomBytes(t, 4000)

	id, m, err := f.store.StoreObject(ctx, data, StoreOptions{})
	require.NoError(t, err)
	require.NoError(t, f.chunks.Delete(ctx, m.Chunks[1].Cid))
	require.NoError(t, f.chunks.Delete(ctx, m.Chunks[10].Cid))

	h, err := f.store.ShardHealth(ctx, id)
	require.NoError(t, err)
	assert.True(t, h.Degraded())
	assert.True(t, h.Recoverable())

	res, err := f.store.RepairObject(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Repaired)
	assert.Empty(t, res.Unrecoverable)

	h, err = f.store.ShardHealth(ctx, id)
	require.NoError(t, err)
	assert.False(t, h.Degraded())
}

func TestTamperedRootIsRejected(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)
	data := []byte("root must cover the bytes")

	chunkID, err := f.chunks.PutData(ctx, data, cid.Raw)
	require.NoError(t, err)
	id, err := manifest.New(f.kv, nil).PutManifest(ctx, model.Manifest{
		Version:    model.ManifestVersion,
		Size:       uint64(len(data)),
		Chunks:     []model.ManifestChunkEntry{{Cid: chunkID}},
		MerkleRoot: model.Hash32{0xde, 0xad},
	})
	require.NoError(t, err)

	_, err = f.store.ReadObject(ctx, id)
	require.ErrorIs(t, err, storage.ErrIntegrityMismatch)

	_, err = f.store.BranchProof(ctx, id, 0)
	require.ErrorIs(t, err, storage.ErrIntegrityMismatch)
}

func TestDeclaredSizeLargerThanPayload(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)
	zstd := cid.Zstd
	data := bytes.Repeat([]byte("size is only a claim "), 200)

	for _, plain := range []bool{true, false} {
		_, m, err := f.store.StoreObject(ctx, data, StoreOptions{Codec: &zstd, Plain: plain})
		require.NoError(t, err)

		m.Size = model.MaxObjectSize
		id, err := manifest.New(f.kv, nil).PutManifest(ctx, m)
		require.NoError(t, err)

		require.NotPanics(t, func() {
			_, err = f.store.ReadObject(ctx, id)
		})
		require.ErrorIs(t, err, storage.ErrIntegrityMismatch)
	}
}

func TestUnsupportedCodec(t *testing.T) {
	f := newFixture(t, false)
	lz4 := cid.Lz4
	_, _, err := f.store.StoreObject(context.Background(), []byte("x"), StoreOptions{Codec: &lz4})
	require.ErrorIs(t, err, storage.ErrUnsupportedCodec)
}

func TestMissingManifest(t *testing.T) {
	f := newFixture(t, false)
	_, err := f.store.ReadObject(context.Background(), cid.For([]byte("nope"), cid.Raw))
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestBranchProof(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)

	id, m, err := f.store.StoreObject(ctx, randomBytes(t, 2500), StoreOptions{})
	require.NoError(t, err)

	for _, idx := range []int{0, 7, len(m.Chunks) - 1} {
		p, err := f.store.BranchProof(ctx, id, idx)
		require.NoError(t, err)
		assert.Equal(t, m.Chunks[idx].Cid.Hash, p.LeafHash)
		assert.True(t, merkle.VerifyInclusion(merkle.BLAKE3, merkle.Hash(m.MerkleRoot), p))
	}

	_, err = f.store.BranchProof(ctx, id, len(m.Chunks))
	require.Error(t, err)
}
