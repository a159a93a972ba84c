package cas

import (
	"context"
	"fmt"
	"time"

	"github.com/i5heu/ouroboros-svdb/internal/chunker"
	"github.com/i5heu/ouroboros-svdb/internal/erasure"
	"github.com/i5heu/ouroboros-svdb/pkg/cid"
	"github.com/i5heu/ouroboros-svdb/pkg/merkle"
	"github.com/i5heu/ouroboros-svdb/pkg/model"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// StoreOptions tune how one object is written. Zero values select the
// store's defaults.
type StoreOptions struct {
	Params    erasure.Params
	Codec     *cid.Codec
	ChunkSize int
	// Plain stores whole chunks without erasure coding.
	Plain bool

	License      *string
	Envelope     *model.EncryptionEnvelope
	PoseidonRoot *model.Hash32
}

type encodedStripe struct {
	index  int
	size   uint64
	shards [][]byte
	err    error
}

// StoreObject writes data and returns the Cid of its Manifest. The Manifest
// is written only after every chunk it references is stored.
func (s *Store) StoreObject(ctx context.Context, data []byte, opts StoreOptions) (cid.Cid, model.Manifest, error) {
	ctx, span := tracer.Start(ctx, "cas.StoreObject")
	defer span.End()
	span.SetAttributes(attribute.Int("svdb.object.size", len(data)))

	id, m, err := s.storeObject(ctx, data, opts)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return cid.Cid{}, model.Manifest{}, err
	}
	s.metrics.ObjectStored(len(data))
	s.log.Debug("object stored", "manifest", id.HexHash(), "size", len(data), "chunks", len(m.Chunks))
	return id, m, nil
}

func (s *Store) storeObject(ctx context.Context, data []byte, opts StoreOptions) (cid.Cid, model.Manifest, error) {
	codec := s.codec
	if opts.Codec != nil {
		codec = *opts.Codec
	}
	if err := checkCodec(codec); err != nil {
		return cid.Cid{}, model.Manifest{}, err
	}
	params := opts.Params
	if params == (erasure.Params{}) {
		params = s.params
	}
	if err := params.Validate(); err != nil {
		return cid.Cid{}, model.Manifest{}, fmt.Errorf("cas: %w", err)
	}
	size := opts.ChunkSize
	if size <= 0 {
		size = s.chunkSize
	}

	chunks, err := chunker.SplitBytes(data, size)
	if err != nil {
		return cid.Cid{}, model.Manifest{}, fmt.Errorf("cas: chunk object: %w", err)
	}

	m := model.Manifest{
		Version:      model.ManifestVersion,
		Size:         uint64(len(data)),
		License:      opts.License,
		Codec:        codec,
		PoseidonRoot: opts.PoseidonRoot,
		Envelope:     opts.Envelope,
	}

	var leaves []merkle.Hash
	if opts.Plain {
		leaves, err = s.storePlain(ctx, chunks, codec, &m)
	} else {
		leaves, err = s.storeStriped(ctx, chunks, codec, params, &m)
	}
	if err != nil {
		return cid.Cid{}, model.Manifest{}, err
	}
	m.MerkleRoot = model.Hash32(merkle.RootOf(merkle.BLAKE3, leaves))

	id, err := s.manifests.PutManifest(ctx, m)
	if err != nil {
		return cid.Cid{}, model.Manifest{}, fmt.Errorf("cas: %w", err)
	}
	return id, m, nil
}

func (s *Store) storePlain(ctx context.Context, chunks [][]byte, codec cid.Codec, m *model.Manifest) ([]merkle.Hash, error) {
	ids := make([]cid.Cid, len(chunks))
	payloads := make([][]byte, len(chunks))
	leaves := make([]merkle.Hash, len(chunks))
	for i, c := range chunks {
		p, err := encodePayload(codec, c)
		if err != nil {
			return nil, err
		}
		payloads[i] = p
		ids[i] = cid.For(p, codec)
		leaves[i] = ids[i].Hash
		m.Chunks = append(m.Chunks, model.ManifestChunkEntry{Cid: ids[i], Order: uint32(i)})
	}
	if err := s.chunks.PutBatch(ctx, ids, payloads); err != nil {
		return nil, fmt.Errorf("cas: store chunks: %w", err)
	}
	return leaves, nil
}

func (s *Store) storeStriped(ctx context.Context, chunks [][]byte, codec cid.Codec, p erasure.Params, m *model.Manifest) ([]merkle.Hash, error) {
	m.ErasureDataShards = uint8(p.Data)
	m.ErasureParityShards = uint8(p.Parity)
	if len(chunks) == 0 {
		return nil, nil
	}

	started := time.Now()
	room := s.erasure.Pool().CreateRoom(len(chunks))
	for i, c := range chunks {
		i, c := i, c
		err := room.NewTaskWaitForFreeSlot(ctx, func() interface{} {
			payload, err := encodePayload(codec, c)
			if err != nil {
				return encodedStripe{index: i, err: err}
			}
			shards, err := erasure.Encode(payload, p)
			return encodedStripe{index: i, size: uint64(len(payload)), shards: shards, err: err}
		})
		if err != nil {
			room.Collect()
			return nil, fmt.Errorf("cas: queue stripe %d: %w", i, err)
		}
	}

	stripes := make([]encodedStripe, len(chunks))
	for _, r := range room.Collect() {
		st := r.(encodedStripe)
		if st.err != nil {
			return nil, fmt.Errorf("cas: encode stripe %d: %w", st.index, st.err)
		}
		stripes[st.index] = st
	}
	s.metrics.ObserveCoding("encode", started)

	n := p.Total()
	leaves := make([]merkle.Hash, 0, len(stripes)*n)
	m.StripeSizes = make([]uint64, len(stripes))
	for si, st := range stripes {
		m.StripeSizes[si] = st.size
		ids := make([]cid.Cid, n)
		for i, shard := range st.shards {
			ids[i] = cid.For(shard, cid.Raw)
			leaves = append(leaves, ids[i].Hash)
			m.Chunks = append(m.Chunks, model.ManifestChunkEntry{Cid: ids[i], Order: uint32(si*n + i)})
		}
		if err := s.chunks.PutBatch(ctx, ids, st.shards); err != nil {
			return nil, fmt.Errorf("cas: store stripe %d: %w", si, err)
		}
	}
	return leaves, nil
}
