// Package manifest persists object manifests and their lookup indexes.
package manifest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/i5heu/ouroboros-svdb/internal/keyValStore"
	"github.com/i5heu/ouroboros-svdb/pkg/cid"
	"github.com/i5heu/ouroboros-svdb/pkg/model"
	"github.com/i5heu/ouroboros-svdb/pkg/storage"
)

var (
	prefixManifest = []byte("mfest:")
	prefixRoot     = []byte("mroot:")
	prefixMeta     = []byte("mmeta:")
)

func key(prefix []byte, id cid.Cid) []byte {
	return append(append([]byte{}, prefix...), id.Key()...)
}

type Store struct {
	kv  *keyValStore.Handle
	log *slog.Logger
}

func New(kv *keyValStore.Handle, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{kv: kv, log: log.With("component", "manifest")}
}

// PutManifest validates and stores m, returning its Cid. The manifest
// record, its Merkle root index and its erasure summary are written in one
// batch. Referenced chunks must already be stored.
func (s *Store) PutManifest(ctx context.Context, m model.Manifest) (cid.Cid, error) {
	if err := m.Validate(); err != nil {
		return cid.Cid{}, fmt.Errorf("manifest: put: %w", err)
	}
	enc, err := m.Encode()
	if err != nil {
		return cid.Cid{}, fmt.Errorf("manifest: put: %w", err)
	}
	id := cid.For(enc, cid.Raw)

	meta := model.ManifestMeta{
		DataShards:   m.ErasureDataShards,
		ParityShards: m.ErasureParityShards,
		ChunkSize:    chunkSize(m),
	}
	metaBytes, err := json.Marshal(meta)
	if err != nil {
		return cid.Cid{}, fmt.Errorf("manifest: encode meta: %w", err)
	}

	err = s.kv.WriteBatch(ctx, []keyValStore.KV{
		{Key: key(prefixManifest, id), Value: enc},
		{Key: key(prefixRoot, id), Value: append([]byte(nil), m.MerkleRoot[:]...)},
		{Key: key(prefixMeta, id), Value: metaBytes},
	})
	if err != nil {
		return cid.Cid{}, fmt.Errorf("manifest: put %s: %w", id.HexHash(), err)
	}
	s.log.Debug("manifest stored", "cid", id.HexHash(), "chunks", len(m.Chunks), "size", m.Size)
	return id, nil
}

func chunkSize(m model.Manifest) uint64 {
	var max uint64
	for _, sz := range m.StripeSizes {
		if sz > max {
			max = sz
		}
	}
	if max == 0 {
		for _, c := range m.Chunks {
			if c.Cid.Size > max {
				max = c.Cid.Size
			}
		}
	}
	return max
}

// GetManifest loads the manifest stored under id. The stored bytes are
// checked against id; the Merkle root is not recomputed here.
func (s *Store) GetManifest(ctx context.Context, id cid.Cid) (model.Manifest, error) {
	raw, found, err := s.kv.Read(ctx, key(prefixManifest, id))
	if err != nil {
		return model.Manifest{}, fmt.Errorf("manifest: get %s: %w", id.HexHash(), err)
	}
	if !found {
		return model.Manifest{}, fmt.Errorf("manifest: %s: %w", id.HexHash(), storage.ErrNotFound)
	}
	if err := id.Verify(raw); err != nil {
		return model.Manifest{}, fmt.Errorf("manifest: get: %w", err)
	}
	m, err := model.DecodeManifest(raw)
	if err != nil {
		return model.Manifest{}, fmt.Errorf("manifest: get %s: %w", id.HexHash(), err)
	}
	return m, nil
}

// MerkleRoot reads the indexed root without decoding the manifest.
func (s *Store) MerkleRoot(ctx context.Context, id cid.Cid) (model.Hash32, error) {
	raw, found, err := s.kv.Read(ctx, key(prefixRoot, id))
	if err != nil {
		return model.Hash32{}, fmt.Errorf("manifest: root %s: %w", id.HexHash(), err)
	}
	if !found {
		return model.Hash32{}, fmt.Errorf("manifest: root %s: %w", id.HexHash(), storage.ErrNotFound)
	}
	if len(raw) != len(model.Hash32{}) {
		return model.Hash32{}, fmt.Errorf("manifest: root %s has %d bytes: %w", id.HexHash(), len(raw), storage.ErrMalformedEncoding)
	}
	var root model.Hash32
	copy(root[:], raw)
	return root, nil
}

// Meta reads the erasure summary of a manifest.
func (s *Store) Meta(ctx context.Context, id cid.Cid) (model.ManifestMeta, error) {
	raw, found, err := s.kv.Read(ctx, key(prefixMeta, id))
	if err != nil {
		return model.ManifestMeta{}, fmt.Errorf("manifest: meta %s: %w", id.HexHash(), err)
	}
	if !found {
		return model.ManifestMeta{}, fmt.Errorf("manifest: meta %s: %w", id.HexHash(), storage.ErrNotFound)
	}
	var meta model.ManifestMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return model.ManifestMeta{}, fmt.Errorf("manifest: meta %s: %v: %w", id.HexHash(), err, storage.ErrMalformedEncoding)
	}
	return meta, nil
}

// List returns the Cids of all stored manifests.
func (s *Store) List(ctx context.Context) ([]cid.Cid, error) {
	items, err := s.kv.GetItemsWithPrefix(ctx, prefixRoot)
	if err != nil {
		return nil, fmt.Errorf("manifest: list: %w", err)
	}
	out := make([]cid.Cid, 0, len(items))
	for _, it := range items {
		id, err := cid.ParseKey(it.Key[len(prefixRoot):])
		if err != nil {
			s.log.Warn("skipping malformed manifest index key", "error", err)
			continue
		}
		out = append(out, id)
	}
	return out, nil
}
