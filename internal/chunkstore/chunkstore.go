// Package chunkstore persists content-addressed chunks.
package chunkstore

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/i5heu/ouroboros-svdb/internal/keyValStore"
	"github.com/i5heu/ouroboros-svdb/pkg/cid"
)

var prefixChunk = []byte("chunk:")

// Key returns the storage key of a chunk.
func Key(id cid.Cid) []byte {
	return append(append([]byte{}, prefixChunk...), id.Key()...)
}

// Store is safe for concurrent use; it holds a shared database handle.
type Store struct {
	kv  *keyValStore.Handle
	log *slog.Logger
}

func New(kv *keyValStore.Handle, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{kv: kv, log: log.With("component", "chunkstore")}
}

// Put stores data under id. data must hash to id; a mismatch is rejected
// with storage.ErrIntegrityMismatch. Storing an existing chunk is a no-op.
func (s *Store) Put(ctx context.Context, id cid.Cid, data []byte) error {
	if err := id.Verify(data); err != nil {
		return fmt.Errorf("chunkstore: put %s: %w", id.HexHash(), err)
	}
	key := Key(id)
	exists, err := s.kv.Has(ctx, key)
	if err != nil {
		return fmt.Errorf("chunkstore: put %s: %w", id.HexHash(), err)
	}
	if exists {
		return nil
	}
	if err := s.kv.Write(ctx, key, data); err != nil {
		return fmt.Errorf("chunkstore: put %s: %w", id.HexHash(), err)
	}
	return nil
}

// PutData derives the Cid of data and stores it.
func (s *Store) PutData(ctx context.Context, data []byte, codec cid.Codec) (cid.Cid, error) {
	id := cid.For(data, codec)
	return id, s.Put(ctx, id, data)
}

// PutBatch stores several verified chunks in one database batch, skipping
// those already present.
func (s *Store) PutBatch(ctx context.Context, ids []cid.Cid, data [][]byte) error {
	if len(ids) != len(data) {
		return fmt.Errorf("chunkstore: %d ids for %d payloads", len(ids), len(data))
	}
	keys := make([][]byte, len(ids))
	for i, id := range ids {
		if err := id.Verify(data[i]); err != nil {
			return fmt.Errorf("chunkstore: put %s: %w", id.HexHash(), err)
		}
		keys[i] = Key(id)
	}
	exists, err := s.kv.BatchCheckKeyExistence(ctx, keys)
	if err != nil {
		return fmt.Errorf("chunkstore: batch: %w", err)
	}
	batch := make([]keyValStore.KV, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for i, key := range keys {
		if exists[string(key)] {
			continue
		}
		if _, dup := seen[string(key)]; dup {
			continue
		}
		seen[string(key)] = struct{}{}
		batch = append(batch, keyValStore.KV{Key: key, Value: data[i]})
	}
	if err := s.kv.WriteBatch(ctx, batch); err != nil {
		return fmt.Errorf("chunkstore: batch: %w", err)
	}
	return nil
}

// Get returns the chunk stored under id. Absence is found == false, not an
// error.
func (s *Store) Get(ctx context.Context, id cid.Cid) (data []byte, found bool, err error) {
	data, found, err = s.kv.Read(ctx, Key(id))
	if err != nil {
		return nil, false, fmt.Errorf("chunkstore: get %s: %w", id.HexHash(), err)
	}
	return data, found, nil
}

// GetVerified is Get followed by an integrity check of the stored bytes.
func (s *Store) GetVerified(ctx context.Context, id cid.Cid) ([]byte, bool, error) {
	data, found, err := s.Get(ctx, id)
	if err != nil || !found {
		return nil, found, err
	}
	if err := id.Verify(data); err != nil {
		s.log.Warn("stored chunk failed verification", "cid", id.HexHash(), "error", err)
		return nil, true, fmt.Errorf("chunkstore: get %s: %w", id.HexHash(), err)
	}
	return data, true, nil
}

func (s *Store) Has(ctx context.Context, id cid.Cid) (bool, error) {
	ok, err := s.kv.Has(ctx, Key(id))
	if err != nil {
		return false, fmt.Errorf("chunkstore: has %s: %w", id.HexHash(), err)
	}
	return ok, nil
}

// Stat returns the stored length of a chunk.
func (s *Store) Stat(ctx context.Context, id cid.Cid) (size uint64, found bool, err error) {
	data, found, err := s.Get(ctx, id)
	if err != nil || !found {
		return 0, found, err
	}
	return uint64(len(data)), true, nil
}

// Delete removes a chunk. Deleting an absent chunk succeeds.
func (s *Store) Delete(ctx context.Context, id cid.Cid) error {
	if err := s.kv.Delete(ctx, Key(id)); err != nil {
		return fmt.Errorf("chunkstore: delete %s: %w", id.HexHash(), err)
	}
	return nil
}
