package cas

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/i5heu/ouroboros-svdb/internal/erasure"
	"github.com/i5heu/ouroboros-svdb/pkg/cid"
	"github.com/i5heu/ouroboros-svdb/pkg/merkle"
	"github.com/i5heu/ouroboros-svdb/pkg/model"
	"github.com/i5heu/ouroboros-svdb/pkg/storage"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"
)

// shardState classifies one fetched entry.
type shardState uint8

const (
	shardHealthy shardState = iota
	shardMissing
	shardCorrupt
)

type fetched struct {
	data  []byte
	state shardState
}

// fetchEntries loads and verifies entries concurrently. Absent and
// corrupted entries come back without data.
func (s *Store) fetchEntries(ctx context.Context, entries []model.ManifestChunkEntry) ([]fetched, error) {
	out := make([]fetched, len(entries))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.fetchLimit)
	for i, e := range entries {
		i, e := i, e
		g.Go(func() error {
			data, found, err := s.chunks.Get(gctx, e.Cid)
			if err != nil {
				return err
			}
			switch {
			case !found:
				out[i] = fetched{state: shardMissing}
			case e.Cid.Verify(data) != nil:
				out[i] = fetched{state: shardCorrupt}
			default:
				out[i] = fetched{data: data, state: shardHealthy}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("cas: fetch: %w", err)
	}
	return out, nil
}

// ReadObject returns the object described by the manifest id.
func (s *Store) ReadObject(ctx context.Context, id cid.Cid) ([]byte, error) {
	ctx, span := tracer.Start(ctx, "cas.ReadObject")
	defer span.End()
	span.SetAttributes(attribute.String("svdb.manifest", id.HexHash()))

	data, err := s.readObject(ctx, id)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.metrics.ReadFailed(failureReason(err))
		return nil, err
	}
	s.metrics.ObjectRead(len(data))
	return data, nil
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return "not_found"
	case errors.Is(err, storage.ErrInsufficientShards):
		return "insufficient_shards"
	case errors.Is(err, storage.ErrIntegrityMismatch):
		return "integrity"
	case errors.Is(err, storage.ErrMalformedEncoding):
		return "malformed"
	default:
		return "io"
	}
}

func (s *Store) readObject(ctx context.Context, id cid.Cid) ([]byte, error) {
	m, err := s.manifests.GetManifest(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("cas: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("cas: manifest %s: %w", id.HexHash(), err)
	}
	if err := checkCodec(m.Codec); err != nil {
		return nil, err
	}

	var payload []byte
	if m.Erasure() {
		payload, err = s.readStriped(ctx, m)
	} else {
		payload, err = s.readPlain(ctx, m)
	}
	if err != nil {
		return nil, err
	}
	if uint64(len(payload)) != m.Size {
		return nil, fmt.Errorf("cas: object %s is %d bytes, manifest says %d: %w",
			id.HexHash(), len(payload), m.Size, storage.ErrIntegrityMismatch)
	}
	return payload, nil
}

func checkRoot(m model.Manifest, leaves []merkle.Hash) error {
	if got := merkle.RootOf(merkle.BLAKE3, leaves); model.Hash32(got) != m.MerkleRoot {
		return fmt.Errorf("cas: merkle root %x, manifest records %s: %w", got, m.MerkleRoot, storage.ErrIntegrityMismatch)
	}
	return nil
}

func (s *Store) readPlain(ctx context.Context, m model.Manifest) ([]byte, error) {
	entries := m.Ordered()
	got, err := s.fetchEntries(ctx, entries)
	if err != nil {
		return nil, err
	}

	var lost []cid.Cid
	corrupt := false
	for i, f := range got {
		if f.state != shardHealthy {
			lost = append(lost, entries[i].Cid)
			corrupt = corrupt || f.state == shardCorrupt
		}
	}
	if len(lost) > 0 {
		s.report(lost)
		if corrupt {
			return nil, fmt.Errorf("cas: %d chunks unusable: %w", len(lost), storage.ErrIntegrityMismatch)
		}
		return nil, fmt.Errorf("cas: %d chunks absent: %w", len(lost), storage.ErrNotFound)
	}

	leaves := make([]merkle.Hash, len(got))
	for i, f := range got {
		leaves[i] = cid.Sum(f.data)
	}
	if err := checkRoot(m, leaves); err != nil {
		return nil, err
	}

	var stored uint64
	for _, f := range got {
		stored += uint64(len(f.data))
	}
	out := make([]byte, 0, min(m.Size, stored))
	for i, f := range got {
		plain, err := decodePayload(entries[i].Cid.Codec, f.data)
		if err != nil {
			return nil, err
		}
		out = append(out, plain...)
	}
	return out, nil
}

func paramsOf(m model.Manifest) erasure.Params {
	return erasure.Params{Data: int(m.ErasureDataShards), Parity: int(m.ErasureParityShards)}
}

// stripeShards fetches and, when needed, rebuilds the shards of stripe si.
// It returns the complete shard set and the entries that were not usable.
func (s *Store) stripeShards(ctx context.Context, m model.Manifest, entries []model.ManifestChunkEntry, si int) ([][]byte, []model.ManifestChunkEntry, error) {
	p := paramsOf(m)
	n := p.Total()
	stripe := entries[si*n : (si+1)*n]

	got, err := s.fetchEntries(ctx, stripe)
	if err != nil {
		return nil, nil, err
	}

	shards := make([][]byte, n)
	var lost []model.ManifestChunkEntry
	corrupt := 0
	for i, f := range got {
		if f.state == shardHealthy {
			shards[i] = f.data
			continue
		}
		lost = append(lost, stripe[i])
		if f.state == shardCorrupt {
			corrupt++
		}
	}
	s.metrics.Shards("missing", len(lost)-corrupt)
	s.metrics.Shards("corrupt", corrupt)
	if len(lost) == 0 {
		return shards, nil, nil
	}

	if len(lost) > p.Parity {
		return nil, lost, fmt.Errorf("cas: stripe %d has %d of %d shards, needs %d: %w",
			si, n-len(lost), n, p.Data, storage.ErrInsufficientShards)
	}

	started := time.Now()
	full, err := s.erasure.Reconstruct(ctx, shards, p)
	if err != nil {
		return nil, lost, fmt.Errorf("cas: stripe %d: %w", si, err)
	}
	s.metrics.ObserveCoding("reconstruct", started)
	s.metrics.Shards("reconstructed", len(lost))
	return full, lost, nil
}

func (s *Store) readStriped(ctx context.Context, m model.Manifest) ([]byte, error) {
	entries := m.Ordered()
	n := m.ShardsPerStripe()
	p := paramsOf(m)

	type stripeResult struct {
		payload []byte
		leaves  []merkle.Hash
		lost    []model.ManifestChunkEntry
		rebuilt [][]byte
	}
	results := make([]stripeResult, len(m.StripeSizes))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.fetchLimit)
	for si := range m.StripeSizes {
		si := si
		g.Go(func() error {
			full, lost, err := s.stripeShards(gctx, m, entries, si)
			results[si].lost = lost
			if err != nil {
				return err
			}
			leaves := make([]merkle.Hash, n)
			for i, shard := range full {
				leaves[i] = cid.Sum(shard)
			}
			joined, err := erasure.Join(full, p, int(m.StripeSizes[si]))
			if err != nil {
				return fmt.Errorf("cas: stripe %d: %v: %w", si, err, storage.ErrIntegrityMismatch)
			}
			results[si].payload = joined
			results[si].leaves = leaves
			if len(lost) > 0 {
				results[si].rebuilt = full
			}
			return nil
		})
	}
	err := g.Wait()

	var lost []cid.Cid
	for _, r := range results {
		for _, e := range r.lost {
			lost = append(lost, e.Cid)
		}
	}
	s.report(lost)
	if err != nil {
		return nil, err
	}

	leaves := make([]merkle.Hash, 0, len(entries))
	for _, r := range results {
		leaves = append(leaves, r.leaves...)
	}
	if err := checkRoot(m, leaves); err != nil {
		return nil, err
	}

	if s.readRepair {
		for si, r := range results {
			s.restoreShards(ctx, entries[si*n:(si+1)*n], r.rebuilt, r.lost)
		}
	}

	var stored uint64
	for _, r := range results {
		stored += uint64(len(r.payload))
	}
	out := make([]byte, 0, min(m.Size, stored))
	for _, r := range results {
		plain, err := decodePayload(m.Codec, r.payload)
		if err != nil {
			return nil, err
		}
		out = append(out, plain...)
	}
	return out, nil
}

// restoreShards writes rebuilt shards back for the lost entries of one
// stripe. Failures are logged; the read itself already succeeded.
func (s *Store) restoreShards(ctx context.Context, stripe []model.ManifestChunkEntry, full [][]byte, lost []model.ManifestChunkEntry) int {
	if len(lost) == 0 || full == nil {
		return 0
	}
	restored := 0
	for _, e := range lost {
		i := int(e.Order) % len(stripe)
		if err := e.Cid.Verify(full[i]); err != nil {
			s.log.Warn("rebuilt shard does not match its cid", "cid", e.Cid.HexHash(), "error", err)
			continue
		}
		// a corrupted record would make Put a no-op
		if err := s.chunks.Delete(ctx, e.Cid); err != nil {
			s.log.Warn("dropping corrupted shard", "cid", e.Cid.HexHash(), "error", err)
			continue
		}
		if err := s.chunks.Put(ctx, e.Cid, full[i]); err != nil {
			s.log.Warn("restoring shard", "cid", e.Cid.HexHash(), "error", err)
			continue
		}
		restored++
	}
	s.metrics.Shards("repaired", restored)
	return restored
}
