package cas

import (
	"context"
	"errors"
	"fmt"

	"github.com/i5heu/ouroboros-svdb/pkg/cid"
	"github.com/i5heu/ouroboros-svdb/pkg/merkle"
	"github.com/i5heu/ouroboros-svdb/pkg/storage"
)

// StripeHealth counts the shards of one stripe by state.
type StripeHealth struct {
	Healthy int `json:"healthy"`
	Missing int `json:"missing"`
	Corrupt int `json:"corrupt"`
	// Recoverable is true when enough shards remain to rebuild the rest.
	Recoverable bool `json:"recoverable"`
}

type Health struct {
	Manifest     cid.Cid        `json:"manifest"`
	DataShards   int            `json:"data_shards"`
	ParityShards int            `json:"parity_shards"`
	Stripes      []StripeHealth `json:"stripes"`
}

// Degraded reports whether any shard is missing or corrupt.
func (h Health) Degraded() bool {
	for _, s := range h.Stripes {
		if s.Missing > 0 || s.Corrupt > 0 {
			return true
		}
	}
	return false
}

// Recoverable reports whether every stripe can be read.
func (h Health) Recoverable() bool {
	for _, s := range h.Stripes {
		if !s.Recoverable {
			return false
		}
	}
	return true
}

// ShardHealth inspects every shard of an object without reconstructing
// anything. Plain objects report one stripe per chunk.
func (s *Store) ShardHealth(ctx context.Context, id cid.Cid) (Health, error) {
	m, err := s.manifests.GetManifest(ctx, id)
	if err != nil {
		return Health{}, fmt.Errorf("cas: %w", err)
	}
	if err := m.Validate(); err != nil {
		return Health{}, fmt.Errorf("cas: %w", err)
	}
	entries := m.Ordered()
	got, err := s.fetchEntries(ctx, entries)
	if err != nil {
		return Health{}, err
	}

	h := Health{
		Manifest:     id,
		DataShards:   int(m.ErasureDataShards),
		ParityShards: int(m.ErasureParityShards),
	}
	per, need := 1, 1
	if m.Erasure() {
		per, need = m.ShardsPerStripe(), int(m.ErasureDataShards)
	}
	for start := 0; start < len(got); start += per {
		var st StripeHealth
		for _, f := range got[start : start+per] {
			switch f.state {
			case shardHealthy:
				st.Healthy++
			case shardMissing:
				st.Missing++
			case shardCorrupt:
				st.Corrupt++
			}
		}
		st.Recoverable = st.Healthy >= need
		h.Stripes = append(h.Stripes, st)
	}
	return h, nil
}

type RepairResult struct {
	Repaired int `json:"repaired"`
	// Unrecoverable lists stripes that lost more than m shards. Their
	// missing shards were reported for peer repair.
	Unrecoverable []int `json:"unrecoverable,omitempty"`
}

// RepairObject rebuilds missing or corrupted shards of an object from the
// surviving ones and stores them again.
func (s *Store) RepairObject(ctx context.Context, id cid.Cid) (RepairResult, error) {
	ctx, span := tracer.Start(ctx, "cas.RepairObject")
	defer span.End()

	m, err := s.manifests.GetManifest(ctx, id)
	if err != nil {
		return RepairResult{}, fmt.Errorf("cas: %w", err)
	}
	if err := m.Validate(); err != nil {
		return RepairResult{}, fmt.Errorf("cas: %w", err)
	}
	entries := m.Ordered()

	var res RepairResult
	if !m.Erasure() {
		got, err := s.fetchEntries(ctx, entries)
		if err != nil {
			return res, err
		}
		var lost []cid.Cid
		for i, f := range got {
			if f.state != shardHealthy {
				lost = append(lost, entries[i].Cid)
				res.Unrecoverable = append(res.Unrecoverable, i)
			}
		}
		s.report(lost)
		return res, nil
	}

	n := m.ShardsPerStripe()
	for si := range m.StripeSizes {
		full, lost, err := s.stripeShards(ctx, m, entries, si)
		if errors.Is(err, storage.ErrInsufficientShards) {
			res.Unrecoverable = append(res.Unrecoverable, si)
			ids := make([]cid.Cid, len(lost))
			for i, e := range lost {
				ids[i] = e.Cid
			}
			s.report(ids)
			continue
		}
		if err != nil {
			return res, err
		}
		res.Repaired += s.restoreShards(ctx, entries[si*n:(si+1)*n], full, lost)
	}
	if len(res.Unrecoverable) > 0 {
		s.log.Warn("object has unrecoverable stripes", "manifest", id.HexHash(), "stripes", res.Unrecoverable)
	}
	return res, nil
}

// BranchProof returns the inclusion proof of entry index under the
// Manifest's Merkle root.
func (s *Store) BranchProof(ctx context.Context, id cid.Cid, index int) (merkle.Proof, error) {
	m, err := s.manifests.GetManifest(ctx, id)
	if err != nil {
		return merkle.Proof{}, fmt.Errorf("cas: %w", err)
	}
	entries := m.Ordered()
	leaves := make([]merkle.Hash, len(entries))
	for i, e := range entries {
		leaves[i] = e.Cid.Hash
	}
	tree := merkle.NewTree(merkle.BLAKE3, leaves)
	if tree.Root() != merkle.Hash(m.MerkleRoot) {
		return merkle.Proof{}, fmt.Errorf("cas: manifest %s root does not cover its entries: %w", id.HexHash(), storage.ErrIntegrityMismatch)
	}
	p, err := tree.Proof(index)
	if err != nil {
		return merkle.Proof{}, fmt.Errorf("cas: %w", err)
	}
	return p, nil
}
