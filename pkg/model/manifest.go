package model

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/i5heu/ouroboros-svdb/pkg/cid"
	"github.com/i5heu/ouroboros-svdb/pkg/storage"
)

// ManifestVersion is written into every new Manifest.
const ManifestVersion uint32 = 1

// MaxObjectSize bounds the decoded size a Manifest may declare.
const MaxObjectSize = 1 << 40

// Hash32 is a 32-byte digest that encodes as lowercase hex in JSON.
type Hash32 [32]byte

func (h Hash32) IsZero() bool { return h == Hash32{} }

func (h Hash32) String() string { return hex.EncodeToString(h[:]) }

func (h Hash32) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

func (h *Hash32) UnmarshalText(b []byte) error {
	if len(b) != 64 {
		return fmt.Errorf("model: hash length %d: %w", len(b), storage.ErrMalformedEncoding)
	}
	if _, err := hex.Decode(h[:], b); err != nil {
		return fmt.Errorf("model: hash: %w", storage.ErrMalformedEncoding)
	}
	return nil
}

// ManifestChunkEntry points at one stored chunk of an object.
type ManifestChunkEntry struct {
	Cid   cid.Cid `json:"cid"`
	Order uint32  `json:"order"`
}

// EncryptionEnvelope carries the client-side encryption parameters of an
// object. The engine stores it verbatim and never decrypts.
type EncryptionEnvelope struct {
	Alg      string `json:"alg"`
	SaltB64  string `json:"salt_b64,omitempty"`
	NonceB64 string `json:"nonce_b64,omitempty"`
	AADB64   string `json:"aad_b64,omitempty"`
}

// Manifest describes how to reassemble and verify a stored object.
//
// A Manifest is itself content addressed: its Cid is the BLAKE3 digest of
// its JSON encoding. Once written it is immutable.
//
// # Layouts
//
// A Manifest takes one of two layouts:
//
//   - Plain: StripeSizes is empty. Each entry is a whole chunk and the
//     payload is the concatenation of the entries in Order.
//   - Erasure coded: StripeSizes has one element per stripe. Each stripe
//     contributes k+m entries, entry s*(k+m)+i being shard i of stripe s,
//     and StripeSizes[s] is the stripe's payload length before padding.
//
// # Integrity
//
// MerkleRoot commits to the BLAKE3 hashes of every entry's bytes in Order.
// Readers recompute it from the bytes they actually obtained, after any
// reconstruction, and reject the object on mismatch.
//
// # Codec
//
// Codec applies to each stripe (or chunk) payload before it is encoded. The
// Size field always refers to the decoded object. For the Raw codec it
// must equal the summed chunk sizes (plain) or StripeSizes (erasure coded).
type Manifest struct {
	Version uint32               `json:"version"`
	Size    uint64               `json:"size"`
	Chunks  []ManifestChunkEntry `json:"chunks"`
	License *string              `json:"license,omitempty"`
	Codec   cid.Codec            `json:"codec"`

	// ErasureDataShards is k, the number of shards any stripe needs.
	ErasureDataShards uint8 `json:"erasure_data_shards"`
	// ErasureParityShards is m, the number of shards a stripe may lose.
	ErasureParityShards uint8 `json:"erasure_parity_shards"`

	MerkleRoot   Hash32              `json:"merkle_root"`
	PoseidonRoot *Hash32             `json:"poseidon_root,omitempty"`
	Envelope     *EncryptionEnvelope `json:"envelope,omitempty"`
	StripeSizes  []uint64            `json:"stripe_sizes"`
}

// Erasure reports whether m uses the erasure coded layout.
func (m *Manifest) Erasure() bool { return len(m.StripeSizes) > 0 }

// ShardsPerStripe is k+m.
func (m *Manifest) ShardsPerStripe() int {
	return int(m.ErasureDataShards) + int(m.ErasureParityShards)
}

// Ordered returns the entries sorted by Order. The receiver is not changed.
func (m *Manifest) Ordered() []ManifestChunkEntry {
	out := append([]ManifestChunkEntry(nil), m.Chunks...)
	sort.Slice(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out
}

// Validate checks the structural invariants of m.
func (m *Manifest) Validate() error {
	for i, e := range m.Ordered() {
		if e.Order != uint32(i) {
			return fmt.Errorf("model: chunk orders not contiguous at %d (got %d): %w", i, e.Order, storage.ErrMalformedEncoding)
		}
		if !e.Cid.Codec.Valid() {
			return fmt.Errorf("model: chunk %d has invalid codec: %w", i, storage.ErrMalformedEncoding)
		}
	}
	if !m.Codec.Valid() {
		return fmt.Errorf("model: invalid codec %d: %w", m.Codec, storage.ErrMalformedEncoding)
	}
	if m.Size > MaxObjectSize {
		return fmt.Errorf("model: size %d exceeds %d: %w", m.Size, uint64(MaxObjectSize), storage.ErrMalformedEncoding)
	}
	if !m.Erasure() {
		if m.Codec == cid.Raw {
			return m.checkSize(chunkSizes(m.Chunks))
		}
		return nil
	}

	if m.ErasureDataShards == 0 {
		return fmt.Errorf("model: erasure layout needs k > 0: %w", storage.ErrMalformedEncoding)
	}
	n := m.ShardsPerStripe()
	if n > 256 {
		return fmt.Errorf("model: k+m = %d exceeds 256: %w", n, storage.ErrMalformedEncoding)
	}
	if len(m.Chunks) != len(m.StripeSizes)*n {
		return fmt.Errorf("model: %d entries for %d stripes of %d shards: %w",
			len(m.Chunks), len(m.StripeSizes), n, storage.ErrMalformedEncoding)
	}
	if m.Codec == cid.Raw {
		return m.checkSize(m.StripeSizes)
	}
	return nil
}

// checkSize compares Size with the sum of the stored lengths of a Raw
// object, which must match exactly.
func (m *Manifest) checkSize(lengths []uint64) error {
	var total uint64
	for _, l := range lengths {
		if l > MaxObjectSize-total {
			return fmt.Errorf("model: stored lengths exceed %d: %w", uint64(MaxObjectSize), storage.ErrMalformedEncoding)
		}
		total += l
	}
	if total != m.Size {
		return fmt.Errorf("model: size %d, layout holds %d: %w", m.Size, total, storage.ErrMalformedEncoding)
	}
	return nil
}

func chunkSizes(entries []ManifestChunkEntry) []uint64 {
	out := make([]uint64, len(entries))
	for i, e := range entries {
		out[i] = e.Cid.Size
	}
	return out
}

// Encode returns the canonical JSON form of m. The Manifest Cid is derived
// from these bytes.
func (m *Manifest) Encode() ([]byte, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("model: encode manifest: %w", err)
	}
	return b, nil
}

// DecodeManifest parses the JSON produced by Encode.
func DecodeManifest(b []byte) (Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(b, &m); err != nil {
		return Manifest{}, fmt.Errorf("model: decode manifest: %v: %w", err, storage.ErrMalformedEncoding)
	}
	return m, nil
}

// ManifestMeta is the small erasure summary indexed next to each manifest.
type ManifestMeta struct {
	DataShards   uint8  `json:"rs_k"`
	ParityShards uint8  `json:"rs_m"`
	ChunkSize    uint64 `json:"chunk_size"`
}
