// Package merkle builds binary Merkle trees and verifies inclusion and
// state-transition proofs.
//
// Nodes combine as H(left || right). A leaf's position decides the side at
// each level: an even index is the left child, an odd index the right one.
// Levels with an odd node count pair the last node with itself, so a tree of
// a single leaf has that leaf as its root.
package merkle

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/i5heu/ouroboros-svdb/pkg/storage"
	"lukechampine.com/blake3"
)

const HashSize = 32

type Hash = [HashSize]byte

// Hasher is the digest used to combine nodes.
type Hasher func(data []byte) Hash

var (
	// SHA256 is the digest of state-transition proofs.
	SHA256 Hasher = sha256.Sum256
	// BLAKE3 is the digest of manifest shard trees.
	BLAKE3 Hasher = blake3.Sum256
)

func (h Hasher) pair(left, right Hash) Hash {
	var buf [2 * HashSize]byte
	copy(buf[:HashSize], left[:])
	copy(buf[HashSize:], right[:])
	return h(buf[:])
}

// Proof is an inclusion proof for one leaf.
type Proof struct {
	LeafIndex uint64
	LeafHash  Hash
	Path      []Hash
	RootHash  Hash
}

// ComputeRoot folds the proof path into a root with h.
func (p Proof) ComputeRoot(h Hasher) Hash {
	cur := p.LeafHash
	idx := p.LeafIndex
	for _, sib := range p.Path {
		if idx%2 == 0 {
			cur = h.pair(cur, sib)
		} else {
			cur = h.pair(sib, cur)
		}
		idx /= 2
	}
	return cur
}

// EncodedLen is the length of Encode's output.
func (p Proof) EncodedLen() int {
	return 8 + HashSize + 4 + len(p.Path)*HashSize + HashSize
}

// Encode returns the binary proof form, little-endian:
// leaf_index u64 | leaf_hash | path_len u32 | path | root_hash.
func (p Proof) Encode() []byte {
	out := make([]byte, 0, p.EncodedLen())
	out = binary.LittleEndian.AppendUint64(out, p.LeafIndex)
	out = append(out, p.LeafHash[:]...)
	out = binary.LittleEndian.AppendUint32(out, uint32(len(p.Path)))
	for _, s := range p.Path {
		out = append(out, s[:]...)
	}
	return append(out, p.RootHash[:]...)
}

// ParseProof decodes the binary proof form. Bytes after the root hash are
// ignored. A buffer that ends early is ErrMalformedEncoding.
func ParseProof(b []byte) (Proof, error) {
	var p Proof
	if len(b) < 8+HashSize+4 {
		return Proof{}, fmt.Errorf("merkle: proof header truncated at %d bytes: %w", len(b), storage.ErrMalformedEncoding)
	}
	p.LeafIndex = binary.LittleEndian.Uint64(b[0:8])
	copy(p.LeafHash[:], b[8:8+HashSize])
	off := 8 + HashSize
	pathLen := binary.LittleEndian.Uint32(b[off : off+4])
	off += 4

	rest := uint64(len(b) - off)
	if uint64(pathLen)*HashSize+HashSize > rest {
		return Proof{}, fmt.Errorf("merkle: proof declares %d path nodes, only %d bytes follow: %w", pathLen, rest, storage.ErrMalformedEncoding)
	}

	p.Path = make([]Hash, pathLen)
	for i := range p.Path {
		copy(p.Path[i][:], b[off:off+HashSize])
		off += HashSize
	}
	copy(p.RootHash[:], b[off:off+HashSize])
	return p, nil
}

// VerifyProof reports whether proof attests a transition from prevRoot to
// newRoot: the root folded from the proof must equal newRoot and the
// transition must change the root. Proofs fold with SHA256.
func VerifyProof(prevRoot, newRoot Hash, proof []byte) (bool, error) {
	return VerifyProofWith(SHA256, prevRoot, newRoot, proof)
}

// VerifyProofWith is VerifyProof under an explicit hasher.
func VerifyProofWith(h Hasher, prevRoot, newRoot Hash, proof []byte) (bool, error) {
	p, err := ParseProof(proof)
	if err != nil {
		return false, err
	}
	computed := p.ComputeRoot(h)
	return computed == newRoot && prevRoot != newRoot, nil
}

// VerifyInclusion reports whether p proves membership under root.
func VerifyInclusion(h Hasher, root Hash, p Proof) bool {
	return p.ComputeRoot(h) == root
}
