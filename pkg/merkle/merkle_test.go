package merkle

import (
	"crypto/sha256"
	"testing"

	"github.com/i5heu/ouroboros-svdb/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func leaf(b byte) Hash { return sha256.Sum256([]byte{b}) }

func TestSingleLeafRootIsLeaf(t *testing.T) {
	l := leaf(1)
	tree := NewTree(BLAKE3, []Hash{l})
	assert.Equal(t, l, tree.Root())

	p, err := tree.Proof(0)
	require.NoError(t, err)
	assert.Empty(t, p.Path)
	assert.Equal(t, l, p.ComputeRoot(BLAKE3))
}

func TestEmptyTree(t *testing.T) {
	assert.Equal(t, Hash{}, RootOf(SHA256, nil))
	_, err := NewTree(SHA256, nil).Proof(0)
	require.Error(t, err)
}

func TestIndexParitySelectsSide(t *testing.T) {
	a, b := leaf(1), leaf(2)
	root := RootOf(SHA256, []Hash{a, b})

	left := Proof{LeafIndex: 0, LeafHash: a, Path: []Hash{b}}
	right := Proof{LeafIndex: 1, LeafHash: b, Path: []Hash{a}}
	assert.Equal(t, root, left.ComputeRoot(SHA256))
	assert.Equal(t, root, right.ComputeRoot(SHA256))

	swapped := Proof{LeafIndex: 1, LeafHash: a, Path: []Hash{b}}
	assert.NotEqual(t, root, swapped.ComputeRoot(SHA256))
}

func TestVerifyProofTransition(t *testing.T) {
	leaves := []Hash{leaf(1), leaf(2), leaf(3)}
	tree := NewTree(SHA256, leaves)
	p, err := tree.Proof(2)
	require.NoError(t, err)
	newRoot := tree.Root()
	prevRoot := leaf(9)

	ok, err := VerifyProof(prevRoot, newRoot, p.Encode())
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = VerifyProof(newRoot, newRoot, p.Encode())
	require.NoError(t, err)
	assert.False(t, ok, "a transition that does not change the root is rejected")

	ok, err = VerifyProof(prevRoot, leaf(8), p.Encode())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestParseProofRejectsShortBuffers(t *testing.T) {
	tree := NewTree(SHA256, []Hash{leaf(1), leaf(2), leaf(3), leaf(4)})
	p, err := tree.Proof(1)
	require.NoError(t, err)
	enc := p.Encode()

	for _, n := range []int{0, 7, 8, 39, 40, 43, 44, len(enc) - 33, len(enc) - 1} {
		_, err := ParseProof(enc[:n])
		require.ErrorIs(t, err, storage.ErrMalformedEncoding, "length %d", n)
	}

	// path_len far larger than the buffer must not allocate or panic
	huge := append([]byte(nil), enc...)
	huge[40], huge[41], huge[42], huge[43] = 0xff, 0xff, 0xff, 0xff
	_, err = ParseProof(huge)
	require.ErrorIs(t, err, storage.ErrMalformedEncoding)

	_, err = VerifyProof(Hash{}, tree.Root(), enc[:10])
	require.ErrorIs(t, err, storage.ErrMalformedEncoding)
}

func TestProofProperties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 64).Draw(t, "leaves")
		leaves := make([]Hash, n)
		for i := range leaves {
			b := rapid.SliceOfN(rapid.Byte(), HashSize, HashSize).Draw(t, "leaf")
			copy(leaves[i][:], b)
		}
		hasher := SHA256
		if rapid.Bool().Draw(t, "blake3") {
			hasher = BLAKE3
		}
		tree := NewTree(hasher, leaves)
		idx := rapid.IntRange(0, n-1).Draw(t, "index")

		p, err := tree.Proof(idx)
		if err != nil {
			t.Fatalf("proof: %v", err)
		}
		if got := p.ComputeRoot(hasher); got != tree.Root() {
			t.Fatalf("leaf %d of %d: root mismatch", idx, n)
		}

		parsed, err := ParseProof(p.Encode())
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		if parsed.ComputeRoot(hasher) != tree.Root() || parsed.RootHash != tree.Root() {
			t.Fatalf("encoded proof lost information")
		}

		ok, err := VerifyProofWith(hasher, tree.Root(), tree.Root(), p.Encode())
		if err != nil || ok {
			t.Fatalf("no-op transition accepted: ok=%v err=%v", ok, err)
		}
	})
}
