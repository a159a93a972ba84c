package merkle

import "fmt"

// Tree keeps every level so that branch proofs can be produced.
type Tree struct {
	hasher Hasher
	levels [][]Hash
}

// NewTree builds the tree over leaves, which are already hashed.
func NewTree(h Hasher, leaves []Hash) *Tree {
	t := &Tree{hasher: h}
	if len(leaves) == 0 {
		return t
	}
	level := append([]Hash(nil), leaves...)
	t.levels = append(t.levels, level)
	for len(level) > 1 {
		next := make([]Hash, (len(level)+1)/2)
		for i := range next {
			left := level[2*i]
			right := left
			if 2*i+1 < len(level) {
				right = level[2*i+1]
			}
			next[i] = h.pair(left, right)
		}
		t.levels = append(t.levels, next)
		level = next
	}
	return t
}

// Root returns the root, or the zero hash for an empty tree.
func (t *Tree) Root() Hash {
	if len(t.levels) == 0 {
		return Hash{}
	}
	return t.levels[len(t.levels)-1][0]
}

func (t *Tree) Leaves() int {
	if len(t.levels) == 0 {
		return 0
	}
	return len(t.levels[0])
}

// Proof returns the inclusion proof of leaf index.
func (t *Tree) Proof(index int) (Proof, error) {
	if index < 0 || index >= t.Leaves() {
		return Proof{}, fmt.Errorf("merkle: leaf %d out of range [0,%d)", index, t.Leaves())
	}
	p := Proof{
		LeafIndex: uint64(index),
		LeafHash:  t.levels[0][index],
		RootHash:  t.Root(),
	}
	idx := index
	for _, level := range t.levels[:len(t.levels)-1] {
		sib := idx ^ 1
		if sib >= len(level) {
			sib = idx
		}
		p.Path = append(p.Path, level[sib])
		idx /= 2
	}
	return p, nil
}

// RootOf is NewTree(h, leaves).Root().
func RootOf(h Hasher, leaves []Hash) Hash {
	return NewTree(h, leaves).Root()
}
