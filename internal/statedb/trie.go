package statedb

import (
	"bytes"
	"context"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/trie"
	"github.com/i5heu/ouroboros-svdb/internal/keyValStore"
	"github.com/i5heu/ouroboros-svdb/pkg/storage"
)

type trieNode struct {
	hash common.Hash
	blob []byte
}

type trieLeaf struct {
	path  common.Hash
	value []byte
}

// build feeds every state entry into a stack trie. onNode receives every
// hashed node, root included.
func (d *DB) build(ctx context.Context, onNode trie.OnTrieNode) (common.Hash, error) {
	var leaves []trieLeaf
	for _, prefix := range [][]byte{prefixAccount, prefixStorage} {
		items, err := d.kv.GetItemsWithPrefix(ctx, prefix)
		if err != nil {
			return common.Hash{}, fmt.Errorf("statedb: scan %s: %w", prefix, err)
		}
		for _, it := range items {
			if len(it.Value) == 0 || !inStateTrie(it.Key) {
				continue
			}
			leaves = append(leaves, trieLeaf{path: crypto.Keccak256Hash(it.Key), value: it.Value})
		}
	}
	if len(leaves) == 0 {
		return types.EmptyRootHash, nil
	}
	sort.Slice(leaves, func(i, j int) bool {
		return bytes.Compare(leaves[i].path[:], leaves[j].path[:]) < 0
	})

	st := trie.NewStackTrie(onNode)
	for _, l := range leaves {
		if err := st.Update(l.path[:], l.value); err != nil {
			return common.Hash{}, fmt.Errorf("statedb: trie update: %w", err)
		}
	}
	return st.Hash(), nil
}

// StateRoot recomputes the root over the current account and storage
// entries without persisting anything.
func (d *DB) StateRoot(ctx context.Context) (common.Hash, error) {
	return d.build(ctx, nil)
}

// Commit recomputes the root and persists its hashed nodes, the node index
// and state_root:latest in one batch.
func (d *DB) Commit(ctx context.Context) (common.Hash, error) {
	var nodes []trieNode
	root, err := d.build(ctx, func(_ []byte, hash common.Hash, blob []byte) {
		nodes = append(nodes, trieNode{hash: hash, blob: common.CopyBytes(blob)})
	})
	if err != nil {
		return common.Hash{}, err
	}

	batch := make([]keyValStore.KV, 0, len(nodes)+2)
	index := make([]byte, 0, len(nodes)*common.HashLength)
	for _, n := range nodes {
		batch = append(batch, keyValStore.KV{Key: keyTrieNode(n.hash), Value: n.blob})
		index = append(index, n.hash.Bytes()...)
	}
	batch = append(batch,
		keyValStore.KV{Key: keyTrieIndex, Value: index},
		keyValStore.KV{Key: keyStateRoot, Value: root.Bytes()},
	)
	if err := d.kv.WriteBatch(ctx, batch); err != nil {
		return common.Hash{}, fmt.Errorf("statedb: commit: %w", err)
	}
	d.log.Debug("state committed", "root", root, "nodes", len(nodes))
	return root, nil
}

// LatestRoot returns the root recorded by the last Commit.
func (d *DB) LatestRoot(ctx context.Context) (common.Hash, bool, error) {
	raw, found, err := d.Get(ctx, keyStateRoot)
	if err != nil || !found {
		return common.Hash{}, found, err
	}
	if len(raw) != common.HashLength {
		return common.Hash{}, false, fmt.Errorf("statedb: state root is %d bytes: %w", len(raw), storage.ErrMalformedEncoding)
	}
	return common.BytesToHash(raw), true, nil
}

func (d *DB) nodeIndex(ctx context.Context) ([]common.Hash, error) {
	raw, found, err := d.Get(ctx, keyTrieIndex)
	if err != nil || !found {
		return nil, err
	}
	if len(raw)%common.HashLength != 0 {
		return nil, fmt.Errorf("statedb: node index is %d bytes: %w", len(raw), storage.ErrMalformedEncoding)
	}
	out := make([]common.Hash, len(raw)/common.HashLength)
	for i := range out {
		out[i] = common.BytesToHash(raw[i*common.HashLength : (i+1)*common.HashLength])
	}
	return out, nil
}

// MissingNodes lists committed trie nodes that are no longer stored.
func (d *DB) MissingNodes(ctx context.Context) ([]common.Hash, error) {
	index, err := d.nodeIndex(ctx)
	if err != nil || len(index) == 0 {
		return nil, err
	}
	keys := make([][]byte, len(index))
	for i, h := range index {
		keys[i] = keyTrieNode(h)
	}
	exists, err := d.kv.BatchCheckKeyExistence(ctx, keys)
	if err != nil {
		return nil, fmt.Errorf("statedb: audit nodes: %w", err)
	}
	var missing []common.Hash
	for i, h := range index {
		if !exists[string(keys[i])] {
			missing = append(missing, h)
		}
	}
	return missing, nil
}

func (d *DB) Node(ctx context.Context, hash common.Hash) ([]byte, bool, error) {
	return d.Get(ctx, keyTrieNode(hash))
}

// PutNode stores a trie node after checking that blob hashes to hash.
func (d *DB) PutNode(ctx context.Context, hash common.Hash, blob []byte) error {
	if got := crypto.Keccak256Hash(blob); got != hash {
		return fmt.Errorf("statedb: node %s hashes to %s: %w", hash, got, storage.ErrIntegrityMismatch)
	}
	if err := d.kv.Write(ctx, keyTrieNode(hash), blob); err != nil {
		return fmt.Errorf("statedb: put node: %w", err)
	}
	return nil
}
