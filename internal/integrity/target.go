package integrity

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/i5heu/ouroboros-svdb/pkg/cid"
	"github.com/i5heu/ouroboros-svdb/pkg/storage"
)

// Kind tags the variants of Target.
type Kind uint8

const (
	KindTrieNode Kind = iota + 1
	KindShard
)

func (k Kind) String() string {
	switch k {
	case KindTrieNode:
		return "trie_node"
	case KindShard:
		return "shard"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Target names one piece of state that is missing locally. Exactly one of
// Node or Shard is meaningful, selected by Kind.
type Target struct {
	Kind  Kind
	Node  common.Hash
	Shard cid.Cid
}

func TrieNode(h common.Hash) Target { return Target{Kind: KindTrieNode, Node: h} }

func Shard(id cid.Cid) Target { return Target{Kind: KindShard, Shard: id} }

func (t Target) String() string {
	if t.Kind == KindShard {
		return "shard:" + t.Shard.HexHash()
	}
	return "trie_node:" + t.Node.Hex()
}

// key identifies the target in the pending queue.
func (t Target) key() string {
	return string(t.Request())
}

// Request is the request_state wire form: one kind byte followed by the
// 32-byte node hash or the binary Cid.
func (t Target) Request() []byte {
	switch t.Kind {
	case KindTrieNode:
		return append([]byte{byte(KindTrieNode)}, t.Node.Bytes()...)
	case KindShard:
		return append([]byte{byte(KindShard)}, t.Shard.Bytes()...)
	}
	return []byte{byte(t.Kind)}
}

// ParseRequest is the inverse of Target.Request.
func ParseRequest(b []byte) (Target, error) {
	if len(b) == 0 {
		return Target{}, fmt.Errorf("integrity: empty request: %w", storage.ErrMalformedEncoding)
	}
	switch Kind(b[0]) {
	case KindTrieNode:
		if len(b) != 1+common.HashLength {
			return Target{}, fmt.Errorf("integrity: trie node request is %d bytes: %w", len(b), storage.ErrMalformedEncoding)
		}
		return TrieNode(common.BytesToHash(b[1:])), nil
	case KindShard:
		id, err := cid.Parse(b[1:])
		if err != nil {
			return Target{}, fmt.Errorf("integrity: shard request: %w", err)
		}
		return Shard(id), nil
	}
	return Target{}, fmt.Errorf("integrity: unknown target kind %d: %w", b[0], storage.ErrMalformedEncoding)
}

// Verify checks that data is the content named by the target.
func (t Target) Verify(data []byte) error {
	switch t.Kind {
	case KindTrieNode:
		if got := crypto.Keccak256Hash(data); got != t.Node {
			return fmt.Errorf("integrity: node %s hashes to %s: %w", t.Node, got, storage.ErrIntegrityMismatch)
		}
		return nil
	case KindShard:
		return t.Shard.Verify(data)
	}
	return fmt.Errorf("integrity: unknown target kind %d: %w", t.Kind, storage.ErrMalformedEncoding)
}

type NodeWriter interface {
	PutNode(ctx context.Context, hash common.Hash, blob []byte) error
}

type ChunkWriter interface {
	Put(ctx context.Context, id cid.Cid, data []byte) error
	Delete(ctx context.Context, id cid.Cid) error
}

// Stores reinserts fetched targets into the local trie node and chunk
// stores.
type Stores struct {
	Nodes  NodeWriter
	Chunks ChunkWriter
}

func (s Stores) Reinsert(ctx context.Context, t Target, data []byte) error {
	switch t.Kind {
	case KindTrieNode:
		return s.Nodes.PutNode(ctx, t.Node, data)
	case KindShard:
		// a corrupted record would turn Put into a no-op
		if err := s.Chunks.Delete(ctx, t.Shard); err != nil {
			return err
		}
		return s.Chunks.Put(ctx, t.Shard, data)
	}
	return fmt.Errorf("integrity: unknown target kind %d: %w", t.Kind, storage.ErrMalformedEncoding)
}
