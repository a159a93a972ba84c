package statedb

import (
	"bytes"
	"encoding/binary"

	"github.com/ethereum/go-ethereum/common"
)

var (
	prefixAccount   = []byte("account:")
	prefixStorage   = []byte("storage:")
	prefixCode      = []byte("code:")
	prefixBlockHash = []byte("blockhash:")
	prefixTrieNode  = []byte("trie:")

	keyStateRoot = []byte("state_root:latest")
	keyTrieIndex = []byte("trie_index:latest")
)

func cat(parts ...[]byte) []byte {
	return bytes.Join(parts, nil)
}

// KeyAccount is account:<20-byte address>.
func KeyAccount(addr common.Address) []byte {
	return cat(prefixAccount, addr.Bytes())
}

// KeyStorage is storage:<20-byte address>:<32-byte slot>.
func KeyStorage(addr common.Address, slot common.Hash) []byte {
	return cat(prefixStorage, addr.Bytes(), []byte{':'}, slot.Bytes())
}

// KeyCode is code:<32-byte code hash>.
func KeyCode(codeHash common.Hash) []byte {
	return cat(prefixCode, codeHash.Bytes())
}

// KeyBlockHash is blockhash:<8-byte big endian number>.
func KeyBlockHash(number uint64) []byte {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], number)
	return cat(prefixBlockHash, n[:])
}

func keyTrieNode(h common.Hash) []byte {
	return cat(prefixTrieNode, h.Bytes())
}

// accountOfKey extracts the address of an account: key.
func accountOfKey(key []byte) (common.Address, bool) {
	if !bytes.HasPrefix(key, prefixAccount) || len(key) != len(prefixAccount)+common.AddressLength {
		return common.Address{}, false
	}
	return common.BytesToAddress(key[len(prefixAccount):]), true
}

// inStateTrie reports whether key contributes to the state root.
func inStateTrie(key []byte) bool {
	return bytes.HasPrefix(key, prefixAccount) || bytes.HasPrefix(key, prefixStorage)
}
