// Package statedb is the namespaced key/value view the execution layer
// reads and writes ledger state through. Values are stored verbatim under
// account:, storage:, code: and blockhash: keys; the state root is a
// Merkle-Patricia root over the account and storage entries.
package statedb

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/lru"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"
	"github.com/i5heu/ouroboros-svdb/internal/keyValStore"
	"github.com/i5heu/ouroboros-svdb/pkg/storage"
)

const DefaultAccountCacheSize = 4096

// Account is the RLP record stored under account:<address>.
type Account struct {
	Nonce    uint64
	Balance  *uint256.Int
	CodeHash common.Hash
}

type Config struct {
	AccountCacheSize int
	Logger           *slog.Logger
}

type DB struct {
	kv *keyValStore.Handle
	// fillMu orders cache fills against account writes: a fill holds it
	// shared across the KV read and Add, a write holds it exclusively
	// across the KV write and Remove.
	fillMu   sync.RWMutex
	accounts *lru.Cache[common.Address, Account]
	log      *slog.Logger
}

func New(kv *keyValStore.Handle, cfg Config) *DB {
	if cfg.AccountCacheSize <= 0 {
		cfg.AccountCacheSize = DefaultAccountCacheSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &DB{
		kv:       kv,
		accounts: lru.NewCache[common.Address, Account](cfg.AccountCacheSize),
		log:      cfg.Logger,
	}
}

// Get returns the raw value stored under key.
func (d *DB) Get(ctx context.Context, key []byte) ([]byte, bool, error) {
	v, found, err := d.kv.Read(ctx, key)
	if err != nil {
		return nil, false, fmt.Errorf("statedb: get: %w", err)
	}
	return v, found, nil
}

// Put stores value under key verbatim.
func (d *DB) Put(ctx context.Context, key, value []byte) error {
	return d.mutate(key, func() error {
		if err := d.kv.Write(ctx, key, value); err != nil {
			return fmt.Errorf("statedb: put: %w", err)
		}
		return nil
	})
}

func (d *DB) Delete(ctx context.Context, key []byte) error {
	return d.mutate(key, func() error {
		if err := d.kv.Delete(ctx, key); err != nil {
			return fmt.Errorf("statedb: delete: %w", err)
		}
		return nil
	})
}

// mutate runs write and drops the cached account of key, if any. Fills
// cannot interleave, so a value read before the write is never cached
// after it.
func (d *DB) mutate(key []byte, write func() error) error {
	addr, isAccount := accountOfKey(key)
	if !isAccount {
		return write()
	}
	d.fillMu.Lock()
	defer d.fillMu.Unlock()
	// Removed even when the write fails.
	defer d.accounts.Remove(addr)
	return write()
}

// Account loads the account record of addr. The cache is filled on reads
// only.
func (d *DB) Account(ctx context.Context, addr common.Address) (Account, bool, error) {
	if acct, ok := d.accounts.Get(addr); ok {
		return copyAccount(acct), true, nil
	}
	d.fillMu.RLock()
	defer d.fillMu.RUnlock()
	raw, found, err := d.Get(ctx, KeyAccount(addr))
	if err != nil || !found {
		return Account{}, found, err
	}
	var acct Account
	if err := rlp.DecodeBytes(raw, &acct); err != nil {
		return Account{}, false, fmt.Errorf("statedb: account %s: %v: %w", addr, err, storage.ErrMalformedEncoding)
	}
	if acct.Balance == nil {
		acct.Balance = new(uint256.Int)
	}
	d.accounts.Add(addr, copyAccount(acct))
	return acct, true, nil
}

func (d *DB) SetAccount(ctx context.Context, addr common.Address, acct Account) error {
	if acct.Balance == nil {
		acct.Balance = new(uint256.Int)
	}
	raw, err := rlp.EncodeToBytes(&acct)
	if err != nil {
		return fmt.Errorf("statedb: encode account %s: %w", addr, err)
	}
	return d.Put(ctx, KeyAccount(addr), raw)
}

func copyAccount(a Account) Account {
	if a.Balance != nil {
		a.Balance = new(uint256.Int).Set(a.Balance)
	}
	return a
}

// Storage returns the value of one storage slot; unset slots read as zero.
func (d *DB) Storage(ctx context.Context, addr common.Address, slot common.Hash) (common.Hash, error) {
	raw, found, err := d.Get(ctx, KeyStorage(addr, slot))
	if err != nil || !found {
		return common.Hash{}, err
	}
	return common.BytesToHash(raw), nil
}

// SetStorage writes a storage slot. Writing zero clears it.
func (d *DB) SetStorage(ctx context.Context, addr common.Address, slot, value common.Hash) error {
	if value == (common.Hash{}) {
		return d.Delete(ctx, KeyStorage(addr, slot))
	}
	return d.Put(ctx, KeyStorage(addr, slot), value.Bytes())
}

func (d *DB) Code(ctx context.Context, codeHash common.Hash) ([]byte, bool, error) {
	return d.Get(ctx, KeyCode(codeHash))
}

// SetCode stores code under its keccak hash and returns the hash.
func (d *DB) SetCode(ctx context.Context, code []byte) (common.Hash, error) {
	h := crypto.Keccak256Hash(code)
	if err := d.Put(ctx, KeyCode(h), code); err != nil {
		return common.Hash{}, err
	}
	return h, nil
}

func (d *DB) BlockHash(ctx context.Context, number uint64) (common.Hash, bool, error) {
	raw, found, err := d.Get(ctx, KeyBlockHash(number))
	if err != nil || !found {
		return common.Hash{}, found, err
	}
	return common.BytesToHash(raw), true, nil
}

func (d *DB) SetBlockHash(ctx context.Context, number uint64, h common.Hash) error {
	return d.Put(ctx, KeyBlockHash(number), h.Bytes())
}
