// Package keyValStore wraps the embedded database of a node. A single
// KeyValStore owns the database; every component works through a shared,
// reference-counted Handle, and the database closes with the last Handle.
package keyValStore

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/i5heu/ouroboros-svdb/pkg/storage"
)

type KeyValStore struct {
	config StoreConfig
	log    *slog.Logger

	// mu admits many readers or one writer. Close takes it exclusively.
	mu     sync.RWMutex
	db     driver
	refs   int
	closed bool

	readCounter  atomic.Uint64
	writeCounter atomic.Uint64
	retryCounter atomic.Uint64
}

// Handle is a shared reference to a KeyValStore.
type Handle struct {
	store    *KeyValStore
	released atomic.Bool
}

// Stats are cumulative operation counters.
type Stats struct {
	Reads   uint64
	Writes  uint64
	Retries uint64
}

// Open creates the store and returns its first handle.
func Open(config StoreConfig) (*Handle, error) {
	config.applyDefaults()
	if err := config.checkConfig(); err != nil {
		return nil, fmt.Errorf("error checking config for KeyValStore: %w", err)
	}

	db, err := openDriver(config)
	if err != nil {
		return nil, fmt.Errorf("keyValStore: open %s: %v: %w", config.Backend, err, storage.ErrStorageIO)
	}

	k := &KeyValStore{
		config: config,
		log:    config.Logger.With("component", "kv", "backend", string(config.Backend)),
		db:     db,
		refs:   1,
	}
	if !config.InMemory {
		if err := k.logDiskUsage(); err != nil {
			k.log.Warn("disk usage unavailable", "error", err)
		}
	}
	return &Handle{store: k}, nil
}

// Share returns a new handle to the same store.
func (h *Handle) Share() (*Handle, error) {
	k := h.store
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed || h.released.Load() {
		return nil, storage.ErrClosed
	}
	k.refs++
	return &Handle{store: k}, nil
}

// Close releases the handle. The database is synced and closed when the
// last handle is released. Releasing twice is a no-op.
func (h *Handle) Close() error {
	if !h.released.CompareAndSwap(false, true) {
		return nil
	}
	k := h.store
	k.mu.Lock()
	defer k.mu.Unlock()
	k.refs--
	if k.refs > 0 || k.closed {
		return nil
	}
	k.closed = true

	var errs []error
	if err := k.db.sync(); err != nil {
		errs = append(errs, fmt.Errorf("sync: %w", err))
	}
	if err := k.db.close(); err != nil {
		errs = append(errs, fmt.Errorf("close: %w", err))
	}
	if len(errs) > 0 {
		return fmt.Errorf("keyValStore: %v: %w", errs, storage.ErrStorageIO)
	}
	k.log.Info("key value store closed")
	return nil
}

func (h *Handle) Backend() Backend { return h.store.config.Backend }

func (h *Handle) Stats() Stats {
	k := h.store
	return Stats{
		Reads:   k.readCounter.Load(),
		Writes:  k.writeCounter.Load(),
		Retries: k.retryCounter.Load(),
	}
}

// read runs fn under the shared lock with bounded retries.
func (h *Handle) read(ctx context.Context, op string, fn func(db driver) error) error {
	return h.do(ctx, op, false, fn)
}

func (h *Handle) write(ctx context.Context, op string, fn func(db driver) error) error {
	return h.do(ctx, op, true, fn)
}

func (h *Handle) do(ctx context.Context, op string, exclusive bool, fn func(db driver) error) error {
	if h.released.Load() {
		return storage.ErrClosed
	}
	k := h.store

	attempt := func() error {
		if exclusive {
			k.mu.Lock()
			defer k.mu.Unlock()
		} else {
			k.mu.RLock()
			defer k.mu.RUnlock()
		}
		if k.closed {
			return backoff.Permanent(storage.ErrClosed)
		}
		err := fn(k.db)
		if err != nil && !k.db.transient(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = k.config.RetryBaseDelay
	bo.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, k.config.MaxRetries), ctx)

	err := backoff.RetryNotify(attempt, policy, func(err error, wait time.Duration) {
		k.retryCounter.Add(1)
		k.log.Debug("retrying transient failure", "op", op, "wait", wait, "error", err)
	})
	if err == nil {
		return nil
	}
	if err == storage.ErrClosed || ctx.Err() != nil {
		return err
	}
	return fmt.Errorf("keyValStore: %s: %v: %w", op, err, storage.ErrStorageIO)
}

// Read returns the value of key. A missing key is found == false, not an
// error.
func (h *Handle) Read(ctx context.Context, key []byte) (value []byte, found bool, err error) {
	h.store.readCounter.Add(1)
	err = h.read(ctx, "read", func(db driver) error {
		value, found, err = db.get(key)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return value, found, nil
}

func (h *Handle) Has(ctx context.Context, key []byte) (found bool, err error) {
	h.store.readCounter.Add(1)
	err = h.read(ctx, "has", func(db driver) error {
		found, err = db.has(key)
		return err
	})
	return found, err
}

// BatchCheckKeyExistence reports for every key whether it is stored.
func (h *Handle) BatchCheckKeyExistence(ctx context.Context, keys [][]byte) (map[string]bool, error) {
	existsMap := make(map[string]bool, len(keys))
	err := h.read(ctx, "exists", func(db driver) error {
		for _, key := range keys {
			h.store.readCounter.Add(1)
			found, err := db.has(key)
			if err != nil {
				return err
			}
			existsMap[string(key)] = found
		}
		return nil
	})
	return existsMap, err
}

func (h *Handle) Write(ctx context.Context, key, value []byte) error {
	return h.WriteBatch(ctx, []KV{{Key: key, Value: value}})
}

// WriteBatch stores all pairs in one backend batch.
func (h *Handle) WriteBatch(ctx context.Context, batch []KV) error {
	if len(batch) == 0 {
		return nil
	}
	h.store.writeCounter.Add(uint64(len(batch)))
	return h.write(ctx, "write", func(db driver) error {
		return db.putBatch(batch)
	})
}

func (h *Handle) Delete(ctx context.Context, keys ...[]byte) error {
	if len(keys) == 0 {
		return nil
	}
	h.store.writeCounter.Add(uint64(len(keys)))
	return h.write(ctx, "delete", func(db driver) error {
		return db.deleteBatch(keys)
	})
}

// GetItemsWithPrefix returns all pairs whose key starts with prefix, in
// key order.
func (h *Handle) GetItemsWithPrefix(ctx context.Context, prefix []byte) ([]KV, error) {
	var out []KV
	h.store.readCounter.Add(1)
	err := h.read(ctx, "scan", func(db driver) error {
		out = out[:0]
		return db.scan(prefix, func(key, value []byte) error {
			out = append(out, KV{Key: key, Value: value})
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Clean syncs and compacts the database.
func (h *Handle) Clean(ctx context.Context) error {
	return h.write(ctx, "clean", func(db driver) error {
		if err := db.sync(); err != nil {
			return fmt.Errorf("error syncing db: %w", err)
		}
		if err := db.compact(); err != nil {
			return fmt.Errorf("error compacting db: %w", err)
		}
		h.store.log.Info("db compacted")
		return nil
	})
}

// StartTransactionCounter logs operations per interval until ctx ends.
func (h *Handle) StartTransactionCounter(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		var lastReads, lastWrites uint64
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s := h.Stats()
				h.store.log.Debug("kv operations",
					"reads", s.Reads-lastReads,
					"writes", s.Writes-lastWrites,
					"interval", interval)
				lastReads, lastWrites = s.Reads, s.Writes
			}
		}
	}()
}
