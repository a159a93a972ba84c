package keyValStore

import (
	"errors"
	"runtime"

	"github.com/dgraph-io/badger/v4"
)

type badgerDriver struct {
	db *badger.DB
}

func openBadger(path string, inMemory bool) (*badgerDriver, error) {
	opts := badger.DefaultOptions(path).WithLoggingLevel(badger.ERROR)
	if inMemory {
		opts = badger.DefaultOptions("").WithInMemory(true).WithLoggingLevel(badger.ERROR)
	} else {
		opts.ValueLogFileSize = 1024 * 1024 * 100 // 100MB value log files
	}
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &badgerDriver{db: db}, nil
}

func (b *badgerDriver) get(key []byte) ([]byte, bool, error) {
	var value []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

func (b *badgerDriver) has(key []byte) (bool, error) {
	found := false
	err := b.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return nil
	})
	return found, err
}

func (b *badgerDriver) putBatch(batch []KV) error {
	wb := b.db.NewWriteBatch()
	defer wb.Cancel()

	for _, kv := range batch {
		if err := wb.Set(kv.Key, kv.Value); err != nil {
			return err
		}
	}
	return wb.Flush()
}

func (b *badgerDriver) deleteBatch(keys [][]byte) error {
	return b.db.Update(func(txn *badger.Txn) error {
		for _, key := range keys {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *badgerDriver) scan(prefix []byte, fn func(key, value []byte) error) error {
	return b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			v, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if err := fn(item.KeyCopy(nil), v); err != nil {
				return err
			}
		}
		return nil
	})
}

// compact flattens the LSM tree and runs one value log GC pass.
func (b *badgerDriver) compact() error {
	if b.db.Opts().InMemory {
		return nil
	}
	if err := b.db.Flatten(runtime.NumCPU()); err != nil {
		return err
	}
	err := b.db.RunValueLogGC(0.1)
	if err != nil && !errors.Is(err, badger.ErrNoRewrite) {
		return err
	}
	return nil
}

func (b *badgerDriver) sync() error {
	if b.db.Opts().InMemory {
		return nil
	}
	return b.db.Sync()
}

func (b *badgerDriver) close() error { return b.db.Close() }

func (b *badgerDriver) transient(err error) bool {
	return errors.Is(err, badger.ErrConflict) || errors.Is(err, badger.ErrBlockedWrites)
}
