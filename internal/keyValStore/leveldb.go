package keyValStore

import (
	"errors"

	"github.com/syndtr/goleveldb/leveldb"
	lerrors "github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/opt"
	lstorage "github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

type levelDriver struct {
	db *leveldb.DB
}

func openLevelDB(path string, inMemory bool) (*levelDriver, error) {
	var (
		db  *leveldb.DB
		err error
	)
	if inMemory {
		db, err = leveldb.Open(lstorage.NewMemStorage(), nil)
	} else {
		db, err = leveldb.OpenFile(path, &opt.Options{})
		if lerrors.IsCorrupted(err) {
			db, err = leveldb.RecoverFile(path, nil)
		}
	}
	if err != nil {
		return nil, err
	}
	return &levelDriver{db: db}, nil
}

func (l *levelDriver) get(key []byte) ([]byte, bool, error) {
	v, err := l.db.Get(key, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (l *levelDriver) has(key []byte) (bool, error) {
	return l.db.Has(key, nil)
}

func (l *levelDriver) putBatch(batch []KV) error {
	b := new(leveldb.Batch)
	for _, kv := range batch {
		b.Put(kv.Key, kv.Value)
	}
	return l.db.Write(b, &opt.WriteOptions{Sync: true})
}

func (l *levelDriver) deleteBatch(keys [][]byte) error {
	b := new(leveldb.Batch)
	for _, key := range keys {
		b.Delete(key)
	}
	return l.db.Write(b, &opt.WriteOptions{Sync: true})
}

func (l *levelDriver) scan(prefix []byte, fn func(key, value []byte) error) error {
	it := l.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer it.Release()
	for it.Next() {
		k := append([]byte(nil), it.Key()...)
		v := append([]byte(nil), it.Value()...)
		if err := fn(k, v); err != nil {
			return err
		}
	}
	return it.Error()
}

func (l *levelDriver) compact() error {
	return l.db.CompactRange(util.Range{})
}

func (l *levelDriver) sync() error { return nil }

func (l *levelDriver) close() error { return l.db.Close() }

func (l *levelDriver) transient(err error) bool {
	return errors.Is(err, leveldb.ErrSnapshotReleased) || errors.Is(err, leveldb.ErrIterReleased)
}
