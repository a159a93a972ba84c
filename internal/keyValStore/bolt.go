package keyValStore

import (
	"bytes"
	"errors"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var boltBucket = []byte("svdb")

type boltDriver struct {
	db *bolt.DB
}

func openBolt(dir string) (*boltDriver, error) {
	db, err := bolt.Open(filepath.Join(dir, "svdb.bolt"), 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(boltBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &boltDriver{db: db}, nil
}

func (b *boltDriver) get(key []byte) ([]byte, bool, error) {
	var value []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(boltBucket).Get(key)
		if v != nil {
			// bolt values are only valid inside the transaction
			value = append([]byte{}, v...)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return value, value != nil, nil
}

func (b *boltDriver) has(key []byte) (bool, error) {
	_, found, err := b.get(key)
	return found, err
}

func (b *boltDriver) putBatch(batch []KV) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(boltBucket)
		for _, kv := range batch {
			if err := bucket.Put(kv.Key, kv.Value); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *boltDriver) deleteBatch(keys [][]byte) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(boltBucket)
		for _, key := range keys {
			if err := bucket.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *boltDriver) scan(prefix []byte, fn func(key, value []byte) error) error {
	return b.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(boltBucket).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			if err := fn(append([]byte(nil), k...), append([]byte{}, v...)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *boltDriver) compact() error { return nil }

func (b *boltDriver) sync() error { return b.db.Sync() }

func (b *boltDriver) close() error { return b.db.Close() }

func (b *boltDriver) transient(err error) bool {
	return errors.Is(err, bolt.ErrTimeout)
}
