package keyValStore

// KV is one key/value pair of a batch or a prefix scan.
type KV struct {
	Key   []byte
	Value []byte
}

// driver is implemented once per Backend. Values handed out by get and
// scan are owned by the caller.
type driver interface {
	get(key []byte) (value []byte, found bool, err error)
	has(key []byte) (bool, error)
	putBatch(batch []KV) error
	deleteBatch(keys [][]byte) error
	scan(prefix []byte, fn func(key, value []byte) error) error
	compact() error
	sync() error
	close() error
	// transient reports whether err may succeed on retry.
	transient(err error) bool
}

func openDriver(cfg StoreConfig) (driver, error) {
	var path string
	if len(cfg.Paths) > 0 {
		path = cfg.Paths[0]
	}
	switch cfg.Backend {
	case BackendLevelDB:
		return openLevelDB(path, cfg.InMemory)
	case BackendBolt:
		return openBolt(path)
	default:
		return openBadger(path, cfg.InMemory)
	}
}
