package keyValStore

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/shirou/gopsutil/disk"
)

// Backend selects the embedded database behind a store.
type Backend string

const (
	BackendBadger  Backend = "badger"
	BackendLevelDB Backend = "leveldb"
	BackendBolt    Backend = "bolt"
)

type StoreConfig struct {
	Paths            []string // only the first path is used
	MinimumFreeSpace int      // in GB
	Backend          Backend
	// InMemory keeps everything in RAM. Supported by badger and leveldb.
	InMemory bool
	Logger   *slog.Logger

	// MaxRetries bounds the retries of a transient failure.
	MaxRetries     uint64
	RetryBaseDelay time.Duration
}

func (sc *StoreConfig) applyDefaults() {
	if sc.Backend == "" {
		sc.Backend = BackendBadger
	}
	if sc.Logger == nil {
		sc.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	if sc.MaxRetries == 0 {
		sc.MaxRetries = 3
	}
	if sc.RetryBaseDelay == 0 {
		sc.RetryBaseDelay = 10 * time.Millisecond
	}
}

func (sc *StoreConfig) checkConfig() error {
	switch sc.Backend {
	case BackendBadger, BackendLevelDB:
	case BackendBolt:
		if sc.InMemory {
			return errors.New("bolt backend has no in-memory mode")
		}
	default:
		return fmt.Errorf("unknown backend %q", sc.Backend)
	}

	if sc.InMemory {
		return nil
	}

	if len(sc.Paths) == 0 {
		return errors.New("no path provided in configuration")
	}

	path := sc.Paths[0]
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return errors.New("path does not exist")
	}
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return errors.New("path is not a directory")
	}

	if sc.MinimumFreeSpace <= 0 {
		return nil
	}
	usage, err := disk.Usage(path)
	if err != nil {
		return fmt.Errorf("disk usage of %s: %w", path, err)
	}
	availableSpaceInGB := usage.Free / (1024 * 1024 * 1024)
	if availableSpaceInGB < uint64(sc.MinimumFreeSpace) {
		return errors.New("not enough space available on disk")
	}

	return nil
}
