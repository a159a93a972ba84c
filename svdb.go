/*
Package svdb is the storage engine of a ledger node: content-addressed,
erasure-coded objects described by Merkle-rooted manifests, plus the
namespaced ledger state whose root is kept in check by the integrity
manager.
*/
package svdb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/i5heu/ouroboros-svdb/internal/chunkstore"
	"github.com/i5heu/ouroboros-svdb/internal/erasure"
	"github.com/i5heu/ouroboros-svdb/internal/integrity"
	"github.com/i5heu/ouroboros-svdb/internal/keyValStore"
	"github.com/i5heu/ouroboros-svdb/internal/manifest"
	"github.com/i5heu/ouroboros-svdb/internal/metrics"
	"github.com/i5heu/ouroboros-svdb/internal/statedb"
	"github.com/i5heu/ouroboros-svdb/pkg/cas"
	"github.com/i5heu/ouroboros-svdb/pkg/cid"
	workerpool "github.com/i5heu/ouroboros-svdb/pkg/workerPool"
)

var (
	ErrNotStarted = errors.New("svdb: engine not started")
	ErrClosed     = errors.New("svdb: engine closed")
)

// parts are the components wired by Start.
type parts struct {
	chunks    *chunkstore.Store
	manifests *manifest.Store
	objects   *cas.Store
	state     *statedb.DB
	integrity *integrity.Manager
}

// Engine owns the database handle and the lifecycle of the background
// components. Components hold shared references to the handle.
type Engine struct {
	log    *slog.Logger
	config Config

	kvMu   sync.RWMutex
	kv     *keyValStore.Handle
	shared []*keyValStore.Handle
	parts  *parts

	pool    *workerpool.WorkerPool
	metrics *metrics.Metrics

	cancel context.CancelFunc
	bg     sync.WaitGroup

	started   atomic.Bool
	startOnce sync.Once
	closeOnce sync.Once
}

// New constructs an engine. New does not perform I/O or start background
// goroutines; call Start.
func New(conf Config) (*Engine, error) {
	if conf.DataDir == "" && !conf.InMemory {
		return nil, fmt.Errorf("svdb: a data directory or in-memory mode is required")
	}
	if conf.Logger == nil {
		conf.Logger = defaultLogger()
	}
	if conf.Erasure != (erasure.Params{}) {
		if err := conf.Erasure.Validate(); err != nil {
			return nil, fmt.Errorf("svdb: %w", err)
		}
	}
	if conf.MaintenanceInterval == 0 {
		conf.MaintenanceInterval = time.Hour
	}
	return &Engine{
		log:     conf.Logger,
		config:  conf,
		metrics: metrics.New(conf.Registerer),
	}, nil
}

// Start opens the database and wires the components. Only the first call
// has effect.
func (e *Engine) Start(ctx context.Context) error {
	var startErr error
	e.startOnce.Do(func() {
		startErr = e.start(ctx)
		if startErr == nil {
			e.started.Store(true)
		}
	})
	return startErr
}

func (e *Engine) start(ctx context.Context) error {
	kvConfig := keyValStore.StoreConfig{
		Backend:          e.config.Backend,
		InMemory:         e.config.InMemory,
		MinimumFreeSpace: int(e.config.MinimumFreeGB),
		Logger:           e.log,
	}
	if !e.config.InMemory {
		kvDir := filepath.Join(e.config.DataDir, "kv")
		if err := os.MkdirAll(kvDir, 0o700); err != nil {
			return fmt.Errorf("svdb: mkdir %s: %w", kvDir, err)
		}
		kvConfig.Paths = []string{kvDir}
	}
	kv, err := keyValStore.Open(kvConfig)
	if err != nil {
		return fmt.Errorf("svdb: open store: %w", err)
	}

	var shared []*keyValStore.Handle
	share := func() *keyValStore.Handle {
		if err != nil {
			return nil
		}
		var h *keyValStore.Handle
		h, err = kv.Share()
		shared = append(shared, h)
		return h
	}
	chunkKV, manifestKV, stateKV := share(), share(), share()
	if err != nil {
		for _, h := range shared {
			if h != nil {
				_ = h.Close()
			}
		}
		_ = kv.Close()
		return fmt.Errorf("svdb: share store: %w", err)
	}

	pool := workerpool.NewWorkerPool(workerpool.Config{WorkerCount: e.config.Workers})
	p := &parts{
		chunks:    chunkstore.New(chunkKV, e.log),
		manifests: manifest.New(manifestKV, e.log),
		state:     statedb.New(stateKV, statedb.Config{AccountCacheSize: e.config.AccountCacheSize, Logger: e.log}),
	}
	ic := e.config.Integrity
	p.integrity = integrity.New(integrity.Config{
		Source:       p.state,
		Reinserter:   integrity.Stores{Nodes: p.state, Chunks: p.chunks},
		Peers:        e.config.Peers,
		Interval:     ic.Interval,
		FetchTimeout: ic.FetchTimeout,
		MaxAttempts:  ic.MaxAttempts,
		Cooldown:     ic.Cooldown,
		PeerRate:     ic.PeerRate,
		PeerBurst:    ic.PeerBurst,
		Metrics:      e.metrics,
		Logger:       e.log.With("component", "integrity"),
	})
	p.objects = cas.New(cas.Config{
		Chunks:        p.chunks,
		Manifests:     p.manifests,
		Erasure:       erasure.NewEngine(pool),
		Reporter:      p.integrity,
		Metrics:       e.metrics,
		Logger:        e.log,
		DefaultParams: e.config.Erasure,
		DefaultCodec:  e.config.Codec,
		ChunkSize:     e.config.ChunkSize,
		ReadRepair:    e.config.ReadRepair,
	})

	bgCtx, cancel := context.WithCancel(context.Background())
	e.kvMu.Lock()
	e.kv = kv
	e.shared = shared
	e.parts = p
	e.pool = pool
	e.cancel = cancel
	e.kvMu.Unlock()

	kv.StartTransactionCounter(bgCtx, time.Minute)
	if !e.config.Integrity.Disabled {
		e.goBackground(func() { p.integrity.Run(bgCtx) })
	}
	if e.config.MaintenanceInterval > 0 {
		e.goBackground(func() { e.maintain(bgCtx, kv) })
	}

	e.log.Info("svdb started", "dataDir", e.config.DataDir, "backend", kv.Backend(), "inMemory", e.config.InMemory)
	return nil
}

func (e *Engine) goBackground(fn func()) {
	e.bg.Add(1)
	go func() {
		defer e.bg.Done()
		fn()
	}()
}

func (e *Engine) maintain(ctx context.Context, kv *keyValStore.Handle) {
	ticker := time.NewTicker(e.config.MaintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := kv.Clean(ctx); err != nil && ctx.Err() == nil {
				e.log.Warn("database maintenance failed", "error", err)
			}
		}
	}
}

// Run starts the engine, blocks until ctx is canceled and then shuts down
// within a bounded time.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return e.Close(shutdownCtx)
}

// Close stops the background components and releases the database. Close
// is idempotent.
func (e *Engine) Close(ctx context.Context) error {
	var closeErr error
	e.closeOnce.Do(func() {
		e.kvMu.Lock()
		kv, shared, cancel, pool := e.kv, e.shared, e.cancel, e.pool
		e.kv, e.shared, e.parts = nil, nil, nil
		e.kvMu.Unlock()

		if cancel != nil {
			cancel()
		}
		done := make(chan struct{})
		go func() {
			e.bg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			closeErr = errors.Join(closeErr, fmt.Errorf("wait for background tasks: %w", ctx.Err()))
		}
		if pool != nil {
			pool.Close()
		}
		for _, h := range shared {
			if err := h.Close(); err != nil {
				closeErr = errors.Join(closeErr, fmt.Errorf("release store: %w", err))
			}
		}
		if kv != nil {
			if err := kv.Close(); err != nil {
				closeErr = errors.Join(closeErr, fmt.Errorf("close store: %w", err))
			}
		}
		e.log.Info("svdb closed")
	})
	return closeErr
}

func (e *Engine) components() (*parts, error) {
	if !e.started.Load() {
		return nil, ErrNotStarted
	}
	e.kvMu.RLock()
	p := e.parts
	e.kvMu.RUnlock()
	if p == nil {
		return nil, ErrClosed
	}
	return p, nil
}

func (e *Engine) Metrics() *metrics.Metrics { return e.metrics }

// Stats returns the database operation counters.
func (e *Engine) Stats() (keyValStore.Stats, error) {
	if _, err := e.components(); err != nil {
		return keyValStore.Stats{}, err
	}
	e.kvMu.RLock()
	defer e.kvMu.RUnlock()
	if e.kv == nil {
		return keyValStore.Stats{}, ErrClosed
	}
	return e.kv.Stats(), nil
}

func (e *Engine) Objects() (*cas.Store, error) {
	p, err := e.components()
	if err != nil {
		return nil, err
	}
	return p.objects, nil
}

func (e *Engine) Chunks() (*chunkstore.Store, error) {
	p, err := e.components()
	if err != nil {
		return nil, err
	}
	return p.chunks, nil
}

func (e *Engine) Manifests() (*manifest.Store, error) {
	p, err := e.components()
	if err != nil {
		return nil, err
	}
	return p.manifests, nil
}

func (e *Engine) State() (*statedb.DB, error) {
	p, err := e.components()
	if err != nil {
		return nil, err
	}
	return p.state, nil
}

func (e *Engine) Integrity() (*integrity.Manager, error) {
	p, err := e.components()
	if err != nil {
		return nil, err
	}
	return p.integrity, nil
}

func (e *Engine) StoreObject(ctx context.Context, data []byte, opts cas.StoreOptions) (cid.Cid, error) {
	if err := ctx.Err(); err != nil {
		return cid.Cid{}, err
	}
	p, err := e.components()
	if err != nil {
		return cid.Cid{}, err
	}
	id, _, err := p.objects.StoreObject(ctx, data, opts)
	return id, err
}

func (e *Engine) ReadObject(ctx context.Context, id cid.Cid) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := e.components()
	if err != nil {
		return nil, err
	}
	return p.objects.ReadObject(ctx, id)
}

// CommitBlock persists the state trie after a block was executed and
// returns the new root. The next verification treats the root change as
// a transition.
func (e *Engine) CommitBlock(ctx context.Context, number uint64, blockHash common.Hash) (common.Hash, error) {
	p, err := e.components()
	if err != nil {
		return common.Hash{}, err
	}
	if err := p.state.SetBlockHash(ctx, number, blockHash); err != nil {
		return common.Hash{}, err
	}
	root, err := p.state.Commit(ctx)
	if err != nil {
		return common.Hash{}, err
	}
	p.integrity.NoteBlockProcessed()
	return root, nil
}

// VerifyState runs one integrity verification.
func (e *Engine) VerifyState(ctx context.Context) (bool, error) {
	p, err := e.components()
	if err != nil {
		return false, err
	}
	return p.integrity.Verify(ctx)
}
