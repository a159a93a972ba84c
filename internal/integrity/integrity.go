// Package integrity keeps the ledger state root honest: it periodically
// recomputes the root, audits persisted trie nodes and fetches whatever is
// missing locally (trie nodes, object shards) from peers.
package integrity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/i5heu/ouroboros-svdb/internal/metrics"
	"github.com/i5heu/ouroboros-svdb/pkg/cid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

var tracer = otel.Tracer("github.com/i5heu/ouroboros-svdb/internal/integrity")

var (
	// ErrRepairCooldown is returned by AutoRepair inside the cooldown
	// window that follows a failed repair.
	ErrRepairCooldown = errors.New("integrity: repair cooling down")
	// ErrUnrecoverable reports targets that no peer could supply.
	ErrUnrecoverable = errors.New("integrity: unrecoverable corruption")
)

const (
	logKeyRoot     = "root"
	logKeyPrevious = "previous"
	logKeyTarget   = "target"
	logKeyPeer     = "peer"
	logKeyRun      = "run"
	logKeyErr      = "error"
)

// StateSource recomputes the state root and audits the persisted trie.
type StateSource interface {
	StateRoot(ctx context.Context) (common.Hash, error)
	MissingNodes(ctx context.Context) ([]common.Hash, error)
}

// Fetcher is the request_state call of one peer.
type Fetcher interface {
	RequestState(ctx context.Context, request []byte) ([]byte, error)
}

type Peer struct {
	Name    string
	Fetcher Fetcher
}

type Reinserter interface {
	Reinsert(ctx context.Context, t Target, data []byte) error
}

type Config struct {
	Source     StateSource
	Reinserter Reinserter
	Peers      []Peer

	// Interval between background verify/repair cycles.
	Interval     time.Duration
	FetchTimeout time.Duration
	// MaxAttempts bounds the requests for one target sent to one peer.
	MaxAttempts    int
	BackoffInitial time.Duration
	Cooldown       time.Duration
	// PeerRate and PeerBurst limit request_state calls per peer.
	PeerRate  rate.Limit
	PeerBurst int

	Metrics *metrics.Metrics
	Logger  *slog.Logger
	// Now is the clock used for the cooldown window.
	Now func() time.Time
}

func (c *Config) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 5 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BackoffInitial <= 0 {
		c.BackoffInitial = 200 * time.Millisecond
	}
	if c.Cooldown <= 0 {
		c.Cooldown = time.Minute
	}
	if c.PeerRate <= 0 {
		c.PeerRate = 10
	}
	if c.PeerBurst <= 0 {
		c.PeerBurst = 5
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

type Manager struct {
	cfg    Config
	log    *slog.Logger
	verify singleflight.Group
	repair singleflight.Group

	mu sync.Mutex
	// lastVerifiedRoot is written by verify only.
	lastVerifiedRoot *common.Hash
	blocksSince      uint64
	pending          map[string]Target
	order            []string
	cooldownUntil    time.Time
	limiters         map[string]*rate.Limiter
}

func New(cfg Config) *Manager {
	cfg.applyDefaults()
	return &Manager{
		cfg:      cfg,
		log:      cfg.Logger,
		pending:  make(map[string]Target),
		limiters: make(map[string]*rate.Limiter),
	}
}

// LastVerifiedRoot returns the root stored by the last Verify.
func (m *Manager) LastVerifiedRoot() (common.Hash, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lastVerifiedRoot == nil {
		return common.Hash{}, false
	}
	return *m.lastVerifiedRoot, true
}

// NoteBlockProcessed records that the state was changed on purpose, so the
// next root change is logged as a transition instead of drift.
func (m *Manager) NoteBlockProcessed() {
	m.mu.Lock()
	m.blocksSince++
	m.mu.Unlock()
}

// ReportMissing queues repair targets. Already queued targets are ignored.
func (m *Manager) ReportMissing(targets ...Target) {
	if len(targets) == 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range targets {
		k := t.key()
		if _, ok := m.pending[k]; ok {
			continue
		}
		m.pending[k] = t
		m.order = append(m.order, k)
	}
	m.cfg.Metrics.PendingTargets(len(m.pending))
}

// ReportShards queues lost object shards.
func (m *Manager) ReportShards(ids ...cid.Cid) {
	targets := make([]Target, len(ids))
	for i, id := range ids {
		targets[i] = Shard(id)
	}
	m.ReportMissing(targets...)
}

// Pending returns the queued targets in report order.
func (m *Manager) Pending() []Target {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Target, 0, len(m.order))
	for _, k := range m.order {
		out = append(out, m.pending[k])
	}
	return out
}

func (m *Manager) resolve(t Target) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := t.key()
	if _, ok := m.pending[k]; !ok {
		return
	}
	delete(m.pending, k)
	for i, o := range m.order {
		if o == k {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	m.cfg.Metrics.PendingTargets(len(m.pending))
}

// Verify recomputes the state root and audits the trie nodes. It reports
// false when nodes are missing; those are queued for repair. Concurrent
// calls share one computation.
func (m *Manager) Verify(ctx context.Context) (bool, error) {
	v, err, _ := m.verify.Do("verify", func() (interface{}, error) {
		return m.doVerify(ctx)
	})
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

func (m *Manager) doVerify(ctx context.Context) (bool, error) {
	ctx, span := tracer.Start(ctx, "integrity.Verify")
	defer span.End()

	root, err := m.cfg.Source.StateRoot(ctx)
	if err != nil {
		m.cfg.Metrics.Verification("error")
		span.RecordError(err)
		return false, fmt.Errorf("integrity: compute state root: %w", err)
	}
	missing, err := m.cfg.Source.MissingNodes(ctx)
	if err != nil {
		m.cfg.Metrics.Verification("error")
		span.RecordError(err)
		return false, fmt.Errorf("integrity: audit trie nodes: %w", err)
	}
	span.SetAttributes(attribute.String("svdb.state_root", root.Hex()), attribute.Int("svdb.missing_nodes", len(missing)))

	outcome := m.recordRoot(root)
	m.cfg.Metrics.Verification(outcome)

	if len(missing) > 0 {
		targets := make([]Target, len(missing))
		for i, h := range missing {
			targets[i] = TrieNode(h)
		}
		m.ReportMissing(targets...)
		m.log.Error("state trie is missing nodes", logKeyRoot, root, "missing", len(missing))
		m.cfg.Metrics.Verification("missing_nodes")
		return false, nil
	}
	return true, nil
}

// recordRoot compares root with the last verified one and stores it.
func (m *Manager) recordRoot(root common.Hash) string {
	m.mu.Lock()
	prev := m.lastVerifiedRoot
	blocks := m.blocksSince
	m.lastVerifiedRoot = &root
	m.blocksSince = 0
	m.mu.Unlock()

	switch {
	case prev == nil:
		m.log.Info("state root verified", logKeyRoot, root)
		return "first"
	case *prev == root:
		m.log.Debug("state root unchanged", logKeyRoot, root)
		return "unchanged"
	case blocks > 0:
		m.log.Info("state root transition", logKeyPrevious, *prev, logKeyRoot, root, "blocks", blocks)
		return "transition"
	default:
		m.log.Warn("state root drifted without processed blocks", logKeyPrevious, *prev, logKeyRoot, root)
		return "drift"
	}
}

// Run verifies and repairs on every interval until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if _, err := m.Verify(ctx); err != nil {
			m.log.Error("state verification failed", logKeyErr, err)
			continue
		}
		if len(m.Pending()) == 0 {
			continue
		}
		if err := m.AutoRepair(ctx); err != nil && !errors.Is(err, ErrRepairCooldown) && ctx.Err() == nil {
			m.log.Error("auto repair failed", logKeyErr, err)
		}
	}
}
