package svdb

import (
	"log/slog"
	"os"
	"time"

	"github.com/i5heu/ouroboros-svdb/internal/erasure"
	"github.com/i5heu/ouroboros-svdb/internal/integrity"
	"github.com/i5heu/ouroboros-svdb/internal/keyValStore"
	"github.com/i5heu/ouroboros-svdb/pkg/cid"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"
)

// Config configures the engine. The zero value of every field selects a
// default.
type Config struct {
	// DataDir holds the database under DataDir/kv.
	DataDir string
	Backend keyValStore.Backend
	// InMemory keeps all data in RAM; DataDir is ignored.
	InMemory bool
	// MinimumFreeGB is a free-space threshold checked when the store opens.
	MinimumFreeGB uint

	Erasure          erasure.Params
	ChunkSize        int
	Codec            cid.Codec
	ReadRepair       bool
	AccountCacheSize int
	// Workers sizes the erasure compute pool.
	Workers int

	Integrity IntegrityConfig
	Peers     []integrity.Peer

	// MaintenanceInterval spaces database compactions. Negative disables
	// them.
	MaintenanceInterval time.Duration

	// Logger is an optional structured logger. If nil, a stderr logger is used.
	Logger *slog.Logger
	// Registerer receives the engine's collectors when set.
	Registerer prometheus.Registerer
}

type IntegrityConfig struct {
	Interval     time.Duration
	FetchTimeout time.Duration
	MaxAttempts  int
	Cooldown     time.Duration
	PeerRate     rate.Limit
	PeerBurst    int
	// Disabled stops the background verify/repair loop. Verify and
	// AutoRepair can still be called directly.
	Disabled bool
}

func defaultLogger() *slog.Logger {
	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})
	return slog.New(h)
}
