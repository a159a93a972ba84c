// Package cas is the object pipeline of the storage engine. It cuts objects
// into stripes, erasure codes every stripe into shards, stores each shard as
// a content-addressed chunk and records the layout in a Manifest. Reads
// reverse the process, rebuilding lost shards and verifying the Manifest's
// Merkle root against the bytes actually obtained.
package cas

import (
	"context"
	"log/slog"
	"os"

	"github.com/i5heu/ouroboros-svdb/internal/chunker"
	"github.com/i5heu/ouroboros-svdb/internal/erasure"
	"github.com/i5heu/ouroboros-svdb/internal/metrics"
	"github.com/i5heu/ouroboros-svdb/pkg/cid"
	"github.com/i5heu/ouroboros-svdb/pkg/model"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("github.com/i5heu/ouroboros-svdb/pkg/cas")

// ChunkStore is the chunk persistence the pipeline needs.
type ChunkStore interface {
	Put(ctx context.Context, id cid.Cid, data []byte) error
	PutBatch(ctx context.Context, ids []cid.Cid, data [][]byte) error
	Get(ctx context.Context, id cid.Cid) ([]byte, bool, error)
	Delete(ctx context.Context, id cid.Cid) error
}

// ManifestStore is the manifest persistence the pipeline needs.
type ManifestStore interface {
	PutManifest(ctx context.Context, m model.Manifest) (cid.Cid, error)
	GetManifest(ctx context.Context, id cid.Cid) (model.Manifest, error)
}

// ShardReporter is told about shards a read could not obtain intact, so
// they can be fetched from peers.
type ShardReporter interface {
	ReportShards(ids ...cid.Cid)
}

type Config struct {
	Chunks    ChunkStore
	Manifests ManifestStore
	Erasure   *erasure.Engine
	Reporter  ShardReporter
	Metrics   *metrics.Metrics
	Logger    *slog.Logger

	DefaultParams    erasure.Params
	DefaultCodec     cid.Codec
	ChunkSize        int
	FetchConcurrency int
	// ReadRepair stores shards rebuilt during a read.
	ReadRepair bool
}

// Store implements the object pipeline. It is safe for concurrent use.
type Store struct {
	chunks    ChunkStore
	manifests ManifestStore
	erasure   *erasure.Engine
	reporter  ShardReporter
	metrics   *metrics.Metrics
	log       *slog.Logger

	params     erasure.Params
	codec      cid.Codec
	chunkSize  int
	fetchLimit int
	readRepair bool
}

func New(cfg Config) *Store {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	if cfg.DefaultParams == (erasure.Params{}) {
		cfg.DefaultParams = erasure.DefaultParams
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = chunker.DefaultSize
	}
	if cfg.FetchConcurrency <= 0 {
		cfg.FetchConcurrency = 16
	}
	return &Store{
		chunks:     cfg.Chunks,
		manifests:  cfg.Manifests,
		erasure:    cfg.Erasure,
		reporter:   cfg.Reporter,
		metrics:    cfg.Metrics,
		log:        cfg.Logger.With("component", "cas"),
		params:     cfg.DefaultParams,
		codec:      cfg.DefaultCodec,
		chunkSize:  cfg.ChunkSize,
		fetchLimit: cfg.FetchConcurrency,
		readRepair: cfg.ReadRepair,
	}
}

// SetReporter installs the receiver of missing-shard reports.
func (s *Store) SetReporter(r ShardReporter) { s.reporter = r }

func (s *Store) report(ids []cid.Cid) {
	if s.reporter == nil || len(ids) == 0 {
		return
	}
	s.reporter.ReportShards(ids...)
}

// Manifest returns the manifest stored under id.
func (s *Store) Manifest(ctx context.Context, id cid.Cid) (model.Manifest, error) {
	return s.manifests.GetManifest(ctx, id)
}
