package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	svdb "github.com/i5heu/ouroboros-svdb"
	"github.com/i5heu/ouroboros-svdb/internal/api"
	"github.com/i5heu/ouroboros-svdb/internal/config"
	"github.com/i5heu/ouroboros-svdb/internal/erasure"
	"github.com/i5heu/ouroboros-svdb/internal/integrity"
	"github.com/i5heu/ouroboros-svdb/internal/keyValStore"
	"github.com/i5heu/ouroboros-svdb/internal/peer"
	"github.com/i5heu/ouroboros-svdb/pkg/cid"
	"github.com/i5heu/ouroboros-svdb/pkg/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"
)

const (
	logKeyConfig      = "config"
	logKeyHTTPAddress = "httpAddress"
	logKeyGRPCAddress = "grpcAddress"
	logKeyDataDir     = "dataDir"
	logKeyPeer        = "peer"
	logKeyError       = "error"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "", "Path to a YAML or TOML config file")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "svdbd: %v\n", err)
		os.Exit(2)
	}
	if *debug {
		cfg.Log.Level = "debug"
	}

	logger := logging.New(logging.Options{
		Level:   logging.ParseLevel(cfg.Log.Level),
		Format:  logging.Format(cfg.Log.Format),
		File:    cfg.Log.File,
		Service: "svdbd",
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.InfoContext(ctx, "starting svdb daemon",
		logKeyConfig, *configPath,
		logKeyDataDir, cfg.DataDir,
		logKeyHTTPAddress, cfg.HTTPAddress,
		logKeyGRPCAddress, cfg.GRPCAddress)

	if err := run(ctx, cfg, logger); err != nil {
		logger.ErrorContext(context.Background(), "daemon error", logKeyError, err)
		os.Exit(1)
	}
}

// engineConfig maps the file configuration onto the engine's.
func engineConfig(cfg config.Config, logger *slog.Logger, reg prometheus.Registerer) (svdb.Config, error) {
	params, err := erasure.ParseParams(cfg.Erasure)
	if err != nil {
		return svdb.Config{}, fmt.Errorf("erasure: %w", err)
	}
	codec, err := cid.ParseCodec(cfg.Codec)
	if err != nil {
		return svdb.Config{}, err
	}
	if cfg.MinimumFreeSpaceGB < 0 {
		return svdb.Config{}, fmt.Errorf("minimumFreeSpaceGB must not be negative")
	}
	return svdb.Config{
		DataDir:          cfg.DataDir,
		Backend:          keyValStore.Backend(cfg.Backend),
		InMemory:         cfg.InMemory,
		MinimumFreeGB:    uint(cfg.MinimumFreeSpaceGB),
		Erasure:          params,
		ChunkSize:        cfg.ChunkSize,
		Codec:            codec,
		ReadRepair:       cfg.ReadRepair,
		AccountCacheSize: cfg.AccountCacheSize,
		Workers:          cfg.Workers,
		Integrity: svdb.IntegrityConfig{
			Interval:     cfg.Integrity.Interval,
			FetchTimeout: cfg.Integrity.FetchTimeout,
			MaxAttempts:  cfg.Integrity.MaxAttempts,
			Cooldown:     cfg.Integrity.Cooldown,
			PeerRate:     rate.Limit(cfg.Integrity.PeerRate),
			PeerBurst:    cfg.Integrity.PeerBurst,
		},
		Logger:     logger,
		Registerer: reg,
	}, nil
}

// dialPeers connects to every configured peer. Dialing is lazy, so an
// unreachable peer only fails later fetches.
func dialPeers(addrs []string, timeout time.Duration) ([]integrity.Peer, []*peer.Client, error) {
	peers := make([]integrity.Peer, 0, len(addrs))
	clients := make([]*peer.Client, 0, len(addrs))
	for _, addr := range addrs {
		c, err := peer.Dial(addr, peer.DialOptions{MaxMsgBytes: 64 << 20})
		if err != nil {
			for _, open := range clients {
				_ = open.Close()
			}
			return nil, nil, err
		}
		c.Timeout = timeout
		clients = append(clients, c)
		peers = append(peers, integrity.Peer{Name: addr, Fetcher: c})
	}
	return peers, clients, nil
}

// run is the daemon logic, separated for testability.
func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	engineCfg, err := engineConfig(cfg, logger, reg)
	if err != nil {
		return err
	}
	peers, clients, err := dialPeers(cfg.Peers, cfg.Integrity.FetchTimeout)
	if err != nil {
		return err
	}
	defer func() {
		for _, c := range clients {
			_ = c.Close()
		}
	}()
	engineCfg.Peers = peers
	for _, p := range peers {
		logger.InfoContext(ctx, "peer configured", logKeyPeer, p.Name)
	}

	engine, err := svdb.New(engineCfg)
	if err != nil {
		return err
	}
	if err := engine.Start(ctx); err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := engine.Close(closeCtx); err != nil {
			logger.WarnContext(closeCtx, "error closing engine", logKeyError, err)
		}
	}()

	objects, err := engine.Objects()
	if err != nil {
		return err
	}
	state, err := engine.State()
	if err != nil {
		return err
	}
	chunks, err := engine.Chunks()
	if err != nil {
		return err
	}
	im, err := engine.Integrity()
	if err != nil {
		return err
	}

	httpSrv := &http.Server{
		Addr: cfg.HTTPAddress,
		Handler: api.New(api.Config{
			Objects:  objects,
			State:    im,
			Gatherer: reg,
			Logger:   logger,
		}).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	grpcSrv := grpc.NewServer(grpc.MaxRecvMsgSize(1<<20), grpc.MaxSendMsgSize(64<<20))
	peer.RegisterStateSyncServer(grpcSrv, &peer.Server{
		Nodes:  state,
		Chunks: chunks,
		Log:    logger.With("component", "peer"),
	})
	grpcLis, err := net.Listen("tcp", cfg.GRPCAddress)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.GRPCAddress, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.InfoContext(gctx, "http api listening", logKeyHTTPAddress, cfg.HTTPAddress)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		logger.InfoContext(gctx, "peer service listening", logKeyGRPCAddress, grpcLis.Addr().String())
		if err := grpcSrv.Serve(grpcLis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("grpc: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.InfoContext(context.Background(), "daemon shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		grpcSrv.GracefulStop()
		return httpSrv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
