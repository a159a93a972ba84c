package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/i5heu/ouroboros-svdb/internal/chunker"
	"github.com/i5heu/ouroboros-svdb/internal/chunkstore"
	"github.com/i5heu/ouroboros-svdb/internal/keyValStore"
	"github.com/i5heu/ouroboros-svdb/pkg/cid"
	"golang.org/x/sync/errgroup"
)

func main() {
	dataPath := flag.String("data", "./data/ChunkingChampions/", "Directory whose files are chunked and stored")
	dbPath := flag.String("db", "./tmp", "Database directory")
	backend := flag.String("backend", string(keyValStore.BackendBadger), "badger, leveldb or bolt")
	// batch 1 writes every chunk on its own.
	batch := flag.Int("batch", 16, "Chunks per write batch")
	concurrency := flag.Int("concurrency", 64, "Concurrent writers")
	avgSize := flag.Int("avg", 256<<10, "Average content-defined chunk size")
	flag.Parse()

	ctx := context.Background()
	kv, err := keyValStore.Open(keyValStore.StoreConfig{
		Paths:   []string{*dbPath},
		Backend: keyValStore.Backend(*backend),
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		log.Fatal(err)
	}
	defer kv.Close()
	store := chunkstore.New(kv, nil)

	var ids []cid.Cid
	var chunks [][]byte
	err = filepath.WalkDir(*dataPath, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		file, err := os.Open(path)
		if err != nil {
			return err
		}
		defer file.Close()
		parts, err := chunker.Split(chunker.NewRabinChunker(file, *avgSize))
		if err != nil {
			return fmt.Errorf("chunk %s: %w", path, err)
		}
		for _, p := range parts {
			ids = append(ids, cid.For(p, cid.Raw))
			chunks = append(chunks, p)
		}
		return nil
	})
	if err != nil {
		log.Fatalf("Error walking the path: %v", err)
	}

	started := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(*concurrency)
	for lo := 0; lo < len(chunks); lo += *batch {
		hi := min(lo+*batch, len(chunks))
		lo := lo
		g.Go(func() error {
			return store.PutBatch(gctx, ids[lo:hi], chunks[lo:hi])
		})
	}
	if err := g.Wait(); err != nil {
		log.Fatalf("Error writing chunks: %v", err)
	}
	written := time.Since(started)

	notFound, corrupt := 0, 0
	for _, id := range ids {
		_, found, err := store.GetVerified(ctx, id)
		switch {
		case err != nil:
			corrupt++
		case !found:
			notFound++
		}
	}

	total := len(ids)
	percentNotFound := 0.0
	if total > 0 {
		percentNotFound = float64(notFound) / float64(total) * 100
	}
	fmt.Println("backend:", kv.Backend(), " chunks:", total, " write time:", written)
	fmt.Println("not found chunks :", percentNotFound, "%  Chunks not found:", notFound, " corrupt:", corrupt)
}
