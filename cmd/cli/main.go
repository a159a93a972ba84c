package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	svdb "github.com/i5heu/ouroboros-svdb"
	"github.com/i5heu/ouroboros-svdb/pkg/cas"
	"github.com/i5heu/ouroboros-svdb/pkg/cid"
)

func usage() {
	fmt.Println("Usage: svdb-cli [-data dir] <command> [arguments]")
	fmt.Println("Commands:")
	fmt.Println("  store <file>")
	fmt.Println("  retrieve <cid> <output-file>")
	fmt.Println("  health <cid>")
	fmt.Println("  verify")
	fmt.Println("  info")
}

func main() {
	dataDir := flag.String("data", defaultDataDir(), "Path to the data directory")
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() < 1 {
		usage()
		os.Exit(1)
	}

	ctx := context.Background()
	engine, err := svdb.New(svdb.Config{
		DataDir:   *dataDir,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		Integrity: svdb.IntegrityConfig{Disabled: true},
	})
	if err != nil {
		fail("Error initializing DB: %v", err)
	}
	if err := engine.Start(ctx); err != nil {
		fail("Error opening DB: %v", err)
	}
	defer engine.Close(ctx)

	args := flag.Args()
	switch args[0] {
	case "store":
		if len(args) < 2 {
			fmt.Println("Usage: svdb-cli store <file>")
			os.Exit(1)
		}
		storeFile(ctx, engine, args[1])
	case "retrieve":
		if len(args) < 3 {
			fmt.Println("Usage: svdb-cli retrieve <cid> <output-file>")
			os.Exit(1)
		}
		retrieveFile(ctx, engine, args[1], args[2])
	case "health":
		if len(args) < 2 {
			fmt.Println("Usage: svdb-cli health <cid>")
			os.Exit(1)
		}
		health(ctx, engine, args[1])
	case "verify":
		ok, err := engine.VerifyState(ctx)
		if err != nil {
			fail("Error verifying state: %v", err)
		}
		fmt.Printf("State verified: %t\n", ok)
	case "info":
		stats, err := engine.Stats()
		if err != nil {
			fail("Error getting stats: %v", err)
		}
		fmt.Println("Database Statistics:")
		fmt.Printf("  Reads:    %d\n", stats.Reads)
		fmt.Printf("  Writes:   %d\n", stats.Writes)
		fmt.Printf("  Retries:  %d\n", stats.Retries)
	default:
		fmt.Printf("Unknown command: %s\n", args[0])
		os.Exit(1)
	}
}

func fail(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./svdb-data"
	}
	return filepath.Join(home, ".svdb", "data")
}

func storeFile(ctx context.Context, engine *svdb.Engine, filePath string) {
	content, err := os.ReadFile(filePath)
	if err != nil {
		fail("Error reading file: %v", err)
	}
	id, err := engine.StoreObject(ctx, content, cas.StoreOptions{})
	if err != nil {
		fail("Error storing content: %v", err)
	}
	fmt.Printf("Stored successfully. CID: %s\n", id)
}

func retrieveFile(ctx context.Context, engine *svdb.Engine, s, outPath string) {
	id, err := cid.ParseString(s)
	if err != nil {
		fail("Invalid CID: %v", err)
	}
	content, err := engine.ReadObject(ctx, id)
	if err != nil {
		fail("Error retrieving content: %v", err)
	}
	if err := os.WriteFile(outPath, content, 0o644); err != nil {
		fail("Error writing output file: %v", err)
	}
	fmt.Println("Retrieved successfully.")
}

func health(ctx context.Context, engine *svdb.Engine, s string) {
	id, err := cid.ParseString(s)
	if err != nil {
		fail("Invalid CID: %v", err)
	}
	objects, err := engine.Objects()
	if err != nil {
		fail("Error: %v", err)
	}
	h, err := objects.ShardHealth(ctx, id)
	if err != nil {
		fail("Error checking shards: %v", err)
	}
	fmt.Printf("Degraded: %t  Recoverable: %t\n", h.Degraded(), h.Recoverable())
	for i, st := range h.Stripes {
		fmt.Printf("  stripe %d: %d healthy, %d missing, %d corrupt\n", i, st.Healthy, st.Missing, st.Corrupt)
	}
}
