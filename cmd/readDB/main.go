package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"log"
	"strings"

	"github.com/i5heu/ouroboros-svdb/internal/keyValStore"
)

func main() {
	dir := flag.String("path", "./svdb-data/kv", "Database directory")
	backend := flag.String("backend", string(keyValStore.BackendBadger), "badger, leveldb or bolt")
	prefix := flag.String("prefix", "", "Only list keys with this prefix, for example chunk: or account:")
	values := flag.Bool("values", false, "Print value sizes")
	flag.Parse()

	kv, err := keyValStore.Open(keyValStore.StoreConfig{
		Paths:   []string{*dir},
		Backend: keyValStore.Backend(*backend),
	})
	if err != nil {
		log.Fatal(err)
	}
	defer kv.Close()

	items, err := kv.GetItemsWithPrefix(context.Background(), []byte(*prefix))
	if err != nil {
		log.Fatal(err)
	}

	for _, item := range items {
		fmt.Printf("Key: %s", printable(item.Key))
		if *values {
			fmt.Printf("  (%d bytes)", len(item.Value))
		}
		fmt.Println()
	}
	fmt.Printf("Total number of keys: %d\n", len(items))
}

// printable keeps the namespace of a key readable and hex encodes the rest.
func printable(key []byte) string {
	s := string(key)
	if i := strings.IndexByte(s, ':'); i > 0 && i < 16 {
		return s[:i+1] + hex.EncodeToString(key[i+1:])
	}
	return hex.EncodeToString(key)
}
