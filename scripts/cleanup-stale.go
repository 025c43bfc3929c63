// scripts/cleanup-stale.go - prune abandoned run rows from the ledger.
//
// A control program killed mid-run never closes its run row, so status
// and the console report it as running forever. This tool deletes
// unfinished runs older than the threshold.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/storylinehq/storyline/internal/config"
	"github.com/storylinehq/storyline/internal/ledger"
)

func main() {
	threshold := flag.Duration("older-than", 24*time.Hour, "prune unfinished runs older than this")
	flag.Parse()

	cfg, err := config.Load(config.DefaultPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	dbPath := cfg.Ledger.Path
	if override := os.Getenv("STORYLINE_DB"); override != "" {
		dbPath = override
	}

	fmt.Printf("Opening ledger: %s\n", dbPath)

	store, err := ledger.Open(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening ledger: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	fmt.Printf("Pruning unfinished runs older than %s...\n", threshold)

	pruned, err := store.PruneStaleRuns(context.Background(), *threshold)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error during prune: %v\n", err)
		os.Exit(1)
	}

	if pruned > 0 {
		fmt.Printf("✓ Pruned %d stale run(s)\n", pruned)
	} else {
		fmt.Println("✓ No stale runs found")
	}
}
