// ferrisdb-benchmark - Benchmark tool for the storage engine
//
// Usage:
//
//	ferrisdb-benchmark [flags]
//
// Flags:
//
//	--dir string       Working directory (default: a temp dir, removed after)
//	--requests int     Number of write/read pairs (default 100000)
//	--value-size int   Value payload size in bytes (default 64)
//	--sync string      WAL sync mode: none, normal, full (default "none")
package main

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/spf13/pflag"

	"github.com/ferrisdb/ferrisdb/internal/config"
	"github.com/ferrisdb/ferrisdb/internal/engine"
)

func main() {
	dir := pflag.String("dir", "", "Working directory (default: temp dir)")
	requests := pflag.Int("requests", 100000, "Number of write/read pairs")
	valueSize := pflag.Int("value-size", 64, "Value payload size in bytes")
	syncMode := pflag.String("sync", "none", "WAL sync mode: none, normal, full")
	pflag.Parse()

	root := *dir
	if root == "" {
		tmp, err := os.MkdirTemp("", "ferrisdb-benchmark-*")
		if err != nil {
			log.Fatal(err)
		}
		defer os.RemoveAll(tmp)
		root = tmp
	}

	cfg := config.DefaultConfig()
	cfg.DataDir = filepath.Join(root, "data")
	cfg.WALDir = filepath.Join(root, "data", "wal")
	cfg.WALSyncMode = config.SyncMode(*syncMode)
	if _, err := cfg.WALSyncMode.WALMode(); err != nil {
		log.Fatal(err)
	}

	eng, err := engine.Open(cfg)
	if err != nil {
		log.Fatalf("failed to open engine: %v", err)
	}
	defer eng.Close()

	fmt.Println("====== FerrisDB Benchmark ======")
	fmt.Printf("Dir: %s\n", root)
	fmt.Printf("Requests: %d\n", *requests)
	fmt.Printf("Value size: %d\n", *valueSize)
	fmt.Printf("WAL sync: %s\n", cfg.WALSyncMode)
	fmt.Println()

	keys := make([][]byte, *requests)
	for i := range keys {
		keys[i] = []byte(fmt.Sprintf("key:%010d", i))
	}
	value := make([]byte, *valueSize)
	for i := range value {
		value[i] = 'x'
	}

	// Write phase.
	writeLatencies := make([]time.Duration, *requests)
	writeStart := time.Now()
	for i, key := range keys {
		t0 := time.Now()
		if err := eng.Put(key, value); err != nil {
			log.Fatalf("put failed: %v", err)
		}
		writeLatencies[i] = time.Since(t0)
	}
	writeElapsed := time.Since(writeStart)

	// Read phase.
	readStart := time.Now()
	missing := 0
	for _, key := range keys {
		_, ok, err := eng.Get(key)
		if err != nil {
			log.Fatalf("get failed: %v", err)
		}
		if !ok {
			missing++
		}
	}
	readElapsed := time.Since(readStart)

	stats := eng.Stats()

	fmt.Println("====== Results ======")
	fmt.Printf("Writes: %.0f ops/sec (%v total)\n", float64(*requests)/writeElapsed.Seconds(), writeElapsed)
	fmt.Printf("Reads:  %.0f ops/sec (%v total)\n", float64(*requests)/readElapsed.Seconds(), readElapsed)
	fmt.Printf("Write latency p50/p99: %v / %v\n",
		percentile(writeLatencies, 0.50), percentile(writeLatencies, 0.99))
	fmt.Printf("Flushes: %d  Tables: %d  Missing reads: %d\n", stats.TotalFlushes, stats.TableCount, missing)
}

// percentile returns the value at the given percentile (0.0-1.0).
func percentile(latencies []time.Duration, p float64) time.Duration {
	sorted := append([]time.Duration(nil), latencies...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	if len(sorted) == 0 {
		return 0
	}
	idx := int(float64(len(sorted)-1) * p)
	return sorted[idx]
}
