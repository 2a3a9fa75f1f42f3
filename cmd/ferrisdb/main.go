// ferrisdb - An embeddable LSM key-value storage engine
//
// Usage:
//
//	ferrisdb [flags]
//
// Flags:
//
//	--data string      Data directory (default "data")
//	--config string    Path to JSON config file
//	--sync string      WAL sync mode: none, normal, full
//	--version          Show version and exit
//
// Starts an interactive shell over the engine:
//
//	put <key> <value>      write a value
//	get <key>              read the newest value
//	getat <key> <ts>       read at a snapshot timestamp
//	delete <key>           write a tombstone
//	scan <start> <end>     list live memtable keys in [start, end)
//	flush                  seal the memtable into an SSTable
//	stats                  engine counters
//	exit                   quit
package main

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/peterh/liner"
	"github.com/spf13/pflag"

	"github.com/ferrisdb/ferrisdb/internal/config"
	"github.com/ferrisdb/ferrisdb/internal/engine"
	"github.com/ferrisdb/ferrisdb/internal/version"
)

// envOrDefault returns the environment variable value if set, otherwise
// the fallback.
func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	// Flags take precedence over environment variables.
	// Env vars: FERRISDB_DATA, FERRISDB_CONFIG, FERRISDB_SYNC
	dataDir := pflag.String("data", envOrDefault("FERRISDB_DATA", "data"), "Data directory")
	configPath := pflag.String("config", envOrDefault("FERRISDB_CONFIG", ""), "Path to JSON config file")
	syncMode := pflag.String("sync", envOrDefault("FERRISDB_SYNC", ""), "WAL sync mode: none, normal, full")
	showVersion := pflag.Bool("version", false, "Show version and exit")
	pflag.Parse()

	if *showVersion {
		fmt.Printf("ferrisdb %s (built %s)\n", version.Version, version.BuildTime)
		return
	}

	cfg := config.DefaultConfig()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			log.Fatalf("failed to load config: %v", err)
		}
		cfg = loaded
	}
	if pflag.CommandLine.Changed("data") || *configPath == "" {
		cfg.DataDir = *dataDir
		cfg.WALDir = filepath.Join(*dataDir, "wal")
	}
	if *syncMode != "" {
		cfg.WALSyncMode = config.SyncMode(*syncMode)
		if _, err := cfg.WALSyncMode.WALMode(); err != nil {
			log.Fatal(err)
		}
	}

	eng, err := engine.Open(cfg)
	if err != nil {
		log.Fatalf("failed to open engine: %v", err)
	}
	defer eng.Close()

	fmt.Printf("ferrisdb %s — data dir %s, wal sync %s\n", version.Version, cfg.DataDir, cfg.WALSyncMode)
	repl(eng)
}

func repl(eng *engine.Engine) {
	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)

	commands := []string{"put", "get", "getat", "delete", "scan", "flush", "stats", "help", "exit"}
	line.SetCompleter(func(prefix string) (out []string) {
		for _, cmd := range commands {
			if strings.HasPrefix(cmd, strings.ToLower(prefix)) {
				out = append(out, cmd)
			}
		}
		return
	})

	for {
		input, err := line.Prompt("ferrisdb> ")
		if err != nil {
			fmt.Println()
			return
		}
		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		line.AppendHistory(input)

		fields := strings.Fields(input)
		if done := dispatch(eng, fields); done {
			return
		}
	}
}

func dispatch(eng *engine.Engine, fields []string) bool {
	switch strings.ToLower(fields[0]) {
	case "exit", "quit":
		return true

	case "help":
		fmt.Println("commands: put <k> <v> | get <k> | getat <k> <ts> | delete <k> | scan <start> <end> | flush | stats | exit")

	case "put":
		if len(fields) != 3 {
			fmt.Println("usage: put <key> <value>")
			break
		}
		if err := eng.Put([]byte(fields[1]), []byte(fields[2])); err != nil {
			fmt.Printf("error: %v\n", err)
			break
		}
		fmt.Println("ok")

	case "get":
		if len(fields) != 2 {
			fmt.Println("usage: get <key>")
			break
		}
		value, ok, err := eng.Get([]byte(fields[1]))
		printLookup(value, ok, err)

	case "getat":
		if len(fields) != 3 {
			fmt.Println("usage: getat <key> <timestamp>")
			break
		}
		ts, err := strconv.ParseUint(fields[2], 10, 64)
		if err != nil {
			fmt.Println("timestamp must be an unsigned integer")
			break
		}
		value, ok, lookupErr := eng.GetAt([]byte(fields[1]), ts)
		printLookup(value, ok, lookupErr)

	case "delete":
		if len(fields) != 2 {
			fmt.Println("usage: delete <key>")
			break
		}
		if err := eng.Delete([]byte(fields[1])); err != nil {
			fmt.Printf("error: %v\n", err)
			break
		}
		fmt.Println("ok")

	case "scan":
		if len(fields) != 3 {
			fmt.Println("usage: scan <start> <end>")
			break
		}
		results := eng.Scan([]byte(fields[1]), []byte(fields[2]))
		for _, kv := range results {
			fmt.Printf("%s = %s\n", kv.Key, kv.Value)
		}
		fmt.Printf("(%d keys)\n", len(results))

	case "flush":
		if err := eng.Flush(); err != nil {
			fmt.Printf("error: %v\n", err)
			break
		}
		fmt.Println("ok")

	case "stats":
		s := eng.Stats()
		fmt.Printf("reads: %d  writes: %d  flushes: %d\n", s.TotalReads, s.TotalWrites, s.TotalFlushes)
		fmt.Printf("memtable: %d bytes  tables: %d  up since: %s\n",
			s.MemTableBytes, s.TableCount, s.StartTime.Format("15:04:05"))

	default:
		fmt.Printf("unknown command %q (try help)\n", fields[0])
	}
	return false
}

func printLookup(value []byte, ok bool, err error) {
	switch {
	case err != nil:
		fmt.Printf("error: %v\n", err)
	case !ok:
		fmt.Println("(not found)")
	default:
		fmt.Printf("%s\n", value)
	}
}
