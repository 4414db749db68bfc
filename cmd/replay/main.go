package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"explorermaps.dev/internal/mapcache"
	"explorermaps.dev/internal/persistence/journal"
	"explorermaps.dev/internal/persistence/ledger"
	"explorermaps.dev/internal/persistence/record"
)

// replay rebuilds a ledger from the hourly journals and optionally checks
// that the last persisted event per key agrees with the record on disk.
func main() {
	var (
		dataDir = flag.String("data", "./data", "runtime data directory")
		outPath = flag.String("out", "", "ledger to write (default: <data>/index/ledger.rebuilt.sqlite)")
		verify  = flag.Bool("verify", true, "compare persisted events with cache records")
	)
	flag.Parse()

	out := *outPath
	if out == "" {
		out = filepath.Join(*dataDir, "index", "ledger.rebuilt.sqlite")
	}
	if _, err := os.Stat(out); err == nil {
		fmt.Fprintln(os.Stderr, "refusing to overwrite", out)
		os.Exit(2)
	}

	l, err := ledger.Open(out, nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open ledger:", err)
		os.Exit(1)
	}

	last := map[string]journal.CacheEntry{}
	events, err := replayCache(*dataDir, l, last)
	if err != nil {
		_ = l.Close()
		fmt.Fprintln(os.Stderr, "replay cache:", err)
		os.Exit(1)
	}
	issues, err := replayIssues(*dataDir, l)
	if err != nil {
		_ = l.Close()
		fmt.Fprintln(os.Stderr, "replay issues:", err)
		os.Exit(1)
	}
	if err := l.Close(); err != nil {
		fmt.Fprintln(os.Stderr, "close ledger:", err)
		os.Exit(1)
	}
	fmt.Printf("replay ok: events=%d issuances=%d keys=%d -> %s\n", events, issues, len(last), out)

	if !*verify {
		return
	}
	if bad := verifyRecords(*dataDir, last); bad > 0 {
		fmt.Fprintf(os.Stderr, "verify: %d mismatched keys\n", bad)
		os.Exit(1)
	}
	fmt.Println("verify ok")
}

// waitRoom blocks until the ledger queue has space so replay never drops.
func waitRoom(l *ledger.Ledger) {
	for {
		st := l.Stats()
		if st.QueueDepth < st.QueueCapacity-1 {
			return
		}
		time.Sleep(time.Millisecond)
	}
}

func replayCache(dataDir string, l *ledger.Ledger, last map[string]journal.CacheEntry) (int, error) {
	files, err := journal.ListFiles(dataDir, "cache")
	if err != nil {
		return 0, err
	}
	n := 0
	for _, path := range files {
		lines, err := journal.ReadAll(path)
		if err != nil {
			return n, fmt.Errorf("%s: %w", filepath.Base(path), err)
		}
		for _, line := range lines {
			var e journal.CacheEntry
			if err := json.Unmarshal(line, &e); err != nil {
				return n, fmt.Errorf("%s: unmarshal: %w", filepath.Base(path), err)
			}
			ev, err := e.Event()
			if err != nil {
				return n, fmt.Errorf("%s: %w", filepath.Base(path), err)
			}
			waitRoom(l)
			l.CacheEvent(ev)
			n++
			if e.Kind == mapcache.EventPersisted {
				last[ev.Key.Stem()] = e
			}
		}
	}
	return n, nil
}

func replayIssues(dataDir string, l *ledger.Ledger) (int, error) {
	files, err := journal.ListFiles(dataDir, "issue")
	if err != nil {
		return 0, err
	}
	n := 0
	for _, path := range files {
		lines, err := journal.ReadAll(path)
		if err != nil {
			return n, fmt.Errorf("%s: %w", filepath.Base(path), err)
		}
		for _, line := range lines {
			var e journal.IssueEntry
			if err := json.Unmarshal(line, &e); err != nil {
				return n, fmt.Errorf("%s: unmarshal: %w", filepath.Base(path), err)
			}
			at, _ := time.Parse(time.RFC3339Nano, e.At)
			waitRoom(l)
			l.RecordIssuance(ledger.Issuance{
				ArtifactID: e.ArtifactID,
				MapID:      e.MapID,
				Recipient:  e.Recipient,
				World:      e.World,
				Type:       e.Type,
				X:          e.X,
				Y:          e.Y,
				Z:          e.Z,
				Scale:      e.Scale,
				Cached:     e.Cached,
				Dropped:    e.Dropped,
				At:         at,
			})
			n++
		}
	}
	return n, nil
}

func verifyRecords(dataDir string, last map[string]journal.CacheEntry) int {
	entries, err := record.New(filepath.Join(dataDir, "cache"), nil).LoadAll()
	if err != nil {
		fmt.Fprintln(os.Stderr, "load records:", err)
		return 1
	}
	bad := 0
	for _, rec := range entries {
		stem := record.Stem(rec.POI.World, rec.POI.Type)
		e, ok := last[stem]
		if !ok {
			fmt.Printf("MISSING\t%s\tno persisted event\n", stem)
			bad++
			continue
		}
		if e.POIX != rec.POI.X || e.POIZ != rec.POI.Z || e.CenterX != rec.CenterX || e.CenterZ != rec.CenterZ {
			fmt.Printf("MISMATCH\t%s\tjournal=%d,%d center=%d,%d record=%d,%d center=%d,%d\n",
				stem, e.POIX, e.POIZ, e.CenterX, e.CenterZ, rec.POI.X, rec.POI.Z, rec.CenterX, rec.CenterZ)
			bad++
		}
	}
	return bad
}
