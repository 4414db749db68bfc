package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"explorermaps.dev/internal/host/mapfile"
	"explorermaps.dev/internal/host/procworld"
	"explorermaps.dev/internal/issue"
	"explorermaps.dev/internal/persistence/journal"
	"explorermaps.dev/internal/persistence/record"
	"explorermaps.dev/internal/transport/httpapi"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "verify":
			verifyCmd(os.Args[2:])
			return
		case "export":
			exportCmd(os.Args[2:])
			return
		case "ledger":
			ledgerCmd(os.Args[2:])
			return
		case "journal":
			journalCmd(os.Args[2:])
			return
		case "token":
			tokenCmd(os.Args[2:])
			return
		case "regenerate":
			regenerateCmd(os.Args[2:])
			return
		case "initialize":
			initializeCmd(os.Args[2:])
			return
		}
	}
	listCmd(os.Args[1:])
}

func cacheStore(dataDir string) *record.Store {
	return record.New(filepath.Join(dataDir, "cache"), nil)
}

func listCmd(args []string) {
	fs := flag.NewFlagSet("admin", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	world := fs.String("world", "", "world filter (optional)")
	_ = fs.Parse(args)

	entries, err := cacheStore(*dataDir).LoadAll()
	if err != nil {
		fmt.Fprintln(os.Stderr, "load:", err)
		os.Exit(1)
	}
	for _, e := range entries {
		if *world != "" && e.POI.World != *world {
			continue
		}
		fmt.Printf("%s\t%s\t%d,%d,%d\t%s\tcenter=%d,%d\tcleared=%t\n",
			e.POI.World, e.POI.Type, e.POI.X, e.POI.Y, e.POI.Z, e.POI.Schematic, e.CenterX, e.CenterZ, e.POI.Cleared)
	}
}

// verifyCmd re-reads every record file and reports the ones the server
// would skip at startup.
func verifyCmd(args []string) {
	fs := flag.NewFlagSet("verify", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	_ = fs.Parse(args)

	dir := filepath.Join(*dataDir, "cache")
	ents, err := os.ReadDir(dir)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read:", err)
		os.Exit(1)
	}
	bad := 0
	for _, de := range ents {
		if de.IsDir() || !strings.HasSuffix(de.Name(), ".yml") {
			continue
		}
		b, err := os.ReadFile(filepath.Join(dir, de.Name()))
		if err == nil {
			var e *record.Entry
			if e, err = record.Unmarshal(b); err == nil {
				record.FillDefaults(e)
				if stem := record.Stem(e.POI.World, e.POI.Type); stem+".yml" != de.Name() {
					err = fmt.Errorf("file name does not match key %s", stem)
				}
			}
		}
		if err != nil {
			bad++
			fmt.Printf("BAD\t%s\t%v\n", de.Name(), err)
			continue
		}
		fmt.Printf("OK\t%s\n", de.Name())
	}
	if bad > 0 {
		os.Exit(1)
	}
}

// exportCmd writes a cached render as a host map file without touching any
// inventory.
func exportCmd(args []string) {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	world := fs.String("world", "", "world id")
	typ := fs.String("type", "", "structure type")
	outDir := fs.String("out", "", "map store directory (default: <data>/maps)")
	_ = fs.Parse(args)

	if strings.TrimSpace(*world) == "" || strings.TrimSpace(*typ) == "" {
		fmt.Fprintln(os.Stderr, "missing -world or -type")
		os.Exit(2)
	}
	dir := strings.TrimSpace(*outDir)
	if dir == "" {
		dir = filepath.Join(*dataDir, "maps")
	}

	entries, err := cacheStore(*dataDir).LoadAll()
	if err != nil {
		fmt.Fprintln(os.Stderr, "load:", err)
		os.Exit(1)
	}
	var hit *record.Entry
	for _, e := range entries {
		if e.POI.World == *world && record.CanonicalType(e.POI.Type) == record.CanonicalType(*typ) {
			hit = e
			break
		}
	}
	if hit == nil {
		fmt.Fprintf(os.Stderr, "no cached map for %s/%s\n", *world, *typ)
		os.Exit(2)
	}

	maps, err := mapfile.Open(dir)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open map store:", err)
		os.Exit(1)
	}
	maps.Dimension = procworld.Dimension
	is := issue.New(maps, discardInventory{}, issue.Labels{DisplayName: "%type% Explorer Map"}, nil)
	a, _, err := is.Issue("", hit)
	if err != nil {
		fmt.Fprintln(os.Stderr, "export:", err)
		os.Exit(1)
	}
	fmt.Printf("map_%d\t%s\t%s\n", a.MapID, maps.Path(a.MapID), a.DisplayName)
}

type discardInventory struct{}

func (discardInventory) Deliver(recipient string, a issue.Artifact) (issue.Delivery, error) {
	return issue.Delivery{Recipient: recipient, Slot: -1}, nil
}

func journalCmd(args []string) {
	fs := flag.NewFlagSet("journal", flag.ExitOnError)
	_ = fs.Parse(args)
	if fs.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "usage: admin journal <file.jsonl.zst>...")
		os.Exit(2)
	}
	for _, p := range fs.Args() {
		lines, err := journal.ReadAll(p)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", p, err)
			os.Exit(1)
		}
		for _, l := range lines {
			fmt.Println(string(l))
		}
	}
}

func tokenCmd(args []string) {
	fs := flag.NewFlagSet("token", flag.ExitOnError)
	secret := fs.String("secret", "", "admin JWT secret (or set EM_ADMIN_JWT_SECRET)")
	subject := fs.String("sub", "operator", "token subject")
	ttl := fs.Duration("ttl", time.Hour, "token lifetime")
	_ = fs.Parse(args)

	s := strings.TrimSpace(*secret)
	if s == "" {
		s = strings.TrimSpace(os.Getenv("EM_ADMIN_JWT_SECRET"))
	}
	if s == "" {
		fmt.Fprintln(os.Stderr, "missing -secret")
		os.Exit(2)
	}
	tok, err := httpapi.NewAdminAuth(s).Token(*subject, *ttl)
	if err != nil {
		fmt.Fprintln(os.Stderr, "sign:", err)
		os.Exit(1)
	}
	fmt.Println(tok)
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
