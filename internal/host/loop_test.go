package host

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"explorermaps.dev/internal/host/inventory"
	"explorermaps.dev/internal/host/mapfile"
	"explorermaps.dev/internal/host/procworld"
	"explorermaps.dev/internal/issue"
	"explorermaps.dev/internal/persistence/record"
	"explorermaps.dev/internal/poi"
	"explorermaps.dev/internal/render/raster"
)

type fakeCache struct {
	mu      sync.Mutex
	entries map[string]*record.Entry
	regen   []string
}

func (c *fakeCache) Get(world, typ string) (*record.Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[record.Stem(world, typ)]
	return e, ok
}

func (c *fakeCache) GetRandomCached(world string) (*record.Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.entries {
		if e.POI.World == world {
			return e, true
		}
	}
	return nil, false
}

func (c *fakeCache) RegenerateAsync(world, typ string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.regen = append(c.regen, world+"/"+typ)
	return true
}

func (c *fakeCache) regenerated() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.regen...)
}

func newIssuer(t *testing.T) (*issue.Issuer, *inventory.Store, *mapfile.Store) {
	t.Helper()
	dir := t.TempDir()
	maps, err := mapfile.Open(filepath.Join(dir, "world"))
	if err != nil {
		t.Fatalf("mapfile: %v", err)
	}
	inv, err := inventory.Open(filepath.Join(dir, "inv.sqlite"), 1, inventory.Position{World: "world", Y: 64})
	if err != nil {
		t.Fatalf("inventory: %v", err)
	}
	t.Cleanup(func() { _ = inv.Close() })
	return issue.New(maps, inv, issue.Labels{DisplayName: "%type% map"}, nil), inv, maps
}

func startLoop(t *testing.T, opts Options) *Loop {
	t.Helper()
	l := NewLoop(opts)
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = l.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-l.Done()
	})
	return l
}

func cachedEntry() *record.Entry {
	return &record.Entry{
		POI:     poi.POI{World: "world", X: 500, Y: 70, Z: 500, Schematic: "hut", Type: "VILLAGE"},
		CenterX: 400,
		CenterZ: 620,
		Terrain: make([]byte, raster.Pixels),
	}
}

func TestLoop_IssuesCachedAndRefreshes(t *testing.T) {
	is, inv, maps := newIssuer(t)
	cache := &fakeCache{entries: map[string]*record.Entry{record.Stem("world", "VILLAGE"): cachedEntry()}}
	var issued []Result
	l := startLoop(t, Options{Cache: cache, Issuer: is, RefreshAfterIssue: true, OnIssued: func(r Result) { issued = append(issued, r) }})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := l.Issue(ctx, Request{Recipient: "alice", World: "world", Type: "village"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if !res.Cached || res.Delivery.Slot != 0 || res.Artifact.DisplayName != "Village map" {
		t.Fatalf("result=%+v", res)
	}
	if got := cache.regenerated(); len(got) != 1 || got[0] != "world/VILLAGE" {
		t.Fatalf("regenerated=%v", got)
	}
	if len(issued) != 1 {
		t.Fatalf("OnIssued calls=%d", len(issued))
	}

	v, err := maps.Load(res.Artifact.MapID)
	if err != nil {
		t.Fatalf("load view: %v", err)
	}
	if v.Scale != issue.Far || v.CenterX != 400 || len(v.Cursors) != 1 {
		t.Fatalf("view=%+v", v)
	}

	// Second handout overflows the single slot.
	res, err = l.Issue(ctx, Request{Recipient: "alice", World: "world"})
	if err != nil || !res.Delivery.Dropped {
		t.Fatalf("second issue res=%+v err=%v", res, err)
	}
	drops, _ := inv.Drops("alice")
	if len(drops) != 1 {
		t.Fatalf("drops=%d", len(drops))
	}
}

func TestLoop_MissSchedulesRegeneration(t *testing.T) {
	is, _, _ := newIssuer(t)
	cache := &fakeCache{entries: map[string]*record.Entry{}}
	l := startLoop(t, Options{Cache: cache, Issuer: is})

	_, err := l.Issue(context.Background(), Request{Recipient: "bob", World: "world", Type: "TEMPLE"})
	if !errors.Is(err, ErrNotCached) {
		t.Fatalf("err=%v want ErrNotCached", err)
	}
	if got := cache.regenerated(); len(got) != 1 || got[0] != "world/TEMPLE" {
		t.Fatalf("regenerated=%v", got)
	}

	_, err = l.Issue(context.Background(), Request{Recipient: "bob", World: "world"})
	if !errors.Is(err, ErrNotCached) {
		t.Fatalf("untyped miss err=%v", err)
	}
	if got := cache.regenerated(); len(got) != 1 {
		t.Fatalf("untyped miss must not schedule: %v", got)
	}
}

func TestLoop_FreshRendersOffLoop(t *testing.T) {
	is, _, maps := newIssuer(t)
	src := poi.NewMemorySource()
	src.Add(
		poi.POI{World: "world", X: 0, Z: 0, Type: "RUIN", Cleared: true},
		poi.POI{World: "world", X: 3000, Z: -3000, Type: "RUIN"},
	)
	fresh := &issue.Fresh{
		Issuer:     is,
		Picker:     poi.NewIndex(src),
		Worlds:     procworld.NewRegistry(7, []string{"world"}, 0),
		Resolution: 8,
		Styled:     true,
		Rand:       func(n int) int { return n / 2 },
	}
	l := startLoop(t, Options{Cache: &fakeCache{}, Issuer: is, Fresh: fresh})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	res, err := l.Issue(ctx, Request{Recipient: "carol", World: "world", Type: "ruin", Fresh: true, Level: issue.Closest})
	if err != nil {
		t.Fatalf("fresh issue: %v", err)
	}
	if res.Cached || res.Artifact.Target.X != 3000 {
		t.Fatalf("fresh result=%+v", res)
	}
	v, err := maps.Load(res.Artifact.MapID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if v.Scale != issue.Closest || v.CenterX != 3000 || v.CenterZ != -3000 {
		t.Fatalf("view=%+v", v)
	}
}

func TestLoop_StoppedRejects(t *testing.T) {
	is, _, _ := newIssuer(t)
	l := NewLoop(Options{Cache: &fakeCache{}, Issuer: is})
	done := make(chan struct{})
	go func() { _ = l.Run(context.Background()); close(done) }()
	l.Stop()
	<-done
	if _, err := l.Issue(context.Background(), Request{World: "world"}); !errors.Is(err, ErrLoopStopped) {
		t.Fatalf("err=%v", err)
	}
	if err := l.Post(func() {}); !errors.Is(err, ErrLoopStopped) {
		t.Fatalf("post err=%v", err)
	}
}
