package mapcache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"explorermaps.dev/internal/persistence/record"
	"explorermaps.dev/internal/poi"
	"explorermaps.dev/internal/render/raster"
)

type worldMap map[string]raster.Sampler

func (w worldMap) Sampler(world string) (raster.Sampler, bool) {
	s, ok := w[world]
	return s, ok
}

func forest() raster.Sampler {
	return raster.SamplerFunc(func(context.Context, int, int, int) (string, error) { return "minecraft:forest", nil })
}

type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (r *recordingSink) CacheEvent(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recordingSink) count(kind string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

type failingStore struct{}

func (failingStore) Save(*Entry) error { return errors.New("disk full") }
func (failingStore) LoadAll() ([]*Entry, error) { return nil, nil }

type errIndex struct{}

func (errIndex) Worlds() ([]string, error) { return []string{"W"}, nil }
func (errIndex) Types(string) ([]string, error) { return []string{"T"}, nil }
func (errIndex) RandomByType(string, string, bool) (poi.POI, bool, error) {
	return poi.POI{}, false, errors.New("poi store offline")
}

type panicIndex struct{ errIndex }

func (panicIndex) RandomByType(string, string, bool) (poi.POI, bool, error) {
	panic("index exploded")
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestRegenerateAsync_SingleFlight(t *testing.T) {
	src := poi.NewMemorySource()
	src.Add(poi.POI{World: "W", X: 100, Y: 64, Z: -100, Type: "T"})

	release := make(chan struct{})
	var started atomic.Int32
	var once sync.Once
	blocking := raster.SamplerFunc(func(context.Context, int, int, int) (string, error) {
		once.Do(func() { started.Add(1) })
		<-release
		return "minecraft:plains", nil
	})

	sink := &recordingSink{}
	c := New(Options{
		POIs:          poi.NewIndex(src),
		Worlds:        worldMap{"W": blocking},
		Workers:       4,
		QueueCapacity: 8,
		Events:        sink,
	})
	defer c.Close()

	var queued atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if c.RegenerateAsync("W", "T") {
				queued.Add(1)
			}
		}()
	}
	wg.Wait()
	if queued.Load() != 1 {
		t.Fatalf("queued=%d want 1", queued.Load())
	}
	if c.InFlight() != 1 {
		t.Fatalf("in flight=%d want 1", c.InFlight())
	}
	waitFor(t, "job start", func() bool { return started.Load() == 1 })
	close(release)

	waitFor(t, "job end", func() bool { return c.InFlight() == 0 })
	if c.Len() != 1 {
		t.Fatalf("entries=%d want 1", c.Len())
	}
	if _, ok := c.Get("W", "T"); !ok {
		t.Fatalf("entry missing after generation")
	}
	if n := sink.count(EventStarted); n != 1 {
		t.Fatalf("started events=%d want 1", n)
	}
	if st := c.Stats(); st.DedupedTotal != 99 || st.GeneratedTotal != 1 {
		t.Fatalf("stats=%+v", st)
	}
}

func TestRegenerateAsync_BacklogNeverBlocksOrDrops(t *testing.T) {
	src := poi.NewMemorySource()
	types := []string{"A", "B", "C", "D", "E"}
	for _, typ := range types {
		src.Add(poi.POI{World: "W", X: 0, Y: 64, Z: 0, Type: typ})
	}

	release := make(chan struct{})
	blocking := raster.SamplerFunc(func(context.Context, int, int, int) (string, error) {
		<-release
		return "minecraft:plains", nil
	})
	c := New(Options{
		POIs:          poi.NewIndex(src),
		Worlds:        worldMap{"W": blocking},
		Workers:       1,
		QueueCapacity: 1,
		Resolution:    16,
	})
	defer c.Close()

	start := time.Now()
	if n := c.InitializeAll(); n != len(types) {
		t.Fatalf("scheduled=%d want %d", n, len(types))
	}
	if !c.RegenerateAsync("W2", "X") {
		t.Fatalf("regenerate refused while workers busy")
	}
	if d := time.Since(start); d > 100*time.Millisecond {
		t.Fatalf("scheduling blocked for %v", d)
	}
	if st := c.Stats(); st.SaturatedTotal == 0 || st.DroppedTotal != 0 {
		t.Fatalf("stats=%+v", st)
	}

	close(release)
	waitFor(t, "backlog drain", func() bool { return c.InFlight() == 0 })
	if c.Len() != len(types) {
		t.Fatalf("entries=%d want %d", c.Len(), len(types))
	}
	if st := c.Stats(); st.DroppedTotal != 0 || st.QueueDepth != 0 || st.GeneratedTotal != uint64(len(types)) {
		t.Fatalf("stats=%+v", st)
	}
}

func TestClose_DrainsBacklog(t *testing.T) {
	src := poi.NewMemorySource()
	for _, typ := range []string{"A", "B", "C"} {
		src.Add(poi.POI{World: "W", X: 0, Y: 64, Z: 0, Type: typ})
	}
	c := New(Options{POIs: poi.NewIndex(src), Worlds: worldMap{"W": forest()}, Workers: 1, Resolution: 16})
	if n := c.InitializeAll(); n != 3 {
		t.Fatalf("scheduled=%d want 3", n)
	}
	c.Close()
	if c.Len() != 3 || c.InFlight() != 0 {
		t.Fatalf("entries=%d in flight=%d after close", c.Len(), c.InFlight())
	}
}

func TestRegenerate_OffsetBoundsAndBuffer(t *testing.T) {
	src := poi.NewMemorySource()
	src.Add(poi.POI{World: "W", X: 1000, Y: 70, Z: -2000, Type: "ruins"})
	draws := []int{0, 2 * MaxOffset}
	var mu sync.Mutex
	c := New(Options{
		POIs:   poi.NewIndex(src),
		Worlds: worldMap{"W": forest()},
		Rand: func(n int) int {
			mu.Lock()
			defer mu.Unlock()
			if n != 2*MaxOffset+1 {
				return 0
			}
			v := draws[0]
			draws = append(draws[1:], v)
			return v
		},
	})
	defer c.Close()

	if !c.RegenerateAsync("W", "RUINS") {
		t.Fatalf("not queued")
	}
	waitFor(t, "generation", func() bool { return c.Has("W", "ruins") })
	e, _ := c.Get("W", "Ruins")
	if len(e.Terrain) != raster.Pixels {
		t.Fatalf("terrain len=%d", len(e.Terrain))
	}
	if e.CenterX != 1000+MaxOffset || e.CenterZ != -2000-MaxOffset {
		t.Fatalf("center=%d,%d", e.CenterX, e.CenterZ)
	}
	if d := e.CenterX - e.POI.X; d > MaxOffset || d < -MaxOffset {
		t.Fatalf("x offset %d out of bounds", d)
	}
	if e.Terrain[0] != 28 {
		t.Fatalf("expected forest colour, got %d", e.Terrain[0])
	}
}

func TestRegenerate_ReleasesOnFailure(t *testing.T) {
	empty := poi.NewMemorySource()
	sink := &recordingSink{}
	cases := []struct {
		name   string
		opts   Options
		expect string
	}{
		{"no poi", Options{POIs: poi.NewIndex(empty), Worlds: worldMap{"W": forest()}}, EventSkipped},
		{"poi error", Options{POIs: errIndex{}, Worlds: worldMap{"W": forest()}}, EventFailed},
		{"world missing", Options{POIs: errlessIndex(), Worlds: worldMap{}}, EventSkipped},
		{"panic", Options{POIs: panicIndex{}, Worlds: worldMap{"W": forest()}}, EventFailed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			local := &recordingSink{}
			tc.opts.Events = MultiSink{sink, local}
			c := New(tc.opts)
			defer c.Close()
			if !c.RegenerateAsync("W", "T") {
				t.Fatalf("not queued")
			}
			waitFor(t, "release", func() bool { return c.InFlight() == 0 && local.count(tc.expect) == 1 })
			if c.Len() != 0 {
				t.Fatalf("entries=%d want 0", c.Len())
			}
			if !c.RegenerateAsync("W", "T") {
				t.Fatalf("key still held after failure")
			}
		})
	}
}

func errlessIndex() *poi.Index {
	src := poi.NewMemorySource()
	src.Add(poi.POI{World: "W", X: 1, Z: 1, Type: "T"})
	return poi.NewIndex(src)
}

func TestRegenerate_PersistFailureKeepsEntry(t *testing.T) {
	sink := &recordingSink{}
	c := New(Options{POIs: errlessIndex(), Worlds: worldMap{"W": forest()}, Store: failingStore{}, Events: sink})
	defer c.Close()
	c.RegenerateAsync("W", "T")
	waitFor(t, "persist failure", func() bool { return sink.count(EventPersistFailed) == 1 })
	if _, ok := c.Get("W", "T"); !ok {
		t.Fatalf("entry should stay in memory after persist failure")
	}
}

func TestRegenerate_ReplacesEntryWhole(t *testing.T) {
	c := New(Options{POIs: errlessIndex(), Worlds: worldMap{"W": forest()}})
	defer c.Close()
	c.RegenerateAsync("W", "T")
	waitFor(t, "first", func() bool { return c.Has("W", "T") })
	first, _ := c.Get("W", "T")
	waitFor(t, "idle", func() bool { return c.InFlight() == 0 })
	c.RegenerateAsync("W", "T")
	waitFor(t, "second", func() bool {
		e, _ := c.Get("W", "T")
		return e != first
	})
	if c.Len() != 1 {
		t.Fatalf("entries=%d want 1", c.Len())
	}
	if len(first.Terrain) != raster.Pixels {
		t.Fatalf("prior entry mutated")
	}
}

func TestCrashRecovery(t *testing.T) {
	dir := t.TempDir()
	store := record.New(dir, nil)
	for _, typ := range []string{"A", "B", "C"} {
		e := &Entry{
			POI:     poi.POI{World: "W", X: 1, Y: 2, Z: 3, Schematic: "s", Type: typ},
			Terrain: make([]byte, raster.Pixels),
		}
		if err := store.Save(e); err != nil {
			t.Fatalf("save: %v", err)
		}
	}

	src := poi.NewMemorySource()
	for _, typ := range []string{"A", "B", "C", "D", "E"} {
		src.Add(poi.POI{World: "W", X: 10, Z: 10, Type: typ})
	}
	release := make(chan struct{})
	blocking := raster.SamplerFunc(func(context.Context, int, int, int) (string, error) {
		<-release
		return "minecraft:ocean", nil
	})
	c := New(Options{POIs: poi.NewIndex(src), Worlds: worldMap{"W": blocking}, Store: store})
	defer c.Close()
	defer close(release)

	if n := c.LoadFromDisk(); n != 3 {
		t.Fatalf("loaded=%d want 3", n)
	}
	for _, typ := range []string{"A", "B", "C"} {
		if !c.Has("W", typ) {
			t.Fatalf("missing %s after load", typ)
		}
	}
	if n := c.InitializeAll(); n != 2 {
		t.Fatalf("scheduled=%d want 2", n)
	}
	if got := c.CachedTypes("W"); len(got) != 3 || got[0] != "A" {
		t.Fatalf("cached types=%v", got)
	}
}

func TestGetRandomCached(t *testing.T) {
	c := New(Options{Rand: func(n int) int { return n - 1 }})
	defer c.Close()
	if _, ok := c.GetRandomCached("W"); ok {
		t.Fatalf("empty cache returned an entry")
	}
	c.put(NewKey("W", "A"), &Entry{POI: poi.POI{World: "W", Type: "A"}})
	c.put(NewKey("X", "A"), &Entry{POI: poi.POI{World: "X", Type: "A"}})
	e, ok := c.GetRandomCached("W")
	if !ok || e.POI.World != "W" {
		t.Fatalf("got %+v ok=%v", e, ok)
	}
	c.put(NewKey("W", "B"), &Entry{POI: poi.POI{World: "W", Type: "B"}})
	keys := c.Keys()
	want := []Key{NewKey("W", "A"), NewKey("W", "B"), NewKey("X", "A")}
	if len(keys) != len(want) {
		t.Fatalf("keys=%v", keys)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Fatalf("keys=%v want %v", keys, want)
		}
	}
	if got := c.CachedTypes("W"); len(got) != 2 || got[0] != "A" || got[1] != "B" {
		t.Fatalf("types=%v", got)
	}
}

func TestRegenerate_AfterClose(t *testing.T) {
	c := New(Options{POIs: errlessIndex(), Worlds: worldMap{"W": forest()}})
	c.Close()
	if c.RegenerateAsync("W", "T") {
		t.Fatalf("queued after close")
	}
	if c.InFlight() != 0 {
		t.Fatalf("token leaked after rejected enqueue")
	}
	c.Close()
}
