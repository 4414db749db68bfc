// Package mapcache keeps one pre-rendered explorer map per (world, type)
// and regenerates missing or consumed entries on a background worker pool.
package mapcache

import (
	"errors"
	"log"
	"math/rand/v2"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"explorermaps.dev/internal/persistence/record"
	"explorermaps.dev/internal/poi"
	"explorermaps.dev/internal/render/biome"
	"explorermaps.dev/internal/render/raster"
)

const (
	// Scale is blocks per pixel for every cached render (host level FAR).
	Scale = 8
	// MaxOffset bounds how far the map center may sit from its target.
	MaxOffset = 60 * Scale
)

type Key struct {
	World string
	Type  string
}

// NewKey folds the type so lookups ignore case, like POI type matching.
func NewKey(world, typ string) Key {
	return Key{World: world, Type: record.CanonicalType(typ)}
}

func (k Key) Stem() string { return record.Stem(k.World, k.Type) }

type Entry = record.Entry

type POIIndex interface {
	Worlds() ([]string, error)
	Types(world string) ([]string, error)
	RandomByType(world, typ string, requireNotCleared bool) (poi.POI, bool, error)
}

// Worlds resolves a loaded world to a thread-safe biome sampler.
type Worlds interface {
	Sampler(world string) (raster.Sampler, bool)
}

type Store interface {
	Save(e *Entry) error
	LoadAll() ([]*Entry, error)
}

type Options struct {
	POIs   POIIndex
	Worlds Worlds
	Store  Store

	Classifier        *biome.Classifier
	Resolution        int
	RasterParallelism int

	Workers       int
	// QueueCapacity is a soft backlog mark: jobs past it are still queued,
	// but counted and logged as saturation.
	QueueCapacity int

	Logger *log.Logger
	Events EventSink

	// Rand returns a value in [0,n). Defaults to math/rand/v2.
	Rand func(n int) int
}

type Stats struct {
	Entries            int
	InFlight           int
	QueueDepth         int
	QueueCapacity      int
	ScheduledTotal     uint64
	DedupedTotal       uint64
	DroppedTotal       uint64
	SaturatedTotal     uint64
	GeneratedTotal     uint64
	FailedTotal        uint64
	SkippedTotal       uint64
	PersistFailedTotal uint64
	LoadedTotal        uint64
	LastGeneratedUnix  int64
	LastFailedUnix     int64
}

type job struct {
	id  string
	key Key
	at  time.Time
}

type Coordinator struct {
	pois   POIIndex
	worlds Worlds
	store  Store
	logger *log.Logger
	events EventSink
	intn   func(n int) int

	classifier  *biome.Classifier
	resolution  int
	parallelism int

	entries  sync.Map // Key -> *Entry
	inflight sync.Map // Key -> job id
	nEntries atomic.Int64
	nFlight  atomic.Int64

	mu       sync.Mutex
	cond     *sync.Cond
	closed   bool
	pending  []job
	capacity int
	wg       sync.WaitGroup

	scheduledTotal     atomic.Uint64
	dedupedTotal       atomic.Uint64
	droppedTotal       atomic.Uint64
	saturatedTotal     atomic.Uint64
	generatedTotal     atomic.Uint64
	failedTotal        atomic.Uint64
	skippedTotal       atomic.Uint64
	persistFailedTotal atomic.Uint64
	loadedTotal        atomic.Uint64
	lastGeneratedUnix  atomic.Int64
	lastFailedUnix     atomic.Int64
}

var errClosed = errors.New("mapcache: closed")

func New(opts Options) *Coordinator {
	workers := opts.Workers
	if workers <= 0 {
		workers = 2
	}
	queueCapacity := opts.QueueCapacity
	if queueCapacity <= 0 {
		queueCapacity = 256
	}
	classifier := opts.Classifier
	if classifier == nil {
		classifier = biome.Default()
	}
	intn := opts.Rand
	if intn == nil {
		intn = rand.IntN
	}
	c := &Coordinator{
		pois:        opts.POIs,
		worlds:      opts.Worlds,
		store:       opts.Store,
		logger:      opts.Logger,
		events:      opts.Events,
		intn:        intn,
		classifier:  classifier,
		resolution:  raster.ClampResolution(opts.Resolution),
		parallelism: opts.RasterParallelism,
		pending:     make([]job, 0, queueCapacity),
		capacity:    queueCapacity,
	}
	c.cond = sync.NewCond(&c.mu)
	for i := 0; i < workers; i++ {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			for {
				j, ok := c.next()
				if !ok {
					return
				}
				c.run(j)
			}
		}()
	}
	return c
}

// LoadFromDisk inserts every valid persisted record. Call once before
// consumers read.
func (c *Coordinator) LoadFromDisk() int {
	if c.store == nil {
		return 0
	}
	list, err := c.store.LoadAll()
	if err != nil {
		c.printf("warn: load cache err=%v", err)
		return 0
	}
	n := 0
	for _, e := range list {
		key := NewKey(e.POI.World, e.POI.Type)
		c.put(key, e)
		n++
		c.loadedTotal.Add(1)
		c.emit(Event{Kind: EventLoaded, Key: key, POI: e.POI, CenterX: e.CenterX, CenterZ: e.CenterZ})
	}
	c.printf("loaded cached maps count=%d", n)
	return n
}

func (c *Coordinator) Get(world, typ string) (*Entry, bool) {
	v, ok := c.entries.Load(NewKey(world, typ))
	if !ok {
		return nil, false
	}
	return v.(*Entry), true
}

func (c *Coordinator) Has(world, typ string) bool {
	_, ok := c.entries.Load(NewKey(world, typ))
	return ok
}

// GetRandomCached picks uniformly among entries cached for world.
func (c *Coordinator) GetRandomCached(world string) (*Entry, bool) {
	var list []*Entry
	c.entries.Range(func(k, v any) bool {
		if k.(Key).World == world {
			list = append(list, v.(*Entry))
		}
		return true
	})
	if len(list) == 0 {
		return nil, false
	}
	return list[c.intn(len(list))], true
}

// CachedTypes lists the canonical types cached for world.
func (c *Coordinator) CachedTypes(world string) []string {
	var out []string
	c.entries.Range(func(k, _ any) bool {
		if key := k.(Key); key.World == world {
			out = append(out, key.Type)
		}
		return true
	})
	sort.Strings(out)
	return out
}

// Keys returns a snapshot of every cached key.
func (c *Coordinator) Keys() []Key {
	var out []Key
	c.entries.Range(func(k, _ any) bool {
		out = append(out, k.(Key))
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].World != out[j].World {
			return out[i].World < out[j].World
		}
		return out[i].Type < out[j].Type
	})
	return out
}

func (c *Coordinator) Len() int      { return int(c.nEntries.Load()) }
func (c *Coordinator) InFlight() int { return int(c.nFlight.Load()) }

// RegenerateAsync schedules a background render for the key unless one is
// already in flight. It reports whether a new job was queued. It never
// blocks: the pending list is unbounded, so only Close can refuse a job.
func (c *Coordinator) RegenerateAsync(world, typ string) bool {
	key := NewKey(world, typ)
	id := uuid.NewString()
	if _, loaded := c.inflight.LoadOrStore(key, id); loaded {
		c.dedupedTotal.Add(1)
		return false
	}
	c.nFlight.Add(1)

	j := job{id: id, key: key, at: time.Now()}
	if err := c.enqueue(j); err != nil {
		c.droppedTotal.Add(1)
		c.release(key)
		c.printf("warn: regenerate dropped world=%s type=%s err=%v", key.World, key.Type, err)
		c.emit(Event{Kind: EventFailed, JobID: id, Key: key, Err: err.Error()})
		return false
	}
	c.scheduledTotal.Add(1)
	c.emit(Event{Kind: EventQueued, JobID: id, Key: key})
	return true
}

// InitializeAll schedules a render for every (world, type) pair the POI
// index knows about that has no cached entry. Returns the number queued.
func (c *Coordinator) InitializeAll() int {
	if c.pois == nil {
		return 0
	}
	worlds, err := c.pois.Worlds()
	if err != nil {
		c.printf("warn: initialize list worlds err=%v", err)
		return 0
	}
	n := 0
	for _, w := range worlds {
		types, err := c.pois.Types(w)
		if err != nil {
			c.printf("warn: initialize list types world=%s err=%v", w, err)
			continue
		}
		for _, t := range types {
			if c.Has(w, t) {
				continue
			}
			if c.RegenerateAsync(w, t) {
				n++
			}
		}
	}
	c.printf("initialize scheduled=%d", n)
	return n
}

// Close stops accepting jobs and waits for queued ones to finish.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.cond.Broadcast()
	c.mu.Unlock()
	c.wg.Wait()
}

func (c *Coordinator) Stats() Stats {
	return Stats{
		Entries:            c.Len(),
		InFlight:           c.InFlight(),
		QueueDepth:         c.queueDepth(),
		QueueCapacity:      c.capacity,
		ScheduledTotal:     c.scheduledTotal.Load(),
		DedupedTotal:       c.dedupedTotal.Load(),
		DroppedTotal:       c.droppedTotal.Load(),
		SaturatedTotal:     c.saturatedTotal.Load(),
		GeneratedTotal:     c.generatedTotal.Load(),
		FailedTotal:        c.failedTotal.Load(),
		SkippedTotal:       c.skippedTotal.Load(),
		PersistFailedTotal: c.persistFailedTotal.Load(),
		LoadedTotal:        c.loadedTotal.Load(),
		LastGeneratedUnix:  c.lastGeneratedUnix.Load(),
		LastFailedUnix:     c.lastFailedUnix.Load(),
	}
}

func (c *Coordinator) enqueue(j job) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errClosed
	}
	c.pending = append(c.pending, j)
	if n := len(c.pending); n > c.capacity {
		if c.saturatedTotal.Add(1) == 1 {
			c.printf("warn: render backlog over capacity depth=%d capacity=%d", n, c.capacity)
		}
	}
	c.cond.Signal()
	return nil
}

// next blocks until a job is pending. After Close it keeps handing out the
// backlog and reports false once it is empty.
func (c *Coordinator) next() (job, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.pending) == 0 && !c.closed {
		c.cond.Wait()
	}
	if len(c.pending) == 0 {
		return job{}, false
	}
	j := c.pending[0]
	c.pending[0] = job{}
	c.pending = c.pending[1:]
	return j, true
}

func (c *Coordinator) queueDepth() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Coordinator) put(key Key, e *Entry) {
	if _, loaded := c.entries.Swap(key, e); !loaded {
		c.nEntries.Add(1)
	}
}

func (c *Coordinator) release(key Key) {
	if _, ok := c.inflight.LoadAndDelete(key); ok {
		c.nFlight.Add(-1)
	}
}

func (c *Coordinator) emit(ev Event) {
	if c.events == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	c.events.CacheEvent(ev)
}

func (c *Coordinator) printf(format string, args ...any) {
	if c.logger != nil {
		c.logger.Printf(format, args...)
	}
}
