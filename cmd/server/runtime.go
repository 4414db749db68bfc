package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"explorermaps.dev/internal/config"
	"explorermaps.dev/internal/host"
	"explorermaps.dev/internal/host/inventory"
	"explorermaps.dev/internal/host/mapfile"
	"explorermaps.dev/internal/host/procworld"
	"explorermaps.dev/internal/issue"
	"explorermaps.dev/internal/mapcache"
	"explorermaps.dev/internal/persistence/journal"
	"explorermaps.dev/internal/persistence/ledger"
	"explorermaps.dev/internal/persistence/r2s3"
	"explorermaps.dev/internal/persistence/record"
	"explorermaps.dev/internal/poi"
	"explorermaps.dev/internal/render/biome"
	"explorermaps.dev/internal/transport/httpapi"
	"explorermaps.dev/internal/transport/observer"
	"explorermaps.dev/internal/transport/ws"
)

// runtime owns every long-lived component. Nothing here is global; main
// builds one and tears it down in reverse order.
type runtime struct {
	cfg    config.Config
	logger *log.Logger

	pois      *poi.Index
	worlds    *procworld.Registry
	store     *record.Store
	cache     *mapcache.Coordinator
	maps      *mapfile.Store
	inv       *inventory.Store
	loop      *host.Loop
	feed      *observer.Server
	ledger    *ledger.Ledger
	cacheLog  *journal.CacheJournal
	issueLog  *journal.IssueJournal
	mirror    *r2s3.Mirror
	admin     *httpapi.AdminAuth
	apiServer *httpapi.Server
}

var logOutput io.Writer = os.Stdout

func newLogger(component string) *log.Logger {
	return log.New(logOutput, "["+component+"] ", log.LstdFlags|log.Lmicroseconds)
}

func buildRuntime(cfg config.Config, logger *log.Logger) (*runtime, error) {
	rt := &runtime{cfg: cfg, logger: logger}
	ok := false
	defer func() {
		if !ok {
			rt.Close()
		}
	}()
	var err error

	rt.pois = poi.NewIndex(poi.DirSource{Dir: cfg.POIDir})
	rt.worlds = procworld.NewRegistry(cfg.World.Seed, cfg.World.Names, cfg.Sampler.MaxProbesPerSecond)
	rt.store = record.New(filepath.Join(cfg.DataDir, "cache"), newLogger("record"))

	if rt.ledger, err = openRuntimeLedger(cfg.DataDir, newLogger("ledger")); err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	if rt.mirror, err = buildR2Mirror(cfg.DataDir, rt.store.Path, newLogger("r2")); err != nil {
		return nil, fmt.Errorf("build r2 mirror: %w", err)
	}
	rt.cacheLog = journal.NewCacheJournal(cfg.DataDir, func(err error) {
		logger.Printf("warn: cache journal write err=%v", err)
	})
	rt.issueLog = journal.NewIssueJournal(cfg.DataDir, func(err error) {
		logger.Printf("warn: issue journal write err=%v", err)
	})
	rt.feed = observer.NewServer(observer.Options{Logger: newLogger("feed")})

	sinks := mapcache.MultiSink{rt.cacheLog, rt.feed}
	if rt.ledger != nil {
		sinks = append(sinks, rt.ledger)
	}
	if rt.mirror != nil {
		sinks = append(sinks, rt.mirror)
	}
	if cfg.Debug {
		sinks = append(sinks, debugSink{logger: newLogger("debug")})
	}

	classifier := biome.NewClassifier(biome.Rules{
		WaterKeywords: cfg.Style.WaterBiomes.Keywords,
		WaterExact:    cfg.Style.WaterBiomes.Exact,
	})
	rt.cache = mapcache.New(mapcache.Options{
		POIs:              rt.pois,
		Worlds:            rt.worlds,
		Store:             rt.store,
		Classifier:        classifier,
		Resolution:        cfg.Style.SampleResolution,
		RasterParallelism: cfg.Cache.RasterParallelism,
		Workers:           cfg.Cache.Workers,
		QueueCapacity:     cfg.Cache.QueueCapacity,
		Logger:            newLogger("mapcache"),
		Events:            sinks,
	})

	if rt.maps, err = mapfile.Open(filepath.Join(cfg.DataDir, "maps")); err != nil {
		return nil, fmt.Errorf("open map store: %w", err)
	}
	rt.maps.Dimension = procworld.Dimension

	spawn := inventory.Position{Y: cfg.Inventory.SpawnY}
	if len(cfg.World.Names) > 0 {
		spawn.World = cfg.World.Names[0]
	}
	if rt.inv, err = inventory.Open(filepath.Join(cfg.DataDir, "inventory.sqlite"), cfg.Inventory.Slots, spawn); err != nil {
		return nil, fmt.Errorf("open inventory: %w", err)
	}

	issuer := issue.New(rt.maps, rt.inv, issue.Labels{
		DisplayName: cfg.Map.DisplayName,
		Lore:        cfg.Map.Lore,
		WorldNames:  cfg.WorldNames,
		TypeNames:   cfg.StructureTypes,
	}, newLogger("issue"))

	rt.loop = host.NewLoop(host.Options{
		Cache:  rt.cache,
		Issuer: issuer,
		Fresh: &issue.Fresh{
			Issuer:     issuer,
			Picker:     rt.pois,
			Worlds:     rt.worlds,
			Classifier: classifier,
			Resolution: cfg.Style.SampleResolution,
			Styled:     cfg.Style.Enabled,
			Logger:     newLogger("fresh"),
		},
		RefreshAfterIssue: cfg.Cache.RefreshAfterIssue,
		OnIssued:          rt.recordIssue,
		Logger:            newLogger("host"),
	})

	rt.admin = httpapi.NewAdminAuth(cfg.Admin.JWTSecret)
	apiOpts := httpapi.Options{
		Cache:          rt.cache,
		Issuer:         rt.loop,
		Worlds:         rt.pois,
		Admin:          rt.admin,
		IssueLimit:     cfg.HTTP.IssueRateLimit,
		IssueWindow:    cfg.HTTP.IssueRateWindow,
		IssueTimeout:   cfg.HTTP.IssueTimeout,
		TrustedProxies: cfg.HTTP.TrustedProxies,
		Metrics:        []func(io.Writer){rt.writeMetrics},
		Logger:         newLogger("http"),
		WS: ws.NewServer(ws.Options{
			Issuer:       rt.loop,
			Catalog:      catalog{pois: rt.pois, cache: rt.cache},
			IssueTimeout: cfg.HTTP.IssueTimeout,
			Logger:       newLogger("ws"),
		}).Handler(),
	}
	if cfg.Admin.EnableHTTP {
		apiOpts.Feed = rt.feed.WSHandler()
	} else {
		logger.Printf("admin event feed disabled")
	}
	rt.apiServer = httpapi.New(apiOpts)
	ok = true
	return rt, nil
}

// start loads persisted maps, optionally schedules every missing key and
// runs the consumer loop until ctx ends.
func (rt *runtime) start(ctx context.Context) {
	loaded := rt.cache.LoadFromDisk()
	rt.logger.Printf("cache loaded entries=%d dir=%s", loaded, rt.store.Dir())
	if rt.mirror != nil {
		keys := rt.cache.Keys()
		paths := make([]string, 0, len(keys))
		for _, k := range keys {
			paths = append(paths, rt.store.Path(k.World, k.Type))
		}
		rt.logger.Printf("r2 mirror reconcile queued=%d", rt.mirror.Reconcile(paths))
	}
	if rt.cfg.Cache.InitializeOnStart {
		n := rt.cache.InitializeAll()
		rt.logger.Printf("cache initialize scheduled=%d", n)
	}
	go func() {
		if err := rt.loop.Run(ctx); err != nil && err != context.Canceled {
			rt.logger.Printf("host loop stopped: %v", err)
		}
	}()
}

func (rt *runtime) handler() http.Handler { return rt.apiServer }

// recordIssue runs on the consumer loop after each handout.
func (rt *runtime) recordIssue(res host.Result) {
	a, d := res.Artifact, res.Delivery
	var cx, cz int32
	scale := 0
	if a.View != nil {
		cx, cz, scale = a.View.CenterX, a.View.CenterZ, int(a.View.Scale)
	}
	now := time.Now()
	if rt.ledger != nil {
		rt.ledger.RecordIssuance(ledger.Issuance{
			ArtifactID: a.ID,
			MapID:      a.MapID,
			Recipient:  d.Recipient,
			World:      a.Target.World,
			Type:       a.Target.Type,
			X:          a.Target.X,
			Y:          a.Target.Y,
			Z:          a.Target.Z,
			CenterX:    cx,
			CenterZ:    cz,
			Scale:      scale,
			Cached:     res.Cached,
			Dropped:    d.Dropped,
			At:         now,
		})
	}
	if err := rt.issueLog.WriteIssue(journal.IssueEntry{
		At:         now.UTC().Format(time.RFC3339Nano),
		ArtifactID: a.ID,
		MapID:      a.MapID,
		Recipient:  d.Recipient,
		World:      a.Target.World,
		Type:       a.Target.Type,
		X:          a.Target.X,
		Y:          a.Target.Y,
		Z:          a.Target.Z,
		Scale:      scale,
		Cached:     res.Cached,
		Dropped:    d.Dropped,
	}); err != nil {
		rt.logger.Printf("warn: issue journal dropped artifact=%s err=%v", a.ID, err)
	}
}

// Close stops components in reverse dependency order. Safe on a partially
// built runtime.
func (rt *runtime) Close() {
	if rt.loop != nil {
		rt.loop.Stop()
	}
	if rt.cache != nil {
		rt.cache.Close()
	}
	if rt.mirror != nil {
		rt.mirror.Close()
	}
	if rt.ledger != nil {
		_ = rt.ledger.Close()
	}
	if rt.cacheLog != nil {
		_ = rt.cacheLog.Close()
	}
	if rt.issueLog != nil {
		_ = rt.issueLog.Close()
	}
	if rt.inv != nil {
		_ = rt.inv.Close()
	}
}

func (rt *runtime) writeMetrics(w io.Writer) {
	fs := rt.feed.Stats()
	httpapi.Gauge(w, "explorermaps_feed_subscribers", "Connected event feed subscribers.", int64(fs.Subscribers))
	httpapi.Counter(w, "explorermaps_feed_dropped_total", "Events dropped for slow feed subscribers.", fs.Dropped)

	for _, j := range []struct {
		name string
		st   journal.Stats
	}{
		{"cache", rt.cacheLog.Stats()},
		{"issue", rt.issueLog.Stats()},
	} {
		httpapi.Gauge(w, "explorermaps_journal_"+j.name+"_queue_depth", "Journal writer backlog.", int64(j.st.QueueDepth))
		httpapi.Counter(w, "explorermaps_journal_"+j.name+"_dropped_total", "Journal lines dropped because the writer fell behind.", j.st.DropTotal)
		httpapi.Counter(w, "explorermaps_journal_"+j.name+"_write_fail_total", "Failed journal writes.", j.st.WriteFailTotal)
	}

	if rt.ledger != nil {
		ls := rt.ledger.Stats()
		httpapi.Gauge(w, "explorermaps_ledger_queue_depth", "Ledger writer backlog.", int64(ls.QueueDepth))
		httpapi.Counter(w, "explorermaps_ledger_dropped_events_total", "Cache events dropped by the ledger.", ls.DropEventTotal)
		httpapi.Counter(w, "explorermaps_ledger_dropped_issues_total", "Issuances dropped by the ledger.", ls.DropIssueTotal)
		httpapi.Counter(w, "explorermaps_ledger_write_fail_total", "Failed ledger transactions.", ls.WriteFailTotal)
	}
	if rt.mirror != nil {
		ms := rt.mirror.Stats()
		httpapi.Gauge(w, "explorermaps_r2_mirror_queue_depth", "Current R2 mirror queue depth.", int64(ms.QueueDepth))
		httpapi.Counter(w, "explorermaps_r2_mirror_enqueued_total", "Total mirror enqueue attempts.", ms.EnqueuedTotal)
		httpapi.Counter(w, "explorermaps_r2_mirror_dropped_total", "Mirror files dropped because the queue stayed saturated.", ms.DroppedTotal)
		httpapi.Counter(w, "explorermaps_r2_mirror_upload_success_total", "Successful mirror uploads.", ms.UploadSuccessTotal)
		httpapi.Counter(w, "explorermaps_r2_mirror_upload_fail_total", "Failed mirror uploads after retry.", ms.UploadFailTotal)
		httpapi.Counter(w, "explorermaps_r2_mirror_up_to_date_total", "Reconciled records already current remotely.", ms.UpToDateTotal)
		httpapi.Gauge(w, "explorermaps_r2_mirror_last_success_unix", "Unix timestamp of the last successful upload.", ms.LastSuccessUnix)
	}
}

// catalog joins POI worlds with the coordinator's cached types.
type catalog struct {
	pois  *poi.Index
	cache *mapcache.Coordinator
}

func (c catalog) Worlds() ([]string, error) { return c.pois.Worlds() }
func (c catalog) CachedTypes(world string) []string { return c.cache.CachedTypes(world) }

type debugSink struct{ logger *log.Logger }

func (d debugSink) CacheEvent(ev mapcache.Event) {
	d.logger.Printf("event kind=%s job=%s key=%s/%s poi=%d,%d,%d center=%d,%d probes=%d errors=%d dur=%s err=%q",
		ev.Kind, ev.JobID, ev.Key.World, ev.Key.Type, ev.POI.X, ev.POI.Y, ev.POI.Z,
		ev.CenterX, ev.CenterZ, ev.Probes, ev.ProbeErrors, ev.Duration, ev.Err)
}
