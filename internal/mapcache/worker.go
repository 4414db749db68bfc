package mapcache

import (
	"context"
	"fmt"
	"time"

	"explorermaps.dev/internal/render/raster"
)

// run executes one regeneration job. The in-flight token is released on
// every exit path, panics included.
func (c *Coordinator) run(j job) {
	defer c.release(j.key)
	defer func() {
		if r := recover(); r != nil {
			c.fail(j, fmt.Errorf("panic: %v", r))
		}
	}()

	key := j.key
	started := time.Now()
	c.emit(Event{Kind: EventStarted, JobID: j.id, Key: key})

	if c.pois == nil {
		c.skip(j, "no poi index")
		return
	}
	target, ok, err := c.pois.RandomByType(key.World, key.Type, false)
	if err != nil {
		c.printf("warn: poi lookup failed world=%s type=%s err=%v", key.World, key.Type, err)
		c.fail(j, err)
		return
	}
	if !ok {
		c.printf("no poi to render world=%s type=%s", key.World, key.Type)
		c.skip(j, "no poi")
		return
	}

	var sampler raster.Sampler
	if c.worlds != nil {
		sampler, ok = c.worlds.Sampler(key.World)
	}
	if sampler == nil || !ok {
		c.printf("world not available world=%s type=%s", key.World, key.Type)
		c.skip(j, "world unavailable")
		return
	}

	ox := c.intn(2*MaxOffset+1) - MaxOffset
	oz := c.intn(2*MaxOffset+1) - MaxOffset
	cx := target.X - int32(ox)
	cz := target.Z - int32(oz)

	terrain, st := raster.RasterizeWithStats(context.Background(), sampler, int(cx), int(cz), Scale, c.resolution, raster.Options{
		Classifier:  c.classifier,
		Parallelism: c.parallelism,
	})
	if len(terrain) != raster.Pixels {
		c.fail(j, fmt.Errorf("rasterize: %d bytes", len(terrain)))
		return
	}

	e := &Entry{POI: target, CenterX: cx, CenterZ: cz, Terrain: terrain}
	c.put(key, e)
	c.generatedTotal.Add(1)
	c.lastGeneratedUnix.Store(time.Now().UTC().Unix())
	dur := time.Since(started)
	c.printf("generated world=%s type=%s poi=%d,%d,%d center=%d,%d probes=%d errors=%d ms=%d",
		key.World, key.Type, target.X, target.Y, target.Z, cx, cz, st.Probes, st.Errors, dur.Milliseconds())
	c.emit(Event{
		Kind: EventGenerated, JobID: j.id, Key: key, POI: target,
		CenterX: cx, CenterZ: cz, Probes: st.Probes, ProbeErrors: st.Errors, Duration: dur,
	})

	if c.store == nil {
		return
	}
	if err := c.store.Save(e); err != nil {
		c.persistFailedTotal.Add(1)
		c.printf("SEVERE: persist failed world=%s type=%s err=%v", key.World, key.Type, err)
		c.emit(Event{Kind: EventPersistFailed, JobID: j.id, Key: key, POI: target, CenterX: cx, CenterZ: cz, Err: err.Error()})
		return
	}
	c.emit(Event{Kind: EventPersisted, JobID: j.id, Key: key, POI: target, CenterX: cx, CenterZ: cz})
}

func (c *Coordinator) fail(j job, err error) {
	c.failedTotal.Add(1)
	c.lastFailedUnix.Store(time.Now().UTC().Unix())
	c.printf("warn: regenerate failed world=%s type=%s job=%s err=%v", j.key.World, j.key.Type, j.id, err)
	c.emit(Event{Kind: EventFailed, JobID: j.id, Key: j.key, Err: err.Error()})
}

func (c *Coordinator) skip(j job, reason string) {
	c.skippedTotal.Add(1)
	c.emit(Event{Kind: EventSkipped, JobID: j.id, Key: j.key, Err: reason})
}
