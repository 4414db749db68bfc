// Package raster renders the 128x128 palette buffer of an explorer map by
// probing the host world once per sample block.
package raster

import (
	"context"
	"fmt"
	"runtime"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"explorermaps.dev/internal/render/biome"
	"explorermaps.dev/internal/render/palette"
)

const (
	Size     = 128
	Pixels   = Size * Size
	ProbeY   = 63
	MinRes   = 1
	MaxRes   = 16
	halfSize = Size / 2
)

// Sampler answers biome probes. Implementations must be safe for concurrent
// use; the rasterizer calls BiomeAt from several goroutines at once.
type Sampler interface {
	BiomeAt(ctx context.Context, x, y, z int) (string, error)
}

// SamplerFunc adapts a plain function to Sampler.
type SamplerFunc func(ctx context.Context, x, y, z int) (string, error)

func (f SamplerFunc) BiomeAt(ctx context.Context, x, y, z int) (string, error) {
	return f(ctx, x, y, z)
}

type Options struct {
	// Classifier defaults to biome.Default().
	Classifier *biome.Classifier
	// Parallelism bounds concurrent rows. <= 0 means GOMAXPROCS.
	Parallelism int
}

// Stats counts probes by category. Errors counts probes whose sampler call
// failed (they are also counted as Other).
type Stats struct {
	Probes     int
	Errors     int
	ByCategory [biome.NumCategories]int
}

// ClampResolution keeps r inside [1,16].
func ClampResolution(r int) int {
	if r < MinRes {
		return MinRes
	}
	if r > MaxRes {
		return MaxRes
	}
	return r
}

// Rasterize renders with default options. It never fails: probe errors
// degrade to the default colour for the affected block.
func Rasterize(ctx context.Context, s Sampler, cx, cz, scale, res int) []byte {
	buf, _ := RasterizeWithStats(ctx, s, cx, cz, scale, res, Options{})
	return buf
}

// RasterizeSerial scans rows in order on the calling goroutine.
func RasterizeSerial(ctx context.Context, s Sampler, cx, cz, scale, res int, opts Options) []byte {
	c := classifierOf(opts)
	scale, res = sanitize(scale, res)
	buf := make([]byte, Pixels)
	var counts counters
	for i := 0; i < Size/res; i++ {
		scanRow(ctx, s, c, buf, &counts, i*res, cx, cz, scale, res)
	}
	return buf
}

// RasterizeWithStats scans rows in parallel and reports probe counts.
func RasterizeWithStats(ctx context.Context, s Sampler, cx, cz, scale, res int, opts Options) ([]byte, Stats) {
	c := classifierOf(opts)
	scale, res = sanitize(scale, res)
	limit := opts.Parallelism
	if limit <= 0 {
		limit = runtime.GOMAXPROCS(0)
	}

	buf := make([]byte, Pixels)
	var counts counters
	var g errgroup.Group
	g.SetLimit(limit)
	for i := 0; i < Size/res; i++ {
		sampleX := i * res
		g.Go(func() error {
			scanRow(ctx, s, c, buf, &counts, sampleX, cx, cz, scale, res)
			return nil
		})
	}
	_ = g.Wait()
	return buf, counts.snapshot()
}

// scanRow owns pixels with px in [sampleX, sampleX+res); rows never overlap.
func scanRow(ctx context.Context, s Sampler, c *biome.Classifier, buf []byte, counts *counters, sampleX, cx, cz, scale, res int) {
	wx := cx + (sampleX-halfSize)*scale
	for sampleZ := 0; sampleZ < Size; sampleZ += res {
		wz := cz + (sampleZ-halfSize)*scale
		cat := biome.Other
		id, err := probe(ctx, s, wx, wz)
		if err != nil {
			counts.errors.Add(1)
		} else {
			cat = c.Classify(id)
		}
		counts.probes.Add(1)
		counts.cats[cat].Add(1)

		for px := sampleX; px < sampleX+res && px < Size; px++ {
			for pz := sampleZ; pz < sampleZ+res && pz < Size; pz++ {
				buf[pz*Size+px] = palette.Encode(cat, px, pz)
			}
		}
	}
}

// probe reports a sampler panic as an error.
func probe(ctx context.Context, s Sampler, x, z int) (id string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("raster: sampler panic: %v", r)
		}
	}()
	return s.BiomeAt(ctx, x, ProbeY, z)
}

func sanitize(scale, res int) (int, int) {
	if scale <= 0 {
		scale = 1
	}
	return scale, ClampResolution(res)
}

func classifierOf(opts Options) *biome.Classifier {
	if opts.Classifier != nil {
		return opts.Classifier
	}
	return biome.Default()
}

type counters struct {
	probes atomic.Int64
	errors atomic.Int64
	cats   [biome.NumCategories]atomic.Int64
}

func (c *counters) snapshot() Stats {
	st := Stats{Probes: int(c.probes.Load()), Errors: int(c.errors.Load())}
	for i := range c.cats {
		st.ByCategory[i] = int(c.cats[i].Load())
	}
	return st
}
