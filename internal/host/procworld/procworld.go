// Package procworld is a procedural stand-in for the host game world: it
// answers biome probes from seeded noise so the cache can render without a
// running game server.
package procworld

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/ojrac/opensimplex-go"
	"golang.org/x/time/rate"

	"explorermaps.dev/internal/render/raster"
)

const (
	continentScale = 1.0 / 2048
	climateScale   = 1.0 / 1536
	riverScale     = 1.0 / 768
	regionSize     = 192
)

// World is safe for concurrent use; noise evaluation is read-only.
type World struct {
	name    string
	seed    int64
	land    opensimplex.Noise
	temp    opensimplex.Noise
	humid   opensimplex.Noise
	river   opensimplex.Noise
	limiter *rate.Limiter
}

func NewWorld(name string, seed int64, limiter *rate.Limiter) *World {
	s := seed ^ int64(hash2(seed, len(name), int(stringHash(name))))
	return &World{
		name:    name,
		seed:    s,
		land:    opensimplex.New(s),
		temp:    opensimplex.New(s + 1),
		humid:   opensimplex.New(s + 2),
		river:   opensimplex.New(s + 3),
		limiter: limiter,
	}
}

func (w *World) Name() string { return w.name }

// BiomeAt returns a namespaced biome id. When a limiter is set each probe
// waits for a token.
func (w *World) BiomeAt(ctx context.Context, x, _, z int) (string, error) {
	if w.limiter != nil {
		if err := w.limiter.Wait(ctx); err != nil {
			return "", fmt.Errorf("procworld: throttle: %w", err)
		}
	}
	return "minecraft:" + w.biome(x, z), nil
}

func (w *World) biome(x, z int) string {
	fx, fz := float64(x), float64(z)
	cont := w.land.Eval2(fx*continentScale, fz*continentScale)
	temp := w.temp.Eval2(fx*climateScale, fz*climateScale)
	humid := w.humid.Eval2(fx*climateScale, fz*climateScale)

	switch {
	case cont < -0.55:
		return ocean("deep_", temp)
	case cont < -0.3:
		return ocean("", temp)
	case cont < -0.24:
		if temp < -0.45 {
			return "snowy_beach"
		}
		return "beach"
	case cont > 0.7:
		if temp < -0.2 {
			return "frozen_peaks"
		}
		return "stony_peaks"
	}
	if math.Abs(w.river.Eval2(fx*riverScale, fz*riverScale)) < 0.025 {
		if temp < -0.45 {
			return "frozen_river"
		}
		return "river"
	}

	v := hash2(w.seed, floorDiv(x, regionSize), floorDiv(z, regionSize))
	var table []string
	switch {
	case temp < -0.45:
		table = coldBiomes
	case temp > 0.45 && humid < 0:
		table = hotDryBiomes
	case temp > 0.45:
		table = hotWetBiomes
	case humid > 0.1:
		table = temperateWetBiomes
	default:
		table = temperateDryBiomes
	}
	return table[v%uint64(len(table))]
}

var (
	coldBiomes         = []string{"snowy_plains", "snowy_taiga", "ice_spikes", "grove", "snowy_slopes"}
	hotDryBiomes       = []string{"desert", "badlands", "savanna", "wooded_badlands"}
	hotWetBiomes       = []string{"jungle", "bamboo_jungle", "sparse_jungle", "mangrove_swamp"}
	temperateWetBiomes = []string{"forest", "birch_forest", "dark_forest", "cherry_grove", "swamp", "old_growth_pine_taiga"}
	temperateDryBiomes = []string{"plains", "meadow", "sunflower_plains", "windswept_hills"}
)

func ocean(prefix string, temp float64) string {
	switch {
	case temp < -0.45:
		return prefix + "frozen_ocean"
	case temp < -0.15:
		return prefix + "cold_ocean"
	case temp > 0.45 && prefix == "":
		return "warm_ocean"
	case temp > 0.2:
		return prefix + "lukewarm_ocean"
	}
	return prefix + "ocean"
}

func stringHash(s string) uint32 {
	var h uint32 = 2166136261
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= 16777619
	}
	return h
}

// Registry holds the loaded worlds. All worlds share one probe budget.
type Registry struct {
	worlds map[string]*World
}

// NewRegistry loads names with the given seed. maxProbesPerSecond <= 0
// disables throttling.
func NewRegistry(seed int64, names []string, maxProbesPerSecond float64) *Registry {
	var limiter *rate.Limiter
	if maxProbesPerSecond > 0 {
		burst := int(maxProbesPerSecond)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(maxProbesPerSecond), burst)
	}
	r := &Registry{worlds: make(map[string]*World, len(names))}
	for _, n := range names {
		r.worlds[n] = NewWorld(n, seed, limiter)
	}
	return r
}

// Sampler implements the coordinator's world lookup.
func (r *Registry) Sampler(world string) (raster.Sampler, bool) {
	w, ok := r.worlds[world]
	if !ok {
		return nil, false
	}
	return w, true
}

func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.worlds))
	for n := range r.worlds {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Dimension maps a world name to the host dimension id stored in map files.
func Dimension(world string) string {
	switch {
	case strings.HasSuffix(world, "_nether"):
		return "minecraft:the_nether"
	case strings.HasSuffix(world, "_the_end"):
		return "minecraft:the_end"
	}
	return "minecraft:overworld"
}
