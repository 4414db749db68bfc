// Package poi reads the points of interest an explorer map can point at.
package poi

import (
	"errors"
	"math/rand/v2"
	"sort"
	"strings"
)

// ErrUnknownWorld is returned for world names a source cannot address.
var ErrUnknownWorld = errors.New("poi: unknown world")

const (
	DefaultSchematic = "unknown"
	DefaultType      = "UNDEFINED"
)

type POI struct {
	World     string
	X, Y, Z   int32
	Schematic string
	Type      string
	Cleared   bool
}

// Source is the external POI store. Load returns an empty list for worlds
// with no data; an error means the store could not be read.
type Source interface {
	Worlds() ([]string, error)
	Load(world string) ([]POI, error)
}

// Index answers queries against a Source. Lists are re-read on every call.
type Index struct {
	src  Source
	intn func(n int) int
}

func NewIndex(src Source) *Index {
	return &Index{src: src, intn: rand.IntN}
}

// WithRand replaces the random draw (tests).
func (ix *Index) WithRand(intn func(n int) int) *Index {
	ix.intn = intn
	return ix
}

func (ix *Index) Worlds() ([]string, error) {
	ws, err := ix.src.Worlds()
	if err != nil {
		return nil, err
	}
	out := append([]string(nil), ws...)
	sort.Strings(out)
	return out, nil
}

// Types returns the sorted set of type identifiers present in world.
func (ix *Index) Types(world string) ([]string, error) {
	list, err := ix.src.Load(world)
	if err != nil {
		return nil, err
	}
	seen := map[string]struct{}{}
	for _, p := range list {
		seen[p.Type] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for t := range seen {
		out = append(out, t)
	}
	sort.Strings(out)
	return out, nil
}

// RandomByType picks uniformly among POIs whose type equals typ ignoring case.
func (ix *Index) RandomByType(world, typ string, requireNotCleared bool) (POI, bool, error) {
	return ix.pick(world, requireNotCleared, func(p POI) bool { return strings.EqualFold(p.Type, typ) })
}

func (ix *Index) Random(world string, requireNotCleared bool) (POI, bool, error) {
	return ix.pick(world, requireNotCleared, nil)
}

func (ix *Index) pick(world string, requireNotCleared bool, match func(POI) bool) (POI, bool, error) {
	list, err := ix.src.Load(world)
	if err != nil {
		return POI{}, false, err
	}
	candidates := list[:0:0]
	for _, p := range list {
		if requireNotCleared && p.Cleared {
			continue
		}
		if match != nil && !match(p) {
			continue
		}
		candidates = append(candidates, p)
	}
	if len(candidates) == 0 {
		return POI{}, false, nil
	}
	return candidates[ix.intn(len(candidates))], true, nil
}
