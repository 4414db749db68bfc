package issue

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand/v2"

	"explorermaps.dev/internal/poi"
	"explorermaps.dev/internal/render/biome"
	"explorermaps.dev/internal/render/raster"
)

var (
	ErrNoTarget         = errors.New("issue: no matching poi")
	ErrWorldUnavailable = errors.New("issue: world not available")
)

type Picker interface {
	RandomByType(world, typ string, requireNotCleared bool) (poi.POI, bool, error)
	Random(world string, requireNotCleared bool) (poi.POI, bool, error)
}

type Worlds interface {
	Sampler(world string) (raster.Sampler, bool)
}

// Fresh renders an uncached map at any scale. The POI pick and render run on
// a background goroutine; the artifact is built back on the consumer loop
// through Post.
type Fresh struct {
	Issuer     *Issuer
	Picker     Picker
	Worlds     Worlds
	Post       func(fn func()) error
	Classifier *biome.Classifier
	Resolution int
	Styled     bool
	Logger     *log.Logger
	Rand       func(n int) int
}

type Request struct {
	World     string
	Recipient string
	Type      string
	Level     ScaleLevel
}

// Issue starts a fresh render. done runs on the consumer loop once an
// artifact is built; lookup failures are reported from the worker goroutine.
func (f *Fresh) Issue(req Request, done func(Artifact, Delivery, error)) {
	go f.render(req, done)
}

func (f *Fresh) render(req Request, done func(Artifact, Delivery, error)) {
	target, ok, err := f.pick(req)
	if err != nil {
		done(Artifact{}, Delivery{}, err)
		return
	}
	if !ok {
		done(Artifact{}, Delivery{}, fmt.Errorf("%w: world=%s type=%q", ErrNoTarget, req.World, req.Type))
		return
	}
	sampler, ok := f.sampler(req.World)
	if !ok {
		done(Artifact{}, Delivery{}, fmt.Errorf("%w: %s", ErrWorldUnavailable, req.World))
		return
	}

	bpp := req.Level.BlocksPerPixel()
	maxOffset := 60 * bpp
	intn := f.Rand
	if intn == nil {
		intn = rand.IntN
	}
	cx := target.X - int32(intn(2*maxOffset+1)-maxOffset)
	cz := target.Z - int32(intn(2*maxOffset+1)-maxOffset)

	var terrain []byte
	if f.Styled {
		terrain, _ = raster.RasterizeWithStats(context.Background(), sampler, int(cx), int(cz), bpp, f.Resolution, raster.Options{Classifier: f.Classifier})
	}

	finish := func() {
		a, d, err := f.Issuer.Render(req.Recipient, target, cx, cz, req.Level, terrain)
		done(a, d, err)
	}
	if f.Post == nil {
		finish()
		return
	}
	if err := f.Post(finish); err != nil {
		if f.Logger != nil {
			f.Logger.Printf("warn: fresh issue dropped recipient=%s err=%v", req.Recipient, err)
		}
		done(Artifact{}, Delivery{}, err)
	}
}

func (f *Fresh) pick(req Request) (poi.POI, bool, error) {
	if req.Type != "" {
		return f.Picker.RandomByType(req.World, req.Type, true)
	}
	return f.Picker.Random(req.World, true)
}

func (f *Fresh) sampler(world string) (raster.Sampler, bool) {
	if f.Worlds == nil {
		return nil, false
	}
	s, ok := f.Worlds.Sampler(world)
	return s, ok && s != nil
}
