// Package issue turns a rendered map into a host map item and hands it to a
// recipient. Everything here runs on the host's consumer loop.
package issue

import (
	"errors"
	"fmt"
	"image/color"
	"log"

	"github.com/google/uuid"

	"explorermaps.dev/internal/persistence/record"
	"explorermaps.dev/internal/poi"
)

var ErrNoEntry = errors.New("issue: no cached entry")

// CursorType mirrors the host's map decoration ids.
type CursorType uint8

const CursorRedX CursorType = 26

type Cursor struct {
	Type      CursorType
	X, Z      int8
	Direction uint8
	Visible   bool
}

// MapColor is the tint of the issued map item.
var MapColor = color.RGBA{R: 139, G: 69, B: 19, A: 255}

// View is the host-side state of one map id.
type View struct {
	ID                int32
	World             string
	CenterX, CenterZ  int32
	Scale             ScaleLevel
	TrackingPosition  bool
	UnlimitedTracking bool
	Colors            []byte
	Cursors           []Cursor
}

// AddCursorOnce adds c unless the view already carries a cursor of the same
// type. It reports whether c was added.
func (v *View) AddCursorOnce(c Cursor) bool {
	for _, have := range v.Cursors {
		if have.Type == c.Type {
			return false
		}
	}
	v.Cursors = append(v.Cursors, c)
	return true
}

// BackingStore is the host's map storage. SetColorBuffer replaces the
// view's 16384-byte colour array.
type BackingStore interface {
	NewView(world string) (*View, error)
	SetColorBuffer(v *View, buf []byte) error
	Save(v *View) error
}

type Artifact struct {
	ID          string
	MapID       int32
	DisplayName string
	Lore        []string
	Color       color.RGBA
	Target      poi.POI
	View        *View
}

type Delivery struct {
	Recipient string
	Slot      int
	Dropped   bool
	X, Y, Z   float64
}

// Inventory places an artifact in the recipient's first free slot, or drops
// it at the recipient's location when none is free.
type Inventory interface {
	Deliver(recipient string, a Artifact) (Delivery, error)
}

type Issuer struct {
	store  BackingStore
	inv    Inventory
	labels Labels
	logger *log.Logger
}

func New(store BackingStore, inv Inventory, labels Labels, logger *log.Logger) *Issuer {
	return &Issuer{store: store, inv: inv, labels: labels, logger: logger}
}

// Issue hands a cached render to recipient at the cache scale.
func (is *Issuer) Issue(recipient string, e *record.Entry) (Artifact, Delivery, error) {
	if e == nil {
		return Artifact{}, Delivery{}, ErrNoEntry
	}
	return is.Render(recipient, e.POI, e.CenterX, e.CenterZ, Far, e.Terrain)
}

// Render builds a map for target centered on (cx, cz) and delivers it. A nil
// terrain leaves the host's blank colour buffer in place.
func (is *Issuer) Render(recipient string, target poi.POI, cx, cz int32, level ScaleLevel, terrain []byte) (Artifact, Delivery, error) {
	v, err := is.store.NewView(target.World)
	if err != nil {
		return Artifact{}, Delivery{}, fmt.Errorf("issue: new view: %w", err)
	}
	v.CenterX, v.CenterZ = cx, cz
	v.Scale = level
	v.TrackingPosition = true
	v.UnlimitedTracking = true
	if terrain != nil {
		if err := is.store.SetColorBuffer(v, terrain); err != nil {
			return Artifact{}, Delivery{}, fmt.Errorf("issue: set colors: %w", err)
		}
	}
	mx, mz := Marker(target, cx, cz, level.BlocksPerPixel())
	v.AddCursorOnce(Cursor{Type: CursorRedX, X: mx, Z: mz, Visible: true})
	if err := is.store.Save(v); err != nil {
		return Artifact{}, Delivery{}, fmt.Errorf("issue: save view: %w", err)
	}

	name, lore := is.labels.Render(target, level)
	a := Artifact{
		ID:          uuid.NewString(),
		MapID:       v.ID,
		DisplayName: name,
		Lore:        lore,
		Color:       MapColor,
		Target:      target,
		View:        v,
	}
	d, err := is.inv.Deliver(recipient, a)
	if err != nil {
		return a, Delivery{}, fmt.Errorf("issue: deliver: %w", err)
	}
	if is.logger != nil {
		is.logger.Printf("issued map=%d recipient=%s world=%s type=%s dropped=%t", v.ID, recipient, target.World, target.Type, d.Dropped)
	}
	return a, d, nil
}

// Marker converts a block offset to cursor space (two steps per pixel).
// The division truncates toward zero before doubling.
func Marker(target poi.POI, cx, cz int32, blocksPerPixel int) (x, z int8) {
	if blocksPerPixel <= 0 {
		blocksPerPixel = 1
	}
	bpp := int64(blocksPerPixel)
	px := (int64(target.X) - int64(cx)) / bpp
	pz := (int64(target.Z) - int64(cz)) / bpp
	return clampCursor(px * 2), clampCursor(pz * 2)
}

func clampCursor(v int64) int8 {
	if v < -128 {
		return -128
	}
	if v > 127 {
		return 127
	}
	return int8(v)
}
