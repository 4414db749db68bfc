package httpapi

import (
	"image"
	"image/png"
	"io"

	"explorermaps.dev/internal/render/palette"
	"explorermaps.dev/internal/render/raster"
)

const maxZoom = 8

// writePreview encodes a colour buffer as a PNG, each map pixel drawn as a
// zoom×zoom block.
func writePreview(w io.Writer, terrain []byte, zoom int) error {
	if zoom < 1 {
		zoom = 1
	}
	if zoom > maxZoom {
		zoom = maxZoom
	}
	side := raster.Size * zoom
	img := image.NewRGBA(image.Rect(0, 0, side, side))
	for i, idx := range terrain {
		if i >= raster.Pixels {
			break
		}
		c := palette.RGBA(idx)
		px, pz := (i%raster.Size)*zoom, (i/raster.Size)*zoom
		for dz := 0; dz < zoom; dz++ {
			for dx := 0; dx < zoom; dx++ {
				img.SetRGBA(px+dx, pz+dz, c)
			}
		}
	}
	return png.Encode(w, img)
}
