// Package palette encodes biome categories as 1-byte indexes into the host
// map colour table.
package palette

import (
	"image/color"

	"explorermaps.dev/internal/render/biome"
)

// Reserved indexes. Each index is base*4 + shade in the host table.
const (
	WaterLight   byte = 48
	WaterDark    byte = 50
	ForestColor  byte = 28
	PlainsColor  byte = 4
	SnowyColor   byte = 34
	DefaultColor byte = 0
)

// Encode returns the colour index for one pixel. Water is striped on the
// pixel diagonal so it reads as water on the item.
func Encode(c biome.Category, px, pz int) byte {
	switch c {
	case biome.Water:
		if (px+pz)%4 < 2 {
			return WaterLight
		}
		return WaterDark
	case biome.Forest:
		return ForestColor
	case biome.Plains:
		return PlainsColor
	case biome.Snowy:
		return SnowyColor
	default:
		return DefaultColor
	}
}

// base colours of the host map table, indexed by base id.
var baseColors = [...]color.RGBA{
	{0, 0, 0, 0},
	{127, 178, 56, 255},
	{247, 233, 163, 255},
	{199, 199, 199, 255},
	{255, 0, 0, 255},
	{160, 160, 255, 255},
	{167, 167, 167, 255},
	{0, 124, 0, 255},
	{255, 255, 255, 255},
	{164, 168, 184, 255},
	{151, 109, 77, 255},
	{112, 112, 112, 255},
	{64, 64, 255, 255},
	{143, 119, 72, 255},
	{255, 252, 245, 255},
	{216, 127, 51, 255},
	{178, 76, 216, 255},
	{102, 153, 216, 255},
	{229, 229, 51, 255},
	{127, 204, 25, 255},
	{242, 127, 165, 255},
	{76, 76, 76, 255},
	{153, 153, 153, 255},
	{76, 127, 153, 255},
	{127, 63, 178, 255},
	{51, 76, 178, 255},
	{102, 76, 51, 255},
	{102, 127, 51, 255},
	{153, 51, 51, 255},
	{25, 25, 25, 255},
	{250, 238, 77, 255},
	{92, 219, 213, 255},
	{74, 128, 255, 255},
	{0, 217, 58, 255},
	{129, 86, 49, 255},
	{112, 2, 0, 255},
}

var shades = [4]uint32{180, 220, 255, 135}

// RGBA resolves an index to the colour the host would draw. Base 0 and
// unknown bases are transparent.
func RGBA(index byte) color.RGBA {
	base := int(index) / 4
	if base == 0 || base >= len(baseColors) {
		return color.RGBA{}
	}
	c := baseColors[base]
	m := shades[index%4]
	return color.RGBA{
		R: uint8(uint32(c.R) * m / 255),
		G: uint8(uint32(c.G) * m / 255),
		B: uint8(uint32(c.B) * m / 255),
		A: 255,
	}
}
