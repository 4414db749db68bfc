package issue

import (
	"fmt"
	"strconv"
	"strings"

	"explorermaps.dev/internal/poi"
)

// Labels renders the item display name and lore. WorldNames and TypeNames
// translate raw names; missing translations fall back to the raw world name
// and the formatted type. TypeNames keys are upper-case.
type Labels struct {
	DisplayName string
	Lore        []string
	WorldNames  map[string]string
	TypeNames   map[string]string
}

func (l Labels) Render(p poi.POI, level ScaleLevel) (string, []string) {
	r := l.replacer(p, level)
	lore := make([]string, 0, len(l.Lore))
	for _, line := range l.Lore {
		lore = append(lore, r.Replace(line))
	}
	return r.Replace(l.DisplayName), lore
}

func (l Labels) replacer(p poi.POI, level ScaleLevel) *strings.Replacer {
	world := p.World
	if t := l.WorldNames[p.World]; t != "" {
		world = t
	}
	typ := FormatType(p.Type)
	if t := l.TypeNames[strings.ToUpper(p.Type)]; t != "" {
		typ = t
	}
	return strings.NewReplacer(
		"%world%", world,
		"%world_raw%", p.World,
		"%type%", typ,
		"%type_raw%", p.Type,
		"%type_formatted%", FormatType(p.Type),
		"%scale%", level.String(),
		"%schematic%", p.Schematic,
		"%x%", strconv.Itoa(int(p.X)),
		"%y%", strconv.Itoa(int(p.Y)),
		"%z%", strconv.Itoa(int(p.Z)),
		"%coords%", fmt.Sprintf("%d, %d, %d", p.X, p.Y, p.Z),
	)
}

// FormatType turns ANCIENT_CITY into "Ancient City".
func FormatType(t string) string {
	if t == "" {
		return "Unknown"
	}
	parts := strings.Split(strings.ToLower(t), "_")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p == "" {
			continue
		}
		out = append(out, strings.ToUpper(p[:1])+p[1:])
	}
	return strings.Join(out, " ")
}
