// Package biome maps host biome identifiers onto the handful of categories
// an explorer map can draw.
package biome

import "strings"

type Category uint8

const (
	Water Category = iota
	Forest
	Plains
	Snowy
	Other
)

// NumCategories is the number of distinct categories (useful for counters).
const NumCategories = int(Other) + 1

func (c Category) String() string {
	switch c {
	case Water:
		return "WATER"
	case Forest:
		return "FOREST"
	case Plains:
		return "PLAINS"
	case Snowy:
		return "SNOWY"
	default:
		return "OTHER"
	}
}

var (
	defaultWater  = []string{"ocean", "river", "swamp", "beach"}
	defaultSnowy  = []string{"snowy", "frozen", "ice", "cold"}
	defaultForest = []string{"forest", "taiga", "jungle", "grove", "cherry"}
	defaultPlains = []string{"plains", "savanna", "desert", "badlands", "meadow"}
)

// Rules overrides the water group. Empty fields keep the defaults.
type Rules struct {
	WaterKeywords []string
	WaterExact    []string
}

// Classifier is immutable after construction and safe for concurrent use.
type Classifier struct {
	water      []string
	waterExact map[string]struct{}
}

var defaultClassifier = NewClassifier(Rules{})

// Default returns the classifier built from the compiled-in keyword groups.
func Default() *Classifier { return defaultClassifier }

func NewClassifier(r Rules) *Classifier {
	c := &Classifier{water: defaultWater}
	if kw := normalize(r.WaterKeywords); len(kw) > 0 {
		c.water = kw
	}
	if ex := normalize(r.WaterExact); len(ex) > 0 {
		c.waterExact = make(map[string]struct{}, len(ex)*2)
		for _, id := range ex {
			c.waterExact[id] = struct{}{}
			if !strings.Contains(id, ":") {
				c.waterExact["minecraft:"+id] = struct{}{}
			}
		}
	}
	return c
}

// Classify uses the default rules.
func Classify(id string) Category { return defaultClassifier.Classify(id) }

// Classify returns the first matching group: water, snowy, forest, plains.
// Snowy is tested before forest so snowy_taiga stays snowy.
func (c *Classifier) Classify(id string) Category {
	name := strings.ToLower(id)
	if c.waterExact != nil {
		if _, ok := c.waterExact[name]; ok {
			return Water
		}
	}
	switch {
	case containsAny(name, c.water):
		return Water
	case containsAny(name, defaultSnowy):
		return Snowy
	case containsAny(name, defaultForest):
		return Forest
	case containsAny(name, defaultPlains):
		return Plains
	}
	return Other
}

func containsAny(s string, keywords []string) bool {
	for _, k := range keywords {
		if strings.Contains(s, k) {
			return true
		}
	}
	return false
}

func normalize(in []string) []string {
	var out []string
	for _, s := range in {
		s = strings.ToLower(strings.TrimSpace(s))
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
