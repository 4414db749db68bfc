// Package config loads the service configuration from YAML.
package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"explorermaps.dev/internal/render/raster"
)

type Config struct {
	DataDir string `yaml:"data-dir" validate:"required"`
	POIDir  string `yaml:"poi-dir" validate:"required"`
	Debug   bool   `yaml:"debug"`

	Cache     CacheConfig     `yaml:"cache"`
	Style     StyleConfig     `yaml:"explorer-map-style"`
	Sampler   SamplerConfig   `yaml:"sampler"`
	World     WorldConfig     `yaml:"world"`
	Inventory InventoryConfig `yaml:"inventory"`
	Map       MapConfig       `yaml:"map"`

	WorldNames     map[string]string `yaml:"world-names"`
	StructureTypes map[string]string `yaml:"structure-types"`

	HTTP  HTTPConfig  `yaml:"http"`
	Admin AdminConfig `yaml:"admin"`
}

type CacheConfig struct {
	Workers           int  `yaml:"workers" validate:"min=1,max=64"`
	QueueCapacity     int  `yaml:"queue-capacity" validate:"min=1,max=65536"`
	RefreshAfterIssue bool `yaml:"refresh-after-issue"`
	InitializeOnStart bool `yaml:"initialize-on-start"`
	RasterParallelism int  `yaml:"raster-parallelism" validate:"min=0,max=256"`
}

type StyleConfig struct {
	Enabled          bool              `yaml:"enabled"`
	SampleResolution int               `yaml:"sample-resolution"`
	WaterBiomes      WaterBiomesConfig `yaml:"water-biomes"`
}

type WaterBiomesConfig struct {
	Keywords []string `yaml:"keywords"`
	Exact    []string `yaml:"exact"`
}

type SamplerConfig struct {
	MaxProbesPerSecond float64 `yaml:"max-probes-per-second" validate:"min=0"`
}

type WorldConfig struct {
	Seed  int64    `yaml:"seed"`
	Names []string `yaml:"names" validate:"min=1,dive,required,excludesall=/\\"`
}

type InventoryConfig struct {
	Slots  int     `yaml:"slots" validate:"min=1,max=256"`
	SpawnY float64 `yaml:"spawn-y"`
}

type MapConfig struct {
	DisplayName string   `yaml:"display-name" validate:"required"`
	Lore        []string `yaml:"lore"`
}

type HTTPConfig struct {
	Addr            string        `yaml:"addr" validate:"required"`
	IssueRateLimit  int           `yaml:"issue-rate-limit" validate:"min=1"`
	IssueRateWindow time.Duration `yaml:"issue-rate-window" validate:"min=1s"`
	IssueTimeout    time.Duration `yaml:"issue-timeout" validate:"min=1s"`
	TrustedProxies  []string      `yaml:"trusted-proxies" validate:"dive,cidr|ip"`
}

type AdminConfig struct {
	EnableHTTP bool   `yaml:"enable-http"`
	JWTSecret  string `yaml:"jwt-secret"`
}

func Defaults() Config {
	return Config{
		DataDir: "./data",
		POIDir:  "./data/structures",
		Cache: CacheConfig{
			Workers:           2,
			QueueCapacity:     256,
			RefreshAfterIssue: true,
			InitializeOnStart: true,
		},
		Style: StyleConfig{
			Enabled:          true,
			SampleResolution: 4,
		},
		World: WorldConfig{
			Seed:  1337,
			Names: []string{"world", "world_nether", "world_the_end"},
		},
		Inventory: InventoryConfig{Slots: 36, SpawnY: 64},
		Map: MapConfig{
			DisplayName: "%type% Explorer Map",
			Lore:        []string{"World: %world%", "Target: %coords%", "Scale: %scale%"},
		},
		HTTP: HTTPConfig{
			Addr:            ":8080",
			IssueRateLimit:  30,
			IssueRateWindow: time.Minute,
			IssueTimeout:    30 * time.Second,
		},
		Admin: AdminConfig{EnableHTTP: true},
	}
}

// Load reads path over Defaults. An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if strings.TrimSpace(path) == "" {
		cfg.Normalize()
		return cfg, cfg.Validate()
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("%s: %w", path, err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Normalize clamps the sample resolution, lowercases water overrides and
// de-duplicates world names.
func (c *Config) Normalize() {
	c.DataDir = strings.TrimSpace(c.DataDir)
	c.POIDir = strings.TrimSpace(c.POIDir)
	c.Style.SampleResolution = raster.ClampResolution(c.Style.SampleResolution)
	c.Style.WaterBiomes.Keywords = lowerAll(c.Style.WaterBiomes.Keywords)
	c.Style.WaterBiomes.Exact = lowerAll(c.Style.WaterBiomes.Exact)

	seen := map[string]struct{}{}
	names := c.World.Names[:0]
	for _, n := range c.World.Names {
		n = strings.TrimSpace(n)
		if _, dup := seen[n]; dup || n == "" {
			continue
		}
		seen[n] = struct{}{}
		names = append(names, n)
	}
	sort.Strings(names)
	c.World.Names = names

	if len(c.StructureTypes) > 0 {
		up := make(map[string]string, len(c.StructureTypes))
		for k, v := range c.StructureTypes {
			up[strings.ToUpper(strings.TrimSpace(k))] = v
		}
		c.StructureTypes = up
	}
}

var validate = validator.New()

func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("invalid %s: failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value())
		}
		return err
	}
	return nil
}

func lowerAll(in []string) []string {
	var out []string
	for _, s := range in {
		s = strings.ToLower(strings.TrimSpace(s))
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
