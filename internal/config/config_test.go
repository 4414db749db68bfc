package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "explorermaps.yaml")
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return p
}

func TestLoad_DefaultsWhenEmpty(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Style.SampleResolution != 4 || !cfg.Style.Enabled || cfg.Cache.Workers != 2 || !cfg.Cache.RefreshAfterIssue {
		t.Fatalf("defaults=%+v", cfg)
	}
	if got := strings.Join(cfg.World.Names, ","); got != "world,world_nether,world_the_end" {
		t.Fatalf("names=%s", got)
	}
}

func TestLoad_OverridesAndNormalizes(t *testing.T) {
	p := writeConfig(t, `
data-dir: /srv/maps
poi-dir: /srv/maps/structures
cache:
  workers: 4
  queue-capacity: 32
  refresh-after-issue: false
explorer-map-style:
  sample-resolution: 40
  water-biomes:
    keywords: [" Ocean ", "LAKE", ""]
    exact: ["Mangrove_Swamp"]
world:
  seed: 99
  names: [b, a, b, " "]
structure-types:
  ancient_city: "Ancient City"
http:
  addr: 127.0.0.1:9000
`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DataDir != "/srv/maps" || cfg.Cache.Workers != 4 || cfg.Cache.QueueCapacity != 32 || cfg.Cache.RefreshAfterIssue {
		t.Fatalf("cfg=%+v", cfg)
	}
	if cfg.Style.SampleResolution != 16 {
		t.Fatalf("resolution=%d want clamp to 16", cfg.Style.SampleResolution)
	}
	if got := strings.Join(cfg.Style.WaterBiomes.Keywords, ","); got != "ocean,lake" {
		t.Fatalf("keywords=%q", got)
	}
	if cfg.Style.WaterBiomes.Exact[0] != "mangrove_swamp" {
		t.Fatalf("exact=%v", cfg.Style.WaterBiomes.Exact)
	}
	if got := strings.Join(cfg.World.Names, ","); got != "a,b" {
		t.Fatalf("names=%q", got)
	}
	if cfg.StructureTypes["ANCIENT_CITY"] != "Ancient City" {
		t.Fatalf("structure types=%v", cfg.StructureTypes)
	}
	// Untouched sections keep defaults.
	if cfg.HTTP.IssueRateLimit != 30 || cfg.Inventory.Slots != 36 {
		t.Fatalf("defaults lost: %+v", cfg)
	}
}

func TestLoad_ClampsLowResolution(t *testing.T) {
	cfg, err := Load(writeConfig(t, "explorer-map-style:\n  sample-resolution: 0\n"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Style.SampleResolution != 1 {
		t.Fatalf("resolution=%d want 1", cfg.Style.SampleResolution)
	}
}

func TestLoad_Invalid(t *testing.T) {
	cases := map[string]string{
		"zero workers":   "cache:\n  workers: 0\n",
		"no worlds":      "world:\n  names: []\n",
		"slash in world": "world:\n  names: [\"a/b\"]\n",
		"bad window":     "http:\n  issue-rate-window: 10ms\n",
		"bad proxy":      "http:\n  trusted-proxies: [\"10.0.0.0/8\", \"proxy.local\"]\n",
		"bad yaml":       "cache: [\n",
	}
	for name, body := range cases {
		if _, err := Load(writeConfig(t, body)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); !os.IsNotExist(err) {
		t.Fatalf("missing file err=%v", err)
	}
}
