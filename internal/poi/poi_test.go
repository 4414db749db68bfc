package poi

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

const sampleFile = `structures:
  a:
    x: 10
    y: 64
    z: -20
    schematic: tower
    type: RUINS
  b:
    x: 30
    y: 70
    z: 40
    type: ruins
    cleared: true
  c:
    x: -5
    y: 60
    z: 5
`

func writeWorld(t *testing.T, dir, world, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, world+".yml"), []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestDirSource_LoadDefaults(t *testing.T) {
	dir := t.TempDir()
	writeWorld(t, dir, "world", sampleFile)
	list, err := DirSource{Dir: dir}.Load("world")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("len=%d want 3", len(list))
	}
	c := list[2]
	want := POI{World: "world", X: -5, Y: 60, Z: 5, Schematic: DefaultSchematic, Type: DefaultType}
	if c != want {
		t.Fatalf("got %+v want %+v", c, want)
	}
}

func TestDirSource_MissingAndBad(t *testing.T) {
	dir := t.TempDir()
	src := DirSource{Dir: dir}
	list, err := src.Load("nether")
	if err != nil || len(list) != 0 {
		t.Fatalf("missing file: list=%v err=%v", list, err)
	}
	writeWorld(t, dir, "broken", "structures: [::")
	if _, err := src.Load("broken"); err == nil {
		t.Fatalf("expected parse error")
	}
	if _, err := src.Load("../etc"); !errors.Is(err, ErrUnknownWorld) {
		t.Fatalf("expected ErrUnknownWorld, got %v", err)
	}
	ws, err := src.Worlds()
	if err != nil || !reflect.DeepEqual(ws, []string{"broken"}) {
		t.Fatalf("worlds=%v err=%v", ws, err)
	}
}

func TestIndex_TypesAndFilters(t *testing.T) {
	dir := t.TempDir()
	writeWorld(t, dir, "world", sampleFile)
	ix := NewIndex(DirSource{Dir: dir})

	types, err := ix.Types("world")
	if err != nil {
		t.Fatalf("types: %v", err)
	}
	if !reflect.DeepEqual(types, []string{"RUINS", "UNDEFINED", "ruins"}) {
		t.Fatalf("types=%v", types)
	}

	for i := 0; i < 20; i++ {
		p, ok, err := ix.RandomByType("world", "Ruins", true)
		if err != nil || !ok {
			t.Fatalf("ok=%v err=%v", ok, err)
		}
		if p.Cleared || p.X != 10 {
			t.Fatalf("picked %+v, cleared POIs must be excluded", p)
		}
	}
	if _, ok, _ := ix.RandomByType("world", "VILLAGE", false); ok {
		t.Fatalf("unexpected match for missing type")
	}
	if _, ok, _ := ix.Random("nether", false); ok {
		t.Fatalf("unexpected POI in empty world")
	}
}

func TestIndex_UniformDraw(t *testing.T) {
	src := NewMemorySource()
	src.Add(
		POI{World: "w", X: 1, Type: "T"},
		POI{World: "w", X: 2, Type: "T"},
		POI{World: "w", X: 3, Type: "T"},
	)
	var draws []int
	ix := NewIndex(src).WithRand(func(n int) int {
		draws = append(draws, n)
		return n - 1
	})
	p, ok, err := ix.Random("w", false)
	if err != nil || !ok || p.X != 3 {
		t.Fatalf("got %+v ok=%v err=%v", p, ok, err)
	}
	if !reflect.DeepEqual(draws, []int{3}) {
		t.Fatalf("draws=%v", draws)
	}
}
