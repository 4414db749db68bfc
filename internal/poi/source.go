package poi

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// DirSource reads <Dir>/<world>.yml files of the form
//
//	structures:
//	  <id>: {x: 1, y: 64, z: -3, schematic: tower, type: RUINS, cleared: false}
type DirSource struct {
	Dir string
}

type fileDoc struct {
	Structures map[string]fileRecord `yaml:"structures"`
}

type fileRecord struct {
	X         int32   `yaml:"x"`
	Y         int32   `yaml:"y"`
	Z         int32   `yaml:"z"`
	Schematic *string `yaml:"schematic"`
	Type      *string `yaml:"type"`
	Cleared   bool    `yaml:"cleared"`
}

func (d DirSource) Worlds() ([]string, error) {
	ents, err := os.ReadDir(d.Dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("poi: list %s: %w", d.Dir, err)
	}
	var out []string
	for _, e := range ents {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".yml") {
			continue
		}
		out = append(out, strings.TrimSuffix(e.Name(), ".yml"))
	}
	return out, nil
}

func (d DirSource) Load(world string) ([]POI, error) {
	if !validWorldName(world) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownWorld, world)
	}
	b, err := os.ReadFile(filepath.Join(d.Dir, world+".yml"))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("poi: read %s: %w", world, err)
	}
	var doc fileDoc
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("poi: parse %s: %w", world, err)
	}

	ids := make([]string, 0, len(doc.Structures))
	for id := range doc.Structures {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]POI, 0, len(ids))
	for _, id := range ids {
		r := doc.Structures[id]
		p := POI{World: world, X: r.X, Y: r.Y, Z: r.Z, Schematic: DefaultSchematic, Type: DefaultType, Cleared: r.Cleared}
		if r.Schematic != nil {
			p.Schematic = *r.Schematic
		}
		if r.Type != nil {
			p.Type = *r.Type
		}
		out = append(out, p)
	}
	return out, nil
}

func validWorldName(w string) bool {
	if w == "" || w == "." || w == ".." {
		return false
	}
	return !strings.ContainsAny(w, `/\`)
}

// MemorySource is an in-process Source, used by tests and embedders.
type MemorySource struct {
	mu   sync.RWMutex
	pois map[string][]POI
}

func NewMemorySource() *MemorySource {
	return &MemorySource{pois: map[string][]POI{}}
}

func (m *MemorySource) Add(ps ...POI) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range ps {
		m.pois[p.World] = append(m.pois[p.World], p)
	}
}

func (m *MemorySource) Worlds() ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.pois))
	for w := range m.pois {
		out = append(out, w)
	}
	return out, nil
}

func (m *MemorySource) Load(world string) ([]POI, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]POI(nil), m.pois[world]...), nil
}
