// Package record stores cached explorer maps as one YAML file per
// (world, type) under the cache directory.
package record

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"explorermaps.dev/internal/poi"
	"explorermaps.dev/internal/render/raster"
)

const ext = ".yml"

// Entry is one rendered map together with its target.
type Entry struct {
	POI     poi.POI
	CenterX int32
	CenterZ int32
	Terrain []byte
}

// CanonicalType folds a structure type to the form used in cache keys.
func CanonicalType(typ string) string { return strings.ToUpper(typ) }

// Stem is the file stem for a (world, type) pair.
func Stem(world, typ string) string { return world + "_" + CanonicalType(typ) }

type doc struct {
	WorldName     string `yaml:"worldName"`
	StructureType string `yaml:"structureType"`
	SchematicName string `yaml:"schematicName"`
	X             int32  `yaml:"x"`
	Y             int32  `yaml:"y"`
	Z             int32  `yaml:"z"`
	Cleared       bool   `yaml:"cleared"`
	CenterX       int32  `yaml:"centerX"`
	CenterZ       int32  `yaml:"centerZ"`
	TerrainData   string `yaml:"terrainData"`
}

type Store struct {
	dir    string
	logger *log.Logger
}

// New returns a store rooted at dir. A nil logger discards warnings.
func New(dir string, logger *log.Logger) *Store {
	return &Store{dir: dir, logger: logger}
}

func (s *Store) Dir() string { return s.dir }

func (s *Store) Path(world, typ string) string {
	return filepath.Join(s.dir, Stem(world, typ)+ext)
}

// Save writes the record atomically: temp file, fsync, rename.
func (s *Store) Save(e *Entry) error {
	if e == nil {
		return errors.New("record: nil entry")
	}
	b, err := Marshal(e)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("record: mkdir: %w", err)
	}
	path := s.Path(e.POI.World, e.POI.Type)
	tmp, err := os.CreateTemp(s.dir, ".tmp-*"+ext+"~")
	if err != nil {
		return fmt.Errorf("record: temp: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("record: write: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("record: sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("record: close: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("record: rename: %w", err)
	}
	return nil
}

// LoadAll reads every record in the directory, skipping invalid ones with a
// warning. A missing directory yields no records.
func (s *Store) LoadAll() ([]*Entry, error) {
	ents, err := os.ReadDir(s.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("record: list %s: %w", s.dir, err)
	}
	names := make([]string, 0, len(ents))
	for _, de := range ents {
		if de.IsDir() || !strings.HasSuffix(de.Name(), ext) {
			continue
		}
		names = append(names, de.Name())
	}
	sort.Strings(names)

	var out []*Entry
	for _, name := range names {
		b, err := os.ReadFile(filepath.Join(s.dir, name))
		if err != nil {
			s.warnf("warn: skip record file=%s err=%v", name, err)
			continue
		}
		e, err := Unmarshal(b)
		if err != nil {
			s.warnf("warn: skip record file=%s err=%v", name, err)
			continue
		}
		FillDefaults(e)
		out = append(out, e)
	}
	return out, nil
}

// FillDefaults applies the placeholders a POI directory uses for a missing
// type or schematic, so hand-edited records key the same way.
func FillDefaults(e *Entry) {
	if e.POI.Type == "" {
		e.POI.Type = poi.DefaultType
	}
	if e.POI.Schematic == "" {
		e.POI.Schematic = poi.DefaultSchematic
	}
}

func (s *Store) warnf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Printf(format, args...)
	}
}

// Marshal encodes an entry as a YAML record.
func Marshal(e *Entry) ([]byte, error) {
	d := doc{
		WorldName:     e.POI.World,
		StructureType: e.POI.Type,
		SchematicName: e.POI.Schematic,
		X:             e.POI.X,
		Y:             e.POI.Y,
		Z:             e.POI.Z,
		Cleared:       e.POI.Cleared,
		CenterX:       e.CenterX,
		CenterZ:       e.CenterZ,
		TerrainData:   base64.StdEncoding.EncodeToString(e.Terrain),
	}
	b, err := yaml.Marshal(&d)
	if err != nil {
		return nil, fmt.Errorf("record: marshal: %w", err)
	}
	return b, nil
}

// Unmarshal decodes and validates a YAML record. Fields are returned as
// written; Marshal(Unmarshal(b)) keeps empty structureType and schematicName.
// LoadAll fills them with FillDefaults.
func Unmarshal(b []byte) (*Entry, error) {
	var d doc
	if err := yaml.Unmarshal(b, &d); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	if d.WorldName == "" {
		return nil, errors.New("missing worldName")
	}
	if d.TerrainData == "" {
		return nil, errors.New("missing terrainData")
	}
	terrain, err := base64.StdEncoding.DecodeString(d.TerrainData)
	if err != nil {
		return nil, fmt.Errorf("terrainData: %w", err)
	}
	if len(terrain) != raster.Pixels {
		return nil, fmt.Errorf("terrainData: %d bytes, want %d", len(terrain), raster.Pixels)
	}
	return &Entry{
		POI: poi.POI{
			World:     d.WorldName,
			X:         d.X,
			Y:         d.Y,
			Z:         d.Z,
			Schematic: d.SchematicName,
			Type:      d.StructureType,
			Cleared:   d.Cleared,
		},
		CenterX: d.CenterX,
		CenterZ: d.CenterZ,
		Terrain: terrain,
	}, nil
}
