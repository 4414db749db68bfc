// Package mapfile persists map views in the host's map_<id>.dat layout:
// gzipped NBT under <dir>/data, with the next id kept in idcounts.dat.
package mapfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/Tnze/go-mc/nbt"
	"github.com/klauspost/compress/gzip"

	"explorermaps.dev/internal/issue"
	"explorermaps.dev/internal/render/raster"
)

const DataVersion = 3465

type markerTag struct {
	Type      int8 `nbt:"type"`
	X         int8 `nbt:"x"`
	Z         int8 `nbt:"z"`
	Direction int8 `nbt:"rot"`
	Visible   int8 `nbt:"visible"`
}

type dataTag struct {
	Scale             int8        `nbt:"scale"`
	Dimension         string      `nbt:"dimension"`
	XCenter           int32       `nbt:"xCenter"`
	ZCenter           int32       `nbt:"zCenter"`
	TrackingPosition  int8        `nbt:"trackingPosition"`
	UnlimitedTracking int8        `nbt:"unlimitedTracking"`
	Locked            int8        `nbt:"locked"`
	Colors            []byte      `nbt:"colors"`
	Markers           []markerTag `nbt:"markers"`
}

type mapFile struct {
	DataVersion int32   `nbt:"DataVersion"`
	Data        dataTag `nbt:"data"`
}

type idCounts struct {
	DataVersion int32 `nbt:"DataVersion"`
	Data        struct {
		Map int32 `nbt:"map"`
	} `nbt:"data"`
}

// Store implements issue.BackingStore. Dimension maps a world name to the
// dimension id written into each file; nil writes the world name.
type Store struct {
	dir       string
	Dimension func(world string) string

	mu   sync.Mutex
	next int32
}

func Open(dir string) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("empty map dir")
	}
	if err := os.MkdirAll(filepath.Join(dir, "data"), 0o755); err != nil {
		return nil, err
	}
	s := &Store{dir: dir}
	var ids idCounts
	err := readNBT(s.idcountsPath(), &ids)
	switch {
	case err == nil:
		s.next = ids.Data.Map + 1
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("mapfile: read idcounts: %w", err)
	}
	return s, nil
}

func (s *Store) Path(id int32) string {
	return filepath.Join(s.dir, "data", fmt.Sprintf("map_%d.dat", id))
}

func (s *Store) idcountsPath() string { return filepath.Join(s.dir, "data", "idcounts.dat") }

// NewView allocates the next map id and persists the counter before returning.
func (s *Store) NewView(world string) (*issue.View, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.next
	var ids idCounts
	ids.DataVersion = DataVersion
	ids.Data.Map = id
	if err := writeNBT(s.idcountsPath(), &ids); err != nil {
		return nil, fmt.Errorf("mapfile: write idcounts: %w", err)
	}
	s.next++
	return &issue.View{ID: id, World: world, Scale: issue.Normal}, nil
}

func (s *Store) SetColorBuffer(v *issue.View, buf []byte) error {
	if len(buf) != raster.Pixels {
		return fmt.Errorf("mapfile: color buffer has %d bytes, want %d", len(buf), raster.Pixels)
	}
	v.Colors = append(v.Colors[:0], buf...)
	return nil
}

func (s *Store) Save(v *issue.View) error {
	dim := v.World
	if s.Dimension != nil {
		dim = s.Dimension(v.World)
	}
	f := mapFile{
		DataVersion: DataVersion,
		Data: dataTag{
			Scale:             int8(v.Scale),
			Dimension:         dim,
			XCenter:           v.CenterX,
			ZCenter:           v.CenterZ,
			TrackingPosition:  boolByte(v.TrackingPosition),
			UnlimitedTracking: boolByte(v.UnlimitedTracking),
			Locked:            1,
			Colors:            v.Colors,
			Markers:           make([]markerTag, 0, len(v.Cursors)),
		},
	}
	if f.Data.Colors == nil {
		f.Data.Colors = make([]byte, raster.Pixels)
	}
	for _, c := range v.Cursors {
		f.Data.Markers = append(f.Data.Markers, markerTag{
			Type: int8(c.Type), X: c.X, Z: c.Z, Direction: int8(c.Direction), Visible: boolByte(c.Visible),
		})
	}
	return writeNBT(s.Path(v.ID), &f)
}

// Load reads a saved view back. World is the stored dimension id.
func (s *Store) Load(id int32) (*issue.View, error) {
	var f mapFile
	if err := readNBT(s.Path(id), &f); err != nil {
		return nil, err
	}
	v := &issue.View{
		ID:                id,
		World:             f.Data.Dimension,
		CenterX:           f.Data.XCenter,
		CenterZ:           f.Data.ZCenter,
		Scale:             issue.ScaleLevel(f.Data.Scale),
		TrackingPosition:  f.Data.TrackingPosition != 0,
		UnlimitedTracking: f.Data.UnlimitedTracking != 0,
		Colors:            f.Data.Colors,
	}
	for _, m := range f.Data.Markers {
		v.Cursors = append(v.Cursors, issue.Cursor{
			Type: issue.CursorType(m.Type), X: m.X, Z: m.Z, Direction: uint8(m.Direction), Visible: m.Visible != 0,
		})
	}
	return v, nil
}

func boolByte(b bool) int8 {
	if b {
		return 1
	}
	return 0
}

func writeNBT(path string, v any) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*.dat~")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	zw := gzip.NewWriter(tmp)
	if err := nbt.NewEncoder(zw).Encode(v, ""); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := zw.Close(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

func readNBT(path string, v any) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	zr, err := gzip.NewReader(f)
	if err != nil {
		return err
	}
	defer zr.Close()
	_, err = nbt.NewDecoder(zr).Decode(v)
	return err
}
