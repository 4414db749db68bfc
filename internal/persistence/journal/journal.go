// Package journal appends cache and issuance records to hourly zstd-compressed
// JSONL files.
package journal

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"explorermaps.dev/internal/mapcache"
)

type JSONLZstdWriter struct {
	baseDir string
	prefix  string
	now     func() time.Time

	mu      sync.Mutex
	curHour string
	f       *os.File
	enc     *zstd.Encoder
	w       *bufio.Writer
}

func NewJSONLZstdWriter(baseDir, prefix string) *JSONLZstdWriter {
	return &JSONLZstdWriter{baseDir: baseDir, prefix: prefix, now: time.Now}
}

func (w *JSONLZstdWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeLocked()
}

// Write appends one JSON line. Lines reach the file when the zstd frame is
// flushed, which happens on every write.
func (w *JSONLZstdWriter) Write(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	hour := w.now().UTC().Format("2006-01-02-15")
	if hour != w.curHour {
		if err := w.rotateLocked(hour); err != nil {
			return err
		}
	}

	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := w.w.Write(b); err != nil {
		return err
	}
	if err := w.w.WriteByte('\n'); err != nil {
		return err
	}
	if err := w.w.Flush(); err != nil {
		return err
	}
	return w.enc.Flush()
}

func (w *JSONLZstdWriter) rotateLocked(hour string) error {
	if err := w.closeLocked(); err != nil {
		return err
	}
	path := w.PathForHour(hour)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return err
	}
	w.f = f
	w.enc = enc
	w.w = bufio.NewWriterSize(enc, 64*1024)
	w.curHour = hour
	return nil
}

func (w *JSONLZstdWriter) closeLocked() error {
	var err1 error
	if w.w != nil {
		_ = w.w.Flush()
	}
	if w.enc != nil {
		err1 = w.enc.Close()
		w.enc = nil
	}
	if w.f != nil {
		_ = w.f.Close()
		w.f = nil
	}
	w.w = nil
	w.curHour = ""
	return err1
}

func (w *JSONLZstdWriter) PathForHour(hour string) string {
	return filepath.Join(w.baseDir, fmt.Sprintf("%s-%s.jsonl.zst", w.prefix, hour))
}

// ListFiles returns the journal files for prefix under dataDir, oldest hour
// first.
func ListFiles(dataDir, prefix string) ([]string, error) {
	dir := filepath.Join(dataDir, "journal")
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range ents {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, prefix+"-") || !strings.HasSuffix(name, ".jsonl.zst") {
			continue
		}
		out = append(out, filepath.Join(dir, name))
	}
	sort.Strings(out)
	return out, nil
}

// ReadAll decodes every JSON line of a journal file. Appended sessions are
// separate zstd frames; the decoder reads them back to back.
func ReadAll(path string) ([]json.RawMessage, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer dec.Close()

	var out []json.RawMessage
	sc := bufio.NewScanner(dec)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := append([]byte(nil), sc.Bytes()...)
		if len(line) == 0 {
			continue
		}
		out = append(out, line)
	}
	if err := sc.Err(); err != nil && err != io.ErrUnexpectedEOF {
		return out, err
	}
	return out, nil
}

// CacheEntry is the journal form of a mapcache.Event.
type CacheEntry struct {
	At         string `json:"at"`
	Kind       string `json:"kind"`
	JobID      string `json:"job_id,omitempty"`
	World      string `json:"world"`
	Type       string `json:"type"`
	POIX       int32  `json:"poi_x,omitempty"`
	POIY       int32  `json:"poi_y,omitempty"`
	POIZ       int32  `json:"poi_z,omitempty"`
	Schematic  string `json:"schematic,omitempty"`
	CenterX    int32  `json:"center_x,omitempty"`
	CenterZ    int32  `json:"center_z,omitempty"`
	Probes     int    `json:"probes,omitempty"`
	DurationMS int64  `json:"duration_ms,omitempty"`
	Err        string `json:"err,omitempty"`
}

// Event converts a journal line back into the coordinator event it was
// written from. The poi type is taken from the key.
func (e CacheEntry) Event() (mapcache.Event, error) {
	at, err := time.Parse(time.RFC3339Nano, e.At)
	if err != nil {
		return mapcache.Event{}, fmt.Errorf("journal: bad time %q: %w", e.At, err)
	}
	key := mapcache.NewKey(e.World, e.Type)
	ev := mapcache.Event{
		Kind:     e.Kind,
		JobID:    e.JobID,
		Key:      key,
		CenterX:  e.CenterX,
		CenterZ:  e.CenterZ,
		Probes:   e.Probes,
		Duration: time.Duration(e.DurationMS) * time.Millisecond,
		Err:      e.Err,
		At:       at,
	}
	if e.POIX != 0 || e.POIY != 0 || e.POIZ != 0 || e.Schematic != "" {
		ev.POI.World, ev.POI.Type, ev.POI.Schematic = key.World, key.Type, e.Schematic
		ev.POI.X, ev.POI.Y, ev.POI.Z = e.POIX, e.POIY, e.POIZ
	}
	return ev, nil
}

// IssueEntry records one handed-out map.
type IssueEntry struct {
	At         string `json:"at"`
	ArtifactID string `json:"artifact_id"`
	MapID      int32  `json:"map_id"`
	Recipient  string `json:"recipient"`
	World      string `json:"world"`
	Type       string `json:"type"`
	X          int32  `json:"x"`
	Y          int32  `json:"y"`
	Z          int32  `json:"z"`
	Scale      int    `json:"scale"`
	Cached     bool   `json:"cached"`
	Dropped    bool   `json:"dropped"`
}

// CacheJournal writes cache events under <dir>/cache. CacheEvent only queues
// the line; a background goroutine does the file I/O.
type CacheJournal struct {
	w *JSONLZstdWriter
	a *asyncWriter
}

// NewCacheJournal opens the cache journal. onFail runs on the writer
// goroutine for every failed write.
func NewCacheJournal(dataDir string, onFail func(error)) *CacheJournal {
	w := NewJSONLZstdWriter(filepath.Join(dataDir, "journal"), "cache")
	return &CacheJournal{w: w, a: newAsyncWriter(w, 0, onFail)}
}

func (j *CacheJournal) CacheEvent(ev mapcache.Event) {
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	j.a.send(CacheEntry{
		At:         at.UTC().Format(time.RFC3339Nano),
		Kind:       ev.Kind,
		JobID:      ev.JobID,
		World:      ev.Key.World,
		Type:       ev.Key.Type,
		POIX:       ev.POI.X,
		POIY:       ev.POI.Y,
		POIZ:       ev.POI.Z,
		Schematic:  ev.POI.Schematic,
		CenterX:    ev.CenterX,
		CenterZ:    ev.CenterZ,
		Probes:     ev.Probes,
		DurationMS: ev.Duration.Milliseconds(),
		Err:        ev.Err,
	})
}

func (j *CacheJournal) Stats() Stats { return j.a.stats() }
func (j *CacheJournal) Close() error { return j.a.close() }

// IssueJournal writes issuance records under <dir>/issue, off the caller's
// goroutine.
type IssueJournal struct {
	w *JSONLZstdWriter
	a *asyncWriter
}

func NewIssueJournal(dataDir string, onFail func(error)) *IssueJournal {
	w := NewJSONLZstdWriter(filepath.Join(dataDir, "journal"), "issue")
	return &IssueJournal{w: w, a: newAsyncWriter(w, 0, onFail)}
}

// WriteIssue queues e and returns without waiting for the file. It fails
// only when the queue is full or the journal is closed.
func (j *IssueJournal) WriteIssue(e IssueEntry) error {
	if e.At == "" {
		e.At = time.Now().UTC().Format(time.RFC3339Nano)
	}
	if !j.a.send(e) {
		return errDropped
	}
	return nil
}

func (j *IssueJournal) Stats() Stats { return j.a.stats() }
func (j *IssueJournal) Close() error { return j.a.close() }

var errDropped = errors.New("journal: queue full or closed")
