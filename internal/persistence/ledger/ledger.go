// Package ledger indexes cache lifecycle events and map issuances in SQLite.
// Writes go through a single writer goroutine and are dropped when it falls
// behind; the journal stays the source of truth.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"explorermaps.dev/internal/mapcache"
)

type Issuance struct {
	ArtifactID string
	MapID      int32
	Recipient  string
	World      string
	Type       string
	X, Y, Z    int32
	CenterX    int32
	CenterZ    int32
	Scale      int
	Cached     bool
	Dropped    bool
	At         time.Time
}

type Stats struct {
	QueueDepth     int
	QueueCapacity  int
	DropEventTotal uint64
	DropIssueTotal uint64
	WriteFailTotal uint64
}

type Ledger struct {
	db     *sql.DB
	logger *log.Logger

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool

	dropEventTotal atomic.Uint64
	dropIssueTotal atomic.Uint64
	writeFailTotal atomic.Uint64
}

type reqKind int

const (
	reqEvent reqKind = iota + 1
	reqIssue
)

type req struct {
	kind  reqKind
	event mapcache.Event
	issue Issuance
}

func Open(path string, logger *log.Logger) (*Ledger, error) {
	db, err := openDB(path)
	if err != nil {
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	l := &Ledger{db: db, logger: logger, ch: make(chan req, 65536)}
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.loop()
	}()
	return l, nil
}

func openDB(path string) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS events (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			at TEXT NOT NULL,
			kind TEXT NOT NULL,
			job_id TEXT NOT NULL,
			world TEXT NOT NULL,
			type TEXT NOT NULL,
			poi_x INTEGER NOT NULL,
			poi_y INTEGER NOT NULL,
			poi_z INTEGER NOT NULL,
			center_x INTEGER NOT NULL,
			center_z INTEGER NOT NULL,
			probes INTEGER NOT NULL,
			duration_ms INTEGER NOT NULL,
			err TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_events_key ON events(world, type, seq);`,
		`CREATE TABLE IF NOT EXISTS maps (
			world TEXT NOT NULL,
			type TEXT NOT NULL,
			job_id TEXT NOT NULL,
			poi_x INTEGER NOT NULL,
			poi_y INTEGER NOT NULL,
			poi_z INTEGER NOT NULL,
			schematic TEXT NOT NULL,
			center_x INTEGER NOT NULL,
			center_z INTEGER NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (world, type)
		);`,
		`CREATE TABLE IF NOT EXISTS issuances (
			artifact_id TEXT PRIMARY KEY,
			map_id INTEGER NOT NULL,
			recipient TEXT NOT NULL,
			world TEXT NOT NULL,
			type TEXT NOT NULL,
			x INTEGER NOT NULL,
			y INTEGER NOT NULL,
			z INTEGER NOT NULL,
			center_x INTEGER NOT NULL,
			center_z INTEGER NOT NULL,
			scale INTEGER NOT NULL,
			cached INTEGER NOT NULL,
			dropped INTEGER NOT NULL,
			at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_issuances_recipient ON issuances(recipient, at);`,
		`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','1');`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (l *Ledger) Close() error {
	var err error
	l.once.Do(func() {
		l.closed.Store(true)
		close(l.ch)
		l.wg.Wait()
		err = l.db.Close()
	})
	return err
}

// CacheEvent implements mapcache.EventSink.
func (l *Ledger) CacheEvent(ev mapcache.Event) {
	if l == nil || l.closed.Load() {
		return
	}
	select {
	case l.ch <- req{kind: reqEvent, event: ev}:
	default:
		l.dropEventTotal.Add(1)
	}
}

func (l *Ledger) RecordIssuance(is Issuance) {
	if l == nil || l.closed.Load() {
		return
	}
	select {
	case l.ch <- req{kind: reqIssue, issue: is}:
	default:
		l.dropIssueTotal.Add(1)
	}
}

func (l *Ledger) Stats() Stats {
	if l == nil {
		return Stats{}
	}
	return Stats{
		QueueDepth:     len(l.ch),
		QueueCapacity:  cap(l.ch),
		DropEventTotal: l.dropEventTotal.Load(),
		DropIssueTotal: l.dropIssueTotal.Load(),
		WriteFailTotal: l.writeFailTotal.Load(),
	}
}

func (l *Ledger) loop() {
	ctx := context.Background()

	insertEvent, _ := l.db.Prepare(`INSERT INTO events(at,kind,job_id,world,type,poi_x,poi_y,poi_z,center_x,center_z,probes,duration_ms,err) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?)`)
	upsertMap, _ := l.db.Prepare(`INSERT OR REPLACE INTO maps(world,type,job_id,poi_x,poi_y,poi_z,schematic,center_x,center_z,updated_at) VALUES(?,?,?,?,?,?,?,?,?,?)`)
	insertIssue, _ := l.db.Prepare(`INSERT OR REPLACE INTO issuances(artifact_id,map_id,recipient,world,type,x,y,z,center_x,center_z,scale,cached,dropped,at) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?)`)
	defer func() {
		for _, st := range []*sql.Stmt{insertEvent, upsertMap, insertIssue} {
			if st != nil {
				_ = st.Close()
			}
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 512
		commitMaxWait = time.Second
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := l.db.BeginTx(ctx, nil)
		if err != nil {
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		if err := tx.Commit(); err != nil {
			l.writeFailTotal.Add(1)
			l.printf("warn: commit failed err=%v", err)
		}
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func(err error) {
		l.writeFailTotal.Add(1)
		l.printf("warn: write failed err=%v", err)
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}

	ticker := time.NewTicker(commitMaxWait)
	defer ticker.Stop()
	for {
		select {
		case r, ok := <-l.ch:
			if !ok {
				commit()
				return
			}
			begin()
			if tx == nil {
				continue
			}
			var err error
			switch r.kind {
			case reqEvent:
				err = writeEvent(tx, insertEvent, upsertMap, r.event)
			case reqIssue:
				err = writeIssue(tx, insertIssue, r.issue)
			}
			if err != nil {
				rollback(err)
				continue
			}
			opCount++
			if opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait {
				commit()
			}
		case <-ticker.C:
			commit()
		}
	}
}

func writeEvent(tx *sql.Tx, insertEvent, upsertMap *sql.Stmt, ev mapcache.Event) error {
	if insertEvent == nil {
		return fmt.Errorf("events statement unavailable")
	}
	at := stamp(ev.At)
	if _, err := tx.Stmt(insertEvent).Exec(
		at, ev.Kind, ev.JobID, ev.Key.World, ev.Key.Type,
		ev.POI.X, ev.POI.Y, ev.POI.Z, ev.CenterX, ev.CenterZ,
		ev.Probes, ev.Duration.Milliseconds(), nullable(ev.Err),
	); err != nil {
		return err
	}
	if ev.Kind != mapcache.EventGenerated && ev.Kind != mapcache.EventLoaded {
		return nil
	}
	if upsertMap == nil {
		return fmt.Errorf("maps statement unavailable")
	}
	_, err := tx.Stmt(upsertMap).Exec(
		ev.Key.World, ev.Key.Type, ev.JobID,
		ev.POI.X, ev.POI.Y, ev.POI.Z, ev.POI.Schematic,
		ev.CenterX, ev.CenterZ, at,
	)
	return err
}

func writeIssue(tx *sql.Tx, insertIssue *sql.Stmt, is Issuance) error {
	if insertIssue == nil {
		return fmt.Errorf("issuances statement unavailable")
	}
	_, err := tx.Stmt(insertIssue).Exec(
		is.ArtifactID, is.MapID, is.Recipient, is.World, is.Type,
		is.X, is.Y, is.Z, is.CenterX, is.CenterZ, is.Scale,
		boolInt(is.Cached), boolInt(is.Dropped), stamp(is.At),
	)
	return err
}

func stamp(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (l *Ledger) printf(format string, args ...any) {
	if l.logger != nil {
		l.logger.Printf(format, args...)
	}
}
