package ledger

import (
	"context"
	"database/sql"
	"time"
)

// Reader queries a ledger file. It can be opened while a Ledger is writing.
type Reader struct {
	db *sql.DB
}

type MapRow struct {
	World     string
	Type      string
	JobID     string
	X, Y, Z   int32
	Schematic string
	CenterX   int32
	CenterZ   int32
	UpdatedAt time.Time
}

type EventRow struct {
	Seq   int64
	At    time.Time
	Kind  string
	JobID string
	World string
	Type  string
	Err   string
}

func OpenReader(path string) (*Reader, error) {
	db, err := openDB(path)
	if err != nil {
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Reader{db: db}, nil
}

func (r *Reader) Close() error { return r.db.Close() }

func (r *Reader) Maps(ctx context.Context) ([]MapRow, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT world,type,job_id,poi_x,poi_y,poi_z,schematic,center_x,center_z,updated_at FROM maps ORDER BY world,type`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []MapRow
	for rows.Next() {
		var m MapRow
		var at string
		if err := rows.Scan(&m.World, &m.Type, &m.JobID, &m.X, &m.Y, &m.Z, &m.Schematic, &m.CenterX, &m.CenterZ, &at); err != nil {
			return nil, err
		}
		m.UpdatedAt, _ = time.Parse(time.RFC3339Nano, at)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (r *Reader) Issuances(ctx context.Context, limit int) ([]Issuance, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `SELECT artifact_id,map_id,recipient,world,type,x,y,z,center_x,center_z,scale,cached,dropped,at FROM issuances ORDER BY at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Issuance
	for rows.Next() {
		var is Issuance
		var cached, dropped int
		var at string
		if err := rows.Scan(&is.ArtifactID, &is.MapID, &is.Recipient, &is.World, &is.Type, &is.X, &is.Y, &is.Z,
			&is.CenterX, &is.CenterZ, &is.Scale, &cached, &dropped, &at); err != nil {
			return nil, err
		}
		is.Cached = cached != 0
		is.Dropped = dropped != 0
		is.At, _ = time.Parse(time.RFC3339Nano, at)
		out = append(out, is)
	}
	return out, rows.Err()
}

func (r *Reader) Events(ctx context.Context, limit int) ([]EventRow, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `SELECT seq,at,kind,job_id,world,type,COALESCE(err,'') FROM events ORDER BY seq DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []EventRow
	for rows.Next() {
		var e EventRow
		var at string
		if err := rows.Scan(&e.Seq, &at, &e.Kind, &e.JobID, &e.World, &e.Type, &e.Err); err != nil {
			return nil, err
		}
		e.At, _ = time.Parse(time.RFC3339Nano, at)
		out = append(out, e)
	}
	return out, rows.Err()
}
