// Package inventory stores recipients, their item slots and items dropped
// on the ground when a recipient's slots are full.
package inventory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"explorermaps.dev/internal/issue"
)

const DefaultSlots = 36

type Position struct {
	World   string
	X, Y, Z float64
}

type Item struct {
	Slot        int
	ArtifactID  string
	MapID       int32
	DisplayName string
	Lore        []string
	At          time.Time
}

type Drop struct {
	Item
	Position
}

type Store struct {
	db    *sql.DB
	slots int
	spawn Position
}

// Open opens or creates the inventory database. Unknown recipients are
// created on first delivery with slots free slots at spawn.
func Open(path string, slots int, spawn Position) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if slots <= 0 {
		slots = DefaultSlots
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	for _, p := range []string{"PRAGMA journal_mode=WAL;", "PRAGMA synchronous=NORMAL;", "PRAGMA busy_timeout=5000;"} {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS recipients (
			id TEXT PRIMARY KEY,
			world TEXT NOT NULL,
			x REAL NOT NULL,
			y REAL NOT NULL,
			z REAL NOT NULL,
			slots INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS items (
			recipient TEXT NOT NULL,
			slot INTEGER NOT NULL,
			artifact_id TEXT NOT NULL,
			map_id INTEGER NOT NULL,
			display_name TEXT NOT NULL,
			lore TEXT NOT NULL,
			at TEXT NOT NULL,
			PRIMARY KEY (recipient, slot)
		);`,
		`CREATE TABLE IF NOT EXISTS drops (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			recipient TEXT NOT NULL,
			world TEXT NOT NULL,
			x REAL NOT NULL,
			y REAL NOT NULL,
			z REAL NOT NULL,
			artifact_id TEXT NOT NULL,
			map_id INTEGER NOT NULL,
			display_name TEXT NOT NULL,
			lore TEXT NOT NULL,
			at TEXT NOT NULL
		);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return &Store{db: db, slots: slots, spawn: spawn}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// SetPosition records where a recipient stands; drops land there.
func (s *Store) SetPosition(recipient string, p Position) error {
	_, err := s.db.Exec(`INSERT INTO recipients(id,world,x,y,z,slots) VALUES(?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET world=excluded.world, x=excluded.x, y=excluded.y, z=excluded.z`,
		recipient, p.World, p.X, p.Y, p.Z, s.slots)
	return err
}

// Deliver implements issue.Inventory: first empty slot, otherwise a drop at
// the recipient's position.
func (s *Store) Deliver(recipient string, a issue.Artifact) (issue.Delivery, error) {
	if recipient == "" {
		return issue.Delivery{}, errors.New("inventory: empty recipient")
	}
	ctx := context.Background()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return issue.Delivery{}, err
	}
	defer func() { _ = tx.Rollback() }()

	pos, slots, err := s.recipient(ctx, tx, recipient)
	if err != nil {
		return issue.Delivery{}, err
	}
	slot, err := firstEmpty(ctx, tx, recipient, slots)
	if err != nil {
		return issue.Delivery{}, err
	}
	lore, _ := json.Marshal(a.Lore)
	now := time.Now().UTC().Format(time.RFC3339Nano)

	d := issue.Delivery{Recipient: recipient, Slot: slot}
	if slot >= 0 {
		_, err = tx.ExecContext(ctx, `INSERT INTO items(recipient,slot,artifact_id,map_id,display_name,lore,at) VALUES(?,?,?,?,?,?,?)`,
			recipient, slot, a.ID, a.MapID, a.DisplayName, string(lore), now)
	} else {
		d.Dropped = true
		d.X, d.Y, d.Z = pos.X, pos.Y, pos.Z
		_, err = tx.ExecContext(ctx, `INSERT INTO drops(recipient,world,x,y,z,artifact_id,map_id,display_name,lore,at) VALUES(?,?,?,?,?,?,?,?,?,?)`,
			recipient, pos.World, pos.X, pos.Y, pos.Z, a.ID, a.MapID, a.DisplayName, string(lore), now)
	}
	if err != nil {
		return issue.Delivery{}, fmt.Errorf("inventory: store item: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return issue.Delivery{}, err
	}
	return d, nil
}

func (s *Store) recipient(ctx context.Context, tx *sql.Tx, id string) (Position, int, error) {
	var p Position
	var slots int
	err := tx.QueryRowContext(ctx, `SELECT world,x,y,z,slots FROM recipients WHERE id=?`, id).Scan(&p.World, &p.X, &p.Y, &p.Z, &slots)
	if errors.Is(err, sql.ErrNoRows) {
		p, slots = s.spawn, s.slots
		_, err = tx.ExecContext(ctx, `INSERT INTO recipients(id,world,x,y,z,slots) VALUES(?,?,?,?,?,?)`, id, p.World, p.X, p.Y, p.Z, slots)
	}
	return p, slots, err
}

func firstEmpty(ctx context.Context, tx *sql.Tx, recipient string, slots int) (int, error) {
	rows, err := tx.QueryContext(ctx, `SELECT slot FROM items WHERE recipient=? ORDER BY slot`, recipient)
	if err != nil {
		return -1, err
	}
	defer rows.Close()
	next := 0
	for rows.Next() {
		var slot int
		if err := rows.Scan(&slot); err != nil {
			return -1, err
		}
		if slot != next {
			break
		}
		next++
	}
	if err := rows.Err(); err != nil {
		return -1, err
	}
	if next >= slots {
		return -1, nil
	}
	return next, nil
}

// Take removes the item in slot, freeing it.
func (s *Store) Take(recipient string, slot int) error {
	_, err := s.db.Exec(`DELETE FROM items WHERE recipient=? AND slot=?`, recipient, slot)
	return err
}

func (s *Store) Items(recipient string) ([]Item, error) {
	rows, err := s.db.Query(`SELECT slot,artifact_id,map_id,display_name,lore,at FROM items WHERE recipient=? ORDER BY slot`, recipient)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Item
	for rows.Next() {
		it, err := scanItem(rows.Scan, &Position{}, false)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func (s *Store) Drops(recipient string) ([]Drop, error) {
	rows, err := s.db.Query(`SELECT world,x,y,z,artifact_id,map_id,display_name,lore,at FROM drops WHERE recipient=? ORDER BY seq`, recipient)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Drop
	for rows.Next() {
		var d Drop
		it, err := scanItem(rows.Scan, &d.Position, true)
		if err != nil {
			return nil, err
		}
		d.Item = it
		d.Slot = -1
		out = append(out, d)
	}
	return out, rows.Err()
}

func scanItem(scan func(...any) error, pos *Position, withPos bool) (Item, error) {
	var it Item
	var lore, at string
	dest := []any{&it.Slot, &it.ArtifactID, &it.MapID, &it.DisplayName, &lore, &at}
	if withPos {
		dest = append([]any{&pos.World, &pos.X, &pos.Y, &pos.Z}, dest[1:]...)
	}
	if err := scan(dest...); err != nil {
		return Item{}, err
	}
	_ = json.Unmarshal([]byte(lore), &it.Lore)
	it.At, _ = time.Parse(time.RFC3339Nano, at)
	return it, nil
}
