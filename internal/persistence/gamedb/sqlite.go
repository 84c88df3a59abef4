// Package gamedb is the durable Store: one SQLite file, entity rows as
// JSON with a version column, conditional writes as versioned UPDATEs.
// A single connection serializes writers; readers ride the WAL.
package gamedb

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"darkcragg.world/internal/sim/state"
)

type DB struct {
	db *sql.DB
}

var _ state.Store = (*DB)(nil)

func Open(path string) (*DB, error) {
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
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &DB{db: db}, nil
}

func (d *DB) Close() error { return d.db.Close() }

func initPragmas(db *sql.DB) error {
	// WAL is much faster for this append-and-update workload.
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
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
		`CREATE TABLE IF NOT EXISTS epoch (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			json TEXT NOT NULL,
			version INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS players (
			id TEXT PRIMARY KEY,
			json TEXT NOT NULL,
			version INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS pools (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			json TEXT NOT NULL,
			version INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_pools_kind ON pools(kind);`,
		`CREATE TABLE IF NOT EXISTS ledger (
			pool_id TEXT NOT NULL,
			player_id TEXT NOT NULL,
			damage INTEGER NOT NULL DEFAULT 0,
			last_engaged INTEGER NOT NULL DEFAULT 0,
			lockout_until INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (pool_id, player_id)
		);`,
		`CREATE TABLE IF NOT EXISTS pursuers (
			id TEXT PRIMARY KEY,
			json TEXT NOT NULL,
			version INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS cells (
			id TEXT PRIMARY KEY,
			zone TEXT NOT NULL,
			json TEXT NOT NULL,
			version INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_cells_zone ON cells(zone);`,
		`CREATE TABLE IF NOT EXISTS checkpoints (
			id TEXT PRIMARY KEY,
			json TEXT NOT NULL,
			version INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS breach (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			json TEXT NOT NULL,
			version INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS votes (
			player_id TEXT PRIMARY KEY,
			mode TEXT NOT NULL
		);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

// getJSON loads one versioned row into dst and returns the stored
// version. setVersion patches the struct's Version field afterwards.
func (d *DB) getJSON(query string, dst any, args ...any) (uint64, error) {
	var raw string
	var version uint64
	err := d.db.QueryRow(query, args...).Scan(&raw, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, state.ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		return 0, err
	}
	return version, nil
}

// putJSON seeds or replaces a row at version 1.
func (d *DB) putJSON(stmt string, v any, args ...any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = d.db.Exec(stmt, append(args, string(raw))...)
	return err
}

// updateJSON performs the conditional write: the UPDATE matches only if
// the stored version equals the caller's read version.
func (d *DB) updateJSON(table, idCol string, id any, v any, readVersion uint64, extra map[string]any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	set := "json = ?, version = version + 1"
	args := []any{string(raw)}
	for col, val := range extra {
		set += ", " + col + " = ?"
		args = append(args, val)
	}
	args = append(args, id, readVersion)
	res, err := d.db.Exec(
		"UPDATE "+table+" SET "+set+" WHERE "+idCol+" = ? AND version = ?", args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var exists int
		if err := d.db.QueryRow("SELECT 1 FROM "+table+" WHERE "+idCol+" = ?", id).Scan(&exists); errors.Is(err, sql.ErrNoRows) {
			return state.ErrNotFound
		}
		return state.ErrVersionConflict
	}
	return nil
}

func (d *DB) Epoch() (state.Epoch, error) {
	var e state.Epoch
	v, err := d.getJSON("SELECT json, version FROM epoch WHERE id = 1", &e)
	if err != nil {
		return state.Epoch{}, err
	}
	e.Version = v
	return e, nil
}

func (d *DB) PutEpoch(e state.Epoch) error {
	return d.putJSON("INSERT OR REPLACE INTO epoch (id, version, json) VALUES (1, 1, ?)", e)
}

func (d *DB) UpdateEpoch(e state.Epoch) error {
	return d.updateJSON("epoch", "id", 1, e, e.Version, nil)
}

func (d *DB) Player(id string) (state.Player, error) {
	var p state.Player
	v, err := d.getJSON("SELECT json, version FROM players WHERE id = ?", &p, id)
	if err != nil {
		return state.Player{}, err
	}
	p.Version = v
	return p, nil
}

func (d *DB) PutPlayer(p state.Player) error {
	return d.putJSON("INSERT OR REPLACE INTO players (id, version, json) VALUES (?, 1, ?)", p, p.ID)
}

func (d *DB) UpdatePlayer(p state.Player) error {
	return d.updateJSON("players", "id", p.ID, p, p.Version, nil)
}

func (d *DB) ResetBudgets(dungeon, social, special int) error {
	tx, err := d.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.Query("SELECT json, version FROM players")
	if err != nil {
		return err
	}
	type row struct {
		p       state.Player
		version uint64
	}
	var all []row
	for rows.Next() {
		var raw string
		var r row
		if err := rows.Scan(&raw, &r.version); err != nil {
			_ = rows.Close()
			return err
		}
		if err := json.Unmarshal([]byte(raw), &r.p); err != nil {
			_ = rows.Close()
			return err
		}
		all = append(all, r)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return err
	}
	_ = rows.Close()

	for _, r := range all {
		r.p.DungeonActions = dungeon
		r.p.SocialActions = social
		r.p.SpecialActions = special
		raw, err := json.Marshal(r.p)
		if err != nil {
			return err
		}
		if _, err := tx.Exec("UPDATE players SET json = ?, version = version + 1 WHERE id = ?", string(raw), r.p.ID); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (d *DB) Pool(id string) (state.Pool, error) {
	var p state.Pool
	v, err := d.getJSON("SELECT json, version FROM pools WHERE id = ?", &p, id)
	if err != nil {
		return state.Pool{}, err
	}
	p.Version = v
	return p, nil
}

func (d *DB) PoolsByKind(kind string) ([]state.Pool, error) {
	rows, err := d.db.Query("SELECT json, version FROM pools WHERE kind = ? ORDER BY id", kind)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []state.Pool
	for rows.Next() {
		var raw string
		var version uint64
		if err := rows.Scan(&raw, &version); err != nil {
			return nil, err
		}
		var p state.Pool
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			return nil, err
		}
		p.Version = version
		out = append(out, p)
	}
	return out, rows.Err()
}

func (d *DB) PutPool(p state.Pool) error {
	return d.putJSON("INSERT OR REPLACE INTO pools (id, kind, version, json) VALUES (?, ?, 1, ?)", p, p.ID, p.Kind)
}

func (d *DB) UpdatePool(p state.Pool) error {
	return d.updateJSON("pools", "id", p.ID, p, p.Version, map[string]any{"kind": p.Kind})
}

func (d *DB) Ledger(poolID string) ([]state.LedgerEntry, error) {
	rows, err := d.db.Query(
		"SELECT player_id, damage, last_engaged, lockout_until FROM ledger WHERE pool_id = ? ORDER BY player_id", poolID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []state.LedgerEntry
	for rows.Next() {
		e := state.LedgerEntry{PoolID: poolID}
		if err := rows.Scan(&e.PlayerID, &e.Damage, &e.LastEngagedUnix, &e.LockoutUntilUnix); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (d *DB) LedgerEntry(poolID, playerID string) (state.LedgerEntry, error) {
	e := state.LedgerEntry{PoolID: poolID, PlayerID: playerID}
	err := d.db.QueryRow(
		"SELECT damage, last_engaged, lockout_until FROM ledger WHERE pool_id = ? AND player_id = ?",
		poolID, playerID).Scan(&e.Damage, &e.LastEngagedUnix, &e.LockoutUntilUnix)
	if errors.Is(err, sql.ErrNoRows) {
		return state.LedgerEntry{}, state.ErrNotFound
	}
	if err != nil {
		return state.LedgerEntry{}, err
	}
	return e, nil
}

func (d *DB) AddContribution(poolID, playerID string, damage int, nowUnix int64) error {
	_, err := d.db.Exec(`INSERT INTO ledger (pool_id, player_id, damage, last_engaged)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (pool_id, player_id) DO UPDATE SET
			damage = damage + excluded.damage,
			last_engaged = excluded.last_engaged`,
		poolID, playerID, damage, nowUnix)
	return err
}

func (d *DB) SetLockout(poolID, playerID string, untilUnix int64) error {
	_, err := d.db.Exec(`INSERT INTO ledger (pool_id, player_id, lockout_until)
		VALUES (?, ?, ?)
		ON CONFLICT (pool_id, player_id) DO UPDATE SET
			lockout_until = excluded.lockout_until`,
		poolID, playerID, untilUnix)
	return err
}

func (d *DB) Pursuer(id string) (state.Pursuer, error) {
	var p state.Pursuer
	v, err := d.getJSON("SELECT json, version FROM pursuers WHERE id = ?", &p, id)
	if err != nil {
		return state.Pursuer{}, err
	}
	p.Version = v
	return p, nil
}

func (d *DB) PutPursuer(p state.Pursuer) error {
	return d.putJSON("INSERT OR REPLACE INTO pursuers (id, version, json) VALUES (?, 1, ?)", p, p.ID)
}

func (d *DB) UpdatePursuer(p state.Pursuer) error {
	return d.updateJSON("pursuers", "id", p.ID, p, p.Version, nil)
}

func (d *DB) Cell(id string) (state.Cell, error) {
	var c state.Cell
	v, err := d.getJSON("SELECT json, version FROM cells WHERE id = ?", &c, id)
	if err != nil {
		return state.Cell{}, err
	}
	c.Version = v
	return c, nil
}

func (d *DB) CellsByZone(zone string) ([]state.Cell, error) {
	rows, err := d.db.Query("SELECT json, version FROM cells WHERE zone = ? ORDER BY id", zone)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []state.Cell
	for rows.Next() {
		var raw string
		var version uint64
		if err := rows.Scan(&raw, &version); err != nil {
			return nil, err
		}
		var c state.Cell
		if err := json.Unmarshal([]byte(raw), &c); err != nil {
			return nil, err
		}
		c.Version = version
		out = append(out, c)
	}
	return out, rows.Err()
}

func (d *DB) PutCell(c state.Cell) error {
	return d.putJSON("INSERT OR REPLACE INTO cells (id, zone, version, json) VALUES (?, ?, 1, ?)", c, c.ID, c.Zone)
}

func (d *DB) UpdateCell(c state.Cell) error {
	return d.updateJSON("cells", "id", c.ID, c, c.Version, map[string]any{"zone": c.Zone})
}

func (d *DB) Checkpoint(id string) (state.Checkpoint, error) {
	var c state.Checkpoint
	v, err := d.getJSON("SELECT json, version FROM checkpoints WHERE id = ?", &c, id)
	if err != nil {
		return state.Checkpoint{}, err
	}
	c.Version = v
	return c, nil
}

func (d *DB) Checkpoints() ([]state.Checkpoint, error) {
	rows, err := d.db.Query("SELECT json, version FROM checkpoints ORDER BY id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []state.Checkpoint
	for rows.Next() {
		var raw string
		var version uint64
		if err := rows.Scan(&raw, &version); err != nil {
			return nil, err
		}
		var c state.Checkpoint
		if err := json.Unmarshal([]byte(raw), &c); err != nil {
			return nil, err
		}
		c.Version = version
		out = append(out, c)
	}
	return out, rows.Err()
}

func (d *DB) PutCheckpoint(c state.Checkpoint) error {
	return d.putJSON("INSERT OR REPLACE INTO checkpoints (id, version, json) VALUES (?, 1, ?)", c, c.ID)
}

func (d *DB) UpdateCheckpoint(c state.Checkpoint) error {
	return d.updateJSON("checkpoints", "id", c.ID, c, c.Version, nil)
}

func (d *DB) Breach() (state.Breach, error) {
	var b state.Breach
	v, err := d.getJSON("SELECT json, version FROM breach WHERE id = 1", &b)
	if err != nil {
		return state.Breach{}, err
	}
	b.Version = v
	return b, nil
}

func (d *DB) PutBreach(b state.Breach) error {
	return d.putJSON("INSERT OR REPLACE INTO breach (id, version, json) VALUES (1, 1, ?)", b)
}

func (d *DB) UpdateBreach(b state.Breach) error {
	return d.updateJSON("breach", "id", 1, b, b.Version, nil)
}

func (d *DB) CastVote(playerID, mode string) error {
	_, err := d.db.Exec(`INSERT INTO votes (player_id, mode) VALUES (?, ?)
		ON CONFLICT (player_id) DO UPDATE SET mode = excluded.mode`, playerID, mode)
	return err
}

func (d *DB) TallyVotes() (map[string]int, error) {
	rows, err := d.db.Query("SELECT mode, COUNT(*) FROM votes GROUP BY mode")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]int{}
	for rows.Next() {
		var mode string
		var n int
		if err := rows.Scan(&mode, &n); err != nil {
			return nil, err
		}
		out[mode] = n
	}
	return out, rows.Err()
}
