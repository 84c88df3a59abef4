package state

import "errors"

// ErrNotFound indicates a requested row is missing.
var ErrNotFound = errors.New("record not found")

// ErrVersionConflict indicates a conditional write lost the race: the row
// version read no longer matches. Callers re-read and recompute; all
// engine computations are idempotent given the same wall-clock input, so
// retrying is safe.
var ErrVersionConflict = errors.New("version conflict")

// Store is the persistence contract: atomic read and conditional write
// per entity. Update methods compare the row's stored version against the
// Version field of the value passed in, and on match write the new state
// with Version+1; on mismatch they return ErrVersionConflict and write
// nothing.
type Store interface {
	Epoch() (Epoch, error)
	PutEpoch(e Epoch) error
	UpdateEpoch(e Epoch) error

	Player(id string) (Player, error)
	PutPlayer(p Player) error
	UpdatePlayer(p Player) error
	// ResetBudgets rewrites every player's budgets unconditionally. Runs
	// once per day boundary; budget rows are per-player so this cannot
	// race a reservation into a double-spend (the version bump invalidates
	// any in-flight conditional write).
	ResetBudgets(dungeon, social, special int) error

	Pool(id string) (Pool, error)
	PoolsByKind(kind string) ([]Pool, error)
	PutPool(p Pool) error
	UpdatePool(p Pool) error

	Ledger(poolID string) ([]LedgerEntry, error)
	LedgerEntry(poolID, playerID string) (LedgerEntry, error)
	// AddContribution increments the contributor's cumulative damage.
	// Per-player rows never contend across players; no version needed.
	AddContribution(poolID, playerID string, damage int, nowUnix int64) error
	SetLockout(poolID, playerID string, untilUnix int64) error

	Pursuer(id string) (Pursuer, error)
	PutPursuer(p Pursuer) error
	UpdatePursuer(p Pursuer) error

	Cell(id string) (Cell, error)
	CellsByZone(zone string) ([]Cell, error)
	PutCell(c Cell) error
	UpdateCell(c Cell) error

	Checkpoint(id string) (Checkpoint, error)
	Checkpoints() ([]Checkpoint, error)
	PutCheckpoint(c Checkpoint) error
	UpdateCheckpoint(c Checkpoint) error

	Breach() (Breach, error)
	PutBreach(b Breach) error
	UpdateBreach(b Breach) error

	// CastVote records one vote per player; revoting replaces.
	CastVote(playerID, mode string) error
	TallyVotes() (map[string]int, error)
}
