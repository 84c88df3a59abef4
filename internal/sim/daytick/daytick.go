// Package daytick owns the epoch lifecycle: bootstrap of a fresh epoch
// and the once-per-day boundary work. Boundary work is idempotent per
// day; a crashed tick can be rerun.
package daytick

import (
	"errors"
	"fmt"
	"math/rand"
	"time"

	"darkcragg.world/internal/protocol"
	"darkcragg.world/internal/sim/breach"
	"darkcragg.world/internal/sim/modes"
	"darkcragg.world/internal/sim/pool"
	"darkcragg.world/internal/sim/state"
	"darkcragg.world/internal/sim/tuning"
)

const (
	clustersPerFloor = 3
	cellsPerCluster  = 4
	bountyCount      = 8
)

var errContention = errors.New("daytick: write retries exhausted")

// Population reports how many players are considered active, used to
// size the raid boss. Wired to the account collaborator in production,
// to a constant in tests.
type Population func() int

// Runner executes boundary work against the shared store.
type Runner struct {
	store      state.Store
	tun        tuning.Tuning
	pools      *pool.Engine
	hold       *modes.HoldLine
	raid       *modes.Raid
	overlay    *breach.Overlay
	population Population

	retries int
}

func NewRunner(store state.Store, tun tuning.Tuning, pools *pool.Engine, hold *modes.HoldLine, raid *modes.Raid, overlay *breach.Overlay, population Population) *Runner {
	retries := tun.WriteRetries
	if retries <= 0 {
		retries = 5
	}
	return &Runner{
		store:      store,
		tun:        tun,
		pools:      pools,
		hold:       hold,
		raid:       raid,
		overlay:    overlay,
		population: population,
		retries:    retries,
	}
}

// InitEpoch writes a fresh epoch: the epoch row, the territory grid,
// the bounty rotation, the mode rows and the sealed breach. Everything
// random derives from the seed.
func (r *Runner) InitEpoch(seed int64, mode string, now time.Time) error {
	rng := rand.New(rand.NewSource(seed))

	ep := state.Epoch{Seed: seed, Day: 1, Mode: mode}
	if err := r.store.PutEpoch(ep); err != nil {
		return err
	}

	var cellIDs []string
	for floor := 1; floor <= r.tun.HoldLine.Floors; floor++ {
		for cl := 0; cl < clustersPerFloor; cl++ {
			cp := state.Checkpoint{
				ID:    fmt.Sprintf("cp-f%d-%d", floor, cl),
				Floor: floor,
			}
			for i := 0; i < cellsPerCluster; i++ {
				cell := state.Cell{
					ID:      fmt.Sprintf("cell-f%d-%d-%d", floor, cl, i),
					Zone:    state.ZoneMain,
					Floor:   floor,
					Hostile: true,
				}
				if err := r.store.PutCell(cell); err != nil {
					return err
				}
				cp.CellIDs = append(cp.CellIDs, cell.ID)
				cellIDs = append(cellIDs, cell.ID)
			}
			if err := r.store.PutCheckpoint(cp); err != nil {
				return err
			}
		}
	}

	if err := r.seedBounties(rng, mode, cellIDs, now); err != nil {
		return err
	}

	switch mode {
	case state.ModeEscape:
		esc := modes.NewEscape(r.store, r.tun.Escape, r.retries)
		if err := esc.Spawn(); err != nil {
			return err
		}
	case state.ModeHoldLine:
		hp := r.tun.Warden.HPMin
		if r.tun.Warden.HPMax > r.tun.Warden.HPMin {
			hp += rng.Intn(r.tun.Warden.HPMax - r.tun.Warden.HPMin + 1)
		}
		warden := state.Pool{
			ID:                "warden",
			Kind:              state.PoolWarden,
			CurrentHP:         hp,
			MaxHP:             hp,
			RegenRate:         r.tun.Warden.RegenRate,
			RegenIntervalSecs: int64(r.tun.Warden.RegenIntervalHours) * 3600,
			LastRegenUnix:     now.Unix(),
			Lives:             r.tun.Warden.Lives,
			Mechanics:         pool.FloorBossTable(r.tun.HoldLine.Floors),
			Active:            true,
		}
		if err := r.store.PutPool(warden); err != nil {
			return err
		}
	}

	return r.overlay.Generate(seed)
}

// seedBounties writes the epoch's bounty rotation, staggered across the
// month. In hold-the-line the bounties are hosted on grid cells so a
// life-clear feeds the territory push.
func (r *Runner) seedBounties(rng *rand.Rand, mode string, cellIDs []string, now time.Time) error {
	spacing := r.tun.EpochDays / bountyCount
	if spacing < 1 {
		spacing = 1
	}
	for i := 0; i < bountyCount; i++ {
		hp := r.tun.Bounty.HPMin
		if r.tun.Bounty.HPMax > r.tun.Bounty.HPMin {
			hp += rng.Intn(r.tun.Bounty.HPMax - r.tun.Bounty.HPMin + 1)
		}
		lives := r.tun.Bounty.Lives
		hostCell := ""
		if mode == state.ModeHoldLine && len(cellIDs) > 0 {
			hostCell = cellIDs[rng.Intn(len(cellIDs))]
			lives = r.tun.HoldLine.BountyLives
		}
		floor := 1 + rng.Intn(r.tun.HoldLine.Floors)
		b := state.Pool{
			ID:                fmt.Sprintf("bounty-%02d", i),
			Kind:              state.PoolBounty,
			CurrentHP:         hp,
			MaxHP:             hp,
			RegenRate:         r.tun.Bounty.RegenRate,
			RegenIntervalSecs: int64(r.tun.Bounty.RegenIntervalHours) * 3600,
			LastRegenUnix:     now.Unix(),
			Lives:             lives,
			Mechanics:         rollFrom(rng, pool.FloorBossTable(floor), 1, 2),
			ActiveFromDay:     1 + i*spacing,
			Active:            i*spacing == 0,
			HostCellID:        hostCell,
		}
		if err := r.store.PutPool(b); err != nil {
			return err
		}
	}
	return nil
}

func rollFrom(rng *rand.Rand, table []state.Mechanic, min, max int) []state.Mechanic {
	n := min
	if max > min {
		n += rng.Intn(max - min + 1)
	}
	rng.Shuffle(len(table), func(i, j int) { table[i], table[j] = table[j], table[i] })
	if n > len(table) {
		n = len(table)
	}
	return append([]state.Mechanic(nil), table[:n]...)
}

// Advance runs one day boundary. The epoch row's day is the idempotency
// guard: the advance is a conditional write, so concurrent tickers
// agree on who ran the boundary.
func (r *Runner) Advance(now time.Time) ([]protocol.Event, error) {
	var ep state.Epoch
	advanced := false
	for attempt := 0; attempt < r.retries; attempt++ {
		cur, err := r.store.Epoch()
		if err != nil {
			return nil, err
		}
		cur.Day++
		if err := r.store.UpdateEpoch(cur); err != nil {
			if errors.Is(err, state.ErrVersionConflict) {
				continue
			}
			return nil, err
		}
		ep = cur
		advanced = true
		break
	}
	if !advanced {
		return nil, errContention
	}

	evs := []protocol.Event{{
		Type:         protocol.EvDayAdvanced,
		NumericValue: int64(ep.Day),
		Timestamp:    now,
	}}

	if err := r.store.ResetBudgets(r.tun.Budgets.DungeonPerDay, r.tun.Budgets.SocialPerDay, r.tun.Budgets.SpecialPerDay); err != nil {
		return evs, err
	}

	rotEvs, err := r.rotateBounties(ep.Day, now)
	if err != nil {
		return evs, err
	}
	evs = append(evs, rotEvs...)

	if err := r.regenSweep(now); err != nil {
		return evs, err
	}

	sweepEvs, err := r.hold.Sweep(state.ZoneMain, now)
	if err != nil {
		return evs, err
	}
	evs = append(evs, sweepEvs...)

	evs = append(evs, r.overlay.Omen(ep.Day, now)...)
	if ep.Day == r.tun.BreachDay {
		openEvs, err := r.overlay.Activate(ep.Seed, now)
		if err != nil {
			return evs, err
		}
		evs = append(evs, openEvs...)
	}
	if ep.BreachOpen {
		progEvs, err := r.overlay.CheckProgress(now)
		if err != nil {
			return evs, err
		}
		evs = append(evs, progEvs...)
	}

	if ep.Mode == state.ModeRaid && ep.Day == r.tun.EpochDays-r.tun.Raid.ActiveWindowDays+1 {
		n := 1
		if r.population != nil {
			n = r.population()
		}
		raidEvs, err := r.raid.Activate(n, r.raid.RollMechanics(ep.Seed), now)
		if err != nil {
			return evs, err
		}
		evs = append(evs, raidEvs...)
	}

	if ep.Day == r.tun.VoteDay && !ep.VoteOpen {
		if err := r.openVote(); err != nil {
			return evs, err
		}
		evs = append(evs, protocol.Event{Type: protocol.EvVoteOpened, Timestamp: now})
	}

	return evs, nil
}

// rotateBounties flips newly due bounties active, holding the live set
// at the configured maximum. Completed bounties free a slot.
func (r *Runner) rotateBounties(day int, now time.Time) ([]protocol.Event, error) {
	ids, err := r.pools.ActivateDue(day, r.tun.Bounty.ActiveMax, now)
	var evs []protocol.Event
	for _, id := range ids {
		evs = append(evs, protocol.Event{
			Type:      protocol.EvBountyActive,
			SubjectID: id,
			Timestamp: now,
		})
	}
	return evs, err
}

// regenSweep pulls every active pool's regen current so dashboards and
// the status feed see fresh numbers without waiting for a hit.
func (r *Runner) regenSweep(now time.Time) error {
	for _, kind := range []string{state.PoolBounty, state.PoolFloorBoss, state.PoolRaid, state.PoolWarden, state.PoolEmergence} {
		pools, err := r.store.PoolsByKind(kind)
		if err != nil {
			return err
		}
		for _, p := range pools {
			if !p.Active || p.Completed {
				continue
			}
			if _, err := r.pools.CatchUp(p.ID, now); err != nil && !errors.Is(err, state.ErrNotFound) {
				return err
			}
		}
	}
	return nil
}

func (r *Runner) openVote() error {
	for attempt := 0; attempt < r.retries; attempt++ {
		ep, err := r.store.Epoch()
		if err != nil {
			return err
		}
		if ep.VoteOpen {
			return nil
		}
		ep.VoteOpen = true
		if err := r.store.UpdateEpoch(ep); err != nil {
			if errors.Is(err, state.ErrVersionConflict) {
				continue
			}
			return err
		}
		return nil
	}
	return errContention
}
