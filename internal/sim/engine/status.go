package engine

import (
	"errors"
	"time"

	"darkcragg.world/internal/sim/state"
)

// Snapshot is the read-only world summary pushed to the status feed and
// printed by the operator CLI. Regen is pulled current before reading.
type Snapshot struct {
	Day        int    `json:"day"`
	Mode       string `json:"mode"`
	BreachOpen bool   `json:"breach_open"`
	VoteOpen   bool   `json:"vote_open"`

	Pools   []PoolStatus   `json:"pools"`
	Pursuer *PursuerStatus `json:"pursuer,omitempty"`
	Floors  []FloorStatus  `json:"floors,omitempty"`
	Breach  BreachStatus   `json:"breach"`
}

type PoolStatus struct {
	ID        string  `json:"id"`
	Kind      string  `json:"kind"`
	HP        int     `json:"hp"`
	MaxHP     int     `json:"max_hp"`
	Percent   float64 `json:"percent"`
	Lives     int     `json:"lives"`
	Phase     int     `json:"phase,omitempty"`
	Completed bool    `json:"completed"`
}

type PursuerStatus struct {
	Mode     string  `json:"mode"`
	Rooms    float64 `json:"rooms_behind"`
	Carrier  string  `json:"carrier,omitempty"`
	Progress int     `json:"progress"`
	RouteLen int     `json:"route_len"`
}

type FloorStatus struct {
	Floor       int `json:"floor"`
	Held        int `json:"held"`
	Protected   int `json:"protected"`
	Total       int `json:"total"`
	Checkpoints int `json:"checkpoints"`
}

type BreachStatus struct {
	Event string `json:"event,omitempty"`
	Phase string `json:"phase"`
}

// Status assembles the snapshot. Catch-up writes are best-effort; a
// lost race means another reader already pulled the pool current.
func (e *Engine) Status(now time.Time) (Snapshot, error) {
	ep, err := e.store.Epoch()
	if err != nil {
		return Snapshot{}, err
	}
	snap := Snapshot{
		Day:        ep.Day,
		Mode:       ep.Mode,
		BreachOpen: ep.BreachOpen,
		VoteOpen:   ep.VoteOpen,
	}

	for _, kind := range []string{state.PoolBounty, state.PoolFloorBoss, state.PoolRaid, state.PoolWarden, state.PoolEmergence} {
		pools, err := e.store.PoolsByKind(kind)
		if err != nil {
			return snap, err
		}
		for _, p := range pools {
			if !p.Active {
				continue
			}
			if !p.Completed {
				if _, err := e.pools.CatchUp(p.ID, now); err == nil {
					if cur, err := e.store.Pool(p.ID); err == nil {
						p = cur
					}
				}
			}
			pct := 0.0
			if p.MaxHP > 0 {
				pct = float64(p.CurrentHP) / float64(p.MaxHP)
			}
			snap.Pools = append(snap.Pools, PoolStatus{
				ID:        p.ID,
				Kind:      p.Kind,
				HP:        p.CurrentHP,
				MaxHP:     p.MaxHP,
				Percent:   pct,
				Lives:     p.Lives,
				Phase:     p.Phase,
				Completed: p.Completed,
			})
		}
	}

	if run, err := e.escape.Status(); err == nil {
		snap.Pursuer = &PursuerStatus{
			Mode:     run.Mode,
			Rooms:    float64(run.Distance) / state.UnitsPerRoom,
			Carrier:  run.CarrierID,
			Progress: run.Progress,
			RouteLen: run.RouteLen,
		}
	} else if !errors.Is(err, state.ErrNotFound) {
		return snap, err
	}

	cells, err := e.store.CellsByZone(state.ZoneMain)
	if err != nil {
		return snap, err
	}
	byFloor := map[int]*FloorStatus{}
	for _, c := range cells {
		fs := byFloor[c.Floor]
		if fs == nil {
			fs = &FloorStatus{Floor: c.Floor}
			byFloor[c.Floor] = fs
		}
		fs.Total++
		if !c.Hostile {
			fs.Held++
		}
		if c.Protected {
			fs.Protected++
		}
	}
	cps, err := e.store.Checkpoints()
	if err != nil {
		return snap, err
	}
	for _, cp := range cps {
		if cp.Established {
			if fs := byFloor[cp.Floor]; fs != nil {
				fs.Checkpoints++
			}
		}
	}
	for floor := 1; floor <= e.tun.HoldLine.Floors; floor++ {
		if fs := byFloor[floor]; fs != nil {
			snap.Floors = append(snap.Floors, *fs)
		}
	}

	if b, err := e.store.Breach(); err == nil {
		snap.Breach = BreachStatus{Event: b.Event, Phase: b.Phase}
	} else if !errors.Is(err, state.ErrNotFound) {
		return snap, err
	}
	return snap, nil
}
