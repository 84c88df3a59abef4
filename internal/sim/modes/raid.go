package modes

import (
	"math/rand"
	"time"

	"darkcragg.world/internal/protocol"
	"darkcragg.world/internal/sim/pool"
	"darkcragg.world/internal/sim/state"
	"darkcragg.world/internal/sim/tuning"
)

// RaidPoolID is the single boss row for a raid epoch.
const RaidPoolID = "raid-boss"

// Raid drives the raid-boss mode. The boss is an ordinary pool row;
// this layer owns sizing, mechanic rolls and phase event surfacing.
type Raid struct {
	store state.Store
	pools *pool.Engine
	tun   tuning.RaidTuning
}

func NewRaid(store state.Store, pools *pool.Engine, tun tuning.RaidTuning) *Raid {
	return &Raid{store: store, pools: pools, tun: tun}
}

// RollMechanics draws the epoch's boss kit from the raid table. The
// draw count and picks come from the epoch seed so every node agrees.
func (m *Raid) RollMechanics(epochSeed int64) []state.Mechanic {
	rng := rand.New(rand.NewSource(epochSeed))
	table := pool.RaidTable()
	n := m.tun.MechanicsMin
	if m.tun.MechanicsMax > m.tun.MechanicsMin {
		n += rng.Intn(m.tun.MechanicsMax - m.tun.MechanicsMin + 1)
	}
	rng.Shuffle(len(table), func(i, j int) { table[i], table[j] = table[j], table[i] })
	if n > len(table) {
		n = len(table)
	}
	return table[:n]
}

// Activate sizes the boss to the active population and writes the row.
// Idempotent: an existing boss row is left untouched.
func (m *Raid) Activate(activePlayers int, mechanics []state.Mechanic, now time.Time) ([]protocol.Event, error) {
	if _, err := m.store.Pool(RaidPoolID); err == nil {
		return nil, nil
	}
	maxHP := activePlayers * m.tun.HPPerPlayer
	if maxHP > m.tun.HPCap {
		maxHP = m.tun.HPCap
	}
	if maxHP < m.tun.HPPerPlayer {
		maxHP = m.tun.HPPerPlayer
	}
	p := state.Pool{
		ID:                RaidPoolID,
		Kind:              state.PoolRaid,
		CurrentHP:         maxHP,
		MaxHP:             maxHP,
		RegenRate:         m.tun.RegenRate,
		RegenIntervalSecs: int64(m.tun.RegenIntervalHours) * 3600,
		LastRegenUnix:     now.Unix(),
		Lives:             1,
		Phase:             1,
		Mechanics:         mechanics,
		Active:            true,
	}
	if err := m.store.PutPool(p); err != nil {
		return nil, err
	}
	evs := []protocol.Event{{
		Type:         protocol.EvRaidPhase,
		SubjectID:    RaidPoolID,
		NumericValue: 1,
		Timestamp:    now,
	}}
	for _, mech := range mechanics {
		evs = append(evs, protocol.Event{
			Type:      protocol.EvRaidMechanic,
			SubjectID: string(mech),
			Timestamp: now,
		})
	}
	return evs, nil
}

// CheckLockout reports whether a player is still locked out of the
// boss after its punish mechanic fired on them.
func (m *Raid) CheckLockout(playerID string, now time.Time) (bool, error) {
	return m.pools.LockedOut(RaidPoolID, playerID, now)
}

// PhaseEvents translates a damage outcome into broadcast events. Phase
// transitions are critical; ordinary hits stay chatter.
func (m *Raid) PhaseEvents(out pool.Outcome, actorID string, now time.Time) []protocol.Event {
	var evs []protocol.Event
	if out.PhaseChanged {
		evs = append(evs, protocol.Event{
			Type:         protocol.EvRaidPhase,
			ActorID:      actorID,
			SubjectID:    out.PoolID,
			NumericValue: int64(out.Phase),
			Timestamp:    now,
		})
	}
	return evs
}
