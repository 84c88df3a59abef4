// Package modes hosts the three endgame controllers. Each controller is
// a thin policy layer over the store's conditional writes; none of them
// hold state outside their rows.
package modes

import (
	"errors"
	"time"

	"darkcragg.world/internal/protocol"
	"darkcragg.world/internal/sim/state"
	"darkcragg.world/internal/sim/tuning"
)

// ErrContention is returned when the write retry bound is exhausted.
var ErrContention = errors.New("modes: write retries exhausted")

// MainPursuerID is the pursuer row for the epoch's primary escape run.
// The breach heist uses its own row.
const MainPursuerID = "main"

// Escape drives a retrieve-and-escape run against one pursuer row.
type Escape struct {
	store     state.Store
	pursuerID string

	spawnUnits  int
	relayUnits  int
	routeRooms  int
	lureTicks   int
	blockRounds int

	retries int
}

// NewEscape builds the controller for the main run.
func NewEscape(store state.Store, tun tuning.EscapeTuning, retries int) *Escape {
	return newEscape(store, MainPursuerID, tun.SpawnRooms, tun.RelayResetRooms, tun.RouteRooms, tun.LureTicks, tun.BlockRounds, retries)
}

// NewHeist builds the controller for the breach heist, a short run on a
// separate pursuer row.
func NewHeist(store state.Store, tun tuning.Tuning) *Escape {
	return newEscape(store, "breach-heist", tun.Breach.HeistSpawnRooms, tun.Escape.RelayResetRooms, tun.Breach.HeistRouteRooms, tun.Escape.LureTicks, tun.Escape.BlockRounds, tun.WriteRetries)
}

func newEscape(store state.Store, id string, spawnRooms, relayRooms, routeRooms, lureTicks, blockRounds, retries int) *Escape {
	if retries <= 0 {
		retries = 5
	}
	return &Escape{
		store:       store,
		pursuerID:   id,
		spawnUnits:  spawnRooms * state.UnitsPerRoom,
		relayUnits:  relayRooms * state.UnitsPerRoom,
		routeRooms:  routeRooms,
		lureTicks:   lureTicks,
		blockRounds: blockRounds,
		retries:     retries,
	}
}

// PursuerID exposes the row this controller drives.
func (m *Escape) PursuerID() string { return m.pursuerID }

// Spawn seeds the unclaimed row at mode activation.
func (m *Escape) Spawn() error {
	return m.store.PutPursuer(state.Pursuer{
		ID:       m.pursuerID,
		Mode:     state.PursuerUnclaimed,
		RouteLen: m.routeRooms,
	})
}

// Status returns the current row.
func (m *Escape) Status() (state.Pursuer, error) {
	return m.store.Pursuer(m.pursuerID)
}

// update runs fn against the row under optimistic concurrency. fn
// returns the events to surface, or a coded failure that aborts the
// loop without writing.
func (m *Escape) update(now time.Time, fn func(*state.Pursuer) ([]protocol.Event, string, string)) ([]protocol.Event, string, string, error) {
	for attempt := 0; attempt < m.retries; attempt++ {
		p, err := m.store.Pursuer(m.pursuerID)
		if err != nil {
			return nil, "", "", err
		}
		evs, code, msg := fn(&p)
		if code != "" {
			return nil, code, msg, nil
		}
		if err := m.store.UpdatePursuer(p); err != nil {
			if errors.Is(err, state.ErrVersionConflict) {
				continue
			}
			return nil, "", "", err
		}
		return evs, "", "", nil
	}
	return nil, "", "", ErrContention
}

// Claim binds the objective to a player and starts the chase.
func (m *Escape) Claim(playerID string, now time.Time) ([]protocol.Event, string, string, error) {
	return m.update(now, func(p *state.Pursuer) ([]protocol.Event, string, string) {
		switch p.Mode {
		case state.PursuerResolved:
			return nil, protocol.ErrInvalidTarget, "the objective has already been delivered"
		case state.PursuerRelayPending:
			return nil, protocol.ErrInvalidTarget, "the objective lies where its carrier fell; pick it up there"
		case state.PursuerActive, state.PursuerCaught:
			return nil, protocol.ErrInvalidTarget, "another carrier holds the objective"
		}
		p.Mode = state.PursuerActive
		p.CarrierID = playerID
		p.Distance = m.spawnUnits
		p.Progress = 0
		return []protocol.Event{{
			Type:      protocol.EvEscapeClaimed,
			ActorID:   playerID,
			SubjectID: m.pursuerID,
			Timestamp: now,
		}}, "", ""
	})
}

// advance moves the pursuer for one advancement event of the given unit
// cost, honoring lure, block and ward in that order. Returns the caught
// transition event if the gap closes.
func (m *Escape) advance(p *state.Pursuer, units int, now time.Time) []protocol.Event {
	if p.LureTicks > 0 {
		p.LureTicks--
		return nil
	}
	if p.BlockCharges > 0 {
		p.BlockCharges--
		return nil
	}
	if p.WardCharges > 0 {
		p.WardCharges--
		units /= 2
		if units < 1 {
			units = 1
		}
	}
	p.Distance -= units
	if p.Distance <= 0 {
		p.Distance = 0
		p.Mode = state.PursuerCaught
		return []protocol.Event{{
			Type:      protocol.EvEscapeCaught,
			ActorID:   p.CarrierID,
			SubjectID: m.pursuerID,
			Timestamp: now,
		}}
	}
	return nil
}

// MoveOutcome reports what a carrier movement did to the run.
type MoveOutcome struct {
	Delivered bool
	Caught    bool
}

// CarrierMove advances the carrier one room and the pursuer one
// advancement event. Delivery fires when the route is fully walked.
func (m *Escape) CarrierMove(playerID string, now time.Time) (MoveOutcome, []protocol.Event, string, string, error) {
	var out MoveOutcome
	evs, code, msg, err := m.update(now, func(p *state.Pursuer) ([]protocol.Event, string, string) {
		out = MoveOutcome{}
		if p.Mode != state.PursuerActive || p.CarrierID != playerID {
			return nil, protocol.ErrInvalidState, "not carrying the objective"
		}
		p.Progress++
		if p.Progress >= p.RouteLen {
			p.Mode = state.PursuerResolved
			out.Delivered = true
			return []protocol.Event{{
				Type:      protocol.EvEscapeVictory,
				ActorID:   playerID,
				SubjectID: m.pursuerID,
				Timestamp: now,
			}}, "", ""
		}
		evs := m.advance(p, 2, now)
		out.Caught = p.Mode == state.PursuerCaught
		return evs, "", ""
	})
	return out, evs, code, msg, err
}

// CarrierFought advances the pursuer after the carrier spent actions
// fighting. Each action costs half a room of lead, applied as separate
// advancement events so wards and blocks are consumed one per event.
func (m *Escape) CarrierFought(playerID string, actions int, now time.Time) (bool, []protocol.Event, error) {
	caught := false
	evs, _, _, err := m.update(now, func(p *state.Pursuer) ([]protocol.Event, string, string) {
		caught = false
		if p.Mode != state.PursuerActive || p.CarrierID != playerID {
			return nil, "", "" // nothing to do, not a failure
		}
		var evs []protocol.Event
		for i := 0; i < actions && p.Mode == state.PursuerActive; i++ {
			evs = append(evs, m.advance(p, 2, now)...)
		}
		caught = p.Mode == state.PursuerCaught
		return evs, "", ""
	})
	return caught, evs, err
}

// Flee resolves a caught carrier's escape attempt. The roll happens in
// the engine; this applies the outcome to the row. On success the
// carrier regains a one-room lead.
func (m *Escape) Flee(playerID string, success bool, now time.Time) ([]protocol.Event, string, string, error) {
	return m.update(now, func(p *state.Pursuer) ([]protocol.Event, string, string) {
		if p.Mode != state.PursuerCaught || p.CarrierID != playerID {
			return nil, protocol.ErrInvalidState, "the pursuer has not caught you"
		}
		ev := protocol.Event{
			Type:         protocol.EvEscapeFlee,
			ActorID:      playerID,
			SubjectID:    m.pursuerID,
			NumericValue: 0,
			Timestamp:    now,
		}
		if success {
			p.Mode = state.PursuerActive
			p.Distance = state.UnitsPerRoom
			ev.NumericValue = 1
		}
		return []protocol.Event{ev}, "", ""
	})
}

// OnCarrierDeath drops the objective where the carrier fell. The relay
// window opens; route progress is preserved.
func (m *Escape) OnCarrierDeath(playerID string, now time.Time) ([]protocol.Event, error) {
	evs, _, _, err := m.update(now, func(p *state.Pursuer) ([]protocol.Event, string, string) {
		if p.CarrierID != playerID || (p.Mode != state.PursuerActive && p.Mode != state.PursuerCaught) {
			return nil, "", ""
		}
		p.Mode = state.PursuerRelayPending
		p.CarrierID = ""
		return []protocol.Event{{
			Type:      protocol.EvEscapeDropped,
			ActorID:   playerID,
			SubjectID: m.pursuerID,
			Timestamp: now,
		}}, "", ""
	})
	return evs, err
}

// Pickup relays the dropped objective to a new carrier. The pursuer
// resets to a deep lead so the relay is viable.
func (m *Escape) Pickup(playerID string, now time.Time) ([]protocol.Event, string, string, error) {
	return m.update(now, func(p *state.Pursuer) ([]protocol.Event, string, string) {
		if p.Mode != state.PursuerRelayPending {
			return nil, protocol.ErrInvalidState, "no dropped objective to pick up"
		}
		p.Mode = state.PursuerActive
		p.CarrierID = playerID
		p.Distance = m.relayUnits
		return []protocol.Event{{
			Type:      protocol.EvEscapeRelay,
			ActorID:   playerID,
			SubjectID: m.pursuerID,
			Timestamp: now,
		}}, "", ""
	})
}

// Block arms a barricade that absorbs the next advancement events.
// Any player can support the run; only an active chase accepts support.
func (m *Escape) Block(playerID string, now time.Time) ([]protocol.Event, string, string, error) {
	return m.supportOp(playerID, now, protocol.EvEscapeBlock, func(p *state.Pursuer) {
		p.BlockCharges += m.blockRounds
	})
}

// Ward arms a slow that halves the next advancement event.
func (m *Escape) Ward(playerID string, now time.Time) ([]protocol.Event, string, string, error) {
	return m.supportOp(playerID, now, protocol.EvEscapeWard, func(p *state.Pursuer) {
		p.WardCharges++
	})
}

// Lure diverts the pursuer entirely for a fixed number of advancement
// events. Re-luring restarts the window rather than stacking it.
func (m *Escape) Lure(playerID string, now time.Time) ([]protocol.Event, string, string, error) {
	return m.supportOp(playerID, now, protocol.EvEscapeLure, func(p *state.Pursuer) {
		p.LureTicks = m.lureTicks
	})
}

func (m *Escape) supportOp(playerID string, now time.Time, evType string, mutate func(*state.Pursuer)) ([]protocol.Event, string, string, error) {
	return m.update(now, func(p *state.Pursuer) ([]protocol.Event, string, string) {
		if p.Mode != state.PursuerActive && p.Mode != state.PursuerCaught {
			return nil, protocol.ErrInvalidState, "no active chase to support"
		}
		mutate(p)
		return []protocol.Event{{
			Type:      evType,
			ActorID:   playerID,
			SubjectID: m.pursuerID,
			Timestamp: now,
		}}, "", ""
	})
}

// ShortenRoute applies the alternate-route breach bonus: the remaining
// route loses rooms, floored so a claimed run cannot complete in place.
func (m *Escape) ShortenRoute(rooms int) error {
	_, _, _, err := m.update(time.Time{}, func(p *state.Pursuer) ([]protocol.Event, string, string) {
		if p.Mode == state.PursuerResolved {
			return nil, protocol.ErrInvalidState, "run already resolved"
		}
		p.RouteLen -= rooms
		if p.RouteLen <= p.Progress {
			p.RouteLen = p.Progress + 1
		}
		return nil, "", ""
	})
	return err
}
