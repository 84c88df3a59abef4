// Package engine is the synchronous core: one ActionEvent in, one
// Result out. It owns the action gate, the combat resolver and the
// dispatch into the mode controllers. All shared state goes through the
// store's conditional writes; the engine itself keeps nothing between
// calls.
package engine

import (
	"errors"
	"math/rand"
	"time"

	"darkcragg.world/internal/protocol"
	"darkcragg.world/internal/sim/breach"
	"darkcragg.world/internal/sim/broadcast"
	"darkcragg.world/internal/sim/modes"
	"darkcragg.world/internal/sim/pool"
	"darkcragg.world/internal/sim/state"
	"darkcragg.world/internal/sim/tuning"
)

type Engine struct {
	store   state.Store
	tun     tuning.Tuning
	gate    *Gate
	res     *Resolver
	pools   *pool.Engine
	escape  *modes.Escape
	raid    *modes.Raid
	hold    *modes.HoldLine
	overlay *breach.Overlay
	emitter *broadcast.Emitter

	retries int
}

func New(store state.Store, tun tuning.Tuning, emitter *broadcast.Emitter) *Engine {
	retries := tun.WriteRetries
	if retries <= 0 {
		retries = 5
	}
	pools := pool.NewEngine(store, retries)
	hold := modes.NewHoldLine(store, tun)
	return &Engine{
		store:   store,
		tun:     tun,
		gate:    NewGate(store, retries),
		res:     NewResolver(tun.Combat),
		pools:   pools,
		escape:  modes.NewEscape(store, tun.Escape, retries),
		raid:    modes.NewRaid(store, pools, tun.Raid),
		hold:    hold,
		overlay: breach.NewOverlay(store, tun, pools, hold),
		retries: retries,
	}
}

// Overlay exposes the breach controller for the day-tick runner.
func (e *Engine) Overlay() *breach.Overlay { return e.overlay }

// Pools exposes the pool engine for the day-tick runner.
func (e *Engine) Pools() *pool.Engine { return e.pools }

// HoldLine exposes the territory controller for the day-tick runner.
func (e *Engine) HoldLine() *modes.HoldLine { return e.hold }

// Raid exposes the raid controller for the day-tick runner.
func (e *Engine) Raid() *modes.Raid { return e.raid }

// Process runs one action envelope to completion. Transient write
// contention surfaces as E_CONFLICT with the budget refunded; the
// client retries the whole action.
func (e *Engine) Process(act protocol.ActionEvent) protocol.Result {
	if act.PlayerID == "" || act.Type == "" || act.Timestamp.IsZero() {
		return fail(protocol.ErrBadRequest, "player_id, type and timestamp are required")
	}

	p, spec, cerr := e.gate.Reserve(act.PlayerID, act.Type)
	if cerr != nil {
		return fail(cerr.Code, cerr.Message)
	}

	evs, code, msg, err := e.dispatch(p, act)
	if err != nil {
		_ = e.gate.Rollback(act.PlayerID, spec)
		if errors.Is(err, pool.ErrContention) || errors.Is(err, modes.ErrContention) || errors.Is(err, breach.ErrContention) {
			return fail(protocol.ErrConflict, "the depths shifted; try again")
		}
		return fail(protocol.ErrInternal, err.Error())
	}
	if code != "" {
		_ = e.gate.Rollback(act.PlayerID, spec)
		return fail(code, msg)
	}

	res := protocol.Result{OK: true, Events: evs}
	if e.emitter != nil {
		delivered, err := e.emitter.Emit(act.Timestamp, evs)
		if err != nil {
			// Journal trouble does not fail the action; the write already
			// landed in the store.
			return res
		}
		for _, ev := range delivered {
			res.Delivered = append(res.Delivered, ev.ID)
		}
	}
	return res
}

func fail(code, msg string) protocol.Result {
	return protocol.Result{OK: false, Code: code, Message: msg}
}

func (e *Engine) dispatch(p state.Player, act protocol.ActionEvent) ([]protocol.Event, string, string, error) {
	now := act.Timestamp
	switch act.Type {
	case protocol.ActEnter:
		return nil, "", "", e.setPlayerState(p.ID, state.StateDungeon, false)
	case protocol.ActRetreat:
		return e.handleRetreat(p, now)
	case protocol.ActRespawn:
		return nil, "", "", e.setPlayerState(p.ID, state.StateTown, true)
	case protocol.ActMove:
		return e.handleMove(p, now)
	case protocol.ActFight:
		return e.handleFight(p, act)
	case protocol.ActFlee:
		return e.handleFlee(p, act)
	case protocol.ActClear:
		return e.handleClear(p, act)
	case protocol.ActCheckpoint:
		return e.handleCheckpoint(p, act)
	case protocol.ActClaim, protocol.ActPickup, protocol.ActBlock, protocol.ActWard, protocol.ActLure:
		return e.handleEscapeOp(p, act)
	case protocol.ActAttune:
		if len(act.Args) == 0 {
			return nil, protocol.ErrBadRequest, "attune needs a glyph", nil
		}
		return e.overlay.Attune(p.ID, act.Args[0], now)
	case protocol.ActVote:
		return e.handleVote(p, act)
	}
	return nil, protocol.ErrBadRequest, "unknown action type", nil
}

// roll builds the deterministic rng for this action from the epoch seed.
func (e *Engine) roll(playerID string, ts time.Time) (*rand.Rand, state.Epoch, error) {
	ep, err := e.store.Epoch()
	if err != nil {
		return nil, state.Epoch{}, err
	}
	return e.res.Roll(ep.Seed, playerID, ts), ep, nil
}

func (e *Engine) handleRetreat(p state.Player, now time.Time) ([]protocol.Event, string, string, error) {
	carrier, err := e.isCarrier(p.ID)
	if err != nil {
		return nil, "", "", err
	}
	if carrier {
		return nil, protocol.ErrInvalidState, "the objective binds you to the depths", nil
	}
	return nil, "", "", e.setPlayerState(p.ID, state.StateTown, false)
}

func (e *Engine) handleMove(p state.Player, now time.Time) ([]protocol.Event, string, string, error) {
	esc, err := e.carrierRun(p.ID)
	if err != nil {
		return nil, "", "", err
	}
	if esc == nil {
		return nil, "", "", nil // uninstrumented exploration
	}
	out, evs, code, msg, err := esc.CarrierMove(p.ID, now)
	if err != nil || code != "" {
		return evs, code, msg, err
	}
	if out.Delivered {
		if err := e.setPlayerState(p.ID, state.StateTown, false); err != nil {
			return evs, "", "", err
		}
		progEvs, err := e.overlay.CheckProgress(now)
		if err != nil {
			return evs, "", "", err
		}
		evs = append(evs, progEvs...)
	}
	return evs, "", "", nil
}

func (e *Engine) handleFlee(p state.Player, act protocol.ActionEvent) ([]protocol.Event, string, string, error) {
	now := act.Timestamp
	rng, _, err := e.roll(p.ID, now)
	if err != nil {
		return nil, "", "", err
	}

	esc, _, err := e.caughtRun(p.ID)
	if err != nil {
		return nil, "", "", err
	}
	if esc != nil {
		success := e.res.FleeSuccess(rng, p.Spd, p.Spd) // pursuer matches the carrier's pace
		evs, code, msg, err := esc.Flee(p.ID, success, now)
		if err != nil || code != "" {
			return evs, code, msg, err
		}
		if !success {
			dmg := int(float64(p.MaxHP) * e.tun.Escape.FleeFailDamage)
			deathEvs, _, err := e.applyPlayerDamage(p.ID, dmg, now)
			if err != nil {
				return evs, "", "", err
			}
			evs = append(evs, deathEvs...)
		}
		return evs, "", "", nil
	}

	if p.State != state.StateCombat {
		return nil, protocol.ErrInvalidState, "nothing to flee from", nil
	}
	if p.EngagedPoolID != "" {
		pl, err := e.store.Pool(p.EngagedPoolID)
		if err != nil && !errors.Is(err, state.ErrNotFound) {
			return nil, "", "", err
		}
		if err == nil {
			if mech, blocked := pool.FleeBlocked(pl, !p.FleeAttempted); blocked {
				if err := e.markFleeAttempted(p.ID); err != nil {
					return nil, "", "", err
				}
				evs := []protocol.Event{{
					Type:      protocol.EvRaidMechanic,
					ActorID:   p.ID,
					SubjectID: string(mech),
					Timestamp: now,
				}}
				dmgEvs, _, err := e.applyPlayerDamage(p.ID, imax(1, p.MaxHP/10), now)
				if err != nil {
					return evs, "", "", err
				}
				return append(evs, dmgEvs...), "", "", nil
			}
		}
	}
	if e.res.FleeSuccess(rng, p.Spd, 0) {
		return nil, "", "", e.setPlayerState(p.ID, state.StateDungeon, false)
	}
	// A failed dash costs a parting hit.
	evs, _, err := e.applyPlayerDamage(p.ID, imax(1, p.MaxHP/10), now)
	return evs, "", "", err
}

func (e *Engine) handleClear(p state.Player, act protocol.ActionEvent) ([]protocol.Event, string, string, error) {
	if len(act.Args) == 0 {
		return nil, protocol.ErrBadRequest, "clear needs a cell", nil
	}
	now := act.Timestamp
	cell, err := e.store.Cell(act.Args[0])
	if errors.Is(err, state.ErrNotFound) {
		return nil, protocol.ErrInvalidTarget, "no such cell", nil
	}
	if err != nil {
		return nil, "", "", err
	}

	rng, _, err := e.roll(p.ID, now)
	if err != nil {
		return nil, "", "", err
	}
	bout := e.res.ResolveBout(rng, p, FoeForFloor(cell.Floor))

	var evs []protocol.Event
	if bout.DamageTaken > 0 {
		deathEvs, died, err := e.applyPlayerDamage(p.ID, bout.DamageTaken, now)
		if err != nil {
			return nil, "", "", err
		}
		evs = append(evs, deathEvs...)
		if died {
			return evs, "", "", nil
		}
	}
	if !bout.FoeDefeated {
		return evs, "", "", nil // driven back, cell still hostile
	}

	clearEvs, code, msg, err := e.hold.ClearCell(cell.ID, p.ID, now)
	evs = append(evs, clearEvs...)
	if err != nil || code != "" {
		return evs, code, msg, err
	}
	if cell.Zone == state.ZoneBreach {
		progEvs, err := e.overlay.CheckProgress(now)
		if err != nil {
			return evs, "", "", err
		}
		evs = append(evs, progEvs...)
	}
	return evs, "", "", nil
}

func (e *Engine) handleCheckpoint(p state.Player, act protocol.ActionEvent) ([]protocol.Event, string, string, error) {
	if len(act.Args) == 0 {
		return nil, protocol.ErrBadRequest, "checkpoint needs a target", nil
	}
	now := act.Timestamp
	ep, err := e.store.Epoch()
	if err != nil {
		return nil, "", "", err
	}
	allowance := 0
	if ep.Bonus == state.BonusTerritoryCredit {
		allowance = 1
	}
	evs, code, msg, err := e.hold.EstablishCheckpoint(act.Args[0], p.ID, allowance, now)
	if err != nil || code != "" {
		return evs, code, msg, err
	}
	if allowance > 0 {
		if err := e.consumeBonus(state.BonusTerritoryCredit); err != nil {
			return evs, "", "", err
		}
	}
	return evs, "", "", nil
}

// handleEscapeOp routes claim/pickup/block/ward/lure at the right
// pursuer row: the heist row when explicitly targeted or when the main
// run is not this epoch's mode.
func (e *Engine) handleEscapeOp(p state.Player, act protocol.ActionEvent) ([]protocol.Event, string, string, error) {
	now := act.Timestamp
	esc, code, msg, err := e.escapeTarget(act.Args)
	if err != nil || code != "" {
		return nil, code, msg, err
	}
	switch act.Type {
	case protocol.ActClaim:
		return esc.Claim(p.ID, now)
	case protocol.ActPickup:
		return esc.Pickup(p.ID, now)
	case protocol.ActBlock:
		return esc.Block(p.ID, now)
	case protocol.ActWard:
		return esc.Ward(p.ID, now)
	case protocol.ActLure:
		return esc.Lure(p.ID, now)
	}
	return nil, protocol.ErrBadRequest, "unknown escape op", nil
}

func (e *Engine) escapeTarget(args []string) (*modes.Escape, string, string, error) {
	explicit := len(args) > 0 && args[0] == "breach"
	ep, err := e.store.Epoch()
	if err != nil {
		return nil, "", "", err
	}
	if !explicit && ep.Mode == state.ModeEscape {
		return e.escape, "", "", nil
	}
	b, err := e.store.Breach()
	if err != nil {
		return nil, "", "", err
	}
	if b.Event == state.BreachHeist && b.Phase == state.BreachActive {
		return e.overlay.Heist(), "", "", nil
	}
	if explicit {
		return nil, protocol.ErrSealed, "no heist to run", nil
	}
	return nil, protocol.ErrInvalidState, "no escape run this epoch", nil
}

func (e *Engine) handleVote(p state.Player, act protocol.ActionEvent) ([]protocol.Event, string, string, error) {
	if len(act.Args) == 0 {
		return nil, protocol.ErrBadRequest, "vote needs a mode", nil
	}
	mode := act.Args[0]
	switch mode {
	case state.ModeEscape, state.ModeRaid, state.ModeHoldLine:
	default:
		return nil, protocol.ErrBadRequest, "unknown mode "+mode, nil
	}
	ep, err := e.store.Epoch()
	if err != nil {
		return nil, "", "", err
	}
	if !ep.VoteOpen {
		return nil, protocol.ErrInvalidState, "the vote has not opened", nil
	}
	return nil, "", "", e.store.CastVote(p.ID, mode)
}

// carrierRun returns the escape controller whose row this player is
// actively carrying, nil if none.
func (e *Engine) carrierRun(playerID string) (*modes.Escape, error) {
	for _, esc := range []*modes.Escape{e.escape, e.overlay.Heist()} {
		run, err := esc.Status()
		if errors.Is(err, state.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if run.Mode == state.PursuerActive && run.CarrierID == playerID {
			return esc, nil
		}
	}
	return nil, nil
}

// caughtRun is carrierRun for the caught state.
func (e *Engine) caughtRun(playerID string) (*modes.Escape, state.Pursuer, error) {
	for _, esc := range []*modes.Escape{e.escape, e.overlay.Heist()} {
		run, err := esc.Status()
		if errors.Is(err, state.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, state.Pursuer{}, err
		}
		if run.Mode == state.PursuerCaught && run.CarrierID == playerID {
			return esc, run, nil
		}
	}
	return nil, state.Pursuer{}, nil
}

func (e *Engine) isCarrier(playerID string) (bool, error) {
	esc, err := e.carrierRun(playerID)
	if err != nil {
		return false, err
	}
	if esc != nil {
		return true, nil
	}
	caught, _, err := e.caughtRun(playerID)
	return caught != nil, err
}

// updatePlayer runs fn against a fresh read of the player row under the
// conditional-write retry loop. fn must be pure in the row; retries
// recompute from scratch.
func (e *Engine) updatePlayer(playerID string, fn func(*state.Player)) error {
	for attempt := 0; attempt < e.retries; attempt++ {
		p, err := e.store.Player(playerID)
		if err != nil {
			return err
		}
		fn(&p)
		if err := e.store.UpdatePlayer(p); err != nil {
			if errors.Is(err, state.ErrVersionConflict) {
				continue
			}
			return err
		}
		return nil
	}
	return modes.ErrContention
}

func (e *Engine) setPlayerState(playerID, to string, healFull bool) error {
	return e.updatePlayer(playerID, func(p *state.Player) {
		p.State = to
		if healFull {
			p.HP = p.MaxHP
		}
		if to != state.StateCombat {
			p.EngagedPoolID = ""
			p.FleeAttempted = false
		}
	})
}

// setPlayerCombat locks the player onto a pool. Re-engaging a different
// pool starts a fresh lock; refighting the same one keeps it.
func (e *Engine) setPlayerCombat(playerID, poolID string) error {
	return e.updatePlayer(playerID, func(p *state.Player) {
		p.State = state.StateCombat
		if p.EngagedPoolID != poolID {
			p.EngagedPoolID = poolID
			p.FleeAttempted = false
		}
	})
}

func (e *Engine) markFleeAttempted(playerID string) error {
	return e.updatePlayer(playerID, func(p *state.Player) {
		p.FleeAttempted = true
	})
}

// applyPlayerDamage lands a hit on the player row and resolves death:
// the player drops to the dead state and any carried objective enters
// the relay window. Exhausting the write retries surfaces as an error
// with nothing applied and nothing emitted.
func (e *Engine) applyPlayerDamage(playerID string, dmg int, now time.Time) ([]protocol.Event, bool, error) {
	if dmg <= 0 {
		return nil, false, nil
	}
	died := false
	err := e.updatePlayer(playerID, func(p *state.Player) {
		p.HP -= dmg
		died = p.HP <= 0
		if died {
			p.HP = 0
			p.State = state.StateDead
			p.EngagedPoolID = ""
			p.FleeAttempted = false
		}
	})
	if err != nil {
		return nil, false, err
	}
	if !died {
		return nil, false, nil
	}
	evs := []protocol.Event{{
		Type:      protocol.EvPlayerDied,
		ActorID:   playerID,
		Timestamp: now,
	}}
	for _, esc := range []*modes.Escape{e.escape, e.overlay.Heist()} {
		dropEvs, err := esc.OnCarrierDeath(playerID, now)
		if err != nil && !errors.Is(err, state.ErrNotFound) {
			return evs, true, err
		}
		evs = append(evs, dropEvs...)
	}
	return evs, true, nil
}

func (e *Engine) consumeBonus(tag string) error {
	for attempt := 0; attempt < e.retries; attempt++ {
		ep, err := e.store.Epoch()
		if err != nil {
			return err
		}
		if ep.Bonus != tag {
			return nil
		}
		ep.Bonus = ""
		if err := e.store.UpdateEpoch(ep); err != nil {
			if errors.Is(err, state.ErrVersionConflict) {
				continue
			}
			return err
		}
		return nil
	}
	return modes.ErrContention
}

func imax(a, b int) int {
	if a > b {
		return a
	}
	return b
}
