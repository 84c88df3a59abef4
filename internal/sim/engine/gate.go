package engine

import (
	"errors"

	"darkcragg.world/internal/protocol"
	"darkcragg.world/internal/sim/state"
)

// ActionSpec declares where an action is legal and what it costs.
type ActionSpec struct {
	States []string
	Budget string // empty for free actions
	Cost   int
}

func (s ActionSpec) allows(playerState string) bool {
	for _, st := range s.States {
		if st == playerState {
			return true
		}
	}
	return false
}

// actionTable is the single source of truth for action legality and cost.
var actionTable = map[string]ActionSpec{
	protocol.ActEnter:      {States: []string{state.StateTown}, Budget: state.BudgetDungeon, Cost: 1},
	protocol.ActMove:       {States: []string{state.StateDungeon}, Budget: state.BudgetDungeon, Cost: 1},
	protocol.ActFight:      {States: []string{state.StateDungeon, state.StateCombat}, Budget: state.BudgetDungeon, Cost: 1},
	protocol.ActFlee:       {States: []string{state.StateCombat, state.StateDungeon}, Budget: state.BudgetDungeon, Cost: 1},
	protocol.ActRetreat:    {States: []string{state.StateDungeon}},
	protocol.ActRespawn:    {States: []string{state.StateDead}},
	protocol.ActClear:      {States: []string{state.StateDungeon}, Budget: state.BudgetDungeon, Cost: 1},
	protocol.ActCheckpoint: {States: []string{state.StateDungeon}, Budget: state.BudgetDungeon, Cost: 1},
	protocol.ActClaim:      {States: []string{state.StateDungeon}, Budget: state.BudgetDungeon, Cost: 1},
	protocol.ActPickup:     {States: []string{state.StateDungeon}, Budget: state.BudgetDungeon, Cost: 1},
	protocol.ActBlock:      {States: []string{state.StateDungeon}, Budget: state.BudgetDungeon, Cost: 1},
	protocol.ActWard:       {States: []string{state.StateDungeon}, Budget: state.BudgetDungeon, Cost: 1},
	protocol.ActLure:       {States: []string{state.StateDungeon}, Budget: state.BudgetDungeon, Cost: 2},
	protocol.ActAttune:     {States: []string{state.StateDungeon}, Budget: state.BudgetDungeon, Cost: 1},
	protocol.ActVote:       {States: []string{state.StateTown, state.StateDungeon, state.StateCombat}, Budget: state.BudgetSocial, Cost: 1},
}

// SpecFor exposes the action table for callers that need cost metadata.
func SpecFor(actionType string) (ActionSpec, bool) {
	s, ok := actionTable[actionType]
	return s, ok
}

// Gate validates player state against an action and atomically reserves
// its budget. The reservation is a conditional write on the player row:
// linearizable per player, no cross-player contention.
type Gate struct {
	store   state.Store
	retries int
}

func NewGate(store state.Store, retries int) *Gate {
	if retries <= 0 {
		retries = 5
	}
	return &Gate{store: store, retries: retries}
}

// Reserve checks legality and decrements the budget in one step. On
// success it returns the updated player row plus the spec used (so
// failures downstream can roll the same reservation back exactly once).
func (g *Gate) Reserve(playerID, actionType string) (state.Player, ActionSpec, *Coded) {
	spec, ok := actionTable[actionType]
	if !ok {
		return state.Player{}, spec, code(protocol.ErrBadRequest, "unknown action type")
	}
	for attempt := 0; attempt < g.retries; attempt++ {
		p, err := g.store.Player(playerID)
		if errors.Is(err, state.ErrNotFound) {
			return state.Player{}, spec, code(protocol.ErrBadRequest, "unknown player")
		}
		if err != nil {
			return state.Player{}, spec, internal(err)
		}
		if !spec.allows(p.State) {
			return state.Player{}, spec, code(protocol.ErrInvalidState, "action not legal in state "+p.State)
		}
		if spec.Cost == 0 {
			return p, spec, nil
		}
		if p.Budget(spec.Budget) < spec.Cost {
			return state.Player{}, spec, code(protocol.ErrNoBudget, "out of "+spec.Budget+" actions today")
		}
		p.AddBudget(spec.Budget, -spec.Cost)
		if err := g.store.UpdatePlayer(p); err != nil {
			if errors.Is(err, state.ErrVersionConflict) {
				continue
			}
			return state.Player{}, spec, internal(err)
		}
		return p, spec, nil
	}
	return state.Player{}, spec, code(protocol.ErrConflict, "try again")
}

// Rollback returns a reservation after a downstream failure. Callers
// invoke it at most once per failed reservation.
func (g *Gate) Rollback(playerID string, spec ActionSpec) error {
	if spec.Cost == 0 {
		return nil
	}
	for attempt := 0; attempt < g.retries; attempt++ {
		p, err := g.store.Player(playerID)
		if err != nil {
			return err
		}
		p.AddBudget(spec.Budget, spec.Cost)
		if err := g.store.UpdatePlayer(p); err != nil {
			if errors.Is(err, state.ErrVersionConflict) {
				continue
			}
			return err
		}
		return nil
	}
	return errors.New("gate: rollback retries exhausted")
}

// Coded is an action-level failure with a protocol error code.
type Coded struct {
	Code    string
	Message string
}

func (c *Coded) Error() string { return c.Code + ": " + c.Message }

func code(c, msg string) *Coded { return &Coded{Code: c, Message: msg} }

func internal(err error) *Coded { return &Coded{Code: protocol.ErrInternal, Message: err.Error()} }
