package engine

import (
	"testing"

	"darkcragg.world/internal/protocol"
	"darkcragg.world/internal/sim/state"
	"darkcragg.world/internal/sim/tuning"
)

func newEngine(t *testing.T, mode string) (*Engine, *state.MemoryStore) {
	t.Helper()
	st := state.NewMemoryStore()
	if err := st.PutEpoch(state.Epoch{Seed: 7, Day: 3, Mode: mode}); err != nil {
		t.Fatalf("put epoch: %v", err)
	}
	if err := st.PutBreach(state.Breach{Event: state.BreachHeist, Phase: state.BreachSealed}); err != nil {
		t.Fatalf("put breach: %v", err)
	}
	return New(st, tuning.Default(), nil), st
}

func seedBountyPool(t *testing.T, st *state.MemoryStore, id string, hp, lives int) {
	t.Helper()
	err := st.PutPool(state.Pool{
		ID:                id,
		Kind:              state.PoolBounty,
		CurrentHP:         hp,
		MaxHP:             hp,
		RegenRate:         0.05,
		RegenIntervalSecs: 8 * 3600,
		LastRegenUnix:     base.Unix(),
		Lives:             lives,
		Active:            true,
	})
	if err != nil {
		t.Fatalf("put pool: %v", err)
	}
}

func act(playerID, actionType string, args ...string) protocol.ActionEvent {
	return protocol.ActionEvent{PlayerID: playerID, Type: actionType, Args: args, Timestamp: base}
}

func TestProcess_RejectsIncompleteEnvelope(t *testing.T) {
	eng, _ := newEngine(t, state.ModeHoldLine)

	res := eng.Process(protocol.ActionEvent{PlayerID: "p1", Type: protocol.ActMove})
	if res.OK || res.Code != protocol.ErrBadRequest {
		t.Fatalf("res = %+v", res)
	}
	res = eng.Process(protocol.ActionEvent{Type: protocol.ActMove, Timestamp: base})
	if res.OK || res.Code != protocol.ErrBadRequest {
		t.Fatalf("res = %+v", res)
	}
}

func TestProcess_FightSpendsBudgetAndLandsDamage(t *testing.T) {
	eng, st := newEngine(t, state.ModeHoldLine)
	seedPlayer(t, st, "p1", state.StateDungeon, 5)
	seedBountyPool(t, st, "bounty-1", 600, 3)

	res := eng.Process(act("p1", protocol.ActFight, "bounty-1"))
	if !res.OK {
		t.Fatalf("res = %+v", res)
	}
	if len(res.Events) == 0 || res.Events[0].Type != protocol.EvPoolDamaged {
		t.Fatalf("events = %v", res.Events)
	}
	applied := res.Events[0].NumericValue
	if applied < 1 {
		t.Fatalf("applied = %d", applied)
	}

	pl, _ := st.Pool("bounty-1")
	if pl.CurrentHP != 600-int(applied) {
		t.Fatalf("pool hp = %d, applied = %d", pl.CurrentHP, applied)
	}
	entry, err := st.LedgerEntry("bounty-1", "p1")
	if err != nil || entry.Damage != int(applied) {
		t.Fatalf("ledger = %+v err = %v", entry, err)
	}

	p, _ := st.Player("p1")
	if p.DungeonActions != 4 {
		t.Fatalf("budget = %d, want 4", p.DungeonActions)
	}
	if p.State != state.StateCombat {
		t.Fatalf("state = %s, want combat", p.State)
	}
	if p.HP >= p.MaxHP {
		t.Fatalf("pool counterattack never landed")
	}
}

func TestProcess_FightBadTargetRefundsBudget(t *testing.T) {
	eng, st := newEngine(t, state.ModeHoldLine)
	seedPlayer(t, st, "p1", state.StateDungeon, 5)

	res := eng.Process(act("p1", protocol.ActFight, "ghost"))
	if res.OK || res.Code != protocol.ErrInvalidTarget {
		t.Fatalf("res = %+v", res)
	}
	p, _ := st.Player("p1")
	if p.DungeonActions != 5 {
		t.Fatalf("budget = %d after refund, want 5", p.DungeonActions)
	}

	res = eng.Process(act("p1", protocol.ActFight))
	if res.OK || res.Code != protocol.ErrBadRequest {
		t.Fatalf("missing target res = %+v", res)
	}
	p, _ = st.Player("p1")
	if p.DungeonActions != 5 {
		t.Fatalf("budget = %d after refund, want 5", p.DungeonActions)
	}
}

func TestProcess_NoBudgetFailsFast(t *testing.T) {
	eng, st := newEngine(t, state.ModeHoldLine)
	seedPlayer(t, st, "p1", state.StateDungeon, 0)
	seedBountyPool(t, st, "bounty-1", 600, 3)

	res := eng.Process(act("p1", protocol.ActFight, "bounty-1"))
	if res.OK || res.Code != protocol.ErrNoBudget {
		t.Fatalf("res = %+v", res)
	}
	pl, _ := st.Pool("bounty-1")
	if pl.CurrentHP != 600 {
		t.Fatalf("pool touched without budget")
	}
}

func TestProcess_FightCompletionDistributesAndEchoes(t *testing.T) {
	eng, st := newEngine(t, state.ModeHoldLine)
	seedPlayer(t, st, "p1", state.StateDungeon, 5)
	seedBountyPool(t, st, "bounty-1", 5, 1)

	res := eng.Process(act("p1", protocol.ActFight, "bounty-1"))
	if !res.OK {
		t.Fatalf("res = %+v", res)
	}
	types := map[string]int{}
	for _, ev := range res.Events {
		types[ev.Type]++
	}
	for _, want := range []string{protocol.EvPoolCompleted, protocol.EvRewardGranted, protocol.EvKillingBlow, protocol.EvPoolReplaced} {
		if types[want] == 0 {
			t.Fatalf("missing %s in %v", want, types)
		}
	}

	echo, err := st.Pool("bounty-1-echo")
	if err != nil {
		t.Fatalf("echo pool: %v", err)
	}
	if echo.Kind != state.PoolFloorBoss || echo.MaxHP != 2 || !echo.Active {
		t.Fatalf("echo = %+v", echo)
	}

	p, _ := st.Player("p1")
	if p.State != state.StateDungeon {
		t.Fatalf("state = %s after completion, want dungeon", p.State)
	}

	// The quarry stays dead.
	res = eng.Process(act("p1", protocol.ActFight, "bounty-1"))
	if res.OK || res.Code != protocol.ErrPoolCompleted {
		t.Fatalf("res = %+v", res)
	}
}

func TestProcess_EnterRetreatRespawn(t *testing.T) {
	eng, st := newEngine(t, state.ModeHoldLine)
	seedPlayer(t, st, "p1", state.StateTown, 5)

	if res := eng.Process(act("p1", protocol.ActEnter)); !res.OK {
		t.Fatalf("enter: %+v", res)
	}
	p, _ := st.Player("p1")
	if p.State != state.StateDungeon {
		t.Fatalf("state = %s", p.State)
	}

	if res := eng.Process(act("p1", protocol.ActRetreat)); !res.OK {
		t.Fatalf("retreat: %+v", res)
	}
	p, _ = st.Player("p1")
	if p.State != state.StateTown || p.DungeonActions != 4 {
		t.Fatalf("player = %+v", p)
	}

	p.State = state.StateDead
	p.HP = 0
	if err := st.UpdatePlayer(p); err != nil {
		t.Fatalf("update: %v", err)
	}
	if res := eng.Process(act("p1", protocol.ActRespawn)); !res.OK {
		t.Fatalf("respawn: %+v", res)
	}
	p, _ = st.Player("p1")
	if p.State != state.StateTown || p.HP != p.MaxHP {
		t.Fatalf("player = %+v", p)
	}
}

func TestProcess_CarrierCannotRetreat(t *testing.T) {
	eng, st := newEngine(t, state.ModeEscape)
	seedPlayer(t, st, "p1", state.StateDungeon, 5)

	if err := st.PutPursuer(state.Pursuer{ID: "main", Mode: state.PursuerUnclaimed, RouteLen: 12}); err != nil {
		t.Fatalf("put pursuer: %v", err)
	}
	if res := eng.Process(act("p1", protocol.ActClaim)); !res.OK {
		t.Fatalf("claim: %+v", res)
	}

	res := eng.Process(act("p1", protocol.ActRetreat))
	if res.OK || res.Code != protocol.ErrInvalidState {
		t.Fatalf("retreat as carrier: %+v", res)
	}
}

func TestProcess_EscapeOpsRejectedOutsideEscapeMode(t *testing.T) {
	eng, st := newEngine(t, state.ModeHoldLine)
	seedPlayer(t, st, "p1", state.StateDungeon, 5)

	res := eng.Process(act("p1", protocol.ActClaim))
	if res.OK || res.Code != protocol.ErrInvalidState {
		t.Fatalf("claim outside mode: %+v", res)
	}

	// Explicitly targeting the breach heist before it opens is its own
	// failure.
	res = eng.Process(act("p1", protocol.ActClaim, "breach"))
	if res.OK || res.Code != protocol.ErrSealed {
		t.Fatalf("claim sealed heist: %+v", res)
	}
}

func TestProcess_VoteGatedByWindow(t *testing.T) {
	eng, st := newEngine(t, state.ModeHoldLine)
	seedPlayer(t, st, "p1", state.StateTown, 5)

	res := eng.Process(act("p1", protocol.ActVote, state.ModeRaid))
	if res.OK || res.Code != protocol.ErrInvalidState {
		t.Fatalf("vote before window: %+v", res)
	}

	ep, _ := st.Epoch()
	ep.VoteOpen = true
	if err := st.UpdateEpoch(ep); err != nil {
		t.Fatalf("update epoch: %v", err)
	}

	if res := eng.Process(act("p1", protocol.ActVote, state.ModeRaid)); !res.OK {
		t.Fatalf("vote: %+v", res)
	}
	if res := eng.Process(act("p1", protocol.ActVote, "anarchy")); res.OK || res.Code != protocol.ErrBadRequest {
		t.Fatalf("bogus mode: %+v", res)
	}

	tally, err := st.TallyVotes()
	if err != nil || tally[state.ModeRaid] != 1 {
		t.Fatalf("tally = %v err = %v", tally, err)
	}
}

func seedMechanicPool(t *testing.T, st *state.MemoryStore, id string, hp, max int, mechs ...state.Mechanic) {
	t.Helper()
	err := st.PutPool(state.Pool{
		ID:            id,
		Kind:          state.PoolBounty,
		CurrentHP:     hp,
		MaxHP:         max,
		LastRegenUnix: base.Unix(),
		Lives:         1,
		Mechanics:     mechs,
		Active:        true,
	})
	if err != nil {
		t.Fatalf("put pool: %v", err)
	}
}

func TestProcess_NoEscapeMechanicPinsFleeing(t *testing.T) {
	eng, st := newEngine(t, state.ModeHoldLine)
	seedPlayer(t, st, "p1", state.StateDungeon, 5)
	seedMechanicPool(t, st, "bounty-1", 90, 400, state.MechNoEscape)

	if res := eng.Process(act("p1", protocol.ActFight, "bounty-1")); !res.OK {
		t.Fatalf("fight: %+v", res)
	}
	p, _ := st.Player("p1")
	if p.State != state.StateCombat || p.EngagedPoolID != "bounty-1" {
		t.Fatalf("player = %+v, want combat lock on bounty-1", p)
	}
	hpBefore := p.HP

	// The pool sits deep in its last quarter: every flee is denied, the
	// pursuer lands the parting hit and the lock holds.
	for attempt := 0; attempt < 2; attempt++ {
		res := eng.Process(act("p1", protocol.ActFlee))
		if !res.OK {
			t.Fatalf("flee %d: %+v", attempt, res)
		}
		if len(res.Events) == 0 || res.Events[0].Type != protocol.EvRaidMechanic || res.Events[0].SubjectID != string(state.MechNoEscape) {
			t.Fatalf("flee %d events = %v", attempt, res.Events)
		}
	}
	p, _ = st.Player("p1")
	if p.State != state.StateCombat {
		t.Fatalf("state = %s, want combat", p.State)
	}
	if p.HP >= hpBefore {
		t.Fatalf("hp = %d, parting hits never landed", p.HP)
	}
}

func TestProcess_StalwartDeniesFirstFleeOnly(t *testing.T) {
	eng, st := newEngine(t, state.ModeHoldLine)
	seedPlayer(t, st, "p1", state.StateDungeon, 5)
	seedMechanicPool(t, st, "bounty-1", 500, 500, state.MechStalwart)

	if res := eng.Process(act("p1", protocol.ActFight, "bounty-1")); !res.OK {
		t.Fatalf("fight: %+v", res)
	}

	res := eng.Process(act("p1", protocol.ActFlee))
	if !res.OK {
		t.Fatalf("first flee: %+v", res)
	}
	if len(res.Events) == 0 || res.Events[0].SubjectID != string(state.MechStalwart) {
		t.Fatalf("first flee events = %v", res.Events)
	}
	p, _ := st.Player("p1")
	if p.State != state.StateCombat || !p.FleeAttempted {
		t.Fatalf("player = %+v after denied flee", p)
	}

	res = eng.Process(act("p1", protocol.ActFlee))
	if !res.OK {
		t.Fatalf("second flee: %+v", res)
	}
	for _, ev := range res.Events {
		if ev.SubjectID == string(state.MechStalwart) {
			t.Fatalf("second flee still denied: %v", res.Events)
		}
	}
}

func TestProcess_BountyCompletionActivatesNextDue(t *testing.T) {
	eng, st := newEngine(t, state.ModeHoldLine) // day 3
	seedPlayer(t, st, "p1", state.StateDungeon, 5)
	seedBountyPool(t, st, "bounty-0", 5, 1)
	seedMechanicPool(t, st, "bounty-1", 400, 400)
	seedMechanicPool(t, st, "bounty-2", 400, 400)
	for id, from := range map[string]int{"bounty-1": 2, "bounty-2": 10} {
		pl, _ := st.Pool(id)
		pl.Active = false
		pl.ActiveFromDay = from
		if err := st.UpdatePool(pl); err != nil {
			t.Fatalf("update %s: %v", id, err)
		}
	}

	res := eng.Process(act("p1", protocol.ActFight, "bounty-0"))
	if !res.OK {
		t.Fatalf("fight: %+v", res)
	}
	activated := map[string]bool{}
	for _, ev := range res.Events {
		if ev.Type == protocol.EvBountyActive {
			activated[ev.SubjectID] = true
		}
	}
	if !activated["bounty-1"] || activated["bounty-2"] {
		t.Fatalf("activated = %v, want bounty-1 only", activated)
	}
	b1, _ := st.Pool("bounty-1")
	b2, _ := st.Pool("bounty-2")
	if !b1.Active || b2.Active {
		t.Fatalf("stored active: b1=%v b2=%v", b1.Active, b2.Active)
	}
}

func TestProcess_StoredHPAboveMaxClampsAndJournals(t *testing.T) {
	eng, st := newEngine(t, state.ModeHoldLine)
	seedPlayer(t, st, "p1", state.StateDungeon, 5)
	seedMechanicPool(t, st, "bounty-1", 650, 400)

	res := eng.Process(act("p1", protocol.ActFight, "bounty-1"))
	if !res.OK {
		t.Fatalf("fight: %+v", res)
	}
	found := false
	for _, ev := range res.Events {
		if ev.Type == protocol.EvInvariant && ev.SubjectID == "hp_above_max" && ev.ActorID == "bounty-1" {
			found = true
		}
	}
	if !found {
		t.Fatalf("no clamp record in %v", res.Events)
	}
	pl, _ := st.Pool("bounty-1")
	if pl.CurrentHP > pl.MaxHP {
		t.Fatalf("hp = %d still above max %d", pl.CurrentHP, pl.MaxHP)
	}
}

type conflictPlayerStore struct {
	*state.MemoryStore
}

func (s conflictPlayerStore) UpdatePlayer(p state.Player) error {
	return state.ErrVersionConflict
}

func TestApplyPlayerDamage_ContentionAppliesNothing(t *testing.T) {
	st := state.NewMemoryStore()
	seedPlayer(t, st, "p1", state.StateDungeon, 5)
	eng := New(conflictPlayerStore{st}, tuning.Default(), nil)

	evs, died, err := eng.applyPlayerDamage("p1", 200, base)
	if err == nil {
		t.Fatalf("want contention error, got evs=%v died=%v", evs, died)
	}
	if died || len(evs) != 0 {
		t.Fatalf("partial effects: evs=%v died=%v", evs, died)
	}
	p, _ := st.Player("p1")
	if p.HP != 100 || p.State != state.StateDungeon {
		t.Fatalf("row changed: %+v", p)
	}
}
