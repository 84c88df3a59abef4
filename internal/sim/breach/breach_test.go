package breach

import (
	"errors"
	"testing"
	"time"

	"darkcragg.world/internal/protocol"
	"darkcragg.world/internal/sim/modes"
	"darkcragg.world/internal/sim/pool"
	"darkcragg.world/internal/sim/state"
	"darkcragg.world/internal/sim/tuning"
)

var base = time.Unix(1_700_000_000, 0).UTC()

func newOverlay(t *testing.T, tun tuning.Tuning, mode string) (*Overlay, *state.MemoryStore) {
	t.Helper()
	st := state.NewMemoryStore()
	if err := st.PutEpoch(state.Epoch{Seed: 11, Day: 15, Mode: mode}); err != nil {
		t.Fatalf("put epoch: %v", err)
	}
	hold := modes.NewHoldLine(st, tun)
	return NewOverlay(st, tun, pool.NewEngine(st, 5), hold), st
}

func sealOverlay(t *testing.T, st *state.MemoryStore, b state.Breach) {
	t.Helper()
	b.Phase = state.BreachSealed
	if err := st.PutBreach(b); err != nil {
		t.Fatalf("put breach: %v", err)
	}
}

func TestGenerate_DeterministicInSeed(t *testing.T) {
	tun := tuning.Default()
	a, sa := newOverlay(t, tun, state.ModeEscape)
	b, sb := newOverlay(t, tun, state.ModeEscape)

	if err := a.Generate(99); err != nil {
		t.Fatalf("generate: %v", err)
	}
	if err := b.Generate(99); err != nil {
		t.Fatalf("generate: %v", err)
	}
	ba, _ := sa.Breach()
	bb, _ := sb.Breach()
	if ba.Event != bb.Event || len(ba.Glyphs) != len(bb.Glyphs) {
		t.Fatalf("rows diverge: %+v vs %+v", ba, bb)
	}
	for i := range ba.Glyphs {
		if ba.Glyphs[i] != bb.Glyphs[i] {
			t.Fatalf("glyph %d diverges", i)
		}
	}
}

func TestOmen_WindowOnly(t *testing.T) {
	tun := tuning.Default()
	o, _ := newOverlay(t, tun, state.ModeEscape)

	if evs := o.Omen(tun.BreachDay-tun.ForeshadowDays-1, base); evs != nil {
		t.Fatalf("omen before window: %v", evs)
	}
	evs := o.Omen(tun.BreachDay-1, base)
	if len(evs) != 1 || evs[0].Type != protocol.EvBreachOmen || evs[0].NumericValue != 1 {
		t.Fatalf("omen = %v", evs)
	}
	if evs := o.Omen(tun.BreachDay, base); evs != nil {
		t.Fatalf("omen on breach day: %v", evs)
	}
}

func TestActivate_Idempotent(t *testing.T) {
	tun := tuning.Default()
	o, st := newOverlay(t, tun, state.ModeEscape)
	sealOverlay(t, st, state.Breach{Event: state.BreachResonance, Glyphs: []string{"ash", "tide"}})

	evs, err := o.Activate(11, base)
	if err != nil {
		t.Fatalf("activate: %v", err)
	}
	if len(evs) != 1 || evs[0].Type != protocol.EvBreachOpened {
		t.Fatalf("events = %v", evs)
	}
	ep, _ := st.Epoch()
	if !ep.BreachOpen {
		t.Fatalf("breach flag not raised on the epoch row")
	}

	evs, err = o.Activate(11, base.Add(time.Hour))
	if err != nil || evs != nil {
		t.Fatalf("second activate: evs=%v err=%v", evs, err)
	}
}

func TestAttune_SequenceWithResets(t *testing.T) {
	tun := tuning.Default()
	o, st := newOverlay(t, tun, state.ModeHoldLine)
	sealOverlay(t, st, state.Breach{Event: state.BreachResonance, Glyphs: []string{"ash", "tide", "ember"}})

	_, code, _, err := o.Attune("p1", "ash", base)
	if err != nil || code != protocol.ErrSealed {
		t.Fatalf("attune sealed: code=%s err=%v", code, err)
	}

	if _, err := o.Activate(11, base); err != nil {
		t.Fatalf("activate: %v", err)
	}

	for _, glyph := range []string{"ash", "tide"} {
		if _, code, _, err := o.Attune("p1", glyph, base); err != nil || code != "" {
			t.Fatalf("attune %s: code=%s err=%v", glyph, code, err)
		}
	}
	// Wrong glyph wipes progress without failing the action.
	if _, code, _, err := o.Attune("p2", "ash", base); err != nil || code != "" {
		t.Fatalf("wrong glyph: code=%s err=%v", code, err)
	}
	b, _ := st.Breach()
	if b.GlyphProgress != 0 {
		t.Fatalf("progress = %d after wrong glyph, want 0", b.GlyphProgress)
	}

	var last []protocol.Event
	for _, glyph := range []string{"ash", "tide", "ember"} {
		evs, code, _, err := o.Attune("p1", glyph, base)
		if err != nil || code != "" {
			t.Fatalf("attune %s: code=%s err=%v", glyph, code, err)
		}
		last = evs
	}
	if len(last) != 2 || last[0].Type != protocol.EvBreachComplete || last[1].Type != protocol.EvBreachBonus {
		t.Fatalf("completion events = %v", last)
	}
	if last[1].SubjectID != state.BonusTerritoryCredit {
		t.Fatalf("bonus = %s, want territory credit", last[1].SubjectID)
	}

	b, _ = st.Breach()
	if b.Phase != state.BreachCompleted {
		t.Fatalf("phase = %s", b.Phase)
	}
	ep, _ := st.Epoch()
	if ep.Bonus != state.BonusTerritoryCredit {
		t.Fatalf("epoch bonus = %s", ep.Bonus)
	}
}

func TestAttune_WrongEvent(t *testing.T) {
	tun := tuning.Default()
	o, st := newOverlay(t, tun, state.ModeEscape)
	sealOverlay(t, st, state.Breach{Event: state.BreachEmergence})
	if _, err := o.Activate(11, base); err != nil {
		t.Fatalf("activate: %v", err)
	}

	_, code, _, err := o.Attune("p1", "ash", base)
	if err != nil || code != protocol.ErrInvalidTarget {
		t.Fatalf("code=%s err=%v", code, err)
	}
}

func TestEmergence_PoolSpawnsAndResolves(t *testing.T) {
	tun := tuning.Default()
	o, st := newOverlay(t, tun, state.ModeRaid)
	sealOverlay(t, st, state.Breach{Event: state.BreachEmergence})
	if _, err := o.Activate(11, base); err != nil {
		t.Fatalf("activate: %v", err)
	}

	p, err := st.Pool(EmergencePoolID)
	if err != nil {
		t.Fatalf("emergence pool: %v", err)
	}
	if p.Kind != state.PoolEmergence || !p.Active {
		t.Fatalf("pool = %+v", p)
	}
	if p.MaxHP < tun.Breach.EmergenceHPMin || p.MaxHP > tun.Breach.EmergenceHPMax {
		t.Fatalf("hp %d outside [%d, %d]", p.MaxHP, tun.Breach.EmergenceHPMin, tun.Breach.EmergenceHPMax)
	}

	if evs, err := o.CheckProgress(base); err != nil || len(evs) != 0 {
		t.Fatalf("progress with boss alive: evs=%v err=%v", evs, err)
	}

	p.Completed = true
	if err := st.UpdatePool(p); err != nil {
		t.Fatalf("update pool: %v", err)
	}
	evs, err := o.CheckProgress(base.Add(time.Hour))
	if err != nil {
		t.Fatalf("progress: %v", err)
	}
	if len(evs) != 2 || evs[1].SubjectID != state.BonusRaidDamage {
		t.Fatalf("completion = %v", evs)
	}
}

func TestIncursion_HoldWindow(t *testing.T) {
	tun := tuning.Default()
	tun.Breach.IncursionHoldHours = 1
	o, st := newOverlay(t, tun, state.ModeHoldLine)
	sealOverlay(t, st, state.Breach{Event: state.BreachIncursion})
	for _, id := range []string{"breach-00", "breach-01"} {
		if err := st.PutCell(state.Cell{ID: id, Zone: state.ZoneBreach, Floor: 1, Hostile: true}); err != nil {
			t.Fatalf("put cell: %v", err)
		}
	}
	if _, err := o.Activate(11, base); err != nil {
		t.Fatalf("activate: %v", err)
	}
	hold := modes.NewHoldLine(st, tun)

	// Contested zone: the hold window never opens.
	if _, err := o.CheckProgress(base); err != nil {
		t.Fatalf("progress: %v", err)
	}
	b, _ := st.Breach()
	if b.HoldStartedUnix != 0 {
		t.Fatalf("hold window opened while contested")
	}

	for _, id := range []string{"breach-00", "breach-01"} {
		if _, code, _, err := hold.ClearCell(id, "p1", base); err != nil || code != "" {
			t.Fatalf("clear %s: code=%s err=%v", id, code, err)
		}
	}
	if _, err := o.CheckProgress(base); err != nil {
		t.Fatalf("progress: %v", err)
	}
	b, _ = st.Breach()
	if b.HoldStartedUnix != base.Unix() {
		t.Fatalf("hold window not opened: %+v", b)
	}

	// Held for the full window: the incursion resolves.
	evs, err := o.CheckProgress(base.Add(time.Hour))
	if err != nil {
		t.Fatalf("progress: %v", err)
	}
	if len(evs) != 2 || evs[0].Type != protocol.EvBreachComplete {
		t.Fatalf("completion = %v", evs)
	}
}

func TestHeist_ResolvesThroughCheckProgress(t *testing.T) {
	tun := tuning.Default()
	o, st := newOverlay(t, tun, state.ModeRaid)
	sealOverlay(t, st, state.Breach{Event: state.BreachHeist})
	if _, err := o.Activate(11, base); err != nil {
		t.Fatalf("activate: %v", err)
	}

	heist := o.Heist()
	if _, code, _, err := heist.Claim("p1", base); err != nil || code != "" {
		t.Fatalf("claim: code=%s err=%v", code, err)
	}
	// The lure covers the whole short route.
	if _, code, _, err := heist.Lure("p2", base); err != nil || code != "" {
		t.Fatalf("lure: code=%s err=%v", code, err)
	}
	for i := 0; i < tun.Breach.HeistRouteRooms; i++ {
		if _, _, code, _, err := heist.CarrierMove("p1", base); err != nil || code != "" {
			t.Fatalf("move %d: code=%s err=%v", i, code, err)
		}
	}

	evs, err := o.CheckProgress(base)
	if err != nil {
		t.Fatalf("progress: %v", err)
	}
	if len(evs) != 2 || evs[0].Type != protocol.EvBreachComplete {
		t.Fatalf("completion = %v", evs)
	}
	b, _ := st.Breach()
	if b.Phase != state.BreachCompleted {
		t.Fatalf("phase = %s", b.Phase)
	}
}

type conflictEpochStore struct {
	*state.MemoryStore
}

func (s conflictEpochStore) UpdateEpoch(ep state.Epoch) error {
	return state.ErrVersionConflict
}

func TestComplete_ContentionWithholdsBonus(t *testing.T) {
	st := state.NewMemoryStore()
	if err := st.PutEpoch(state.Epoch{Seed: 11, Day: 15, Mode: state.ModeRaid}); err != nil {
		t.Fatalf("put epoch: %v", err)
	}
	if err := st.PutBreach(state.Breach{Event: state.BreachResonance, Phase: state.BreachActive}); err != nil {
		t.Fatalf("put breach: %v", err)
	}
	tun := tuning.Default()
	o := NewOverlay(conflictEpochStore{st}, tun, pool.NewEngine(st, 5), modes.NewHoldLine(st, tun))

	evs, err := o.Complete(base)
	if !errors.Is(err, ErrContention) {
		t.Fatalf("err = %v, want contention", err)
	}
	if len(evs) != 0 {
		t.Fatalf("events emitted without the bonus landing: %v", evs)
	}
	ep, _ := st.Epoch()
	if ep.Bonus != "" {
		t.Fatalf("bonus = %q, want unset", ep.Bonus)
	}
}
