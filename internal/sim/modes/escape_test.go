package modes

import (
	"testing"
	"time"

	"darkcragg.world/internal/protocol"
	"darkcragg.world/internal/sim/state"
	"darkcragg.world/internal/sim/tuning"
)

var base = time.Unix(1_700_000_000, 0).UTC()

func newRun(t *testing.T) (*Escape, *state.MemoryStore) {
	t.Helper()
	st := state.NewMemoryStore()
	esc := NewEscape(st, tuning.Default().Escape, 5)
	if err := esc.Spawn(); err != nil {
		t.Fatalf("spawn: %v", err)
	}
	return esc, st
}

func mustClaim(t *testing.T, esc *Escape, playerID string) {
	t.Helper()
	_, code, msg, err := esc.Claim(playerID, base)
	if err != nil || code != "" {
		t.Fatalf("claim: code=%s msg=%s err=%v", code, msg, err)
	}
}

func TestClaim_StartsChaseAtSpawnDistance(t *testing.T) {
	esc, _ := newRun(t)
	mustClaim(t, esc, "p1")

	run, err := esc.Status()
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if run.Mode != state.PursuerActive || run.CarrierID != "p1" {
		t.Fatalf("mode=%s carrier=%s", run.Mode, run.CarrierID)
	}
	if run.Distance != 3*state.UnitsPerRoom {
		t.Fatalf("distance = %d units, want %d", run.Distance, 3*state.UnitsPerRoom)
	}

	_, code, _, err := esc.Claim("p2", base)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if code != protocol.ErrInvalidTarget {
		t.Fatalf("second claim code = %s, want %s", code, protocol.ErrInvalidTarget)
	}
}

func TestCarrierMove_PursuerGainsHalfRoomPerRoom(t *testing.T) {
	esc, _ := newRun(t)
	mustClaim(t, esc, "p1")

	// Spawn gap is 3 rooms = 12 units; each move costs 2 units of lead.
	// Moves 1-5 shrink the gap to 2 units; the 6th closes it.
	for i := 0; i < 5; i++ {
		out, _, code, msg, err := esc.CarrierMove("p1", base)
		if err != nil || code != "" {
			t.Fatalf("move %d: code=%s msg=%s err=%v", i, code, msg, err)
		}
		if out.Caught {
			t.Fatalf("caught on move %d", i)
		}
	}
	out, evs, _, _, err := esc.CarrierMove("p1", base)
	if err != nil {
		t.Fatalf("move: %v", err)
	}
	if !out.Caught {
		t.Fatalf("expected caught on sixth move")
	}
	if len(evs) == 0 || evs[0].Type != protocol.EvEscapeCaught {
		t.Fatalf("expected caught event, got %v", evs)
	}
}

func TestWard_HalvesOneAdvance(t *testing.T) {
	esc, _ := newRun(t)
	mustClaim(t, esc, "p1")

	if _, code, _, err := esc.Ward("p2", base); err != nil || code != "" {
		t.Fatalf("ward: code=%s err=%v", code, err)
	}
	if _, _, _, _, err := esc.CarrierMove("p1", base); err != nil {
		t.Fatalf("move: %v", err)
	}
	run, _ := esc.Status()
	// Warded crossing costs 1 unit instead of 2.
	if run.Distance != 3*state.UnitsPerRoom-1 {
		t.Fatalf("distance = %d, want %d", run.Distance, 3*state.UnitsPerRoom-1)
	}
	if run.WardCharges != 0 {
		t.Fatalf("ward not consumed")
	}
}

func TestBlockAndLure_AbsorbAdvances(t *testing.T) {
	esc, _ := newRun(t)
	mustClaim(t, esc, "p1")

	if _, code, _, err := esc.Block("p2", base); err != nil || code != "" {
		t.Fatalf("block: code=%s err=%v", code, err)
	}
	// Two block rounds: two moves cost no lead.
	for i := 0; i < 2; i++ {
		if _, _, _, _, err := esc.CarrierMove("p1", base); err != nil {
			t.Fatalf("move: %v", err)
		}
	}
	run, _ := esc.Status()
	if run.Distance != 3*state.UnitsPerRoom {
		t.Fatalf("distance = %d after blocked moves, want unchanged", run.Distance)
	}

	if _, code, _, err := esc.Lure("p3", base); err != nil || code != "" {
		t.Fatalf("lure: code=%s err=%v", code, err)
	}
	for i := 0; i < 6; i++ {
		if _, _, _, _, err := esc.CarrierMove("p1", base); err != nil {
			t.Fatalf("move: %v", err)
		}
	}
	run, _ = esc.Status()
	if run.Distance != 3*state.UnitsPerRoom {
		t.Fatalf("distance = %d after lured moves, want unchanged", run.Distance)
	}
	if run.LureTicks != 0 {
		t.Fatalf("lure ticks = %d, want spent", run.LureTicks)
	}
}

func TestFlee_SuccessRestoresOneRoomLead(t *testing.T) {
	esc, _ := newRun(t)
	mustClaim(t, esc, "p1")
	for i := 0; i < 6; i++ {
		if _, _, _, _, err := esc.CarrierMove("p1", base); err != nil {
			t.Fatalf("move: %v", err)
		}
	}
	run, _ := esc.Status()
	if run.Mode != state.PursuerCaught {
		t.Fatalf("mode = %s, want caught", run.Mode)
	}

	if _, code, _, err := esc.Flee("p1", false, base); err != nil || code != "" {
		t.Fatalf("failed flee: code=%s err=%v", code, err)
	}
	run, _ = esc.Status()
	if run.Mode != state.PursuerCaught {
		t.Fatalf("failed flee should stay caught")
	}

	if _, code, _, err := esc.Flee("p1", true, base); err != nil || code != "" {
		t.Fatalf("flee: code=%s err=%v", code, err)
	}
	run, _ = esc.Status()
	if run.Mode != state.PursuerActive || run.Distance != state.UnitsPerRoom {
		t.Fatalf("mode=%s distance=%d, want active at one room", run.Mode, run.Distance)
	}
}

func TestRelay_PreservesProgress(t *testing.T) {
	esc, _ := newRun(t)
	mustClaim(t, esc, "p1")
	for i := 0; i < 4; i++ {
		if _, _, _, _, err := esc.CarrierMove("p1", base); err != nil {
			t.Fatalf("move: %v", err)
		}
	}

	evs, err := esc.OnCarrierDeath("p1", base)
	if err != nil {
		t.Fatalf("death: %v", err)
	}
	if len(evs) == 0 || evs[0].Type != protocol.EvEscapeDropped {
		t.Fatalf("expected dropped event")
	}
	run, _ := esc.Status()
	if run.Mode != state.PursuerRelayPending || run.CarrierID != "" {
		t.Fatalf("mode=%s carrier=%q, want relay window", run.Mode, run.CarrierID)
	}

	// A claim cannot steal a dropped objective; it has to be picked up.
	if _, code, _, err := esc.Claim("p2", base); err != nil || code != protocol.ErrInvalidTarget {
		t.Fatalf("claim on dropped: code=%s err=%v", code, err)
	}

	if _, code, _, err := esc.Pickup("p2", base); err != nil || code != "" {
		t.Fatalf("pickup: code=%s err=%v", code, err)
	}
	run, _ = esc.Status()
	if run.Progress != 4 {
		t.Fatalf("progress = %d after relay, want 4", run.Progress)
	}
	if run.Distance != 5*state.UnitsPerRoom {
		t.Fatalf("distance = %d after relay, want %d", run.Distance, 5*state.UnitsPerRoom)
	}
	if run.CarrierID != "p2" {
		t.Fatalf("carrier = %s, want p2", run.CarrierID)
	}
}

func TestDelivery_ResolvesRun(t *testing.T) {
	st := state.NewMemoryStore()
	tun := tuning.Default().Escape
	tun.RouteRooms = 3
	esc := NewEscape(st, tun, 5)
	if err := esc.Spawn(); err != nil {
		t.Fatalf("spawn: %v", err)
	}
	mustClaim(t, esc, "p1")

	var delivered bool
	for i := 0; i < 3; i++ {
		out, evs, code, msg, err := esc.CarrierMove("p1", base)
		if err != nil || code != "" {
			t.Fatalf("move %d: code=%s msg=%s err=%v", i, code, msg, err)
		}
		if out.Delivered {
			delivered = true
			if evs[len(evs)-1].Type != protocol.EvEscapeVictory {
				t.Fatalf("expected victory event")
			}
		}
	}
	if !delivered {
		t.Fatalf("route walked without delivery")
	}
	run, _ := esc.Status()
	if run.Mode != state.PursuerResolved {
		t.Fatalf("mode = %s, want resolved", run.Mode)
	}

	// Resolved runs reject further claims.
	if _, code, _, _ := esc.Claim("p2", base); code != protocol.ErrInvalidTarget {
		t.Fatalf("claim after resolve: code=%s", code)
	}
}

func TestCarrierFought_ConsumesLeadPerAction(t *testing.T) {
	esc, _ := newRun(t)
	mustClaim(t, esc, "p1")

	caught, _, err := esc.CarrierFought("p1", 2, base)
	if err != nil {
		t.Fatalf("fought: %v", err)
	}
	if caught {
		t.Fatalf("caught too early")
	}
	run, _ := esc.Status()
	if run.Distance != 3*state.UnitsPerRoom-4 {
		t.Fatalf("distance = %d, want %d", run.Distance, 3*state.UnitsPerRoom-4)
	}
	// Progress does not advance while standing and fighting.
	if run.Progress != 0 {
		t.Fatalf("progress = %d, want 0", run.Progress)
	}
}

func TestNewHeist_SpawnDistanceFollowsTuning(t *testing.T) {
	st := state.NewMemoryStore()
	tun := tuning.Default()
	tun.Breach.HeistSpawnRooms = 3
	h := NewHeist(st, tun)
	if err := h.Spawn(); err != nil {
		t.Fatalf("spawn: %v", err)
	}
	mustClaim(t, h, "p1")
	run, err := h.Status()
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if run.Distance != 3*state.UnitsPerRoom {
		t.Fatalf("distance = %d, want %d", run.Distance, 3*state.UnitsPerRoom)
	}
}
