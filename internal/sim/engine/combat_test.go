package engine

import (
	"testing"
	"time"

	"darkcragg.world/internal/sim/state"
	"darkcragg.world/internal/sim/tuning"
)

var base = time.Unix(1_700_000_000, 0).UTC()

func TestRoll_DeterministicPerActionKey(t *testing.T) {
	res := NewResolver(tuning.Default().Combat)

	a := res.Roll(42, "p1", base)
	b := res.Roll(42, "p1", base)
	for i := 0; i < 16; i++ {
		if av, bv := a.Int63(), b.Int63(); av != bv {
			t.Fatalf("draw %d diverged: %d != %d", i, av, bv)
		}
	}

	// Any component of the key changes the stream.
	c := res.Roll(42, "p2", base)
	d := res.Roll(42, "p1", base.Add(time.Nanosecond))
	e := res.Roll(43, "p1", base)
	ref := res.Roll(42, "p1", base)
	refV := ref.Int63()
	if c.Int63() == refV && d.Int63() == refV && e.Int63() == refV {
		t.Fatalf("perturbed keys produced the reference stream")
	}
}

func TestResolveBout_Deterministic(t *testing.T) {
	res := NewResolver(tuning.Default().Combat)
	p := state.Player{ID: "p1", HP: 80, MaxHP: 80, Pow: 12, Def: 6, Spd: 5}
	foe := FoeForFloor(2)

	first := res.ResolveBout(res.Roll(7, "p1", base), p, foe)
	second := res.ResolveBout(res.Roll(7, "p1", base), p, foe)
	if first != second {
		t.Fatalf("bout not reproducible: %+v vs %+v", first, second)
	}
	if !first.FoeDefeated && !first.PlayerDied {
		t.Fatalf("bout ended with both sides standing: %+v", first)
	}
	if first.Rounds < 1 || first.Rounds > maxBoutRounds {
		t.Fatalf("rounds = %d", first.Rounds)
	}
}

func TestDamageRoll_Bounds(t *testing.T) {
	res := NewResolver(tuning.CombatTuning{Variance: 0.2, FleeBaseChance: 0.6})
	rng := res.Roll(1, "p1", base)

	// pow 10 vs def 9: base 7, variance 0.2 keeps hits in [6, 9]
	// ignoring rounding slop at the edges.
	for i := 0; i < 200; i++ {
		dmg := res.DamageRoll(rng, 10, 9)
		if dmg < 5 || dmg > 9 {
			t.Fatalf("damage %d outside variance bounds", dmg)
		}
	}

	// Overwhelming defense still lands a scratch.
	for i := 0; i < 50; i++ {
		if dmg := res.DamageRoll(rng, 1, 300); dmg < 1 {
			t.Fatalf("damage %d below floor", dmg)
		}
	}
}

func TestFleeSuccess_Clamped(t *testing.T) {
	res := NewResolver(tuning.CombatTuning{Variance: 0.2, FleeBaseChance: 0.6})
	rng := res.Roll(1, "p1", base)

	// A massive speed deficit still escapes eventually (5% floor).
	escaped := false
	for i := 0; i < 2000 && !escaped; i++ {
		escaped = res.FleeSuccess(rng, 1, 100)
	}
	if !escaped {
		t.Fatalf("flee floor not honored")
	}

	// A massive speed edge still fails eventually (95% ceiling).
	failed := false
	for i := 0; i < 2000 && !failed; i++ {
		failed = !res.FleeSuccess(rng, 100, 1)
	}
	if !failed {
		t.Fatalf("flee ceiling not honored")
	}
}

func TestFirst_SpeedTiesGoEitherWay(t *testing.T) {
	res := NewResolver(tuning.Default().Combat)
	rng := res.Roll(1, "p1", base)

	if !res.First(rng, 9, 3) {
		t.Fatalf("faster side must act first")
	}
	if res.First(rng, 3, 9) {
		t.Fatalf("slower side must act second")
	}

	sawFirst, sawSecond := false, false
	for i := 0; i < 100 && !(sawFirst && sawSecond); i++ {
		if res.First(rng, 5, 5) {
			sawFirst = true
		} else {
			sawSecond = true
		}
	}
	if !sawFirst || !sawSecond {
		t.Fatalf("ties never varied")
	}
}

func TestFoeForFloor_ScalesWithDepth(t *testing.T) {
	shallow := FoeForFloor(1)
	deep := FoeForFloor(4)
	if deep.HP <= shallow.HP || deep.Pow <= shallow.Pow || deep.Def <= shallow.Def || deep.Spd <= shallow.Spd {
		t.Fatalf("floor 4 foe %+v not stronger than floor 1 foe %+v", deep, shallow)
	}
}
