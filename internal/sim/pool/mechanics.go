package pool

import (
	"math"

	"darkcragg.world/internal/sim/state"
)

// Engagement carries one combat round's inputs and mutable outputs
// through the mechanic hooks. Mechanics are data-driven tags rolled onto
// a pool at generation; the resolver never branches on pool identity.
type Engagement struct {
	Pool  state.Pool
	Phase int
	Round int
	Day   int // epoch day, for day-parity mechanics

	PlayerMaxHP   int
	PlayerTopStat string // "pow", "def" or "spd"
	Contributors  int    // ledger entries with damage > 0
	SecretsFound  int    // discoveries on the pool's floor (armor_phase, warded)

	Damage        int  // player -> pool, mutated by hooks
	ExtraToPlayer int  // pool -> player, on top of the normal hit
	Immune        bool

	// Mechanic tags that fired this round, for event emission.
	Fired []state.Mechanic
}

func (g *Engagement) fire(m state.Mechanic) {
	g.Fired = append(g.Fired, m)
}

func (g *Engagement) hpRatio() float64 {
	if g.Pool.MaxHP <= 0 {
		return 0
	}
	return float64(g.Pool.CurrentHP) / float64(g.Pool.MaxHP)
}

// OnEngagementStart runs once when a player opens an engagement against
// the pool.
func OnEngagementStart(g *Engagement) {
	for _, m := range g.Pool.Mechanics {
		switch m {
		case state.MechPhasing:
			// Vulnerable every other day.
			if g.Day%2 == 0 {
				g.Immune = true
				g.fire(m)
			}
		}
	}
}

// OnRound modifies one round's damage exchange.
func OnRound(g *Engagement) {
	ratio := g.hpRatio()
	for _, m := range g.Pool.Mechanics {
		switch m {
		case state.MechArmored:
			// Half damage until below 50%.
			if ratio > 0.5 {
				g.Damage = maxInt(1, g.Damage/2)
				g.fire(m)
			}
		case state.MechEnraged:
			// Below 50%: takes 25% more, hits back harder.
			if ratio <= 0.5 {
				g.Damage = g.Damage + g.Damage/4
				g.ExtraToPlayer += g.PlayerMaxHP / 10
				g.fire(m)
			}
		case state.MechWarded:
			// A floor discovery drops the ward.
			if g.SecretsFound == 0 {
				g.Damage = maxInt(1, g.Damage*2/3)
				g.fire(m)
			}
		case state.MechDraining:
			drain := maxInt(1, g.Damage/10)
			g.ExtraToPlayer += drain
			g.fire(m)
		case state.MechRotating:
			// Resists the attacker's dominant offensive stat.
			if g.PlayerTopStat == "pow" {
				g.Damage = maxInt(1, g.Damage/3)
				g.fire(m)
			}
		case state.MechRetaliator:
			g.ExtraToPlayer += maxInt(1, g.Damage/5)
			g.fire(m)
		case state.MechWindup:
			// Every Nth round lands a heavy hit; N tightens per phase.
			interval := maxInt(2, 4-g.Phase)
			if g.Round > 1 && (g.Round-1)%interval == 0 {
				g.ExtraToPlayer += g.PlayerMaxHP / 3
				g.fire(m)
			}
		case state.MechFlatBoost:
			mult := 1.5 + float64(g.Phase-1)*0.25
			g.ExtraToPlayer += int(float64(g.PlayerMaxHP) * 0.05 * mult)
			g.fire(m)
		case state.MechAura:
			g.ExtraToPlayer += maxInt(1, int(float64(g.PlayerMaxHP)*0.05*float64(maxInt(1, g.Phase))))
			g.fire(m)
		case state.MechArmorPhase:
			// Half damage until enough fighters or a floor secret.
			if g.Contributors < 5 && g.SecretsFound == 0 {
				g.Damage = maxInt(1, g.Damage/2)
				g.fire(m)
			}
		case state.MechEnrageTimer:
			limit := maxInt(3, 6-g.Phase)
			if g.Round > limit {
				over := g.Round - limit
				g.ExtraToPlayer += int(float64(g.PlayerMaxHP) * 0.1 * math.Pow(2, float64(over-1)))
				g.fire(m)
			}
		}
	}
}

// OnThresholdCrossed runs after damage lands, once per threshold fraction
// the hit crossed.
func OnThresholdCrossed(g *Engagement, crossed float64) {
	for _, m := range g.Pool.Mechanics {
		switch m {
		case state.MechRetribution:
			if crossed == 0.75 || crossed == 0.50 || crossed == 0.25 {
				g.ExtraToPlayer += int(float64(g.PlayerMaxHP) * 0.3 * float64(maxInt(1, g.Phase)))
				g.fire(m)
			}
		case state.MechBossFlees:
			if crossed == 0.75 || crossed == 0.50 || crossed == 0.25 {
				// Relocation itself belongs to the world collaborator; the
				// engine reports the mechanic firing.
				g.fire(m)
			}
		}
	}
}

// OnEngagementEnd runs when the engagement closes (kill, flee or leave).
func OnEngagementEnd(g *Engagement) {
	for _, m := range g.Pool.Mechanics {
		switch m {
		case state.MechSummoner:
			// Adds spawn between engagements; reported for the spawner.
			g.fire(m)
		case state.MechCursed:
			g.fire(m)
		case state.MechSplitting:
			if g.hpRatio() <= 0.5 && g.Pool.CurrentHP > 0 {
				g.fire(m)
			}
		case state.MechRegenerator:
			// 10% heal between sessions, applied on the next engagement's
			// catch-up; reported so the caller can re-arm it.
			g.fire(m)
		}
	}
}

// FleeBlocked reports whether the pool's mechanics pin a fleeing player
// in place. Stalwart denies the first attempt of a combat lock;
// no_escape denies everything once the pool is in its last quarter.
func FleeBlocked(p state.Pool, firstAttempt bool) (state.Mechanic, bool) {
	if firstAttempt && p.HasMechanic(state.MechStalwart) {
		return state.MechStalwart, true
	}
	if p.HasMechanic(state.MechNoEscape) && p.MaxHP > 0 && p.CurrentHP*4 <= p.MaxHP {
		return state.MechNoEscape, true
	}
	return "", false
}

// FloorBossTable returns the mechanic roll table for a floor, mirroring
// the escalation curve: floor 1 teaches chip-and-run, floor 2 introduces
// conditions, floor 3 punishes solo play, floor 4 rolls from all tables.
func FloorBossTable(floor int) []state.Mechanic {
	switch floor {
	case 1:
		return []state.Mechanic{state.MechArmored, state.MechEnraged, state.MechRegenerator, state.MechStalwart}
	case 2:
		return []state.Mechanic{state.MechWarded, state.MechPhasing, state.MechDraining, state.MechSplitting}
	case 3:
		return []state.Mechanic{state.MechRotating, state.MechRetaliator, state.MechSummoner, state.MechCursed}
	default:
		var all []state.Mechanic
		for f := 1; f <= 3; f++ {
			all = append(all, FloorBossTable(f)...)
		}
		return all
	}
}

// RaidTable is the raid boss mechanic roll table.
func RaidTable() []state.Mechanic {
	return []state.Mechanic{
		state.MechWindup, state.MechFlatBoost, state.MechRetribution, state.MechAura,
		state.MechExtraRegen, state.MechArmorPhase, state.MechBossFlees, state.MechRegenBurst,
		state.MechNoEscape, state.MechSummoner, state.MechLockout, state.MechEnrageTimer,
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
