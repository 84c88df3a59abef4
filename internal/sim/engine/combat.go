package engine

import (
	"crypto/sha256"
	"encoding/binary"
	"math"
	"math/rand"
	"time"

	"darkcragg.world/internal/sim/state"
	"darkcragg.world/internal/sim/tuning"
)

// Resolver rolls combat outcomes. Every roll is seeded from the epoch
// seed, the acting player and the action timestamp, so a replayed
// action produces the same result on every node.
type Resolver struct {
	variance   float64
	fleeChance float64
}

func NewResolver(tun tuning.CombatTuning) *Resolver {
	return &Resolver{variance: tun.Variance, fleeChance: tun.FleeBaseChance}
}

// Roll returns the deterministic rng for one action.
func (r *Resolver) Roll(epochSeed int64, playerID string, ts time.Time) *rand.Rand {
	h := sha256.New()
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(epochSeed))
	h.Write(buf[:])
	h.Write([]byte(playerID))
	binary.BigEndian.PutUint64(buf[:], uint64(ts.UnixNano()))
	h.Write(buf[:])
	sum := h.Sum(nil)
	return rand.New(rand.NewSource(int64(binary.BigEndian.Uint64(sum[:8]))))
}

// DamageRoll computes one hit with the standard attack formula plus
// bounded variance. Never below 1.
func (r *Resolver) DamageRoll(rng *rand.Rand, pow, def int) int {
	base := pow - def/3
	if base < 1 {
		base = 1
	}
	spread := 1 + r.variance*(2*rng.Float64()-1)
	dmg := int(math.Round(float64(base) * spread))
	if dmg < 1 {
		dmg = 1
	}
	return dmg
}

// First reports whether the player acts before the opponent. Speed ties
// go to the player.
func (r *Resolver) First(rng *rand.Rand, playerSpd, otherSpd int) bool {
	if playerSpd != otherSpd {
		return playerSpd > otherSpd
	}
	return rng.Intn(2) == 0
}

// FleeSuccess rolls escape from combat. Speed advantage shifts the base
// chance, clamped so neither side is ever certain.
func (r *Resolver) FleeSuccess(rng *rand.Rand, spd, otherSpd int) bool {
	chance := r.fleeChance + 0.05*float64(spd-otherSpd)
	if chance < 0.05 {
		chance = 0.05
	}
	if chance > 0.95 {
		chance = 0.95
	}
	return rng.Float64() < chance
}

// Foe is a transient combatant. Room monsters are derived from floor
// depth, never persisted.
type Foe struct {
	HP  int
	Pow int
	Def int
	Spd int
}

// FoeForFloor scales a room monster to dungeon depth.
func FoeForFloor(floor int) Foe {
	return Foe{
		HP:  15 + floor*10,
		Pow: 3 + 2*floor,
		Def: 2 + floor,
		Spd: 2 + floor,
	}
}

// BoutResult is the outcome of fighting one foe to a finish.
type BoutResult struct {
	FoeDefeated  bool
	PlayerDied   bool
	DamageDealt  int
	DamageTaken  int
	Rounds       int
}

// maxBoutRounds bounds pathological stat matchups.
const maxBoutRounds = 50

// ResolveBout fights a foe until one side drops. The player row is not
// mutated here; the caller applies DamageTaken and death.
func (r *Resolver) ResolveBout(rng *rand.Rand, p state.Player, foe Foe) BoutResult {
	var res BoutResult
	playerHP := p.HP
	playerFirst := r.First(rng, p.Spd, foe.Spd)
	for res.Rounds < maxBoutRounds && playerHP > 0 && foe.HP > 0 {
		res.Rounds++
		if playerFirst {
			hit := r.DamageRoll(rng, p.Pow, foe.Def)
			foe.HP -= hit
			res.DamageDealt += hit
			if foe.HP <= 0 {
				break
			}
			hit = r.DamageRoll(rng, foe.Pow, p.Def)
			playerHP -= hit
			res.DamageTaken += hit
		} else {
			hit := r.DamageRoll(rng, foe.Pow, p.Def)
			playerHP -= hit
			res.DamageTaken += hit
			if playerHP <= 0 {
				break
			}
			hit = r.DamageRoll(rng, p.Pow, foe.Def)
			foe.HP -= hit
			res.DamageDealt += hit
		}
	}
	res.FoeDefeated = foe.HP <= 0
	res.PlayerDied = playerHP <= 0
	return res
}
