// Package pool implements the shared-HP encounter pool: lazy idempotent
// regeneration, clamped damage, lives, contribution tracking and the
// threshold reward model. Bounties, floor bosses, the raid boss, the
// Warden and the breach emergence are all instances of this one engine.
package pool

import (
	"errors"
	"fmt"
	"math"
	"time"

	"darkcragg.world/internal/sim/state"
)

// ErrContention is returned when the conditional-write retry budget is
// exhausted. Nothing was applied; the caller reports a transient failure.
var ErrContention = errors.New("pool: conditional write retries exhausted")

// ErrAlreadyClaimed is returned when a completed pool's rewards were
// already distributed. The ledger is read exactly once.
var ErrAlreadyClaimed = errors.New("pool: rewards already claimed")

// Phase thresholds consulted on every damage application. The raid phase
// boundaries (66/33) drive escalation; the quarter marks feed mechanics
// like retribution and boss_flees.
var thresholds = []float64{0.75, 0.66, 0.50, 0.33, 0.25}

type Engine struct {
	store   state.Store
	retries int
}

func NewEngine(store state.Store, retries int) *Engine {
	if retries <= 0 {
		retries = 5
	}
	return &Engine{store: store, retries: retries}
}

// Outcome describes what one ApplyDamage call did.
type Outcome struct {
	PoolID string
	Kind   string

	Healed  int // regen catch-up applied before the hit
	Applied int // damage after the zero clamp

	HPBefore int
	HPAfter  int
	MaxHP    int

	Halfway     bool // first crossing at or below 50%
	LifeCleared bool
	Completed   bool
	KillingBlow bool

	Phase        int
	PhaseChanged bool

	// Fractions of max HP this hit crossed downward, highest first.
	ThresholdsCrossed []float64

	HostCellID string

	// Invariant tags for stored values found outside their legal range
	// and clamped on read. Empty on every healthy path.
	Invariants []string

	// NoOp means the pool was already completed; nothing was recorded.
	NoOp bool
}

// ApplyDamage brings the pool up to date against the wall clock, applies
// the hit, records the contribution and resolves lives/completion, all
// under one optimistic conditional write. Safe to retry: the regen math
// is idempotent for a fixed now.
func (e *Engine) ApplyDamage(poolID, playerID string, amount int, now time.Time) (Outcome, error) {
	if amount < 0 {
		return Outcome{}, fmt.Errorf("pool: negative damage %d", amount)
	}
	for attempt := 0; attempt < e.retries; attempt++ {
		p, err := e.store.Pool(poolID)
		if err != nil {
			return Outcome{}, err
		}
		if p.Completed {
			return Outcome{PoolID: p.ID, Kind: p.Kind, NoOp: true, MaxHP: p.MaxHP}, nil
		}

		out := apply(&p, playerID, amount, now)

		if err := e.store.UpdatePool(p); err != nil {
			if errors.Is(err, state.ErrVersionConflict) {
				continue
			}
			return Outcome{}, err
		}

		// Contribution rows are per-player and never contend across
		// players; recorded after the authoritative pool write so a lost
		// race never leaves a phantom entry.
		if amount > 0 {
			if err := e.store.AddContribution(p.ID, playerID, amount, now.Unix()); err != nil {
				return Outcome{}, err
			}
		}
		if p.HasMechanic(state.MechLockout) && !p.Completed {
			until := now.Add(24 * time.Hour).Unix()
			if err := e.store.SetLockout(p.ID, playerID, until); err != nil {
				return Outcome{}, err
			}
		}
		return out, nil
	}
	return Outcome{}, ErrContention
}

// CatchUp applies regen only, for read paths and day boundaries. The
// write may be discarded by read-only callers; persisting it is equally
// correct since the math is idempotent.
func (e *Engine) CatchUp(poolID string, now time.Time) (Outcome, error) {
	for attempt := 0; attempt < e.retries; attempt++ {
		p, err := e.store.Pool(poolID)
		if err != nil {
			return Outcome{}, err
		}
		if p.Completed {
			return Outcome{PoolID: p.ID, Kind: p.Kind, NoOp: true, MaxHP: p.MaxHP}, nil
		}
		out := apply(&p, "", 0, now)
		if out.Healed == 0 && len(out.Invariants) == 0 {
			return out, nil
		}
		if err := e.store.UpdatePool(p); err != nil {
			if errors.Is(err, state.ErrVersionConflict) {
				continue
			}
			return Outcome{}, err
		}
		return out, nil
	}
	return Outcome{}, ErrContention
}

// apply mutates p in place and reports what happened. Pure given (p,
// playerID, amount, now); retries recompute from a fresh read.
func apply(p *state.Pool, playerID string, amount int, now time.Time) Outcome {
	out := Outcome{PoolID: p.ID, Kind: p.Kind, MaxHP: p.MaxHP, HostCellID: p.HostCellID}

	// A stored row outside its legal range means an earlier write was
	// defective. Clamp and report; the caller journals the violation.
	if p.CurrentHP < 0 {
		p.CurrentHP = 0
		out.Invariants = append(out.Invariants, "hp_below_zero")
	}
	if p.MaxHP > 0 && p.CurrentHP > p.MaxHP {
		p.CurrentHP = p.MaxHP
		out.Invariants = append(out.Invariants, "hp_above_max")
	}

	out.Healed = regenCatchUp(p, now)
	out.HPBefore = p.CurrentHP

	applied := amount
	if applied > p.CurrentHP {
		applied = p.CurrentHP // clamp at zero
	}
	p.CurrentHP -= applied
	out.Applied = applied
	out.HPAfter = p.CurrentHP

	if p.MaxHP > 0 {
		for _, t := range thresholds {
			mark := int(math.Ceil(t * float64(p.MaxHP)))
			if out.HPBefore > mark && out.HPAfter <= mark {
				out.ThresholdsCrossed = append(out.ThresholdsCrossed, t)
			}
		}
	}

	if !p.HalfwayNotified && out.HPBefore*2 > p.MaxHP && out.HPAfter*2 <= p.MaxHP {
		p.HalfwayNotified = true
		out.Halfway = true
	}

	if out.HPBefore > 0 && p.CurrentHP == 0 {
		p.KillingBlowID = playerID
		if p.Lives > 1 {
			// Re-arm: one life spent, full pool back, regen clock reset.
			p.Lives--
			p.CurrentHP = p.MaxHP
			p.LastRegenUnix = now.Unix()
			out.LifeCleared = true
			out.HPAfter = p.CurrentHP
		} else {
			p.Completed = true
			out.Completed = true
			out.KillingBlow = true
		}
	}

	// Raid phase is a ratchet: escalation never unwinds, even if regen
	// later lifts HP back across a boundary.
	if p.Kind == state.PoolRaid && !p.Completed {
		phase := phaseFor(p.CurrentHP, p.MaxHP)
		if phase > p.Phase {
			p.Phase = phase
			out.PhaseChanged = true
		}
	}
	out.Phase = p.Phase

	return out
}

func phaseFor(hp, max int) int {
	if max <= 0 {
		return 1
	}
	ratio := float64(hp) / float64(max)
	switch {
	case ratio <= 0.33:
		return 3
	case ratio <= 0.66:
		return 2
	default:
		return 1
	}
}

// regenCatchUp advances the pool against the wall clock. Whole elapsed
// intervals only; the timestamp advances by the consumed ticks rather
// than snapping to now, so partial-interval progress is never lost.
// Calling twice with the same now heals zero the second time.
func regenCatchUp(p *state.Pool, now time.Time) int {
	if p.RegenIntervalSecs <= 0 || p.Completed {
		return 0
	}
	if p.LastRegenUnix == 0 {
		p.LastRegenUnix = now.Unix()
		return 0
	}
	elapsed := now.Unix() - p.LastRegenUnix
	if elapsed < p.RegenIntervalSecs {
		return 0
	}
	ticks := elapsed / p.RegenIntervalSecs
	p.LastRegenUnix += ticks * p.RegenIntervalSecs

	rate := p.RegenRate
	if p.HasMechanic(state.MechExtraRegen) {
		rate = 0.05
	}
	perTick := int(math.Ceil(rate * float64(p.MaxHP)))
	healed := perTick * int(ticks)
	if healed > p.MaxHP-p.CurrentHP {
		healed = p.MaxHP - p.CurrentHP
	}
	if healed < 0 {
		healed = 0
	}
	p.CurrentHP += healed
	return healed
}

// RegenBurst applies the regen_burst mechanic: a 15% heal at most once
// per rolling 24h, triggered at engagement start instead of spread regen.
func (e *Engine) RegenBurst(poolID string, now time.Time) (int, error) {
	for attempt := 0; attempt < e.retries; attempt++ {
		p, err := e.store.Pool(poolID)
		if err != nil {
			return 0, err
		}
		if p.Completed || !p.HasMechanic(state.MechRegenBurst) {
			return 0, nil
		}
		if p.LastBurstUnix != 0 && now.Unix()-p.LastBurstUnix < 86400 {
			return 0, nil
		}
		if p.CurrentHP >= p.MaxHP || p.CurrentHP <= 0 {
			return 0, nil
		}
		heal := int(math.Ceil(0.15 * float64(p.MaxHP)))
		if heal > p.MaxHP-p.CurrentHP {
			heal = p.MaxHP - p.CurrentHP
		}
		p.CurrentHP += heal
		p.LastBurstUnix = now.Unix()
		if err := e.store.UpdatePool(p); err != nil {
			if errors.Is(err, state.ErrVersionConflict) {
				continue
			}
			return 0, err
		}
		return heal, nil
	}
	return 0, ErrContention
}

// DistributeRewards freezes the payout exactly once: the claim flag is a
// conditional write, so two racing distributors cannot both succeed.
// Threshold model: every contributor with damage > 0 qualifies; the
// killing-blow holder carries the bonus flag.
func (e *Engine) DistributeRewards(poolID string) ([]state.Reward, error) {
	for attempt := 0; attempt < e.retries; attempt++ {
		p, err := e.store.Pool(poolID)
		if err != nil {
			return nil, err
		}
		if !p.Completed {
			return nil, fmt.Errorf("pool: %s not completed", poolID)
		}
		if p.RewardsClaimed {
			return nil, ErrAlreadyClaimed
		}
		p.RewardsClaimed = true
		if err := e.store.UpdatePool(p); err != nil {
			if errors.Is(err, state.ErrVersionConflict) {
				continue
			}
			return nil, err
		}

		entries, err := e.store.Ledger(poolID)
		if err != nil {
			return nil, err
		}
		var rewards []state.Reward
		for _, le := range entries {
			if le.Damage <= 0 {
				continue
			}
			rewards = append(rewards, state.Reward{
				PlayerID:    le.PlayerID,
				Damage:      le.Damage,
				KillingBlow: le.PlayerID == p.KillingBlowID,
			})
		}
		return rewards, nil
	}
	return nil, ErrContention
}

// ActivateDue flips newly due bounties active, holding the live set at
// max. Runs at day boundaries and again whenever a bounty completes, so
// a slot freed mid-day refills immediately. Returns the activated IDs
// in rotation order.
func (e *Engine) ActivateDue(day, max int, now time.Time) ([]string, error) {
	bounties, err := e.store.PoolsByKind(state.PoolBounty)
	if err != nil {
		return nil, err
	}
	live := 0
	for _, b := range bounties {
		if b.Active && !b.Completed {
			live++
		}
	}
	var ids []string
	for _, b := range bounties {
		if b.Active || b.Completed || b.ActiveFromDay > day {
			continue
		}
		if live >= max {
			break
		}
		if err := e.activate(b.ID, now); err != nil {
			return ids, err
		}
		live++
		ids = append(ids, b.ID)
	}
	return ids, nil
}

func (e *Engine) activate(id string, now time.Time) error {
	for attempt := 0; attempt < e.retries; attempt++ {
		p, err := e.store.Pool(id)
		if err != nil {
			return err
		}
		if p.Active {
			return nil
		}
		p.Active = true
		p.LastRegenUnix = now.Unix()
		if err := e.store.UpdatePool(p); err != nil {
			if errors.Is(err, state.ErrVersionConflict) {
				continue
			}
			return err
		}
		return nil
	}
	return ErrContention
}

// LockedOut reports whether the lockout mechanic bars this player right
// now.
func (e *Engine) LockedOut(poolID, playerID string, now time.Time) (bool, error) {
	p, err := e.store.Pool(poolID)
	if err != nil {
		return false, err
	}
	if !p.HasMechanic(state.MechLockout) {
		return false, nil
	}
	le, err := e.store.LedgerEntry(poolID, playerID)
	if errors.Is(err, state.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return le.LockoutUntilUnix > now.Unix(), nil
}
