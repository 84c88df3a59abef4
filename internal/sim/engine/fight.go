package engine

import (
	"errors"
	"time"

	"darkcragg.world/internal/protocol"
	"darkcragg.world/internal/sim/pool"
	"darkcragg.world/internal/sim/state"
)

// engagementRounds is how many rounds one fight action buys against a
// pool. Mechanics that scale with round count see the per-action index.
const engagementRounds = 3

// handleFight resolves one fight action against a shared pool.
func (e *Engine) handleFight(p state.Player, act protocol.ActionEvent) ([]protocol.Event, string, string, error) {
	if len(act.Args) == 0 {
		return nil, protocol.ErrBadRequest, "fight needs a target", nil
	}
	now := act.Timestamp
	target := act.Args[0]

	pl, err := e.store.Pool(target)
	if errors.Is(err, state.ErrNotFound) {
		return nil, protocol.ErrInvalidTarget, "nothing answers to "+target, nil
	}
	if err != nil {
		return nil, "", "", err
	}
	if !pl.Active {
		return nil, protocol.ErrInvalidTarget, "the quarry has not surfaced yet", nil
	}
	if pl.Completed {
		return nil, protocol.ErrPoolCompleted, "already defeated", nil
	}
	if pl.Kind == state.PoolRaid {
		locked, err := e.raid.CheckLockout(p.ID, now)
		if err != nil {
			return nil, "", "", err
		}
		if locked {
			return nil, protocol.ErrLockout, "the boss remembers you; return tomorrow", nil
		}
	}

	rng, ep, err := e.roll(p.ID, now)
	if err != nil {
		return nil, "", "", err
	}

	// Burst regen fires at most once per day, at engagement start.
	if pl.HasMechanic(state.MechRegenBurst) {
		if _, err := e.pools.RegenBurst(pl.ID, now); err != nil && !errors.Is(err, pool.ErrContention) {
			return nil, "", "", err
		}
	}

	ledger, err := e.store.Ledger(pl.ID)
	if err != nil {
		return nil, "", "", err
	}

	g := &pool.Engagement{
		Pool:          pl,
		Phase:         imax(1, pl.Phase),
		Day:           ep.Day,
		PlayerMaxHP:   p.MaxHP,
		PlayerTopStat: topStat(p),
		Contributors:  len(ledger),
	}
	g.Round = 1
	pool.OnEngagementStart(g)
	if g.Immune {
		return []protocol.Event{{
			Type:      protocol.EvRaidMechanic,
			ActorID:   p.ID,
			SubjectID: string(state.MechPhasing),
			Timestamp: now,
		}}, "", "", nil
	}

	totalDamage := 0
	toPlayer := 0
	counter := imax(1, pl.MaxHP/200) * imax(1, pl.Phase)
	for round := 1; round <= engagementRounds; round++ {
		g.Round = round
		g.Damage = e.res.DamageRoll(rng, p.Pow, 0)
		g.ExtraToPlayer = 0
		pool.OnRound(g)
		totalDamage += g.Damage
		toPlayer += g.ExtraToPlayer + counter
		if totalDamage >= pl.CurrentHP {
			break
		}
	}
	if pl.Kind == state.PoolRaid && ep.Bonus == state.BonusRaidDamage {
		totalDamage += totalDamage / 10
	}

	out, err := e.pools.ApplyDamage(pl.ID, p.ID, totalDamage, now)
	if err != nil {
		return nil, "", "", err
	}
	if out.NoOp {
		return nil, protocol.ErrPoolCompleted, "already defeated", nil
	}

	g.Pool.CurrentHP = out.HPAfter
	for _, crossed := range out.ThresholdsCrossed {
		pool.OnThresholdCrossed(g, crossed)
	}
	toPlayer += g.ExtraToPlayer
	pool.OnEngagementEnd(g)

	evs := []protocol.Event{{
		Type:         protocol.EvPoolDamaged,
		ActorID:      p.ID,
		SubjectID:    out.PoolID,
		NumericValue: int64(out.Applied),
		Timestamp:    now,
	}}
	for _, tag := range out.Invariants {
		evs = append(evs, protocol.Event{
			Type:      protocol.EvInvariant,
			ActorID:   out.PoolID,
			SubjectID: tag,
			Timestamp: now,
		})
	}
	fired := map[state.Mechanic]bool{}
	for _, m := range g.Fired {
		if fired[m] {
			continue
		}
		fired[m] = true
		evs = append(evs, protocol.Event{
			Type:      protocol.EvRaidMechanic,
			ActorID:   p.ID,
			SubjectID: string(m),
			Timestamp: now,
		})
	}
	if out.Halfway {
		evs = append(evs, protocol.Event{
			Type:      protocol.EvPoolHalfway,
			ActorID:   p.ID,
			SubjectID: out.PoolID,
			Timestamp: now,
		})
	}
	if out.LifeCleared {
		evs = append(evs, protocol.Event{
			Type:         protocol.EvPoolLifeClear,
			ActorID:      p.ID,
			SubjectID:    out.PoolID,
			NumericValue: int64(pl.Lives - 1),
			Timestamp:    now,
		})
		if out.HostCellID != "" {
			creditEvs, err := e.hold.CreditCell(out.HostCellID, now)
			if err != nil {
				return evs, "", "", err
			}
			evs = append(evs, creditEvs...)
		}
	}
	evs = append(evs, e.raid.PhaseEvents(out, p.ID, now)...)

	if out.Completed {
		doneEvs, err := e.onPoolCompleted(out, now)
		if err != nil {
			return evs, "", "", err
		}
		evs = append(evs, doneEvs...)
	}

	// The pool's answer lands after the books close on the hit.
	deathEvs, died, err := e.applyPlayerDamage(p.ID, toPlayer, now)
	if err != nil {
		return evs, "", "", err
	}
	evs = append(evs, deathEvs...)

	carrier, err := e.carrierRun(p.ID)
	if err != nil {
		return evs, "", "", err
	}
	if carrier != nil && !died {
		_, chaseEvs, err := carrier.CarrierFought(p.ID, 1, now)
		if err != nil {
			return evs, "", "", err
		}
		evs = append(evs, chaseEvs...)
	}

	if !died {
		if out.Completed || out.LifeCleared {
			err = e.setPlayerState(p.ID, state.StateDungeon, false)
		} else {
			err = e.setPlayerCombat(p.ID, pl.ID)
		}
		if err != nil {
			return evs, "", "", err
		}
	}
	return evs, "", "", nil
}

// onPoolCompleted closes the books on a finished pool: the ledger is
// distributed exactly once, kind-specific aftermath fires, and the
// breach overlay gets a chance to resolve.
func (e *Engine) onPoolCompleted(out pool.Outcome, now time.Time) ([]protocol.Event, error) {
	evs := []protocol.Event{{
		Type:      protocol.EvPoolCompleted,
		SubjectID: out.PoolID,
		Timestamp: now,
	}}

	rewards, err := e.pools.DistributeRewards(out.PoolID)
	if err != nil && !errors.Is(err, pool.ErrAlreadyClaimed) {
		return evs, err
	}
	for _, rw := range rewards {
		evs = append(evs, protocol.Event{
			Type:         protocol.EvRewardGranted,
			ActorID:      rw.PlayerID,
			SubjectID:    out.PoolID,
			NumericValue: int64(rw.Damage),
			Timestamp:    now,
		})
		if rw.KillingBlow {
			evs = append(evs, protocol.Event{
				Type:      protocol.EvKillingBlow,
				ActorID:   rw.PlayerID,
				SubjectID: out.PoolID,
				Timestamp: now,
			})
		}
	}

	switch out.Kind {
	case state.PoolWarden:
		evs = append(evs, protocol.Event{
			Type:      protocol.EvWardenFallen,
			SubjectID: out.PoolID,
			Timestamp: now,
		})
	case state.PoolBounty:
		// A felled bounty leaves a diminished echo in its lair.
		echo := state.Pool{
			ID:                out.PoolID + "-echo",
			Kind:              state.PoolFloorBoss,
			CurrentHP:         out.MaxHP / 2,
			MaxHP:             out.MaxHP / 2,
			RegenRate:         e.tun.Bounty.RegenRate,
			RegenIntervalSecs: int64(e.tun.Bounty.RegenIntervalHours) * 3600,
			LastRegenUnix:     now.Unix(),
			Lives:             1,
			Active:            true,
		}
		if err := e.store.PutPool(echo); err != nil {
			return evs, err
		}
		evs = append(evs, protocol.Event{
			Type:      protocol.EvPoolReplaced,
			SubjectID: echo.ID,
			Timestamp: now,
		})
		// The freed slot refills immediately; the rotation does not wait
		// for the day boundary.
		ep, err := e.store.Epoch()
		if err != nil {
			return evs, err
		}
		ids, err := e.pools.ActivateDue(ep.Day, e.tun.Bounty.ActiveMax, now)
		if err != nil {
			return evs, err
		}
		for _, id := range ids {
			evs = append(evs, protocol.Event{
				Type:      protocol.EvBountyActive,
				SubjectID: id,
				Timestamp: now,
			})
		}
	case state.PoolEmergence:
		progEvs, err := e.overlay.CheckProgress(now)
		if err != nil {
			return evs, err
		}
		evs = append(evs, progEvs...)
	}
	return evs, nil
}

func topStat(p state.Player) string {
	top, stat := p.Pow, "pow"
	if p.Def > top {
		top, stat = p.Def, "def"
	}
	if p.Spd > top {
		stat = "spd"
	}
	return stat
}
