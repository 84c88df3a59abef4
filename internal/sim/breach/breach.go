// Package breach runs the mid-epoch overlay: one mini-event rolled from
// the epoch seed, foreshadowed, opened on the breach day and resolved
// into a bonus for the active endgame mode.
package breach

import (
	"errors"
	"fmt"
	"math/rand"
	"time"

	"darkcragg.world/internal/protocol"
	"darkcragg.world/internal/sim/modes"
	"darkcragg.world/internal/sim/pool"
	"darkcragg.world/internal/sim/state"
	"darkcragg.world/internal/sim/tuning"
)

// EmergencePoolID is the breach emergence boss row.
const EmergencePoolID = "breach-emergence"

var glyphNames = []string{"ash", "tide", "hollow", "ember", "vein", "gloam", "rime", "thorn"}

// ErrContention is returned when the write retry bound is exhausted.
var ErrContention = errors.New("breach: write retries exhausted")

// Overlay drives the breach row and its per-event collaborators.
type Overlay struct {
	store state.Store
	tun   tuning.Tuning
	pools *pool.Engine
	heist *modes.Escape
	hold  *modes.HoldLine

	retries int
}

func NewOverlay(store state.Store, tun tuning.Tuning, pools *pool.Engine, hold *modes.HoldLine) *Overlay {
	retries := tun.WriteRetries
	if retries <= 0 {
		retries = 5
	}
	return &Overlay{
		store:   store,
		tun:     tun,
		pools:   pools,
		heist:   modes.NewHeist(store, tun),
		hold:    hold,
		retries: retries,
	}
}

// Heist exposes the heist pursuer controller so the engine can route
// carrier actions at it while the heist runs.
func (o *Overlay) Heist() *modes.Escape { return o.heist }

// Generate rolls the epoch's mini-event and writes the sealed row plus
// any latent rows it needs. Deterministic in the seed.
func (o *Overlay) Generate(epochSeed int64) error {
	rng := rand.New(rand.NewSource(epochSeed ^ 0x62726368)) // offset the stream from other seed users
	events := []string{state.BreachHeist, state.BreachEmergence, state.BreachIncursion, state.BreachResonance}
	b := state.Breach{
		Event: events[rng.Intn(len(events))],
		Phase: state.BreachSealed,
	}
	switch b.Event {
	case state.BreachResonance:
		glyphs := append([]string(nil), glyphNames...)
		rng.Shuffle(len(glyphs), func(i, j int) { glyphs[i], glyphs[j] = glyphs[j], glyphs[i] })
		n := o.tun.Breach.ResonanceGlyphs
		if n > len(glyphs) {
			n = len(glyphs)
		}
		b.Glyphs = glyphs[:n]
	case state.BreachIncursion:
		rooms := o.tun.Breach.RoomsMin
		if o.tun.Breach.RoomsMax > o.tun.Breach.RoomsMin {
			rooms += rng.Intn(o.tun.Breach.RoomsMax - o.tun.Breach.RoomsMin + 1)
		}
		for i := 0; i < rooms; i++ {
			cell := state.Cell{
				ID:      fmt.Sprintf("breach-%02d", i),
				Zone:    state.ZoneBreach,
				Floor:   1,
				Hostile: true,
			}
			if err := o.store.PutCell(cell); err != nil {
				return err
			}
		}
	}
	return o.store.PutBreach(b)
}

// Status returns the overlay row.
func (o *Overlay) Status() (state.Breach, error) {
	return o.store.Breach()
}

// Omen returns the foreshadow event for the days leading up to the
// breach, nil outside the window.
func (o *Overlay) Omen(day int, now time.Time) []protocol.Event {
	start := o.tun.BreachDay - o.tun.ForeshadowDays
	if day < start || day >= o.tun.BreachDay {
		return nil
	}
	return []protocol.Event{{
		Type:         protocol.EvBreachOmen,
		NumericValue: int64(o.tun.BreachDay - day),
		Timestamp:    now,
	}}
}

// Activate opens the breach. Idempotent: a second call in the same
// phase is a no-op.
func (o *Overlay) Activate(epochSeed int64, now time.Time) ([]protocol.Event, error) {
	opened := false
	err := o.update(func(b *state.Breach) error {
		if b.Phase != state.BreachSealed {
			return nil
		}
		b.Phase = state.BreachActive
		opened = true
		return nil
	})
	if err != nil || !opened {
		return nil, err
	}

	b, err := o.store.Breach()
	if err != nil {
		return nil, err
	}
	switch b.Event {
	case state.BreachHeist:
		if err := o.heist.Spawn(); err != nil {
			return nil, err
		}
	case state.BreachEmergence:
		rng := rand.New(rand.NewSource(epochSeed ^ 0x656d7267))
		hp := o.tun.Breach.EmergenceHPMin
		if o.tun.Breach.EmergenceHPMax > o.tun.Breach.EmergenceHPMin {
			hp += rng.Intn(o.tun.Breach.EmergenceHPMax - o.tun.Breach.EmergenceHPMin + 1)
		}
		err := o.store.PutPool(state.Pool{
			ID:                EmergencePoolID,
			Kind:              state.PoolEmergence,
			CurrentHP:         hp,
			MaxHP:             hp,
			RegenRate:         o.tun.Bounty.RegenRate,
			RegenIntervalSecs: int64(o.tun.Bounty.RegenIntervalHours) * 3600,
			LastRegenUnix:     now.Unix(),
			Lives:             1,
			Active:            true,
		})
		if err != nil {
			return nil, err
		}
	}
	if err := o.markBreachOpen(); err != nil {
		return nil, err
	}
	return []protocol.Event{{
		Type:      protocol.EvBreachOpened,
		SubjectID: b.Event,
		Timestamp: now,
	}}, nil
}

func (o *Overlay) markBreachOpen() error {
	for attempt := 0; attempt < o.retries; attempt++ {
		ep, err := o.store.Epoch()
		if err != nil {
			return err
		}
		if ep.BreachOpen {
			return nil
		}
		ep.BreachOpen = true
		if err := o.store.UpdateEpoch(ep); err != nil {
			if errors.Is(err, state.ErrVersionConflict) {
				continue
			}
			return err
		}
		return nil
	}
	return ErrContention
}

// Attune plays the next glyph of the resonance sequence. A wrong glyph
// resets progress; completing the sequence resolves the overlay.
func (o *Overlay) Attune(playerID, glyph string, now time.Time) ([]protocol.Event, string, string, error) {
	done := false
	var progress int
	err := o.update(func(b *state.Breach) error {
		done = false
		if b.Phase != state.BreachActive {
			return errSealed
		}
		if b.Event != state.BreachResonance {
			return errWrongEvent
		}
		if b.GlyphProgress < len(b.Glyphs) && b.Glyphs[b.GlyphProgress] == glyph {
			b.GlyphProgress++
		} else {
			b.GlyphProgress = 0
		}
		progress = b.GlyphProgress
		done = b.GlyphProgress >= len(b.Glyphs)
		return nil
	})
	if errors.Is(err, errSealed) {
		return nil, protocol.ErrSealed, "the breach is not open", nil
	}
	if errors.Is(err, errWrongEvent) {
		return nil, protocol.ErrInvalidTarget, "nothing answers the attunement", nil
	}
	if err != nil {
		return nil, "", "", err
	}
	if done {
		evs, err := o.Complete(now)
		return evs, "", "", err
	}
	if progress == 0 {
		return nil, "", "", nil // reset is silent; the sequence is the puzzle
	}
	return nil, "", "", nil
}

var (
	errSealed     = errors.New("breach: sealed")
	errWrongEvent = errors.New("breach: wrong event")
)

// CheckProgress inspects the active mini-event and resolves the overlay
// when its win condition holds. Called after relevant actions and at
// day boundaries.
func (o *Overlay) CheckProgress(now time.Time) ([]protocol.Event, error) {
	b, err := o.store.Breach()
	if err != nil {
		return nil, err
	}
	if b.Phase != state.BreachActive {
		return nil, nil
	}
	switch b.Event {
	case state.BreachHeist:
		p, err := o.heist.Status()
		if err != nil {
			return nil, err
		}
		if p.Mode == state.PursuerResolved {
			return o.Complete(now)
		}
	case state.BreachEmergence:
		p, err := o.store.Pool(EmergencePoolID)
		if err != nil {
			return nil, err
		}
		if p.Completed {
			return o.Complete(now)
		}
	case state.BreachIncursion:
		held, err := o.hold.ZoneHeld(state.ZoneBreach, now)
		if err != nil {
			return nil, err
		}
		if err := o.trackHold(held, now); err != nil {
			return nil, err
		}
		b, err = o.store.Breach()
		if err != nil {
			return nil, err
		}
		holdSecs := int64(o.tun.Breach.IncursionHoldHours) * 3600
		if b.HoldStartedUnix > 0 && now.Unix()-b.HoldStartedUnix >= holdSecs {
			return o.Complete(now)
		}
	}
	return nil, nil
}

// trackHold opens or resets the incursion hold window as the zone flips
// between held and contested.
func (o *Overlay) trackHold(held bool, now time.Time) error {
	return o.update(func(b *state.Breach) error {
		if held && b.HoldStartedUnix == 0 {
			b.HoldStartedUnix = now.Unix()
		}
		if !held {
			b.HoldStartedUnix = 0
		}
		return nil
	})
}

// Complete ratchets the overlay closed and banks the bonus for the
// epoch's active mode. The alternate route applies to the main run
// immediately; the other bonuses are consumed by their controllers.
func (o *Overlay) Complete(now time.Time) ([]protocol.Event, error) {
	completed := false
	err := o.update(func(b *state.Breach) error {
		completed = false
		if b.Phase != state.BreachActive {
			return nil
		}
		b.Phase = state.BreachCompleted
		completed = true
		return nil
	})
	if err != nil || !completed {
		return nil, err
	}

	var bonus string
	banked := false
	for attempt := 0; attempt < o.retries; attempt++ {
		ep, err := o.store.Epoch()
		if err != nil {
			return nil, err
		}
		switch ep.Mode {
		case state.ModeEscape:
			bonus = state.BonusEscapeRoute
		case state.ModeRaid:
			bonus = state.BonusRaidDamage
		case state.ModeHoldLine:
			bonus = state.BonusTerritoryCredit
		}
		ep.Bonus = bonus
		if err := o.store.UpdateEpoch(ep); err != nil {
			if errors.Is(err, state.ErrVersionConflict) {
				continue
			}
			return nil, err
		}
		banked = true
		break
	}
	if !banked {
		return nil, ErrContention
	}

	evs := []protocol.Event{
		{Type: protocol.EvBreachComplete, Timestamp: now},
		{Type: protocol.EvBreachBonus, SubjectID: bonus, Timestamp: now},
	}
	if bonus == state.BonusEscapeRoute {
		main := modes.NewEscape(o.store, o.tun.Escape, o.retries)
		if err := main.ShortenRoute(2); err != nil && !errors.Is(err, state.ErrNotFound) {
			return evs, err
		}
	}
	return evs, nil
}

func (o *Overlay) update(fn func(*state.Breach) error) error {
	for attempt := 0; attempt < o.retries; attempt++ {
		b, err := o.store.Breach()
		if err != nil {
			return err
		}
		if err := fn(&b); err != nil {
			return err
		}
		if err := o.store.UpdateBreach(b); err != nil {
			if errors.Is(err, state.ErrVersionConflict) {
				continue
			}
			return err
		}
		return nil
	}
	return ErrContention
}
