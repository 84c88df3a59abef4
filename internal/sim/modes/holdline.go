package modes

import (
	"errors"
	"time"

	"darkcragg.world/internal/protocol"
	"darkcragg.world/internal/sim/state"
	"darkcragg.world/internal/sim/tuning"
)

// HoldLine drives the territory ratchet. Cells revert lazily on read;
// checkpoints lock clusters one-way.
type HoldLine struct {
	store   state.Store
	tun     tuning.Tuning
	retries int
}

func NewHoldLine(store state.Store, tun tuning.Tuning) *HoldLine {
	retries := tun.WriteRetries
	if retries <= 0 {
		retries = 5
	}
	return &HoldLine{store: store, tun: tun, retries: retries}
}

// revertDue reports whether a cleared cell's hold has expired. Protected
// cells never revert. Breach-zone cells use the incursion rate.
func (m *HoldLine) revertDue(c state.Cell, nowUnix int64) bool {
	if c.Hostile || c.Protected || c.ClearedAtUnix == 0 {
		return false
	}
	var interval int64
	if c.Zone == state.ZoneBreach {
		interval = 86400 / int64(m.tun.Breach.IncursionPerDay)
	} else {
		interval = m.tun.RevertIntervalSecs(c.Floor)
	}
	return nowUnix-c.ClearedAtUnix >= interval
}

// refresh applies any pending reversion to an in-memory cell. Returns
// true if the cell flipped hostile.
func (m *HoldLine) refresh(c *state.Cell, nowUnix int64) bool {
	if !m.revertDue(*c, nowUnix) {
		return false
	}
	c.Hostile = true
	c.ClearedAtUnix = 0
	return true
}

// ClearCell marks a cell held after its defenders won the room. The
// pending-reversion check runs first so a stale clear cannot be
// extended for free.
func (m *HoldLine) ClearCell(cellID, playerID string, now time.Time) ([]protocol.Event, string, string, error) {
	nowUnix := now.Unix()
	for attempt := 0; attempt < m.retries; attempt++ {
		c, err := m.store.Cell(cellID)
		if errors.Is(err, state.ErrNotFound) {
			return nil, protocol.ErrInvalidTarget, "no such cell", nil
		}
		if err != nil {
			return nil, "", "", err
		}
		var evs []protocol.Event
		if m.refresh(&c, nowUnix) {
			evs = append(evs, protocol.Event{
				Type:      protocol.EvCellReverted,
				SubjectID: c.ID,
				Timestamp: now,
			})
		}
		if !c.Hostile {
			return nil, protocol.ErrInvalidTarget, "cell already held", nil
		}
		c.Hostile = false
		c.ClearedAtUnix = nowUnix
		if err := m.store.UpdateCell(c); err != nil {
			if errors.Is(err, state.ErrVersionConflict) {
				continue
			}
			return nil, "", "", err
		}
		evs = append(evs, protocol.Event{
			Type:      protocol.EvCellCleared,
			ActorID:   playerID,
			SubjectID: c.ID,
			Timestamp: now,
		})
		return evs, "", "", nil
	}
	return nil, "", "", ErrContention
}

// CreditCell re-arms a cell's hold timer without player action. Used
// when a life-clear of a cell-hosted bounty feeds the territory push.
func (m *HoldLine) CreditCell(cellID string, now time.Time) ([]protocol.Event, error) {
	nowUnix := now.Unix()
	for attempt := 0; attempt < m.retries; attempt++ {
		c, err := m.store.Cell(cellID)
		if errors.Is(err, state.ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		wasHostile := c.Hostile || m.revertDue(c, nowUnix)
		c.Hostile = false
		c.ClearedAtUnix = nowUnix
		if err := m.store.UpdateCell(c); err != nil {
			if errors.Is(err, state.ErrVersionConflict) {
				continue
			}
			return nil, err
		}
		if wasHostile {
			return []protocol.Event{{
				Type:      protocol.EvCellCleared,
				SubjectID: c.ID,
				Timestamp: now,
			}}, nil
		}
		return nil, nil
	}
	return nil, ErrContention
}

// EstablishCheckpoint locks a cluster if every cell is still held at
// the moment of establishment. allowance forgives that many expired or
// hostile cells (the territory-credit breach bonus). Establishment is a
// one-way ratchet; repeat calls are informational no-ops.
func (m *HoldLine) EstablishCheckpoint(cpID, playerID string, allowance int, now time.Time) ([]protocol.Event, string, string, error) {
	nowUnix := now.Unix()
	for attempt := 0; attempt < m.retries; attempt++ {
		cp, err := m.store.Checkpoint(cpID)
		if errors.Is(err, state.ErrNotFound) {
			return nil, protocol.ErrInvalidTarget, "no such checkpoint", nil
		}
		if err != nil {
			return nil, "", "", err
		}
		if cp.Established {
			return nil, protocol.ErrInvalidTarget, "checkpoint already established", nil
		}

		var evs []protocol.Event
		misses := 0
		held := make([]state.Cell, 0, len(cp.CellIDs))
		for _, cellID := range cp.CellIDs {
			c, err := m.store.Cell(cellID)
			if err != nil {
				return nil, "", "", err
			}
			if m.refresh(&c, nowUnix) {
				// Persist the lazy reversion even if the attempt fails.
				if err := m.store.UpdateCell(c); err != nil && !errors.Is(err, state.ErrVersionConflict) {
					return nil, "", "", err
				}
				evs = append(evs, protocol.Event{
					Type:      protocol.EvCellReverted,
					SubjectID: c.ID,
					Timestamp: now,
				})
			}
			if c.Hostile {
				misses++
				continue
			}
			held = append(held, c)
		}
		if misses > allowance {
			return evs, protocol.ErrInvalidTarget, "cluster not fully held", nil
		}

		for _, c := range held {
			if c.Protected {
				continue
			}
			if err := m.protectCell(c.ID); err != nil {
				return nil, "", "", err
			}
		}
		cp.Established = true
		cp.EstablishedAtUnix = nowUnix
		cp.EstablishedBy = playerID
		if err := m.store.UpdateCheckpoint(cp); err != nil {
			if errors.Is(err, state.ErrVersionConflict) {
				continue
			}
			return nil, "", "", err
		}
		evs = append(evs, protocol.Event{
			Type:      protocol.EvCheckpointUp,
			ActorID:   playerID,
			SubjectID: cp.ID,
			Timestamp: now,
		})
		return evs, "", "", nil
	}
	return nil, "", "", ErrContention
}

// protectCell flips the one-way protection flag under its own retry
// loop. Racing establishers converge on the same final state.
func (m *HoldLine) protectCell(cellID string) error {
	for attempt := 0; attempt < m.retries; attempt++ {
		c, err := m.store.Cell(cellID)
		if err != nil {
			return err
		}
		if c.Protected {
			return nil
		}
		c.Protected = true
		c.Hostile = false
		if err := m.store.UpdateCell(c); err != nil {
			if errors.Is(err, state.ErrVersionConflict) {
				continue
			}
			return err
		}
		return nil
	}
	return ErrContention
}

// Sweep applies pending reversions across a zone. Run at day boundaries
// so the map does not depend on player reads to decay.
func (m *HoldLine) Sweep(zone string, now time.Time) ([]protocol.Event, error) {
	nowUnix := now.Unix()
	cells, err := m.store.CellsByZone(zone)
	if err != nil {
		return nil, err
	}
	var evs []protocol.Event
	for _, c := range cells {
		if !m.refresh(&c, nowUnix) {
			continue
		}
		if err := m.store.UpdateCell(c); err != nil {
			if errors.Is(err, state.ErrVersionConflict) {
				continue // someone else touched the cell; their read reverts it
			}
			return evs, err
		}
		evs = append(evs, protocol.Event{
			Type:      protocol.EvCellReverted,
			SubjectID: c.ID,
			Timestamp: now,
		})
	}
	return evs, nil
}

// ZoneHeld reports whether every cell in a zone is currently held,
// applying lazy reversion on the way.
func (m *HoldLine) ZoneHeld(zone string, now time.Time) (bool, error) {
	nowUnix := now.Unix()
	cells, err := m.store.CellsByZone(zone)
	if err != nil {
		return false, err
	}
	for _, c := range cells {
		if m.refresh(&c, nowUnix) {
			if err := m.store.UpdateCell(c); err != nil && !errors.Is(err, state.ErrVersionConflict) {
				return false, err
			}
		}
		if c.Hostile {
			return false, nil
		}
	}
	return len(cells) > 0, nil
}
