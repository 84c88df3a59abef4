package state

import (
	"sort"
	"sync"
)

// MemoryStore is an in-process Store for tests and library embedding.
// It honors the same conditional-write semantics as the SQLite store.
type MemoryStore struct {
	mu sync.Mutex

	epoch    *Epoch
	players  map[string]Player
	pools    map[string]Pool
	ledger   map[string]map[string]LedgerEntry // poolID -> playerID -> entry
	pursuers map[string]Pursuer
	cells    map[string]Cell
	cps      map[string]Checkpoint
	breach   *Breach
	votes    map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		players:  make(map[string]Player),
		pools:    make(map[string]Pool),
		ledger:   make(map[string]map[string]LedgerEntry),
		pursuers: make(map[string]Pursuer),
		cells:    make(map[string]Cell),
		cps:      make(map[string]Checkpoint),
		votes:    make(map[string]string),
	}
}

func copyPool(p Pool) Pool {
	p.Mechanics = append([]Mechanic(nil), p.Mechanics...)
	return p
}

func copyCheckpoint(c Checkpoint) Checkpoint {
	c.CellIDs = append([]string(nil), c.CellIDs...)
	return c
}

func copyBreach(b Breach) Breach {
	b.Glyphs = append([]string(nil), b.Glyphs...)
	return b
}

func (s *MemoryStore) Epoch() (Epoch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.epoch == nil {
		return Epoch{}, ErrNotFound
	}
	return *s.epoch, nil
}

func (s *MemoryStore) PutEpoch(e Epoch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.epoch = &e
	return nil
}

func (s *MemoryStore) UpdateEpoch(e Epoch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.epoch == nil {
		return ErrNotFound
	}
	if s.epoch.Version != e.Version {
		return ErrVersionConflict
	}
	e.Version++
	s.epoch = &e
	return nil
}

func (s *MemoryStore) Player(id string) (Player, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.players[id]
	if !ok {
		return Player{}, ErrNotFound
	}
	return p, nil
}

func (s *MemoryStore) PutPlayer(p Player) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.players[p.ID] = p
	return nil
}

func (s *MemoryStore) UpdatePlayer(p Player) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.players[p.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != p.Version {
		return ErrVersionConflict
	}
	p.Version++
	s.players[p.ID] = p
	return nil
}

func (s *MemoryStore) ResetBudgets(dungeon, social, special int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, p := range s.players {
		p.DungeonActions = dungeon
		p.SocialActions = social
		p.SpecialActions = special
		p.Version++
		s.players[id] = p
	}
	return nil
}

func (s *MemoryStore) Pool(id string) (Pool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pools[id]
	if !ok {
		return Pool{}, ErrNotFound
	}
	return copyPool(p), nil
}

func (s *MemoryStore) PoolsByKind(kind string) ([]Pool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Pool
	for _, p := range s.pools {
		if kind == "" || p.Kind == kind {
			out = append(out, copyPool(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) PutPool(p Pool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pools[p.ID] = copyPool(p)
	return nil
}

func (s *MemoryStore) UpdatePool(p Pool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.pools[p.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != p.Version {
		return ErrVersionConflict
	}
	p.Version++
	s.pools[p.ID] = copyPool(p)
	return nil
}

func (s *MemoryStore) Ledger(poolID string) ([]LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []LedgerEntry
	for _, e := range s.ledger[poolID] {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PlayerID < out[j].PlayerID })
	return out, nil
}

func (s *MemoryStore) LedgerEntry(poolID, playerID string) (LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.ledger[poolID][playerID]
	if !ok {
		return LedgerEntry{}, ErrNotFound
	}
	return e, nil
}

func (s *MemoryStore) AddContribution(poolID, playerID string, damage int, nowUnix int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.ledger[poolID]
	if m == nil {
		m = make(map[string]LedgerEntry)
		s.ledger[poolID] = m
	}
	e := m[playerID]
	e.PoolID = poolID
	e.PlayerID = playerID
	e.Damage += damage
	e.LastEngagedUnix = nowUnix
	m[playerID] = e
	return nil
}

func (s *MemoryStore) SetLockout(poolID, playerID string, untilUnix int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.ledger[poolID]
	if m == nil {
		return ErrNotFound
	}
	e, ok := m[playerID]
	if !ok {
		return ErrNotFound
	}
	e.LockoutUntilUnix = untilUnix
	m[playerID] = e
	return nil
}

func (s *MemoryStore) Pursuer(id string) (Pursuer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pursuers[id]
	if !ok {
		return Pursuer{}, ErrNotFound
	}
	return p, nil
}

func (s *MemoryStore) PutPursuer(p Pursuer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pursuers[p.ID] = p
	return nil
}

func (s *MemoryStore) UpdatePursuer(p Pursuer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.pursuers[p.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != p.Version {
		return ErrVersionConflict
	}
	p.Version++
	s.pursuers[p.ID] = p
	return nil
}

func (s *MemoryStore) Cell(id string) (Cell, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cells[id]
	if !ok {
		return Cell{}, ErrNotFound
	}
	return c, nil
}

func (s *MemoryStore) CellsByZone(zone string) ([]Cell, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Cell
	for _, c := range s.cells {
		if zone == "" || c.Zone == zone {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) PutCell(c Cell) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cells[c.ID] = c
	return nil
}

func (s *MemoryStore) UpdateCell(c Cell) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.cells[c.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != c.Version {
		return ErrVersionConflict
	}
	c.Version++
	s.cells[c.ID] = c
	return nil
}

func (s *MemoryStore) Checkpoint(id string) (Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cps[id]
	if !ok {
		return Checkpoint{}, ErrNotFound
	}
	return copyCheckpoint(c), nil
}

func (s *MemoryStore) Checkpoints() ([]Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Checkpoint
	for _, c := range s.cps {
		out = append(out, copyCheckpoint(c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) PutCheckpoint(c Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cps[c.ID] = copyCheckpoint(c)
	return nil
}

func (s *MemoryStore) UpdateCheckpoint(c Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.cps[c.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != c.Version {
		return ErrVersionConflict
	}
	c.Version++
	s.cps[c.ID] = copyCheckpoint(c)
	return nil
}

func (s *MemoryStore) Breach() (Breach, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.breach == nil {
		return Breach{}, ErrNotFound
	}
	return copyBreach(*s.breach), nil
}

func (s *MemoryStore) PutBreach(b Breach) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b = copyBreach(b)
	s.breach = &b
	return nil
}

func (s *MemoryStore) UpdateBreach(b Breach) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.breach == nil {
		return ErrNotFound
	}
	if s.breach.Version != b.Version {
		return ErrVersionConflict
	}
	b.Version++
	b = copyBreach(b)
	s.breach = &b
	return nil
}

func (s *MemoryStore) CastVote(playerID, mode string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.votes[playerID] = mode
	return nil
}

func (s *MemoryStore) TallyVotes() (map[string]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int)
	for _, m := range s.votes {
		out[m]++
	}
	return out, nil
}
