// Package state defines the epoch-scoped entities the engine coordinates
// and the versioned store contract every mutation goes through.
package state

// Player lifecycle states. Transitions are enforced by the action gate.
const (
	StateTown    = "town"
	StateDungeon = "dungeon"
	StateCombat  = "combat"
	StateDead    = "dead"
)

// Budget categories.
const (
	BudgetDungeon = "dungeon"
	BudgetSocial  = "social"
	BudgetSpecial = "special"
)

// Player is one row per player. Budgets never contend across players, so
// the row only needs per-player linearizability (the version stamp).
type Player struct {
	ID    string
	State string

	HP    int
	MaxHP int
	Pow   int
	Def   int
	Spd   int

	DungeonActions int
	SocialActions  int
	SpecialActions int

	// Combat lock bookkeeping. EngagedPoolID names the pool holding the
	// player in combat; FleeAttempted feeds mechanics that deny the
	// first escape attempt of the lock.
	EngagedPoolID string
	FleeAttempted bool

	Version uint64
}

// Budget returns the remaining budget for a category.
func (p *Player) Budget(category string) int {
	switch category {
	case BudgetDungeon:
		return p.DungeonActions
	case BudgetSocial:
		return p.SocialActions
	case BudgetSpecial:
		return p.SpecialActions
	}
	return 0
}

// AddBudget adjusts a category by delta (negative to spend).
func (p *Player) AddBudget(category string, delta int) {
	switch category {
	case BudgetDungeon:
		p.DungeonActions += delta
	case BudgetSocial:
		p.SocialActions += delta
	case BudgetSpecial:
		p.SpecialActions += delta
	}
}

// Pool kinds.
const (
	PoolBounty    = "bounty"
	PoolFloorBoss = "floorboss"
	PoolRaid      = "raid"
	PoolWarden    = "warden"
	PoolEmergence = "emergence"
)

// Mechanic is a tagged behavior composed onto a pool at generation time.
type Mechanic string

// Floor boss mechanic table.
const (
	MechArmored     Mechanic = "armored"
	MechEnraged     Mechanic = "enraged"
	MechRegenerator Mechanic = "regenerator"
	MechStalwart    Mechanic = "stalwart"
	MechWarded      Mechanic = "warded"
	MechPhasing     Mechanic = "phasing"
	MechDraining    Mechanic = "draining"
	MechSplitting   Mechanic = "splitting"
	MechRotating    Mechanic = "rotating_resistance"
	MechRetaliator  Mechanic = "retaliator"
	MechSummoner    Mechanic = "summoner"
	MechCursed      Mechanic = "cursed"
)

// Raid boss mechanic table.
const (
	MechWindup      Mechanic = "windup_strike"
	MechFlatBoost   Mechanic = "flat_damage_boost"
	MechRetribution Mechanic = "retribution"
	MechAura        Mechanic = "aura_damage"
	MechExtraRegen  Mechanic = "extra_regen"
	MechArmorPhase  Mechanic = "armor_phase"
	MechBossFlees   Mechanic = "boss_flees"
	MechRegenBurst  Mechanic = "regen_burst"
	MechNoEscape    Mechanic = "no_escape"
	MechLockout     Mechanic = "lockout"
	MechEnrageTimer Mechanic = "enrage_timer"
)

// Pool is a generic shared-HP target: bounties, floor bosses, the raid
// boss, the Warden and the breach emergence all use this one shape.
type Pool struct {
	ID   string
	Kind string

	CurrentHP int
	MaxHP     int

	RegenRate         float64 // fraction of MaxHP healed per interval
	RegenIntervalSecs int64
	LastRegenUnix     int64
	LastBurstUnix     int64 // regen_burst mechanic, once per 24h

	Lives     int
	Completed bool

	// One-way flags.
	HalfwayNotified bool
	RewardsClaimed  bool

	Phase     int // raid: 1..3, others 0
	Mechanics []Mechanic

	KillingBlowID string

	// Bounty rotation.
	Active        bool
	ActiveFromDay int

	// Hold-the-line hosted bounties credit this cell on each life clear.
	HostCellID string

	Version uint64
}

// HasMechanic reports whether a mechanic tag is composed onto this pool.
func (p *Pool) HasMechanic(m Mechanic) bool {
	for _, have := range p.Mechanics {
		if have == m {
			return true
		}
	}
	return false
}

// Pursuer modes.
const (
	PursuerUnclaimed    = "unclaimed"
	PursuerActive       = "active"
	PursuerCaught       = "caught"
	PursuerRelayPending = "relay-pending"
	PursuerResolved     = "resolved"
)

// UnitsPerRoom is the fixed-point convention for pursuer distance.
// Quarter-room units keep every advancement delta integral, including the
// warded crossing.
const UnitsPerRoom = 4

// Pursuer is the single-row chase state for an escape run. The main run
// and the breach heist each own one row.
type Pursuer struct {
	ID   string
	Mode string

	Distance  int // units behind the carrier, never negative at rest
	CarrierID string

	Progress int // rooms the carrier has cleared toward the surface
	RouteLen int // rooms needed to deliver

	WardCharges  int
	BlockCharges int
	LureTicks    int

	Version uint64
}

// Cell zones.
const (
	ZoneMain   = "main"
	ZoneBreach = "breach"
)

// Cell is one room in the hold-the-line grid (or the breach incursion
// grid, Zone "breach").
type Cell struct {
	ID    string
	Zone  string
	Floor int

	Hostile       bool
	ClearedAtUnix int64
	Protected     bool // ratchet, one-way

	Version uint64
}

// Checkpoint is a ratcheted lock over a cluster of cells.
type Checkpoint struct {
	ID    string
	Floor int

	CellIDs []string

	Established       bool // ratchet, one-way
	EstablishedAtUnix int64
	EstablishedBy     string

	Version uint64
}

// Breach phases.
const (
	BreachSealed    = "sealed"
	BreachActive    = "active"
	BreachCompleted = "completed"
)

// Breach mini-event tags.
const (
	BreachHeist     = "heist"
	BreachEmergence = "emergence"
	BreachIncursion = "incursion"
	BreachResonance = "resonance"
)

// Breach is the single-row overlay state. Glyphs/GlyphProgress belong to
// the resonance puzzle; HoldStartedUnix to the incursion hold window.
type Breach struct {
	Event string
	Phase string

	Glyphs        []string
	GlyphProgress int

	HoldStartedUnix int64

	Version uint64
}

// Endgame modes.
const (
	ModeEscape   = "retrieve_and_escape"
	ModeRaid     = "raid_boss"
	ModeHoldLine = "hold_the_line"
)

// Breach completion bonuses, one per endgame mode.
const (
	BonusEscapeRoute     = "alternate_route"
	BonusRaidDamage      = "damage_buff"
	BonusTerritoryCredit = "territory_credit"
)

// Epoch is the single-row world cycle state.
type Epoch struct {
	Seed int64
	Day  int
	Mode string

	BreachOpen bool
	Bonus      string // breach bonus tag, consumed by the active mode
	VoteOpen   bool

	Version uint64
}

// LedgerEntry is one contributor row of a pool's contribution ledger.
// Append-only until the pool completes, then frozen.
type LedgerEntry struct {
	PoolID   string
	PlayerID string

	Damage int

	LastEngagedUnix  int64
	LockoutUntilUnix int64
}

// Reward is one row of a completed pool's threshold-model payout: every
// contributor with damage > 0 qualifies; the killing blow holder gets the
// bonus flag.
type Reward struct {
	PlayerID    string
	Damage      int
	KillingBlow bool
}
