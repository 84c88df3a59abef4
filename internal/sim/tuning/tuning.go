package tuning

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type Tuning struct {
	EpochDays      int `yaml:"epoch_days"`
	BreachDay      int `yaml:"breach_day"`
	ForeshadowDays int `yaml:"foreshadow_days"` // omens start this many days before the breach
	VoteDay        int `yaml:"vote_day"`

	Budgets Budgets `yaml:"budgets"`

	Bounty PoolTuning   `yaml:"bounty"`
	Warden PoolTuning   `yaml:"warden"`
	Raid   RaidTuning   `yaml:"raid"`
	Breach BreachTuning `yaml:"breach"`

	Escape   EscapeTuning   `yaml:"escape"`
	HoldLine HoldLineTuning `yaml:"hold_line"`

	Combat CombatTuning `yaml:"combat"`

	Governor GovernorTuning `yaml:"governor"`

	WriteRetries int `yaml:"write_retries"`
}

type Budgets struct {
	DungeonPerDay int `yaml:"dungeon_per_day"`
	SocialPerDay  int `yaml:"social_per_day"`
	SpecialPerDay int `yaml:"special_per_day"`
}

type PoolTuning struct {
	RegenRate         float64 `yaml:"regen_rate"` // fraction of max HP per interval
	RegenIntervalHours int    `yaml:"regen_interval_hours"`
	Lives             int     `yaml:"lives"`
	ActiveMax         int     `yaml:"active_max"`
	HPMin             int     `yaml:"hp_min"`
	HPMax             int     `yaml:"hp_max"`
}

type RaidTuning struct {
	HPPerPlayer        int     `yaml:"hp_per_player"`
	HPCap              int     `yaml:"hp_cap"`
	RegenRate          float64 `yaml:"regen_rate"`
	RegenIntervalHours int     `yaml:"regen_interval_hours"`
	MechanicsMin       int     `yaml:"mechanics_min"`
	MechanicsMax       int     `yaml:"mechanics_max"`
	ActiveWindowDays   int     `yaml:"active_window_days"`
}

type BreachTuning struct {
	RoomsMin           int `yaml:"rooms_min"`
	RoomsMax           int `yaml:"rooms_max"`
	EmergenceHPMin     int `yaml:"emergence_hp_min"`
	EmergenceHPMax     int `yaml:"emergence_hp_max"`
	IncursionPerDay    int `yaml:"incursion_reverts_per_day"`
	IncursionHoldHours int `yaml:"incursion_hold_hours"`
	HeistRouteRooms    int `yaml:"heist_route_rooms"`
	HeistSpawnRooms    int `yaml:"heist_spawn_rooms"`
	ResonanceGlyphs    int `yaml:"resonance_glyphs"`
}

type EscapeTuning struct {
	SpawnRooms      int     `yaml:"spawn_rooms"`       // pursuer distance at claim
	RelayResetRooms int     `yaml:"relay_reset_rooms"` // pursuer distance after relay pickup
	RouteRooms      int     `yaml:"route_rooms"`       // rooms from claim to surface
	FleeBaseChance  float64 `yaml:"flee_base_chance"`
	FleeFailDamage  float64 `yaml:"flee_fail_damage"` // fraction of carrier max HP
	LureTicks       int     `yaml:"lure_ticks"`
	BlockRounds     int     `yaml:"block_rounds"`
}

type HoldLineTuning struct {
	// Rooms the dungeon reclaims per day, by floor. Converted to per-cell
	// reversion deadlines (24h / rate), not a daily batch tick.
	RevertPerDay map[int]int `yaml:"revert_per_day"`
	Floors       int         `yaml:"floors"`
	BountyLives  int         `yaml:"bounty_lives"`
}

type CombatTuning struct {
	Variance       float64 `yaml:"variance"`         // damage roll spread, +/- fraction
	FleeBaseChance float64 `yaml:"flee_base_chance"`
}

type GovernorTuning struct {
	DailyCeiling int `yaml:"daily_ceiling"` // hard cap per rolling 24h
	DailyTarget  int `yaml:"daily_target"`  // soft target per rolling 24h
	DailyFloor   int `yaml:"daily_floor"`   // always allow below this
	BurstCap     int `yaml:"burst_cap"`     // cap per rolling 10 minutes
}

// Default returns the tuning the original design shipped with.
func Default() Tuning {
	return Tuning{
		EpochDays:      30,
		BreachDay:      15,
		ForeshadowDays: 3,
		VoteDay:        30,
		Budgets: Budgets{
			DungeonPerDay: 12,
			SocialPerDay:  2,
			SpecialPerDay: 1,
		},
		Bounty: PoolTuning{
			RegenRate:          0.05,
			RegenIntervalHours: 8,
			Lives:              1,
			ActiveMax:          2,
			HPMin:              400,
			HPMax:              900,
		},
		Warden: PoolTuning{
			RegenRate:          0.03,
			RegenIntervalHours: 8,
			Lives:              1,
			HPMin:              300,
			HPMax:              500,
		},
		Raid: RaidTuning{
			HPPerPlayer:        300,
			HPCap:              6000,
			RegenRate:          0.03,
			RegenIntervalHours: 8,
			MechanicsMin:       2,
			MechanicsMax:       3,
			ActiveWindowDays:   3,
		},
		Breach: BreachTuning{
			RoomsMin:           5,
			RoomsMax:           8,
			EmergenceHPMin:     500,
			EmergenceHPMax:     800,
			IncursionPerDay:    2,
			IncursionHoldHours: 48,
			HeistRouteRooms:    4,
			HeistSpawnRooms:    2,
			ResonanceGlyphs:    5,
		},
		Escape: EscapeTuning{
			SpawnRooms:      3,
			RelayResetRooms: 5,
			RouteRooms:      12,
			FleeBaseChance:  0.6,
			FleeFailDamage:  0.25,
			LureTicks:       6,
			BlockRounds:     2,
		},
		HoldLine: HoldLineTuning{
			RevertPerDay: map[int]int{1: 3, 2: 5, 3: 7, 4: 9},
			Floors:       4,
			BountyLives:  3,
		},
		Combat: CombatTuning{
			Variance:       0.2,
			FleeBaseChance: 0.6,
		},
		Governor: GovernorTuning{
			DailyCeiling: 60,
			DailyTarget:  30,
			DailyFloor:   5,
			BurstCap:     6,
		},
		WriteRetries: 5,
	}
}

// Load reads tuning.yaml over the defaults, so a partial file only
// overrides what it names.
func Load(path string) (Tuning, error) {
	t := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	return t, nil
}

// RevertIntervalSecs returns the per-cell reversion deadline for a floor:
// the day spread evenly over that floor's reclaim rate.
func (t Tuning) RevertIntervalSecs(floor int) int64 {
	rate := t.HoldLine.RevertPerDay[floor]
	if rate <= 0 {
		rate = 3
	}
	return int64(86400 / rate)
}
