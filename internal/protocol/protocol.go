package protocol

import "time"

// ActionEvent is the normalized unit of work delivered by the command
// dispatch collaborator: one player, one action, one timestamp. The engine
// processes each envelope synchronously and returns a Result.
type ActionEvent struct {
	PlayerID  string    `json:"player_id"`
	Type      string    `json:"type"`
	Args      []string  `json:"args,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Action types accepted by the engine.
const (
	ActEnter      = "enter"      // town -> dungeon
	ActMove       = "move"       // advance one room
	ActFight      = "fight"      // one combat round vs a pool or room monster
	ActFlee       = "flee"       // leave combat / shake the Pursuer
	ActRetreat    = "retreat"    // dungeon -> town
	ActRespawn    = "respawn"    // dead -> town
	ActClear      = "clear"      // finish clearing a grid cell (hold the line)
	ActCheckpoint = "checkpoint" // establish a checkpoint cluster
	ActClaim      = "claim"      // claim the escape objective
	ActPickup     = "pickup"     // pick up a dropped objective
	ActBlock      = "block"      // tank pursuer rounds
	ActWard       = "ward"       // ward a cleared room
	ActLure       = "lure"       // divert the pursuer
	ActAttune     = "attune"     // resonance puzzle glyph
	ActVote       = "vote"       // day-30 endgame vote
)

// Result is the engine's response to one ActionEvent. Code is empty on
// success; Events carries every descriptor the action produced, delivered
// or not (Delivered marks the governor's verdict per event id).
type Result struct {
	OK        bool     `json:"ok"`
	Code      string   `json:"code,omitempty"`
	Message   string   `json:"message,omitempty"`
	Events    []Event  `json:"events,omitempty"`
	Delivered []string `json:"delivered,omitempty"`
}
