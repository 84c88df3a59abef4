package protocol

import "time"

// Severity buckets for the broadcast governor.
const (
	SevCritical = "critical" // always deliver
	SevNotice   = "notice"   // rate-limited
	SevChatter  = "chatter"  // journal only, never delivered
)

// Event is the structured descriptor handed to the broadcast/transport
// collaborators. The engine never renders text; the content collaborator
// keys pre-rendered templates off Type.
type Event struct {
	ID           string    `json:"id"`
	Type         string    `json:"type"`
	Severity     string    `json:"severity"`
	ActorID      string    `json:"actor_id,omitempty"`
	SubjectID    string    `json:"subject_id,omitempty"`
	NumericValue int64     `json:"numeric_value,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// Event types emitted by the engine.
const (
	EvPoolDamaged    = "pool.damaged"
	EvPoolHalfway    = "pool.halfway"
	EvPoolLifeClear  = "pool.life_cleared"
	EvPoolCompleted  = "pool.completed"
	EvPoolReplaced   = "pool.replaced"
	EvBountyActive   = "bounty.activated"
	EvRaidPhase      = "raid.phase"
	EvRaidMechanic   = "raid.mechanic"
	EvEscapeClaimed  = "escape.claimed"
	EvEscapeCaught   = "escape.caught"
	EvEscapeFlee     = "escape.flee"
	EvEscapeDropped  = "escape.dropped"
	EvEscapeRelay    = "escape.relay"
	EvEscapeWard     = "escape.ward"
	EvEscapeLure     = "escape.lure"
	EvEscapeBlock    = "escape.block"
	EvEscapeVictory  = "escape.victory"
	EvCellCleared    = "cell.cleared"
	EvCellReverted   = "cell.reverted"
	EvCheckpointUp   = "checkpoint.established"
	EvWardenFallen   = "warden.fallen"
	EvBreachOmen     = "breach.foreshadow"
	EvBreachOpened   = "breach.opened"
	EvBreachComplete = "breach.completed"
	EvBreachBonus    = "breach.bonus"
	EvRewardGranted  = "reward.granted"
	EvKillingBlow    = "reward.killing_blow"
	EvPlayerDied     = "player.died"
	EvDayAdvanced    = "day.advanced"
	EvVoteOpened     = "vote.opened"
	EvInvariant      = "invariant.violation"
)

// severityByType is the default classification consumed by the emitter.
var severityByType = map[string]string{
	EvPoolDamaged:    SevChatter,
	EvPoolHalfway:    SevNotice,
	EvPoolLifeClear:  SevNotice,
	EvPoolCompleted:  SevCritical,
	EvPoolReplaced:   SevChatter,
	EvBountyActive:   SevNotice,
	EvRaidPhase:      SevCritical,
	EvRaidMechanic:   SevNotice,
	EvEscapeClaimed:  SevCritical,
	EvEscapeCaught:   SevCritical,
	EvEscapeFlee:     SevNotice,
	EvEscapeDropped:  SevCritical,
	EvEscapeRelay:    SevCritical,
	EvEscapeWard:     SevNotice,
	EvEscapeLure:     SevNotice,
	EvEscapeBlock:    SevNotice,
	EvEscapeVictory:  SevCritical,
	EvCellCleared:    SevChatter,
	EvCellReverted:   SevNotice,
	EvCheckpointUp:   SevCritical,
	EvWardenFallen:   SevCritical,
	EvBreachOmen:     SevNotice,
	EvBreachOpened:   SevCritical,
	EvBreachComplete: SevCritical,
	EvBreachBonus:    SevCritical,
	EvRewardGranted:  SevChatter,
	EvKillingBlow:    SevNotice,
	EvPlayerDied:     SevNotice,
	EvDayAdvanced:    SevChatter,
	EvVoteOpened:     SevCritical,
	EvInvariant:      SevChatter,
}

// SeverityFor returns the governor class for an event type. Unknown types
// are chatter: journaled, never delivered.
func SeverityFor(eventType string) string {
	if s, ok := severityByType[eventType]; ok {
		return s
	}
	return SevChatter
}
