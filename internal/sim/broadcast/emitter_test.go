package broadcast

import (
	"testing"
	"time"

	"darkcragg.world/internal/protocol"
)

type captureSink struct {
	events []protocol.Event
}

func (s *captureSink) WriteEvent(ev protocol.Event) error {
	s.events = append(s.events, ev)
	return nil
}

func TestEmit_StampsInPlace(t *testing.T) {
	em := NewEmitter(NewGovernor(testCfg()), nil, nil)
	evs := []protocol.Event{
		{Type: protocol.EvPoolDamaged, ActorID: "p1"},
		{Type: protocol.EvPoolCompleted, ActorID: "p1"},
	}
	if _, err := em.Emit(base, evs); err != nil {
		t.Fatalf("emit: %v", err)
	}
	for i, ev := range evs {
		if ev.ID == "" {
			t.Fatalf("event %d missing id", i)
		}
		if ev.Timestamp.IsZero() {
			t.Fatalf("event %d missing timestamp", i)
		}
	}
	if evs[0].Severity != protocol.SevChatter || evs[1].Severity != protocol.SevCritical {
		t.Fatalf("severities = %s, %s", evs[0].Severity, evs[1].Severity)
	}
	if evs[0].ID == evs[1].ID {
		t.Fatalf("ids collide")
	}
}

func TestEmit_SeverityRouting(t *testing.T) {
	journal := &captureSink{}
	deliver := &captureSink{}
	em := NewEmitter(NewGovernor(testCfg()), journal, deliver)

	evs := []protocol.Event{
		{Type: protocol.EvPoolDamaged},   // chatter
		{Type: protocol.EvPoolHalfway},   // notice
		{Type: protocol.EvPoolCompleted}, // critical
	}
	delivered, err := em.Emit(base, evs)
	if err != nil {
		t.Fatalf("emit: %v", err)
	}

	if len(journal.events) != 3 {
		t.Fatalf("journal has %d events, want all 3", len(journal.events))
	}
	if len(deliver.events) != 2 || len(delivered) != 2 {
		t.Fatalf("delivered %d/%d events, want 2", len(deliver.events), len(delivered))
	}
	if delivered[0].Type != protocol.EvPoolHalfway || delivered[1].Type != protocol.EvPoolCompleted {
		t.Fatalf("delivered = %v", delivered)
	}
}

func TestEmit_CriticalBypassesSaturatedGovernor(t *testing.T) {
	gov := NewGovernor(testCfg())
	for i := 0; i < 70; i++ {
		gov.Record(base)
	}
	deliver := &captureSink{}
	em := NewEmitter(gov, nil, deliver)

	delivered, err := em.Emit(base, []protocol.Event{
		{Type: protocol.EvPoolHalfway},
		{Type: protocol.EvEscapeVictory},
	})
	if err != nil {
		t.Fatalf("emit: %v", err)
	}
	if len(delivered) != 1 || delivered[0].Type != protocol.EvEscapeVictory {
		t.Fatalf("delivered = %v", delivered)
	}
}

func TestEmit_PreservesExistingStamps(t *testing.T) {
	em := NewEmitter(NewGovernor(testCfg()), nil, nil)
	evs := []protocol.Event{{ID: "fixed", Type: protocol.EvPoolDamaged, Timestamp: base}}
	if _, err := em.Emit(base.Add(time.Hour), evs); err != nil {
		t.Fatalf("emit: %v", err)
	}
	if evs[0].ID != "fixed" || !evs[0].Timestamp.Equal(base) {
		t.Fatalf("replayed stamps overwritten: %+v", evs[0])
	}
}
