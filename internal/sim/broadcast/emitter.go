// Package broadcast turns internal events into the journaled feed the
// channel relay consumes, with a governor keeping delivery volume
// inside the daily budget.
package broadcast

import (
	"time"

	"github.com/google/uuid"

	"darkcragg.world/internal/protocol"
)

// Sink receives every event, delivered or not. The journal is the
// canonical record; relays subscribe to delivered events only.
type Sink interface {
	WriteEvent(protocol.Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(protocol.Event) error

func (f SinkFunc) WriteEvent(ev protocol.Event) error { return f(ev) }

// Emitter stamps, journals and selectively delivers events.
type Emitter struct {
	gov     *Governor
	journal Sink
	deliver Sink
}

// NewEmitter wires the pipeline. journal and deliver may be nil in
// tests; a nil sink is skipped.
func NewEmitter(gov *Governor, journal, deliver Sink) *Emitter {
	return &Emitter{gov: gov, journal: journal, deliver: deliver}
}

// Emit processes a batch from one action or tick, stamping IDs and
// severities in place. Every event lands in the journal; the returned
// slice is what the governor let through for delivery, in order.
func (e *Emitter) Emit(now time.Time, evs []protocol.Event) ([]protocol.Event, error) {
	var delivered []protocol.Event
	for i := range evs {
		ev := &evs[i]
		if ev.ID == "" {
			ev.ID = uuid.NewString()
		}
		if ev.Severity == "" {
			ev.Severity = protocol.SeverityFor(ev.Type)
		}
		if ev.Timestamp.IsZero() {
			ev.Timestamp = now
		}
		if e.journal != nil {
			if err := e.journal.WriteEvent(*ev); err != nil {
				return delivered, err
			}
		}
		switch ev.Severity {
		case protocol.SevCritical:
			e.gov.Record(ev.Timestamp)
		case protocol.SevNotice:
			if !e.gov.Admit(ev.Timestamp) {
				continue
			}
		default:
			continue
		}
		if e.deliver != nil {
			if err := e.deliver.WriteEvent(*ev); err != nil {
				return delivered, err
			}
		}
		delivered = append(delivered, *ev)
	}
	return delivered, nil
}
