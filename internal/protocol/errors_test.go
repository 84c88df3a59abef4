package protocol

import "testing"

func TestIsKnownCode(t *testing.T) {
	cases := []string{
		"",
		ErrBadRequest,
		ErrInvalidState,
		ErrNoBudget,
		ErrConflict,
		ErrPoolCompleted,
		ErrInvalidTarget,
		ErrLockout,
		ErrSealed,
		ErrInvariant,
		ErrInternal,
	}
	for _, c := range cases {
		if !IsKnownCode(c) {
			t.Fatalf("expected known code: %q", c)
		}
	}
	if IsKnownCode("E_NOT_DEFINED") {
		t.Fatalf("expected unknown code rejected")
	}
}

func TestSeverityFor_UnknownIsChatter(t *testing.T) {
	if got := SeverityFor("made.up"); got != SevChatter {
		t.Fatalf("severity = %s, want chatter", got)
	}
	if got := SeverityFor(EvBreachOpened); got != SevCritical {
		t.Fatalf("severity = %s, want critical", got)
	}
}
