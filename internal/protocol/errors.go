package protocol

const (
	// Envelope validation.
	ErrBadRequest = "E_BAD_REQUEST"

	// Gate layer.
	ErrInvalidState = "E_INVALID_STATE"
	ErrNoBudget     = "E_NO_BUDGET"

	// Shared-state layer.
	ErrConflict      = "E_CONFLICT"
	ErrPoolCompleted = "E_POOL_COMPLETED"
	ErrInvalidTarget = "E_INVALID_TARGET"
	ErrLockout       = "E_LOCKOUT"
	ErrSealed        = "E_SEALED"

	ErrInvariant = "E_INVARIANT"
	ErrInternal  = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrBadRequest:    {},
	ErrInvalidState:  {},
	ErrNoBudget:      {},
	ErrConflict:      {},
	ErrPoolCompleted: {},
	ErrInvalidTarget: {},
	ErrLockout:       {},
	ErrSealed:        {},
	ErrInvariant:     {},
	ErrInternal:      {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}
