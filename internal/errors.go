package internal

import (
	"errors"
	"fmt"
)

// Every error below aborts the entire call with no partial mutation and is
// never retried internally; the caller must resubmit a corrected request.
var (
	// Validation
	ErrEmptyPayload       = errors.New("payload is empty")
	ErrChainNotRegistered = errors.New("chain not registered")
	ErrAlreadyRegistered  = errors.New("chain already registered")
	ErrZeroAddress        = errors.New("connector address is zero")

	// Authorization
	ErrNotOwner         = errors.New("caller lacks the owner role")
	ErrNotBroadcaster   = errors.New("caller lacks the broadcaster role")
	ErrNotAuthorized    = errors.New("caller lacks a role for this operation")
	ErrInvalidSignature = errors.New("invalid meta-transaction signature")
	ErrHandlerMismatch  = errors.New("handler contract or selector mismatch")

	// Replay
	ErrNonceReused = errors.New("nonce already used")

	// Temporal
	ErrTimeLockActive  = errors.New("time-lock active")
	ErrDeadlineExpired = errors.New("meta-transaction deadline passed")

	// State
	ErrInvalidStatus = errors.New("invalid status for transition")
	ErrNotFound      = errors.New("transaction not found")
)

// DispatchError wraps a downstream transport rejection verbatim so the
// operator can diagnose the transport's own reason.
type DispatchError struct {
	Transport Transport
	Reason    string
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch via %s rejected: %s", e.Transport, e.Reason)
}

// ErrorClass groups an error into the user-visible taxonomy. Unknown errors
// classify as dispatch only when they are DispatchErrors, internal otherwise.
func ErrorClass(err error) string {
	var de *DispatchError
	switch {
	case errors.Is(err, ErrEmptyPayload),
		errors.Is(err, ErrChainNotRegistered),
		errors.Is(err, ErrAlreadyRegistered),
		errors.Is(err, ErrZeroAddress):
		return "validation"
	case errors.Is(err, ErrNotOwner),
		errors.Is(err, ErrNotBroadcaster),
		errors.Is(err, ErrNotAuthorized),
		errors.Is(err, ErrInvalidSignature),
		errors.Is(err, ErrHandlerMismatch):
		return "authorization"
	case errors.Is(err, ErrNonceReused):
		return "replay"
	case errors.Is(err, ErrTimeLockActive),
		errors.Is(err, ErrDeadlineExpired):
		return "temporal"
	case errors.Is(err, ErrInvalidStatus),
		errors.Is(err, ErrNotFound):
		return "state"
	case errors.As(err, &de):
		return "dispatch"
	default:
		return "internal"
	}
}
