package contracts

import "errors"

// Error kinds surfaced by the compliance engine. Callers match them with errors.Is;
// concrete errors wrap one of these with context.
var (
	ErrInvalidInput       = errors.New("invalid input")
	ErrNotFound           = errors.New("not found")
	ErrInvalidTransition  = errors.New("invalid transition")
	ErrImmutableField     = errors.New("immutable field")
	ErrValidationRequired = errors.New("validation required")
	ErrDuplicateActive    = errors.New("duplicate active submission")
	ErrIntegrityViolation = errors.New("integrity violation")
	ErrChannelFailure     = errors.New("channel failure")
	ErrTimeoutExceeded    = errors.New("timeout exceeded")

	// ErrOpenSubmissions is wrapped together with ErrInvalidTransition when a case
	// is closed while required reports are still outstanding.
	ErrOpenSubmissions = errors.New("required submissions not submitted")
)
