package license

import (
	"errors"
	"fmt"
)

// Store-level sentinels. Backends wrap their driver errors with these.
var (
	ErrNotFound           = errors.New("license not found")
	ErrDuplicateKey       = errors.New("license key already exists")
	ErrDuplicateUserID    = errors.New("user id already has a license")
	ErrTransitionConflict = errors.New("license is no longer in the expected state")
)

// Domain sentinels, one per ErrorKind, for use with errors.Is.
var (
	ErrInvalidInput      = errors.New("invalid input")
	ErrInvalidID         = errors.New("user id is not valid")
	ErrAlreadyUsed       = errors.New("user id has already been used")
	ErrKeyspaceExhausted = errors.New("no unused license key could be generated")
	ErrStore             = errors.New("license store error")
	ErrRegistry          = errors.New("user id registry error")
	ErrDelivery          = errors.New("license key delivery failed")
	ErrInvalidKey        = errors.New("invalid license key")
	ErrEmailMismatch     = errors.New("license key is not valid for this email address")
	ErrMachineConflict   = errors.New("license key is already activated on a different machine")
)

// ErrorKind classifies every failure the lifecycle can report.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindInvalidInput
	KindInvalidID
	KindAlreadyUsed
	KindKeyspaceExhausted
	KindStore
	KindRegistry
	KindDelivery
	KindInvalidKey
	KindEmailMismatch
	KindMachineConflict
)

var kindSentinels = map[ErrorKind]error{
	KindInvalidInput:      ErrInvalidInput,
	KindInvalidID:         ErrInvalidID,
	KindAlreadyUsed:       ErrAlreadyUsed,
	KindKeyspaceExhausted: ErrKeyspaceExhausted,
	KindStore:             ErrStore,
	KindRegistry:          ErrRegistry,
	KindDelivery:          ErrDelivery,
	KindInvalidKey:        ErrInvalidKey,
	KindEmailMismatch:     ErrEmailMismatch,
	KindMachineConflict:   ErrMachineConflict,
}

func (k ErrorKind) String() string {
	switch k {
	case KindInvalidInput:
		return "INVALID_INPUT"
	case KindInvalidID:
		return "INVALID_ID"
	case KindAlreadyUsed:
		return "ALREADY_USED"
	case KindKeyspaceExhausted:
		return "KEYSPACE_EXHAUSTED"
	case KindStore:
		return "STORE_ERROR"
	case KindRegistry:
		return "REGISTRY_ERROR"
	case KindDelivery:
		return "DELIVERY_ERROR"
	case KindInvalidKey:
		return "INVALID_KEY"
	case KindEmailMismatch:
		return "EMAIL_MISMATCH"
	case KindMachineConflict:
		return "MACHINE_CONFLICT"
	default:
		return "UNKNOWN"
	}
}

// Error is the typed failure returned by Service operations.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func newError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func (e *Error) Error() string {
	sentinel := kindSentinels[e.Kind]
	switch {
	case e.Err == nil && sentinel != nil:
		return fmt.Sprintf("%s: %v", e.Op, sentinel)
	case e.Err == nil:
		return e.Op + ": unknown error"
	case sentinel == nil || errors.Is(e.Err, sentinel):
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	default:
		return fmt.Sprintf("%s: %v: %v", e.Op, sentinel, e.Err)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the sentinel for the error's kind.
func (e *Error) Is(target error) bool {
	sentinel, ok := kindSentinels[e.Kind]
	return ok && target == sentinel
}

// KindOf extracts the ErrorKind from err, or KindUnknown.
func KindOf(err error) ErrorKind {
	var le *Error
	if errors.As(err, &le) {
		return le.Kind
	}
	for kind, sentinel := range kindSentinels {
		if errors.Is(err, sentinel) {
			return kind
		}
	}
	return KindUnknown
}
