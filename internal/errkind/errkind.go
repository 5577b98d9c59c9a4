// Package errkind classifies errors the way the engine's callers need to act
// on them: retry locally, abort the current trade, abort the current action,
// or treat the whole cycle as fatal. It follows the same sentinel-error style
// as the rest of the module (package-level Err... vars) and adds a thin
// wrapper carrying the classification plus an optional retry-after hint.
package errkind

import (
	"errors"
	"fmt"
	"time"
)

// Kind is the error taxonomy from the engine's error handling design.
type Kind int

const (
	// Transport covers HTTP 5xx, timeouts, connection errors.
	Transport Kind = iota
	// Rate covers HTTP 429 and rate-like API error codes.
	Rate
	// Ambiguous covers a retryable error after a submission that may have
	// already reached the venue; callers must look up by client id first.
	Ambiguous
	// VenueLogical covers rejections, insufficient funds, precision errors.
	VenueLogical
	// Protocol covers unexpected payload shapes or empty critical ids.
	Protocol
	// Store covers ledger/state-store persistence failures.
	Store
	// Policy covers kill-switch active, drawdown tripped, max positions, etc.
	Policy
	// Cancellation covers context cancellation / shutdown.
	Cancellation
)

func (k Kind) String() string {
	switch k {
	case Transport:
		return "transport"
	case Rate:
		return "rate"
	case Ambiguous:
		return "ambiguous"
	case VenueLogical:
		return "venue_logical"
	case Protocol:
		return "protocol"
	case Store:
		return "store"
	case Policy:
		return "policy"
	case Cancellation:
		return "cancellation"
	default:
		return "unknown"
	}
}

// Error wraps an underlying error with its classification.
type Error struct {
	Kind       Kind
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %v", e.Kind.String(), e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with kind, no retry hint.
func New(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// NewRate wraps err as Rate with a Retry-After hint (may be zero).
func NewRate(err error, retryAfter time.Duration) *Error {
	return &Error{Kind: Rate, RetryAfter: retryAfter, Err: err}
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// Retryable reports whether the error kind is one local retry logic handles
// (Transport, Rate, Ambiguous) as opposed to terminal kinds.
func Retryable(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	switch e.Kind {
	case Transport, Rate, Ambiguous:
		return true
	default:
		return false
	}
}

// Sentinel errors for conditions expected by normal control flow, following
// the teacher's package-level var convention.
var (
	ErrNotFound         = errors.New("not found")
	ErrAlreadyReserved  = errors.New("order already reserved")
	ErrKillSwitchActive = errors.New("kill switch active")
	ErrNoPosition       = errors.New("no open position")
	ErrMarginCall       = errors.New("equity depleted: margin call")
)
