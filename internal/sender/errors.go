package sender

import (
	"errors"
	"fmt"
)

// ErrTransient and ErrPermanent are sentinel errors senders use when
// classifying delivery failures.
var (
	ErrTransient = errors.New("transient error")
	ErrPermanent = errors.New("permanent error")
)

// FailureKind narrows a permanent failure so the state machine can pick the
// matching terminal state.
type FailureKind string

const (
	// FailureTransport covers connection resets, timeouts and provider
	// throttling; always retryable.
	FailureTransport FailureKind = "transport"
	// FailureHardBounce is a provider-reported permanent delivery rejection.
	FailureHardBounce FailureKind = "hard_bounce"
	// FailureInvalidAddress is an address that failed validation before any
	// network activity.
	FailureInvalidAddress FailureKind = "invalid_address"
	// FailureComplaint is a spam complaint against the sender.
	FailureComplaint FailureKind = "complaint"
	// FailureUnknown is a safety net for unclassified errors.
	FailureUnknown FailureKind = "unknown"
)

// Retryable reports whether a failure of this kind may be retried.
func (k FailureKind) Retryable() bool {
	return k == FailureTransport || k == FailureUnknown
}

// permanentError carries the failure kind alongside the sentinel so callers
// can classify with errors.Is and recover the kind with Classify.
type permanentError struct {
	kind FailureKind
	err  error
}

func (e *permanentError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("%s: %s", ErrPermanent, e.kind)
	}
	return fmt.Sprintf("%s (%s): %v", ErrPermanent, e.kind, e.err)
}

func (e *permanentError) Unwrap() error { return ErrPermanent }

// WrapTransient annotates an error so callers can detect transient failures.
func WrapTransient(err error) error {
	if err == nil {
		return ErrTransient
	}
	return fmt.Errorf("%w: %v", ErrTransient, err)
}

// WrapPermanent annotates an error as permanent with the supplied kind.
func WrapPermanent(kind FailureKind, err error) error {
	if kind == "" {
		kind = FailureUnknown
	}
	return &permanentError{kind: kind, err: err}
}

// Classify maps a send error to its failure kind. Transient and unwrapped
// errors classify as transport and unknown respectively so the retry policy
// stays conservative.
func Classify(err error) FailureKind {
	if err == nil {
		return ""
	}
	var perm *permanentError
	if errors.As(err, &perm) {
		return perm.kind
	}
	if errors.Is(err, ErrPermanent) {
		return FailureUnknown
	}
	if errors.Is(err, ErrTransient) {
		return FailureTransport
	}
	return FailureUnknown
}

// TerminalStatus maps a permanent failure kind to the recipient/attempt
// terminal state it produces.
func TerminalStatus(kind FailureKind) string {
	switch kind {
	case FailureHardBounce:
		return "bounced"
	case FailureComplaint:
		return "complained"
	default:
		return "failed"
	}
}
