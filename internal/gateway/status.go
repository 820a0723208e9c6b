package gateway

import "strings"

// CanonicalStatus is the adapter's unified payment state, independent of any
// single gateway's vocabulary.
type CanonicalStatus string

const (
	// StatusPending is the initial state of every session.
	StatusPending CanonicalStatus = "PENDING"
	// StatusAuthorized means the shopper completed payment; capture may follow.
	StatusAuthorized CanonicalStatus = "AUTHORIZED"
	// StatusCaptured means funds have been captured.
	StatusCaptured CanonicalStatus = "CAPTURED"
	// StatusCanceled is terminal: the shopper dropped out or the session expired.
	StatusCanceled CanonicalStatus = "CANCELED"
	// StatusError is a dead end requiring manual intervention, never auto-retried.
	StatusError CanonicalStatus = "ERROR"
)

// progress orders states by payment advancement. CANCELED and ERROR are
// reachable from anywhere and are not part of the forward ordering.
func progress(s CanonicalStatus) int {
	switch s {
	case StatusPending:
		return 0
	case StatusAuthorized:
		return 1
	case StatusCaptured:
		return 2
	default:
		return -1
	}
}

// Terminal reports whether no further transition is expected absent external
// action such as a refund.
func (s CanonicalStatus) Terminal() bool {
	return s == StatusCaptured || s == StatusCanceled || s == StatusError
}

// Transition applies next on top of current and reports whether the session
// actually changed. Transitions are monotonic: progress never reverses, a
// duplicate application is a no-op, and CANCELED/ERROR are reachable from any
// state. Idempotence here is what makes out-of-order and duplicate webhook
// delivery safe.
func Transition(current, next CanonicalStatus) (CanonicalStatus, bool) {
	if next == current {
		return current, false
	}
	switch next {
	case StatusCanceled, StatusError:
		if current == StatusCanceled || current == StatusError {
			return current, false
		}
		return next, true
	}
	if progress(next) < 0 || progress(current) < 0 {
		return current, false
	}
	if progress(next) <= progress(current) {
		return current, false
	}
	return next, true
}

// ParseStatus restores a canonical status from its persisted form, defaulting
// to PENDING for anything unrecognised.
func ParseStatus(raw string) CanonicalStatus {
	switch CanonicalStatus(strings.ToUpper(strings.TrimSpace(raw))) {
	case StatusPending:
		return StatusPending
	case StatusAuthorized:
		return StatusAuthorized
	case StatusCaptured:
		return StatusCaptured
	case StatusCanceled:
		return StatusCanceled
	case StatusError:
		return StatusError
	default:
		return StatusPending
	}
}
