package board

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a BoardError the way spec §7 requires: callers can
// switch on Kind without string-matching a message.
type ErrorKind int

const (
	// KindBackendUnavailable means persistence failed; the operation was
	// aborted and state is unchanged.
	KindBackendUnavailable ErrorKind = iota
	// KindHashCollision means a freshly computed hash already exists in
	// the store. Treated as fatal: either SHA-256 broke, or the same
	// content and timestamp were submitted twice in the same process.
	KindHashCollision
	// KindUnknownHash means a lookup or proof request named a hash the
	// backend has never seen.
	KindUnknownHash
	// KindNothingToPublish means publication was attempted with an empty
	// pending forest.
	KindNothingToPublish
	// KindInvariantViolation means a structural invariant check failed:
	// recovery found the persisted forest inconsistent (NewEngine then
	// returns this error and builds no Engine), a node was given a second
	// parent, or an operation met a node of the wrong kind or state. A
	// violation reported by an operation on a running Engine does not stop
	// it from accepting further mutations.
	KindInvariantViolation
	// KindCensored means the Leaf's data field has been withheld; the
	// proof structure itself is still returned.
	KindCensored
)

func (k ErrorKind) String() string {
	switch k {
	case KindBackendUnavailable:
		return "BackendUnavailable"
	case KindHashCollision:
		return "HashCollision"
	case KindUnknownHash:
		return "UnknownHash"
	case KindNothingToPublish:
		return "NothingToPublish"
	case KindInvariantViolation:
		return "InvariantViolation"
	case KindCensored:
		return "Censored"
	default:
		return "Unknown"
	}
}

// BoardError is the structured error surfaced to callers. It wraps an
// optional underlying cause so both errors.Is(err, io.EOF)-style checks on
// the cause and Kind-based switches on the taxonomy work.
type BoardError struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *BoardError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *BoardError) Unwrap() error { return e.Err }

func newBoardError(kind ErrorKind, msg string, err error) *BoardError {
	return &BoardError{Kind: kind, Msg: msg, Err: err}
}

func ErrBackendUnavailable(err error) *BoardError {
	return newBoardError(KindBackendUnavailable, "backend unavailable", err)
}

func ErrHashCollision(h Hash) *BoardError {
	return newBoardError(KindHashCollision, fmt.Sprintf("hash %s already exists", h), nil)
}

func ErrUnknownHash(h Hash) *BoardError {
	return newBoardError(KindUnknownHash, fmt.Sprintf("hash %s not found", h), nil)
}

func ErrNothingToPublish() *BoardError {
	return newBoardError(KindNothingToPublish, "pending forest is empty", nil)
}

func ErrInvariantViolation(msg string) *BoardError {
	return newBoardError(KindInvariantViolation, msg, nil)
}

func ErrCensored(h Hash) *BoardError {
	return newBoardError(KindCensored, fmt.Sprintf("leaf %s data withheld", h), nil)
}

// IsKind reports whether err is a *BoardError (possibly wrapped) of the
// given kind.
func IsKind(err error, kind ErrorKind) bool {
	var be *BoardError
	if errors.As(err, &be) {
		return be.Kind == kind
	}
	return false
}
