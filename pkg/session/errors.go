package session

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"errors"

	sqlite3 "github.com/mattn/go-sqlite3"
)

var (
	// ErrInvalidSessionID marks a malformed session id, rejected before any store access.
	ErrInvalidSessionID = errors.New("session: invalid session id")
	// ErrCorruptedPayload marks a persisted transcript payload that fails to parse.
	ErrCorruptedPayload = errors.New("session: corrupted transcript payload")
	// ErrStoreUnavailable marks a transient store infrastructure failure.
	ErrStoreUnavailable = errors.New("session: store unavailable")
)

// FailureClass is the recovery taxonomy for store-access failures.
type FailureClass int

const (
	// FailureNone means no failure occurred.
	FailureNone FailureClass = iota
	// FailureIdentity is a malformed session id.
	FailureIdentity
	// FailureUnavailable is a transient infrastructure failure; the turn
	// is retried without session context.
	FailureUnavailable
	// FailureCorrupted is a structurally invalid persisted payload; the
	// session is cleared and the turn retried once.
	FailureCorrupted
	// FailureUnclassified is anything else; propagated to the caller.
	FailureUnclassified
)

func (c FailureClass) String() string {
	switch c {
	case FailureNone:
		return "none"
	case FailureIdentity:
		return "identity"
	case FailureUnavailable:
		return "unavailable"
	case FailureCorrupted:
		return "corrupted"
	default:
		return "unclassified"
	}
}

// Classify maps an underlying failure onto the recovery taxonomy. Recovery
// decisions branch on the returned class, never on concrete driver error
// types, so the policy stays independent of the store implementation.
func Classify(err error) FailureClass {
	if err == nil {
		return FailureNone
	}

	if errors.Is(err, ErrInvalidSessionID) {
		return FailureIdentity
	}

	if errors.Is(err, ErrCorruptedPayload) {
		return FailureCorrupted
	}
	var syntaxErr *json.SyntaxError
	if errors.As(err, &syntaxErr) {
		return FailureCorrupted
	}
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		return FailureCorrupted
	}

	if errors.Is(err, ErrStoreUnavailable) {
		return FailureUnavailable
	}
	if errors.Is(err, driver.ErrBadConn) {
		return FailureUnavailable
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return FailureUnavailable
	}

	// Cancellation is shutdown, not a store failure; callers check for it
	// before classification, but keep it out of the recovery classes.
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return FailureUnclassified
	}

	return FailureUnclassified
}
