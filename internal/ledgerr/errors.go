// Package ledgerr collects the sentinel error kinds the core
// distinguishes (spec §7): Transport, Protocol, Validation, Timeout,
// Fatal. Callers use errors.Is/errors.As to branch on kind without
// string matching.
package ledgerr

import "errors"

// Kind classifies an error for the purposes of the policy table in
// spec §7.
type Kind int

const (
	KindTransport Kind = iota
	KindProtocol
	KindValidation
	KindTimeout
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindProtocol:
		return "protocol"
	case KindValidation:
		return "validation"
	case KindTimeout:
		return "timeout"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error wraps an underlying cause with a Kind so policy code can
// dispatch on it.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Op + ": " + e.Kind.String()
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an Error of the given kind.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// Sentinel validation errors the ledger adapter returns; these are
// never broadcast (spec §4.6 step 3, §7).
var (
	ErrUserExists       = errors.New("user already exists")
	ErrUserNotFound     = errors.New("user not found")
	ErrInsufficientFund = errors.New("insufficient funds")
	ErrInvalidAmount    = errors.New("amount must be positive")
	ErrTxNotFound       = errors.New("transaction not found")
	ErrAlreadyRefunded  = errors.New("transaction already refunded")

	ErrPeerUnreachable = errors.New("peer unreachable")
	ErrDuplicatePeer   = errors.New("duplicate site id")
	ErrSelfDial        = errors.New("self dial")

	ErrDivergentReplica = errors.New("replica validation diverged from originator: fatal inconsistency")
)
