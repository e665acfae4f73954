package posting

import (
	"errors"
	"fmt"
)

// Kind classifies a posting failure. The HTTP layer maps kinds to status
// codes; the engine never returns a bare error without one.
type Kind int

const (
	// KindValidation covers malformed commands: bad amounts, unknown
	// enums, missing accounts, currency mismatches.
	KindValidation Kind = iota

	// KindUnbalanced is a debit/credit total mismatch after charge
	// expansion.
	KindUnbalanced

	// KindInsufficientFunds is a funds-checked account that would go
	// negative with no overdraft facility covering the deficit.
	KindInsufficientFunds

	// KindAccountFrozen is a debit against an account whose owner is
	// FROZEN.
	KindAccountFrozen

	// KindPeriodClosed is an effective date inside a CLOSED or LOCKED
	// accounting period.
	KindPeriodClosed

	// KindIdempotencyConflict is a key reused with a different payload.
	KindIdempotencyConflict

	// KindStateConflict is an illegal lifecycle transition, such as
	// reversing an already-reversed journal.
	KindStateConflict

	// KindNotFound is a reference to a journal that does not exist.
	KindNotFound

	// KindRetryExhausted means the optimistic concurrency loop gave up.
	KindRetryExhausted

	// KindCancelled is a caller deadline or cancellation observed before
	// commit.
	KindCancelled

	// KindStorage is a transient storage failure.
	KindStorage

	// KindInternal is everything that should not happen.
	KindInternal
)

// String returns the taxonomy name of the kind.
func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "VALIDATION"
	case KindUnbalanced:
		return "UNBALANCED_JOURNAL"
	case KindInsufficientFunds:
		return "INSUFFICIENT_FUNDS"
	case KindAccountFrozen:
		return "ACCOUNT_FROZEN"
	case KindPeriodClosed:
		return "PERIOD_CLOSED"
	case KindIdempotencyConflict:
		return "IDEMPOTENCY_CONFLICT"
	case KindStateConflict:
		return "STATE_CONFLICT"
	case KindNotFound:
		return "NOT_FOUND"
	case KindRetryExhausted:
		return "CONCURRENCY_RETRY_EXHAUSTED"
	case KindCancelled:
		return "CANCELLED"
	case KindStorage:
		return "STORAGE"
	default:
		return "INTERNAL"
	}
}

// Retryable reports whether a caller may safely resubmit the same command
// and expect a different outcome.
func (k Kind) Retryable() bool {
	return k == KindRetryExhausted || k == KindStorage
}

// Error is the engine's error envelope: a kind for the boundary, the
// operation for logs, and the wrapped cause for errors.Is chains.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %s: %v", e.Op, e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind Kind, op, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

func wrapError(kind Kind, op string, err error, msg string) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg, Err: err}
}

// KindOf extracts the kind from any error in the chain. Unclassified errors
// report KindInternal.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Kind == kind
}
