package money

import (
	"errors"
	"fmt"
)

// Side is the direction of a ledger entry.
type Side string

const (
	Debit  Side = "DR"
	Credit Side = "CR"
)

// Valid reports whether s is one of the two ledger sides.
func (s Side) Valid() bool {
	return s == Debit || s == Credit
}

// Signed returns +1 for credits and -1 for debits. Balances are stored
// credit-positive, so applying a line does actual += Signed() * amount.
func (s Side) Signed() int64 {
	if s == Credit {
		return 1
	}
	return -1
}

// Entry is the minimal view of a ledger line needed for balance checks.
type Entry struct {
	Side   Side
	Amount Amount
}

var (
	// ErrUnbalanced is returned when debit and credit totals differ.
	ErrUnbalanced = errors.New("journal entries do not balance")

	// ErrNoEntries is returned for an empty entry set.
	ErrNoEntries = errors.New("journal requires at least one entry")

	// ErrNonPositiveEntry is returned when any entry amount is <= 0.
	// Direction is carried by Side, never by sign.
	ErrNonPositiveEntry = errors.New("entry amount must be positive")
)

// AssertBalanced verifies the double-entry invariant: at least one entry,
// every amount strictly positive, and the debit total equal to the credit
// total. Totals are accumulated in int64 minor units.
func AssertBalanced(entries []Entry) error {
	if len(entries) == 0 {
		return ErrNoEntries
	}

	var dr, cr Amount
	for i, e := range entries {
		if !e.Side.Valid() {
			return fmt.Errorf("entry %d: unknown side %q", i, e.Side)
		}
		if !e.Amount.IsPositive() {
			return fmt.Errorf("%w: entry %d has amount %d", ErrNonPositiveEntry, i, e.Amount)
		}
		switch e.Side {
		case Debit:
			dr = dr.Add(e.Amount)
		case Credit:
			cr = cr.Add(e.Amount)
		}
	}

	if dr != cr {
		return fmt.Errorf("%w: DR %d != CR %d", ErrUnbalanced, dr, cr)
	}
	return nil
}
