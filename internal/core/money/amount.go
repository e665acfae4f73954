// Package money provides fixed-point minor-unit arithmetic for the ledger.
// All amounts are signed 64-bit integers denominated in the smallest unit of
// their currency (cents). Decimal strings exist only at I/O boundaries and
// must go through ParseMinor.
package money

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Amount is a monetary value in minor units (cents).
type Amount int64

// MinorPerMajor is the number of minor units in one major unit.
const MinorPerMajor Amount = 100

var (
	// ErrInvalidAmount is returned when a decimal string does not parse as
	// a two-fraction-digit amount.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrAmountOverflow is returned when a parsed value does not fit int64.
	ErrAmountOverflow = errors.New("amount overflows 64-bit minor units")
)

// decimalRe accepts an optional sign, an integer part, and at most two
// fraction digits. Anything else is rejected.
var decimalRe = regexp.MustCompile(`^-?\d+(\.\d{1,2})?$`)

// ParseMinor converts a decimal string ("25.00", "-3.5", "100") into minor
// units. It is the single entry point for money at the boundary: more than
// two fraction digits, stray whitespace, exponents and thousand separators
// all fail with ErrInvalidAmount.
func ParseMinor(s string) (Amount, error) {
	if !decimalRe.MatchString(s) {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}

	neg := strings.HasPrefix(s, "-")
	if neg {
		s = s[1:]
	}

	intPart := s
	fracPart := ""
	if i := strings.IndexByte(s, '.'); i >= 0 {
		intPart, fracPart = s[:i], s[i+1:]
	}
	// Normalize "3.5" to 50 minor units, "3.50" to 50 as well.
	for len(fracPart) < 2 {
		fracPart += "0"
	}

	major, err := strconv.ParseInt(intPart, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrAmountOverflow, s)
	}
	frac, err := strconv.ParseInt(fracPart, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}

	if major > (int64(maxAmount)-frac)/int64(MinorPerMajor) {
		return 0, fmt.Errorf("%w: %q", ErrAmountOverflow, s)
	}
	v := major*int64(MinorPerMajor) + frac
	if neg {
		v = -v
	}
	return Amount(v), nil
}

const maxAmount = Amount(1<<63 - 1)

// MustParseMinor is ParseMinor for tests and static fixtures.
func MustParseMinor(s string) Amount {
	a, err := ParseMinor(s)
	if err != nil {
		panic(err)
	}
	return a
}

// Minor returns the raw minor-unit value.
func (a Amount) Minor() int64 {
	return int64(a)
}

// Add returns a + other.
func (a Amount) Add(other Amount) Amount {
	return a + other
}

// Sub returns a - other.
func (a Amount) Sub(other Amount) Amount {
	return a - other
}

// Neg returns -a.
func (a Amount) Neg() Amount {
	return -a
}

// Abs returns the absolute value.
func (a Amount) Abs() Amount {
	if a < 0 {
		return -a
	}
	return a
}

// IsPositive reports whether a > 0.
func (a Amount) IsPositive() bool {
	return a > 0
}

// IsNegative reports whether a < 0.
func (a Amount) IsNegative() bool {
	return a < 0
}

// IsZero reports whether a == 0.
func (a Amount) IsZero() bool {
	return a == 0
}

// String renders the amount as a decimal string with exactly two fraction
// digits. ParseMinor(a.String()) == a for every a.
func (a Amount) String() string {
	v := int64(a)
	sign := ""
	if v < 0 {
		sign = "-"
		v = -v
	}
	return fmt.Sprintf("%s%d.%02d", sign, v/int64(MinorPerMajor), v%int64(MinorPerMajor))
}

// Clamp bounds v to [min, max]. A zero max means "no upper bound"; a zero
// min means "no lower bound". Fee rules use zero to mark an absent bound.
func Clamp(v, min, max Amount) Amount {
	if min > 0 && v < min {
		return min
	}
	if max > 0 && v > max {
		return max
	}
	return v
}

// RoundHalfEvenBP applies a basis-point rate to an amount with banker's
// rounding at minor-unit precision. 10000 bp == 100%. All math is integer;
// the intermediate product is checked against int64 overflow.
func RoundHalfEvenBP(a Amount, bp int64) (Amount, error) {
	if bp == 0 || a == 0 {
		return 0, nil
	}
	v := int64(a)
	neg := false
	if v < 0 {
		neg = true
		v = -v
	}
	if bp < 0 {
		return 0, fmt.Errorf("%w: negative basis points %d", ErrInvalidAmount, bp)
	}
	if v > int64(maxAmount)/bp {
		return 0, fmt.Errorf("%w: %d * %dbp", ErrAmountOverflow, a, bp)
	}

	prod := v * bp
	quo := prod / 10000
	rem := prod % 10000

	// Half-to-even: round up when the remainder exceeds half, or equals
	// half and the quotient is odd.
	switch {
	case rem*2 > 10000:
		quo++
	case rem*2 == 10000 && quo%2 == 1:
		quo++
	}
	if neg {
		quo = -quo
	}
	return Amount(quo), nil
}
