// Package fees resolves the fee/commission matrix: versioned rule sets that
// map (txn_type, currency, agent_type) to the charges a posting must carry.
package fees

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/kobopay/kobod/internal/core/ledger"
	"github.com/kobopay/kobod/internal/core/money"
)

// VersionState is the lifecycle of a matrix version. Only APPROVED versions
// are ever applied to postings; rule rows under an APPROVED version are
// immutable, so changing a charge means publishing a new version.
type VersionState string

const (
	VersionDraft    VersionState = "DRAFT"
	VersionApproved VersionState = "APPROVED"
	VersionArchived VersionState = "ARCHIVED"
)

// MatrixVersion is one published revision of the charge matrix for a
// currency. Versions are selected by recency: highest EffectiveFrom not in
// the future, ties broken by Version.
type MatrixVersion struct {
	ID            string
	Name          string
	Currency      string
	State         VersionState
	Version       int
	EffectiveFrom time.Time
	ApprovedBy    string
	ApprovedAt    time.Time
	CreatedAt     time.Time
}

// Effective reports whether the version may be applied at the given instant.
func (v *MatrixVersion) Effective(at time.Time) bool {
	return v.State == VersionApproved && !v.EffectiveFrom.After(at)
}

// RuleKind separates fee rules (charged to the paying party) from commission
// rules (owed by the platform to an agent).
type RuleKind string

const (
	RuleFee        RuleKind = "FEE"
	RuleCommission RuleKind = "COMMISSION"
)

var (
	// ErrVersionNotFound is returned when an explicitly pinned version id
	// does not exist.
	ErrVersionNotFound = errors.New("charge matrix version not found")

	// ErrVersionNotApproved is returned when a pinned version exists but is
	// not in the APPROVED state.
	ErrVersionNotApproved = errors.New("charge matrix version not approved")

	// ErrRuleInvalid is returned when a rule row carries values that cannot
	// produce a charge (negative rates or bounds, missing identifiers).
	ErrRuleInvalid = errors.New("invalid charge rule")

	// ErrUnroutedCharge is returned when a non-zero charge has no account
	// to land on.
	ErrUnroutedCharge = errors.New("charge has no target account")
)

// Rule is a single row of the matrix: how much to charge for one
// (txn_type, currency, agent_type) tuple and where the charge lands.
// AgentType is empty for rules that apply regardless of agent involvement.
//
// The charge is flat + amount * PercentBP/10000, rounded half-to-even at
// minor-unit precision, then clamped to [MinMinor, MaxMinor] where a zero
// bound means unbounded. Tax is computed on the clamped result.
type Rule struct {
	ID        string
	VersionID string
	Kind      RuleKind
	TxnType   ledger.TxnType
	Currency  string
	AgentType string

	FlatMinor money.Amount
	PercentBP int64
	MinMinor  money.Amount
	MaxMinor  money.Amount
	TaxRateBP int64

	// RevenueAccountID receives the principal: the fee-revenue account for
	// FEE rules, the agent's commission account is supplied per posting for
	// COMMISSION rules.
	RevenueAccountID string
	// TaxAccountID receives the tax portion when TaxRateBP > 0.
	TaxAccountID string
	// ExpenseAccountID funds COMMISSION charges; unused for FEE rules.
	ExpenseAccountID string
}

// Validate checks the structural constraints a rule must satisfy before it
// can be applied.
func (r *Rule) Validate() error {
	if r.Kind != RuleFee && r.Kind != RuleCommission {
		return fmt.Errorf("%w: unknown kind %q", ErrRuleInvalid, r.Kind)
	}
	if r.TxnType == "" || r.Currency == "" {
		return fmt.Errorf("%w: rule %s missing txn_type or currency", ErrRuleInvalid, r.ID)
	}
	if r.FlatMinor.IsNegative() || r.MinMinor.IsNegative() || r.MaxMinor.IsNegative() {
		return fmt.Errorf("%w: rule %s has negative amount fields", ErrRuleInvalid, r.ID)
	}
	if r.PercentBP < 0 || r.TaxRateBP < 0 {
		return fmt.Errorf("%w: rule %s has negative basis points", ErrRuleInvalid, r.ID)
	}
	if r.MaxMinor > 0 && r.MaxMinor < r.MinMinor {
		return fmt.Errorf("%w: rule %s max %d below min %d", ErrRuleInvalid, r.ID, r.MaxMinor, r.MinMinor)
	}
	return nil
}

// Charge is the computed outcome of applying a rule to an amount.
type Charge struct {
	Kind      RuleKind
	Principal money.Amount
	Tax       money.Amount
	RuleID    string
	VersionID string

	RevenueAccountID string
	TaxAccountID     string
	ExpenseAccountID string
}

// Total is the amount the paying side is debited: principal plus tax.
func (c Charge) Total() money.Amount {
	return c.Principal + c.Tax
}

// IsZero reports whether the charge moves no money.
func (c Charge) IsZero() bool {
	return c.Principal.IsZero() && c.Tax.IsZero()
}

// Calculate applies the rule to a gross transaction amount. All math is
// integer; the half-to-even tie is decided on the full flat+percent sum so
// the flat part participates in parity.
func (r *Rule) Calculate(amount money.Amount) (Charge, error) {
	if err := r.Validate(); err != nil {
		return Charge{}, err
	}
	if amount.IsNegative() {
		return Charge{}, fmt.Errorf("%w: negative amount %d", money.ErrInvalidAmount, amount)
	}

	v := amount.Minor()
	if r.PercentBP > 0 && v > math.MaxInt64/r.PercentBP {
		return Charge{}, fmt.Errorf("%w: %d * %dbp", money.ErrAmountOverflow, amount, r.PercentBP)
	}
	prod := v * r.PercentBP
	quo := prod / 10000
	rem := prod % 10000

	flat := r.FlatMinor.Minor()
	if quo > math.MaxInt64-flat {
		return Charge{}, fmt.Errorf("%w: flat %d + percent %d", money.ErrAmountOverflow, flat, quo)
	}
	base := flat + quo
	switch {
	case rem*2 > 10000:
		base++
	case rem*2 == 10000 && base%2 == 1:
		base++
	}

	principal := money.Clamp(money.Amount(base), r.MinMinor, r.MaxMinor)
	tax, err := money.RoundHalfEvenBP(principal, r.TaxRateBP)
	if err != nil {
		return Charge{}, err
	}

	return Charge{
		Kind:             r.Kind,
		Principal:        principal,
		Tax:              tax,
		RuleID:           r.ID,
		VersionID:        r.VersionID,
		RevenueAccountID: r.RevenueAccountID,
		TaxAccountID:     r.TaxAccountID,
		ExpenseAccountID: r.ExpenseAccountID,
	}, nil
}
