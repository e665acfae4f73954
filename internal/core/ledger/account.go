// Package ledger defines the persistent accounting entities: actors,
// accounts, balances, journals, lines and accounting periods. Behavior that
// mutates them lives in the posting engine; this package is shape and
// invariants only.
package ledger

import (
	"time"

	"github.com/kobopay/kobod/internal/core/money"
)

// ActorType identifies who owns an account or initiates a command.
type ActorType string

const (
	ActorCustomer ActorType = "CUSTOMER"
	ActorAgent    ActorType = "AGENT"
	ActorMerchant ActorType = "MERCHANT"
	ActorStaff    ActorType = "STAFF"
	ActorSystem   ActorType = "SYSTEM"
)

// ActorState gates what an actor may do. FROZEN blocks debits but not
// credits, so refunds still land.
type ActorState string

const (
	ActorActive    ActorState = "ACTIVE"
	ActorFrozen    ActorState = "FROZEN"
	ActorSuspended ActorState = "SUSPENDED"
	ActorClosed    ActorState = "CLOSED"
)

// KYCState tracks onboarding verification. The core only stores it; the
// onboarding portals drive transitions.
type KYCState string

const (
	KYCPending  KYCState = "PENDING"
	KYCVerified KYCState = "VERIFIED"
	KYCRejected KYCState = "REJECTED"
)

// Actor is any identity that moves money: customer, agent, merchant, staff
// or the platform itself. MSISDN is unique per actor type; agent and store
// codes are six digits and globally unique. Role is set on STAFF actors
// only and feeds approval stage eligibility.
type Actor struct {
	ID            string
	Type          ActorType
	State         ActorState
	MSISDN        string
	Code          string
	ParentActorID string
	KYCState      KYCState
	Role          string
	PINHash       string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// AccountType classifies a ledger account by its role.
type AccountType string

const (
	AccountWallet     AccountType = "WALLET"
	AccountCashFloat  AccountType = "CASH_FLOAT"
	AccountFee        AccountType = "FEE"
	AccountCommission AccountType = "COMMISSION"
	AccountSuspense   AccountType = "SUSPENSE"
	AccountBankMirror AccountType = "BANK_MIRROR"
)

// NormalBalance returns the side that grows this account under standard
// presentation. Reporting only; the stored balance is uniformly
// credit-positive.
func (t AccountType) NormalBalance() money.Side {
	switch t {
	case AccountSuspense, AccountBankMirror:
		return money.Debit
	default:
		return money.Credit
	}
}

// DefaultAllowNegative reports whether accounts of this type may go below
// zero without an overdraft facility. Customer wallets and agent floats are
// funds-checked; platform revenue, suspense and mirror accounts absorb the
// offsetting side of external flows and may run negative.
func (t AccountType) DefaultAllowNegative() bool {
	switch t {
	case AccountWallet, AccountCashFloat:
		return false
	default:
		return true
	}
}

// LedgerAccount is one account in the chart. One WALLET exists per
// (actor, currency); AGENT actors additionally carry a CASH_FLOAT.
type LedgerAccount struct {
	ID            string
	OwnerType     ActorType
	OwnerID       string
	Type          AccountType
	Currency      string
	COACode       string
	AllowNegative bool
	CreatedAt     time.Time
}

// AccountBalance is the projection row for an account, created atomically
// with it. available = actual - hold always; LastJournalID is the CAS token
// the posting engine serializes on.
type AccountBalance struct {
	AccountID      string
	Currency       string
	Actual         money.Amount
	Available      money.Amount
	Hold           money.Amount
	PendingCredits money.Amount
	LastJournalID  string
	UpdatedAt      time.Time
}

// Apply returns the balance after posting one line side. The caller owns
// persistence and the CAS check.
func (b AccountBalance) Apply(side money.Side, amount money.Amount, journalID string, at time.Time) AccountBalance {
	b.Actual += money.Amount(side.Signed()) * amount
	b.Available = b.Actual - b.Hold
	b.LastJournalID = journalID
	b.UpdatedAt = at
	return b
}

// OverdraftState is the lifecycle of an overdraft facility.
type OverdraftState string

const (
	OverdraftActive    OverdraftState = "ACTIVE"
	OverdraftSuspended OverdraftState = "SUSPENDED"
	OverdraftClosed    OverdraftState = "CLOSED"
)

// OverdraftFacility lets a funds-checked account run negative down to
// -Limit while the facility is ACTIVE and now is inside its window.
// Facilities are granted through the OVERDRAFT_GRANT approval type.
type OverdraftFacility struct {
	ID        string
	AccountID string
	Limit     money.Amount
	State     OverdraftState
	ValidFrom time.Time
	ValidTo   time.Time
	GrantedBy string
	CreatedAt time.Time
}

// Covers reports whether the facility is usable at ts.
func (o OverdraftFacility) Covers(ts time.Time) bool {
	if o.State != OverdraftActive {
		return false
	}
	if !o.ValidFrom.IsZero() && ts.Before(o.ValidFrom) {
		return false
	}
	if !o.ValidTo.IsZero() && ts.After(o.ValidTo) {
		return false
	}
	return true
}
