// Package posting is the double-entry engine: it turns validated commands
// into POSTED journals under a single serializable transaction, with
// idempotency, charge splicing, funds checks, per-currency hash chaining
// and outbox events.
package posting

import (
	"time"

	"github.com/kobopay/kobod/internal/core/hashing"
	"github.com/kobopay/kobod/internal/core/ledger"
	"github.com/kobopay/kobod/internal/core/money"
)

// Entry is one caller-supplied debit or credit.
type Entry struct {
	AccountID   string
	Side        money.Side
	Amount      money.Amount
	Description string
}

// Command is one posting request. Handlers construct it from transport
// DTOs; everything here has already been through amount parsing.
type Command struct {
	IdempotencyKey string
	CorrelationID  string
	TxnType        ledger.TxnType
	Currency       string
	Entries        []Entry
	Description    string

	// ActorType/ActorID identify the initiator; together with TxnType and
	// IdempotencyKey they form the idempotency scope.
	ActorType ledger.ActorType
	ActorID   string

	// EffectiveDate defaults to the engine clock when zero.
	EffectiveDate time.Time

	// FeeVersionID/CommissionVersionID pin matrix versions; empty selects
	// the active version.
	FeeVersionID        string
	CommissionVersionID string

	// AgentType and AgentCommissionAccountID route commission when an
	// agent participates in the flow.
	AgentType                string
	AgentCommissionAccountID string

	// FeePayerAccountID overrides the default fee payer, which is the
	// account of the first debit entry.
	FeePayerAccountID string

	// SkipCharges bypasses the matrix entirely. Reversals use it: the
	// counter-journal must mirror the original exactly, fees included.
	SkipCharges bool

	// ReversalOf/CorrectionOf link counter- and correction journals to
	// their originals.
	ReversalOf   string
	CorrectionOf string
}

var knownTxnTypes = map[ledger.TxnType]bool{
	ledger.TxnP2P:             true,
	ledger.TxnB2B:             true,
	ledger.TxnMerchantPayment: true,
	ledger.TxnFloatTopUp:      true,
	ledger.TxnFloatWithdrawal: true,
	ledger.TxnReversal:        true,
	ledger.TxnSuspenseFunding: true,
	ledger.TxnLargePayout:     true,
	ledger.TxnAdjustment:      true,
}

var knownActorTypes = map[ledger.ActorType]bool{
	ledger.ActorCustomer: true,
	ledger.ActorAgent:    true,
	ledger.ActorMerchant: true,
	ledger.ActorStaff:    true,
	ledger.ActorSystem:   true,
}

func validCurrency(c string) bool {
	if len(c) != 3 {
		return false
	}
	for i := 0; i < 3; i++ {
		if c[i] < 'A' || c[i] > 'Z' {
			return false
		}
	}
	return true
}

// Validate runs the pure preflight checks: required fields, known enums,
// positive amounts, and the balance invariant on the raw entries. State
// checks (accounts, funds, periods) happen inside the transaction.
func (c *Command) Validate() error {
	const op = "post.validate"
	if c.IdempotencyKey == "" {
		return newError(KindValidation, op, "idempotency_key is required")
	}
	if len(c.IdempotencyKey) > 255 {
		return newError(KindValidation, op, "idempotency_key exceeds 255 bytes")
	}
	if !knownTxnTypes[c.TxnType] {
		return newError(KindValidation, op, "unknown txn_type %q", c.TxnType)
	}
	if !validCurrency(c.Currency) {
		return newError(KindValidation, op, "invalid currency %q", c.Currency)
	}
	if c.ActorID == "" {
		return newError(KindValidation, op, "actor_id is required")
	}
	if !knownActorTypes[c.ActorType] {
		return newError(KindValidation, op, "unknown actor_type %q", c.ActorType)
	}
	if len(c.Entries) == 0 {
		return newError(KindValidation, op, "at least one entry is required")
	}
	for i, e := range c.Entries {
		if e.AccountID == "" {
			return newError(KindValidation, op, "entry %d: account_id is required", i)
		}
		if !e.Side.Valid() {
			return newError(KindValidation, op, "entry %d: unknown side %q", i, e.Side)
		}
		if !e.Amount.IsPositive() {
			return newError(KindValidation, op, "entry %d: amount must be positive, got %d", i, e.Amount)
		}
	}
	if err := money.AssertBalanced(c.entriesView()); err != nil {
		return wrapError(KindUnbalanced, op, err, "entries do not balance")
	}
	return nil
}

func (c *Command) entriesView() []money.Entry {
	out := make([]money.Entry, len(c.Entries))
	for i, e := range c.Entries {
		out[i] = money.Entry{Side: e.Side, Amount: e.Amount}
	}
	return out
}

// GrossDebit is the debit total of the raw entries, which the matrix treats
// as the transaction amount.
func (c *Command) GrossDebit() money.Amount {
	var dr money.Amount
	for _, e := range c.Entries {
		if e.Side == money.Debit {
			dr += e.Amount
		}
	}
	return dr
}

// feePayer is the account debited for fees.
func (c *Command) feePayer() string {
	if c.FeePayerAccountID != "" {
		return c.FeePayerAccountID
	}
	for _, e := range c.Entries {
		if e.Side == money.Debit {
			return e.AccountID
		}
	}
	return ""
}

type entryCanon struct {
	AccountID string `json:"account_id"`
	Side      string `json:"side"`
	Amount    int64  `json:"amount_minor"`
}

type commandCanon struct {
	TxnType             string       `json:"txn_type"`
	Currency            string       `json:"currency"`
	Description         string       `json:"description,omitempty"`
	ActorType           string       `json:"actor_type"`
	ActorID             string       `json:"actor_id"`
	Entries             []entryCanon `json:"entries"`
	EffectiveDate       string       `json:"effective_date,omitempty"`
	FeeVersionID        string       `json:"fee_version_id,omitempty"`
	CommissionVersionID string       `json:"commission_version_id,omitempty"`
	AgentType           string       `json:"agent_type,omitempty"`
	FeePayerAccountID   string       `json:"fee_payer_account_id,omitempty"`
	SkipCharges         bool         `json:"skip_charges,omitempty"`
	ReversalOf          string       `json:"reversal_of,omitempty"`
	CorrectionOf        string       `json:"correction_of,omitempty"`
}

// PayloadHash fingerprints the business content of the command. Tracing
// fields (correlation id) and server-filled defaults (a zero effective
// date) stay out so a byte-identical retry hashes identically.
func (c *Command) PayloadHash() (string, error) {
	canon := commandCanon{
		TxnType:             string(c.TxnType),
		Currency:            c.Currency,
		Description:         c.Description,
		ActorType:           string(c.ActorType),
		ActorID:             c.ActorID,
		Entries:             make([]entryCanon, len(c.Entries)),
		FeeVersionID:        c.FeeVersionID,
		CommissionVersionID: c.CommissionVersionID,
		AgentType:           c.AgentType,
		FeePayerAccountID:   c.FeePayerAccountID,
		SkipCharges:         c.SkipCharges,
		ReversalOf:          c.ReversalOf,
		CorrectionOf:        c.CorrectionOf,
	}
	if !c.EffectiveDate.IsZero() {
		canon.EffectiveDate = c.EffectiveDate.UTC().Format(time.RFC3339)
	}
	for i, e := range c.Entries {
		canon.Entries[i] = entryCanon{AccountID: e.AccountID, Side: string(e.Side), Amount: e.Amount.Minor()}
	}
	return hashing.PayloadHash(canon)
}
