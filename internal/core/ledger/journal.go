package ledger

import (
	"time"

	"github.com/kobopay/kobod/internal/core/money"
)

// TxnType names a posting flow. The outbox event for a posted journal is
// named "<TxnType>_POSTED".
type TxnType string

const (
	TxnP2P             TxnType = "P2P"
	TxnB2B             TxnType = "B2B"
	TxnMerchantPayment TxnType = "MERCHANT_PAYMENT"
	TxnFloatTopUp      TxnType = "FLOAT_TOPUP"
	TxnFloatWithdrawal TxnType = "FLOAT_WITHDRAWAL"
	TxnReversal        TxnType = "REVERSAL"
	TxnSuspenseFunding TxnType = "SUSPENSE_FUNDING"
	TxnLargePayout     TxnType = "LARGE_PAYOUT"
	TxnAdjustment      TxnType = "ADJUSTMENT"
)

// JournalState is the journal lifecycle. Journals are created POSTED;
// REVERSED is set atomically when a counter-journal lands; REJECTED exists
// only for approval-gated postings that were abandoned.
type JournalState string

const (
	JournalPending  JournalState = "PENDING"
	JournalPosted   JournalState = "POSTED"
	JournalReversed JournalState = "REVERSED"
	JournalRejected JournalState = "REJECTED"
)

// Journal is one balanced, atomic accounting transaction. PrevHash/Hash
// place it in its currency's tamper-evident chain; ChainSeq is its position
// in that chain.
type Journal struct {
	ID            string
	TxnType       TxnType
	Currency      string
	CorrelationID string
	State         JournalState
	Description   string
	PrevHash      string
	Hash          string
	ChainSeq      int64
	EffectiveDate time.Time
	ReversalOf    string
	ReversedBy    string
	CorrectionOf  string
	BatchID       string
	PeriodID      string
	Total         money.Amount
	CreatedAt     time.Time
}

// Line is a single debit or credit within a journal. Amounts are strictly
// positive; direction is carried by Side. All lines share the journal's
// currency.
type Line struct {
	ID          string
	JournalID   string
	AccountID   string
	Side        money.Side
	Amount      money.Amount
	LineNumber  int
	Description string
}

// Entries projects lines into the minimal balance-check view.
func Entries(lines []Line) []money.Entry {
	out := make([]money.Entry, len(lines))
	for i, l := range lines {
		out[i] = money.Entry{Side: l.Side, Amount: l.Amount}
	}
	return out
}

// GrossDebit sums the debit side, which equals the credit side for any
// balanced journal. Stored as Journal.Total.
func GrossDebit(lines []Line) money.Amount {
	var dr money.Amount
	for _, l := range lines {
		if l.Side == money.Debit {
			dr += l.Amount
		}
	}
	return dr
}
