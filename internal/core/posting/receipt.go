package posting

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/kobopay/kobod/internal/core/ledger"
	"github.com/kobopay/kobod/internal/core/money"
)

// Receipt is the stored, replayable outcome of a posting. Replays return
// the exact bytes persisted on first commit, so everything here reflects
// the world at posting time, balances included.
type Receipt struct {
	JournalID           string              `json:"journal_id"`
	State               ledger.JournalState `json:"state"`
	TxnType             ledger.TxnType      `json:"txn_type"`
	Currency            string              `json:"currency"`
	CorrelationID       string              `json:"correlation_id"`
	Total               money.Amount        `json:"total_minor"`
	Fee                 money.Amount        `json:"fee_minor"`
	Commission          money.Amount        `json:"commission_minor"`
	FeeVersionID        string              `json:"fee_version_id,omitempty"`
	CommissionVersionID string              `json:"commission_version_id,omitempty"`
	ReversalOf          string              `json:"reversal_of,omitempty"`
	Entries             []ReceiptEntry      `json:"entries"`
	Balances            []BalanceSnapshot   `json:"balances"`
	CreatedAt           time.Time           `json:"created_at"`
}

// ReceiptEntry is one posted line.
type ReceiptEntry struct {
	AccountID   string       `json:"account_id"`
	Side        money.Side   `json:"side"`
	Amount      money.Amount `json:"amount_minor"`
	LineNumber  int          `json:"line_number"`
	Description string       `json:"description,omitempty"`
}

// BalanceSnapshot is an account's balance immediately after the journal
// applied, sorted by account id for stable serialization.
type BalanceSnapshot struct {
	AccountID string       `json:"account_id"`
	Actual    money.Amount `json:"actual_minor"`
	Available money.Amount `json:"available_minor"`
}

func encodeReceipt(r *Receipt) ([]byte, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode receipt %s: %w", r.JournalID, err)
	}
	return b, nil
}

func decodeReceipt(b []byte) (*Receipt, error) {
	var r Receipt
	if err := json.Unmarshal(b, &r); err != nil {
		return nil, fmt.Errorf("decode stored receipt: %w", err)
	}
	return &r, nil
}
