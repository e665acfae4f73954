// Package chain computes and verifies the per-currency journal hash chain.
// Every POSTED journal links to its predecessor in the same currency via
// prev_hash; its own hash covers the predecessor hash, the canonical header
// and the canonical lines, so touching any stored amount breaks the journal
// and every successor.
package chain

import (
	"bytes"
	"time"

	"github.com/kobopay/kobod/internal/core/hashing"
	"github.com/kobopay/kobod/internal/core/ledger"
)

// Head is the chain anchor for one currency. The posting engine advances it
// CAS-style inside the posting transaction; a concurrent writer that lost
// the race observes a stale LastHash and retries.
type Head struct {
	Currency      string
	LastJournalID string
	LastHash      string
	ChainSeq      int64
	UpdatedAt     time.Time
}

// Genesis returns the head a currency starts from before any journal.
func Genesis(currency string) Head {
	return Head{Currency: currency, LastHash: hashing.ZeroHash}
}

// headerCanon is the stable subset of the journal header covered by the
// hash. Mutable bookkeeping (state, batch, period) is excluded so a
// reversal flag flip does not rewrite history.
type headerCanon struct {
	ID            string `json:"id"`
	TxnType       string `json:"txn_type"`
	Currency      string `json:"currency"`
	CorrelationID string `json:"correlation_id"`
	Description   string `json:"description"`
	EffectiveDate string `json:"effective_date"`
	ReversalOf    string `json:"reversal_of,omitempty"`
	CorrectionOf  string `json:"correction_of,omitempty"`
	Total         int64  `json:"total_amount_minor"`
	ChainSeq      int64  `json:"chain_seq"`
}

type lineCanon struct {
	LineNumber int    `json:"line_number"`
	AccountID  string `json:"account_id"`
	Side       string `json:"side"`
	Amount     int64  `json:"amount_minor"`
}

// Input builds the chain preimage: prevHash || canonical(header) ||
// canonical(lines).
func Input(prevHash string, j ledger.Journal, lines []ledger.Line) ([]byte, error) {
	hc := headerCanon{
		ID:            j.ID,
		TxnType:       string(j.TxnType),
		Currency:      j.Currency,
		CorrelationID: j.CorrelationID,
		Description:   j.Description,
		EffectiveDate: j.EffectiveDate.UTC().Format(time.RFC3339),
		ReversalOf:    j.ReversalOf,
		CorrectionOf:  j.CorrectionOf,
		Total:         j.Total.Minor(),
		ChainSeq:      j.ChainSeq,
	}
	headerBytes, err := hashing.Canonical(hc)
	if err != nil {
		return nil, err
	}

	lcs := make([]lineCanon, len(lines))
	for i, l := range lines {
		lcs[i] = lineCanon{
			LineNumber: l.LineNumber,
			AccountID:  l.AccountID,
			Side:       string(l.Side),
			Amount:     l.Amount.Minor(),
		}
	}
	lineBytes, err := hashing.Canonical(lcs)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	buf.WriteString(prevHash)
	buf.Write(headerBytes)
	buf.Write(lineBytes)
	return buf.Bytes(), nil
}

// Hash computes the journal's chain hash from its predecessor's hash.
func Hash(prevHash string, j ledger.Journal, lines []ledger.Line) (string, error) {
	in, err := Input(prevHash, j, lines)
	if err != nil {
		return "", err
	}
	return hashing.SHA256Hex(in), nil
}
