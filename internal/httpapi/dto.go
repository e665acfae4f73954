package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/kobopay/kobod/internal/core/approval"
	"github.com/kobopay/kobod/internal/core/ledger"
	"github.com/kobopay/kobod/internal/core/money"
	"github.com/kobopay/kobod/internal/core/posting"
)

// maxBodyBytes bounds request bodies. Posting commands are small; anything
// bigger is abuse.
const maxBodyBytes = 1 << 20

// decode reads, parses and validates a JSON request body.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return badRequest("request body too large")
		}
		return badRequest("invalid JSON: " + err.Error())
	}
	return s.validate.Struct(dst)
}

// parseAmount applies the strict decimal-string rule shared with command
// validation, so the boundary rejects the same shapes the core would.
func parseAmount(raw string) (money.Amount, error) {
	amt, err := money.ParseMinor(raw)
	if err != nil {
		return 0, badRequest("amount: " + err.Error())
	}
	if amt <= 0 {
		return 0, badRequest("amount must be positive")
	}
	return amt, nil
}

type p2pRequest struct {
	SenderMSISDN   string `json:"sender_msisdn" validate:"required"`
	ReceiverMSISDN string `json:"receiver_msisdn" validate:"required"`
	Amount         string `json:"amount" validate:"required"`
	Currency       string `json:"currency" validate:"required,len=3,uppercase"`
	IdempotencyKey string `json:"idempotency_key" validate:"required,max=255"`
	PIN            string `json:"pin,omitempty"`
}

type b2bRequest struct {
	SenderStoreCode   string `json:"sender_store_code" validate:"required"`
	ReceiverStoreCode string `json:"receiver_store_code" validate:"required"`
	Amount            string `json:"amount" validate:"required"`
	Currency          string `json:"currency" validate:"required,len=3,uppercase"`
	IdempotencyKey    string `json:"idempotency_key" validate:"required,max=255"`
}

type merchantPaymentRequest struct {
	CustomerMSISDN string `json:"customer_msisdn" validate:"required"`
	StoreCode      string `json:"store_code" validate:"required"`
	Amount         string `json:"amount" validate:"required"`
	Currency       string `json:"currency" validate:"required,len=3,uppercase"`
	IdempotencyKey string `json:"idempotency_key" validate:"required,max=255"`
}

type floatRequest struct {
	AgentCode      string `json:"agent_code" validate:"required"`
	Amount         string `json:"amount" validate:"required"`
	Currency       string `json:"currency" validate:"required,len=3,uppercase"`
	StaffID        string `json:"staff_id" validate:"required"`
	Reason         string `json:"reason,omitempty"`
	Reference      string `json:"reference,omitempty"`
	IdempotencyKey string `json:"idempotency_key" validate:"required,max=255"`
}

type decisionRequest struct {
	StaffID       string `json:"staff_id" validate:"required"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

type rejectRequest struct {
	StaffID       string `json:"staff_id" validate:"required"`
	Reason        string `json:"reason" validate:"required"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

type postingResponse struct {
	PostingID     string `json:"posting_id"`
	State         string `json:"state"`
	CorrelationID string `json:"correlation_id"`
}

func newPostingResponse(receipt *posting.Receipt) postingResponse {
	return postingResponse{
		PostingID:     receipt.JournalID,
		State:         string(receipt.State),
		CorrelationID: receipt.CorrelationID,
	}
}

type floatResponse struct {
	PostingID          string       `json:"posting_id"`
	State              string       `json:"state"`
	CorrelationID      string       `json:"correlation_id"`
	AgentAccountID     string       `json:"agent_account_id"`
	BalanceBeforeMinor money.Amount `json:"balance_before_minor"`
	BalanceAfterMinor  money.Amount `json:"balance_after_minor"`
}

type approvalPendingResponse struct {
	RequestID     string `json:"request_id"`
	State         string `json:"state"`
	CorrelationID string `json:"correlation_id"`
}

type decisionResponse struct {
	RequestID     string `json:"request_id"`
	State         string `json:"state"`
	CurrentStage  int    `json:"current_stage"`
	TotalStages   int    `json:"total_stages"`
	CorrelationID string `json:"correlation_id"`
}

type approvalDetailResponse struct {
	Request   *approval.ApprovalRequest `json:"request"`
	Decisions []approval.StageDecision  `json:"decisions"`
}

type balanceResponse struct {
	AccountID      string       `json:"account_id"`
	Currency       string       `json:"currency"`
	Actual         money.Amount `json:"actual"`
	Available      money.Amount `json:"available"`
	Hold           money.Amount `json:"hold"`
	PendingCredits money.Amount `json:"pending_credits"`
}

// journalView/lineView give the core structs their wire shape; the domain
// types themselves stay tag-free.
type journalView struct {
	ID            string       `json:"id"`
	TxnType       string       `json:"txn_type"`
	Currency      string       `json:"currency"`
	CorrelationID string       `json:"correlation_id"`
	State         string       `json:"state"`
	Description   string       `json:"description,omitempty"`
	PrevHash      string       `json:"prev_hash"`
	Hash          string       `json:"hash"`
	ChainSeq      int64        `json:"chain_seq"`
	EffectiveDate time.Time    `json:"effective_date"`
	ReversalOf    string       `json:"reversal_of,omitempty"`
	ReversedBy    string       `json:"reversed_by,omitempty"`
	CorrectionOf  string       `json:"correction_of,omitempty"`
	PeriodID      string       `json:"period_id,omitempty"`
	TotalMinor    money.Amount `json:"total_minor"`
	CreatedAt     time.Time    `json:"created_at"`
}

type lineView struct {
	ID          string       `json:"id"`
	AccountID   string       `json:"account_id"`
	Side        string       `json:"side"`
	AmountMinor money.Amount `json:"amount_minor"`
	LineNumber  int          `json:"line_number"`
	Description string       `json:"description,omitempty"`
}

type journalResponse struct {
	Journal journalView `json:"journal"`
	Lines   []lineView  `json:"lines"`
}

func newJournalResponse(j *ledger.Journal, lines []ledger.Line) journalResponse {
	out := journalResponse{
		Journal: journalView{
			ID:            j.ID,
			TxnType:       string(j.TxnType),
			Currency:      j.Currency,
			CorrelationID: j.CorrelationID,
			State:         string(j.State),
			Description:   j.Description,
			PrevHash:      j.PrevHash,
			Hash:          j.Hash,
			ChainSeq:      j.ChainSeq,
			EffectiveDate: j.EffectiveDate,
			ReversalOf:    j.ReversalOf,
			ReversedBy:    j.ReversedBy,
			CorrectionOf:  j.CorrectionOf,
			PeriodID:      j.PeriodID,
			TotalMinor:    j.Total,
			CreatedAt:     j.CreatedAt,
		},
		Lines: make([]lineView, len(lines)),
	}
	for i, l := range lines {
		out.Lines[i] = lineView{
			ID:          l.ID,
			AccountID:   l.AccountID,
			Side:        string(l.Side),
			AmountMinor: l.Amount,
			LineNumber:  l.LineNumber,
			Description: l.Description,
		}
	}
	return out
}

type trialBalanceResponse struct {
	Currency    string                  `json:"currency"`
	ByTypeMinor map[string]money.Amount `json:"by_type_minor"`
	TotalMinor  money.Amount            `json:"total_minor"`
	Balanced    bool                    `json:"balanced"`
	Accounts    int                     `json:"accounts"`
}

type chainHeadView struct {
	Currency      string    `json:"currency"`
	ChainSeq      int64     `json:"chain_seq"`
	LastJournalID string    `json:"last_journal_id,omitempty"`
	UpdatedAt     time.Time `json:"updated_at,omitempty"`
}

type healthResponse struct {
	Status  string          `json:"status"`
	Storage string          `json:"storage"`
	Chains  []chainHeadView `json:"chains"`
}
