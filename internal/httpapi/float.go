package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/kobopay/kobod/internal/core/approval"
	"github.com/kobopay/kobod/internal/core/ledger"
	"github.com/kobopay/kobod/internal/core/money"
	"github.com/kobopay/kobod/internal/core/posting"
	"github.com/kobopay/kobod/internal/handlers"
)

// handleFloat serves /float/top-up and /float/withdrawal. The movement is
// first offered to the approval engine; a matching policy turns the call
// into a PENDING request (202), otherwise it posts immediately (201) with
// the float balance before and after.
func (s *Server) handleFloat(approvalType string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		var req floatRequest
		if err := s.decode(w, r, &req); err != nil {
			s.writeError(w, r, err)
			return
		}
		amount, err := parseAmount(req.Amount)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if err := s.requireStaff(ctx, req.StaffID); err != nil {
			s.writeError(w, r, err)
			return
		}

		payload := handlers.FloatMovementPayload{
			AgentCode:   req.AgentCode,
			AmountMinor: int64(amount),
			Currency:    req.Currency,
			StaffID:     req.StaffID,
			Reason:      req.Reason,
			Reference:   req.Reference,
		}
		raw, err := json.Marshal(payload)
		if err != nil {
			s.writeError(w, r, err)
			return
		}

		policy, err := s.approvals.Evaluate(ctx, approvalType, raw)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if policy != nil {
			pending, err := s.approvals.Submit(ctx, approval.SubmitInput{
				Type:          approvalType,
				Payload:       raw,
				MakerStaffID:  req.StaffID,
				CorrelationID: CorrelationID(ctx),
			})
			if err != nil {
				s.writeError(w, r, err)
				return
			}
			writeJSON(w, http.StatusAccepted, approvalPendingResponse{
				RequestID:     pending.ID,
				State:         string(pending.State),
				CorrelationID: pending.CorrelationID,
			})
			return
		}

		cmd, err := s.handlers.BuildFloatCommand(ctx, approvalType, payload, req.IdempotencyKey, CorrelationID(ctx))
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		receipt, err := s.posting.Post(ctx, cmd)
		if err != nil {
			s.writeError(w, r, err)
			return
		}

		after, before := floatBalances(receipt, cmd.FeePayerAccountID)
		writeJSON(w, http.StatusCreated, floatResponse{
			PostingID:          receipt.JournalID,
			State:              string(receipt.State),
			CorrelationID:      receipt.CorrelationID,
			AgentAccountID:     cmd.FeePayerAccountID,
			BalanceBeforeMinor: before,
			BalanceAfterMinor:  after,
		})
	}
}

// floatBalances derives the float account's balance around the journal
// from the receipt alone: the snapshot holds the post-journal value and the
// journal's own lines give the delta. Replays reproduce the same numbers.
func floatBalances(receipt *posting.Receipt, accountID string) (after, before money.Amount) {
	for _, b := range receipt.Balances {
		if b.AccountID == accountID {
			after = b.Actual
			break
		}
	}
	var delta money.Amount
	for _, e := range receipt.Entries {
		if e.AccountID == accountID {
			delta += money.Amount(e.Side.Signed()) * e.Amount
		}
	}
	return after, after - delta
}

// requireStaff checks the staff id names an active STAFF actor.
func (s *Server) requireStaff(ctx context.Context, staffID string) error {
	actor, err := s.dir.ActorByID(ctx, staffID)
	if err != nil {
		return err
	}
	if actor == nil || actor.Type != ledger.ActorStaff {
		return &apiError{status: http.StatusForbidden, kind: "UNKNOWN_STAFF",
			msg: fmt.Sprintf("no staff actor %s", staffID)}
	}
	if actor.State != ledger.ActorActive {
		return &apiError{status: http.StatusForbidden, kind: "UNKNOWN_STAFF",
			msg: fmt.Sprintf("staff actor %s is %s", staffID, actor.State)}
	}
	return nil
}
