package httpapi

import (
	"net/http"

	"github.com/kobopay/kobod/internal/core/approval"
)

// handleApprove records an APPROVE decision. When it completes the final
// stage the registered handler runs before the response is written, so a
// 200 here means the approved operation executed.
func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req decisionRequest
	if err := s.decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	corr := req.CorrelationID
	if corr == "" {
		corr = CorrelationID(ctx)
	}

	out, err := s.approvals.Approve(ctx, approval.DecisionInput{
		RequestID:     r.PathValue("id"),
		DeciderID:     req.StaffID,
		CorrelationID: corr,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, decisionResponse{
		RequestID:     out.ID,
		State:         string(out.State),
		CurrentStage:  out.CurrentStage,
		TotalStages:   out.TotalStages,
		CorrelationID: out.CorrelationID,
	})
}

// handleReject terminates a request. Reason is mandatory.
func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req rejectRequest
	if err := s.decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	corr := req.CorrelationID
	if corr == "" {
		corr = CorrelationID(ctx)
	}

	out, err := s.approvals.Reject(ctx, approval.DecisionInput{
		RequestID:     r.PathValue("id"),
		DeciderID:     req.StaffID,
		Reason:        req.Reason,
		CorrelationID: corr,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, decisionResponse{
		RequestID:     out.ID,
		State:         string(out.State),
		CurrentStage:  out.CurrentStage,
		TotalStages:   out.TotalStages,
		CorrelationID: out.CorrelationID,
	})
}

// handleApprovalGet returns a request with its decision history.
func (s *Server) handleApprovalGet(w http.ResponseWriter, r *http.Request) {
	req, decisions, err := s.approvals.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if decisions == nil {
		decisions = []approval.StageDecision{}
	}
	writeJSON(w, http.StatusOK, approvalDetailResponse{Request: req, Decisions: decisions})
}
