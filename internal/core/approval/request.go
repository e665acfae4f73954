package approval

import (
	"encoding/json"
	"errors"
	"time"
)

// Sentinel errors for the decision path. The API layer maps these onto
// status codes: ErrNoPolicy is unprocessable, ErrNotEligible and
// ErrAlreadyDecided are forbidden, ErrTerminal is a state conflict.
var (
	ErrNoPolicy       = errors.New("approval: no policy matches the operation")
	ErrNotFound       = errors.New("approval: request not found")
	ErrTerminal       = errors.New("approval: request is in a terminal state")
	ErrNotEligible    = errors.New("approval: decider not eligible for this stage")
	ErrAlreadyDecided = errors.New("approval: decider already decided this request")
	ErrUnknownStaff   = errors.New("approval: staff not found")
	ErrHandlerFailed  = errors.New("approval: handler failed after approval")
)

// RequestState is the approval request lifecycle. ESCALATED requests remain
// decidable; APPROVED, REJECTED and EXPIRED are terminal.
type RequestState string

const (
	StatePending   RequestState = "PENDING"
	StateApproved  RequestState = "APPROVED"
	StateRejected  RequestState = "REJECTED"
	StateExpired   RequestState = "EXPIRED"
	StateEscalated RequestState = "ESCALATED"
)

// Open reports whether the state still accepts decisions.
func (s RequestState) Open() bool {
	return s == StatePending || s == StateEscalated
}

// Decision is a single stage verdict.
type Decision string

const (
	DecisionApprove Decision = "APPROVE"
	DecisionReject  Decision = "REJECT"
)

// ApprovalRequest is one maker-checker case: the operation payload frozen
// at submission, the policy it matched, and a cursor through that policy's
// stages. StageEnteredAt resets on each advance and anchors stage timeouts.
type ApprovalRequest struct {
	ID             string          `json:"id"`
	Type           string          `json:"type"`
	PayloadJSON    json.RawMessage `json:"payload_json"`
	MakerStaffID   string          `json:"maker_staff_id"`
	PolicyID       string          `json:"policy_id"`
	CurrentStage   int             `json:"current_stage"`
	TotalStages    int             `json:"total_stages"`
	State          RequestState    `json:"state"`
	CorrelationID  string          `json:"correlation_id,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	StageEnteredAt time.Time       `json:"stage_entered_at"`
	DecidedAt      *time.Time      `json:"decided_at,omitempty"`
}

// Open reports whether the request still accepts decisions.
func (r *ApprovalRequest) Open() bool { return r.State.Open() }

// StageDecision records one verdict on one stage. A decider appears at most
// once per request; DeciderRole is the role that satisfied the stage, which
// is the delegator's role when authority was borrowed.
type StageDecision struct {
	RequestID   string    `json:"request_id"`
	PolicyID    string    `json:"policy_id"`
	StageNo     int       `json:"stage_no"`
	Decision    Decision  `json:"decision"`
	DeciderID   string    `json:"decider_id"`
	DeciderRole string    `json:"decider_role,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	DecidedAt   time.Time `json:"decided_at"`
}

// DelegationState gates whether a delegation confers authority.
type DelegationState string

const (
	DelegationActive  DelegationState = "ACTIVE"
	DelegationRevoked DelegationState = "REVOKED"
	DelegationExpired DelegationState = "EXPIRED"
)

// Delegation is a time-bounded grant of the delegator's approval authority
// to the delegate. An empty ApprovalType covers every type.
type Delegation struct {
	ID           string          `json:"id"`
	DelegatorID  string          `json:"delegator_id"`
	DelegateID   string          `json:"delegate_id"`
	ApprovalType string          `json:"approval_type,omitempty"`
	ValidFrom    time.Time       `json:"valid_from"`
	ValidTo      time.Time       `json:"valid_to"`
	State        DelegationState `json:"state"`
}

// Covers reports whether the delegation confers authority for the given
// approval type at the given instant. The window is half-open: valid at
// ValidFrom, invalid at ValidTo.
func (d Delegation) Covers(approvalType string, at time.Time) bool {
	if d.State != DelegationActive {
		return false
	}
	if d.ApprovalType != "" && d.ApprovalType != approvalType {
		return false
	}
	if at.Before(d.ValidFrom) || !at.Before(d.ValidTo) {
		return false
	}
	return true
}
