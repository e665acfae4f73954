// Package approval implements the maker-checker workflow: versioned
// policies matched against operation payloads, multi-stage approval
// requests, time-bounded delegations, and a handler registry that executes
// the approved operation. Policies decide whether an operation needs
// checking; the engine enforces who may check it and in what order.
package approval

import (
	"encoding/json"
	"time"
)

// Well-known approval types. Handlers for these are registered at boot;
// the set is open, any string a policy binds to is a valid type.
const (
	TypeReversal        = "REVERSAL"
	TypeOverdraftGrant  = "OVERDRAFT_GRANT"
	TypeLargePayout     = "LARGE_PAYOUT"
	TypeFloatTopUp      = "FLOAT_TOPUP"
	TypeFloatWithdrawal = "FLOAT_WITHDRAWAL"
	TypePolicyEdit      = "POLICY_EDIT"
)

// PolicyState gates whether a policy participates in matching. Only ACTIVE
// policies are considered.
type PolicyState string

const (
	PolicyDraft    PolicyState = "DRAFT"
	PolicyActive   PolicyState = "ACTIVE"
	PolicyInactive PolicyState = "INACTIVE"
	PolicyArchived PolicyState = "ARCHIVED"
)

// BindingType scopes a policy to a class of operations.
type BindingType string

const (
	BindApprovalType BindingType = "APPROVAL_TYPE"
	BindRoute        BindingType = "ROUTE"
	BindRole         BindingType = "ROLE"
	BindCustom       BindingType = "CUSTOM"
)

// PolicyBinding attaches a policy to operations. APPROVAL_TYPE binds by the
// candidate's type string, ROUTE by the payload's "route" field, ROLE by
// the payload's "maker_role" field. CUSTOM carries a serialized condition
// evaluated against the payload.
type PolicyBinding struct {
	PolicyID string          `json:"policy_id"`
	Type     BindingType     `json:"binding_type"`
	Value    json.RawMessage `json:"binding_value_json"`
}

// PolicyStage is one round of required decisions. Roles admit any staff
// holding (or borrowing, via delegation) one of the listed roles; ActorIDs
// admit the listed staff directly. TimeoutMinutes, when set, expires the
// request if the stage is not satisfied in time.
type PolicyStage struct {
	PolicyID                 string   `json:"policy_id"`
	StageNo                  int      `json:"stage_no"`
	MinApprovals             int      `json:"min_approvals"`
	Roles                    []string `json:"roles"`
	ActorIDs                 []string `json:"actor_ids"`
	ExcludeMaker             bool     `json:"exclude_maker"`
	ExcludePreviousApprovers bool     `json:"exclude_previous_approvers"`
	TimeoutMinutes           int      `json:"timeout_minutes,omitempty"`
}

// Admits reports whether a decider with the given role set may decide this
// stage. The role may be native or borrowed through a delegation; the
// caller resolves that before asking.
func (s PolicyStage) Admits(deciderID string, roles []string) bool {
	for _, id := range s.ActorIDs {
		if id == deciderID {
			return true
		}
	}
	for _, want := range s.Roles {
		for _, have := range roles {
			if want == have {
				return true
			}
		}
	}
	return false
}

// ApprovalPolicy is one versioned maker-checker rule set. Higher Priority
// wins; among equal priorities the higher Version wins. ExpiryMinutes and
// EscalationMinutes are measured from request creation; zero disables the
// respective transition.
type ApprovalPolicy struct {
	ID                string            `json:"id"`
	Name              string            `json:"name"`
	ApprovalType      string            `json:"approval_type,omitempty"`
	Priority          int               `json:"priority"`
	Version           int               `json:"version"`
	State             PolicyState       `json:"state"`
	ValidFrom         *time.Time        `json:"valid_from,omitempty"`
	ValidTo           *time.Time        `json:"valid_to,omitempty"`
	ExpiryMinutes     int               `json:"expiry_minutes,omitempty"`
	EscalationMinutes int               `json:"escalation_minutes,omitempty"`
	Conditions        []PolicyCondition `json:"conditions,omitempty"`
	Stages            []PolicyStage     `json:"stages"`
	Bindings          []PolicyBinding   `json:"bindings,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
}

// InEffect reports whether the policy is ACTIVE and its validity window
// contains now. A nil bound is open on that side.
func (p *ApprovalPolicy) InEffect(now time.Time) bool {
	if p.State != PolicyActive {
		return false
	}
	if p.ValidFrom != nil && now.Before(*p.ValidFrom) {
		return false
	}
	if p.ValidTo != nil && !now.Before(*p.ValidTo) {
		return false
	}
	return true
}

// Stage returns the stage numbered no (1-based).
func (p *ApprovalPolicy) Stage(no int) (PolicyStage, bool) {
	for _, s := range p.Stages {
		if s.StageNo == no {
			return s, true
		}
	}
	return PolicyStage{}, false
}

// ExpiresAt returns the absolute deadline for a request created at the
// given instant, considering both the policy-level expiry and the current
// stage's timeout. The zero time means no deadline.
func (p *ApprovalPolicy) ExpiresAt(createdAt, stageEnteredAt time.Time, stageNo int) time.Time {
	var deadline time.Time
	if p.ExpiryMinutes > 0 {
		deadline = createdAt.Add(time.Duration(p.ExpiryMinutes) * time.Minute)
	}
	if s, ok := p.Stage(stageNo); ok && s.TimeoutMinutes > 0 {
		stageDeadline := stageEnteredAt.Add(time.Duration(s.TimeoutMinutes) * time.Minute)
		if deadline.IsZero() || stageDeadline.Before(deadline) {
			deadline = stageDeadline
		}
	}
	return deadline
}

// EscalatesAt returns the instant a PENDING request escalates, or zero when
// the policy does not escalate.
func (p *ApprovalPolicy) EscalatesAt(createdAt time.Time) time.Time {
	if p.EscalationMinutes <= 0 {
		return time.Time{}
	}
	return createdAt.Add(time.Duration(p.EscalationMinutes) * time.Minute)
}
