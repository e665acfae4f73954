package approval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kobopay/kobod/internal/core/ledger"
	"github.com/kobopay/kobod/internal/events"
)

// Config tunes the engine.
type Config struct {
	// AutoPolicies maps an approval type to a fallback policy id used when
	// no policy matches.
	AutoPolicies map[string]string
	// Clock overrides time.Now, for tests.
	Clock func() time.Time
	// Logger defaults to a nop logger.
	Logger *zap.Logger
}

// Engine runs the maker-checker workflow: matches policies, opens requests,
// validates deciders, advances stages, and dispatches the registered
// handler once a request lands in APPROVED. All persistence goes through
// one Store transaction per operation; the handler runs after commit.
type Engine struct {
	store    Store
	registry *Registry
	auto     map[string]string
	log      *zap.Logger
	clock    func() time.Time
}

// NewEngine wires an engine. registry may be empty; approved requests
// without a handler only emit their event.
func NewEngine(store Store, registry *Registry, cfg Config) *Engine {
	if registry == nil {
		registry = NewRegistry()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Engine{
		store:    store,
		registry: registry,
		auto:     cfg.AutoPolicies,
		log:      cfg.Logger,
		clock:    cfg.Clock,
	}
}

// Registry returns the handler registry, so boot code can register
// handlers after construction.
func (e *Engine) Registry() *Registry { return e.registry }

// Evaluate matches (approvalType, payload) against the active policies and
// returns the policy that would govern it, or nil when the operation does
// not require approval at all.
func (e *Engine) Evaluate(ctx context.Context, approvalType string, payload []byte) (*ApprovalPolicy, error) {
	var policy *ApprovalPolicy
	err := e.store.RunAtomic(ctx, func(tx Tx) error {
		var err error
		policy, err = matchPolicy(ctx, tx, approvalType, payload, e.clock(), e.auto[approvalType])
		return err
	})
	if errors.Is(err, ErrNoPolicy) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return policy, nil
}

// SubmitInput describes a candidate operation for maker-checker.
type SubmitInput struct {
	Type          string
	Payload       json.RawMessage
	MakerStaffID  string
	CorrelationID string
}

// Submit matches a policy and opens a PENDING request at stage 1. It fails
// with ErrNoPolicy when nothing matches and no auto policy is configured
// for the type.
func (e *Engine) Submit(ctx context.Context, in SubmitInput) (*ApprovalRequest, error) {
	if in.Type == "" {
		return nil, fmt.Errorf("approval: submit: type is required")
	}
	if in.MakerStaffID == "" {
		return nil, fmt.Errorf("approval: submit: maker_staff_id is required")
	}
	if len(in.Payload) == 0 {
		in.Payload = json.RawMessage("{}")
	}
	if !json.Valid(in.Payload) {
		return nil, fmt.Errorf("approval: submit: payload is not valid JSON")
	}
	if in.CorrelationID == "" {
		in.CorrelationID = uuid.NewString()
	}

	var req *ApprovalRequest
	err := e.store.RunAtomic(ctx, func(tx Tx) error {
		now := e.clock()

		maker, err := tx.Staff(ctx, in.MakerStaffID)
		if err != nil {
			return fmt.Errorf("approval: submit: load maker: %w", err)
		}
		if maker == nil {
			return fmt.Errorf("%w: maker %s", ErrUnknownStaff, in.MakerStaffID)
		}

		policy, err := matchPolicy(ctx, tx, in.Type, in.Payload, now, e.auto[in.Type])
		if err != nil {
			return err
		}
		if len(policy.Stages) == 0 {
			return fmt.Errorf("approval: policy %s has no stages", policy.ID)
		}

		req = &ApprovalRequest{
			ID:             uuid.NewString(),
			Type:           in.Type,
			PayloadJSON:    in.Payload,
			MakerStaffID:   in.MakerStaffID,
			PolicyID:       policy.ID,
			CurrentStage:   1,
			TotalStages:    len(policy.Stages),
			State:          StatePending,
			CorrelationID:  in.CorrelationID,
			CreatedAt:      now,
			StageEnteredAt: now,
		}
		if err := tx.InsertRequest(ctx, req); err != nil {
			return fmt.Errorf("approval: submit: insert request: %w", err)
		}

		return tx.InsertEvent(ctx, e.event(events.NameApprovalRequested, req, map[string]any{
			"request_id":     req.ID,
			"approval_type":  req.Type,
			"policy_id":      policy.ID,
			"policy_name":    policy.Name,
			"maker_staff_id": req.MakerStaffID,
			"total_stages":   req.TotalStages,
		}, in.MakerStaffID, now))
	})
	if err != nil {
		return nil, err
	}

	e.log.Info("approval requested",
		zap.String("request_id", req.ID),
		zap.String("approval_type", req.Type),
		zap.String("policy_id", req.PolicyID),
		zap.Int("total_stages", req.TotalStages),
		zap.String("correlation_id", req.CorrelationID))
	return req, nil
}

// DecisionInput identifies who decides what. Reason is required on reject.
type DecisionInput struct {
	RequestID     string
	DeciderID     string
	Reason        string
	CorrelationID string
}

// Approve records an APPROVE decision. When it satisfies the final stage
// the request lands in APPROVED and the type's registered handler runs
// (after commit) with the request id as its idempotency key; a handler
// failure leaves the request APPROVED and returns ErrHandlerFailed.
func (e *Engine) Approve(ctx context.Context, in DecisionInput) (*ApprovalRequest, error) {
	req, err := e.decide(ctx, in, DecisionApprove)
	if err != nil {
		return req, err
	}
	if req.State == StateApproved {
		if err := e.dispatch(ctx, req); err != nil {
			return req, err
		}
	}
	return req, nil
}

// Reject records a REJECT decision, which terminates the request whatever
// the stage.
func (e *Engine) Reject(ctx context.Context, in DecisionInput) (*ApprovalRequest, error) {
	if in.Reason == "" {
		return nil, fmt.Errorf("approval: reject: reason is required")
	}
	return e.decide(ctx, in, DecisionReject)
}

// Get returns a request with its stage decisions.
func (e *Engine) Get(ctx context.Context, requestID string) (*ApprovalRequest, []StageDecision, error) {
	var req *ApprovalRequest
	var decisions []StageDecision
	err := e.store.RunAtomic(ctx, func(tx Tx) error {
		var err error
		req, err = tx.Request(ctx, requestID)
		if err != nil {
			return err
		}
		if req == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, requestID)
		}
		decisions, err = tx.Decisions(ctx, requestID)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return req, decisions, nil
}

// decide runs the shared decision transaction. An overdue request is
// transitioned to EXPIRED and committed, then reported as terminal.
func (e *Engine) decide(ctx context.Context, in DecisionInput, verdict Decision) (*ApprovalRequest, error) {
	if in.RequestID == "" {
		return nil, fmt.Errorf("approval: decide: request_id is required")
	}
	if in.DeciderID == "" {
		return nil, fmt.Errorf("approval: decide: decider id is required")
	}

	var req *ApprovalRequest
	var expired bool
	err := e.store.RunAtomic(ctx, func(tx Tx) error {
		now := e.clock()
		expired = false

		var err error
		req, err = tx.Request(ctx, in.RequestID)
		if err != nil {
			return fmt.Errorf("approval: decide: load request: %w", err)
		}
		if req == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, in.RequestID)
		}
		if !req.Open() {
			return fmt.Errorf("%w: request %s is %s", ErrTerminal, req.ID, req.State)
		}

		policy, err := tx.Policy(ctx, req.PolicyID)
		if err != nil {
			return fmt.Errorf("approval: decide: load policy: %w", err)
		}
		if policy == nil {
			return fmt.Errorf("approval: request %s references missing policy %s", req.ID, req.PolicyID)
		}

		// A request past its deadline expires now rather than waiting for
		// the sweeper tick.
		if deadline := policy.ExpiresAt(req.CreatedAt, req.StageEnteredAt, req.CurrentStage); !deadline.IsZero() && !now.Before(deadline) {
			req.State = StateExpired
			req.DecidedAt = &now
			if err := tx.UpdateRequest(ctx, req); err != nil {
				return fmt.Errorf("approval: decide: expire request: %w", err)
			}
			expired = true
			return tx.InsertEvent(ctx, e.event(events.NameApprovalExpired, req, map[string]any{
				"request_id":    req.ID,
				"approval_type": req.Type,
				"stage_no":      req.CurrentStage,
			}, "", now))
		}

		stage, ok := policy.Stage(req.CurrentStage)
		if !ok {
			return fmt.Errorf("approval: policy %s has no stage %d", policy.ID, req.CurrentStage)
		}

		decisions, err := tx.Decisions(ctx, req.ID)
		if err != nil {
			return fmt.Errorf("approval: decide: load decisions: %w", err)
		}

		roleUsed, err := e.checkEligibility(ctx, tx, req, stage, decisions, in.DeciderID, now)
		if err != nil {
			return err
		}

		if err := tx.InsertDecision(ctx, StageDecision{
			RequestID:   req.ID,
			PolicyID:    policy.ID,
			StageNo:     req.CurrentStage,
			Decision:    verdict,
			DeciderID:   in.DeciderID,
			DeciderRole: roleUsed,
			Reason:      in.Reason,
			DecidedAt:   now,
		}); err != nil {
			return fmt.Errorf("approval: decide: insert decision: %w", err)
		}

		if verdict == DecisionReject {
			req.State = StateRejected
			req.DecidedAt = &now
			if err := tx.UpdateRequest(ctx, req); err != nil {
				return fmt.Errorf("approval: decide: update request: %w", err)
			}
			return tx.InsertEvent(ctx, e.event(events.NameApprovalDecided, req, map[string]any{
				"request_id":    req.ID,
				"approval_type": req.Type,
				"state":         req.State,
				"stage_no":      req.CurrentStage,
				"decider_id":    in.DeciderID,
				"reason":        in.Reason,
			}, in.DeciderID, now))
		}

		// Count this stage's approvals, including the one just recorded.
		approvals := 1
		for _, d := range decisions {
			if d.StageNo == req.CurrentStage && d.Decision == DecisionApprove {
				approvals++
			}
		}
		// Not yet satisfied: the decision row is the only change.
		if approvals < stage.MinApprovals {
			return nil
		}

		if req.CurrentStage >= req.TotalStages {
			req.State = StateApproved
			req.DecidedAt = &now
			if err := tx.UpdateRequest(ctx, req); err != nil {
				return fmt.Errorf("approval: decide: update request: %w", err)
			}
			return tx.InsertEvent(ctx, e.event(events.NameApprovalDecided, req, map[string]any{
				"request_id":    req.ID,
				"approval_type": req.Type,
				"state":         req.State,
				"stage_no":      req.CurrentStage,
				"decider_id":    in.DeciderID,
			}, in.DeciderID, now))
		}

		req.CurrentStage++
		req.StageEnteredAt = now
		return tx.UpdateRequest(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	if expired {
		return req, fmt.Errorf("%w: request %s expired", ErrTerminal, req.ID)
	}

	e.log.Info("approval decision recorded",
		zap.String("request_id", req.ID),
		zap.String("approval_type", req.Type),
		zap.String("decision", string(verdict)),
		zap.String("decider_id", in.DeciderID),
		zap.String("state", string(req.State)),
		zap.Int("stage", req.CurrentStage))
	return req, nil
}

// checkEligibility enforces the decision rules and returns the role that
// admitted the decider: their native role, or the delegator's role when
// authority was borrowed.
func (e *Engine) checkEligibility(ctx context.Context, tx Tx, req *ApprovalRequest, stage PolicyStage, prior []StageDecision, deciderID string, now time.Time) (string, error) {
	if stage.ExcludeMaker && deciderID == req.MakerStaffID {
		return "", fmt.Errorf("%w: maker %s cannot decide their own request", ErrNotEligible, deciderID)
	}
	for _, d := range prior {
		if d.DeciderID != deciderID {
			continue
		}
		if d.StageNo == req.CurrentStage {
			return "", fmt.Errorf("%w: %s already decided stage %d", ErrAlreadyDecided, deciderID, d.StageNo)
		}
		if stage.ExcludePreviousApprovers {
			return "", fmt.Errorf("%w: %s decided an earlier stage", ErrNotEligible, deciderID)
		}
	}

	staff, err := tx.Staff(ctx, deciderID)
	if err != nil {
		return "", fmt.Errorf("approval: decide: load staff: %w", err)
	}
	if staff == nil {
		return "", fmt.Errorf("%w: %s", ErrUnknownStaff, deciderID)
	}
	if staff.State != ledger.ActorActive {
		return "", fmt.Errorf("%w: staff %s is %s", ErrNotEligible, deciderID, staff.State)
	}

	if stage.Admits(deciderID, []string{staff.Role}) {
		return staff.Role, nil
	}

	// Borrowed authority: a live delegation confers the delegator's role.
	delegations, err := tx.DelegationsTo(ctx, deciderID)
	if err != nil {
		return "", fmt.Errorf("approval: decide: load delegations: %w", err)
	}
	for _, d := range delegations {
		if !d.Covers(req.Type, now) {
			continue
		}
		delegator, err := tx.Staff(ctx, d.DelegatorID)
		if err != nil {
			return "", fmt.Errorf("approval: decide: load delegator: %w", err)
		}
		if delegator == nil || delegator.State != ledger.ActorActive {
			continue
		}
		if stage.Admits(deciderID, []string{delegator.Role}) {
			return delegator.Role, nil
		}
	}

	return "", fmt.Errorf("%w: %s holds no admitted role for stage %d", ErrNotEligible, deciderID, req.CurrentStage)
}

// dispatch runs the registered handler for a newly APPROVED request. A
// missing handler is not an error; the decided event already records the
// outcome and operations can act on it downstream.
func (e *Engine) dispatch(ctx context.Context, req *ApprovalRequest) error {
	h, ok := e.registry.Resolve(req.Type)
	if !ok {
		e.log.Warn("approved request has no registered handler",
			zap.String("request_id", req.ID),
			zap.String("approval_type", req.Type))
		return nil
	}
	if err := h.Execute(ctx, req); err != nil {
		e.log.Error("approval handler failed",
			zap.String("request_id", req.ID),
			zap.String("approval_type", req.Type),
			zap.Error(err))
		return fmt.Errorf("%w: %w", ErrHandlerFailed, err)
	}
	e.log.Info("approval handler executed",
		zap.String("request_id", req.ID),
		zap.String("approval_type", req.Type))
	return nil
}

// event builds an outbox event for a request transition.
func (e *Engine) event(name string, req *ApprovalRequest, payload map[string]any, actorID string, now time.Time) *events.Event {
	body, err := json.Marshal(payload)
	if err != nil {
		// Payload maps hold plain scalars; this cannot fail at runtime.
		panic(err)
	}
	return &events.Event{
		ID:            events.NewID(now),
		Name:          name,
		EntityType:    "approval_request",
		EntityID:      req.ID,
		CorrelationID: req.CorrelationID,
		ActorType:     string(ledger.ActorStaff),
		ActorID:       actorID,
		SchemaVersion: events.SchemaVersion,
		PayloadJSON:   body,
		CreatedAt:     now,
	}
}
