package approval

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// matchPolicy runs the selection algorithm: ACTIVE policies in their
// validity window, ordered priority DESC then version DESC, filtered to
// those bound to the candidate operation, first one whose conditions all
// hold. When nothing matches, the configured auto policy for the type is
// used if present, otherwise ErrNoPolicy.
//
// A malformed condition or binding fails the match with an error rather
// than silently skipping the policy: a broken high-priority policy must
// surface as a config defect, not wave operations through.
func matchPolicy(ctx context.Context, tx Tx, approvalType string, payload []byte, now time.Time, autoPolicyID string) (*ApprovalPolicy, error) {
	policies, err := tx.ActivePolicies(ctx)
	if err != nil {
		return nil, err
	}

	candidates := policies[:0]
	for _, p := range policies {
		if p.InEffect(now) {
			candidates = append(candidates, p)
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority > candidates[j].Priority
		}
		if candidates[i].Version != candidates[j].Version {
			return candidates[i].Version > candidates[j].Version
		}
		return candidates[i].ID < candidates[j].ID
	})

	for _, p := range candidates {
		bound, err := policyBound(p, approvalType, payload)
		if err != nil {
			return nil, err
		}
		if !bound {
			continue
		}
		hold, err := conditionsHold(p, payload)
		if err != nil {
			return nil, err
		}
		if hold {
			return p, nil
		}
	}

	if autoPolicyID != "" {
		p, err := tx.Policy(ctx, autoPolicyID)
		if err != nil {
			return nil, err
		}
		if p != nil {
			return p, nil
		}
	}
	return nil, fmt.Errorf("%w: type %s", ErrNoPolicy, approvalType)
}

// policyBound reports whether the policy attaches to this operation: a
// direct approval_type match, or any binding that matches.
func policyBound(p *ApprovalPolicy, approvalType string, payload []byte) (bool, error) {
	if p.ApprovalType != "" && p.ApprovalType == approvalType {
		return true, nil
	}
	for _, b := range p.Bindings {
		ok, err := bindingMatches(b, approvalType, payload)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

func bindingMatches(b PolicyBinding, approvalType string, payload []byte) (bool, error) {
	switch b.Type {
	case BindApprovalType:
		var want string
		if err := json.Unmarshal(b.Value, &want); err != nil {
			return false, fmt.Errorf("approval: policy %s: APPROVAL_TYPE binding value must be a string: %w", b.PolicyID, err)
		}
		return want == approvalType, nil

	case BindRoute, BindRole:
		field := "route"
		if b.Type == BindRole {
			field = "maker_role"
		}
		cond := PolicyCondition{PolicyID: b.PolicyID, Field: field, Operator: OpEQ, Value: b.Value}
		return cond.Evaluate(payload)

	case BindCustom:
		var cond PolicyCondition
		if err := json.Unmarshal(b.Value, &cond); err != nil {
			return false, fmt.Errorf("approval: policy %s: CUSTOM binding value must be a condition: %w", b.PolicyID, err)
		}
		cond.PolicyID = b.PolicyID
		return cond.Evaluate(payload)

	default:
		return false, fmt.Errorf("approval: policy %s: unknown binding type %q", b.PolicyID, b.Type)
	}
}

// conditionsHold ANDs every condition; a policy with none always holds.
func conditionsHold(p *ApprovalPolicy, payload []byte) (bool, error) {
	for _, c := range p.Conditions {
		ok, err := c.Evaluate(payload)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}
