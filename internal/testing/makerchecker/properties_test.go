package makerchecker

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kobopay/kobod/internal/core/approval"
	kobodTesting "github.com/kobopay/kobod/internal/testing"
)

func submitPayout(t *testing.T, env *kobodTesting.TestEnv, maker string, amountMinor int64) *approval.ApprovalRequest {
	t.Helper()
	req, err := env.Approvals.Submit(context.Background(), approval.SubmitInput{
		Type:         approval.TypeLargePayout,
		Payload:      []byte(fmt.Sprintf(`{"amount_minor": %d, "currency": "BBD"}`, amountMinor)),
		MakerStaffID: maker,
	})
	require.NoError(t, err)
	return req
}

// TestStageAdvancementExcludesMaker proves the counting rules: the maker's
// approval never counts, a stage needs min distinct approvals to advance,
// and one reject ends the request at any stage.
func TestStageAdvancementExcludesMaker(t *testing.T) {
	env := kobodTesting.NewTestEnv(t)
	ctx := context.Background()

	env.Staff("maker", "SUPERVISOR")
	env.Staff("sup-1", "SUPERVISOR")
	env.Staff("sup-2", "SUPERVISOR")
	env.Staff("aud-1", "AUDITOR")

	env.Store.AddPolicy(payoutPolicy(
		approval.PolicyStage{StageNo: 1, MinApprovals: 2, Roles: []string{"SUPERVISOR"}, ExcludeMaker: true},
		approval.PolicyStage{StageNo: 2, MinApprovals: 1, Roles: []string{"AUDITOR"}, ExcludeMaker: true},
	))

	req := submitPayout(t, env, "maker", 20000)

	// The maker holds the admitted role, but their vote is excluded.
	_, err := env.Approvals.Approve(ctx, approval.DecisionInput{RequestID: req.ID, DeciderID: "maker"})
	require.ErrorIs(t, err, approval.ErrNotEligible)

	// One of two required approvals: the stage does not advance.
	req, err = env.Approvals.Approve(ctx, approval.DecisionInput{RequestID: req.ID, DeciderID: "sup-1"})
	require.NoError(t, err)
	assert.Equal(t, 1, req.CurrentStage)
	assert.Equal(t, approval.StatePending, req.State)

	// The same checker cannot vote twice on one stage.
	_, err = env.Approvals.Approve(ctx, approval.DecisionInput{RequestID: req.ID, DeciderID: "sup-1"})
	require.ErrorIs(t, err, approval.ErrAlreadyDecided)

	// A second distinct supervisor satisfies the stage.
	req, err = env.Approvals.Approve(ctx, approval.DecisionInput{RequestID: req.ID, DeciderID: "sup-2"})
	require.NoError(t, err)
	assert.Equal(t, 2, req.CurrentStage)
	assert.Equal(t, approval.StatePending, req.State)

	// A reject at stage 2 terminates the whole request.
	req, err = env.Approvals.Reject(ctx, approval.DecisionInput{
		RequestID: req.ID,
		DeciderID: "aud-1",
		Reason:    "documentation missing",
	})
	require.NoError(t, err)
	assert.Equal(t, approval.StateRejected, req.State)

	_, err = env.Approvals.Approve(ctx, approval.DecisionInput{RequestID: req.ID, DeciderID: "aud-1"})
	require.ErrorIs(t, err, approval.ErrTerminal)
}

// TestDelegationWindow lets a delegate borrow the delegator's role only
// while the clock is inside [valid_from, valid_to) and the delegation is
// ACTIVE.
func TestDelegationWindow(t *testing.T) {
	env := kobodTesting.NewTestEnv(t)
	ctx := context.Background()
	base := env.Now()

	env.Staff("maker", "OPS")
	env.Staff("director-1", "DIRECTOR")
	env.Staff("officer", "OPS")

	env.Store.AddPolicy(payoutPolicy(
		approval.PolicyStage{StageNo: 1, MinApprovals: 1, Roles: []string{"DIRECTOR"}},
	))
	env.Store.AddDelegation(approval.Delegation{
		ID:           "del-1",
		DelegatorID:  "director-1",
		DelegateID:   "officer",
		ApprovalType: approval.TypeLargePayout,
		ValidFrom:    base.Add(1 * time.Hour),
		ValidTo:      base.Add(24 * time.Hour),
		State:        approval.DelegationActive,
	})

	// Before the window opens the officer has no authority.
	first := submitPayout(t, env, "maker", 20000)
	_, err := env.Approvals.Approve(ctx, approval.DecisionInput{RequestID: first.ID, DeciderID: "officer"})
	require.ErrorIs(t, err, approval.ErrNotEligible)

	// The window is closed-open: authority starts exactly at valid_from.
	env.SetTime(base.Add(1 * time.Hour))
	decided, err := env.Approvals.Approve(ctx, approval.DecisionInput{RequestID: first.ID, DeciderID: "officer"})
	require.NoError(t, err)
	assert.Equal(t, approval.StateApproved, decided.State)

	// The decision carries the borrowed role, not the officer's own.
	_, decisions, err := env.Approvals.Get(ctx, first.ID)
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.Equal(t, "officer", decisions[0].DeciderID)
	assert.Equal(t, "DIRECTOR", decisions[0].DeciderRole)

	// ... and ends exactly at valid_to.
	second := submitPayout(t, env, "maker", 30000)
	env.SetTime(base.Add(24 * time.Hour))
	_, err = env.Approvals.Approve(ctx, approval.DecisionInput{RequestID: second.ID, DeciderID: "officer"})
	require.ErrorIs(t, err, approval.ErrNotEligible)

	// The delegator's own authority is untouched by the expiry.
	decided, err = env.Approvals.Approve(ctx, approval.DecisionInput{RequestID: second.ID, DeciderID: "director-1"})
	require.NoError(t, err)
	assert.Equal(t, approval.StateApproved, decided.State)
}

// TestRevokedDelegationConfersNothing denies a delegate whose grant was
// revoked even while the window is still open.
func TestRevokedDelegationConfersNothing(t *testing.T) {
	env := kobodTesting.NewTestEnv(t)
	ctx := context.Background()
	base := env.Now()

	env.Staff("maker", "OPS")
	env.Staff("director-1", "DIRECTOR")
	env.Staff("officer", "OPS")

	env.Store.AddPolicy(payoutPolicy(
		approval.PolicyStage{StageNo: 1, MinApprovals: 1, Roles: []string{"DIRECTOR"}},
	))
	env.Store.AddDelegation(approval.Delegation{
		ID:          "del-1",
		DelegatorID: "director-1",
		DelegateID:  "officer",
		ValidFrom:   base.Add(-1 * time.Hour),
		ValidTo:     base.Add(24 * time.Hour),
		State:       approval.DelegationRevoked,
	})

	req := submitPayout(t, env, "maker", 20000)
	_, err := env.Approvals.Approve(ctx, approval.DecisionInput{RequestID: req.ID, DeciderID: "officer"})
	require.ErrorIs(t, err, approval.ErrNotEligible)
}
