package approval_test

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kobopay/kobod/internal/core/approval"
	"github.com/kobopay/kobod/internal/core/idempotency"
	"github.com/kobopay/kobod/internal/core/ledger"
	"github.com/kobopay/kobod/internal/core/posting"
	"github.com/kobopay/kobod/internal/events"
	"github.com/kobopay/kobod/internal/storage/memory"
)

// testClock is a hand-advanced clock shared by the store and the engine.
type testClock struct{ now time.Time }

func newTestClock() *testClock {
	return &testClock{now: time.Date(2025, 7, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time          { return c.now }
func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

type fixture struct {
	store *memory.Store
	clock *testClock
	reg   *approval.Registry
	eng   *approval.Engine
}

func newFixture(t *testing.T, auto map[string]string) *fixture {
	t.Helper()
	clock := newTestClock()
	store := memory.NewStore()
	store.Now = clock.Now
	reg := approval.NewRegistry()
	eng := approval.NewEngine(store.Approvals(), reg, approval.Config{
		AutoPolicies: auto,
		Clock:        clock.Now,
	})
	return &fixture{store: store, clock: clock, reg: reg, eng: eng}
}

func (f *fixture) addStaff(id, role string) {
	f.store.AddActor(ledger.Actor{ID: id, Type: ledger.ActorStaff, State: ledger.ActorActive, Role: role})
}

func payoutPayload(amountMinor int64) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"amount_minor": %d, "currency": "BBD"}`, amountMinor))
}

func stage(no, min int, roles ...string) approval.PolicyStage {
	return approval.PolicyStage{StageNo: no, MinApprovals: min, Roles: roles}
}

func payoutPolicy(id string, priority, version int, stages ...approval.PolicyStage) approval.ApprovalPolicy {
	return approval.ApprovalPolicy{
		ID:           id,
		Name:         "large payout " + id,
		ApprovalType: approval.TypeLargePayout,
		Priority:     priority,
		Version:      version,
		State:        approval.PolicyActive,
		Conditions: []approval.PolicyCondition{
			{PolicyID: id, Field: "amount_minor", Operator: approval.OpGT, Value: json.RawMessage(`1000000`)},
		},
		Stages: stages,
	}
}

func (f *fixture) eventNames(t *testing.T) []string {
	t.Helper()
	evs, err := f.store.After(context.Background(), "", 100)
	require.NoError(t, err)
	names := make([]string, len(evs))
	for i, ev := range evs {
		names[i] = ev.Name
	}
	return names
}

func TestSubmitMatchesByPriorityAndConditions(t *testing.T) {
	f := newFixture(t, nil)
	f.addStaff("maker", "OPS")

	// The strict policy outranks the catch-all but only binds above 50k.
	strict := payoutPolicy("pol-strict", 100, 1, stage(1, 1, "DIRECTOR"))
	strict.Conditions = []approval.PolicyCondition{
		{Field: "amount_minor", Operator: approval.OpGT, Value: json.RawMessage(`5000000`)},
	}
	catchAll := payoutPolicy("pol-any", 10, 1, stage(1, 1, "MANAGER"))
	catchAll.Conditions = nil
	f.store.AddPolicy(strict)
	f.store.AddPolicy(catchAll)

	ctx := context.Background()

	small, err := f.eng.Submit(ctx, approval.SubmitInput{
		Type: approval.TypeLargePayout, Payload: payoutPayload(200000), MakerStaffID: "maker",
	})
	require.NoError(t, err)
	assert.Equal(t, "pol-any", small.PolicyID)

	big, err := f.eng.Submit(ctx, approval.SubmitInput{
		Type: approval.TypeLargePayout, Payload: payoutPayload(9000000), MakerStaffID: "maker",
	})
	require.NoError(t, err)
	assert.Equal(t, "pol-strict", big.PolicyID)
	assert.Equal(t, approval.StatePending, big.State)
	assert.Equal(t, 1, big.CurrentStage)
}

func TestSubmitPrefersNewerVersionOnPriorityTie(t *testing.T) {
	f := newFixture(t, nil)
	f.addStaff("maker", "OPS")
	f.store.AddPolicy(payoutPolicy("pol-v1", 50, 1, stage(1, 1, "MANAGER")))
	f.store.AddPolicy(payoutPolicy("pol-v2", 50, 2, stage(1, 1, "MANAGER")))

	req, err := f.eng.Submit(context.Background(), approval.SubmitInput{
		Type: approval.TypeLargePayout, Payload: payoutPayload(2000000), MakerStaffID: "maker",
	})
	require.NoError(t, err)
	assert.Equal(t, "pol-v2", req.PolicyID)
}

func TestSubmitSkipsPoliciesOutsideValidity(t *testing.T) {
	f := newFixture(t, nil)
	f.addStaff("maker", "OPS")

	expiredAt := f.clock.Now().Add(-time.Hour)
	lapsed := payoutPolicy("pol-lapsed", 100, 1, stage(1, 1, "MANAGER"))
	lapsed.ValidTo = &expiredAt
	f.store.AddPolicy(lapsed)
	f.store.AddPolicy(payoutPolicy("pol-live", 10, 1, stage(1, 1, "MANAGER")))

	req, err := f.eng.Submit(context.Background(), approval.SubmitInput{
		Type: approval.TypeLargePayout, Payload: payoutPayload(2000000), MakerStaffID: "maker",
	})
	require.NoError(t, err)
	assert.Equal(t, "pol-live", req.PolicyID)
}

func TestSubmitNoPolicyAndAutoFallback(t *testing.T) {
	f := newFixture(t, nil)
	f.addStaff("maker", "OPS")

	_, err := f.eng.Submit(context.Background(), approval.SubmitInput{
		Type: approval.TypeReversal, Payload: payoutPayload(100), MakerStaffID: "maker",
	})
	require.ErrorIs(t, err, approval.ErrNoPolicy)

	// With an auto policy configured, the same submission opens a request.
	f2 := newFixture(t, map[string]string{approval.TypeReversal: "pol-auto"})
	f2.addStaff("maker", "OPS")
	auto := payoutPolicy("pol-auto", 0, 1, stage(1, 1, "MANAGER"))
	auto.ApprovalType = ""
	auto.Conditions = nil
	f2.store.AddPolicy(auto)

	req, err := f2.eng.Submit(context.Background(), approval.SubmitInput{
		Type: approval.TypeReversal, Payload: payoutPayload(100), MakerStaffID: "maker",
	})
	require.NoError(t, err)
	assert.Equal(t, "pol-auto", req.PolicyID)
}

func TestEvaluateReturnsNilWhenNoPolicyApplies(t *testing.T) {
	f := newFixture(t, nil)
	f.store.AddPolicy(payoutPolicy("pol", 1, 1, stage(1, 1, "MANAGER")))

	ctx := context.Background()

	p, err := f.eng.Evaluate(ctx, approval.TypeLargePayout, payoutPayload(5000000))
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "pol", p.ID)

	// Below the condition threshold nothing matches: no approval needed.
	p, err = f.eng.Evaluate(ctx, approval.TypeLargePayout, payoutPayload(50))
	require.NoError(t, err)
	assert.Nil(t, p)

	p, err = f.eng.Evaluate(ctx, approval.TypeFloatWithdrawal, payoutPayload(5000000))
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestBindingsAttachPolicies(t *testing.T) {
	f := newFixture(t, nil)
	f.addStaff("maker", "OPS")

	byRoute := approval.ApprovalPolicy{
		ID: "pol-route", Name: "route bound", Priority: 5, Version: 1, State: approval.PolicyActive,
		Stages:   []approval.PolicyStage{stage(1, 1, "MANAGER")},
		Bindings: []approval.PolicyBinding{{Type: approval.BindRoute, Value: json.RawMessage(`"float.withdrawal"`)}},
	}
	byCustom := approval.ApprovalPolicy{
		ID: "pol-custom", Name: "custom bound", Priority: 1, Version: 1, State: approval.PolicyActive,
		Stages: []approval.PolicyStage{stage(1, 1, "MANAGER")},
		Bindings: []approval.PolicyBinding{{
			Type:  approval.BindCustom,
			Value: json.RawMessage(`{"field":"maker_role","operator":"IN","value_json":["TELLER","OPS"]}`),
		}},
	}
	f.store.AddPolicy(byRoute)
	f.store.AddPolicy(byCustom)

	ctx := context.Background()

	req, err := f.eng.Submit(ctx, approval.SubmitInput{
		Type:         approval.TypeFloatWithdrawal,
		Payload:      json.RawMessage(`{"route":"float.withdrawal","amount_minor":1}`),
		MakerStaffID: "maker",
	})
	require.NoError(t, err)
	assert.Equal(t, "pol-route", req.PolicyID)

	req, err = f.eng.Submit(ctx, approval.SubmitInput{
		Type:         "ANYTHING",
		Payload:      json.RawMessage(`{"maker_role":"TELLER"}`),
		MakerStaffID: "maker",
	})
	require.NoError(t, err)
	assert.Equal(t, "pol-custom", req.PolicyID)
}

func TestTwoStageFlowDispatchesHandler(t *testing.T) {
	f := newFixture(t, nil)
	f.addStaff("maker", "OPS")
	f.addStaff("mgr", "MANAGER")
	f.addStaff("dir", "DIRECTOR")

	s1 := stage(1, 1, "MANAGER")
	s1.ExcludeMaker = true
	s2 := stage(2, 1, "DIRECTOR")
	s2.ExcludeMaker = true
	s2.ExcludePreviousApprovers = true
	f.store.AddPolicy(payoutPolicy("pol", 10, 1, s1, s2))

	var handled []string
	f.reg.Register(approval.TypeLargePayout, approval.HandlerFunc(func(ctx context.Context, req *approval.ApprovalRequest) error {
		handled = append(handled, req.ID)
		return nil
	}))

	ctx := context.Background()
	req, err := f.eng.Submit(ctx, approval.SubmitInput{
		Type: approval.TypeLargePayout, Payload: payoutPayload(2000000), MakerStaffID: "maker",
	})
	require.NoError(t, err)
	assert.Equal(t, 2, req.TotalStages)

	// Stage 1: the manager approves, the request advances.
	after, err := f.eng.Approve(ctx, approval.DecisionInput{RequestID: req.ID, DeciderID: "mgr"})
	require.NoError(t, err)
	assert.Equal(t, approval.StatePending, after.State)
	assert.Equal(t, 2, after.CurrentStage)
	assert.Empty(t, handled)

	// Stage 2: the director approves, the request lands and the handler runs.
	after, err = f.eng.Approve(ctx, approval.DecisionInput{RequestID: req.ID, DeciderID: "dir"})
	require.NoError(t, err)
	assert.Equal(t, approval.StateApproved, after.State)
	require.NotNil(t, after.DecidedAt)
	assert.Equal(t, []string{req.ID}, handled)

	_, decisions, err := f.eng.Get(ctx, req.ID)
	require.NoError(t, err)
	require.Len(t, decisions, 2)
	assert.Equal(t, "MANAGER", decisions[0].DeciderRole)
	assert.Equal(t, "DIRECTOR", decisions[1].DeciderRole)

	assert.Contains(t, f.eventNames(t), events.NameApprovalRequested)
	assert.Contains(t, f.eventNames(t), events.NameApprovalDecided)
}

func TestExcludeMakerAndMinApprovals(t *testing.T) {
	f := newFixture(t, nil)
	f.addStaff("maker", "OPS")
	f.addStaff("ops-2", "OPS")
	f.addStaff("ops-3", "OPS")

	s1 := stage(1, 2, "OPS")
	s1.ExcludeMaker = true
	f.store.AddPolicy(payoutPolicy("pol", 10, 1, s1))

	ctx := context.Background()
	req, err := f.eng.Submit(ctx, approval.SubmitInput{
		Type: approval.TypeLargePayout, Payload: payoutPayload(2000000), MakerStaffID: "maker",
	})
	require.NoError(t, err)

	// The maker holds the right role but may not check their own work.
	_, err = f.eng.Approve(ctx, approval.DecisionInput{RequestID: req.ID, DeciderID: "maker"})
	require.ErrorIs(t, err, approval.ErrNotEligible)

	// One approval of two: still pending at stage 1.
	after, err := f.eng.Approve(ctx, approval.DecisionInput{RequestID: req.ID, DeciderID: "ops-2"})
	require.NoError(t, err)
	assert.Equal(t, approval.StatePending, after.State)
	assert.Equal(t, 1, after.CurrentStage)

	// The same decider cannot vote twice.
	_, err = f.eng.Approve(ctx, approval.DecisionInput{RequestID: req.ID, DeciderID: "ops-2"})
	require.ErrorIs(t, err, approval.ErrAlreadyDecided)

	// A distinct second approver satisfies the stage.
	after, err = f.eng.Approve(ctx, approval.DecisionInput{RequestID: req.ID, DeciderID: "ops-3"})
	require.NoError(t, err)
	assert.Equal(t, approval.StateApproved, after.State)
}

func TestRejectTerminatesWholeRequest(t *testing.T) {
	f := newFixture(t, nil)
	f.addStaff("maker", "OPS")
	f.addStaff("mgr", "MANAGER")
	f.addStaff("dir", "DIRECTOR")
	f.store.AddPolicy(payoutPolicy("pol", 10, 1, stage(1, 1, "MANAGER"), stage(2, 1, "DIRECTOR")))

	ctx := context.Background()
	req, err := f.eng.Submit(ctx, approval.SubmitInput{
		Type: approval.TypeLargePayout, Payload: payoutPayload(2000000), MakerStaffID: "maker",
	})
	require.NoError(t, err)

	_, err = f.eng.Reject(ctx, approval.DecisionInput{RequestID: req.ID, DeciderID: "mgr"})
	require.Error(t, err, "reject needs a reason")

	after, err := f.eng.Reject(ctx, approval.DecisionInput{RequestID: req.ID, DeciderID: "mgr", Reason: "duplicate payout"})
	require.NoError(t, err)
	assert.Equal(t, approval.StateRejected, after.State)

	_, err = f.eng.Approve(ctx, approval.DecisionInput{RequestID: req.ID, DeciderID: "dir"})
	require.ErrorIs(t, err, approval.ErrTerminal)
}

func TestDelegationConfersAuthorityWithinWindow(t *testing.T) {
	f := newFixture(t, nil)
	f.addStaff("maker", "OPS")
	f.addStaff("director", "DIRECTOR")
	f.addStaff("teller", "TELLER")
	f.store.AddPolicy(payoutPolicy("pol", 10, 1, stage(1, 1, "DIRECTOR")))

	start := f.clock.Now()
	f.store.AddDelegation(approval.Delegation{
		ID:           "del-1",
		DelegatorID:  "director",
		DelegateID:   "teller",
		ApprovalType: approval.TypeLargePayout,
		ValidFrom:    start,
		ValidTo:      start.Add(48 * time.Hour),
		State:        approval.DelegationActive,
	})

	ctx := context.Background()

	req, err := f.eng.Submit(ctx, approval.SubmitInput{
		Type: approval.TypeLargePayout, Payload: payoutPayload(2000000), MakerStaffID: "maker",
	})
	require.NoError(t, err)

	f.clock.Advance(time.Hour)
	after, err := f.eng.Approve(ctx, approval.DecisionInput{RequestID: req.ID, DeciderID: "teller"})
	require.NoError(t, err)
	assert.Equal(t, approval.StateApproved, after.State)

	_, decisions, err := f.eng.Get(ctx, req.ID)
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.Equal(t, "DIRECTOR", decisions[0].DeciderRole, "borrowed role is recorded")

	// Outside the window the delegation is dead.
	req2, err := f.eng.Submit(ctx, approval.SubmitInput{
		Type: approval.TypeLargePayout, Payload: payoutPayload(3000000), MakerStaffID: "maker",
	})
	require.NoError(t, err)

	f.clock.Advance(48 * time.Hour)
	_, err = f.eng.Approve(ctx, approval.DecisionInput{RequestID: req2.ID, DeciderID: "teller"})
	require.ErrorIs(t, err, approval.ErrNotEligible)
}

func TestExcludePreviousApproversAcrossStages(t *testing.T) {
	f := newFixture(t, nil)
	f.addStaff("maker", "OPS")
	f.addStaff("risk-1", "RISK")
	f.addStaff("risk-2", "RISK")

	s2 := stage(2, 1, "RISK")
	s2.ExcludePreviousApprovers = true
	f.store.AddPolicy(payoutPolicy("pol", 10, 1, stage(1, 1, "RISK"), s2))

	ctx := context.Background()
	req, err := f.eng.Submit(ctx, approval.SubmitInput{
		Type: approval.TypeLargePayout, Payload: payoutPayload(2000000), MakerStaffID: "maker",
	})
	require.NoError(t, err)

	_, err = f.eng.Approve(ctx, approval.DecisionInput{RequestID: req.ID, DeciderID: "risk-1"})
	require.NoError(t, err)

	_, err = f.eng.Approve(ctx, approval.DecisionInput{RequestID: req.ID, DeciderID: "risk-1"})
	require.ErrorIs(t, err, approval.ErrNotEligible, "stage 1 approver is shut out of stage 2")

	after, err := f.eng.Approve(ctx, approval.DecisionInput{RequestID: req.ID, DeciderID: "risk-2"})
	require.NoError(t, err)
	assert.Equal(t, approval.StateApproved, after.State)
}

func TestActorIDsAdmitWithoutRole(t *testing.T) {
	f := newFixture(t, nil)
	f.addStaff("maker", "OPS")
	f.addStaff("named", "TELLER")

	s := stage(1, 1, "DIRECTOR")
	s.ActorIDs = []string{"named"}
	f.store.AddPolicy(payoutPolicy("pol", 10, 1, s))

	ctx := context.Background()
	req, err := f.eng.Submit(ctx, approval.SubmitInput{
		Type: approval.TypeLargePayout, Payload: payoutPayload(2000000), MakerStaffID: "maker",
	})
	require.NoError(t, err)

	after, err := f.eng.Approve(ctx, approval.DecisionInput{RequestID: req.ID, DeciderID: "named"})
	require.NoError(t, err)
	assert.Equal(t, approval.StateApproved, after.State)
}

func TestDecideGuards(t *testing.T) {
	f := newFixture(t, nil)
	f.addStaff("maker", "OPS")
	f.addStaff("mgr", "MANAGER")
	f.store.AddActor(ledger.Actor{ID: "cust-1", Type: ledger.ActorCustomer, State: ledger.ActorActive})
	f.store.AddPolicy(payoutPolicy("pol", 10, 1, stage(1, 1, "MANAGER")))

	ctx := context.Background()
	req, err := f.eng.Submit(ctx, approval.SubmitInput{
		Type: approval.TypeLargePayout, Payload: payoutPayload(2000000), MakerStaffID: "maker",
	})
	require.NoError(t, err)

	_, err = f.eng.Approve(ctx, approval.DecisionInput{RequestID: "missing", DeciderID: "mgr"})
	require.ErrorIs(t, err, approval.ErrNotFound)

	_, err = f.eng.Approve(ctx, approval.DecisionInput{RequestID: req.ID, DeciderID: "ghost"})
	require.ErrorIs(t, err, approval.ErrUnknownStaff)

	_, err = f.eng.Approve(ctx, approval.DecisionInput{RequestID: req.ID, DeciderID: "cust-1"})
	require.ErrorIs(t, err, approval.ErrUnknownStaff, "customers are not staff")

	_, err = f.eng.Submit(ctx, approval.SubmitInput{
		Type: approval.TypeLargePayout, Payload: payoutPayload(2000000), MakerStaffID: "ghost",
	})
	require.ErrorIs(t, err, approval.ErrUnknownStaff)
}

func TestHandlerFailureKeepsRequestApproved(t *testing.T) {
	f := newFixture(t, nil)
	f.addStaff("maker", "OPS")
	f.addStaff("mgr", "MANAGER")
	f.store.AddPolicy(payoutPolicy("pol", 10, 1, stage(1, 1, "MANAGER")))

	f.reg.Register(approval.TypeLargePayout, approval.HandlerFunc(func(ctx context.Context, req *approval.ApprovalRequest) error {
		return fmt.Errorf("float account is short")
	}))

	ctx := context.Background()
	req, err := f.eng.Submit(ctx, approval.SubmitInput{
		Type: approval.TypeLargePayout, Payload: payoutPayload(2000000), MakerStaffID: "maker",
	})
	require.NoError(t, err)

	after, err := f.eng.Approve(ctx, approval.DecisionInput{RequestID: req.ID, DeciderID: "mgr"})
	require.ErrorIs(t, err, approval.ErrHandlerFailed)
	require.NotNil(t, after)
	assert.Equal(t, approval.StateApproved, after.State)

	stored, err := f.store.RequestByID(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, approval.StateApproved, stored.State)
}

func TestOverdueRequestExpiresOnDecision(t *testing.T) {
	f := newFixture(t, nil)
	f.addStaff("maker", "OPS")
	f.addStaff("mgr", "MANAGER")

	pol := payoutPolicy("pol", 10, 1, stage(1, 1, "MANAGER"))
	pol.ExpiryMinutes = 30
	f.store.AddPolicy(pol)

	ctx := context.Background()
	req, err := f.eng.Submit(ctx, approval.SubmitInput{
		Type: approval.TypeLargePayout, Payload: payoutPayload(2000000), MakerStaffID: "maker",
	})
	require.NoError(t, err)

	f.clock.Advance(31 * time.Minute)
	_, err = f.eng.Approve(ctx, approval.DecisionInput{RequestID: req.ID, DeciderID: "mgr"})
	require.ErrorIs(t, err, approval.ErrTerminal)

	stored, err := f.store.RequestByID(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, approval.StateExpired, stored.State)
	assert.Contains(t, f.eventNames(t), events.NameApprovalExpired)
}

func TestSweeperEscalatesExpiresAndPurges(t *testing.T) {
	f := newFixture(t, nil)
	f.addStaff("maker", "OPS")

	pol := payoutPolicy("pol", 10, 1, stage(1, 1, "MANAGER"))
	pol.ExpiryMinutes = 60
	pol.EscalationMinutes = 15
	f.store.AddPolicy(pol)

	sweeper := approval.NewSweeper(f.store.Approvals(), approval.SweeperConfig{Clock: f.clock.Now})

	ctx := context.Background()
	req, err := f.eng.Submit(ctx, approval.SubmitInput{
		Type: approval.TypeLargePayout, Payload: payoutPayload(2000000), MakerStaffID: "maker",
	})
	require.NoError(t, err)

	// Seed one live and one dead idempotency row through the posting view.
	err = f.store.RunAtomic(ctx, func(tx posting.Tx) error {
		if err := tx.InsertIdempotency(ctx, idempotency.Record{
			ScopeHash: "scope-a", Key: "k-live", PayloadHash: "h",
			CreatedAt: f.clock.Now(), ExpiresAt: f.clock.Now().Add(24 * time.Hour),
		}); err != nil {
			return err
		}
		return tx.InsertIdempotency(ctx, idempotency.Record{
			ScopeHash: "scope-b", Key: "k-dead", PayloadHash: "h",
			CreatedAt: f.clock.Now().Add(-48 * time.Hour), ExpiresAt: f.clock.Now().Add(-24 * time.Hour),
		})
	})
	require.NoError(t, err)

	// Before any deadline nothing moves ... except the dead idempotency row.
	stats, err := sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, approval.SweepStats{PurgedIdempotency: 1}, stats)
	assert.Equal(t, 1, f.store.IdempotencyCount())

	// Past escalation_minutes the request escalates but stays decidable.
	f.clock.Advance(16 * time.Minute)
	stats, err = sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Escalated)

	stored, err := f.store.RequestByID(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, approval.StateEscalated, stored.State)
	assert.True(t, stored.Open())

	// A second pass does not escalate again.
	stats, err = sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Escalated)

	// Past expiry_minutes it expires for good.
	f.clock.Advance(45 * time.Minute)
	stats, err = sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Expired)

	stored, err = f.store.RequestByID(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, approval.StateExpired, stored.State)
	require.NotNil(t, stored.DecidedAt)
	assert.Contains(t, f.eventNames(t), events.NameApprovalEscalated)
	assert.Contains(t, f.eventNames(t), events.NameApprovalExpired)
}

func TestStageTimeoutExpiresViaSweeper(t *testing.T) {
	f := newFixture(t, nil)
	f.addStaff("maker", "OPS")
	f.addStaff("mgr", "MANAGER")

	s1 := stage(1, 1, "MANAGER")
	s2 := stage(2, 1, "DIRECTOR")
	s2.TimeoutMinutes = 10
	f.store.AddPolicy(payoutPolicy("pol", 10, 1, s1, s2))

	sweeper := approval.NewSweeper(f.store.Approvals(), approval.SweeperConfig{Clock: f.clock.Now})

	ctx := context.Background()
	req, err := f.eng.Submit(ctx, approval.SubmitInput{
		Type: approval.TypeLargePayout, Payload: payoutPayload(2000000), MakerStaffID: "maker",
	})
	require.NoError(t, err)

	// Stage 1 has no timeout: a long wait before the first decision is fine.
	f.clock.Advance(2 * time.Hour)
	_, err = f.eng.Approve(ctx, approval.DecisionInput{RequestID: req.ID, DeciderID: "mgr"})
	require.NoError(t, err)

	// Stage 2 times out 10 minutes after entry.
	f.clock.Advance(11 * time.Minute)
	stats, err := sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Expired)

	stored, err := f.store.RequestByID(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, approval.StateExpired, stored.State)
}
