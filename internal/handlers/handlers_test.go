package handlers_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kobopay/kobod/internal/core/approval"
	"github.com/kobopay/kobod/internal/core/ledger"
	"github.com/kobopay/kobod/internal/core/money"
	"github.com/kobopay/kobod/internal/core/posting"
	"github.com/kobopay/kobod/internal/handlers"
	"github.com/kobopay/kobod/internal/storage/memory"
)

type reverseCall struct {
	journalID     string
	reason        string
	actorType     ledger.ActorType
	actorID       string
	correlationID string
}

type fakePoster struct {
	posted   []posting.Command
	reversed []reverseCall
	err      error
}

func (f *fakePoster) Post(_ context.Context, cmd posting.Command) (*posting.Receipt, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.posted = append(f.posted, cmd)
	return &posting.Receipt{JournalID: "J-" + cmd.IdempotencyKey, State: ledger.JournalPosted}, nil
}

func (f *fakePoster) Reverse(_ context.Context, journalID, reason string, actorType ledger.ActorType, actorID, correlationID string) (*posting.Receipt, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.reversed = append(f.reversed, reverseCall{journalID, reason, actorType, actorID, correlationID})
	return &posting.Receipt{JournalID: "J-reverse", State: ledger.JournalPosted}, nil
}

type overdraftRecorder struct {
	saved []ledger.OverdraftFacility
}

func (r *overdraftRecorder) SaveOverdraft(_ context.Context, o ledger.OverdraftFacility) error {
	r.saved = append(r.saved, o)
	return nil
}

type fixture struct {
	poster     *fakePoster
	store      *memory.Store
	overdrafts *overdraftRecorder
	set        handlers.Set
}

func newFixture() *fixture {
	poster := &fakePoster{}
	store := memory.NewStore()
	od := &overdraftRecorder{}
	return &fixture{
		poster:     poster,
		store:      store,
		overdrafts: od,
		set: handlers.Set{
			Poster:          poster,
			Directory:       store,
			Overdrafts:      od,
			PlatformActorID: "platform",
			Clock:           func() time.Time { return time.Date(2025, 7, 1, 9, 0, 0, 0, time.UTC) },
			Logger:          zap.NewNop(),
		},
	}
}

func (f *fixture) seedPlatform(currency string) (suspenseID string) {
	f.store.AddActor(ledger.Actor{ID: "platform", Type: ledger.ActorSystem, State: ledger.ActorActive})
	f.store.AddAccount(ledger.LedgerAccount{
		ID: "acct-suspense-" + currency, OwnerID: "platform", OwnerType: ledger.ActorSystem,
		Type: ledger.AccountSuspense, Currency: currency, AllowNegative: true,
	}, 0)
	return "acct-suspense-" + currency
}

func (f *fixture) seedAgent(code, currency string) (floatID string) {
	f.store.AddActor(ledger.Actor{ID: "agent-1", Type: ledger.ActorAgent, State: ledger.ActorActive, Code: code})
	f.store.AddAccount(ledger.LedgerAccount{
		ID: "acct-float-1", OwnerID: "agent-1", OwnerType: ledger.ActorAgent,
		Type: ledger.AccountCashFloat, Currency: currency,
	}, money.Amount(500_00))
	return "acct-float-1"
}

func request(id, typ string, payload any) *approval.ApprovalRequest {
	raw, err := json.Marshal(payload)
	if err != nil {
		panic(err)
	}
	return &approval.ApprovalRequest{
		ID:            id,
		Type:          typ,
		PayloadJSON:   raw,
		MakerStaffID:  "staff-maker",
		State:         approval.StateApproved,
		CorrelationID: "corr-1",
	}
}

func TestReversalHandler(t *testing.T) {
	f := newFixture()
	h := f.set.Reversal()

	req := request("req-1", approval.TypeReversal, handlers.ReversalPayload{
		JournalID: "J-100", Reason: "customer dispute", StaffID: "staff-7",
	})
	require.NoError(t, h.Execute(context.Background(), req))

	require.Len(t, f.poster.reversed, 1)
	call := f.poster.reversed[0]
	assert.Equal(t, "J-100", call.journalID)
	assert.Equal(t, "customer dispute", call.reason)
	assert.Equal(t, ledger.ActorStaff, call.actorType)
	assert.Equal(t, "staff-7", call.actorID)
	assert.Equal(t, "corr-1", call.correlationID)
}

func TestReversalHandlerDefaultsToMaker(t *testing.T) {
	f := newFixture()
	h := f.set.Reversal()

	req := request("req-1", approval.TypeReversal, handlers.ReversalPayload{JournalID: "J-100"})
	require.NoError(t, h.Execute(context.Background(), req))
	require.Len(t, f.poster.reversed, 1)
	assert.Equal(t, "staff-maker", f.poster.reversed[0].actorID)
}

func TestReversalHandlerRequiresJournal(t *testing.T) {
	f := newFixture()
	h := f.set.Reversal()

	req := request("req-1", approval.TypeReversal, handlers.ReversalPayload{Reason: "oops"})
	err := h.Execute(context.Background(), req)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "journal_id")
	assert.Empty(t, f.poster.reversed)
}

func TestOverdraftGrantHandler(t *testing.T) {
	f := newFixture()
	f.seedAgent("AG001", "BBD")
	h := f.set.OverdraftGrant()

	validTo := time.Date(2025, 8, 1, 0, 0, 0, 0, time.UTC)
	req := request("req-od", approval.TypeOverdraftGrant, handlers.OverdraftGrantPayload{
		AccountID: "acct-float-1", LimitMinor: 200_00, ValidTo: validTo, StaffID: "staff-9",
	})
	require.NoError(t, h.Execute(context.Background(), req))

	require.Len(t, f.overdrafts.saved, 1)
	got := f.overdrafts.saved[0]
	assert.Equal(t, "req-od", got.ID)
	assert.Equal(t, "acct-float-1", got.AccountID)
	assert.Equal(t, money.Amount(200_00), got.Limit)
	assert.Equal(t, ledger.OverdraftActive, got.State)
	assert.Equal(t, validTo, got.ValidTo)
	assert.Equal(t, "staff-9", got.GrantedBy)
}

func TestOverdraftGrantHandlerRejectsBadInput(t *testing.T) {
	f := newFixture()
	f.seedAgent("AG001", "BBD")
	h := f.set.OverdraftGrant()

	cases := []struct {
		name    string
		payload handlers.OverdraftGrantPayload
		want    string
	}{
		{"zero limit", handlers.OverdraftGrantPayload{AccountID: "acct-float-1"}, "positive"},
		{"negative limit", handlers.OverdraftGrantPayload{AccountID: "acct-float-1", LimitMinor: -5}, "positive"},
		{"unknown account", handlers.OverdraftGrantPayload{AccountID: "acct-missing", LimitMinor: 100}, "not found"},
		{"no account", handlers.OverdraftGrantPayload{LimitMinor: 100}, "account_id"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := h.Execute(context.Background(), request("req-x", approval.TypeOverdraftGrant, tc.payload))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
	assert.Empty(t, f.overdrafts.saved)
}

func TestLargePayoutHandler(t *testing.T) {
	f := newFixture()
	f.store.AddActor(ledger.Actor{ID: "platform", Type: ledger.ActorSystem, State: ledger.ActorActive})
	f.store.AddAccount(ledger.LedgerAccount{
		ID: "acct-mirror", OwnerID: "platform", OwnerType: ledger.ActorSystem,
		Type: ledger.AccountBankMirror, Currency: "BBD", AllowNegative: true,
	}, 0)
	h := f.set.LargePayout()

	req := request("req-pay", approval.TypeLargePayout, handlers.LargePayoutPayload{
		AccountID: "acct-merchant", AmountMinor: 1_000_000_00, Currency: "BBD",
		StaffID: "staff-2", Reason: "weekly settlement",
	})
	require.NoError(t, h.Execute(context.Background(), req))

	require.Len(t, f.poster.posted, 1)
	cmd := f.poster.posted[0]
	assert.Equal(t, "req-pay", cmd.IdempotencyKey)
	assert.Equal(t, ledger.TxnLargePayout, cmd.TxnType)
	assert.Equal(t, ledger.ActorStaff, cmd.ActorType)
	assert.Equal(t, "staff-2", cmd.ActorID)
	require.Len(t, cmd.Entries, 2)
	assert.Equal(t, posting.Entry{AccountID: "acct-merchant", Side: money.Debit, Amount: 1_000_000_00}, cmd.Entries[0])
	assert.Equal(t, posting.Entry{AccountID: "acct-mirror", Side: money.Credit, Amount: 1_000_000_00}, cmd.Entries[1])
}

func TestLargePayoutHandlerNoMirror(t *testing.T) {
	f := newFixture()
	h := f.set.LargePayout()

	req := request("req-pay", approval.TypeLargePayout, handlers.LargePayoutPayload{
		AccountID: "acct-merchant", AmountMinor: 100, Currency: "BBD",
	})
	err := h.Execute(context.Background(), req)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bank mirror")
}

func TestFloatMovementHandlerTopUp(t *testing.T) {
	f := newFixture()
	suspenseID := f.seedPlatform("BBD")
	floatID := f.seedAgent("AG001", "BBD")
	h := f.set.FloatMovement(approval.TypeFloatTopUp)

	req := request("req-float", approval.TypeFloatTopUp, handlers.FloatMovementPayload{
		AgentCode: "AG001", AmountMinor: 300_00, Currency: "BBD",
		StaffID: "staff-3", Reason: "cash deposit", Reference: "SLIP-42",
	})
	require.NoError(t, h.Execute(context.Background(), req))

	require.Len(t, f.poster.posted, 1)
	cmd := f.poster.posted[0]
	assert.Equal(t, "req-float", cmd.IdempotencyKey)
	assert.Equal(t, ledger.TxnFloatTopUp, cmd.TxnType)
	assert.Equal(t, floatID, cmd.FeePayerAccountID)
	assert.Equal(t, string(ledger.ActorAgent), cmd.AgentType)
	assert.Contains(t, cmd.Description, "SLIP-42")
	require.Len(t, cmd.Entries, 2)
	assert.Equal(t, posting.Entry{AccountID: suspenseID, Side: money.Debit, Amount: 300_00}, cmd.Entries[0])
	assert.Equal(t, posting.Entry{AccountID: floatID, Side: money.Credit, Amount: 300_00}, cmd.Entries[1])
}

func TestFloatMovementHandlerWithdrawal(t *testing.T) {
	f := newFixture()
	suspenseID := f.seedPlatform("BBD")
	floatID := f.seedAgent("AG001", "BBD")
	h := f.set.FloatMovement(approval.TypeFloatWithdrawal)

	req := request("req-wd", approval.TypeFloatWithdrawal, handlers.FloatMovementPayload{
		AgentCode: "AG001", AmountMinor: 120_00, Currency: "BBD", StaffID: "staff-3",
	})
	require.NoError(t, h.Execute(context.Background(), req))

	require.Len(t, f.poster.posted, 1)
	cmd := f.poster.posted[0]
	assert.Equal(t, ledger.TxnFloatWithdrawal, cmd.TxnType)
	require.Len(t, cmd.Entries, 2)
	assert.Equal(t, posting.Entry{AccountID: floatID, Side: money.Debit, Amount: 120_00}, cmd.Entries[0])
	assert.Equal(t, posting.Entry{AccountID: suspenseID, Side: money.Credit, Amount: 120_00}, cmd.Entries[1])
}

func TestFloatMovementHandlerThreadsCommissionAccount(t *testing.T) {
	f := newFixture()
	f.seedPlatform("BBD")
	f.seedAgent("AG001", "BBD")
	f.store.AddAccount(ledger.LedgerAccount{
		ID: "acct-comm-1", OwnerID: "agent-1", OwnerType: ledger.ActorAgent,
		Type: ledger.AccountCommission, Currency: "BBD",
	}, 0)
	h := f.set.FloatMovement(approval.TypeFloatTopUp)

	req := request("req-float", approval.TypeFloatTopUp, handlers.FloatMovementPayload{
		AgentCode: "AG001", AmountMinor: 300_00, Currency: "BBD", StaffID: "staff-3",
	})
	require.NoError(t, h.Execute(context.Background(), req))
	require.Len(t, f.poster.posted, 1)
	assert.Equal(t, "acct-comm-1", f.poster.posted[0].AgentCommissionAccountID)
}

func TestFloatMovementHandlerUnknownAgent(t *testing.T) {
	f := newFixture()
	f.seedPlatform("BBD")
	h := f.set.FloatMovement(approval.TypeFloatTopUp)

	req := request("req-float", approval.TypeFloatTopUp, handlers.FloatMovementPayload{
		AgentCode: "NOPE", AmountMinor: 300_00, Currency: "BBD",
	})
	err := h.Execute(context.Background(), req)
	require.ErrorIs(t, err, handlers.ErrAgentNotFound)
	assert.Empty(t, f.poster.posted)
}

func TestBuildFloatCommandMissingAccounts(t *testing.T) {
	f := newFixture()
	f.store.AddActor(ledger.Actor{ID: "agent-1", Type: ledger.ActorAgent, State: ledger.ActorActive, Code: "AG001"})

	_, err := f.set.BuildFloatCommand(context.Background(), approval.TypeFloatTopUp,
		handlers.FloatMovementPayload{AgentCode: "AG001", AmountMinor: 100, Currency: "BBD", StaffID: "staff-1"},
		"key-1", "corr-1")
	require.ErrorIs(t, err, handlers.ErrAccountNotFound)
}

func TestFloatMovementHandlerBadPayload(t *testing.T) {
	f := newFixture()
	h := f.set.FloatMovement(approval.TypeFloatTopUp)

	req := &approval.ApprovalRequest{ID: "req-bad", PayloadJSON: json.RawMessage(`{"amount_minor":`)}
	require.Error(t, h.Execute(context.Background(), req))
}

func TestRegisterAll(t *testing.T) {
	f := newFixture()
	reg := approval.NewRegistry()
	f.set.RegisterAll(reg)

	types := reg.Types()
	assert.ElementsMatch(t, []string{
		approval.TypeReversal,
		approval.TypeOverdraftGrant,
		approval.TypeLargePayout,
		approval.TypeFloatTopUp,
		approval.TypeFloatWithdrawal,
	}, types)
}
