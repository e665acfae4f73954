// Package transfer covers the posting flows end to end: wallet transfers,
// funds checks, charge splicing, reversals and verification over tampered
// history, all through the same engine wiring the daemon runs.
package transfer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kobopay/kobod/internal/core/fees"
	"github.com/kobopay/kobod/internal/core/ledger"
	"github.com/kobopay/kobod/internal/core/money"
	"github.com/kobopay/kobod/internal/core/posting"
	kobodTesting "github.com/kobopay/kobod/internal/testing"
)

// TestP2PTransfer moves 2500 between two wallets and replays the same key.
func TestP2PTransfer(t *testing.T) {
	env := kobodTesting.NewTestEnv(t)
	alice := env.Customer("alice", 10000)
	bob := env.Customer("bob", 0)

	first := env.MustPost(kobodTesting.Transfer("k1", alice, bob, 2500))
	require.Equal(t, ledger.JournalPosted, first.State)

	kobodTesting.RequireBalance(t, env, alice.ID, 7500)
	kobodTesting.RequireBalance(t, env, bob.ID, 2500)
	kobodTesting.RequireBalancedLines(t, env.Lines(first.JournalID))
	kobodTesting.RequireEventCount(t, env, "P2P_POSTED", 1)

	// The retry returns the stored receipt and mutates nothing.
	replayed := env.MustPost(kobodTesting.Transfer("k1", alice, bob, 2500))
	kobodTesting.RequireSameReceipt(t, first, replayed)
	kobodTesting.RequireBalance(t, env, alice.ID, 7500)
	kobodTesting.RequireBalance(t, env, bob.ID, 2500)
	assert.Equal(t, 1, env.Store.JournalCount())
	kobodTesting.RequireEventCount(t, env, "P2P_POSTED", 1)
}

// TestInsufficientFundsLeavesNoTrace rejects an overdrawn debit with no
// journal, no balance change and no event.
func TestInsufficientFundsLeavesNoTrace(t *testing.T) {
	env := kobodTesting.NewTestEnv(t)
	alice := env.Customer("alice", 100)
	bob := env.Customer("bob", 0)

	_, err := env.Post(kobodTesting.Transfer("k1", alice, bob, 500))
	kobodTesting.RequirePostKind(t, err, posting.KindInsufficientFunds)

	kobodTesting.RequireBalance(t, env, alice.ID, 100)
	kobodTesting.RequireBalance(t, env, bob.ID, 0)
	assert.Equal(t, 0, env.Store.JournalCount())
	assert.Empty(t, env.Events(""))
}

// TestFeeSplice charges flat 50 plus 1% on a 10000 transfer and routes the
// 150 to platform revenue inside the same journal.
func TestFeeSplice(t *testing.T) {
	env := kobodTesting.NewTestEnv(t)
	alice := env.Customer("alice", 20000)
	bob := env.Customer("bob", 0)
	revenue := env.PlatformAccount(ledger.AccountFee, "FeeRevenue")

	env.ApproveCharges(kobodTesting.Currency, fees.Rule{
		Kind:             fees.RuleFee,
		TxnType:          ledger.TxnP2P,
		FlatMinor:        50,
		PercentBP:        100,
		RevenueAccountID: revenue.ID,
	})

	rec := env.MustPost(kobodTesting.Transfer("k1", alice, bob, 10000))
	assert.Equal(t, money.Amount(150), rec.Fee)

	// DR alice 10000, CR bob 10000, DR alice 150, CR revenue 150.
	lines := env.Lines(rec.JournalID)
	require.Len(t, lines, 4)
	kobodTesting.RequireBalancedLines(t, lines)

	kobodTesting.RequireBalance(t, env, alice.ID, 9850)
	kobodTesting.RequireBalance(t, env, bob.ID, 10000)
	kobodTesting.RequireBalance(t, env, revenue.ID, 150)
}

// TestFeeSpliceFundsCheckCoversCharge rejects a transfer whose principal
// fits the balance but whose fee does not.
func TestFeeSpliceFundsCheckCoversCharge(t *testing.T) {
	env := kobodTesting.NewTestEnv(t)
	alice := env.Customer("alice", 10000)
	bob := env.Customer("bob", 0)
	revenue := env.PlatformAccount(ledger.AccountFee, "FeeRevenue")

	env.ApproveCharges(kobodTesting.Currency, fees.Rule{
		Kind:             fees.RuleFee,
		TxnType:          ledger.TxnP2P,
		FlatMinor:        50,
		PercentBP:        100,
		RevenueAccountID: revenue.ID,
	})

	_, err := env.Post(kobodTesting.Transfer("k1", alice, bob, 10000))
	kobodTesting.RequirePostKind(t, err, posting.KindInsufficientFunds)
	kobodTesting.RequireBalance(t, env, alice.ID, 10000)
	assert.Equal(t, 0, env.Store.JournalCount())
}

// TestReversal mirrors a posted journal, flips it to REVERSED and refuses
// to reverse it twice.
func TestReversal(t *testing.T) {
	env := kobodTesting.NewTestEnv(t)
	a := env.Customer("a", 5000)
	b := env.Customer("b", 0)

	first := env.MustPost(kobodTesting.Transfer("k1", a, b, 1000))

	counter, err := env.Reverse(first.JournalID, "customer dispute")
	require.NoError(t, err)
	assert.Equal(t, first.JournalID, counter.ReversalOf)
	assert.Equal(t, ledger.TxnReversal, counter.TxnType)

	// The counter-journal carries the original lines with sides swapped.
	lines := env.Lines(counter.JournalID)
	require.Len(t, lines, 2)
	for _, l := range lines {
		switch l.AccountID {
		case a.ID:
			assert.Equal(t, money.Credit, l.Side)
		case b.ID:
			assert.Equal(t, money.Debit, l.Side)
		default:
			t.Fatalf("unexpected account %s in reversal lines", l.AccountID)
		}
		assert.Equal(t, money.Amount(1000), l.Amount)
	}

	kobodTesting.RequireBalance(t, env, a.ID, 5000)
	kobodTesting.RequireBalance(t, env, b.ID, 0)

	original := env.Journal(first.JournalID)
	assert.Equal(t, ledger.JournalReversed, original.State)
	assert.Equal(t, counter.JournalID, original.ReversedBy)
	kobodTesting.RequireEventCount(t, env, "REVERSAL_POSTED", 1)

	_, err = env.Reverse(first.JournalID, "again")
	kobodTesting.RequirePostKind(t, err, posting.KindStateConflict)
	assert.Equal(t, 2, env.Store.JournalCount())
}

// TestReversalMirrorsFees reverses a fee-laden journal and restores every
// touched account, revenue included.
func TestReversalMirrorsFees(t *testing.T) {
	env := kobodTesting.NewTestEnv(t)
	alice := env.Customer("alice", 20000)
	bob := env.Customer("bob", 0)
	revenue := env.PlatformAccount(ledger.AccountFee, "FeeRevenue")

	env.ApproveCharges(kobodTesting.Currency, fees.Rule{
		Kind:             fees.RuleFee,
		TxnType:          ledger.TxnP2P,
		FlatMinor:        50,
		PercentBP:        100,
		RevenueAccountID: revenue.ID,
	})

	rec := env.MustPost(kobodTesting.Transfer("k1", alice, bob, 10000))

	counter, err := env.Reverse(rec.JournalID, "")
	require.NoError(t, err)
	require.Len(t, env.Lines(counter.JournalID), 4)
	// No fresh charge on the counter-journal, it mirrors the original.
	assert.Equal(t, money.Amount(0), counter.Fee)

	kobodTesting.RequireBalance(t, env, alice.ID, 20000)
	kobodTesting.RequireBalance(t, env, bob.ID, 0)
	kobodTesting.RequireBalance(t, env, revenue.ID, 0)
}

// TestVerifyNamesTamperedJournal mutates a stored line amount behind the
// engine's back and expects verification to point at the journal.
func TestVerifyNamesTamperedJournal(t *testing.T) {
	env := kobodTesting.NewTestEnv(t)
	alice := env.Customer("alice", 10000)
	bob := env.Customer("bob", 0)

	doctored := env.MustPost(kobodTesting.Transfer("k1", alice, bob, 1000))
	env.MustPost(kobodTesting.Transfer("k2", alice, bob, 2000))
	kobodTesting.RequireChainOK(t, env.VerifyChain())

	require.NoError(t, env.Store.TamperLine(doctored.JournalID, 1, 999))

	res := env.VerifyChain()
	assert.False(t, res.OK)
	require.NotEmpty(t, res.Errors)
	assert.Contains(t, res.Errors[0], "hash mismatch at journal "+doctored.JournalID)
}
