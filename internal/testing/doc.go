// Package testing provides the scenario-test harness for the ledger core.
//
// The package wires the posting engine, the charge resolver and the
// approval engine over the in-memory store with a hand-advanced clock, so
// scenario suites exercise the same code paths the daemon runs without a
// database or a broker.
//
// # Basic Usage
//
//	func TestTransfer(t *testing.T) {
//	    env := testing.NewTestEnv(t)
//
//	    alice := env.Customer("alice", 10000)
//	    bob := env.Customer("bob", 0)
//
//	    rec := env.MustPost(testing.Transfer("k1", alice, bob, 2500))
//
//	    testing.RequireBalance(t, env, alice.ID, 7500)
//	    testing.RequireBalance(t, env, bob.ID, 2500)
//	    testing.RequireBalancedLines(t, env.Lines(rec.JournalID))
//	}
//
// # TestEnv
//
// TestEnv seeds actors and accounts, publishes charge matrix versions and
// submits commands. Setup helpers fail the test on error; the action under
// test returns its error so the suite can assert on the taxonomy kind:
//
//	_, err := env.Post(testing.Transfer("k2", alice, bob, 999999))
//	testing.RequirePostKind(t, err, posting.KindInsufficientFunds)
//
// Approval flows run through env.Approvals; WireHandlers registers the
// production handlers so an APPROVED request posts its journal through the
// environment's own engine.
//
// # Clock Control
//
// The environment's ManualClock drives the store, both engines and the
// charge resolver:
//
//	env.AdvanceTime(48 * time.Hour)
//	env.SetTime(time.Date(2025, 8, 1, 0, 0, 0, 0, time.UTC))
//	env.Now()
//
// # Suites
//
// The transfer subpackage covers the posting scenarios: transfers, funds
// checks, fee splicing, reversals, idempotent replay, chain integrity and
// concurrent posting. The makerchecker subpackage covers multi-stage
// approval, maker exclusion and delegation windows.
package testing
