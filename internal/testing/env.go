package testing

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/kobopay/kobod/internal/core/approval"
	"github.com/kobopay/kobod/internal/core/fees"
	"github.com/kobopay/kobod/internal/core/ledger"
	"github.com/kobopay/kobod/internal/core/ledger/chain"
	"github.com/kobopay/kobod/internal/core/money"
	"github.com/kobopay/kobod/internal/core/posting"
	"github.com/kobopay/kobod/internal/events"
	"github.com/kobopay/kobod/internal/handlers"
	"github.com/kobopay/kobod/internal/storage/memory"
)

// Currency is the default currency for seeded accounts.
const Currency = "BBD"

// PlatformActorID is the SYSTEM actor every TestEnv seeds at construction.
// Platform-side accounts (fee revenue, suspense, bank mirrors) hang off it.
const PlatformActorID = "platform"

// TestEnv wires the posting and approval engines over the in-memory store,
// sharing one ManualClock. Setup helpers fail the test on error, so
// scenarios read as straight-line scripts; the action under test goes
// through Post or the engines directly and returns its error for the test
// to assert on.
type TestEnv struct {
	t   *testing.T
	ctx context.Context

	Store     *memory.Store
	Clock     *ManualClock
	Posting   *posting.Engine
	Approvals *approval.Engine
	Registry  *approval.Registry

	feeVersions int
}

// NewTestEnv builds an environment with a charge resolver, a posting engine
// and an approval engine over a fresh store. The charge matrix starts
// empty, so postings resolve to zero charges until ApproveCharges runs.
func NewTestEnv(t *testing.T) *TestEnv {
	t.Helper()

	clock := NewManualClock()
	store := memory.NewStore()
	store.Now = clock.Now

	resolver, err := fees.NewResolver(store, fees.ResolverConfig{Clock: clock.Now})
	if err != nil {
		t.Fatalf("build charge resolver: %v", err)
	}
	registry := approval.NewRegistry()

	env := &TestEnv{
		t:         t,
		ctx:       context.Background(),
		Store:     store,
		Clock:     clock,
		Posting:   posting.NewEngine(store, resolver, nil, posting.Config{Clock: clock.Now}),
		Approvals: approval.NewEngine(store.Approvals(), registry, approval.Config{Clock: clock.Now}),
		Registry:  registry,
	}
	store.AddActor(ledger.Actor{ID: PlatformActorID, Type: ledger.ActorSystem, State: ledger.ActorActive})
	return env
}

// Context returns the context env helpers run under.
func (e *TestEnv) Context() context.Context { return e.ctx }

// Now returns the current test time.
func (e *TestEnv) Now() time.Time { return e.Clock.Now() }

// AdvanceTime moves the shared clock forward.
func (e *TestEnv) AdvanceTime(d time.Duration) { e.Clock.Advance(d) }

// SetTime pins the shared clock.
func (e *TestEnv) SetTime(ts time.Time) { e.Clock.Set(ts) }

// Customer seeds an ACTIVE, KYC-verified customer named name with one
// wallet in the default currency and returns the wallet. The wallet id is
// "W_" + name.
func (e *TestEnv) Customer(name string, opening money.Amount) ledger.LedgerAccount {
	e.t.Helper()
	return e.CustomerIn(name, Currency, opening)
}

// CustomerIn is Customer with an explicit currency. Wallets outside the
// default currency get the currency suffixed onto the id.
func (e *TestEnv) CustomerIn(name, currency string, opening money.Amount) ledger.LedgerAccount {
	e.t.Helper()
	actorID := "cust-" + name
	e.Store.AddActor(ledger.Actor{
		ID:       actorID,
		Type:     ledger.ActorCustomer,
		State:    ledger.ActorActive,
		KYCState: ledger.KYCVerified,
	})
	id := "W_" + name
	if currency != Currency {
		id += "_" + currency
	}
	return e.account(actorID, ledger.ActorCustomer, ledger.AccountWallet, currency, id, opening)
}

// Merchant seeds an ACTIVE merchant with one wallet, id "M_" + name.
func (e *TestEnv) Merchant(name string, opening money.Amount) ledger.LedgerAccount {
	e.t.Helper()
	actorID := "merch-" + name
	e.Store.AddActor(ledger.Actor{
		ID:       actorID,
		Type:     ledger.ActorMerchant,
		State:    ledger.ActorActive,
		KYCState: ledger.KYCVerified,
	})
	return e.account(actorID, ledger.ActorMerchant, ledger.AccountWallet, Currency, "M_"+name, opening)
}

// Staff seeds an ACTIVE staff actor carrying the given approval role.
func (e *TestEnv) Staff(id, role string) {
	e.t.Helper()
	e.Store.AddActor(ledger.Actor{ID: id, Type: ledger.ActorStaff, State: ledger.ActorActive, Role: role})
}

// PlatformAccount seeds a platform-owned account of the given type in the
// default currency. Negative-balance permission follows the type default,
// so fee, suspense and mirror accounts absorb outflows without funding.
func (e *TestEnv) PlatformAccount(typ ledger.AccountType, id string) ledger.LedgerAccount {
	e.t.Helper()
	return e.account(PlatformActorID, ledger.ActorSystem, typ, Currency, id, 0)
}

func (e *TestEnv) account(ownerID string, ownerType ledger.ActorType, typ ledger.AccountType, currency, id string, opening money.Amount) ledger.LedgerAccount {
	e.t.Helper()
	acct := ledger.LedgerAccount{
		ID:            id,
		OwnerType:     ownerType,
		OwnerID:       ownerID,
		Type:          typ,
		Currency:      currency,
		AllowNegative: typ.DefaultAllowNegative(),
		CreatedAt:     e.Clock.Now(),
	}
	e.Store.AddAccount(acct, opening)
	return acct
}

// ApproveCharges publishes an APPROVED matrix version effective now,
// attaches the rules to it and returns the version id. Rule ids, version
// ids and the currency are filled in when left empty. Later calls publish
// higher versions, which win active-version selection on an equal
// effective-from.
func (e *TestEnv) ApproveCharges(currency string, rules ...fees.Rule) string {
	e.t.Helper()
	e.feeVersions++
	id := fmt.Sprintf("matrix-%d", e.feeVersions)
	e.Store.AddFeeVersion(fees.MatrixVersion{
		ID:            id,
		Name:          "charges " + id,
		Currency:      currency,
		State:         fees.VersionApproved,
		Version:       e.feeVersions,
		EffectiveFrom: e.Clock.Now(),
	})
	for i, r := range rules {
		if r.ID == "" {
			r.ID = fmt.Sprintf("%s-rule-%d", id, i+1)
		}
		r.VersionID = id
		if r.Currency == "" {
			r.Currency = currency
		}
		e.Store.AddFeeRule(r)
	}
	return id
}

// Transfer builds the canonical two-line wallet-to-wallet P2P command. The
// debited wallet's owner is the initiating actor.
func Transfer(key string, from, to ledger.LedgerAccount, amount money.Amount) posting.Command {
	return posting.Command{
		IdempotencyKey: key,
		TxnType:        ledger.TxnP2P,
		Currency:       from.Currency,
		ActorType:      from.OwnerType,
		ActorID:        from.OwnerID,
		Entries: []posting.Entry{
			{AccountID: from.ID, Side: money.Debit, Amount: amount},
			{AccountID: to.ID, Side: money.Credit, Amount: amount},
		},
	}
}

// Post submits one command and returns the engine's verdict for the test
// to assert on.
func (e *TestEnv) Post(cmd posting.Command) (*posting.Receipt, error) {
	return e.Posting.Post(e.ctx, cmd)
}

// MustPost submits a command the test expects to succeed.
func (e *TestEnv) MustPost(cmd posting.Command) *posting.Receipt {
	e.t.Helper()
	rec, err := e.Posting.Post(e.ctx, cmd)
	if err != nil {
		e.t.Fatalf("post %s key=%s: %v", cmd.TxnType, cmd.IdempotencyKey, err)
	}
	return rec
}

// Reverse counter-posts a journal as the platform actor.
func (e *TestEnv) Reverse(journalID, reason string) (*posting.Receipt, error) {
	return e.Posting.Reverse(e.ctx, journalID, reason, ledger.ActorSystem, PlatformActorID, "")
}

// Balance returns an account's actual balance, failing the test when the
// account does not exist.
func (e *TestEnv) Balance(accountID string) money.Amount {
	e.t.Helper()
	return e.balanceRow(accountID).Actual
}

// Available returns an account's available balance.
func (e *TestEnv) Available(accountID string) money.Amount {
	e.t.Helper()
	return e.balanceRow(accountID).Available
}

func (e *TestEnv) balanceRow(accountID string) ledger.AccountBalance {
	e.t.Helper()
	b, err := e.Store.BalanceOf(e.ctx, accountID)
	if err != nil {
		e.t.Fatalf("balance of %s: %v", accountID, err)
	}
	if b == nil {
		e.t.Fatalf("account %s has no balance row", accountID)
	}
	return *b
}

// Journal loads a journal row, failing the test when it does not exist.
func (e *TestEnv) Journal(id string) ledger.Journal {
	e.t.Helper()
	j, err := e.Store.JournalByID(e.ctx, id)
	if err != nil {
		e.t.Fatalf("journal %s: %v", id, err)
	}
	if j == nil {
		e.t.Fatalf("journal %s not found", id)
	}
	return *j
}

// Lines loads a journal's lines in line order.
func (e *TestEnv) Lines(journalID string) []ledger.Line {
	e.t.Helper()
	lines, err := e.Store.LinesOf(e.ctx, journalID)
	if err != nil {
		e.t.Fatalf("lines of %s: %v", journalID, err)
	}
	return lines
}

// Events returns outbox events bearing the given name, oldest first. An
// empty name returns the whole outbox.
func (e *TestEnv) Events(name string) []*events.Event {
	e.t.Helper()
	evs, err := e.Store.After(e.ctx, "", 1000)
	if err != nil {
		e.t.Fatalf("read outbox: %v", err)
	}
	if name == "" {
		return evs
	}
	var out []*events.Event
	for _, ev := range evs {
		if ev.Name == name {
			out = append(out, ev)
		}
	}
	return out
}

// VerifyChain walks every currency chain over the full history.
func (e *TestEnv) VerifyChain() chain.Result {
	e.t.Helper()
	res, err := chain.NewVerifier(e.Store).Verify(e.ctx, time.Time{}, time.Time{})
	if err != nil {
		e.t.Fatalf("verify chain: %v", err)
	}
	return res
}

// WireHandlers registers the production approval handlers against this
// environment, so an APPROVED request posts its journal through the same
// engine the tests observe.
func (e *TestEnv) WireHandlers() {
	e.t.Helper()
	handlers.Set{
		Poster:          e.Posting,
		Directory:       e.Store,
		Overdrafts:      e.Store,
		PlatformActorID: PlatformActorID,
		Clock:           e.Clock.Now,
	}.RegisterAll(e.Registry)
}
