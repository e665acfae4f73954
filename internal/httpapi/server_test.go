package httpapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/kobopay/kobod/internal/core/approval"
	"github.com/kobopay/kobod/internal/core/ledger"
	"github.com/kobopay/kobod/internal/core/money"
	"github.com/kobopay/kobod/internal/core/posting"
	"github.com/kobopay/kobod/internal/handlers"
	"github.com/kobopay/kobod/internal/httpapi"
	"github.com/kobopay/kobod/internal/pin"
	"github.com/kobopay/kobod/internal/storage/memory"
)

// cheapPin keeps argon2 fast in tests.
var cheapPin = pin.Params{Memory: 8 * 1024, Iterations: 1, Parallelism: 1, SaltLength: 16, KeyLength: 32}

type overdraftAdapter struct{ s *memory.Store }

func (a overdraftAdapter) SaveOverdraft(_ context.Context, o ledger.OverdraftFacility) error {
	a.s.AddOverdraft(o)
	return nil
}

type fixture struct {
	t      *testing.T
	store  *memory.Store
	engine *posting.Engine
	hasher *pin.Hasher
	srv    *httpapi.Server
}

func newFixture(t *testing.T) *fixture {
	return newFixtureWithHub(t, nil)
}

func newFixtureWithHub(t *testing.T, hub *httpapi.StreamHub) *fixture {
	t.Helper()
	store := memory.NewStore()
	engine := posting.NewEngine(store, nil, nil, posting.Config{})
	reg := approval.NewRegistry()
	approvals := approval.NewEngine(store.Approvals(), reg, approval.Config{})

	set := handlers.Set{
		Poster:          engine,
		Directory:       store,
		Overdrafts:      overdraftAdapter{store},
		PlatformActorID: "platform",
	}
	set.RegisterAll(reg)

	hasher := pin.NewHasher("test-pepper", cheapPin)
	srv := httpapi.NewServer(httpapi.Config{
		Poster:    engine,
		Approvals: approvals,
		Directory: store,
		Store:     store,
		Handlers:  set,
		PIN:       hasher,
		Hub:       hub,
		Logger:    zaptest.NewLogger(t),
	})
	return &fixture{t: t, store: store, engine: engine, hasher: hasher, srv: srv}
}

func (f *fixture) do(method, path string, body any) *httptest.ResponseRecorder {
	f.t.Helper()
	var rdr io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(f.t, err)
		rdr = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, rdr)
	w := httptest.NewRecorder()
	f.srv.ServeHTTP(w, req)
	return w
}

func (f *fixture) decode(w *httptest.ResponseRecorder, dst any) {
	f.t.Helper()
	require.NoError(f.t, json.Unmarshal(w.Body.Bytes(), dst))
}

func (f *fixture) errorKind(w *httptest.ResponseRecorder) string {
	f.t.Helper()
	var body struct {
		Error struct {
			Kind          string `json:"kind"`
			CorrelationID string `json:"correlation_id"`
		} `json:"error"`
	}
	f.decode(w, &body)
	assert.NotEmpty(f.t, body.Error.CorrelationID)
	return body.Error.Kind
}

func (f *fixture) seedCustomer(id, msisdn string, opening money.Amount) {
	f.store.AddActor(ledger.Actor{ID: id, Type: ledger.ActorCustomer, State: ledger.ActorActive, MSISDN: msisdn})
	f.store.AddAccount(ledger.LedgerAccount{
		ID: "W-" + id, OwnerID: id, OwnerType: ledger.ActorCustomer,
		Type: ledger.AccountWallet, Currency: "BBD",
	}, opening)
}

func (f *fixture) seedStore(id, code string, opening money.Amount) {
	f.store.AddActor(ledger.Actor{ID: id, Type: ledger.ActorMerchant, State: ledger.ActorActive, Code: code})
	f.store.AddAccount(ledger.LedgerAccount{
		ID: "W-" + id, OwnerID: id, OwnerType: ledger.ActorMerchant,
		Type: ledger.AccountWallet, Currency: "BBD",
	}, opening)
}

func (f *fixture) seedStaff(id, role string) {
	f.store.AddActor(ledger.Actor{ID: id, Type: ledger.ActorStaff, State: ledger.ActorActive, Role: role})
}

func (f *fixture) seedPlatform() {
	f.store.AddActor(ledger.Actor{ID: "platform", Type: ledger.ActorSystem, State: ledger.ActorActive})
	f.store.AddAccount(ledger.LedgerAccount{
		ID: "SUSP-BBD", OwnerID: "platform", OwnerType: ledger.ActorSystem,
		Type: ledger.AccountSuspense, Currency: "BBD", AllowNegative: true,
	}, 0)
}

func (f *fixture) seedAgent(id, code string, opening money.Amount) {
	f.store.AddActor(ledger.Actor{ID: id, Type: ledger.ActorAgent, State: ledger.ActorActive, Code: code})
	f.store.AddAccount(ledger.LedgerAccount{
		ID: "F-" + id, OwnerID: id, OwnerType: ledger.ActorAgent,
		Type: ledger.AccountCashFloat, Currency: "BBD",
	}, opening)
}

func (f *fixture) balanceMinor(ownerType, ownerID, accountType string) money.Amount {
	f.t.Helper()
	path := fmt.Sprintf("/balance?owner_type=%s&owner_id=%s&currency=BBD", ownerType, ownerID)
	if accountType != "" {
		path += "&account_type=" + accountType
	}
	w := f.do(http.MethodGet, path, nil)
	require.Equal(f.t, http.StatusOK, w.Code, w.Body.String())
	var body struct {
		Actual money.Amount `json:"actual"`
	}
	f.decode(w, &body)
	return body.Actual
}

func p2pBody(amount, key string) map[string]any {
	return map[string]any{
		"sender_msisdn":   "12465550001",
		"receiver_msisdn": "12465550002",
		"amount":          amount,
		"currency":        "BBD",
		"idempotency_key": key,
	}
}

func TestP2PTransfer(t *testing.T) {
	f := newFixture(t)
	f.seedCustomer("alice", "12465550001", 100_00)
	f.seedCustomer("bob", "12465550002", 0)

	w := f.do(http.MethodPost, "/tx/p2p", p2pBody("25.00", "k1"))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var resp struct {
		PostingID     string `json:"posting_id"`
		State         string `json:"state"`
		CorrelationID string `json:"correlation_id"`
	}
	f.decode(w, &resp)
	assert.NotEmpty(t, resp.PostingID)
	assert.Equal(t, "POSTED", resp.State)
	assert.NotEmpty(t, resp.CorrelationID)
	assert.Equal(t, resp.CorrelationID, w.Header().Get("X-Correlation-ID"))

	assert.Equal(t, money.Amount(75_00), f.balanceMinor("CUSTOMER", "alice", ""))
	assert.Equal(t, money.Amount(25_00), f.balanceMinor("CUSTOMER", "bob", ""))
}

func TestP2PReplayReturnsSameReceipt(t *testing.T) {
	f := newFixture(t)
	f.seedCustomer("alice", "12465550001", 100_00)
	f.seedCustomer("bob", "12465550002", 0)

	first := f.do(http.MethodPost, "/tx/p2p", p2pBody("25.00", "k1"))
	require.Equal(t, http.StatusCreated, first.Code)
	second := f.do(http.MethodPost, "/tx/p2p", p2pBody("25.00", "k1"))
	require.Equal(t, http.StatusCreated, second.Code)

	var a, b struct {
		PostingID string `json:"posting_id"`
	}
	f.decode(first, &a)
	f.decode(second, &b)
	assert.Equal(t, a.PostingID, b.PostingID)

	assert.Equal(t, 1, f.store.JournalCount())
	assert.Equal(t, money.Amount(75_00), f.balanceMinor("CUSTOMER", "alice", ""))
}

func TestP2PIdempotencyConflict(t *testing.T) {
	f := newFixture(t)
	f.seedCustomer("alice", "12465550001", 100_00)
	f.seedCustomer("bob", "12465550002", 0)

	require.Equal(t, http.StatusCreated, f.do(http.MethodPost, "/tx/p2p", p2pBody("25.00", "k1")).Code)
	w := f.do(http.MethodPost, "/tx/p2p", p2pBody("30.00", "k1"))
	require.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "IDEMPOTENCY_CONFLICT", f.errorKind(w))
}

func TestP2PInsufficientFunds(t *testing.T) {
	f := newFixture(t)
	f.seedCustomer("alice", "12465550001", 1_00)
	f.seedCustomer("bob", "12465550002", 0)

	w := f.do(http.MethodPost, "/tx/p2p", p2pBody("5.00", "k1"))
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, "INSUFFICIENT_FUNDS", f.errorKind(w))

	assert.Equal(t, 0, f.store.JournalCount())
	assert.Equal(t, money.Amount(1_00), f.balanceMinor("CUSTOMER", "alice", ""))
}

func TestP2PUnknownSender(t *testing.T) {
	f := newFixture(t)
	f.seedCustomer("bob", "12465550002", 0)

	w := f.do(http.MethodPost, "/tx/p2p", p2pBody("5.00", "k1"))
	require.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "NOT_FOUND", f.errorKind(w))
}

func TestP2PValidation(t *testing.T) {
	f := newFixture(t)
	f.seedCustomer("alice", "12465550001", 100_00)
	f.seedCustomer("bob", "12465550002", 0)

	cases := []struct {
		name   string
		mutate func(map[string]any)
	}{
		{"missing idempotency key", func(m map[string]any) { delete(m, "idempotency_key") }},
		{"lowercase currency", func(m map[string]any) { m["currency"] = "bbd" }},
		{"three fraction digits", func(m map[string]any) { m["amount"] = "1.005" }},
		{"negative amount", func(m map[string]any) { m["amount"] = "-5.00" }},
		{"non-numeric amount", func(m map[string]any) { m["amount"] = "five" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			body := p2pBody("5.00", "k-"+tc.name)
			tc.mutate(body)
			w := f.do(http.MethodPost, "/tx/p2p", body)
			require.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
			assert.Equal(t, "VALIDATION", f.errorKind(w))
		})
	}
	assert.Equal(t, 0, f.store.JournalCount())
}

func TestP2PMalformedJSON(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodPost, "/tx/p2p", bytes.NewBufferString(`{"amount":`))
	w := httptest.NewRecorder()
	f.srv.ServeHTTP(w, req)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "VALIDATION", f.errorKind(w))
}

func TestP2PPinVerification(t *testing.T) {
	f := newFixture(t)
	hash, err := f.hasher.Hash("4321")
	require.NoError(t, err)
	f.store.AddActor(ledger.Actor{
		ID: "alice", Type: ledger.ActorCustomer, State: ledger.ActorActive,
		MSISDN: "12465550001", PINHash: hash,
	})
	f.store.AddAccount(ledger.LedgerAccount{
		ID: "W-alice", OwnerID: "alice", OwnerType: ledger.ActorCustomer,
		Type: ledger.AccountWallet, Currency: "BBD",
	}, 100_00)
	f.seedCustomer("bob", "12465550002", 0)

	missing := p2pBody("5.00", "k1")
	w := f.do(http.MethodPost, "/tx/p2p", missing)
	require.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "AUTH", f.errorKind(w))

	wrong := p2pBody("5.00", "k1")
	wrong["pin"] = "0000"
	w = f.do(http.MethodPost, "/tx/p2p", wrong)
	require.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "AUTH", f.errorKind(w))
	assert.Equal(t, 0, f.store.JournalCount())

	right := p2pBody("5.00", "k1")
	right["pin"] = "4321"
	w = f.do(http.MethodPost, "/tx/p2p", right)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
}

func TestP2PPinIgnoredWithoutStoredHash(t *testing.T) {
	f := newFixture(t)
	f.seedCustomer("alice", "12465550001", 100_00)
	f.seedCustomer("bob", "12465550002", 0)

	body := p2pBody("5.00", "k1")
	body["pin"] = "9999"
	w := f.do(http.MethodPost, "/tx/p2p", body)
	require.Equal(t, http.StatusCreated, w.Code)
}

func TestB2BTransfer(t *testing.T) {
	f := newFixture(t)
	f.seedStore("store-a", "100001", 500_00)
	f.seedStore("store-b", "100002", 0)

	w := f.do(http.MethodPost, "/tx/b2b", map[string]any{
		"sender_store_code":   "100001",
		"receiver_store_code": "100002",
		"amount":              "120.50",
		"currency":            "BBD",
		"idempotency_key":     "b2b-1",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	assert.Equal(t, money.Amount(379_50), f.balanceMinor("MERCHANT", "store-a", ""))
	assert.Equal(t, money.Amount(120_50), f.balanceMinor("MERCHANT", "store-b", ""))
}

func TestB2BUnknownStore(t *testing.T) {
	f := newFixture(t)
	f.seedStore("store-a", "100001", 500_00)

	w := f.do(http.MethodPost, "/tx/b2b", map[string]any{
		"sender_store_code":   "100001",
		"receiver_store_code": "999999",
		"amount":              "10.00",
		"currency":            "BBD",
		"idempotency_key":     "b2b-2",
	})
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestB2BRejectsNonStoreCode(t *testing.T) {
	f := newFixture(t)
	f.seedStore("store-a", "100001", 500_00)
	f.seedAgent("agent-1", "200001", 0)

	w := f.do(http.MethodPost, "/tx/b2b", map[string]any{
		"sender_store_code":   "100001",
		"receiver_store_code": "200001",
		"amount":              "10.00",
		"currency":            "BBD",
		"idempotency_key":     "b2b-3",
	})
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestMerchantPayment(t *testing.T) {
	f := newFixture(t)
	f.seedCustomer("alice", "12465550001", 100_00)
	f.seedStore("store-a", "100001", 0)

	w := f.do(http.MethodPost, "/tx/merchant-payment", map[string]any{
		"customer_msisdn": "12465550001",
		"store_code":      "100001",
		"amount":          "42.00",
		"currency":        "BBD",
		"idempotency_key": "mp-1",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	assert.Equal(t, money.Amount(58_00), f.balanceMinor("CUSTOMER", "alice", ""))
	assert.Equal(t, money.Amount(42_00), f.balanceMinor("MERCHANT", "store-a", ""))
}

func TestBalanceEndpoint(t *testing.T) {
	f := newFixture(t)
	f.seedAgent("agent-1", "200001", 500_00)

	w := f.do(http.MethodGet, "/balance?owner_type=AGENT&owner_id=agent-1&currency=BBD&account_type=CASH_FLOAT", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		AccountID      string       `json:"account_id"`
		Actual         money.Amount `json:"actual"`
		Available      money.Amount `json:"available"`
		Hold           money.Amount `json:"hold"`
		PendingCredits money.Amount `json:"pending_credits"`
	}
	f.decode(w, &body)
	assert.Equal(t, "F-agent-1", body.AccountID)
	assert.Equal(t, money.Amount(500_00), body.Actual)

	w = f.do(http.MethodGet, "/balance?owner_type=CUSTOMER&owner_id=agent-1&currency=BBD&account_type=CASH_FLOAT", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(http.MethodGet, "/balance?owner_type=ALIEN&owner_id=x&currency=BBD", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(http.MethodGet, "/balance?owner_type=AGENT&owner_id=agent-1", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestJournalEndpoint(t *testing.T) {
	f := newFixture(t)
	f.seedCustomer("alice", "12465550001", 100_00)
	f.seedCustomer("bob", "12465550002", 0)

	post := f.do(http.MethodPost, "/tx/p2p", p2pBody("25.00", "k1"))
	require.Equal(t, http.StatusCreated, post.Code)
	var resp struct {
		PostingID string `json:"posting_id"`
	}
	f.decode(post, &resp)

	w := f.do(http.MethodGet, "/ops/ledger/journal/"+resp.PostingID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Journal struct {
			ID       string `json:"id"`
			TxnType  string `json:"txn_type"`
			Hash     string `json:"hash"`
			PrevHash string `json:"prev_hash"`
			ChainSeq int64  `json:"chain_seq"`
		} `json:"journal"`
		Lines []struct {
			AccountID   string       `json:"account_id"`
			Side        string       `json:"side"`
			AmountMinor money.Amount `json:"amount_minor"`
		} `json:"lines"`
	}
	f.decode(w, &body)
	assert.Equal(t, resp.PostingID, body.Journal.ID)
	assert.Equal(t, "P2P", body.Journal.TxnType)
	assert.NotEmpty(t, body.Journal.Hash)
	assert.Equal(t, int64(1), body.Journal.ChainSeq)
	require.Len(t, body.Lines, 2)

	missing := f.do(http.MethodGet, "/ops/ledger/journal/nope", nil)
	assert.Equal(t, http.StatusNotFound, missing.Code)
}

func TestVerifyEndpoint(t *testing.T) {
	f := newFixture(t)
	f.seedCustomer("alice", "12465550001", 100_00)
	f.seedCustomer("bob", "12465550002", 0)

	require.Equal(t, http.StatusCreated, f.do(http.MethodPost, "/tx/p2p", p2pBody("10.00", "k1")).Code)
	second := f.do(http.MethodPost, "/tx/p2p", p2pBody("5.00", "k2"))
	require.Equal(t, http.StatusCreated, second.Code)

	w := f.do(http.MethodGet, "/ops/ledger/verify", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var result struct {
		OK      bool     `json:"ok"`
		Checked int      `json:"checked"`
		Errors  []string `json:"errors"`
	}
	f.decode(w, &result)
	assert.True(t, result.OK)
	assert.Equal(t, 2, result.Checked)
	assert.Empty(t, result.Errors)

	var resp struct {
		PostingID string `json:"posting_id"`
	}
	f.decode(second, &resp)
	require.NoError(t, f.store.TamperLine(resp.PostingID, 1, 999_99))

	w = f.do(http.MethodGet, "/ops/ledger/verify", nil)
	require.Equal(t, http.StatusOK, w.Code)
	f.decode(w, &result)
	assert.False(t, result.OK)
	require.NotEmpty(t, result.Errors)
	assert.Contains(t, result.Errors[0], "hash mismatch at journal "+resp.PostingID)

	w = f.do(http.MethodGet, "/ops/ledger/verify?currency=USD", nil)
	require.Equal(t, http.StatusOK, w.Code)
	f.decode(w, &result)
	assert.True(t, result.OK)
	assert.Zero(t, result.Checked)

	bad := f.do(http.MethodGet, "/ops/ledger/verify?from=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, bad.Code)
}

func TestTrialBalanceEndpoint(t *testing.T) {
	f := newFixture(t)
	f.seedPlatform()
	f.seedCustomer("alice", "12465550001", 100_00)
	// Books balance when wallet liabilities are funded from suspense.
	f.store.AddAccount(ledger.LedgerAccount{
		ID: "SUSP-NEG", OwnerID: "platform", OwnerType: ledger.ActorSystem,
		Type: ledger.AccountSuspense, Currency: "BBD", AllowNegative: true,
	}, -100_00)

	w := f.do(http.MethodGet, "/ops/ledger/trial-balance?currency=BBD", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Currency    string                  `json:"currency"`
		ByTypeMinor map[string]money.Amount `json:"by_type_minor"`
		TotalMinor  money.Amount            `json:"total_minor"`
		Balanced    bool                    `json:"balanced"`
		Accounts    int                     `json:"accounts"`
	}
	f.decode(w, &body)
	assert.Equal(t, "BBD", body.Currency)
	assert.Equal(t, money.Amount(100_00), body.ByTypeMinor["WALLET"])
	assert.Equal(t, money.Amount(-100_00), body.ByTypeMinor["SUSPENSE"])
	assert.Zero(t, body.TotalMinor)
	assert.True(t, body.Balanced)
	assert.Equal(t, 3, body.Accounts)

	missing := f.do(http.MethodGet, "/ops/ledger/trial-balance", nil)
	assert.Equal(t, http.StatusBadRequest, missing.Code)
}

func TestFloatTopUpDirect(t *testing.T) {
	f := newFixture(t)
	f.seedPlatform()
	f.seedAgent("agent-1", "200001", 500_00)
	f.seedStaff("staff-1", "TELLER")

	body := map[string]any{
		"agent_code":      "200001",
		"amount":          "300.00",
		"currency":        "BBD",
		"staff_id":        "staff-1",
		"reason":          "cash deposit",
		"reference":       "SLIP-42",
		"idempotency_key": "ft-1",
	}
	w := f.do(http.MethodPost, "/float/top-up", body)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var resp struct {
		PostingID          string       `json:"posting_id"`
		State              string       `json:"state"`
		AgentAccountID     string       `json:"agent_account_id"`
		BalanceBeforeMinor money.Amount `json:"balance_before_minor"`
		BalanceAfterMinor  money.Amount `json:"balance_after_minor"`
	}
	f.decode(w, &resp)
	assert.Equal(t, "POSTED", resp.State)
	assert.Equal(t, "F-agent-1", resp.AgentAccountID)
	assert.Equal(t, money.Amount(500_00), resp.BalanceBeforeMinor)
	assert.Equal(t, money.Amount(800_00), resp.BalanceAfterMinor)

	// Replay returns the same posting and the same derived balances.
	again := f.do(http.MethodPost, "/float/top-up", body)
	require.Equal(t, http.StatusCreated, again.Code)
	var replay struct {
		PostingID          string       `json:"posting_id"`
		BalanceBeforeMinor money.Amount `json:"balance_before_minor"`
		BalanceAfterMinor  money.Amount `json:"balance_after_minor"`
	}
	f.decode(again, &replay)
	assert.Equal(t, resp.PostingID, replay.PostingID)
	assert.Equal(t, resp.BalanceBeforeMinor, replay.BalanceBeforeMinor)
	assert.Equal(t, resp.BalanceAfterMinor, replay.BalanceAfterMinor)
	assert.Equal(t, 1, f.store.JournalCount())
}

func TestFloatUnknownStaff(t *testing.T) {
	f := newFixture(t)
	f.seedPlatform()
	f.seedAgent("agent-1", "200001", 500_00)

	w := f.do(http.MethodPost, "/float/top-up", map[string]any{
		"agent_code":      "200001",
		"amount":          "10.00",
		"currency":        "BBD",
		"staff_id":        "ghost",
		"idempotency_key": "ft-2",
	})
	require.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "UNKNOWN_STAFF", f.errorKind(w))
}

func TestFloatUnknownAgent(t *testing.T) {
	f := newFixture(t)
	f.seedPlatform()
	f.seedStaff("staff-1", "TELLER")

	w := f.do(http.MethodPost, "/float/top-up", map[string]any{
		"agent_code":      "999999",
		"amount":          "10.00",
		"currency":        "BBD",
		"staff_id":        "staff-1",
		"idempotency_key": "ft-3",
	})
	require.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "NOT_FOUND", f.errorKind(w))
}

func withdrawalPolicy() approval.ApprovalPolicy {
	return approval.ApprovalPolicy{
		ID:           "pol-wd",
		Name:         "supervise large float withdrawals",
		ApprovalType: approval.TypeFloatWithdrawal,
		Priority:     10,
		Version:      1,
		State:        approval.PolicyActive,
		Conditions: []approval.PolicyCondition{{
			PolicyID: "pol-wd",
			Field:    "amount_minor",
			Operator: approval.OpGT,
			Value:    json.RawMessage(`10000`),
		}},
		Stages: []approval.PolicyStage{{
			PolicyID:     "pol-wd",
			StageNo:      1,
			MinApprovals: 1,
			Roles:        []string{"SUPERVISOR"},
			ExcludeMaker: true,
		}},
	}
}

func TestFloatWithdrawalGatedByPolicy(t *testing.T) {
	f := newFixture(t)
	f.seedPlatform()
	f.seedAgent("agent-1", "200001", 500_00)
	f.seedStaff("staff-maker", "TELLER")
	f.seedStaff("staff-boss", "SUPERVISOR")
	f.store.AddPolicy(withdrawalPolicy())

	w := f.do(http.MethodPost, "/float/withdrawal", map[string]any{
		"agent_code":      "200001",
		"amount":          "200.00",
		"currency":        "BBD",
		"staff_id":        "staff-maker",
		"reason":          "cash pickup",
		"idempotency_key": "fw-1",
	})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	var pending struct {
		RequestID     string `json:"request_id"`
		State         string `json:"state"`
		CorrelationID string `json:"correlation_id"`
	}
	f.decode(w, &pending)
	assert.NotEmpty(t, pending.RequestID)
	assert.Equal(t, "PENDING", pending.State)

	// Nothing posted while the request waits.
	assert.Equal(t, 0, f.store.JournalCount())
	assert.Equal(t, money.Amount(500_00), f.balanceMinor("AGENT", "agent-1", "CASH_FLOAT"))

	// The maker may not approve their own request.
	deny := f.do(http.MethodPost, "/approvals/"+pending.RequestID+"/approve", map[string]any{
		"staff_id": "staff-maker",
	})
	require.Equal(t, http.StatusForbidden, deny.Code)
	assert.Equal(t, "NOT_ELIGIBLE", f.errorKind(deny))

	// A SUPERVISOR approval completes the single stage and executes.
	ok := f.do(http.MethodPost, "/approvals/"+pending.RequestID+"/approve", map[string]any{
		"staff_id": "staff-boss",
	})
	require.Equal(t, http.StatusOK, ok.Code, ok.Body.String())
	var decided struct {
		RequestID string `json:"request_id"`
		State     string `json:"state"`
	}
	f.decode(ok, &decided)
	assert.Equal(t, "APPROVED", decided.State)

	assert.Equal(t, 1, f.store.JournalCount())
	assert.Equal(t, money.Amount(300_00), f.balanceMinor("AGENT", "agent-1", "CASH_FLOAT"))

	// Inspection shows the decision trail.
	detail := f.do(http.MethodGet, "/approvals/"+pending.RequestID, nil)
	require.Equal(t, http.StatusOK, detail.Code)
	var body struct {
		Request struct {
			State string `json:"state"`
		} `json:"request"`
		Decisions []struct {
			Decision  string `json:"decision"`
			DeciderID string `json:"decider_id"`
		} `json:"decisions"`
	}
	f.decode(detail, &body)
	assert.Equal(t, "APPROVED", body.Request.State)
	require.Len(t, body.Decisions, 1)
	assert.Equal(t, "staff-boss", body.Decisions[0].DeciderID)

	// Deciding a terminal request conflicts.
	dup := f.do(http.MethodPost, "/approvals/"+pending.RequestID+"/approve", map[string]any{
		"staff_id": "staff-boss",
	})
	assert.Equal(t, http.StatusConflict, dup.Code)
}

func TestFloatWithdrawalBelowThresholdPostsDirectly(t *testing.T) {
	f := newFixture(t)
	f.seedPlatform()
	f.seedAgent("agent-1", "200001", 500_00)
	f.seedStaff("staff-1", "TELLER")
	f.store.AddPolicy(withdrawalPolicy())

	w := f.do(http.MethodPost, "/float/withdrawal", map[string]any{
		"agent_code":      "200001",
		"amount":          "50.00",
		"currency":        "BBD",
		"staff_id":        "staff-1",
		"idempotency_key": "fw-2",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var resp struct {
		BalanceBeforeMinor money.Amount `json:"balance_before_minor"`
		BalanceAfterMinor  money.Amount `json:"balance_after_minor"`
	}
	f.decode(w, &resp)
	assert.Equal(t, money.Amount(500_00), resp.BalanceBeforeMinor)
	assert.Equal(t, money.Amount(450_00), resp.BalanceAfterMinor)
}

func TestRejectRequiresReason(t *testing.T) {
	f := newFixture(t)
	f.seedPlatform()
	f.seedAgent("agent-1", "200001", 500_00)
	f.seedStaff("staff-maker", "TELLER")
	f.seedStaff("staff-boss", "SUPERVISOR")
	f.store.AddPolicy(withdrawalPolicy())

	w := f.do(http.MethodPost, "/float/withdrawal", map[string]any{
		"agent_code":      "200001",
		"amount":          "200.00",
		"currency":        "BBD",
		"staff_id":        "staff-maker",
		"idempotency_key": "fw-3",
	})
	require.Equal(t, http.StatusAccepted, w.Code)
	var pending struct {
		RequestID string `json:"request_id"`
	}
	f.decode(w, &pending)

	bare := f.do(http.MethodPost, "/approvals/"+pending.RequestID+"/reject", map[string]any{
		"staff_id": "staff-boss",
	})
	require.Equal(t, http.StatusBadRequest, bare.Code)

	w = f.do(http.MethodPost, "/approvals/"+pending.RequestID+"/reject", map[string]any{
		"staff_id": "staff-boss",
		"reason":   "unverified slip",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var decided struct {
		State string `json:"state"`
	}
	f.decode(w, &decided)
	assert.Equal(t, "REJECTED", decided.State)
	assert.Equal(t, 0, f.store.JournalCount())
}

func TestApprovalNotFound(t *testing.T) {
	f := newFixture(t)
	f.seedStaff("staff-boss", "SUPERVISOR")

	w := f.do(http.MethodPost, "/approvals/nope/approve", map[string]any{"staff_id": "staff-boss"})
	require.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(http.MethodGet, "/approvals/nope", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestHealthEndpoint(t *testing.T) {
	f := newFixture(t)
	f.seedCustomer("alice", "12465550001", 100_00)
	f.seedCustomer("bob", "12465550002", 0)

	w := f.do(http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Status  string `json:"status"`
		Storage string `json:"storage"`
		Chains  []struct {
			Currency string `json:"currency"`
			ChainSeq int64  `json:"chain_seq"`
		} `json:"chains"`
	}
	f.decode(w, &body)
	assert.Equal(t, "ok", body.Status)
	assert.Empty(t, body.Chains)

	require.Equal(t, http.StatusCreated, f.do(http.MethodPost, "/tx/p2p", p2pBody("5.00", "k1")).Code)

	w = f.do(http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	f.decode(w, &body)
	require.Len(t, body.Chains, 1)
	assert.Equal(t, "BBD", body.Chains[0].Currency)
	assert.Equal(t, int64(1), body.Chains[0].ChainSeq)
}

func TestCorrelationIDPropagation(t *testing.T) {
	f := newFixture(t)
	f.seedCustomer("alice", "12465550001", 100_00)
	f.seedCustomer("bob", "12465550002", 0)

	raw, err := json.Marshal(p2pBody("5.00", "k1"))
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/tx/p2p", bytes.NewReader(raw))
	req.Header.Set("X-Correlation-ID", "corr-supplied")
	w := httptest.NewRecorder()
	f.srv.ServeHTTP(w, req)

	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "corr-supplied", w.Header().Get("X-Correlation-ID"))
	var resp struct {
		CorrelationID string `json:"correlation_id"`
	}
	f.decode(w, &resp)
	assert.Equal(t, "corr-supplied", resp.CorrelationID)
}

func TestCORSPreflight(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodOptions, "/tx/p2p", nil)
	w := httptest.NewRecorder()
	f.srv.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}
