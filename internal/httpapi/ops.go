package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/kobopay/kobod/internal/core/ledger"
	"github.com/kobopay/kobod/internal/core/ledger/chain"
	"github.com/kobopay/kobod/internal/core/money"
	"github.com/kobopay/kobod/internal/core/posting"
)

// handleBalance reads one account balance by owner. account_type defaults
// to WALLET; agents pass CASH_FLOAT to see their float.
func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	ownerType, err := parseActorType(q.Get("owner_type"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ownerID := q.Get("owner_id")
	if ownerID == "" {
		s.writeError(w, r, badRequest("owner_id is required"))
		return
	}
	currency := q.Get("currency")
	if currency == "" {
		s.writeError(w, r, badRequest("currency is required"))
		return
	}
	accountType := ledger.AccountWallet
	if raw := q.Get("account_type"); raw != "" {
		accountType, err = parseAccountType(raw)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
	}

	acct, err := s.dir.AccountByOwner(ctx, ownerID, accountType, currency)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if acct == nil || acct.OwnerType != ownerType {
		s.writeError(w, r, notFound("no such account"))
		return
	}
	bal, err := s.dir.BalanceOf(ctx, acct.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if bal == nil {
		s.writeError(w, r, notFound("no balance row for account "+acct.ID))
		return
	}

	writeJSON(w, http.StatusOK, balanceResponse{
		AccountID:      acct.ID,
		Currency:       bal.Currency,
		Actual:         bal.Actual,
		Available:      bal.Available,
		Hold:           bal.Hold,
		PendingCredits: bal.PendingCredits,
	})
}

// handleJournal returns one journal with its lines.
func (s *Server) handleJournal(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")

	j, err := s.dir.JournalByID(ctx, id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if j == nil {
		s.writeError(w, r, notFound("no journal "+id))
		return
	}
	lines, err := s.dir.LinesOf(ctx, id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newJournalResponse(j, lines))
}

// handleVerify recomputes the hash chains over [from, to], optionally
// restricted to one currency.
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	var from, to time.Time
	var err error
	if raw := q.Get("from"); raw != "" {
		from, err = time.Parse(time.RFC3339, raw)
		if err != nil {
			s.writeError(w, r, badRequest("from: not RFC3339: "+raw))
			return
		}
	}
	to = time.Now().UTC()
	if raw := q.Get("to"); raw != "" {
		to, err = time.Parse(time.RFC3339, raw)
		if err != nil {
			s.writeError(w, r, badRequest("to: not RFC3339: "+raw))
			return
		}
	}

	var reader chain.Reader = s.dir
	if currency := q.Get("currency"); currency != "" {
		reader = scopedReader{Reader: s.dir, currency: currency}
	}

	result, err := chain.NewVerifier(reader).Verify(ctx, from, to)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// scopedReader restricts a chain walk to one currency.
type scopedReader struct {
	chain.Reader
	currency string
}

func (r scopedReader) ChainCurrencies(context.Context) ([]string, error) {
	return []string{r.currency}, nil
}

// handleTrialBalance sums signed balances per account type for one
// currency. The grand total is zero whenever the books balance.
func (s *Server) handleTrialBalance(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	currency := r.URL.Query().Get("currency")
	if currency == "" {
		s.writeError(w, r, badRequest("currency is required"))
		return
	}

	balances, err := s.dir.AllBalances(ctx, currency)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	byType := make(map[string]money.Amount)
	var total money.Amount
	for _, b := range balances {
		acct, err := s.dir.AccountByID(ctx, b.AccountID)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		typ := "UNKNOWN"
		if acct != nil {
			typ = string(acct.Type)
		}
		byType[typ] += b.Actual
		total += b.Actual
	}

	writeJSON(w, http.StatusOK, trialBalanceResponse{
		Currency:    currency,
		ByTypeMinor: byType,
		TotalMinor:  total,
		Balanced:    total == 0,
		Accounts:    len(balances),
	})
}

// handleHealth reports storage liveness and the chain head per currency.
// Currencies are collected before the transaction; the SQLite store runs
// with a single connection and nested queries would stall it.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	storage := "ok"
	if s.pinger != nil {
		if err := s.pinger.Ping(ctx); err != nil {
			storage = "error: " + err.Error()
		}
	}

	var chains []chainHeadView
	if storage == "ok" && s.store != nil {
		currencies, err := s.dir.ChainCurrencies(ctx)
		if err != nil {
			storage = "error: " + err.Error()
		} else {
			err = s.store.RunAtomic(ctx, func(tx posting.Tx) error {
				for _, c := range currencies {
					head, err := tx.ChainHead(ctx, c)
					if err != nil {
						return err
					}
					chains = append(chains, chainHeadView{
						Currency:      head.Currency,
						ChainSeq:      head.ChainSeq,
						LastJournalID: head.LastJournalID,
						UpdatedAt:     head.UpdatedAt,
					})
				}
				return nil
			})
			if err != nil {
				storage = "error: " + err.Error()
			}
		}
	}

	status := "ok"
	code := http.StatusOK
	if storage != "ok" {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, healthResponse{Status: status, Storage: storage, Chains: chains})
}

func parseActorType(raw string) (ledger.ActorType, error) {
	t := ledger.ActorType(raw)
	switch t {
	case ledger.ActorCustomer, ledger.ActorAgent, ledger.ActorMerchant, ledger.ActorStaff, ledger.ActorSystem:
		return t, nil
	}
	return "", badRequest("owner_type: unknown value " + raw)
}

func parseAccountType(raw string) (ledger.AccountType, error) {
	t := ledger.AccountType(raw)
	switch t {
	case ledger.AccountWallet, ledger.AccountCashFloat, ledger.AccountFee,
		ledger.AccountCommission, ledger.AccountSuspense, ledger.AccountBankMirror:
		return t, nil
	}
	return "", badRequest("account_type: unknown value " + raw)
}
