package httpapi

import (
	"context"
	"fmt"
	"net/http"

	"github.com/kobopay/kobod/internal/core/ledger"
	"github.com/kobopay/kobod/internal/core/money"
	"github.com/kobopay/kobod/internal/core/posting"
)

// handleP2P moves value between two customer wallets. When the sender has
// a stored PIN hash the pin field must verify against it.
func (s *Server) handleP2P(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req p2pRequest
	if err := s.decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	sender, err := s.customer(ctx, req.SenderMSISDN, "sender")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.verifyPIN(sender, req.PIN); err != nil {
		s.writeError(w, r, err)
		return
	}
	receiver, err := s.customer(ctx, req.ReceiverMSISDN, "receiver")
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	senderWallet, err := s.walletOf(ctx, sender, req.Currency)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	receiverWallet, err := s.walletOf(ctx, receiver, req.Currency)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	receipt, err := s.posting.Post(ctx, posting.Command{
		IdempotencyKey:    req.IdempotencyKey,
		CorrelationID:     CorrelationID(ctx),
		TxnType:           ledger.TxnP2P,
		Currency:          req.Currency,
		ActorType:         ledger.ActorCustomer,
		ActorID:           sender.ID,
		FeePayerAccountID: senderWallet.ID,
		Entries: []posting.Entry{
			{AccountID: senderWallet.ID, Side: money.Debit, Amount: amount},
			{AccountID: receiverWallet.ID, Side: money.Credit, Amount: amount},
		},
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newPostingResponse(receipt))
}

// handleB2B transfers between two store wallets.
func (s *Server) handleB2B(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req b2bRequest
	if err := s.decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	sender, err := s.storeByCode(ctx, req.SenderStoreCode, "sender")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	receiver, err := s.storeByCode(ctx, req.ReceiverStoreCode, "receiver")
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	senderWallet, err := s.walletOf(ctx, sender, req.Currency)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	receiverWallet, err := s.walletOf(ctx, receiver, req.Currency)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	receipt, err := s.posting.Post(ctx, posting.Command{
		IdempotencyKey:    req.IdempotencyKey,
		CorrelationID:     CorrelationID(ctx),
		TxnType:           ledger.TxnB2B,
		Currency:          req.Currency,
		ActorType:         ledger.ActorMerchant,
		ActorID:           sender.ID,
		FeePayerAccountID: senderWallet.ID,
		Entries: []posting.Entry{
			{AccountID: senderWallet.ID, Side: money.Debit, Amount: amount},
			{AccountID: receiverWallet.ID, Side: money.Credit, Amount: amount},
		},
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newPostingResponse(receipt))
}

// handleMerchantPayment debits a customer wallet into a store wallet.
func (s *Server) handleMerchantPayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req merchantPaymentRequest
	if err := s.decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	customer, err := s.customer(ctx, req.CustomerMSISDN, "customer")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	store, err := s.storeByCode(ctx, req.StoreCode, "store")
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	customerWallet, err := s.walletOf(ctx, customer, req.Currency)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	storeWallet, err := s.walletOf(ctx, store, req.Currency)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	receipt, err := s.posting.Post(ctx, posting.Command{
		IdempotencyKey:    req.IdempotencyKey,
		CorrelationID:     CorrelationID(ctx),
		TxnType:           ledger.TxnMerchantPayment,
		Currency:          req.Currency,
		ActorType:         ledger.ActorCustomer,
		ActorID:           customer.ID,
		FeePayerAccountID: customerWallet.ID,
		Entries: []posting.Entry{
			{AccountID: customerWallet.ID, Side: money.Debit, Amount: amount},
			{AccountID: storeWallet.ID, Side: money.Credit, Amount: amount},
		},
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newPostingResponse(receipt))
}

// customer resolves an MSISDN to a CUSTOMER actor.
func (s *Server) customer(ctx context.Context, msisdn, role string) (*ledger.Actor, error) {
	actor, err := s.dir.ActorByMSISDN(ctx, ledger.ActorCustomer, msisdn)
	if err != nil {
		return nil, err
	}
	if actor == nil {
		return nil, notFound(fmt.Sprintf("%s: no customer with msisdn %s", role, msisdn))
	}
	return actor, nil
}

// storeByCode resolves a store code to a MERCHANT actor.
func (s *Server) storeByCode(ctx context.Context, code, role string) (*ledger.Actor, error) {
	actor, err := s.dir.ActorByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	if actor == nil || actor.Type != ledger.ActorMerchant {
		return nil, notFound(fmt.Sprintf("%s: no store with code %s", role, code))
	}
	return actor, nil
}

// walletOf finds the actor's wallet in the given currency.
func (s *Server) walletOf(ctx context.Context, actor *ledger.Actor, currency string) (*ledger.LedgerAccount, error) {
	acct, err := s.dir.AccountByOwner(ctx, actor.ID, ledger.AccountWallet, currency)
	if err != nil {
		return nil, err
	}
	if acct == nil {
		return nil, notFound(fmt.Sprintf("actor %s has no %s wallet", actor.ID, currency))
	}
	return acct, nil
}

// verifyPIN checks the optional pin against the sender's stored hash. An
// actor with no stored hash skips verification; portals own that flow.
func (s *Server) verifyPIN(actor *ledger.Actor, pinCode string) error {
	if s.pin == nil || actor.PINHash == "" {
		return nil
	}
	if pinCode == "" {
		return forbidden("pin required")
	}
	if err := s.pin.Verify(pinCode, actor.PINHash); err != nil {
		return err
	}
	return nil
}
