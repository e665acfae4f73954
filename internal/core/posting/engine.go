package posting

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kobopay/kobod/internal/core/fees"
	"github.com/kobopay/kobod/internal/core/idempotency"
	"github.com/kobopay/kobod/internal/core/ledger"
	"github.com/kobopay/kobod/internal/core/ledger/chain"
	"github.com/kobopay/kobod/internal/core/money"
	"github.com/kobopay/kobod/internal/events"
)

// ChargeResolver is the slice of the fee matrix the engine needs.
type ChargeResolver interface {
	Resolve(ctx context.Context, q fees.Query) (*fees.Resolution, error)
}

// Config tunes the engine.
type Config struct {
	// RetryLimit is how many times a lost CAS race is retried after the
	// first attempt.
	RetryLimit int
	// IdempotencyTTL is how long a committed receipt shields its key.
	IdempotencyTTL time.Duration
	// Clock overrides time.Now, for tests.
	Clock func() time.Time
	// Logger defaults to a nop logger.
	Logger *zap.Logger
}

const defaultRetryLimit = 5

// Engine posts balanced journals. One Engine serves all currencies; every
// mutation happens inside a single Store transaction.
type Engine struct {
	store   Store
	charges ChargeResolver
	replay  *idempotency.ReplayCache
	log     *zap.Logger
	clock   func() time.Time
	retries int
	ttl     time.Duration
}

// NewEngine wires an engine. charges may be nil (no matrix, no fees);
// replay may be nil (every lookup goes to the store).
func NewEngine(store Store, charges ChargeResolver, replay *idempotency.ReplayCache, cfg Config) *Engine {
	if cfg.RetryLimit <= 0 {
		cfg.RetryLimit = defaultRetryLimit
	}
	if cfg.IdempotencyTTL <= 0 {
		cfg.IdempotencyTTL = idempotency.DefaultTTL
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Engine{
		store:   store,
		charges: charges,
		replay:  replay,
		log:     cfg.Logger,
		clock:   cfg.Clock,
		retries: cfg.RetryLimit,
		ttl:     cfg.IdempotencyTTL,
	}
}

// Post applies one command: idempotency check, charge expansion, balance
// and state validation, journal insert, chained hash, CAS balance updates,
// outbox events and the idempotency record, all under one transaction.
// A lost CAS race retries the whole transaction up to the configured limit.
func (e *Engine) Post(ctx context.Context, cmd Command) (*Receipt, error) {
	const op = "post"

	if err := cmd.Validate(); err != nil {
		return nil, err
	}
	if cmd.CorrelationID == "" {
		cmd.CorrelationID = uuid.NewString()
	}
	effective := cmd.EffectiveDate
	if effective.IsZero() {
		effective = e.clock()
	}

	key := idempotency.NewKey(cmd.ActorID, string(cmd.TxnType), cmd.IdempotencyKey)
	payloadHash, err := cmd.PayloadHash()
	if err != nil {
		return nil, wrapError(KindInternal, op, err, "fingerprint command")
	}

	// Fast path: a cached receipt answers the retry without a transaction.
	if rec, err := e.replay.Get(ctx, key); err == nil {
		if err := rec.Check(payloadHash); err != nil {
			return nil, wrapError(KindIdempotencyConflict, op, err, "key "+cmd.IdempotencyKey)
		}
		return decodeReceipt(rec.ResultJSON)
	}

	expanded, resolution, err := e.expand(ctx, cmd, effective)
	if err != nil {
		return nil, err
	}

	var receipt *Receipt
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, wrapError(KindCancelled, op, err, "cancelled before commit")
		}

		receipt, err = e.attempt(ctx, cmd, key, payloadHash, effective, expanded, resolution)
		if err == nil {
			break
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, wrapError(KindCancelled, op, err, "cancelled before commit")
		}
		if !errors.Is(err, ErrStale) {
			return nil, err
		}
		if attempt >= e.retries {
			return nil, wrapError(KindRetryExhausted, op, err,
				fmt.Sprintf("gave up after %d attempts", attempt+1))
		}
		e.log.Debug("posting retry after stale state",
			zap.Int("attempt", attempt+1),
			zap.String("txn_type", string(cmd.TxnType)),
			zap.String("idempotency_key", cmd.IdempotencyKey))
	}

	e.replay.Put(ctx, idempotency.Record{
		ScopeHash:   key.ScopeHash,
		Key:         key.Key,
		PayloadHash: payloadHash,
		ResultJSON:  mustEncode(receipt),
		CreatedAt:   receipt.CreatedAt,
		ExpiresAt:   receipt.CreatedAt.Add(e.ttl),
	})

	e.log.Info("journal posted",
		zap.String("journal_id", receipt.JournalID),
		zap.String("txn_type", string(receipt.TxnType)),
		zap.String("currency", receipt.Currency),
		zap.Int64("total_minor", receipt.Total.Minor()),
		zap.String("correlation_id", receipt.CorrelationID))
	return receipt, nil
}

// Reverse posts the balancing counter-journal for a POSTED journal and
// flips the original to REVERSED in the same transaction. The idempotency
// key is derived from the journal id, so the operation is replayable.
func (e *Engine) Reverse(ctx context.Context, journalID, reason string, actorType ledger.ActorType, actorID, correlationID string) (*Receipt, error) {
	const op = "reverse"

	if journalID == "" {
		return nil, newError(KindValidation, op, "journal_id is required")
	}

	var original *ledger.Journal
	var lines []ledger.Line
	err := e.store.RunAtomic(ctx, func(tx Tx) error {
		var err error
		original, err = tx.Journal(ctx, journalID)
		if err != nil {
			return storageErr(op, err)
		}
		if original == nil {
			return nil
		}
		lines, err = tx.JournalLines(ctx, journalID)
		return storageErr(op, err)
	})
	if err != nil {
		return nil, err
	}
	if original == nil {
		return nil, newError(KindNotFound, op, "journal %s not found", journalID)
	}
	if original.State != ledger.JournalPosted {
		return nil, newError(KindStateConflict, op, "journal %s is %s, only POSTED journals reverse", journalID, original.State)
	}

	entries := make([]Entry, len(lines))
	for i, l := range lines {
		side := money.Credit
		if l.Side == money.Credit {
			side = money.Debit
		}
		entries[i] = Entry{AccountID: l.AccountID, Side: side, Amount: l.Amount, Description: l.Description}
	}

	description := "Reversal of " + journalID
	if reason != "" {
		description += ": " + reason
	}

	return e.Post(ctx, Command{
		IdempotencyKey: "reverse:" + journalID,
		CorrelationID:  correlationID,
		TxnType:        ledger.TxnReversal,
		Currency:       original.Currency,
		Entries:        entries,
		Description:    description,
		ActorType:      actorType,
		ActorID:        actorID,
		SkipCharges:    true,
		ReversalOf:     journalID,
	})
}

// expand resolves matrix charges and appends their lines to the command's
// entries. The expanded set must balance again.
func (e *Engine) expand(ctx context.Context, cmd Command, effective time.Time) ([]Entry, *fees.Resolution, error) {
	const op = "post.expand"

	if cmd.SkipCharges || e.charges == nil {
		return cmd.Entries, nil, nil
	}

	resolution, err := e.charges.Resolve(ctx, fees.Query{
		TxnType:             cmd.TxnType,
		Currency:            cmd.Currency,
		AgentType:           cmd.AgentType,
		Amount:              cmd.GrossDebit(),
		FeeVersionID:        cmd.FeeVersionID,
		CommissionVersionID: cmd.CommissionVersionID,
		At:                  effective,
	})
	if err != nil {
		switch {
		case errors.Is(err, fees.ErrVersionNotFound), errors.Is(err, fees.ErrVersionNotApproved),
			errors.Is(err, money.ErrInvalidAmount), errors.Is(err, money.ErrAmountOverflow):
			return nil, nil, wrapError(KindValidation, op, err, "charge resolution")
		default:
			return nil, nil, wrapError(KindInternal, op, err, "charge resolution")
		}
	}

	specs, err := resolution.Lines(cmd.feePayer(), cmd.AgentCommissionAccountID)
	if err != nil {
		return nil, nil, wrapError(KindInternal, op, err, "charge routing")
	}

	expanded := append([]Entry(nil), cmd.Entries...)
	for _, s := range specs {
		expanded = append(expanded, Entry{AccountID: s.AccountID, Side: s.Side, Amount: s.Amount, Description: s.Description})
	}

	view := make([]money.Entry, len(expanded))
	for i, en := range expanded {
		view[i] = money.Entry{Side: en.Side, Amount: en.Amount}
	}
	if err := money.AssertBalanced(view); err != nil {
		return nil, nil, wrapError(KindUnbalanced, op, err, "after charge expansion")
	}
	return expanded, resolution, nil
}

// accountState is everything preclaim learned about one touched account.
// balance carries the projected post-journal values; expect is the CAS
// token it was loaded under.
type accountState struct {
	account *ledger.LedgerAccount
	balance ledger.AccountBalance
	expect  string
	debited bool
	lines   []ledger.Line
}

// attempt is one full pass of the posting algorithm inside a transaction.
func (e *Engine) attempt(ctx context.Context, cmd Command, key idempotency.Key, payloadHash string, effective time.Time, expanded []Entry, resolution *fees.Resolution) (*Receipt, error) {
	const op = "post.apply"
	var receipt *Receipt

	err := e.store.RunAtomic(ctx, func(tx Tx) error {
		now := e.clock()

		// Prior record: replay or conflict.
		rec, err := tx.IdempotencyRecord(ctx, key.ScopeHash, key.Key)
		if err != nil {
			return storageErr(op, err)
		}
		if rec != nil && !rec.Expired(now) {
			if err := rec.Check(payloadHash); err != nil {
				return wrapError(KindIdempotencyConflict, op, err, "key "+key.Key)
			}
			receipt, err = decodeReceipt(rec.ResultJSON)
			return err
		}

		// Reversal target must still be POSTED.
		if cmd.ReversalOf != "" {
			original, err := tx.Journal(ctx, cmd.ReversalOf)
			if err != nil {
				return storageErr(op, err)
			}
			if original == nil {
				return newError(KindNotFound, op, "journal %s not found", cmd.ReversalOf)
			}
			if original.State != ledger.JournalPosted {
				return newError(KindStateConflict, op, "journal %s is %s", cmd.ReversalOf, original.State)
			}
			if original.Currency != cmd.Currency {
				return newError(KindValidation, op, "reversal currency %s does not match journal %s", cmd.Currency, original.Currency)
			}
		}

		// Accounting period gate.
		period, err := tx.PeriodFor(ctx, effective)
		if err != nil {
			return storageErr(op, err)
		}
		if period != nil && period.Blocks(effective) {
			return newError(KindPeriodClosed, op, "period %s is %s", period.ID, period.Status)
		}

		journalID := uuid.NewString()

		// Load accounts, owners and balances; stage lines per account.
		states, order, err := e.preclaim(ctx, tx, cmd, expanded, journalID, now)
		if err != nil {
			return err
		}

		// Funds checks on the projected balances.
		for _, id := range order {
			st := states[id]
			if !st.debited || st.account.AllowNegative {
				continue
			}
			projected := st.balance
			if projected.Available.IsNegative() {
				deficit := projected.Available.Neg()
				od, err := tx.Overdraft(ctx, id, effective)
				if err != nil {
					return storageErr(op, err)
				}
				if od == nil || !od.Covers(effective) || od.Limit < deficit {
					return newError(KindInsufficientFunds, op,
						"account %s short by %s", id, deficit)
				}
			}
		}

		// Chain the journal into its currency.
		head, err := tx.ChainHead(ctx, cmd.Currency)
		if err != nil {
			return storageErr(op, err)
		}
		if head == nil {
			genesis := chain.Genesis(cmd.Currency)
			head = &genesis
		}

		lines := make([]ledger.Line, 0, len(expanded))
		for _, id := range order {
			lines = append(lines, states[id].lines...)
		}
		sort.Slice(lines, func(i, j int) bool { return lines[i].LineNumber < lines[j].LineNumber })

		journal := ledger.Journal{
			ID:            journalID,
			TxnType:       cmd.TxnType,
			Currency:      cmd.Currency,
			CorrelationID: cmd.CorrelationID,
			State:         ledger.JournalPosted,
			Description:   cmd.Description,
			PrevHash:      head.LastHash,
			ChainSeq:      head.ChainSeq + 1,
			EffectiveDate: effective,
			ReversalOf:    cmd.ReversalOf,
			CorrectionOf:  cmd.CorrectionOf,
			Total:         ledger.GrossDebit(lines),
			CreatedAt:     now,
		}
		if period != nil {
			journal.PeriodID = period.ID
		}
		journal.Hash, err = chain.Hash(head.LastHash, journal, lines)
		if err != nil {
			return wrapError(KindInternal, op, err, "chain hash")
		}

		if err := tx.InsertJournal(ctx, journal); err != nil {
			return storageErr(op, err)
		}
		if err := tx.InsertLines(ctx, lines); err != nil {
			return storageErr(op, err)
		}
		if cmd.ReversalOf != "" {
			if err := tx.MarkReversed(ctx, cmd.ReversalOf, journalID); err != nil {
				return storageErr(op, err)
			}
		}

		// CAS balance updates, in account order to keep lock order stable.
		for _, id := range order {
			st := states[id]
			if err := tx.UpdateBalance(ctx, st.balance, st.expect); err != nil {
				return storageErr(op, err)
			}
		}

		if err := tx.SaveChainHead(ctx, chain.Head{
			Currency:      cmd.Currency,
			LastJournalID: journalID,
			LastHash:      journal.Hash,
			ChainSeq:      journal.ChainSeq,
			UpdatedAt:     now,
		}, head.ChainSeq); err != nil {
			return storageErr(op, err)
		}

		receipt = buildReceipt(journal, lines, states, order, resolution)

		if err := e.emit(ctx, tx, cmd, journal, receipt, now); err != nil {
			return err
		}

		resultJSON, err := encodeReceipt(receipt)
		if err != nil {
			return wrapError(KindInternal, op, err, "persist receipt")
		}
		if err := tx.InsertIdempotency(ctx, idempotency.Record{
			ScopeHash:   key.ScopeHash,
			Key:         key.Key,
			PayloadHash: payloadHash,
			ResultJSON:  resultJSON,
			CreatedAt:   now,
			ExpiresAt:   now.Add(e.ttl),
		}); err != nil {
			return storageErr(op, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return receipt, nil
}

// preclaim loads and validates every account the expanded entries touch,
// applies the lines to in-memory balance copies, and returns them keyed by
// account id along with the sorted id order.
func (e *Engine) preclaim(ctx context.Context, tx Tx, cmd Command, expanded []Entry, journalID string, now time.Time) (map[string]*accountState, []string, error) {
	const op = "post.preclaim"

	states := make(map[string]*accountState)
	var order []string

	for i, en := range expanded {
		st, ok := states[en.AccountID]
		if !ok {
			account, err := tx.Account(ctx, en.AccountID)
			if err != nil {
				return nil, nil, storageErr(op, err)
			}
			if account == nil {
				return nil, nil, newError(KindValidation, op, "entry %d: account %s not found", i, en.AccountID)
			}
			if account.Currency != cmd.Currency {
				return nil, nil, newError(KindValidation, op,
					"entry %d: account %s is %s, journal is %s", i, en.AccountID, account.Currency, cmd.Currency)
			}
			balance, err := tx.Balance(ctx, en.AccountID)
			if err != nil {
				return nil, nil, storageErr(op, err)
			}
			if balance == nil {
				return nil, nil, newError(KindInternal, op, "account %s has no balance row", en.AccountID)
			}
			st = &accountState{account: account, balance: *balance, expect: balance.LastJournalID}
			states[en.AccountID] = st
			order = append(order, en.AccountID)
		}

		if en.Side == money.Debit {
			st.debited = true
		}
		st.balance = st.balance.Apply(en.Side, en.Amount, journalID, now)
		st.lines = append(st.lines, ledger.Line{
			ID:          uuid.NewString(),
			JournalID:   journalID,
			AccountID:   en.AccountID,
			Side:        en.Side,
			Amount:      en.Amount,
			LineNumber:  i + 1,
			Description: en.Description,
		})
	}

	// Owner state gates: FROZEN and SUSPENDED owners cannot be debited,
	// CLOSED owners cannot post at all. Credits still land on frozen
	// accounts so refunds clear.
	for _, id := range order {
		st := states[id]
		actor, err := tx.Actor(ctx, st.account.OwnerID)
		if err != nil {
			return nil, nil, storageErr(op, err)
		}
		if actor == nil {
			return nil, nil, newError(KindInternal, op, "account %s owner %s not found", id, st.account.OwnerID)
		}
		switch actor.State {
		case ledger.ActorClosed:
			return nil, nil, newError(KindAccountFrozen, op, "account %s owner is CLOSED", id)
		case ledger.ActorFrozen, ledger.ActorSuspended:
			if st.debited {
				return nil, nil, newError(KindAccountFrozen, op, "account %s owner is %s", id, actor.State)
			}
		}
	}

	sort.Strings(order)
	return states, order, nil
}

func buildReceipt(journal ledger.Journal, lines []ledger.Line, states map[string]*accountState, order []string, resolution *fees.Resolution) *Receipt {
	r := &Receipt{
		JournalID:     journal.ID,
		State:         journal.State,
		TxnType:       journal.TxnType,
		Currency:      journal.Currency,
		CorrelationID: journal.CorrelationID,
		Total:         journal.Total,
		ReversalOf:    journal.ReversalOf,
		Entries:       make([]ReceiptEntry, len(lines)),
		Balances:      make([]BalanceSnapshot, 0, len(order)),
		CreatedAt:     journal.CreatedAt,
	}
	for i, l := range lines {
		r.Entries[i] = ReceiptEntry{
			AccountID:   l.AccountID,
			Side:        l.Side,
			Amount:      l.Amount,
			LineNumber:  l.LineNumber,
			Description: l.Description,
		}
	}
	for _, id := range order {
		b := states[id].balance
		r.Balances = append(r.Balances, BalanceSnapshot{AccountID: id, Actual: b.Actual, Available: b.Available})
	}
	if resolution != nil {
		r.Fee = resolution.Fee.Total()
		r.Commission = resolution.Commission.Total()
		r.FeeVersionID = resolution.FeeVersionID
		r.CommissionVersionID = resolution.CommissionVersionID
	}
	return r
}

// emit writes the posted event and the chain checkpoint event. The chained
// event is caused by the posted one, which keeps tracing graphs connected.
func (e *Engine) emit(ctx context.Context, tx Tx, cmd Command, journal ledger.Journal, receipt *Receipt, now time.Time) error {
	const op = "post.emit"

	payload, err := json.Marshal(receipt)
	if err != nil {
		return wrapError(KindInternal, op, err, "event payload")
	}
	posted := &events.Event{
		ID:            events.NewID(now),
		Name:          events.PostedName(string(journal.TxnType)),
		EntityType:    "journal",
		EntityID:      journal.ID,
		CorrelationID: journal.CorrelationID,
		ActorType:     string(cmd.ActorType),
		ActorID:       cmd.ActorID,
		SchemaVersion: events.SchemaVersion,
		PayloadJSON:   payload,
		CreatedAt:     now,
	}
	if err := tx.InsertEvent(ctx, posted); err != nil {
		return storageErr(op, err)
	}

	chainPayload, err := json.Marshal(map[string]interface{}{
		"journal_id": journal.ID,
		"currency":   journal.Currency,
		"chain_seq":  journal.ChainSeq,
		"prev_hash":  journal.PrevHash,
		"hash":       journal.Hash,
	})
	if err != nil {
		return wrapError(KindInternal, op, err, "chain event payload")
	}
	chained := &events.Event{
		ID:            events.NewID(now),
		Name:          events.NameJournalChained,
		EntityType:    "journal",
		EntityID:      journal.ID,
		CorrelationID: journal.CorrelationID,
		CausationID:   posted.ID,
		ActorType:     string(cmd.ActorType),
		ActorID:       cmd.ActorID,
		SchemaVersion: events.SchemaVersion,
		PayloadJSON:   chainPayload,
		CreatedAt:     now,
	}
	if err := tx.InsertEvent(ctx, chained); err != nil {
		return storageErr(op, err)
	}
	return nil
}

// storageErr passes retryable sentinels through untouched and wraps
// everything else as a storage failure.
func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStale) {
		return err
	}
	var pe *Error
	if errors.As(err, &pe) {
		return err
	}
	return wrapError(KindStorage, op, err, "storage")
}

func mustEncode(r *Receipt) []byte {
	b, err := encodeReceipt(r)
	if err != nil {
		// Receipts are plain data; this cannot fail at runtime.
		panic(err)
	}
	return b
}
