// Package memory is an in-memory implementation of the store surfaces the
// engines run on: posting transactions, the fee matrix, the chain
// verification reader, the outbox read side and the directory lookups the
// API layer needs. It exists for tests and local development; the
// relational store is the production implementation.
//
// A transaction clones the table set and swaps it back in on commit, all
// under one mutex, which gives the posting engine the serializable
// semantics it assumes. Rows are treated as immutable: updates replace
// whole values, reads return copies, and slice-valued entries are replaced
// wholesale rather than appended in place so clones can share them.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/kobopay/kobod/internal/core/approval"
	"github.com/kobopay/kobod/internal/core/fees"
	"github.com/kobopay/kobod/internal/core/idempotency"
	"github.com/kobopay/kobod/internal/core/ledger"
	"github.com/kobopay/kobod/internal/core/ledger/chain"
	"github.com/kobopay/kobod/internal/core/money"
	"github.com/kobopay/kobod/internal/core/posting"
	"github.com/kobopay/kobod/internal/events"
)

type idemKey struct {
	scopeHash string
	key       string
}

type ruleTuple struct {
	versionID string
	kind      fees.RuleKind
	txnType   ledger.TxnType
	currency  string
	agentType string
}

type tables struct {
	actors     map[string]ledger.Actor
	accounts   map[string]ledger.LedgerAccount
	balances   map[string]ledger.AccountBalance
	journals   map[string]ledger.Journal
	lines      map[string][]ledger.Line // keyed by journal id
	heads      map[string]chain.Head    // keyed by currency
	periods    []ledger.AccountingPeriod
	overdrafts map[string][]ledger.OverdraftFacility // keyed by account id

	idem   map[idemKey]idempotency.Record
	outbox []events.Event

	feeVersions map[string]fees.MatrixVersion
	feeRules    map[ruleTuple]fees.Rule

	policies    map[string]approval.ApprovalPolicy
	requests    map[string]approval.ApprovalRequest
	decisions   map[string][]approval.StageDecision // keyed by request id
	delegations map[string][]approval.Delegation    // keyed by delegate id
}

func newTables() *tables {
	return &tables{
		actors:      make(map[string]ledger.Actor),
		accounts:    make(map[string]ledger.LedgerAccount),
		balances:    make(map[string]ledger.AccountBalance),
		journals:    make(map[string]ledger.Journal),
		lines:       make(map[string][]ledger.Line),
		heads:       make(map[string]chain.Head),
		overdrafts:  make(map[string][]ledger.OverdraftFacility),
		idem:        make(map[idemKey]idempotency.Record),
		feeVersions: make(map[string]fees.MatrixVersion),
		feeRules:    make(map[ruleTuple]fees.Rule),
		policies:    make(map[string]approval.ApprovalPolicy),
		requests:    make(map[string]approval.ApprovalRequest),
		decisions:   make(map[string][]approval.StageDecision),
		delegations: make(map[string][]approval.Delegation),
	}
}

// clone copies every map so transactional writes never touch the committed
// state. The outbox gets an exact-capacity copy because transactions append
// to it; other slice values are only ever replaced, so sharing is safe.
func (t *tables) clone() *tables {
	c := &tables{
		actors:      make(map[string]ledger.Actor, len(t.actors)),
		accounts:    make(map[string]ledger.LedgerAccount, len(t.accounts)),
		balances:    make(map[string]ledger.AccountBalance, len(t.balances)),
		journals:    make(map[string]ledger.Journal, len(t.journals)),
		lines:       make(map[string][]ledger.Line, len(t.lines)),
		heads:       make(map[string]chain.Head, len(t.heads)),
		periods:     t.periods,
		overdrafts:  make(map[string][]ledger.OverdraftFacility, len(t.overdrafts)),
		idem:        make(map[idemKey]idempotency.Record, len(t.idem)),
		outbox:      make([]events.Event, len(t.outbox)),
		feeVersions: make(map[string]fees.MatrixVersion, len(t.feeVersions)),
		feeRules:    make(map[ruleTuple]fees.Rule, len(t.feeRules)),
		policies:    make(map[string]approval.ApprovalPolicy, len(t.policies)),
		requests:    make(map[string]approval.ApprovalRequest, len(t.requests)),
		decisions:   make(map[string][]approval.StageDecision, len(t.decisions)),
		delegations: make(map[string][]approval.Delegation, len(t.delegations)),
	}
	for k, v := range t.actors {
		c.actors[k] = v
	}
	for k, v := range t.accounts {
		c.accounts[k] = v
	}
	for k, v := range t.balances {
		c.balances[k] = v
	}
	for k, v := range t.journals {
		c.journals[k] = v
	}
	for k, v := range t.lines {
		c.lines[k] = v
	}
	for k, v := range t.heads {
		c.heads[k] = v
	}
	for k, v := range t.overdrafts {
		c.overdrafts[k] = v
	}
	for k, v := range t.idem {
		c.idem[k] = v
	}
	copy(c.outbox, t.outbox)
	for k, v := range t.feeVersions {
		c.feeVersions[k] = v
	}
	for k, v := range t.feeRules {
		c.feeRules[k] = v
	}
	for k, v := range t.policies {
		c.policies[k] = v
	}
	for k, v := range t.requests {
		c.requests[k] = v
	}
	for k, v := range t.decisions {
		c.decisions[k] = v
	}
	for k, v := range t.delegations {
		c.delegations[k] = v
	}
	return c
}

// Store holds every table in process memory.
type Store struct {
	mu  sync.Mutex
	tab *tables

	// Now is the store's clock, used for idempotency liveness and seed
	// timestamps. Override before first use in tests that control time.
	Now func() time.Time
}

var (
	_ posting.Store = (*Store)(nil)
	_ fees.Store    = (*Store)(nil)
	_ chain.Reader  = (*Store)(nil)
	_ events.Outbox = (*Store)(nil)
)

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{tab: newTables(), Now: time.Now}
}

// RunAtomic runs fn against a clone of the tables and swaps the clone in
// when fn returns nil. The mutex is held for the whole transaction, so
// memory transactions are fully serialized.
func (s *Store) RunAtomic(ctx context.Context, fn func(tx posting.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	work := s.tab.clone()
	if err := fn(&memTx{tab: work, now: s.Now()}); err != nil {
		return err
	}
	s.tab = work
	return nil
}

// memTx is one uncommitted transaction over a cloned table set.
type memTx struct {
	tab *tables
	now time.Time
}

func (t *memTx) Account(_ context.Context, id string) (*ledger.LedgerAccount, error) {
	if row, ok := t.tab.accounts[id]; ok {
		return &row, nil
	}
	return nil, nil
}

func (t *memTx) Actor(_ context.Context, id string) (*ledger.Actor, error) {
	if row, ok := t.tab.actors[id]; ok {
		return &row, nil
	}
	return nil, nil
}

func (t *memTx) Balance(_ context.Context, accountID string) (*ledger.AccountBalance, error) {
	if row, ok := t.tab.balances[accountID]; ok {
		return &row, nil
	}
	return nil, nil
}

func (t *memTx) UpdateBalance(_ context.Context, b ledger.AccountBalance, expectLastJournalID string) error {
	cur, ok := t.tab.balances[b.AccountID]
	if !ok {
		return fmt.Errorf("balance row for account %s does not exist", b.AccountID)
	}
	if cur.LastJournalID != expectLastJournalID {
		return posting.ErrStale
	}
	t.tab.balances[b.AccountID] = b
	return nil
}

func (t *memTx) ChainHead(_ context.Context, currency string) (*chain.Head, error) {
	if row, ok := t.tab.heads[currency]; ok {
		return &row, nil
	}
	return nil, nil
}

func (t *memTx) SaveChainHead(_ context.Context, h chain.Head, expectSeq int64) error {
	cur, ok := t.tab.heads[h.Currency]
	if ok && cur.ChainSeq != expectSeq {
		return posting.ErrStale
	}
	if !ok && expectSeq != 0 {
		return posting.ErrStale
	}
	t.tab.heads[h.Currency] = h
	return nil
}

func (t *memTx) InsertJournal(_ context.Context, j ledger.Journal) error {
	if _, ok := t.tab.journals[j.ID]; ok {
		return fmt.Errorf("journal %s already exists", j.ID)
	}
	t.tab.journals[j.ID] = j
	return nil
}

func (t *memTx) InsertLines(_ context.Context, lines []ledger.Line) error {
	grouped := make(map[string][]ledger.Line)
	for _, l := range lines {
		grouped[l.JournalID] = append(grouped[l.JournalID], l)
	}
	for id, group := range grouped {
		merged := make([]ledger.Line, 0, len(t.tab.lines[id])+len(group))
		merged = append(merged, t.tab.lines[id]...)
		merged = append(merged, group...)
		t.tab.lines[id] = merged
	}
	return nil
}

func (t *memTx) Journal(_ context.Context, id string) (*ledger.Journal, error) {
	if row, ok := t.tab.journals[id]; ok {
		return &row, nil
	}
	return nil, nil
}

func (t *memTx) JournalLines(_ context.Context, journalID string) ([]ledger.Line, error) {
	rows := t.tab.lines[journalID]
	out := make([]ledger.Line, len(rows))
	copy(out, rows)
	return out, nil
}

func (t *memTx) MarkReversed(_ context.Context, journalID, reversalJournalID string) error {
	j, ok := t.tab.journals[journalID]
	if !ok {
		return fmt.Errorf("journal %s does not exist", journalID)
	}
	if j.State != ledger.JournalPosted {
		return posting.ErrStale
	}
	j.State = ledger.JournalReversed
	j.ReversedBy = reversalJournalID
	t.tab.journals[journalID] = j
	return nil
}

func (t *memTx) PeriodFor(_ context.Context, at time.Time) (*ledger.AccountingPeriod, error) {
	for _, p := range t.tab.periods {
		if p.Contains(at) {
			cp := p
			return &cp, nil
		}
	}
	return nil, nil
}

func (t *memTx) Overdraft(_ context.Context, accountID string, at time.Time) (*ledger.OverdraftFacility, error) {
	var best *ledger.OverdraftFacility
	for _, o := range t.tab.overdrafts[accountID] {
		if !o.Covers(at) {
			continue
		}
		if best == nil || o.Limit > best.Limit {
			cp := o
			best = &cp
		}
	}
	return best, nil
}

func (t *memTx) IdempotencyRecord(_ context.Context, scopeHash, key string) (*idempotency.Record, error) {
	if row, ok := t.tab.idem[idemKey{scopeHash, key}]; ok {
		return &row, nil
	}
	return nil, nil
}

func (t *memTx) InsertIdempotency(_ context.Context, rec idempotency.Record) error {
	k := idemKey{rec.ScopeHash, rec.Key}
	if cur, ok := t.tab.idem[k]; ok && !cur.Expired(t.now) {
		return posting.ErrStale
	}
	t.tab.idem[k] = rec
	return nil
}

func (t *memTx) InsertEvent(_ context.Context, ev *events.Event) error {
	if ev == nil {
		return fmt.Errorf("nil event")
	}
	t.tab.outbox = append(t.tab.outbox, *ev)
	return nil
}

// ActorByID returns the actor row, or nil when absent.
func (s *Store) ActorByID(_ context.Context, id string) (*ledger.Actor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if row, ok := s.tab.actors[id]; ok {
		return &row, nil
	}
	return nil, nil
}

// ActorByMSISDN finds the actor holding msisdn within one actor type.
func (s *Store) ActorByMSISDN(_ context.Context, typ ledger.ActorType, msisdn string) (*ledger.Actor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.tab.actors {
		if a.Type == typ && a.MSISDN == msisdn {
			return &a, nil
		}
	}
	return nil, nil
}

// ActorByCode finds an agent or merchant by its six-digit code.
func (s *Store) ActorByCode(_ context.Context, code string) (*ledger.Actor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if code == "" {
		return nil, nil
	}
	for _, a := range s.tab.actors {
		if a.Code == code {
			return &a, nil
		}
	}
	return nil, nil
}

// AccountByID returns the account row, or nil when absent.
func (s *Store) AccountByID(_ context.Context, id string) (*ledger.LedgerAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if row, ok := s.tab.accounts[id]; ok {
		return &row, nil
	}
	return nil, nil
}

// AccountByOwner finds the owner's account of one type and currency.
func (s *Store) AccountByOwner(_ context.Context, ownerID string, typ ledger.AccountType, currency string) (*ledger.LedgerAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.tab.accounts {
		if a.OwnerID == ownerID && a.Type == typ && a.Currency == currency {
			return &a, nil
		}
	}
	return nil, nil
}

// BalanceOf returns the balance projection for an account, or nil.
func (s *Store) BalanceOf(_ context.Context, accountID string) (*ledger.AccountBalance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if row, ok := s.tab.balances[accountID]; ok {
		return &row, nil
	}
	return nil, nil
}

// AllBalances returns every balance row for one currency, ordered by
// account id.
func (s *Store) AllBalances(_ context.Context, currency string) ([]ledger.AccountBalance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ledger.AccountBalance, 0, len(s.tab.balances))
	for _, b := range s.tab.balances {
		if b.Currency != currency {
			continue
		}
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AccountID < out[j].AccountID })
	return out, nil
}

// JournalByID returns the journal row, or nil when absent.
func (s *Store) JournalByID(_ context.Context, id string) (*ledger.Journal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if row, ok := s.tab.journals[id]; ok {
		return &row, nil
	}
	return nil, nil
}

// LinesOf returns the lines of one journal in line-number order.
func (s *Store) LinesOf(_ context.Context, journalID string) ([]ledger.Line, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.tab.lines[journalID]
	out := make([]ledger.Line, len(rows))
	copy(out, rows)
	sort.Slice(out, func(i, j int) bool { return out[i].LineNumber < out[j].LineNumber })
	return out, nil
}

// ChainCurrencies lists every currency that has a chain head.
func (s *Store) ChainCurrencies(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.tab.heads))
	for c := range s.tab.heads {
		out = append(out, c)
	}
	sort.Strings(out)
	return out, nil
}

// JournalsInWindow returns one currency's journals created inside
// [from, to] in chain order. A zero bound is open on that side.
func (s *Store) JournalsInWindow(_ context.Context, currency string, from, to time.Time) ([]chain.JournalWithLines, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []chain.JournalWithLines
	for _, j := range s.tab.journals {
		if j.Currency != currency {
			continue
		}
		if !from.IsZero() && j.CreatedAt.Before(from) {
			continue
		}
		if !to.IsZero() && j.CreatedAt.After(to) {
			continue
		}
		rows := s.tab.lines[j.ID]
		cp := make([]ledger.Line, len(rows))
		copy(cp, rows)
		sort.Slice(cp, func(i, k int) bool { return cp[i].LineNumber < cp[k].LineNumber })
		out = append(out, chain.JournalWithLines{Journal: j, Lines: cp})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Journal.ChainSeq < out[j].Journal.ChainSeq })
	return out, nil
}

// After returns up to limit outbox events with id greater than afterID, in
// id order.
func (s *Store) After(_ context.Context, afterID string, limit int) ([]*events.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	matched := make([]events.Event, 0, len(s.tab.outbox))
	for _, ev := range s.tab.outbox {
		if ev.ID > afterID {
			matched = append(matched, ev)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].ID < matched[j].ID })
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	out := make([]*events.Event, len(matched))
	for i := range matched {
		out[i] = &matched[i]
	}
	return out, nil
}

// ActiveVersion returns the APPROVED matrix version for a currency with the
// highest EffectiveFrom not after at, ties broken by the Version counter.
func (s *Store) ActiveVersion(_ context.Context, currency string, at time.Time) (*fees.MatrixVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best *fees.MatrixVersion
	for _, v := range s.tab.feeVersions {
		if v.Currency != currency || !v.Effective(at) {
			continue
		}
		if best == nil ||
			v.EffectiveFrom.After(best.EffectiveFrom) ||
			(v.EffectiveFrom.Equal(best.EffectiveFrom) && v.Version > best.Version) {
			cp := v
			best = &cp
		}
	}
	return best, nil
}

// VersionByID returns the matrix version row, or nil when absent.
func (s *Store) VersionByID(_ context.Context, id string) (*fees.MatrixVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if row, ok := s.tab.feeVersions[id]; ok {
		return &row, nil
	}
	return nil, nil
}

// Rule returns the matrix rule for an exact tuple, or nil when absent.
func (s *Store) Rule(_ context.Context, versionID string, kind fees.RuleKind, txnType ledger.TxnType, currency, agentType string) (*fees.Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if row, ok := s.tab.feeRules[ruleTuple{versionID, kind, txnType, currency, agentType}]; ok {
		return &row, nil
	}
	return nil, nil
}

// AddActor seeds an actor row. Seeds overwrite by id and skip the
// uniqueness checks the relational schema enforces.
func (s *Store) AddActor(a ledger.Actor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tab.actors[a.ID] = a
}

// AddAccount seeds an account together with its balance row, the way
// account provisioning creates both atomically.
func (s *Store) AddAccount(acct ledger.LedgerAccount, opening money.Amount) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tab.accounts[acct.ID] = acct
	s.tab.balances[acct.ID] = ledger.AccountBalance{
		AccountID: acct.ID,
		Currency:  acct.Currency,
		Actual:    opening,
		Available: opening,
		UpdatedAt: s.Now(),
	}
}

// AddPeriod seeds an accounting period.
func (s *Store) AddPeriod(p ledger.AccountingPeriod) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tab.periods = append(s.tab.periods, p)
}

// AddOverdraft seeds an overdraft facility.
func (s *Store) AddOverdraft(o ledger.OverdraftFacility) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tab.overdrafts[o.AccountID] = append(s.tab.overdrafts[o.AccountID], o)
}

// SaveOverdraft upserts an overdraft facility by id. OVERDRAFT_GRANT
// approvals execute through here, so re-running a handler rewrites the
// same facility instead of stacking a second one.
func (s *Store) SaveOverdraft(_ context.Context, o ledger.OverdraftFacility) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for acct, list := range s.tab.overdrafts {
		for i, have := range list {
			if have.ID != o.ID {
				continue
			}
			if acct == o.AccountID {
				updated := append([]ledger.OverdraftFacility(nil), list...)
				updated[i] = o
				s.tab.overdrafts[acct] = updated
			} else {
				s.tab.overdrafts[acct] = append(list[:i:i], list[i+1:]...)
				s.tab.overdrafts[o.AccountID] = append(s.tab.overdrafts[o.AccountID], o)
			}
			return nil
		}
	}
	s.tab.overdrafts[o.AccountID] = append(s.tab.overdrafts[o.AccountID], o)
	return nil
}

// AddFeeVersion seeds a charge matrix version.
func (s *Store) AddFeeVersion(v fees.MatrixVersion) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tab.feeVersions[v.ID] = v
}

// AddFeeRule seeds a charge matrix rule.
func (s *Store) AddFeeRule(r fees.Rule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tab.feeRules[ruleTuple{r.VersionID, r.Kind, r.TxnType, r.Currency, r.AgentType}] = r
}

// JournalCount reports how many journals exist, across all currencies.
func (s *Store) JournalCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tab.journals)
}

// TamperLine rewrites one stored line amount in place, bypassing the
// posting engine. Chain verification tests use it to simulate direct
// database tampering.
func (s *Store) TamperLine(journalID string, lineNumber int, amount money.Amount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.tab.lines[journalID]
	for i := range rows {
		if rows[i].LineNumber == lineNumber {
			cp := make([]ledger.Line, len(rows))
			copy(cp, rows)
			cp[i].Amount = amount
			s.tab.lines[journalID] = cp
			return nil
		}
	}
	return fmt.Errorf("journal %s has no line %d", journalID, lineNumber)
}
