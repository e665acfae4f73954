package fees

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/kobopay/kobod/internal/core/ledger"
	"github.com/kobopay/kobod/internal/core/money"
)

// Store is the persistence surface the resolver reads from. Lookups return
// (nil, nil) when no row exists; rule and version rows are immutable once a
// version is APPROVED, which is what makes them safe to cache indefinitely.
type Store interface {
	// ActiveVersion returns the most recently effective APPROVED version
	// for a currency: highest EffectiveFrom not after `at`, ties broken by
	// the Version counter. One version carries both fee and commission
	// rules.
	ActiveVersion(ctx context.Context, currency string, at time.Time) (*MatrixVersion, error)

	// VersionByID fetches one version row by primary key.
	VersionByID(ctx context.Context, id string) (*MatrixVersion, error)

	// Rule fetches the rule row for an exact (kind, txn_type, currency,
	// agent_type) tuple under one version.
	Rule(ctx context.Context, versionID string, kind RuleKind, txnType ledger.TxnType, currency, agentType string) (*Rule, error)
}

// Query identifies the posting a charge is being resolved for.
type Query struct {
	TxnType   ledger.TxnType
	Currency  string
	AgentType string       // actor type of the participating agent, empty when none
	Amount    money.Amount // gross transaction amount

	// FeeVersionID / CommissionVersionID pin explicit matrix versions; when
	// empty the active version for the currency is used.
	FeeVersionID        string
	CommissionVersionID string

	// At is the effective instant; the zero value means the resolver clock.
	At time.Time
}

// Resolution is what the posting engine splices into a journal.
type Resolution struct {
	FeeVersionID        string
	CommissionVersionID string
	Fee                 Charge
	Commission          Charge
}

// LineSpec is one entry the resolver asks the posting engine to add.
type LineSpec struct {
	AccountID   string
	Side        money.Side
	Amount      money.Amount
	Description string
}

// Lines expands the resolution into balanced debit/credit pairs. The payer
// account funds the fee; the agent commission account receives commission
// principal. Both are posting-time facts the matrix cannot know.
func (res *Resolution) Lines(payerAccountID, agentCommissionAccountID string) ([]LineSpec, error) {
	var out []LineSpec

	if !res.Fee.IsZero() {
		if payerAccountID == "" {
			return nil, fmt.Errorf("%w: fee with no payer account", ErrUnroutedCharge)
		}
		if res.Fee.RevenueAccountID == "" {
			return nil, fmt.Errorf("%w: fee rule %s has no revenue account", ErrUnroutedCharge, res.Fee.RuleID)
		}
		if res.Fee.Tax.IsPositive() && res.Fee.TaxAccountID == "" {
			return nil, fmt.Errorf("%w: fee rule %s taxes with no tax account", ErrUnroutedCharge, res.Fee.RuleID)
		}
		out = append(out, LineSpec{AccountID: payerAccountID, Side: money.Debit, Amount: res.Fee.Total(), Description: "Transaction fee"})
		out = append(out, LineSpec{AccountID: res.Fee.RevenueAccountID, Side: money.Credit, Amount: res.Fee.Principal, Description: "Fee revenue"})
		if res.Fee.Tax.IsPositive() {
			out = append(out, LineSpec{AccountID: res.Fee.TaxAccountID, Side: money.Credit, Amount: res.Fee.Tax, Description: "Fee tax"})
		}
	}

	if !res.Commission.IsZero() {
		if agentCommissionAccountID == "" {
			return nil, fmt.Errorf("%w: commission with no agent commission account", ErrUnroutedCharge)
		}
		if res.Commission.ExpenseAccountID == "" {
			return nil, fmt.Errorf("%w: commission rule %s has no expense account", ErrUnroutedCharge, res.Commission.RuleID)
		}
		if res.Commission.Tax.IsPositive() && res.Commission.TaxAccountID == "" {
			return nil, fmt.Errorf("%w: commission rule %s taxes with no tax account", ErrUnroutedCharge, res.Commission.RuleID)
		}
		out = append(out, LineSpec{AccountID: res.Commission.ExpenseAccountID, Side: money.Debit, Amount: res.Commission.Total(), Description: "Commission expense"})
		out = append(out, LineSpec{AccountID: agentCommissionAccountID, Side: money.Credit, Amount: res.Commission.Principal, Description: "Agent commission"})
		if res.Commission.Tax.IsPositive() {
			out = append(out, LineSpec{AccountID: res.Commission.TaxAccountID, Side: money.Credit, Amount: res.Commission.Tax, Description: "Commission tax"})
		}
	}

	return out, nil
}

// ResolverConfig holds tuning for the resolver caches.
type ResolverConfig struct {
	// CacheSize bounds the rule and version LRUs.
	CacheSize int
	// ActiveVersionTTL is how long an active-version lookup may be served
	// from memory before the store is consulted again.
	ActiveVersionTTL time.Duration
	// Clock overrides time.Now, for tests.
	Clock func() time.Time
}

const (
	defaultCacheSize        = 512
	defaultActiveVersionTTL = 5 * time.Second
)

type ruleKey struct {
	versionID string
	kind      RuleKind
	txnType   ledger.TxnType
	currency  string
	agentType string
}

type activeEntry struct {
	version   *MatrixVersion // nil when no version is effective
	fetchedAt time.Time
}

// Resolver answers charge queries against the matrix store, memoizing the
// immutable rows (rules, pinned versions) in LRUs and the mutable
// active-version pointer behind a short TTL. Concurrent misses for the same
// row are collapsed through a singleflight group.
type Resolver struct {
	store Store
	now   func() time.Time
	ttl   time.Duration

	rules    *lru.Cache[ruleKey, *Rule]
	versions *lru.Cache[string, *MatrixVersion]

	mu     sync.RWMutex
	active map[string]activeEntry // keyed by currency

	group singleflight.Group

	hits   uint64
	misses uint64
}

// NewResolver builds a resolver over a matrix store.
func NewResolver(store Store, cfg ResolverConfig) (*Resolver, error) {
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = defaultCacheSize
	}
	if cfg.ActiveVersionTTL <= 0 {
		cfg.ActiveVersionTTL = defaultActiveVersionTTL
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	ruleCache, err := lru.New[ruleKey, *Rule](cfg.CacheSize)
	if err != nil {
		return nil, err
	}
	versionCache, err := lru.New[string, *MatrixVersion](cfg.CacheSize)
	if err != nil {
		return nil, err
	}

	return &Resolver{
		store:    store,
		now:      cfg.Clock,
		ttl:      cfg.ActiveVersionTTL,
		rules:    ruleCache,
		versions: versionCache,
		active:   make(map[string]activeEntry),
	}, nil
}

// Resolve computes the fee and, when an agent participates, the commission
// for one posting. A query that matches no rule resolves to zero charges;
// only a pinned version that cannot be honored is an error.
func (r *Resolver) Resolve(ctx context.Context, q Query) (*Resolution, error) {
	if q.Amount.IsNegative() {
		return nil, fmt.Errorf("%w: negative amount %d", money.ErrInvalidAmount, q.Amount)
	}
	at := q.At
	if at.IsZero() {
		at = r.now()
	}

	res := &Resolution{}

	feeVer, err := r.version(ctx, q.FeeVersionID, q.Currency, at)
	if err != nil {
		return nil, err
	}
	if feeVer != nil {
		res.FeeVersionID = feeVer.ID
		rule, err := r.lookupRule(ctx, feeVer.ID, RuleFee, q.TxnType, q.Currency, q.AgentType)
		if err != nil {
			return nil, err
		}
		if rule != nil {
			res.Fee, err = rule.Calculate(q.Amount)
			if err != nil {
				return nil, err
			}
		}
	}

	if q.AgentType != "" {
		comVer, err := r.version(ctx, q.CommissionVersionID, q.Currency, at)
		if err != nil {
			return nil, err
		}
		if comVer != nil {
			res.CommissionVersionID = comVer.ID
			rule, err := r.lookupRule(ctx, comVer.ID, RuleCommission, q.TxnType, q.Currency, q.AgentType)
			if err != nil {
				return nil, err
			}
			if rule != nil {
				res.Commission, err = rule.Calculate(q.Amount)
				if err != nil {
					return nil, err
				}
			}
		}
	}

	return res, nil
}

// Stats reports cache hit/miss counters.
func (r *Resolver) Stats() (hits, misses uint64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.hits, r.misses
}

func (r *Resolver) recordHit() {
	r.mu.Lock()
	r.hits++
	r.mu.Unlock()
}

func (r *Resolver) recordMiss() {
	r.mu.Lock()
	r.misses++
	r.mu.Unlock()
}

// version resolves either a pinned version id or the active version for the
// currency. Pinned versions must exist, be APPROVED, and belong to the
// queried currency.
func (r *Resolver) version(ctx context.Context, id, currency string, at time.Time) (*MatrixVersion, error) {
	if id != "" {
		v, err := r.versionByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if v == nil {
			return nil, fmt.Errorf("%w: %s", ErrVersionNotFound, id)
		}
		if v.State != VersionApproved {
			return nil, fmt.Errorf("%w: %s is %s", ErrVersionNotApproved, id, v.State)
		}
		if v.Currency != currency {
			return nil, fmt.Errorf("%w: %s is for %s, not %s", ErrVersionNotFound, id, v.Currency, currency)
		}
		return v, nil
	}
	return r.activeVersion(ctx, currency, at)
}

func (r *Resolver) versionByID(ctx context.Context, id string) (*MatrixVersion, error) {
	if v, ok := r.versions.Get(id); ok {
		r.recordHit()
		return v, nil
	}
	r.recordMiss()

	v, err, _ := r.group.Do("version:"+id, func() (interface{}, error) {
		ver, err := r.store.VersionByID(ctx, id)
		if err != nil {
			return nil, err
		}
		// Only settled versions are immutable enough to memoize.
		if ver != nil && ver.State != VersionDraft {
			r.versions.Add(id, ver)
		}
		return ver, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*MatrixVersion), nil
}

func (r *Resolver) activeVersion(ctx context.Context, currency string, at time.Time) (*MatrixVersion, error) {
	r.mu.RLock()
	entry, ok := r.active[currency]
	r.mu.RUnlock()
	if ok && r.now().Sub(entry.fetchedAt) < r.ttl {
		r.recordHit()
		return entry.version, nil
	}
	r.recordMiss()

	v, err, _ := r.group.Do("active:"+currency, func() (interface{}, error) {
		ver, err := r.store.ActiveVersion(ctx, currency, at)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		r.active[currency] = activeEntry{version: ver, fetchedAt: r.now()}
		r.mu.Unlock()
		return ver, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*MatrixVersion), nil
}

// lookupRule finds the rule row, preferring an agent-specific row and
// falling back to the generic one. Absence is memoized alongside presence:
// rule rows under a settled version never change.
func (r *Resolver) lookupRule(ctx context.Context, versionID string, kind RuleKind, txnType ledger.TxnType, currency, agentType string) (*Rule, error) {
	if agentType != "" {
		rule, err := r.rule(ctx, ruleKey{versionID, kind, txnType, currency, agentType})
		if err != nil || rule != nil {
			return rule, err
		}
		if kind == RuleCommission {
			// Commission is owed to a specific agent type; there is no
			// generic fallback row.
			return nil, nil
		}
	}
	return r.rule(ctx, ruleKey{versionID, kind, txnType, currency, ""})
}

func (r *Resolver) rule(ctx context.Context, key ruleKey) (*Rule, error) {
	if rule, ok := r.rules.Get(key); ok {
		r.recordHit()
		return rule, nil
	}
	r.recordMiss()

	v, err, _ := r.group.Do(fmt.Sprintf("rule:%s:%s:%s:%s:%s", key.versionID, key.kind, key.txnType, key.currency, key.agentType), func() (interface{}, error) {
		rule, err := r.store.Rule(ctx, key.versionID, key.kind, key.txnType, key.currency, key.agentType)
		if err != nil {
			return nil, err
		}
		r.rules.Add(key, rule)
		return rule, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Rule), nil
}
