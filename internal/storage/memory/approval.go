package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/kobopay/kobod/internal/core/approval"
	"github.com/kobopay/kobod/internal/core/ledger"
)

// Approvals returns the approval-engine view of the store. It shares the
// table set and the mutex with the posting view, so approval transactions
// serialize against posting transactions.
func (s *Store) Approvals() approval.Store { return approvalStore{s} }

type approvalStore struct{ s *Store }

var (
	_ approval.Store = approvalStore{}
	_ approval.Tx    = (*memTx)(nil)
)

func (as approvalStore) RunAtomic(ctx context.Context, fn func(tx approval.Tx) error) error {
	as.s.mu.Lock()
	defer as.s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	work := as.s.tab.clone()
	if err := fn(&memTx{tab: work, now: as.s.Now()}); err != nil {
		return err
	}
	as.s.tab = work
	return nil
}

func (t *memTx) ActivePolicies(_ context.Context) ([]*approval.ApprovalPolicy, error) {
	out := make([]*approval.ApprovalPolicy, 0, len(t.tab.policies))
	for _, p := range t.tab.policies {
		if p.State != approval.PolicyActive {
			continue
		}
		cp := p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *memTx) Policy(_ context.Context, id string) (*approval.ApprovalPolicy, error) {
	if row, ok := t.tab.policies[id]; ok {
		return &row, nil
	}
	return nil, nil
}

func (t *memTx) Request(_ context.Context, id string) (*approval.ApprovalRequest, error) {
	if row, ok := t.tab.requests[id]; ok {
		return &row, nil
	}
	return nil, nil
}

func (t *memTx) InsertRequest(_ context.Context, r *approval.ApprovalRequest) error {
	if _, ok := t.tab.requests[r.ID]; ok {
		return fmt.Errorf("approval request %s already exists", r.ID)
	}
	t.tab.requests[r.ID] = *r
	return nil
}

func (t *memTx) UpdateRequest(_ context.Context, r *approval.ApprovalRequest) error {
	if _, ok := t.tab.requests[r.ID]; !ok {
		return fmt.Errorf("approval request %s does not exist", r.ID)
	}
	t.tab.requests[r.ID] = *r
	return nil
}

func (t *memTx) OpenRequests(_ context.Context, limit int) ([]*approval.ApprovalRequest, error) {
	matched := make([]approval.ApprovalRequest, 0, len(t.tab.requests))
	for _, r := range t.tab.requests {
		if r.Open() {
			matched = append(matched, r)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.Before(matched[j].CreatedAt)
		}
		return matched[i].ID < matched[j].ID
	})
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	out := make([]*approval.ApprovalRequest, len(matched))
	for i := range matched {
		out[i] = &matched[i]
	}
	return out, nil
}

func (t *memTx) Decisions(_ context.Context, requestID string) ([]approval.StageDecision, error) {
	rows := t.tab.decisions[requestID]
	out := make([]approval.StageDecision, len(rows))
	copy(out, rows)
	return out, nil
}

func (t *memTx) InsertDecision(_ context.Context, d approval.StageDecision) error {
	rows := t.tab.decisions[d.RequestID]
	merged := make([]approval.StageDecision, 0, len(rows)+1)
	merged = append(merged, rows...)
	merged = append(merged, d)
	t.tab.decisions[d.RequestID] = merged
	return nil
}

// Staff returns the actor only when it is a STAFF row; customer or agent
// ids resolve to nil here even when they exist in the directory.
func (t *memTx) Staff(_ context.Context, staffID string) (*ledger.Actor, error) {
	row, ok := t.tab.actors[staffID]
	if !ok || row.Type != ledger.ActorStaff {
		return nil, nil
	}
	return &row, nil
}

func (t *memTx) DelegationsTo(_ context.Context, staffID string) ([]approval.Delegation, error) {
	rows := t.tab.delegations[staffID]
	out := make([]approval.Delegation, len(rows))
	copy(out, rows)
	return out, nil
}

func (t *memTx) PurgeIdempotency(_ context.Context, asOf time.Time) (int, error) {
	purged := 0
	for k, rec := range t.tab.idem {
		if rec.Expired(asOf) {
			delete(t.tab.idem, k)
			purged++
		}
	}
	return purged, nil
}

// AddPolicy seeds an approval policy with its conditions, stages and
// bindings embedded.
func (s *Store) AddPolicy(p approval.ApprovalPolicy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tab.policies[p.ID] = p
}

// AddDelegation seeds a delegation row.
func (s *Store) AddDelegation(d approval.Delegation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tab.delegations[d.DelegateID] = append(s.tab.delegations[d.DelegateID], d)
}

// RequestByID returns the approval request row, or nil when absent.
func (s *Store) RequestByID(_ context.Context, id string) (*approval.ApprovalRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if row, ok := s.tab.requests[id]; ok {
		return &row, nil
	}
	return nil, nil
}

// DecisionsOf returns a request's decisions in insertion order.
func (s *Store) DecisionsOf(_ context.Context, requestID string) ([]approval.StageDecision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.tab.decisions[requestID]
	out := make([]approval.StageDecision, len(rows))
	copy(out, rows)
	return out, nil
}

// IdempotencyCount reports how many idempotency rows exist, live or
// expired.
func (s *Store) IdempotencyCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tab.idem)
}
