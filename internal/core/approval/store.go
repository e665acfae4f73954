package approval

import (
	"context"
	"time"

	"github.com/kobopay/kobod/internal/core/ledger"
	"github.com/kobopay/kobod/internal/events"
)

// Store opens transactions for the approval engine. Matching, submission,
// decisions and sweeps each run inside one RunAtomic so a request, its
// decisions and the events they cause commit together.
type Store interface {
	RunAtomic(ctx context.Context, fn func(tx Tx) error) error
}

// Tx is the statement surface the engine drives inside RunAtomic. Point
// lookups return (nil, nil) when no row exists.
type Tx interface {
	// ActivePolicies returns policies in state ACTIVE, with conditions,
	// stages and bindings loaded. The matcher applies validity windows and
	// ordering itself.
	ActivePolicies(ctx context.Context) ([]*ApprovalPolicy, error)
	Policy(ctx context.Context, id string) (*ApprovalPolicy, error)

	Request(ctx context.Context, id string) (*ApprovalRequest, error)
	InsertRequest(ctx context.Context, r *ApprovalRequest) error
	UpdateRequest(ctx context.Context, r *ApprovalRequest) error
	// OpenRequests returns PENDING and ESCALATED requests oldest first, for
	// the sweeper.
	OpenRequests(ctx context.Context, limit int) ([]*ApprovalRequest, error)

	Decisions(ctx context.Context, requestID string) ([]StageDecision, error)
	InsertDecision(ctx context.Context, d StageDecision) error

	Staff(ctx context.Context, staffID string) (*ledger.Actor, error)
	// DelegationsTo returns every delegation naming staffID as delegate,
	// regardless of state or window; Covers filters.
	DelegationsTo(ctx context.Context, staffID string) ([]Delegation, error)

	// PurgeIdempotency deletes idempotency rows whose TTL elapsed before
	// asOf and returns how many went.
	PurgeIdempotency(ctx context.Context, asOf time.Time) (int, error)

	InsertEvent(ctx context.Context, ev *events.Event) error
}
