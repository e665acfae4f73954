package approval

import (
	"context"
	"sort"
	"sync"
)

// Handler executes the business operation an APPROVED request stands for:
// post the reversal, activate the overdraft, release the payout. Handlers
// must be idempotent and use the request id as their idempotency key, so a
// redelivered approval replays instead of double-executing.
type Handler interface {
	Execute(ctx context.Context, req *ApprovalRequest) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, req *ApprovalRequest) error

// Execute calls f.
func (f HandlerFunc) Execute(ctx context.Context, req *ApprovalRequest) error {
	return f(ctx, req)
}

// Registry resolves handlers by approval-type string. Policies reference
// types, types resolve to handlers at decision time; neither side holds a
// pointer to the other. Handlers register at boot.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds a handler to an approval type, replacing any previous
// binding for that type.
func (r *Registry) Register(approvalType string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[approvalType] = h
}

// Resolve returns the handler for an approval type.
func (r *Registry) Resolve(approvalType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[approvalType]
	return h, ok
}

// Types lists the registered approval types, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
