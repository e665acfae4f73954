package approval

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kobopay/kobod/internal/events"
)

// SweeperConfig tunes the sweep loop.
type SweeperConfig struct {
	// Interval between sweeps.
	Interval time.Duration
	// Batch caps how many open requests one sweep examines.
	Batch int
	// Clock overrides time.Now, for tests.
	Clock func() time.Time
	// Logger defaults to a nop logger.
	Logger *zap.Logger
}

const (
	defaultSweepInterval = 60 * time.Second
	defaultSweepBatch    = 256
)

// SweepStats reports one sweep's work.
type SweepStats struct {
	Escalated         int
	Expired           int
	PurgedIdempotency int
}

// Sweeper drives the time-based request transitions the decision path
// cannot: PENDING escalates after the policy's escalation_minutes, open
// requests expire after expiry_minutes or the stage timeout. It also purges
// idempotency rows whose TTL elapsed. One sweep is one transaction.
type Sweeper struct {
	store    Store
	log      *zap.Logger
	clock    func() time.Time
	interval time.Duration
	batch    int
}

// NewSweeper wires a sweeper over the approval store.
func NewSweeper(store Store, cfg SweeperConfig) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultSweepInterval
	}
	if cfg.Batch <= 0 {
		cfg.Batch = defaultSweepBatch
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Sweeper{
		store:    store,
		log:      cfg.Logger,
		clock:    cfg.Clock,
		interval: cfg.Interval,
		batch:    cfg.Batch,
	}
}

// Run sweeps on a ticker until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.log.Info("approval sweeper started",
		zap.Duration("interval", s.interval),
		zap.Int("batch", s.batch))

	for {
		select {
		case <-ctx.Done():
			s.log.Info("approval sweeper stopped")
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil && ctx.Err() == nil {
				s.log.Warn("approval sweep failed", zap.Error(err))
			}
		}
	}
}

// SweepOnce examines one batch of open requests, applies due transitions
// with their events, purges expired idempotency rows, and reports what it
// did.
func (s *Sweeper) SweepOnce(ctx context.Context) (SweepStats, error) {
	var stats SweepStats
	err := s.store.RunAtomic(ctx, func(tx Tx) error {
		now := s.clock()
		stats = SweepStats{}

		open, err := tx.OpenRequests(ctx, s.batch)
		if err != nil {
			return fmt.Errorf("approval: sweep: list open requests: %w", err)
		}

		for _, req := range open {
			policy, err := tx.Policy(ctx, req.PolicyID)
			if err != nil {
				return fmt.Errorf("approval: sweep: load policy: %w", err)
			}
			if policy == nil {
				s.log.Warn("open request references missing policy",
					zap.String("request_id", req.ID),
					zap.String("policy_id", req.PolicyID))
				continue
			}

			deadline := policy.ExpiresAt(req.CreatedAt, req.StageEnteredAt, req.CurrentStage)
			if !deadline.IsZero() && !now.Before(deadline) {
				req.State = StateExpired
				req.DecidedAt = &now
				if err := tx.UpdateRequest(ctx, req); err != nil {
					return fmt.Errorf("approval: sweep: expire request: %w", err)
				}
				if err := tx.InsertEvent(ctx, sweepEvent(events.NameApprovalExpired, req, now)); err != nil {
					return err
				}
				stats.Expired++
				continue
			}

			if req.State == StatePending {
				escalateAt := policy.EscalatesAt(req.CreatedAt)
				if !escalateAt.IsZero() && !now.Before(escalateAt) {
					req.State = StateEscalated
					if err := tx.UpdateRequest(ctx, req); err != nil {
						return fmt.Errorf("approval: sweep: escalate request: %w", err)
					}
					if err := tx.InsertEvent(ctx, sweepEvent(events.NameApprovalEscalated, req, now)); err != nil {
						return err
					}
					stats.Escalated++
				}
			}
		}

		purged, err := tx.PurgeIdempotency(ctx, now)
		if err != nil {
			return fmt.Errorf("approval: sweep: purge idempotency: %w", err)
		}
		stats.PurgedIdempotency = purged
		return nil
	})
	if err != nil {
		return SweepStats{}, err
	}

	if stats.Expired > 0 || stats.Escalated > 0 || stats.PurgedIdempotency > 0 {
		s.log.Info("approval sweep finished",
			zap.Int("expired", stats.Expired),
			zap.Int("escalated", stats.Escalated),
			zap.Int("purged_idempotency", stats.PurgedIdempotency))
	}
	return stats, nil
}

func sweepEvent(name string, req *ApprovalRequest, now time.Time) *events.Event {
	payload := fmt.Sprintf(`{"request_id":%q,"approval_type":%q,"stage_no":%d,"state":%q}`,
		req.ID, req.Type, req.CurrentStage, req.State)
	return &events.Event{
		ID:            events.NewID(now),
		Name:          name,
		EntityType:    "approval_request",
		EntityID:      req.ID,
		CorrelationID: req.CorrelationID,
		ActorType:     "SYSTEM",
		ActorID:       "sweeper",
		SchemaVersion: events.SchemaVersion,
		PayloadJSON:   []byte(payload),
		CreatedAt:     now,
	}
}
