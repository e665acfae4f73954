package events

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/kobopay/kobod/internal/storage/kv"
)

// Outbox is the read side of the event table.
type Outbox interface {
	// After returns up to limit events with id strictly greater than
	// afterID, in id order. An empty afterID starts from the beginning.
	After(ctx context.Context, afterID string, limit int) ([]*Event, error)
}

// cursorKey is where the dispatcher checkpoints the last fully published
// event id. Losing it only widens the at-least-once window.
var cursorKey = []byte("outbox/cursor")

// DispatcherConfig tunes the drain loop.
type DispatcherConfig struct {
	// Interval between drain passes.
	Interval time.Duration
	// BatchSize caps how many rows one pass reads.
	BatchSize int
}

const (
	defaultDrainInterval = time.Second
	defaultBatchSize     = 256
)

// Dispatcher drains the outbox to one or more publishers. Every publisher
// must accept an event before the cursor moves past it, so a broker outage
// pauses the stream instead of dropping rows.
type Dispatcher struct {
	outbox   Outbox
	pubs     []Publisher
	cursor   kv.DB
	log      *zap.Logger
	interval time.Duration
	batch    int
}

// NewDispatcher wires a dispatcher. The KV database holds only the cursor.
func NewDispatcher(outbox Outbox, cursor kv.DB, log *zap.Logger, cfg DispatcherConfig, pubs ...Publisher) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultDrainInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	return &Dispatcher{
		outbox:   outbox,
		pubs:     pubs,
		cursor:   cursor,
		log:      log,
		interval: cfg.Interval,
		batch:    cfg.BatchSize,
	}
}

// Run drains on a ticker until the context is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	d.log.Info("outbox dispatcher started",
		zap.Duration("interval", d.interval),
		zap.Int("batch_size", d.batch))

	for {
		select {
		case <-ctx.Done():
			d.log.Info("outbox dispatcher stopped")
			return ctx.Err()
		case <-ticker.C:
			if _, err := d.DrainOnce(ctx); err != nil && ctx.Err() == nil {
				d.log.Warn("outbox drain failed", zap.Error(err))
			}
		}
	}
}

// DrainOnce publishes everything past the cursor, one batch per call, and
// returns how many events went out. The cursor advances per event, after
// the last publisher accepted it.
func (d *Dispatcher) DrainOnce(ctx context.Context) (int, error) {
	after, err := d.loadCursor(ctx)
	if err != nil {
		return 0, err
	}

	evs, err := d.outbox.After(ctx, after, d.batch)
	if err != nil {
		return 0, err
	}

	published := 0
	for _, ev := range evs {
		for _, pub := range d.pubs {
			if err := pub.Publish(ctx, ev); err != nil {
				d.log.Warn("event publish failed",
					zap.String("event_id", ev.ID),
					zap.String("name", ev.Name),
					zap.Error(err))
				return published, err
			}
		}
		if err := d.cursor.Write(ctx, cursorKey, []byte(ev.ID)); err != nil {
			return published, err
		}
		published++
	}

	if published > 0 {
		d.log.Debug("outbox drained", zap.Int("published", published))
	}
	return published, nil
}

func (d *Dispatcher) loadCursor(ctx context.Context) (string, error) {
	v, err := d.cursor.Read(ctx, cursorKey)
	switch {
	case err == nil:
		return string(v), nil
	case errors.Is(err, kv.ErrKeyNotFound):
		return "", nil
	default:
		return "", err
	}
}
