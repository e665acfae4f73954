package posting

import (
	"context"
	"errors"
	"time"

	"github.com/kobopay/kobod/internal/core/idempotency"
	"github.com/kobopay/kobod/internal/core/ledger"
	"github.com/kobopay/kobod/internal/core/ledger/chain"
	"github.com/kobopay/kobod/internal/events"
)

// ErrStale signals an optimistic concurrency loss: a balance CAS or chain
// head advance hit a row someone else moved first, or a conditional insert
// lost a race. The engine retries the whole transaction on it.
var ErrStale = errors.New("stale concurrent state")

// Store opens serializable transactions for the engine. Implementations
// also map their native serialization failures (e.g. SQLSTATE 40001) to
// ErrStale so the retry loop treats them uniformly.
type Store interface {
	// RunAtomic runs fn inside one transaction: commit on nil, rollback on
	// error. The transaction must provide at least snapshot isolation;
	// the CAS updates close the remaining write-skew window.
	RunAtomic(ctx context.Context, fn func(tx Tx) error) error
}

// Tx is the statement surface the engine drives inside RunAtomic. Point
// lookups return (nil, nil) when no row exists.
type Tx interface {
	Account(ctx context.Context, id string) (*ledger.LedgerAccount, error)
	Actor(ctx context.Context, id string) (*ledger.Actor, error)

	Balance(ctx context.Context, accountID string) (*ledger.AccountBalance, error)
	// UpdateBalance persists b guarded by the previously loaded CAS token;
	// a token mismatch returns ErrStale.
	UpdateBalance(ctx context.Context, b ledger.AccountBalance, expectLastJournalID string) error

	ChainHead(ctx context.Context, currency string) (*chain.Head, error)
	// SaveChainHead advances the currency's head guarded by the expected
	// current sequence (0 for a first journal); a mismatch returns
	// ErrStale.
	SaveChainHead(ctx context.Context, h chain.Head, expectSeq int64) error

	InsertJournal(ctx context.Context, j ledger.Journal) error
	InsertLines(ctx context.Context, lines []ledger.Line) error
	Journal(ctx context.Context, id string) (*ledger.Journal, error)
	JournalLines(ctx context.Context, journalID string) ([]ledger.Line, error)
	// MarkReversed flips a POSTED journal to REVERSED and stamps the
	// counter-journal id; returns ErrStale if the journal is no longer
	// POSTED.
	MarkReversed(ctx context.Context, journalID, reversalJournalID string) error

	PeriodFor(ctx context.Context, at time.Time) (*ledger.AccountingPeriod, error)
	Overdraft(ctx context.Context, accountID string, at time.Time) (*ledger.OverdraftFacility, error)

	IdempotencyRecord(ctx context.Context, scopeHash, key string) (*idempotency.Record, error)
	// InsertIdempotency is a conditional insert: a live duplicate
	// (scope_hash, key) returns ErrStale so the retry re-reads the row;
	// an expired row is replaced.
	InsertIdempotency(ctx context.Context, rec idempotency.Record) error

	InsertEvent(ctx context.Context, ev *events.Event) error
}
