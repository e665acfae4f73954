package relational

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/kobopay/kobod/internal/core/idempotency"
	"github.com/kobopay/kobod/internal/core/ledger"
	"github.com/kobopay/kobod/internal/core/ledger/chain"
	"github.com/kobopay/kobod/internal/core/posting"
	"github.com/kobopay/kobod/internal/events"
)

// sqlTx drives statements inside one transaction. It implements both
// posting.Tx and approval.Tx; the approval statements live in approval.go.
type sqlTx struct {
	s  *Store
	tx *sql.Tx
}

// exec runs a statement and returns how many rows it touched. Driver-level
// concurrency losses come back as posting.ErrStale.
func (t *sqlTx) exec(ctx context.Context, op, query string, args ...any) (int64, error) {
	res, err := t.tx.ExecContext(ctx, t.s.rebind(query), args...)
	if err != nil {
		if isStale(err) {
			return 0, posting.ErrStale
		}
		return 0, NewQueryError(op, "statement failed", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, NewQueryError(op, "rows affected unavailable", err)
	}
	return n, nil
}

// queryErr classifies a read failure.
func (s *Store) queryErr(op string, err error) error {
	if isStale(err) {
		return posting.ErrStale
	}
	return NewQueryError(op, "query failed", err)
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

const actorCols = `id, type, state, msisdn, code, parent_actor_id, kyc_state, role, pin_hash, created_at, updated_at`

func scanActor(sc rowScanner) (*ledger.Actor, error) {
	var a ledger.Actor
	if err := sc.Scan(&a.ID, &a.Type, &a.State, &a.MSISDN, &a.Code, &a.ParentActorID,
		&a.KYCState, &a.Role, &a.PINHash, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *Store) actorByID(ctx context.Context, q querier, id string) (*ledger.Actor, error) {
	row := q.QueryRowContext(ctx, s.rebind(`SELECT `+actorCols+` FROM actors WHERE id = ?`), id)
	a, err := scanActor(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, s.queryErr("actor", err)
	}
	return a, nil
}

const accountCols = `id, owner_type, owner_id, type, currency, coa_code, allow_negative, created_at`

func scanAccount(sc rowScanner) (*ledger.LedgerAccount, error) {
	var a ledger.LedgerAccount
	if err := sc.Scan(&a.ID, &a.OwnerType, &a.OwnerID, &a.Type, &a.Currency,
		&a.COACode, &a.AllowNegative, &a.CreatedAt); err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *Store) accountByID(ctx context.Context, q querier, id string) (*ledger.LedgerAccount, error) {
	row := q.QueryRowContext(ctx, s.rebind(`SELECT `+accountCols+` FROM ledger_accounts WHERE id = ?`), id)
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, s.queryErr("account", err)
	}
	return a, nil
}

const balanceCols = `account_id, currency, actual, available, hold, pending_credits, last_journal_id, updated_at`

func scanBalance(sc rowScanner) (*ledger.AccountBalance, error) {
	var b ledger.AccountBalance
	if err := sc.Scan(&b.AccountID, &b.Currency, &b.Actual, &b.Available, &b.Hold,
		&b.PendingCredits, &b.LastJournalID, &b.UpdatedAt); err != nil {
		return nil, err
	}
	return &b, nil
}

func (s *Store) balanceOf(ctx context.Context, q querier, accountID string) (*ledger.AccountBalance, error) {
	row := q.QueryRowContext(ctx, s.rebind(`SELECT `+balanceCols+` FROM account_balances WHERE account_id = ?`), accountID)
	b, err := scanBalance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, s.queryErr("balance", err)
	}
	return b, nil
}

const journalCols = `id, txn_type, currency, correlation_id, state, description, prev_hash, hash,
	chain_seq, effective_date, reversal_of, reversed_by, correction_of, batch_id, period_id, total, created_at`

func scanJournal(sc rowScanner) (*ledger.Journal, error) {
	var j ledger.Journal
	if err := sc.Scan(&j.ID, &j.TxnType, &j.Currency, &j.CorrelationID, &j.State,
		&j.Description, &j.PrevHash, &j.Hash, &j.ChainSeq, &j.EffectiveDate,
		&j.ReversalOf, &j.ReversedBy, &j.CorrectionOf, &j.BatchID, &j.PeriodID,
		&j.Total, &j.CreatedAt); err != nil {
		return nil, err
	}
	return &j, nil
}

func (s *Store) journalByID(ctx context.Context, q querier, id string) (*ledger.Journal, error) {
	row := q.QueryRowContext(ctx, s.rebind(`SELECT `+journalCols+` FROM journals WHERE id = ?`), id)
	j, err := scanJournal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, s.queryErr("journal", err)
	}
	return j, nil
}

const lineCols = `id, journal_id, account_id, side, amount, line_number, description`

func (s *Store) linesOf(ctx context.Context, q querier, journalID string) ([]ledger.Line, error) {
	rows, err := q.QueryContext(ctx,
		s.rebind(`SELECT `+lineCols+` FROM journal_lines WHERE journal_id = ? ORDER BY line_number`), journalID)
	if err != nil {
		return nil, s.queryErr("journal_lines", err)
	}
	defer rows.Close()

	var out []ledger.Line
	for rows.Next() {
		var l ledger.Line
		if err := rows.Scan(&l.ID, &l.JournalID, &l.AccountID, &l.Side, &l.Amount,
			&l.LineNumber, &l.Description); err != nil {
			return nil, s.queryErr("journal_lines", err)
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, s.queryErr("journal_lines", err)
	}
	return out, nil
}

func (t *sqlTx) Account(ctx context.Context, id string) (*ledger.LedgerAccount, error) {
	return t.s.accountByID(ctx, t.tx, id)
}

func (t *sqlTx) Actor(ctx context.Context, id string) (*ledger.Actor, error) {
	return t.s.actorByID(ctx, t.tx, id)
}

func (t *sqlTx) Balance(ctx context.Context, accountID string) (*ledger.AccountBalance, error) {
	return t.s.balanceOf(ctx, t.tx, accountID)
}

func (t *sqlTx) UpdateBalance(ctx context.Context, b ledger.AccountBalance, expectLastJournalID string) error {
	const q = `UPDATE account_balances
		SET actual = ?, available = ?, hold = ?, pending_credits = ?, last_journal_id = ?, updated_at = ?
		WHERE account_id = ? AND last_journal_id = ?`
	n, err := t.exec(ctx, "update_balance", q,
		b.Actual, b.Available, b.Hold, b.PendingCredits, b.LastJournalID, utc(b.UpdatedAt),
		b.AccountID, expectLastJournalID)
	if err != nil {
		return err
	}
	if n == 0 {
		return posting.ErrStale
	}
	return nil
}

func (t *sqlTx) ChainHead(ctx context.Context, currency string) (*chain.Head, error) {
	const q = `SELECT currency, last_journal_id, last_hash, chain_seq, updated_at
		FROM chain_heads WHERE currency = ?`
	var h chain.Head
	err := t.tx.QueryRowContext(ctx, t.s.rebind(q), currency).
		Scan(&h.Currency, &h.LastJournalID, &h.LastHash, &h.ChainSeq, &h.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, t.s.queryErr("chain_head", err)
	}
	return &h, nil
}

func (t *sqlTx) SaveChainHead(ctx context.Context, h chain.Head, expectSeq int64) error {
	if expectSeq == 0 {
		const q = `INSERT INTO chain_heads (currency, last_journal_id, last_hash, chain_seq, updated_at)
			VALUES (?, ?, ?, ?, ?) ON CONFLICT (currency) DO NOTHING`
		n, err := t.exec(ctx, "save_chain_head", q,
			h.Currency, h.LastJournalID, h.LastHash, h.ChainSeq, utc(h.UpdatedAt))
		if err != nil {
			return err
		}
		if n == 0 {
			return posting.ErrStale
		}
		return nil
	}

	const q = `UPDATE chain_heads
		SET last_journal_id = ?, last_hash = ?, chain_seq = ?, updated_at = ?
		WHERE currency = ? AND chain_seq = ?`
	n, err := t.exec(ctx, "save_chain_head", q,
		h.LastJournalID, h.LastHash, h.ChainSeq, utc(h.UpdatedAt), h.Currency, expectSeq)
	if err != nil {
		return err
	}
	if n == 0 {
		return posting.ErrStale
	}
	return nil
}

func (t *sqlTx) InsertJournal(ctx context.Context, j ledger.Journal) error {
	const q = `INSERT INTO journals (` + journalCols + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := t.exec(ctx, "insert_journal", q,
		j.ID, j.TxnType, j.Currency, j.CorrelationID, j.State, j.Description,
		j.PrevHash, j.Hash, j.ChainSeq, utc(j.EffectiveDate), j.ReversalOf,
		j.ReversedBy, j.CorrectionOf, j.BatchID, j.PeriodID, j.Total, utc(j.CreatedAt))
	return err
}

func (t *sqlTx) InsertLines(ctx context.Context, lines []ledger.Line) error {
	const q = `INSERT INTO journal_lines (` + lineCols + `) VALUES (?, ?, ?, ?, ?, ?, ?)`
	for _, l := range lines {
		if _, err := t.exec(ctx, "insert_lines", q,
			l.ID, l.JournalID, l.AccountID, l.Side, l.Amount, l.LineNumber, l.Description); err != nil {
			return err
		}
	}
	return nil
}

func (t *sqlTx) Journal(ctx context.Context, id string) (*ledger.Journal, error) {
	return t.s.journalByID(ctx, t.tx, id)
}

func (t *sqlTx) JournalLines(ctx context.Context, journalID string) ([]ledger.Line, error) {
	return t.s.linesOf(ctx, t.tx, journalID)
}

func (t *sqlTx) MarkReversed(ctx context.Context, journalID, reversalJournalID string) error {
	const q = `UPDATE journals SET state = ?, reversed_by = ? WHERE id = ? AND state = ?`
	n, err := t.exec(ctx, "mark_reversed", q,
		ledger.JournalReversed, reversalJournalID, journalID, ledger.JournalPosted)
	if err != nil {
		return err
	}
	if n == 0 {
		return posting.ErrStale
	}
	return nil
}

// PeriodFor scans the period table and matches in Go, keeping the
// day-truncation rules in one place. The table holds a handful of rows.
func (t *sqlTx) PeriodFor(ctx context.Context, at time.Time) (*ledger.AccountingPeriod, error) {
	rows, err := t.tx.QueryContext(ctx, t.s.rebind(
		`SELECT id, start_date, end_date, status FROM accounting_periods ORDER BY start_date`))
	if err != nil {
		return nil, t.s.queryErr("period_for", err)
	}
	defer rows.Close()

	for rows.Next() {
		var p ledger.AccountingPeriod
		if err := rows.Scan(&p.ID, &p.StartDate, &p.EndDate, &p.Status); err != nil {
			return nil, t.s.queryErr("period_for", err)
		}
		if p.Contains(at) {
			return &p, nil
		}
	}
	if err := rows.Err(); err != nil {
		return nil, t.s.queryErr("period_for", err)
	}
	return nil, nil
}

// Overdraft returns the usable facility with the highest limit, matching
// window and state in Go so the zero-value-means-open rules stay with the
// type.
func (t *sqlTx) Overdraft(ctx context.Context, accountID string, at time.Time) (*ledger.OverdraftFacility, error) {
	const q = `SELECT id, account_id, limit_minor, state, valid_from, valid_to, granted_by, created_at
		FROM overdraft_facilities WHERE account_id = ?`
	rows, err := t.tx.QueryContext(ctx, t.s.rebind(q), accountID)
	if err != nil {
		return nil, t.s.queryErr("overdraft", err)
	}
	defer rows.Close()

	var best *ledger.OverdraftFacility
	for rows.Next() {
		var o ledger.OverdraftFacility
		var from, to sql.NullTime
		if err := rows.Scan(&o.ID, &o.AccountID, &o.Limit, &o.State, &from, &to,
			&o.GrantedBy, &o.CreatedAt); err != nil {
			return nil, t.s.queryErr("overdraft", err)
		}
		o.ValidFrom, o.ValidTo = nullZero(from), nullZero(to)
		if !o.Covers(at) {
			continue
		}
		if best == nil || o.Limit > best.Limit {
			cp := o
			best = &cp
		}
	}
	if err := rows.Err(); err != nil {
		return nil, t.s.queryErr("overdraft", err)
	}
	return best, nil
}

func (t *sqlTx) IdempotencyRecord(ctx context.Context, scopeHash, key string) (*idempotency.Record, error) {
	const q = `SELECT scope_hash, key, payload_hash, result_json, created_at, expires_at
		FROM idempotency_records WHERE scope_hash = ? AND key = ?`
	var rec idempotency.Record
	var expires sql.NullTime
	err := t.tx.QueryRowContext(ctx, t.s.rebind(q), scopeHash, key).
		Scan(&rec.ScopeHash, &rec.Key, &rec.PayloadHash, &rec.ResultJSON, &rec.CreatedAt, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, t.s.queryErr("idempotency_record", err)
	}
	rec.ExpiresAt = nullZero(expires)
	return &rec, nil
}

func (t *sqlTx) InsertIdempotency(ctx context.Context, rec idempotency.Record) error {
	// Reclaim a lapsed row first; the insert below then loses only to live
	// duplicates.
	const reclaim = `UPDATE idempotency_records
		SET payload_hash = ?, result_json = ?, created_at = ?, expires_at = ?
		WHERE scope_hash = ? AND key = ? AND expires_at IS NOT NULL AND expires_at < ?`
	n, err := t.exec(ctx, "insert_idempotency", reclaim,
		rec.PayloadHash, rec.ResultJSON, utc(rec.CreatedAt), zeroNull(rec.ExpiresAt),
		rec.ScopeHash, rec.Key, utc(rec.CreatedAt))
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	const insert = `INSERT INTO idempotency_records (scope_hash, key, payload_hash, result_json, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?) ON CONFLICT (scope_hash, key) DO NOTHING`
	n, err = t.exec(ctx, "insert_idempotency", insert,
		rec.ScopeHash, rec.Key, rec.PayloadHash, rec.ResultJSON,
		utc(rec.CreatedAt), zeroNull(rec.ExpiresAt))
	if err != nil {
		if isUniqueViolation(err) {
			return posting.ErrStale
		}
		return err
	}
	if n == 0 {
		return posting.ErrStale
	}
	return nil
}

func (t *sqlTx) InsertEvent(ctx context.Context, ev *events.Event) error {
	if ev == nil {
		return fmt.Errorf("nil event")
	}
	const q = `INSERT INTO outbox_events (id, name, entity_type, entity_id, correlation_id,
		causation_id, actor_type, actor_id, schema_version, payload_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := t.exec(ctx, "insert_event", q,
		ev.ID, ev.Name, ev.EntityType, ev.EntityID, ev.CorrelationID,
		ev.CausationID, ev.ActorType, ev.ActorID, ev.SchemaVersion, ev.PayloadJSON, utc(ev.CreatedAt))
	return err
}
