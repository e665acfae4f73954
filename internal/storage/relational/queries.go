package relational

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/kobopay/kobod/internal/core/fees"
	"github.com/kobopay/kobod/internal/core/ledger"
	"github.com/kobopay/kobod/internal/core/ledger/chain"
	"github.com/kobopay/kobod/internal/core/money"
	"github.com/kobopay/kobod/internal/events"
)

// ActorByID returns the actor row, or nil when absent.
func (s *Store) ActorByID(ctx context.Context, id string) (*ledger.Actor, error) {
	return s.actorByID(ctx, s.db, id)
}

// ActorByMSISDN finds the actor holding msisdn within one actor type.
func (s *Store) ActorByMSISDN(ctx context.Context, typ ledger.ActorType, msisdn string) (*ledger.Actor, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT `+actorCols+` FROM actors WHERE type = ? AND msisdn = ?`), typ, msisdn)
	a, err := scanActor(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, s.queryErr("actor_by_msisdn", err)
	}
	return a, nil
}

// ActorByCode finds an agent or merchant by its six-digit code.
func (s *Store) ActorByCode(ctx context.Context, code string) (*ledger.Actor, error) {
	if code == "" {
		return nil, nil
	}
	row := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT `+actorCols+` FROM actors WHERE code = ?`), code)
	a, err := scanActor(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, s.queryErr("actor_by_code", err)
	}
	return a, nil
}

// AccountByID returns the account row, or nil when absent.
func (s *Store) AccountByID(ctx context.Context, id string) (*ledger.LedgerAccount, error) {
	return s.accountByID(ctx, s.db, id)
}

// AccountByOwner finds the owner's account of one type and currency.
func (s *Store) AccountByOwner(ctx context.Context, ownerID string, typ ledger.AccountType, currency string) (*ledger.LedgerAccount, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT `+accountCols+` FROM ledger_accounts WHERE owner_id = ? AND type = ? AND currency = ?`),
		ownerID, typ, currency)
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, s.queryErr("account_by_owner", err)
	}
	return a, nil
}

// BalanceOf returns the balance projection for an account, or nil.
func (s *Store) BalanceOf(ctx context.Context, accountID string) (*ledger.AccountBalance, error) {
	return s.balanceOf(ctx, s.db, accountID)
}

// AllBalances returns every balance row for one currency, ordered by
// account id.
func (s *Store) AllBalances(ctx context.Context, currency string) ([]ledger.AccountBalance, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT `+balanceCols+` FROM account_balances WHERE currency = ? ORDER BY account_id`), currency)
	if err != nil {
		return nil, s.queryErr("all_balances", err)
	}
	defer rows.Close()

	var out []ledger.AccountBalance
	for rows.Next() {
		b, err := scanBalance(rows)
		if err != nil {
			return nil, s.queryErr("all_balances", err)
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}

// JournalByID returns the journal row, or nil when absent.
func (s *Store) JournalByID(ctx context.Context, id string) (*ledger.Journal, error) {
	return s.journalByID(ctx, s.db, id)
}

// LinesOf returns the lines of one journal in line-number order.
func (s *Store) LinesOf(ctx context.Context, journalID string) ([]ledger.Line, error) {
	return s.linesOf(ctx, s.db, journalID)
}

// ChainCurrencies lists every currency that has a chain head.
func (s *Store) ChainCurrencies(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT currency FROM chain_heads ORDER BY currency`))
	if err != nil {
		return nil, s.queryErr("chain_currencies", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, s.queryErr("chain_currencies", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// JournalsInWindow returns one currency's journals created inside [from, to]
// in chain order, each with its lines. A zero bound is open on that side.
func (s *Store) JournalsInWindow(ctx context.Context, currency string, from, to time.Time) ([]chain.JournalWithLines, error) {
	query := `SELECT ` + journalCols + ` FROM journals WHERE currency = ?`
	args := []any{currency}
	if !from.IsZero() {
		query += ` AND created_at >= ?`
		args = append(args, utc(from))
	}
	if !to.IsZero() {
		query += ` AND created_at <= ?`
		args = append(args, utc(to))
	}
	query += ` ORDER BY chain_seq`

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, s.queryErr("journals_in_window", err)
	}
	defer rows.Close()

	var journals []ledger.Journal
	for rows.Next() {
		j, err := scanJournal(rows)
		if err != nil {
			return nil, s.queryErr("journals_in_window", err)
		}
		journals = append(journals, *j)
	}
	if err := rows.Err(); err != nil {
		return nil, s.queryErr("journals_in_window", err)
	}

	out := make([]chain.JournalWithLines, 0, len(journals))
	for _, j := range journals {
		lines, err := s.linesOf(ctx, s.db, j.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, chain.JournalWithLines{Journal: j, Lines: lines})
	}
	return out, nil
}

// After returns up to limit outbox events with id greater than afterID, in
// id order. It implements events.Outbox for the dispatcher.
func (s *Store) After(ctx context.Context, afterID string, limit int) ([]*events.Event, error) {
	query := `SELECT id, name, entity_type, entity_id, correlation_id, causation_id,
		actor_type, actor_id, schema_version, payload_json, created_at
		FROM outbox_events WHERE id > ? ORDER BY id`
	args := []any{afterID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, s.queryErr("outbox_after", err)
	}
	defer rows.Close()

	var out []*events.Event
	for rows.Next() {
		var ev events.Event
		if err := rows.Scan(&ev.ID, &ev.Name, &ev.EntityType, &ev.EntityID, &ev.CorrelationID,
			&ev.CausationID, &ev.ActorType, &ev.ActorID, &ev.SchemaVersion,
			&ev.PayloadJSON, &ev.CreatedAt); err != nil {
			return nil, s.queryErr("outbox_after", err)
		}
		out = append(out, &ev)
	}
	return out, rows.Err()
}

const versionCols = `id, name, currency, state, version, effective_from, approved_by, approved_at, created_at`

func scanVersion(sc rowScanner) (*fees.MatrixVersion, error) {
	var v fees.MatrixVersion
	var approvedAt sql.NullTime
	if err := sc.Scan(&v.ID, &v.Name, &v.Currency, &v.State, &v.Version,
		&v.EffectiveFrom, &v.ApprovedBy, &approvedAt, &v.CreatedAt); err != nil {
		return nil, err
	}
	v.ApprovedAt = nullZero(approvedAt)
	return &v, nil
}

// ActiveVersion returns the APPROVED matrix version for a currency with the
// highest EffectiveFrom not after at, ties broken by the Version counter.
func (s *Store) ActiveVersion(ctx context.Context, currency string, at time.Time) (*fees.MatrixVersion, error) {
	const q = `SELECT ` + versionCols + ` FROM fee_matrix_versions
		WHERE currency = ? AND state = ? AND effective_from <= ?
		ORDER BY effective_from DESC, version DESC LIMIT 1`
	row := s.db.QueryRowContext(ctx, s.rebind(q), currency, fees.VersionApproved, utc(at))
	v, err := scanVersion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, s.queryErr("active_version", err)
	}
	return v, nil
}

// VersionByID returns the matrix version row, or nil when absent.
func (s *Store) VersionByID(ctx context.Context, id string) (*fees.MatrixVersion, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT `+versionCols+` FROM fee_matrix_versions WHERE id = ?`), id)
	v, err := scanVersion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, s.queryErr("version_by_id", err)
	}
	return v, nil
}

// Rule returns the matrix rule for an exact tuple, or nil when absent.
func (s *Store) Rule(ctx context.Context, versionID string, kind fees.RuleKind, txnType ledger.TxnType, currency, agentType string) (*fees.Rule, error) {
	const q = `SELECT id, version_id, kind, txn_type, currency, agent_type, flat_minor, percent_bp,
		min_minor, max_minor, tax_rate_bp, revenue_account_id, tax_account_id, expense_account_id
		FROM fee_rules WHERE version_id = ? AND kind = ? AND txn_type = ? AND currency = ? AND agent_type = ?`
	var r fees.Rule
	err := s.db.QueryRowContext(ctx, s.rebind(q), versionID, kind, txnType, currency, agentType).
		Scan(&r.ID, &r.VersionID, &r.Kind, &r.TxnType, &r.Currency, &r.AgentType,
			&r.FlatMinor, &r.PercentBP, &r.MinMinor, &r.MaxMinor, &r.TaxRateBP,
			&r.RevenueAccountID, &r.TaxAccountID, &r.ExpenseAccountID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, s.queryErr("fee_rule", err)
	}
	return &r, nil
}

// SaveActor upserts an actor row. Onboarding and KYC transitions land here.
func (s *Store) SaveActor(ctx context.Context, a ledger.Actor) error {
	return s.transact(ctx, func(tx *sql.Tx) error {
		st := &sqlTx{s: s, tx: tx}
		const q = `INSERT INTO actors (` + actorCols + `)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET
				type = excluded.type,
				state = excluded.state,
				msisdn = excluded.msisdn,
				code = excluded.code,
				parent_actor_id = excluded.parent_actor_id,
				kyc_state = excluded.kyc_state,
				role = excluded.role,
				pin_hash = excluded.pin_hash,
				updated_at = excluded.updated_at`
		_, err := st.exec(ctx, "save_actor", q,
			a.ID, a.Type, a.State, a.MSISDN, a.Code, a.ParentActorID,
			a.KYCState, a.Role, a.PINHash, utc(a.CreatedAt), utc(a.UpdatedAt))
		return err
	})
}

// CreateAccount inserts an account together with its balance row, the way
// account provisioning creates both atomically.
func (s *Store) CreateAccount(ctx context.Context, acct ledger.LedgerAccount, opening money.Amount) error {
	return s.transact(ctx, func(tx *sql.Tx) error {
		st := &sqlTx{s: s, tx: tx}
		if _, err := st.exec(ctx, "create_account",
			`INSERT INTO ledger_accounts (`+accountCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			acct.ID, acct.OwnerType, acct.OwnerID, acct.Type, acct.Currency,
			acct.COACode, acct.AllowNegative, utc(acct.CreatedAt)); err != nil {
			return err
		}
		_, err := st.exec(ctx, "create_account",
			`INSERT INTO account_balances (`+balanceCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			acct.ID, acct.Currency, opening, opening, money.Amount(0), money.Amount(0),
			"", utc(acct.CreatedAt))
		return err
	})
}

// SavePeriod upserts an accounting period.
func (s *Store) SavePeriod(ctx context.Context, p ledger.AccountingPeriod) error {
	return s.transact(ctx, func(tx *sql.Tx) error {
		st := &sqlTx{s: s, tx: tx}
		const q = `INSERT INTO accounting_periods (id, start_date, end_date, status)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET
				start_date = excluded.start_date,
				end_date = excluded.end_date,
				status = excluded.status`
		_, err := st.exec(ctx, "save_period", q,
			p.ID, utc(p.StartDate), utc(p.EndDate), p.Status)
		return err
	})
}

// SaveOverdraft upserts an overdraft facility. OVERDRAFT_GRANT approvals
// execute through here.
func (s *Store) SaveOverdraft(ctx context.Context, o ledger.OverdraftFacility) error {
	return s.transact(ctx, func(tx *sql.Tx) error {
		st := &sqlTx{s: s, tx: tx}
		const q = `INSERT INTO overdraft_facilities (id, account_id, limit_minor, state, valid_from, valid_to, granted_by, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET
				account_id = excluded.account_id,
				limit_minor = excluded.limit_minor,
				state = excluded.state,
				valid_from = excluded.valid_from,
				valid_to = excluded.valid_to,
				granted_by = excluded.granted_by`
		_, err := st.exec(ctx, "save_overdraft", q,
			o.ID, o.AccountID, o.Limit, o.State, zeroNull(o.ValidFrom), zeroNull(o.ValidTo),
			o.GrantedBy, utc(o.CreatedAt))
		return err
	})
}

// SaveFeeVersion upserts a charge matrix version.
func (s *Store) SaveFeeVersion(ctx context.Context, v fees.MatrixVersion) error {
	return s.transact(ctx, func(tx *sql.Tx) error {
		st := &sqlTx{s: s, tx: tx}
		const q = `INSERT INTO fee_matrix_versions (` + versionCols + `)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET
				name = excluded.name,
				currency = excluded.currency,
				state = excluded.state,
				version = excluded.version,
				effective_from = excluded.effective_from,
				approved_by = excluded.approved_by,
				approved_at = excluded.approved_at`
		_, err := st.exec(ctx, "save_fee_version", q,
			v.ID, v.Name, v.Currency, v.State, v.Version, utc(v.EffectiveFrom),
			v.ApprovedBy, zeroNull(v.ApprovedAt), utc(v.CreatedAt))
		return err
	})
}

// SaveFeeRule upserts a charge matrix rule.
func (s *Store) SaveFeeRule(ctx context.Context, r fees.Rule) error {
	return s.transact(ctx, func(tx *sql.Tx) error {
		st := &sqlTx{s: s, tx: tx}
		const q = `INSERT INTO fee_rules (id, version_id, kind, txn_type, currency, agent_type,
			flat_minor, percent_bp, min_minor, max_minor, tax_rate_bp,
			revenue_account_id, tax_account_id, expense_account_id)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET
				flat_minor = excluded.flat_minor,
				percent_bp = excluded.percent_bp,
				min_minor = excluded.min_minor,
				max_minor = excluded.max_minor,
				tax_rate_bp = excluded.tax_rate_bp,
				revenue_account_id = excluded.revenue_account_id,
				tax_account_id = excluded.tax_account_id,
				expense_account_id = excluded.expense_account_id`
		_, err := st.exec(ctx, "save_fee_rule", q,
			r.ID, r.VersionID, r.Kind, r.TxnType, r.Currency, r.AgentType,
			r.FlatMinor, r.PercentBP, r.MinMinor, r.MaxMinor, r.TaxRateBP,
			r.RevenueAccountID, r.TaxAccountID, r.ExpenseAccountID)
		return err
	})
}

// TamperLine rewrites one stored line amount in place, bypassing the
// posting engine. Chain verification tests use it to simulate direct
// database tampering.
func (s *Store) TamperLine(ctx context.Context, journalID string, lineNumber int, amount money.Amount) error {
	res, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE journal_lines SET amount = ? WHERE journal_id = ? AND line_number = ?`),
		amount, journalID, lineNumber)
	if err != nil {
		return s.queryErr("tamper_line", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return s.queryErr("tamper_line", err)
	}
	if n == 0 {
		return NewDataError("tamper_line", "no such journal line", nil)
	}
	return nil
}
