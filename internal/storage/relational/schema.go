package relational

import "fmt"

// dialect holds the type tokens that differ between PostgreSQL and SQLite.
// Everything else in the DDL is plain enough to run on both.
type dialect struct {
	ts    string // timestamp column type
	bytes string // raw byte column type
}

func dialectFor(driver string) dialect {
	if driver == DriverSQLite {
		// TIMESTAMP keeps the declared type time-shaped so the driver
		// round-trips time.Time values.
		return dialect{ts: "TIMESTAMP", bytes: "BLOB"}
	}
	return dialect{ts: "TIMESTAMPTZ", bytes: "BYTEA"}
}

// schemaStatements returns the full DDL for one driver. Statements are
// idempotent; initSchema runs them on every Open.
func schemaStatements(driver string) []string {
	d := dialectFor(driver)

	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS actors (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			state TEXT NOT NULL,
			msisdn TEXT NOT NULL DEFAULT '',
			code TEXT NOT NULL DEFAULT '',
			parent_actor_id TEXT NOT NULL DEFAULT '',
			kyc_state TEXT NOT NULL DEFAULT '',
			role TEXT NOT NULL DEFAULT '',
			pin_hash TEXT NOT NULL DEFAULT '',
			created_at %[1]s NOT NULL,
			updated_at %[1]s NOT NULL
		)`, d.ts),
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_actors_type_msisdn
			ON actors(type, msisdn) WHERE msisdn <> ''`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_actors_code
			ON actors(code) WHERE code <> ''`,

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS ledger_accounts (
			id TEXT PRIMARY KEY,
			owner_type TEXT NOT NULL,
			owner_id TEXT NOT NULL,
			type TEXT NOT NULL,
			currency TEXT NOT NULL,
			coa_code TEXT NOT NULL DEFAULT '',
			allow_negative BOOLEAN NOT NULL,
			created_at %s NOT NULL,
			UNIQUE (owner_id, type, currency)
		)`, d.ts),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS account_balances (
			account_id TEXT PRIMARY KEY,
			currency TEXT NOT NULL,
			actual BIGINT NOT NULL,
			available BIGINT NOT NULL,
			hold BIGINT NOT NULL,
			pending_credits BIGINT NOT NULL,
			last_journal_id TEXT NOT NULL DEFAULT '',
			updated_at %s NOT NULL
		)`, d.ts),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS journals (
			id TEXT PRIMARY KEY,
			txn_type TEXT NOT NULL,
			currency TEXT NOT NULL,
			correlation_id TEXT NOT NULL DEFAULT '',
			state TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			prev_hash TEXT NOT NULL,
			hash TEXT NOT NULL,
			chain_seq BIGINT NOT NULL,
			effective_date %[1]s NOT NULL,
			reversal_of TEXT NOT NULL DEFAULT '',
			reversed_by TEXT NOT NULL DEFAULT '',
			correction_of TEXT NOT NULL DEFAULT '',
			batch_id TEXT NOT NULL DEFAULT '',
			period_id TEXT NOT NULL DEFAULT '',
			total BIGINT NOT NULL,
			created_at %[1]s NOT NULL,
			UNIQUE (currency, chain_seq)
		)`, d.ts),
		`CREATE INDEX IF NOT EXISTS idx_journals_correlation
			ON journals(correlation_id)`,
		`CREATE INDEX IF NOT EXISTS idx_journals_currency_created
			ON journals(currency, created_at)`,

		`CREATE TABLE IF NOT EXISTS journal_lines (
			id TEXT PRIMARY KEY,
			journal_id TEXT NOT NULL,
			account_id TEXT NOT NULL,
			side TEXT NOT NULL,
			amount BIGINT NOT NULL,
			line_number INTEGER NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			UNIQUE (journal_id, line_number)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_journal_lines_account
			ON journal_lines(account_id)`,

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS chain_heads (
			currency TEXT PRIMARY KEY,
			last_journal_id TEXT NOT NULL DEFAULT '',
			last_hash TEXT NOT NULL,
			chain_seq BIGINT NOT NULL,
			updated_at %s NOT NULL
		)`, d.ts),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS accounting_periods (
			id TEXT PRIMARY KEY,
			start_date %[1]s NOT NULL,
			end_date %[1]s NOT NULL,
			status TEXT NOT NULL
		)`, d.ts),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS overdraft_facilities (
			id TEXT PRIMARY KEY,
			account_id TEXT NOT NULL,
			limit_minor BIGINT NOT NULL,
			state TEXT NOT NULL,
			valid_from %[1]s,
			valid_to %[1]s,
			granted_by TEXT NOT NULL DEFAULT '',
			created_at %[1]s NOT NULL
		)`, d.ts),
		`CREATE INDEX IF NOT EXISTS idx_overdrafts_account
			ON overdraft_facilities(account_id)`,

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS idempotency_records (
			scope_hash TEXT NOT NULL,
			key TEXT NOT NULL,
			payload_hash TEXT NOT NULL,
			result_json %[2]s,
			created_at %[1]s NOT NULL,
			expires_at %[1]s,
			PRIMARY KEY (scope_hash, key)
		)`, d.ts, d.bytes),
		`CREATE INDEX IF NOT EXISTS idx_idempotency_expires
			ON idempotency_records(expires_at)`,

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS outbox_events (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			entity_type TEXT NOT NULL DEFAULT '',
			entity_id TEXT NOT NULL DEFAULT '',
			correlation_id TEXT NOT NULL DEFAULT '',
			causation_id TEXT NOT NULL DEFAULT '',
			actor_type TEXT NOT NULL DEFAULT '',
			actor_id TEXT NOT NULL DEFAULT '',
			schema_version INTEGER NOT NULL,
			payload_json %[2]s,
			created_at %[1]s NOT NULL
		)`, d.ts, d.bytes),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS fee_matrix_versions (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			currency TEXT NOT NULL,
			state TEXT NOT NULL,
			version INTEGER NOT NULL,
			effective_from %[1]s NOT NULL,
			approved_by TEXT NOT NULL DEFAULT '',
			approved_at %[1]s,
			created_at %[1]s NOT NULL
		)`, d.ts),
		`CREATE INDEX IF NOT EXISTS idx_fee_versions_currency
			ON fee_matrix_versions(currency, state, effective_from)`,

		`CREATE TABLE IF NOT EXISTS fee_rules (
			id TEXT PRIMARY KEY,
			version_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			txn_type TEXT NOT NULL,
			currency TEXT NOT NULL,
			agent_type TEXT NOT NULL DEFAULT '',
			flat_minor BIGINT NOT NULL DEFAULT 0,
			percent_bp BIGINT NOT NULL DEFAULT 0,
			min_minor BIGINT NOT NULL DEFAULT 0,
			max_minor BIGINT NOT NULL DEFAULT 0,
			tax_rate_bp BIGINT NOT NULL DEFAULT 0,
			revenue_account_id TEXT NOT NULL DEFAULT '',
			tax_account_id TEXT NOT NULL DEFAULT '',
			expense_account_id TEXT NOT NULL DEFAULT '',
			UNIQUE (version_id, kind, txn_type, currency, agent_type)
		)`,

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS approval_policies (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			approval_type TEXT NOT NULL,
			priority INTEGER NOT NULL DEFAULT 0,
			version INTEGER NOT NULL DEFAULT 1,
			state TEXT NOT NULL,
			valid_from %[1]s,
			valid_to %[1]s,
			expiry_minutes INTEGER NOT NULL DEFAULT 0,
			escalation_minutes INTEGER NOT NULL DEFAULT 0,
			created_at %[1]s NOT NULL
		)`, d.ts),
		`CREATE INDEX IF NOT EXISTS idx_approval_policies_state
			ON approval_policies(state, approval_type)`,

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS approval_policy_conditions (
			policy_id TEXT NOT NULL,
			field TEXT NOT NULL,
			operator TEXT NOT NULL,
			value %s
		)`, d.bytes),
		`CREATE INDEX IF NOT EXISTS idx_policy_conditions_policy
			ON approval_policy_conditions(policy_id)`,

		`CREATE TABLE IF NOT EXISTS approval_policy_stages (
			policy_id TEXT NOT NULL,
			stage_no INTEGER NOT NULL,
			min_approvals INTEGER NOT NULL DEFAULT 1,
			roles_json TEXT NOT NULL DEFAULT '[]',
			actor_ids_json TEXT NOT NULL DEFAULT '[]',
			exclude_maker BOOLEAN NOT NULL DEFAULT false,
			exclude_previous BOOLEAN NOT NULL DEFAULT false,
			timeout_minutes INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (policy_id, stage_no)
		)`,

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS approval_policy_bindings (
			policy_id TEXT NOT NULL,
			bind_type TEXT NOT NULL,
			value %s
		)`, d.bytes),
		`CREATE INDEX IF NOT EXISTS idx_policy_bindings_policy
			ON approval_policy_bindings(policy_id)`,

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS approval_requests (
			id TEXT PRIMARY KEY,
			approval_type TEXT NOT NULL,
			payload_json %[2]s,
			maker_staff_id TEXT NOT NULL,
			policy_id TEXT NOT NULL,
			current_stage INTEGER NOT NULL,
			total_stages INTEGER NOT NULL,
			state TEXT NOT NULL,
			correlation_id TEXT NOT NULL DEFAULT '',
			created_at %[1]s NOT NULL,
			stage_entered_at %[1]s NOT NULL,
			decided_at %[1]s
		)`, d.ts, d.bytes),
		`CREATE INDEX IF NOT EXISTS idx_approval_requests_state
			ON approval_requests(state, created_at)`,

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS approval_stage_decisions (
			request_id TEXT NOT NULL,
			policy_id TEXT NOT NULL,
			stage_no INTEGER NOT NULL,
			decision TEXT NOT NULL,
			decider_id TEXT NOT NULL,
			decider_role TEXT NOT NULL DEFAULT '',
			reason TEXT NOT NULL DEFAULT '',
			decided_at %s NOT NULL,
			PRIMARY KEY (request_id, stage_no, decider_id)
		)`, d.ts),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS approval_delegations (
			id TEXT PRIMARY KEY,
			delegator_id TEXT NOT NULL,
			delegate_id TEXT NOT NULL,
			approval_type TEXT NOT NULL DEFAULT '',
			valid_from %[1]s NOT NULL,
			valid_to %[1]s NOT NULL,
			state TEXT NOT NULL
		)`, d.ts),
		`CREATE INDEX IF NOT EXISTS idx_delegations_delegate
			ON approval_delegations(delegate_id)`,
	}
}
