package relational

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/kobopay/kobod/internal/core/approval"
	"github.com/kobopay/kobod/internal/core/ledger"
)

const policyCols = `id, name, approval_type, priority, version, state, valid_from, valid_to,
	expiry_minutes, escalation_minutes, created_at`

func (s *Store) policiesWhere(ctx context.Context, q querier, where string, args ...any) ([]*approval.ApprovalPolicy, error) {
	query := `SELECT ` + policyCols + ` FROM approval_policies ` + where + ` ORDER BY id`
	rows, err := q.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, s.queryErr("policies", err)
	}
	defer rows.Close()

	var out []*approval.ApprovalPolicy
	for rows.Next() {
		var p approval.ApprovalPolicy
		var from, to sql.NullTime
		if err := rows.Scan(&p.ID, &p.Name, &p.ApprovalType, &p.Priority, &p.Version,
			&p.State, &from, &to, &p.ExpiryMinutes, &p.EscalationMinutes, &p.CreatedAt); err != nil {
			return nil, s.queryErr("policies", err)
		}
		p.ValidFrom, p.ValidTo = nullPtr(from), nullPtr(to)
		out = append(out, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, s.queryErr("policies", err)
	}

	for _, p := range out {
		if err := s.loadPolicyChildren(ctx, q, p); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *Store) loadPolicyChildren(ctx context.Context, q querier, p *approval.ApprovalPolicy) error {
	condRows, err := q.QueryContext(ctx, s.rebind(
		`SELECT policy_id, field, operator, value FROM approval_policy_conditions
		 WHERE policy_id = ? ORDER BY field, operator`), p.ID)
	if err != nil {
		return s.queryErr("policy_conditions", err)
	}
	defer condRows.Close()
	for condRows.Next() {
		var c approval.PolicyCondition
		var value []byte
		if err := condRows.Scan(&c.PolicyID, &c.Field, &c.Operator, &value); err != nil {
			return s.queryErr("policy_conditions", err)
		}
		c.Value = json.RawMessage(value)
		p.Conditions = append(p.Conditions, c)
	}
	if err := condRows.Err(); err != nil {
		return s.queryErr("policy_conditions", err)
	}

	stageRows, err := q.QueryContext(ctx, s.rebind(
		`SELECT policy_id, stage_no, min_approvals, roles_json, actor_ids_json,
			exclude_maker, exclude_previous, timeout_minutes
		 FROM approval_policy_stages WHERE policy_id = ? ORDER BY stage_no`), p.ID)
	if err != nil {
		return s.queryErr("policy_stages", err)
	}
	defer stageRows.Close()
	for stageRows.Next() {
		var st approval.PolicyStage
		var rolesJSON, actorsJSON string
		if err := stageRows.Scan(&st.PolicyID, &st.StageNo, &st.MinApprovals,
			&rolesJSON, &actorsJSON, &st.ExcludeMaker, &st.ExcludePreviousApprovers,
			&st.TimeoutMinutes); err != nil {
			return s.queryErr("policy_stages", err)
		}
		if err := json.Unmarshal([]byte(rolesJSON), &st.Roles); err != nil {
			return NewDataError("policy_stages", "bad roles_json", err)
		}
		if err := json.Unmarshal([]byte(actorsJSON), &st.ActorIDs); err != nil {
			return NewDataError("policy_stages", "bad actor_ids_json", err)
		}
		p.Stages = append(p.Stages, st)
	}
	if err := stageRows.Err(); err != nil {
		return s.queryErr("policy_stages", err)
	}

	bindRows, err := q.QueryContext(ctx, s.rebind(
		`SELECT policy_id, bind_type, value FROM approval_policy_bindings
		 WHERE policy_id = ? ORDER BY bind_type`), p.ID)
	if err != nil {
		return s.queryErr("policy_bindings", err)
	}
	defer bindRows.Close()
	for bindRows.Next() {
		var b approval.PolicyBinding
		var value []byte
		if err := bindRows.Scan(&b.PolicyID, &b.Type, &value); err != nil {
			return s.queryErr("policy_bindings", err)
		}
		b.Value = json.RawMessage(value)
		p.Bindings = append(p.Bindings, b)
	}
	return bindRows.Err()
}

func (t *sqlTx) ActivePolicies(ctx context.Context) ([]*approval.ApprovalPolicy, error) {
	return t.s.policiesWhere(ctx, t.tx, `WHERE state = ?`, approval.PolicyActive)
}

func (t *sqlTx) Policy(ctx context.Context, id string) (*approval.ApprovalPolicy, error) {
	ps, err := t.s.policiesWhere(ctx, t.tx, `WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(ps) == 0 {
		return nil, nil
	}
	return ps[0], nil
}

const requestCols = `id, approval_type, payload_json, maker_staff_id, policy_id, current_stage,
	total_stages, state, correlation_id, created_at, stage_entered_at, decided_at`

func scanRequest(sc rowScanner) (*approval.ApprovalRequest, error) {
	var r approval.ApprovalRequest
	var payload []byte
	var decided sql.NullTime
	if err := sc.Scan(&r.ID, &r.Type, &payload, &r.MakerStaffID, &r.PolicyID,
		&r.CurrentStage, &r.TotalStages, &r.State, &r.CorrelationID,
		&r.CreatedAt, &r.StageEnteredAt, &decided); err != nil {
		return nil, err
	}
	r.PayloadJSON = json.RawMessage(payload)
	r.DecidedAt = nullPtr(decided)
	return &r, nil
}

func (s *Store) requestByID(ctx context.Context, q querier, id string) (*approval.ApprovalRequest, error) {
	row := q.QueryRowContext(ctx, s.rebind(`SELECT `+requestCols+` FROM approval_requests WHERE id = ?`), id)
	r, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, s.queryErr("approval_request", err)
	}
	return r, nil
}

func (t *sqlTx) Request(ctx context.Context, id string) (*approval.ApprovalRequest, error) {
	return t.s.requestByID(ctx, t.tx, id)
}

func (t *sqlTx) InsertRequest(ctx context.Context, r *approval.ApprovalRequest) error {
	const q = `INSERT INTO approval_requests (` + requestCols + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := t.exec(ctx, "insert_request", q,
		r.ID, r.Type, []byte(r.PayloadJSON), r.MakerStaffID, r.PolicyID,
		r.CurrentStage, r.TotalStages, r.State, r.CorrelationID,
		utc(r.CreatedAt), utc(r.StageEnteredAt), ptrNull(r.DecidedAt))
	return err
}

func (t *sqlTx) UpdateRequest(ctx context.Context, r *approval.ApprovalRequest) error {
	const q = `UPDATE approval_requests
		SET current_stage = ?, total_stages = ?, state = ?, stage_entered_at = ?, decided_at = ?
		WHERE id = ?`
	n, err := t.exec(ctx, "update_request", q,
		r.CurrentStage, r.TotalStages, r.State, utc(r.StageEnteredAt), ptrNull(r.DecidedAt), r.ID)
	if err != nil {
		return err
	}
	if n == 0 {
		return NewDataError("update_request", "approval request not found", nil)
	}
	return nil
}

func (t *sqlTx) OpenRequests(ctx context.Context, limit int) ([]*approval.ApprovalRequest, error) {
	query := `SELECT ` + requestCols + ` FROM approval_requests
		WHERE state IN (?, ?) ORDER BY created_at, id`
	args := []any{approval.StatePending, approval.StateEscalated}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := t.tx.QueryContext(ctx, t.s.rebind(query), args...)
	if err != nil {
		return nil, t.s.queryErr("open_requests", err)
	}
	defer rows.Close()

	var out []*approval.ApprovalRequest
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, t.s.queryErr("open_requests", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

const decisionCols = `request_id, policy_id, stage_no, decision, decider_id, decider_role, reason, decided_at`

func (s *Store) decisionsOf(ctx context.Context, q querier, requestID string) ([]approval.StageDecision, error) {
	rows, err := q.QueryContext(ctx, s.rebind(
		`SELECT `+decisionCols+` FROM approval_stage_decisions
		 WHERE request_id = ? ORDER BY stage_no, decided_at, decider_id`), requestID)
	if err != nil {
		return nil, s.queryErr("decisions", err)
	}
	defer rows.Close()

	var out []approval.StageDecision
	for rows.Next() {
		var d approval.StageDecision
		if err := rows.Scan(&d.RequestID, &d.PolicyID, &d.StageNo, &d.Decision,
			&d.DeciderID, &d.DeciderRole, &d.Reason, &d.DecidedAt); err != nil {
			return nil, s.queryErr("decisions", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (t *sqlTx) Decisions(ctx context.Context, requestID string) ([]approval.StageDecision, error) {
	return t.s.decisionsOf(ctx, t.tx, requestID)
}

func (t *sqlTx) InsertDecision(ctx context.Context, d approval.StageDecision) error {
	const q = `INSERT INTO approval_stage_decisions (` + decisionCols + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := t.exec(ctx, "insert_decision", q,
		d.RequestID, d.PolicyID, d.StageNo, d.Decision, d.DeciderID,
		d.DeciderRole, d.Reason, utc(d.DecidedAt))
	return err
}

func (t *sqlTx) Staff(ctx context.Context, staffID string) (*ledger.Actor, error) {
	row := t.tx.QueryRowContext(ctx, t.s.rebind(
		`SELECT `+actorCols+` FROM actors WHERE id = ? AND type = ?`), staffID, ledger.ActorStaff)
	a, err := scanActor(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, t.s.queryErr("staff", err)
	}
	return a, nil
}

func (t *sqlTx) DelegationsTo(ctx context.Context, staffID string) ([]approval.Delegation, error) {
	const q = `SELECT id, delegator_id, delegate_id, approval_type, valid_from, valid_to, state
		FROM approval_delegations WHERE delegate_id = ? ORDER BY id`
	rows, err := t.tx.QueryContext(ctx, t.s.rebind(q), staffID)
	if err != nil {
		return nil, t.s.queryErr("delegations", err)
	}
	defer rows.Close()

	var out []approval.Delegation
	for rows.Next() {
		var d approval.Delegation
		if err := rows.Scan(&d.ID, &d.DelegatorID, &d.DelegateID, &d.ApprovalType,
			&d.ValidFrom, &d.ValidTo, &d.State); err != nil {
			return nil, t.s.queryErr("delegations", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (t *sqlTx) PurgeIdempotency(ctx context.Context, asOf time.Time) (int, error) {
	const q = `DELETE FROM idempotency_records WHERE expires_at IS NOT NULL AND expires_at < ?`
	n, err := t.exec(ctx, "purge_idempotency", q, utc(asOf))
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// SavePolicy upserts a policy and replaces its conditions, stages and
// bindings in one transaction. Policy edits land through the POLICY_EDIT
// approval flow; this is its execution step and the seed path.
func (s *Store) SavePolicy(ctx context.Context, p approval.ApprovalPolicy) error {
	return s.transact(ctx, func(tx *sql.Tx) error {
		st := &sqlTx{s: s, tx: tx}

		const upsert = `INSERT INTO approval_policies (` + policyCols + `)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET
				name = excluded.name,
				approval_type = excluded.approval_type,
				priority = excluded.priority,
				version = excluded.version,
				state = excluded.state,
				valid_from = excluded.valid_from,
				valid_to = excluded.valid_to,
				expiry_minutes = excluded.expiry_minutes,
				escalation_minutes = excluded.escalation_minutes`
		if _, err := st.exec(ctx, "save_policy", upsert,
			p.ID, p.Name, p.ApprovalType, p.Priority, p.Version, p.State,
			ptrNull(p.ValidFrom), ptrNull(p.ValidTo), p.ExpiryMinutes,
			p.EscalationMinutes, utc(p.CreatedAt)); err != nil {
			return err
		}

		for _, table := range []string{
			"approval_policy_conditions", "approval_policy_stages", "approval_policy_bindings",
		} {
			if _, err := st.exec(ctx, "save_policy", `DELETE FROM `+table+` WHERE policy_id = ?`, p.ID); err != nil {
				return err
			}
		}

		for _, c := range p.Conditions {
			if _, err := st.exec(ctx, "save_policy",
				`INSERT INTO approval_policy_conditions (policy_id, field, operator, value) VALUES (?, ?, ?, ?)`,
				p.ID, c.Field, c.Operator, []byte(c.Value)); err != nil {
				return err
			}
		}
		for _, stage := range p.Stages {
			roles, err := marshalStrings(stage.Roles)
			if err != nil {
				return NewDataError("save_policy", "bad stage roles", err)
			}
			actors, err := marshalStrings(stage.ActorIDs)
			if err != nil {
				return NewDataError("save_policy", "bad stage actor ids", err)
			}
			if _, err := st.exec(ctx, "save_policy",
				`INSERT INTO approval_policy_stages (policy_id, stage_no, min_approvals, roles_json,
					actor_ids_json, exclude_maker, exclude_previous, timeout_minutes)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
				p.ID, stage.StageNo, stage.MinApprovals, roles, actors,
				stage.ExcludeMaker, stage.ExcludePreviousApprovers, stage.TimeoutMinutes); err != nil {
				return err
			}
		}
		for _, b := range p.Bindings {
			if _, err := st.exec(ctx, "save_policy",
				`INSERT INTO approval_policy_bindings (policy_id, bind_type, value) VALUES (?, ?, ?)`,
				p.ID, b.Type, []byte(b.Value)); err != nil {
				return err
			}
		}
		return nil
	})
}

// SaveDelegation upserts a delegation row.
func (s *Store) SaveDelegation(ctx context.Context, d approval.Delegation) error {
	return s.transact(ctx, func(tx *sql.Tx) error {
		st := &sqlTx{s: s, tx: tx}
		const q = `INSERT INTO approval_delegations (id, delegator_id, delegate_id, approval_type, valid_from, valid_to, state)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET
				delegator_id = excluded.delegator_id,
				delegate_id = excluded.delegate_id,
				approval_type = excluded.approval_type,
				valid_from = excluded.valid_from,
				valid_to = excluded.valid_to,
				state = excluded.state`
		_, err := st.exec(ctx, "save_delegation", q,
			d.ID, d.DelegatorID, d.DelegateID, d.ApprovalType,
			utc(d.ValidFrom), utc(d.ValidTo), d.State)
		return err
	})
}

// RequestByID is the read-side lookup for the approvals API.
func (s *Store) RequestByID(ctx context.Context, id string) (*approval.ApprovalRequest, error) {
	return s.requestByID(ctx, s.db, id)
}

// DecisionsOf is the read-side decision list for the approvals API.
func (s *Store) DecisionsOf(ctx context.Context, requestID string) ([]approval.StageDecision, error) {
	return s.decisionsOf(ctx, s.db, requestID)
}

func marshalStrings(ss []string) (string, error) {
	if len(ss) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(ss)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
