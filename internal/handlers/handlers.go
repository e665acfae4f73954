// Package handlers implements the approval-type handlers the daemon
// registers at boot. Each handler executes the operation an APPROVED
// request stands for, using the request id as the posting idempotency key
// so a redelivered approval replays instead of double-executing.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kobopay/kobod/internal/core/approval"
	"github.com/kobopay/kobod/internal/core/ledger"
	"github.com/kobopay/kobod/internal/core/money"
	"github.com/kobopay/kobod/internal/core/posting"
)

// ErrAgentNotFound reports an agent code that resolves to nothing, or to an
// actor that is not an AGENT.
var ErrAgentNotFound = errors.New("handlers: agent not found")

// ErrAccountNotFound reports a missing ledger account the operation needs.
var ErrAccountNotFound = errors.New("handlers: account not found")

// Poster is the posting-engine surface the handlers drive.
type Poster interface {
	Post(ctx context.Context, cmd posting.Command) (*posting.Receipt, error)
	Reverse(ctx context.Context, journalID, reason string, actorType ledger.ActorType, actorID, correlationID string) (*posting.Receipt, error)
}

// Directory resolves actors and accounts for payload references.
type Directory interface {
	ActorByCode(ctx context.Context, code string) (*ledger.Actor, error)
	AccountByOwner(ctx context.Context, ownerID string, typ ledger.AccountType, currency string) (*ledger.LedgerAccount, error)
	AccountByID(ctx context.Context, id string) (*ledger.LedgerAccount, error)
}

// OverdraftSaver persists granted overdraft facilities.
type OverdraftSaver interface {
	SaveOverdraft(ctx context.Context, o ledger.OverdraftFacility) error
}

// Set bundles the dependencies shared by every handler.
type Set struct {
	Poster     Poster
	Directory  Directory
	Overdrafts OverdraftSaver

	// PlatformActorID owns the per-currency SUSPENSE and BANK_MIRROR
	// accounts that absorb the counter-side of float and payout flows.
	PlatformActorID string

	Clock  func() time.Time
	Logger *zap.Logger
}

// RegisterAll binds the well-known approval types to their handlers.
func (s Set) RegisterAll(reg *approval.Registry) {
	if s.Clock == nil {
		s.Clock = time.Now
	}
	if s.Logger == nil {
		s.Logger = zap.NewNop()
	}
	reg.Register(approval.TypeReversal, s.Reversal())
	reg.Register(approval.TypeOverdraftGrant, s.OverdraftGrant())
	reg.Register(approval.TypeLargePayout, s.LargePayout())
	reg.Register(approval.TypeFloatTopUp, s.FloatMovement(approval.TypeFloatTopUp))
	reg.Register(approval.TypeFloatWithdrawal, s.FloatMovement(approval.TypeFloatWithdrawal))
}

// ReversalPayload asks for a POSTED journal to be counter-posted.
type ReversalPayload struct {
	JournalID string `json:"journal_id"`
	Reason    string `json:"reason"`
	StaffID   string `json:"staff_id"`
}

// Reversal posts the counter-journal for an approved reversal request. The
// engine keys reversals on the original journal id, so replays of the same
// approval land on the already-posted counter-journal.
func (s Set) Reversal() approval.Handler {
	return approval.HandlerFunc(func(ctx context.Context, req *approval.ApprovalRequest) error {
		var p ReversalPayload
		if err := decode(req, &p); err != nil {
			return err
		}
		if p.JournalID == "" {
			return fmt.Errorf("handlers: reversal request %s: journal_id is required", req.ID)
		}
		staffID := p.StaffID
		if staffID == "" {
			staffID = req.MakerStaffID
		}

		receipt, err := s.Poster.Reverse(ctx, p.JournalID, p.Reason, ledger.ActorStaff, staffID, req.CorrelationID)
		if err != nil {
			return fmt.Errorf("handlers: reversal request %s: %w", req.ID, err)
		}
		s.Logger.Info("approved reversal posted",
			zap.String("request_id", req.ID),
			zap.String("journal_id", p.JournalID),
			zap.String("reversal_journal_id", receipt.JournalID))
		return nil
	})
}

// OverdraftGrantPayload describes the facility an approved request creates.
type OverdraftGrantPayload struct {
	AccountID  string    `json:"account_id"`
	LimitMinor int64     `json:"limit_minor"`
	ValidFrom  time.Time `json:"valid_from,omitempty"`
	ValidTo    time.Time `json:"valid_to,omitempty"`
	StaffID    string    `json:"staff_id"`
}

// OverdraftGrant activates an overdraft facility. The facility id is the
// request id, so re-execution upserts the same row.
func (s Set) OverdraftGrant() approval.Handler {
	return approval.HandlerFunc(func(ctx context.Context, req *approval.ApprovalRequest) error {
		var p OverdraftGrantPayload
		if err := decode(req, &p); err != nil {
			return err
		}
		if p.AccountID == "" {
			return fmt.Errorf("handlers: overdraft request %s: account_id is required", req.ID)
		}
		if p.LimitMinor <= 0 {
			return fmt.Errorf("handlers: overdraft request %s: limit must be positive, got %d", req.ID, p.LimitMinor)
		}
		acct, err := s.Directory.AccountByID(ctx, p.AccountID)
		if err != nil {
			return fmt.Errorf("handlers: overdraft request %s: %w", req.ID, err)
		}
		if acct == nil {
			return fmt.Errorf("handlers: overdraft request %s: account %s not found", req.ID, p.AccountID)
		}

		grantedBy := p.StaffID
		if grantedBy == "" {
			grantedBy = req.MakerStaffID
		}
		now := s.Clock()
		if err := s.Overdrafts.SaveOverdraft(ctx, ledger.OverdraftFacility{
			ID:        req.ID,
			AccountID: p.AccountID,
			Limit:     money.Amount(p.LimitMinor),
			State:     ledger.OverdraftActive,
			ValidFrom: p.ValidFrom,
			ValidTo:   p.ValidTo,
			GrantedBy: grantedBy,
			CreatedAt: now,
		}); err != nil {
			return fmt.Errorf("handlers: overdraft request %s: %w", req.ID, err)
		}
		s.Logger.Info("overdraft facility granted",
			zap.String("request_id", req.ID),
			zap.String("account_id", p.AccountID),
			zap.Int64("limit_minor", p.LimitMinor))
		return nil
	})
}

// LargePayoutPayload moves funds from a merchant wallet to the platform
// bank mirror for external settlement.
type LargePayoutPayload struct {
	AccountID   string `json:"account_id"`
	AmountMinor int64  `json:"amount_minor"`
	Currency    string `json:"currency"`
	StaffID     string `json:"staff_id"`
	Reason      string `json:"reason,omitempty"`
}

// LargePayout posts the payout journal once the request is APPROVED.
func (s Set) LargePayout() approval.Handler {
	return approval.HandlerFunc(func(ctx context.Context, req *approval.ApprovalRequest) error {
		var p LargePayoutPayload
		if err := decode(req, &p); err != nil {
			return err
		}
		if p.AmountMinor <= 0 {
			return fmt.Errorf("handlers: payout request %s: amount must be positive, got %d", req.ID, p.AmountMinor)
		}
		mirror, err := s.Directory.AccountByOwner(ctx, s.PlatformActorID, ledger.AccountBankMirror, p.Currency)
		if err != nil {
			return fmt.Errorf("handlers: payout request %s: %w", req.ID, err)
		}
		if mirror == nil {
			return fmt.Errorf("handlers: payout request %s: no %s bank mirror account", req.ID, p.Currency)
		}

		staffID := p.StaffID
		if staffID == "" {
			staffID = req.MakerStaffID
		}
		amount := money.Amount(p.AmountMinor)
		receipt, err := s.Poster.Post(ctx, posting.Command{
			IdempotencyKey: req.ID,
			CorrelationID:  req.CorrelationID,
			TxnType:        ledger.TxnLargePayout,
			Currency:       p.Currency,
			Description:    p.Reason,
			ActorType:      ledger.ActorStaff,
			ActorID:        staffID,
			Entries: []posting.Entry{
				{AccountID: p.AccountID, Side: money.Debit, Amount: amount},
				{AccountID: mirror.ID, Side: money.Credit, Amount: amount},
			},
		})
		if err != nil {
			return fmt.Errorf("handlers: payout request %s: %w", req.ID, err)
		}
		s.Logger.Info("approved payout posted",
			zap.String("request_id", req.ID),
			zap.String("journal_id", receipt.JournalID),
			zap.Int64("amount_minor", p.AmountMinor))
		return nil
	})
}

// FloatMovementPayload adjusts an agent's cash float against the platform
// suspense account.
type FloatMovementPayload struct {
	AgentCode   string `json:"agent_code"`
	AmountMinor int64  `json:"amount_minor"`
	Currency    string `json:"currency"`
	StaffID     string `json:"staff_id"`
	Reason      string `json:"reason,omitempty"`
	Reference   string `json:"reference,omitempty"`
}

// FloatMovement posts an approved float top-up or withdrawal. Top-ups
// credit the agent float from suspense; withdrawals debit it back.
func (s Set) FloatMovement(approvalType string) approval.Handler {
	return approval.HandlerFunc(func(ctx context.Context, req *approval.ApprovalRequest) error {
		var p FloatMovementPayload
		if err := decode(req, &p); err != nil {
			return err
		}
		if p.StaffID == "" {
			p.StaffID = req.MakerStaffID
		}
		cmd, err := s.BuildFloatCommand(ctx, approvalType, p, req.ID, req.CorrelationID)
		if err != nil {
			return fmt.Errorf("handlers: float request %s: %w", req.ID, err)
		}
		receipt, err := s.Poster.Post(ctx, cmd)
		if err != nil {
			return fmt.Errorf("handlers: float request %s: %w", req.ID, err)
		}
		s.Logger.Info("approved float movement posted",
			zap.String("request_id", req.ID),
			zap.String("txn_type", string(cmd.TxnType)),
			zap.String("journal_id", receipt.JournalID))
		return nil
	})
}

// BuildFloatCommand resolves the accounts a float movement touches and
// assembles the posting command. The HTTP layer uses it for un-gated
// movements with the caller's idempotency key; the approval handler uses
// it with the request id, so both paths post the same journal shape.
func (s Set) BuildFloatCommand(ctx context.Context, approvalType string, p FloatMovementPayload, idempotencyKey, correlationID string) (posting.Command, error) {
	if p.AmountMinor <= 0 {
		return posting.Command{}, fmt.Errorf("handlers: float amount must be positive, got %d", p.AmountMinor)
	}

	agent, err := s.Directory.ActorByCode(ctx, p.AgentCode)
	if err != nil {
		return posting.Command{}, err
	}
	if agent == nil || agent.Type != ledger.ActorAgent {
		return posting.Command{}, fmt.Errorf("%w: code %q", ErrAgentNotFound, p.AgentCode)
	}
	float, err := s.Directory.AccountByOwner(ctx, agent.ID, ledger.AccountCashFloat, p.Currency)
	if err != nil {
		return posting.Command{}, err
	}
	if float == nil {
		return posting.Command{}, fmt.Errorf("%w: agent %s has no %s float account", ErrAccountNotFound, agent.ID, p.Currency)
	}
	suspense, err := s.Directory.AccountByOwner(ctx, s.PlatformActorID, ledger.AccountSuspense, p.Currency)
	if err != nil {
		return posting.Command{}, err
	}
	if suspense == nil {
		return posting.Command{}, fmt.Errorf("%w: no %s suspense account", ErrAccountNotFound, p.Currency)
	}
	commission, err := s.Directory.AccountByOwner(ctx, agent.ID, ledger.AccountCommission, p.Currency)
	if err != nil {
		return posting.Command{}, err
	}
	var commissionAccountID string
	if commission != nil {
		commissionAccountID = commission.ID
	}

	amount := money.Amount(p.AmountMinor)
	txnType := ledger.TxnFloatTopUp
	entries := []posting.Entry{
		{AccountID: suspense.ID, Side: money.Debit, Amount: amount},
		{AccountID: float.ID, Side: money.Credit, Amount: amount},
	}
	if approvalType == approval.TypeFloatWithdrawal {
		txnType = ledger.TxnFloatWithdrawal
		entries = []posting.Entry{
			{AccountID: float.ID, Side: money.Debit, Amount: amount},
			{AccountID: suspense.ID, Side: money.Credit, Amount: amount},
		}
	}

	return posting.Command{
		IdempotencyKey:           idempotencyKey,
		CorrelationID:            correlationID,
		TxnType:                  txnType,
		Currency:                 p.Currency,
		Entries:                  entries,
		Description:              describeFloat(p),
		ActorType:                ledger.ActorStaff,
		ActorID:                  p.StaffID,
		AgentType:                string(ledger.ActorAgent),
		AgentCommissionAccountID: commissionAccountID,
		FeePayerAccountID:        float.ID,
	}, nil
}

func describeFloat(p FloatMovementPayload) string {
	if p.Reference != "" {
		return p.Reason + " (" + p.Reference + ")"
	}
	return p.Reason
}

func decode(req *approval.ApprovalRequest, dst any) error {
	if err := json.Unmarshal(req.PayloadJSON, dst); err != nil {
		return fmt.Errorf("handlers: request %s payload: %w", req.ID, err)
	}
	return nil
}
