package steps

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/PuneetChandel/AIPaymentsAgentWorkflow/internal/db"
	"github.com/PuneetChandel/AIPaymentsAgentWorkflow/internal/faults"
	"github.com/PuneetChandel/AIPaymentsAgentWorkflow/internal/integrations"
	"github.com/PuneetChandel/AIPaymentsAgentWorkflow/internal/ledger"
	"github.com/PuneetChandel/AIPaymentsAgentWorkflow/internal/types"
)

// CaseStatusResolved is the CRM status set once a resolution is executed.
const CaseStatusResolved = "Resolved"

// Execute carries out an approved resolution: refund through billing when the
// resolution moves money, then resolve the CRM case.
//
// Every attempt goes through the run's execution record. The intent is
// written first; a refund id, once recorded, is never requested again; and a
// recorded outcome is returned as is. Retrying after a crash therefore never
// issues a second refund.
type Execute struct {
	store   ExecutionStore
	billing Billing
	crm     CRM
	logger  *slog.Logger
	clock   func() time.Time
}

// NewExecute creates the execute executor.
func NewExecute(store ExecutionStore, billing Billing, crm CRM, logger *slog.Logger, clock func() time.Time) *Execute {
	return &Execute{store: store, billing: billing, crm: crm, logger: logger, clock: clock}
}

// Step implements Executor.
func (e *Execute) Step() db.Step { return db.StepExecute }

// Execute implements Executor.
func (e *Execute) Execute(ctx context.Context, in Input) (*Result, error) {
	decision := in.Context.Decision
	if decision == nil || decision.Decision != types.DecisionApproved {
		return nil, faults.New(faults.KindInvalidState, "execute", "resolution has not been approved")
	}
	resolution := *decision.ApprovedResolution(in.Context.Proposal)
	fetched := in.Context.Fetched

	rec, err := e.store.CreateExecutionIntent(ctx, in.RunID, types.ExecutionIntent{
		RunID:      in.RunID.String(),
		CaseID:     in.CaseID,
		AccountID:  fetched.Case.AccountID,
		Resolution: resolution,
	})
	if err != nil {
		return nil, err
	}

	if rec.Outcome != nil {
		return e.replay(rec)
	}
	// the recorded intent wins over a decision that changed underneath it
	resolution = rec.Intent.Resolution

	var usage []ledger.Usage
	refundID := rec.RefundID
	if resolution.MovesMoney() && refundID == "" {
		refundID, err = e.billing.CreateRefund(ctx, integrations.RefundRequest{
			AccountID:      rec.Intent.AccountID,
			CaseID:         in.CaseID,
			Amount:         resolution.Amount,
			Reason:         resolution.Reason,
			IdempotencyKey: in.RunID.String(),
		})
		usage = append(usage, ledger.Usage{Unit: ledger.UnitBillingCall, Quantity: 1})
		if err != nil {
			return nil, e.fail(ctx, in, resolution, "", err)
		}
		if err := e.store.SetExecutionRefund(ctx, in.RunID, refundID); err != nil {
			return nil, err
		}
	}

	update := integrations.CaseUpdate{
		Status:     CaseStatusResolved,
		Resolution: resolution.Action,
		Amount:     resolution.Amount,
		RefundID:   refundID,
		Comment:    decision.Comments,
	}
	err = e.crm.UpdateCase(ctx, in.CaseID, update)
	usage = append(usage, ledger.Usage{Unit: ledger.UnitCRMCall, Quantity: 1})
	if err != nil {
		return nil, e.fail(ctx, in, resolution, refundID, err)
	}

	outcome := types.ExecutionOutcome{
		Status:     types.ExecutionSucceeded,
		Resolution: resolution,
		RefundID:   refundID,
		CaseStatus: CaseStatusResolved,
		ExecutedAt: e.clock().UTC(),
	}
	if err := e.store.SetExecutionOutcome(ctx, in.RunID, outcome); err != nil {
		return nil, err
	}

	detail := map[string]any{"action": resolution.Action, "amount": resolution.Amount}
	if refundID != "" {
		detail["refund_id"] = refundID
	}
	return &Result{
		Update: db.RunContext{Execution: &outcome},
		Usage:  usage,
		Detail: detail,
	}, nil
}

// replay returns a previously recorded outcome without touching billing or
// the CRM.
func (e *Execute) replay(rec *db.ExecutionRecord) (*Result, error) {
	outcome := *rec.Outcome
	if !outcome.Succeeded() {
		return nil, faults.New(faults.KindExecutionFailure, "execute", "previous execution failed: "+outcome.Error)
	}
	return &Result{
		Update: db.RunContext{Execution: &outcome},
		Detail: map[string]any{"replayed": true, "action": outcome.Resolution.Action},
	}, nil
}

// fail records a failed outcome for non-retryable errors. Transient errors are
// returned untouched so the engine retries; OnExhausted records them when the
// retries run out.
func (e *Execute) fail(ctx context.Context, in Input, resolution types.ResolutionProposal, refundID string, cause error) error {
	if faults.IsTransient(cause) || faults.IsKind(cause, faults.KindPersistence) {
		return cause
	}
	e.recordFailure(ctx, in, resolution, refundID, cause)
	return faults.Wrap(faults.KindExecutionFailure, "execute", cause)
}

// OnExhausted implements ExhaustionHandler. An outcome already on the record
// is kept; otherwise the failure is recorded with any refund that went out.
func (e *Execute) OnExhausted(ctx context.Context, in Input, err error) {
	decision := in.Context.Decision
	if decision == nil || in.Context.Proposal == nil {
		return
	}
	rec, getErr := e.store.GetExecution(ctx, in.RunID)
	if getErr != nil {
		e.logger.Error("failed to read execution record", "run_id", in.RunID, "error", getErr)
		return
	}
	if rec == nil || rec.Outcome != nil {
		return
	}
	e.recordFailure(ctx, in, rec.Intent.Resolution, rec.RefundID, err)
}

func (e *Execute) recordFailure(ctx context.Context, in Input, resolution types.ResolutionProposal, refundID string, cause error) {
	outcome := types.ExecutionOutcome{
		Status:     types.ExecutionFailed,
		Resolution: resolution,
		RefundID:   refundID,
		Error:      fmt.Sprintf("%s: %v", faults.KindOf(cause), cause),
		ExecutedAt: e.clock().UTC(),
	}
	if err := e.store.SetExecutionOutcome(ctx, in.RunID, outcome); err != nil {
		e.logger.Error("failed to record execution failure", "run_id", in.RunID, "error", err)
	}
}
