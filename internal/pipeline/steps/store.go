package steps

import (
	"context"
	"log/slog"
	"time"

	"github.com/PuneetChandel/AIPaymentsAgentWorkflow/internal/db"
	"github.com/PuneetChandel/AIPaymentsAgentWorkflow/internal/ledger"
	"github.com/PuneetChandel/AIPaymentsAgentWorkflow/internal/notify"
	"github.com/PuneetChandel/AIPaymentsAgentWorkflow/internal/similarity"
	"github.com/PuneetChandel/AIPaymentsAgentWorkflow/internal/types"
)

// Store writes the resolved case to the similarity store so later disputes
// can learn from it, and tells finance the dispute is closed.
type Store struct {
	similarity SimilarityWriter
	finance    CompletionNotifier
	logger     *slog.Logger
	clock      func() time.Time
}

// NewStore creates the store executor.
func NewStore(similarity SimilarityWriter, finance CompletionNotifier, logger *slog.Logger, clock func() time.Time) *Store {
	return &Store{similarity: similarity, finance: finance, logger: logger, clock: clock}
}

// Step implements Executor.
func (s *Store) Step() db.Step { return db.StepStore }

// Execute implements Executor. The completion email is best effort.
func (s *Store) Execute(ctx context.Context, in Input) (*Result, error) {
	f := in.Context.Fetched
	outcome := in.Context.Execution
	resolution := outcome.Resolution

	itemID, err := s.similarity.StoreResolution(ctx, similarity.ResolvedCase{
		CaseID:       f.Case.ID,
		AccountID:    f.Case.AccountID,
		CustomerName: f.Account.Name,
		DisputeType:  f.Case.DisputeType,
		Amount:       f.Case.Amount,
		Segment:      f.Account.SegmentOrDefault(),
		Resolution:   resolution.Action,
		Reason:       resolution.Reason,
	})
	if err != nil {
		return nil, err
	}

	notified, err := s.finance.ResolutionCompleted(ctx, notify.CompletionEmail{
		RunID:        in.RunID.String(),
		CaseID:       in.CaseID,
		CustomerName: f.Summary().CustomerName,
		Status:       in.Context.Decision.Decision,
		Action:       resolution.Action,
		Amount:       resolution.Amount,
		RefundID:     outcome.RefundID,
	})
	if err != nil {
		s.logger.Warn("completion email not sent", "run_id", in.RunID, "case_id", in.CaseID, "error", err)
	}

	usage := []ledger.Usage{}
	if notified {
		usage = append(usage, ledger.Usage{Unit: ledger.UnitNotification, Quantity: 1})
	}
	return &Result{
		Update: db.RunContext{Final: &types.FinalOutcome{
			StoredAt:           s.clock().UTC(),
			SimilarityItemID:   itemID,
			CompletionNotified: notified,
		}},
		Usage:   usage,
		Detail:  map[string]any{"similarity_item_id": itemID},
		Learned: true,
	}, nil
}
