package steps

import (
	"context"
	"log/slog"
	"time"

	"github.com/PuneetChandel/AIPaymentsAgentWorkflow/internal/db"
	"github.com/PuneetChandel/AIPaymentsAgentWorkflow/internal/faults"
	"github.com/PuneetChandel/AIPaymentsAgentWorkflow/internal/ledger"
	"github.com/PuneetChandel/AIPaymentsAgentWorkflow/internal/llm"
	"github.com/PuneetChandel/AIPaymentsAgentWorkflow/internal/schemas"
	"github.com/PuneetChandel/AIPaymentsAgentWorkflow/internal/similarity"
	"github.com/PuneetChandel/AIPaymentsAgentWorkflow/internal/simcache"
)

// Generate drafts a resolution from the fetched data, up to three similar
// resolved cases and up to three policies.
type Generate struct {
	cache   SimilarityCache
	drafter llm.Drafter
	logger  *slog.Logger
	clock   func() time.Time
}

// NewGenerate creates the generate executor.
func NewGenerate(cache SimilarityCache, drafter llm.Drafter, logger *slog.Logger, clock func() time.Time) *Generate {
	return &Generate{cache: cache, drafter: drafter, logger: logger, clock: clock}
}

// Step implements Executor.
func (g *Generate) Step() db.Step { return db.StepGenerate }

// Execute implements Executor.
func (g *Generate) Execute(ctx context.Context, in Input) (*Result, error) {
	f := in.Context.Fetched
	q := similarity.Query{
		CaseID:      f.Case.ID,
		DisputeType: f.Case.DisputeType,
		Amount:      f.Case.Amount,
		Segment:     f.Account.SegmentOrDefault(),
		Description: f.Case.Description,
		RequestedAt: g.clock(),
	}

	cases := g.lookup(ctx, in, similarity.CollectionCases, q)
	policies := g.lookup(ctx, in, similarity.CollectionPolicies, q)

	draft, err := g.drafter.Draft(ctx, llm.DraftInput{Fetched: *f, SimilarCases: cases, Policies: policies})
	if err != nil {
		return nil, err
	}
	proposal := draft.Proposal
	if err := schemas.ValidateProposal(&proposal); err != nil {
		return nil, faults.Wrap(faults.KindInvalidInput, "generate", err)
	}

	detail := map[string]any{
		"source":        proposal.Source,
		"similar_cases": len(cases),
		"policies":      len(policies),
	}
	if draft.Model != "" {
		detail["model"] = draft.Model
	}
	if draft.FallbackReason != "" {
		detail["fallback_reason"] = draft.FallbackReason
	}

	return &Result{
		Update: db.RunContext{Proposal: &proposal},
		Usage: []ledger.Usage{
			{Unit: ledger.UnitLLMInputTokens, Quantity: draft.InputTokens},
			{Unit: ledger.UnitLLMOutputTokens, Quantity: draft.OutputTokens},
			{Unit: ledger.UnitSimilarityQuery, Quantity: 2},
		},
		Detail: detail,
	}, nil
}

// lookup returns no items when the similarity store is empty or failing;
// drafting proceeds with less context.
func (g *Generate) lookup(ctx context.Context, in Input, collection string, q similarity.Query) []similarity.Item {
	items, err := g.cache.Query(ctx, collection, q, simcache.MaxK)
	if err != nil {
		g.logger.Warn("similarity lookup failed", "run_id", in.RunID, "collection", collection, "error", err)
		return nil
	}
	return items
}
