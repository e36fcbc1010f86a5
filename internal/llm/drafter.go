package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"github.com/PuneetChandel/AIPaymentsAgentWorkflow/internal/faults"
	"github.com/PuneetChandel/AIPaymentsAgentWorkflow/internal/prompts"
	"github.com/PuneetChandel/AIPaymentsAgentWorkflow/internal/schemas"
	"github.com/PuneetChandel/AIPaymentsAgentWorkflow/internal/similarity"
	"github.com/PuneetChandel/AIPaymentsAgentWorkflow/internal/types"
)

// Proposal sources
const (
	SourceLLM   = "llm"
	SourceRules = "rules"
)

// DraftInput is everything a drafter may consider. SimilarCases and Policies
// hold at most three items each and may be empty.
type DraftInput struct {
	Fetched      types.FetchedData
	SimilarCases []similarity.Item
	Policies     []similarity.Item
}

// Draft is a proposed resolution plus the model usage it cost.
type Draft struct {
	Proposal     types.ResolutionProposal
	Model        string
	InputTokens  int64
	OutputTokens int64
	// FallbackReason is set when the rules produced the proposal after the
	// model output was unusable.
	FallbackReason string
}

// Drafter proposes a resolution for a dispute.
type Drafter interface {
	Draft(ctx context.Context, in DraftInput) (*Draft, error)
}

// ---------------------------------------------------------------------------
// Model drafter
// ---------------------------------------------------------------------------

// ModelDrafter asks an LLM for a proposal and checks it against the proposal
// schema.
type ModelDrafter struct {
	client       Client
	tier         ModelTier
	advancedFrom float64
}

// NewModelDrafter creates a drafter backed by client.
func NewModelDrafter(client Client, tier ModelTier) *ModelDrafter {
	if tier == "" {
		tier = TierStandard
	}
	return &ModelDrafter{client: client, tier: tier}
}

// WithAdvancedFrom routes disputes of at least amount to TierAdvanced. Zero
// disables routing.
func (d *ModelDrafter) WithAdvancedFrom(amount float64) *ModelDrafter {
	d.advancedFrom = amount
	return d
}

func (d *ModelDrafter) tierFor(f types.FetchedData) ModelTier {
	if d.advancedFrom > 0 && f.Case.Amount >= d.advancedFrom {
		return TierAdvanced
	}
	return d.tier
}

// Draft implements Drafter. Output that fails schema validation is returned
// as KindInvalidInput together with the usage already spent.
func (d *ModelDrafter) Draft(ctx context.Context, in DraftInput) (*Draft, error) {
	prompt, err := BuildPrompt(in)
	if err != nil {
		return nil, faults.Wrap(faults.KindInternal, "llm.Draft", err)
	}

	resp, err := d.client.GenerateJSON(ctx, prompt, d.tierFor(in.Fetched))
	if err != nil {
		return nil, err
	}
	draft := &Draft{Model: resp.Model, InputTokens: resp.InputTokens, OutputTokens: resp.OutputTokens}

	if err := schemas.ValidateProposalJSON(resp.Text); err != nil {
		return draft, faults.Wrap(faults.KindInvalidInput, "llm.Draft", err)
	}
	if err := json.Unmarshal([]byte(resp.Text), &draft.Proposal); err != nil {
		return draft, faults.Wrap(faults.KindInvalidInput, "llm.Draft", fmt.Errorf("failed to decode proposal: %w", err))
	}
	if disputed := in.Fetched.Case.Amount; draft.Proposal.Amount > disputed && disputed > 0 {
		draft.Proposal.Amount = disputed
	}
	draft.Proposal.Source = SourceLLM
	return draft, nil
}

// BuildPrompt renders the draft-resolution prompt for in.
func BuildPrompt(in DraftInput) (string, error) {
	template, err := prompts.Get("resolution.json", "draft-resolution")
	if err != nil {
		return "", err
	}
	empty := prompts.MustGet("resolution.json", "empty-section")

	f := in.Fetched
	data := map[string]string{
		"Case": fmt.Sprintf("ID: %s\nType: %s\nAmount: $%.2f\nSubject: %s\nDescription: %s",
			f.Case.ID, f.Case.DisputeType, f.Case.Amount, f.Case.Subject, f.Case.Description),
		"Account": fmt.Sprintf("Name: %s\nSegment: %s", orDefault(f.Account.Name, "Unknown"), f.Account.SegmentOrDefault()),
		"Subscription": fmt.Sprintf("Plan: %s\nStatus: %s\nMonthly rate: $%.2f",
			orDefault(f.Subscription.PlanName, "Unknown"), orDefault(f.Subscription.Status, "Unknown"), f.Subscription.MonthlyRate),
		"Charges":      formatCharges(f.Charges.Charges, empty),
		"SimilarCases": formatItems(in.SimilarCases, empty),
		"Policies":     formatItems(in.Policies, empty),
	}
	return prompts.Format(template, data), nil
}

func formatCharges(charges []types.Charge, empty string) string {
	if len(charges) == 0 {
		return empty
	}
	var sb strings.Builder
	for _, c := range charges {
		fmt.Fprintf(&sb, "- %s: $%.2f %s", c.ID, c.Amount, c.Status)
		if c.Disputed {
			sb.WriteString(" (disputed)")
		}
		if c.Description != "" {
			fmt.Fprintf(&sb, " %s", c.Description)
		}
		sb.WriteString("\n")
	}
	return strings.TrimSuffix(sb.String(), "\n")
}

func formatItems(items []similarity.Item, empty string) string {
	if len(items) == 0 {
		return empty
	}
	var sb strings.Builder
	for i, it := range items {
		label := it.Title
		if label == "" {
			label = it.CaseID
		}
		fmt.Fprintf(&sb, "%d. [%s] %s (score %.2f)\n   %s\n", i+1, it.ID, label, it.Score, it.Content)
	}
	return strings.TrimSuffix(sb.String(), "\n")
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}

// ---------------------------------------------------------------------------
// Rules drafter
// ---------------------------------------------------------------------------

// RulesDrafter proposes a resolution from the disputed amount alone.
type RulesDrafter struct{}

// Draft implements Drafter. It never fails and reports no usage.
func (RulesDrafter) Draft(_ context.Context, in DraftInput) (*Draft, error) {
	return &Draft{Proposal: RuleProposal(in.Fetched)}, nil
}

// RuleProposal applies the amount thresholds: small disputes are refunded in
// full, mid-sized ones partially (75% for Premium customers, else 50%), and
// large ones are denied pending review.
func RuleProposal(f types.FetchedData) types.ResolutionProposal {
	amount := f.Case.Amount
	segment := f.Account.SegmentOrDefault()
	p := types.ResolutionProposal{
		RequiresHumanReview: true,
		Source:              SourceRules,
	}

	switch {
	case amount < 50:
		p.Action = types.ActionFullRefund
		p.Amount = amount
		p.Reason = "Small disputed amount qualifies for a full refund"
		p.Confidence = 0.8
		p.RiskLevel = types.RiskLow
		p.SupportingFactors = []string{"amount under $50"}
	case amount < 200:
		share := 0.5
		if strings.EqualFold(segment, "Premium") {
			share = 0.75
		}
		p.Action = types.ActionPartialRefund
		p.Amount = math.Round(amount*share*100) / 100
		p.Reason = fmt.Sprintf("Moderate disputed amount; %.0f%% partial refund for %s customer", share*100, segment)
		p.Confidence = 0.6
		p.RiskLevel = types.RiskMedium
		p.SupportingFactors = []string{"amount between $50 and $200", "segment " + segment}
	default:
		p.Action = types.ActionDenyRefund
		p.Amount = 0
		p.Reason = "Large disputed amount requires manual investigation before any refund"
		p.Confidence = 0.4
		p.RiskLevel = types.RiskHigh
		p.SupportingFactors = []string{"amount of $200 or more"}
	}
	return p
}

// ---------------------------------------------------------------------------
// Fallback
// ---------------------------------------------------------------------------

// FallbackDrafter tries primary and falls back to the rules when the model
// output is unusable. Transient failures are returned so the engine can
// retry the step.
type FallbackDrafter struct {
	primary  Drafter
	fallback Drafter
	logger   *slog.Logger
}

// NewFallbackDrafter wraps primary. A nil logger uses slog.Default().
func NewFallbackDrafter(primary Drafter, logger *slog.Logger) *FallbackDrafter {
	if logger == nil {
		logger = slog.Default()
	}
	return &FallbackDrafter{primary: primary, fallback: RulesDrafter{}, logger: logger}
}

// Draft implements Drafter. A fallback draft reports no model usage.
func (d *FallbackDrafter) Draft(ctx context.Context, in DraftInput) (*Draft, error) {
	draft, err := d.primary.Draft(ctx, in)
	if err == nil {
		return draft, nil
	}
	if faults.IsTransient(err) || ctx.Err() != nil {
		return nil, err
	}

	d.logger.Warn("model draft unusable, using rules", "case_id", in.Fetched.Case.ID, "error", err)
	out, ferr := d.fallback.Draft(ctx, in)
	if ferr != nil {
		return nil, ferr
	}
	out.FallbackReason = err.Error()
	return out, nil
}
