package llm

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PuneetChandel/AIPaymentsAgentWorkflow/internal/faults"
	"github.com/PuneetChandel/AIPaymentsAgentWorkflow/internal/similarity"
	"github.com/PuneetChandel/AIPaymentsAgentWorkflow/internal/types"
)

type fakeClient struct {
	resp   *Response
	err    error
	prompt string
	tier   ModelTier
	calls  int
}

func (f *fakeClient) GenerateJSON(_ context.Context, prompt string, tier ModelTier) (*Response, error) {
	f.calls++
	f.prompt = prompt
	f.tier = tier
	if f.err != nil {
		return nil, f.err
	}
	return f.resp, nil
}

func (f *fakeClient) Close() error { return nil }

func fetched(amount float64, segment string) types.FetchedData {
	return types.FetchedData{
		Case:    types.CaseRecord{ID: "CASE-1", DisputeType: "Billing Error", Amount: amount, Description: "charged twice"},
		Account: types.AccountRecord{ID: "ACC-1", Name: "Acme", Segment: segment},
		Charges: types.ChargesRecord{Charges: []types.Charge{{ID: "ch_1", Amount: amount, Status: "succeeded", Disputed: true}}},
	}
}

func TestRuleProposal(t *testing.T) {
	tests := []struct {
		name    string
		amount  float64
		segment string
		action  string
		refund  float64
		risk    string
		conf    float64
	}{
		{"small", 49.99, "Standard", types.ActionFullRefund, 49.99, types.RiskLow, 0.8},
		{"boundary 50 standard", 50, "Standard", types.ActionPartialRefund, 25, types.RiskMedium, 0.6},
		{"mid premium", 100, "Premium", types.ActionPartialRefund, 75, types.RiskMedium, 0.6},
		{"mid default segment", 150, "", types.ActionPartialRefund, 75, types.RiskMedium, 0.6},
		{"large", 200, "Premium", types.ActionDenyRefund, 0, types.RiskHigh, 0.4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := RuleProposal(fetched(tt.amount, tt.segment))
			assert.Equal(t, tt.action, p.Action)
			assert.InDelta(t, tt.refund, p.Amount, 0.001)
			assert.Equal(t, tt.risk, p.RiskLevel)
			assert.InDelta(t, tt.conf, p.Confidence, 0.001)
			assert.Equal(t, SourceRules, p.Source)
			assert.NoError(t, p.Validate())
		})
	}
}

func TestModelDrafter_Draft(t *testing.T) {
	client := &fakeClient{resp: &Response{
		Text:         `{"action":"full_refund","amount":80,"reason":"Duplicate charge confirmed by payments","confidence":0.9,"requires_human_review":true,"supporting_factors":["POL-DUPLICATE-CHARGE"],"risk_level":"low"}`,
		Model:        "gemini-2.0-flash",
		InputTokens:  1200,
		OutputTokens: 150,
	}}
	d := NewModelDrafter(client, "")

	draft, err := d.Draft(context.Background(), DraftInput{
		Fetched:  fetched(50, "Premium"),
		Policies: []similarity.Item{{ID: "POL-DUPLICATE-CHARGE", Title: "Duplicate charges", Content: "Refund duplicates"}},
	})
	require.NoError(t, err)
	assert.Equal(t, types.ActionFullRefund, draft.Proposal.Action)
	assert.InDelta(t, 50.0, draft.Proposal.Amount, 0.001, "amount is capped at the disputed amount")
	assert.Equal(t, SourceLLM, draft.Proposal.Source)
	assert.Equal(t, int64(1200), draft.InputTokens)
	assert.Equal(t, int64(150), draft.OutputTokens)

	assert.Contains(t, client.prompt, "CASE-1")
	assert.Contains(t, client.prompt, "POL-DUPLICATE-CHARGE")
	assert.Contains(t, client.prompt, "None available.")
	assert.NotContains(t, client.prompt, "{{.")
}

func TestModelDrafter_SchemaViolation(t *testing.T) {
	client := &fakeClient{resp: &Response{Text: `{"action":"refund_everything"}`, InputTokens: 10}}
	draft, err := NewModelDrafter(client, TierStandard).Draft(context.Background(), DraftInput{Fetched: fetched(10, "")})
	require.Error(t, err)
	assert.True(t, faults.IsKind(err, faults.KindInvalidInput))
	require.NotNil(t, draft)
	assert.Equal(t, int64(10), draft.InputTokens)
}

func TestModelDrafter_RoutesHighValueDisputes(t *testing.T) {
	resp := &Response{Text: `{"action":"deny_refund","amount":0,"reason":"Charge matches signed contract","confidence":0.5,"requires_human_review":true,"supporting_factors":[],"risk_level":"high"}`}

	tests := []struct {
		name   string
		amount float64
		from   float64
		want   ModelTier
	}{
		{name: "below threshold", amount: 999.99, from: 1000, want: TierStandard},
		{name: "at threshold", amount: 1000, from: 1000, want: TierAdvanced},
		{name: "routing disabled", amount: 50000, from: 0, want: TierStandard},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := &fakeClient{resp: resp}
			d := NewModelDrafter(client, TierStandard).WithAdvancedFrom(tt.from)

			_, err := d.Draft(context.Background(), DraftInput{Fetched: fetched(tt.amount, "Standard")})
			require.NoError(t, err)
			assert.Equal(t, tt.want, client.tier)
		})
	}
}

func TestFallbackDrafter(t *testing.T) {
	ctx := context.Background()
	in := DraftInput{Fetched: fetched(30, "Standard")}

	t.Run("malformed output falls back to rules", func(t *testing.T) {
		client := &fakeClient{resp: &Response{Text: "not json", InputTokens: 100, OutputTokens: 5}}
		d := NewFallbackDrafter(NewModelDrafter(client, ""), nil)

		draft, err := d.Draft(ctx, in)
		require.NoError(t, err)
		assert.Equal(t, SourceRules, draft.Proposal.Source)
		assert.Equal(t, types.ActionFullRefund, draft.Proposal.Action)
		assert.Zero(t, draft.InputTokens)
		assert.NotEmpty(t, draft.FallbackReason)
	})

	t.Run("transient failure propagates", func(t *testing.T) {
		client := &fakeClient{err: faults.Transient("llm.GenerateJSON", errors.New("429"))}
		d := NewFallbackDrafter(NewModelDrafter(client, ""), nil)

		_, err := d.Draft(ctx, in)
		assert.True(t, faults.IsTransient(err))
	})

	t.Run("success passes through", func(t *testing.T) {
		client := &fakeClient{resp: &Response{Text: `{"action":"account_credit","amount":10,"reason":"Goodwill credit for the outage","confidence":0.7,"requires_human_review":true,"supporting_factors":[],"risk_level":"low"}`}}
		d := NewFallbackDrafter(NewModelDrafter(client, ""), nil)

		draft, err := d.Draft(ctx, in)
		require.NoError(t, err)
		assert.Equal(t, types.ActionAccountCredit, draft.Proposal.Action)
		assert.Empty(t, draft.FallbackReason)
	})
}
