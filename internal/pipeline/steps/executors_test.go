package steps

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/PuneetChandel/AIPaymentsAgentWorkflow/internal/db"
	"github.com/PuneetChandel/AIPaymentsAgentWorkflow/internal/db/memdb"
	"github.com/PuneetChandel/AIPaymentsAgentWorkflow/internal/faults"
	"github.com/PuneetChandel/AIPaymentsAgentWorkflow/internal/integrations"
	"github.com/PuneetChandel/AIPaymentsAgentWorkflow/internal/ledger"
	"github.com/PuneetChandel/AIPaymentsAgentWorkflow/internal/llm"
	"github.com/PuneetChandel/AIPaymentsAgentWorkflow/internal/similarity"
	"github.com/PuneetChandel/AIPaymentsAgentWorkflow/internal/types"
)

func TestNewExecutors_CoversEveryStep(t *testing.T) {
	execs := NewExecutors(Deps{})
	for _, step := range db.StepOrder {
		e, ok := execs[step]
		require.True(t, ok, "missing executor for %s", step)
		assert.Equal(t, step, e.Step())
	}
}

func TestFetch(t *testing.T) {
	ctx := context.Background()

	t.Run("all lookups succeed", func(t *testing.T) {
		sb := seededSandbox()
		res, err := NewFetch(sb, sb, sb, discardLogger()).Execute(ctx, Input{CaseID: "CASE-1"})
		require.NoError(t, err)

		f := res.Update.Fetched
		require.NotNil(t, f)
		assert.Equal(t, "Acme", f.Account.Name)
		assert.Equal(t, "Active", f.Subscription.Status)
		assert.Len(t, f.Charges.Charges, 1)
		assert.Empty(t, f.Degraded)
		assert.Equal(t, Continue, res.Signal)
	})

	t.Run("optional lookups degrade", func(t *testing.T) {
		sb := seededSandbox()
		sb.FailNext(integrations.OpGetAccount, faults.Transient("crm", errors.New("timeout")))
		sb.FailNext(integrations.OpGetCharges, faults.Transient("payments", errors.New("timeout")))

		res, err := NewFetch(sb, sb, sb, discardLogger()).Execute(ctx, Input{CaseID: "CASE-1"})
		require.NoError(t, err)
		assert.Equal(t, []string{LookupAccount, LookupCharges}, res.Update.Fetched.Degraded)
		assert.NotNil(t, res.Update.Fetched.Charges.Charges)
	})

	t.Run("case lookup is critical", func(t *testing.T) {
		sb := seededSandbox()
		_, err := NewFetch(sb, sb, sb, discardLogger()).Execute(ctx, Input{CaseID: "CASE-404"})
		assert.True(t, faults.IsKind(err, faults.KindNotFound))

		sb.FailNext(integrations.OpGetCase, faults.Transient("crm", errors.New("503")))
		_, err = NewFetch(sb, sb, sb, discardLogger()).Execute(ctx, Input{CaseID: "CASE-1"})
		assert.True(t, faults.IsTransient(err))
		assert.Zero(t, sb.Calls(integrations.OpGetAccount))
	})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		fetched *types.FetchedData
		valid   bool
	}{
		{"billing dispute", &types.FetchedData{Case: types.CaseRecord{ID: "C", DisputeType: "Billing Error", Amount: 10}}, true},
		{"charge dispute any case", &types.FetchedData{Case: types.CaseRecord{ID: "C", DisputeType: "Duplicate CHARGE", Amount: 0}}, true},
		{"other dispute type", &types.FetchedData{Case: types.CaseRecord{ID: "C", DisputeType: "Shipping", Amount: 10}}, false},
		{"negative amount", &types.FetchedData{Case: types.CaseRecord{ID: "C", DisputeType: "Billing", Amount: -1}}, false},
		{"missing case", &types.FetchedData{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := Validate{}.Execute(context.Background(), Input{Context: db.RunContext{Fetched: tt.fetched}})
			require.NoError(t, err)
			assert.Equal(t, tt.valid, res.Update.Validation.Valid)
			if tt.valid {
				assert.Equal(t, Continue, res.Signal)
			} else {
				assert.Equal(t, Halt, res.Signal)
				assert.NotEmpty(t, res.Reason)
			}
		})
	}
}

func TestGenerate(t *testing.T) {
	cache := new(MockCache)
	drafter := new(MockDrafter)

	cache.On("Query", mock.Anything, similarity.CollectionCases, mock.Anything, 3).
		Return([]similarity.Item{{ID: "1", CaseID: "CASE-0"}}, nil)
	cache.On("Query", mock.Anything, similarity.CollectionPolicies, mock.Anything, 3).
		Return(nil, errors.New("sqlite locked"))

	proposal := llm.RuleProposal(*fetchedData())
	drafter.On("Draft", mock.Anything, mock.MatchedBy(func(in llm.DraftInput) bool {
		return len(in.SimilarCases) == 1 && len(in.Policies) == 0
	})).Return(&llm.Draft{Proposal: proposal, Model: "gemini", InputTokens: 1000, OutputTokens: 200}, nil)

	g := NewGenerate(cache, drafter, discardLogger(), clock)
	res, err := g.Execute(context.Background(), Input{CaseID: "CASE-1", Context: db.RunContext{Fetched: fetchedData()}})
	require.NoError(t, err)

	assert.Equal(t, proposal.Action, res.Update.Proposal.Action)
	assert.Contains(t, res.Usage, ledger.Usage{Unit: ledger.UnitLLMInputTokens, Quantity: 1000})
	assert.Contains(t, res.Usage, ledger.Usage{Unit: ledger.UnitLLMOutputTokens, Quantity: 200})
	assert.Equal(t, 0, res.Detail["policies"])
	cache.AssertExpectations(t)
	drafter.AssertExpectations(t)
}

func TestGenerate_TransientDraftFailure(t *testing.T) {
	cache := new(MockCache)
	cache.On("Query", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return([]similarity.Item{}, nil)
	drafter := new(MockDrafter)
	drafter.On("Draft", mock.Anything, mock.Anything).Return(nil, faults.Transient("llm", errors.New("429")))

	_, err := NewGenerate(cache, drafter, discardLogger(), clock).
		Execute(context.Background(), Input{Context: db.RunContext{Fetched: fetchedData()}})
	assert.True(t, faults.IsTransient(err))
}

func TestGenerate_RejectsInvalidProposal(t *testing.T) {
	cache := new(MockCache)
	cache.On("Query", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return([]similarity.Item{}, nil)
	drafter := new(MockDrafter)
	drafter.On("Draft", mock.Anything, mock.Anything).
		Return(&llm.Draft{Proposal: types.ResolutionProposal{Action: "bogus"}}, nil)

	_, err := NewGenerate(cache, drafter, discardLogger(), clock).
		Execute(context.Background(), Input{Context: db.RunContext{Fetched: fetchedData()}})
	assert.True(t, faults.IsKind(err, faults.KindInvalidInput))
}

func TestSendReview(t *testing.T) {
	runID := uuid.New()
	proposal := llm.RuleProposal(*fetchedData())
	in := Input{RunID: runID, CaseID: "CASE-1", Context: db.RunContext{Fetched: fetchedData(), Proposal: &proposal}}

	t.Run("publishes and emails", func(t *testing.T) {
		pub := new(MockPublisher)
		pub.On("PublishReview", mock.Anything, mock.MatchedBy(func(m types.ReviewMessage) bool {
			return m.RunID == runID.String() && m.Summary.CustomerName == "Acme"
		})).Return(int64(7), nil)
		n := new(MockNotifier)
		n.On("RequestReview", mock.Anything, mock.Anything).Return(true, nil)

		res, err := NewSendReview(pub, n, discardLogger(), clock).Execute(context.Background(), in)
		require.NoError(t, err)
		assert.Equal(t, int64(7), res.Update.Review.QueueMessageID)
		assert.True(t, res.Update.Review.EmailSent)
		assert.Equal(t, []string{"reviewer@example.com"}, res.Update.Review.Recipients)
	})

	t.Run("notification outage is transient", func(t *testing.T) {
		pub := new(MockPublisher)
		pub.On("PublishReview", mock.Anything, mock.Anything).Return(int64(1), nil)
		n := new(MockNotifier)
		n.On("RequestReview", mock.Anything, mock.Anything).Return(false, faults.Transient("smtp", errors.New("421")))

		_, err := NewSendReview(pub, n, discardLogger(), clock).Execute(context.Background(), in)
		assert.True(t, faults.IsTransient(err))
	})

	t.Run("other email failures are tolerated", func(t *testing.T) {
		pub := new(MockPublisher)
		pub.On("PublishReview", mock.Anything, mock.Anything).Return(int64(2), nil)
		n := new(MockNotifier)
		n.On("RequestReview", mock.Anything, mock.Anything).Return(false, faults.InvalidInput("notify", "bad address"))

		res, err := NewSendReview(pub, n, discardLogger(), clock).Execute(context.Background(), in)
		require.NoError(t, err)
		assert.False(t, res.Update.Review.EmailSent)
		assert.Empty(t, res.Update.Review.Recipients)
	})
}

func TestAwaitDecision(t *testing.T) {
	ctx := context.Background()

	res, err := AwaitDecision{}.Execute(ctx, Input{})
	require.NoError(t, err)
	assert.Equal(t, Suspend, res.Signal)

	res, err = AwaitDecision{}.Execute(ctx, Input{Context: db.RunContext{Decision: &types.HumanDecision{Decision: types.DecisionApproved}}})
	require.NoError(t, err)
	assert.Equal(t, Continue, res.Signal)

	res, err = AwaitDecision{}.Execute(ctx, Input{Context: db.RunContext{Decision: &types.HumanDecision{Decision: types.DecisionRejected, Comments: "not eligible"}}})
	require.NoError(t, err)
	assert.Equal(t, Reject, res.Signal)
	assert.Equal(t, "not eligible", res.Reason)

	_, err = AwaitDecision{}.Execute(ctx, Input{Context: db.RunContext{Decision: &types.HumanDecision{Decision: "maybe"}}})
	assert.ErrorIs(t, err, faults.ErrInvalidDecision)
}

func TestExecute_Idempotent(t *testing.T) {
	ctx := context.Background()
	store := memdb.New()
	sb := seededSandbox()
	exec := NewExecute(store, sb, sb, discardLogger(), clock)
	in := approvedInput(uuid.New())

	first, err := exec.Execute(ctx, in)
	require.NoError(t, err)
	require.True(t, first.Update.Execution.Succeeded())
	assert.NotEmpty(t, first.Update.Execution.RefundID)

	second, err := exec.Execute(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, first.Update.Execution.RefundID, second.Update.Execution.RefundID)
	assert.Equal(t, true, second.Detail["replayed"])

	assert.Equal(t, 1, sb.Calls(integrations.OpCreateRefund))
	assert.Equal(t, 1, sb.Calls(integrations.OpUpdateCase))
	updates := sb.CaseUpdates("CASE-1")
	require.Len(t, updates, 1)
	assert.Equal(t, CaseStatusResolved, updates[0].Status)
}

func TestExecute_RefundNotRepeatedAfterCRMFailure(t *testing.T) {
	ctx := context.Background()
	store := memdb.New()
	sb := seededSandbox()
	exec := NewExecute(store, sb, sb, discardLogger(), clock)
	in := approvedInput(uuid.New())

	sb.FailNext(integrations.OpUpdateCase, faults.Transient("crm", errors.New("503")))
	_, err := exec.Execute(ctx, in)
	require.True(t, faults.IsTransient(err))

	rec, err := store.GetExecution(ctx, in.RunID)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.NotEmpty(t, rec.RefundID)
	assert.Nil(t, rec.Outcome)

	res, err := exec.Execute(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, rec.RefundID, res.Update.Execution.RefundID)
	assert.Equal(t, 1, sb.Calls(integrations.OpCreateRefund))
}

func TestExecute_DenyMovesNoMoney(t *testing.T) {
	store := memdb.New()
	sb := seededSandbox()
	in := approvedInput(uuid.New())
	in.Context.Decision.ModifiedResolution = &types.ResolutionProposal{
		Action: types.ActionDenyRefund, Reason: "Charge was valid per usage logs", RiskLevel: types.RiskLow,
	}

	res, err := NewExecute(store, sb, sb, discardLogger(), clock).Execute(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, types.ActionDenyRefund, res.Update.Execution.Resolution.Action)
	assert.Empty(t, res.Update.Execution.RefundID)
	assert.Zero(t, sb.Calls(integrations.OpCreateRefund))
}

func TestExecute_FailureIsRecorded(t *testing.T) {
	ctx := context.Background()
	store := memdb.New()
	sb := seededSandbox()
	exec := NewExecute(store, sb, sb, discardLogger(), clock)
	in := approvedInput(uuid.New())

	sb.FailNext(integrations.OpCreateRefund, faults.InvalidInput("billing", "account closed"))
	_, err := exec.Execute(ctx, in)
	assert.True(t, faults.IsKind(err, faults.KindExecutionFailure))

	rec, err := store.GetExecution(ctx, in.RunID)
	require.NoError(t, err)
	require.NotNil(t, rec.Outcome)
	assert.Equal(t, types.ExecutionFailed, rec.Outcome.Status)

	// a retry replays the failure instead of calling billing again
	_, err = exec.Execute(ctx, in)
	assert.True(t, faults.IsKind(err, faults.KindExecutionFailure))
	assert.Equal(t, 1, sb.Calls(integrations.OpCreateRefund))
}

func TestExecute_OnExhausted(t *testing.T) {
	ctx := context.Background()
	store := memdb.New()
	sb := seededSandbox()
	exec := NewExecute(store, sb, sb, discardLogger(), clock)
	in := approvedInput(uuid.New())

	sb.FailNext(integrations.OpCreateRefund, faults.Transient("billing", errors.New("503")))
	_, err := exec.Execute(ctx, in)
	require.True(t, faults.IsTransient(err))

	exec.OnExhausted(ctx, in, err)
	rec, err := store.GetExecution(ctx, in.RunID)
	require.NoError(t, err)
	require.NotNil(t, rec.Outcome)
	assert.Equal(t, types.ExecutionFailed, rec.Outcome.Status)
}

func TestExecute_OnExhaustedKeepsRefundID(t *testing.T) {
	ctx := context.Background()
	store := memdb.New()
	sb := seededSandbox()
	exec := NewExecute(store, sb, sb, discardLogger(), clock)
	in := approvedInput(uuid.New())

	sb.FailNext(integrations.OpUpdateCase, faults.Transient("crm", errors.New("503")))
	_, err := exec.Execute(ctx, in)
	require.True(t, faults.IsTransient(err))

	exec.OnExhausted(ctx, in, err)
	rec, err := store.GetExecution(ctx, in.RunID)
	require.NoError(t, err)
	require.NotEmpty(t, rec.RefundID)
	require.NotNil(t, rec.Outcome)
	assert.Equal(t, types.ExecutionFailed, rec.Outcome.Status)
	assert.Equal(t, rec.RefundID, rec.Outcome.RefundID)
	assert.Equal(t, 1, sb.Calls(integrations.OpCreateRefund))
}

func TestExecute_OnExhaustedKeepsRecordedOutcome(t *testing.T) {
	ctx := context.Background()
	store := memdb.New()
	sb := seededSandbox()
	exec := NewExecute(store, sb, sb, discardLogger(), clock)
	in := approvedInput(uuid.New())

	sb.FailNext(integrations.OpCreateRefund, faults.InvalidInput("billing", "account closed"))
	_, err := exec.Execute(ctx, in)
	require.True(t, faults.IsKind(err, faults.KindExecutionFailure))
	first, err := store.GetExecution(ctx, in.RunID)
	require.NoError(t, err)
	require.NotNil(t, first.Outcome)

	exec.OnExhausted(ctx, in, faults.Transient("engine", errors.New("something else")))
	after, err := store.GetExecution(ctx, in.RunID)
	require.NoError(t, err)
	assert.Equal(t, first.Outcome, after.Outcome)
	assert.Contains(t, after.Outcome.Error, "account closed")
}

func TestExecute_RequiresApproval(t *testing.T) {
	in := approvedInput(uuid.New())
	in.Context.Decision.Decision = types.DecisionRejected
	sb := seededSandbox()

	_, err := NewExecute(memdb.New(), sb, sb, discardLogger(), clock).Execute(context.Background(), in)
	assert.True(t, faults.IsKind(err, faults.KindInvalidState))
}

func TestStore(t *testing.T) {
	in := approvedInput(uuid.New())
	in.Context.Execution = &types.ExecutionOutcome{
		Status:     types.ExecutionSucceeded,
		Resolution: *in.Context.Proposal,
		RefundID:   "refund-1",
	}

	sim := new(MockSimilarity)
	sim.On("StoreResolution", mock.Anything, mock.MatchedBy(func(rc similarity.ResolvedCase) bool {
		return rc.CaseID == "CASE-1" && rc.Segment == "Premium"
	})).Return("42", nil)
	finance := new(MockNotifier)
	finance.On("ResolutionCompleted", mock.Anything, mock.Anything).Return(false, errors.New("smtp down"))

	res, err := NewStore(sim, finance, discardLogger(), clock).Execute(context.Background(), in)
	require.NoError(t, err, "completion email is best effort")
	assert.True(t, res.Learned)
	assert.Equal(t, "42", res.Update.Final.SimilarityItemID)
	assert.False(t, res.Update.Final.CompletionNotified)
	sim.AssertExpectations(t)
}

func TestStore_LockedSimilarityStoreIsRetryable(t *testing.T) {
	in := approvedInput(uuid.New())
	in.Context.Execution = &types.ExecutionOutcome{Status: types.ExecutionSucceeded, Resolution: *in.Context.Proposal}

	sim := new(MockSimilarity)
	sim.On("StoreResolution", mock.Anything, mock.Anything).
		Return("", faults.Transient("similarity.StoreResolution", errors.New("database is locked")))
	finance := new(MockNotifier)

	_, err := NewStore(sim, finance, discardLogger(), clock).Execute(context.Background(), in)
	require.Error(t, err)
	assert.True(t, faults.IsTransient(err))
	finance.AssertNotCalled(t, "ResolutionCompleted", mock.Anything, mock.Anything)
}
