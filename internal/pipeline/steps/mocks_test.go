package steps

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"

	"github.com/PuneetChandel/AIPaymentsAgentWorkflow/internal/db"
	"github.com/PuneetChandel/AIPaymentsAgentWorkflow/internal/integrations"
	"github.com/PuneetChandel/AIPaymentsAgentWorkflow/internal/llm"
	"github.com/PuneetChandel/AIPaymentsAgentWorkflow/internal/notify"
	"github.com/PuneetChandel/AIPaymentsAgentWorkflow/internal/similarity"
	"github.com/PuneetChandel/AIPaymentsAgentWorkflow/internal/types"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func clock() time.Time { return fixedNow }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// MockCache satisfies SimilarityCache
type MockCache struct {
	mock.Mock
}

func (m *MockCache) Query(ctx context.Context, collection string, q similarity.Query, k int) ([]similarity.Item, error) {
	args := m.Called(ctx, collection, q, k)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]similarity.Item), args.Error(1)
}

// MockDrafter satisfies llm.Drafter
type MockDrafter struct {
	mock.Mock
}

func (m *MockDrafter) Draft(ctx context.Context, in llm.DraftInput) (*llm.Draft, error) {
	args := m.Called(ctx, in)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*llm.Draft), args.Error(1)
}

// MockPublisher satisfies ReviewPublisher
type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) PublishReview(ctx context.Context, msg types.ReviewMessage) (int64, error) {
	args := m.Called(ctx, msg)
	return args.Get(0).(int64), args.Error(1)
}

// MockNotifier satisfies ReviewNotifier and CompletionNotifier
type MockNotifier struct {
	mock.Mock
}

func (m *MockNotifier) RequestReview(ctx context.Context, e notify.ReviewEmail) (bool, error) {
	args := m.Called(ctx, e)
	return args.Bool(0), args.Error(1)
}

func (m *MockNotifier) Reviewers() []string {
	return []string{"reviewer@example.com"}
}

func (m *MockNotifier) ResolutionCompleted(ctx context.Context, e notify.CompletionEmail) (bool, error) {
	args := m.Called(ctx, e)
	return args.Bool(0), args.Error(1)
}

// MockSimilarity satisfies SimilarityWriter
type MockSimilarity struct {
	mock.Mock
}

func (m *MockSimilarity) StoreResolution(ctx context.Context, rc similarity.ResolvedCase) (string, error) {
	args := m.Called(ctx, rc)
	return args.String(0), args.Error(1)
}

func seededSandbox() *integrations.Sandbox {
	s := integrations.NewSandbox()
	s.AddCase(
		types.CaseRecord{ID: "CASE-1", AccountID: "ACC-1", DisputeType: "Billing Error", Amount: 50, Description: "charged twice"},
		types.AccountRecord{ID: "ACC-1", Name: "Acme", Segment: "Premium"},
		types.SubscriptionRecord{ID: "sub-1", Status: "Active"},
		[]types.Charge{{ID: "ch_1", Amount: 50, Disputed: true}},
	)
	return s
}

func fetchedData() *types.FetchedData {
	return &types.FetchedData{
		Case:         types.CaseRecord{ID: "CASE-1", AccountID: "ACC-1", DisputeType: "Billing Error", Amount: 50},
		Account:      types.AccountRecord{ID: "ACC-1", Name: "Acme", Segment: "Premium"},
		Subscription: types.SubscriptionRecord{Status: "Active"},
		Charges:      types.ChargesRecord{Charges: []types.Charge{{ID: "ch_1", Amount: 50}}},
	}
}

func approvedInput(runID uuid.UUID) Input {
	proposal := llm.RuleProposal(*fetchedData())
	return Input{
		RunID:  runID,
		CaseID: "CASE-1",
		Context: db.RunContext{
			Fetched:  fetchedData(),
			Proposal: &proposal,
			Decision: &types.HumanDecision{Decision: types.DecisionApproved, Reviewer: "dana", DecidedAt: fixedNow},
		},
	}
}
