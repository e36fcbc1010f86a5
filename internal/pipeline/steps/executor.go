package steps

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/PuneetChandel/AIPaymentsAgentWorkflow/internal/db"
	"github.com/PuneetChandel/AIPaymentsAgentWorkflow/internal/integrations"
	"github.com/PuneetChandel/AIPaymentsAgentWorkflow/internal/ledger"
	"github.com/PuneetChandel/AIPaymentsAgentWorkflow/internal/llm"
	"github.com/PuneetChandel/AIPaymentsAgentWorkflow/internal/notify"
	"github.com/PuneetChandel/AIPaymentsAgentWorkflow/internal/similarity"
	"github.com/PuneetChandel/AIPaymentsAgentWorkflow/internal/types"
)

// Signal tells the engine what to do with the run after a step succeeds.
type Signal int

const (
	// Continue advances to the next registered step.
	Continue Signal = iota
	// Suspend parks the run until a decision arrives.
	Suspend
	// Reject ends the run as rejected by the reviewer.
	Reject
	// Halt ends the run as failed without an error, e.g. an illegitimate
	// dispute. Reason explains why.
	Halt
)

func (s Signal) String() string {
	switch s {
	case Continue:
		return "continue"
	case Suspend:
		return "suspend"
	case Reject:
		return "reject"
	case Halt:
		return "halt"
	}
	return "unknown"
}

// Input is what an executor sees: a snapshot of the run. Executors must not
// modify it.
type Input struct {
	RunID      uuid.UUID
	CaseID     string
	CustomerID string
	Context    db.RunContext
	Attempt    int
}

// Result is a successful step outcome.
type Result struct {
	// Update holds only the context fields the step owns.
	Update db.RunContext
	Usage  []ledger.Usage
	Detail map[string]any
	Signal Signal
	Reason string
	// Learned is set when the step wrote a new item to the similarity store.
	Learned bool
}

// Executor performs one workflow step. Errors must be classified with the
// faults package; unclassified errors are treated as internal failures.
type Executor interface {
	Step() db.Step
	Execute(ctx context.Context, in Input) (*Result, error)
}

// ExhaustionHandler is implemented by executors that must record something
// when the engine gives up on them.
type ExhaustionHandler interface {
	OnExhausted(ctx context.Context, in Input, err error)
}

// ---------------------------------------------------------------------------
// Collaborators
// ---------------------------------------------------------------------------

// CRM looks up and updates dispute cases.
type CRM interface {
	GetCase(ctx context.Context, caseID string) (*types.CaseRecord, error)
	GetAccount(ctx context.Context, accountID string) (*types.AccountRecord, error)
	UpdateCase(ctx context.Context, caseID string, update integrations.CaseUpdate) error
}

// Billing reads subscriptions and issues refunds.
type Billing interface {
	GetSubscription(ctx context.Context, accountID string) (*types.SubscriptionRecord, error)
	CreateRefund(ctx context.Context, req integrations.RefundRequest) (string, error)
}

// Payments lists customer charges.
type Payments interface {
	GetCharges(ctx context.Context, customerID string) (*types.ChargesRecord, error)
}

// SimilarityCache finds prior cases and policies.
type SimilarityCache interface {
	Query(ctx context.Context, collection string, q similarity.Query, k int) ([]similarity.Item, error)
}

// SimilarityWriter records resolved cases for future lookups.
type SimilarityWriter interface {
	StoreResolution(ctx context.Context, rc similarity.ResolvedCase) (string, error)
}

// ReviewPublisher queues a case for human review.
type ReviewPublisher interface {
	PublishReview(ctx context.Context, msg types.ReviewMessage) (int64, error)
}

// ReviewNotifier emails reviewers.
type ReviewNotifier interface {
	RequestReview(ctx context.Context, e notify.ReviewEmail) (bool, error)
	Reviewers() []string
}

// CompletionNotifier emails finance once a dispute is resolved.
type CompletionNotifier interface {
	ResolutionCompleted(ctx context.Context, e notify.CompletionEmail) (bool, error)
}

// ExecutionStore keeps the per-run execution record that makes the execute
// step idempotent.
type ExecutionStore interface {
	GetExecution(ctx context.Context, runID uuid.UUID) (*db.ExecutionRecord, error)
	CreateExecutionIntent(ctx context.Context, runID uuid.UUID, intent types.ExecutionIntent) (*db.ExecutionRecord, error)
	SetExecutionRefund(ctx context.Context, runID uuid.UUID, refundID string) error
	SetExecutionOutcome(ctx context.Context, runID uuid.UUID, outcome types.ExecutionOutcome) error
}

// Deps wires the collaborators of every executor.
type Deps struct {
	CRM        CRM
	Billing    Billing
	Payments   Payments
	Cache      SimilarityCache
	Similarity SimilarityWriter
	Drafter    llm.Drafter
	Publisher  ReviewPublisher
	Reviewers  ReviewNotifier
	Finance    CompletionNotifier
	Executions ExecutionStore
	Logger     *slog.Logger
	Clock      func() time.Time
}

// NewExecutors builds the seven executors keyed by step.
func NewExecutors(d Deps) map[db.Step]Executor {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Clock == nil {
		d.Clock = time.Now
	}
	all := []Executor{
		NewFetch(d.CRM, d.Billing, d.Payments, d.Logger),
		Validate{},
		NewGenerate(d.Cache, d.Drafter, d.Logger, d.Clock),
		NewSendReview(d.Publisher, d.Reviewers, d.Logger, d.Clock),
		AwaitDecision{},
		NewExecute(d.Executions, d.Billing, d.CRM, d.Logger, d.Clock),
		NewStore(d.Similarity, d.Finance, d.Logger, d.Clock),
	}
	out := make(map[db.Step]Executor, len(all))
	for _, e := range all {
		out[e.Step()] = e
	}
	return out
}
