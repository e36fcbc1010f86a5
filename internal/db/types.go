package db

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/PuneetChandel/AIPaymentsAgentWorkflow/internal/types"
)

// Status is the lifecycle status of a workflow run.
type Status string

// Status constants
const (
	StatusRunning          Status = "running"
	StatusAwaitingDecision Status = "awaiting_decision"
	StatusCompleted        Status = "completed"
	StatusFailed           Status = "failed"
	StatusRejected         Status = "rejected"
)

// Terminal reports whether no further transition is allowed from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusRejected
}

// Step names a stage of the dispute workflow.
type Step string

// Step constants, in execution order
const (
	StepFetch         Step = "fetch"
	StepValidate      Step = "validate"
	StepGenerate      Step = "generate"
	StepSendReview    Step = "send_review"
	StepAwaitDecision Step = "await_decision"
	StepExecute       Step = "execute"
	StepStore         Step = "store"
)

// StepOrder lists every step in the order a run visits them.
var StepOrder = []Step{
	StepFetch,
	StepValidate,
	StepGenerate,
	StepSendReview,
	StepAwaitDecision,
	StepExecute,
	StepStore,
}

// Index returns the position of s in StepOrder, or -1.
func (s Step) Index() int {
	for i, step := range StepOrder {
		if step == s {
			return i
		}
	}
	return -1
}

// Valid reports whether s is a known step.
func (s Step) Valid() bool {
	return s.Index() >= 0
}

// RunContext accumulates the output of every step. Each field is written
// exactly once by its owning step and is absent until then.
type RunContext struct {
	Event      *types.DisputeEvent       `json:"event,omitempty"`
	Fetched    *types.FetchedData        `json:"fetched,omitempty"`
	Validation *types.ValidationResult   `json:"validation,omitempty"`
	Proposal   *types.ResolutionProposal `json:"proposal,omitempty"`
	Review     *types.ReviewRequest      `json:"review,omitempty"`
	Decision   *types.HumanDecision      `json:"decision,omitempty"`
	Execution  *types.ExecutionOutcome   `json:"execution,omitempty"`
	Final      *types.FinalOutcome       `json:"final,omitempty"`
}

// ErrFieldAlreadySet is returned when a step tries to overwrite context.
type ErrFieldAlreadySet struct {
	Field string
}

func (e *ErrFieldAlreadySet) Error() string {
	return fmt.Sprintf("context field %q is already set", e.Field)
}

// Merge copies every non-nil field of update into c. Fields that are
// already set are never overwritten.
func (c *RunContext) Merge(update RunContext) error {
	if err := setOnce(&c.Event, update.Event, "event"); err != nil {
		return err
	}
	if err := setOnce(&c.Fetched, update.Fetched, "fetched"); err != nil {
		return err
	}
	if err := setOnce(&c.Validation, update.Validation, "validation"); err != nil {
		return err
	}
	if err := setOnce(&c.Proposal, update.Proposal, "proposal"); err != nil {
		return err
	}
	if err := setOnce(&c.Review, update.Review, "review"); err != nil {
		return err
	}
	if err := setOnce(&c.Decision, update.Decision, "decision"); err != nil {
		return err
	}
	if err := setOnce(&c.Execution, update.Execution, "execution"); err != nil {
		return err
	}
	return setOnce(&c.Final, update.Final, "final")
}

func setOnce[T any](dst **T, src *T, field string) error {
	if src == nil {
		return nil
	}
	if *dst != nil {
		return &ErrFieldAlreadySet{Field: field}
	}
	*dst = src
	return nil
}

// CostEntry is one ledger line: the cost attributed to a step.
type CostEntry struct {
	Step       Step           `json:"step"`
	CostMicros int64          `json:"cost_micros"`
	Detail     map[string]any `json:"detail,omitempty"`
	RecordedAt time.Time      `json:"recorded_at"`
}

// MarshalJSON adds the cost in dollars next to the exact micro-dollar value.
func (e CostEntry) MarshalJSON() ([]byte, error) {
	type alias CostEntry
	return json.Marshal(struct {
		alias
		Cost float64 `json:"cost"`
	}{alias: alias(e), Cost: MicrosToUSD(e.CostMicros)})
}

// MicrosToUSD converts micro-dollars to dollars.
func MicrosToUSD(micros int64) float64 {
	return float64(micros) / 1e6
}

// RunError is the structured error carried by a failed run.
type RunError struct {
	Kind       string    `json:"kind"`
	Step       Step      `json:"step"`
	Message    string    `json:"message"`
	Attempts   int       `json:"attempts,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Run represents a dispute workflow run record
type Run struct {
	RunID           uuid.UUID   `json:"run_id"`
	CaseID          string      `json:"case_id"`
	CustomerID      string      `json:"customer_id,omitempty"`
	Status          Status      `json:"status"`
	CurrentStep     Step        `json:"current_step"`
	Context         RunContext  `json:"context"`
	CostBreakdown   []CostEntry `json:"cost_breakdown"`
	TotalCostMicros int64       `json:"total_cost_micros"`
	Error           *RunError   `json:"error,omitempty"`
	Version         int         `json:"version"`
	AwaitingSince   *time.Time  `json:"awaiting_since,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
	CompletedAt     *time.Time  `json:"completed_at,omitempty"`
}

// TotalCost returns the run's total cost in dollars.
func (r *Run) TotalCost() float64 {
	return MicrosToUSD(r.TotalCostMicros)
}

// Clone returns a deep copy of r.
func (r *Run) Clone() *Run {
	data, err := json.Marshal(r)
	if err != nil {
		panic(fmt.Sprintf("clone run %s: %v", r.RunID, err))
	}
	var out Run
	if err := json.Unmarshal(data, &out); err != nil {
		panic(fmt.Sprintf("clone run %s: %v", r.RunID, err))
	}
	return &out
}

// CheckConsistency verifies that status, current step and context agree.
func (r *Run) CheckConsistency() error {
	if !r.CurrentStep.Valid() {
		return fmt.Errorf("unknown step %q", r.CurrentStep)
	}
	switch r.Status {
	case StatusAwaitingDecision:
		if r.CurrentStep != StepAwaitDecision {
			return fmt.Errorf("status %s requires step %s, got %s", r.Status, StepAwaitDecision, r.CurrentStep)
		}
	case StatusRejected:
		if r.CurrentStep != StepAwaitDecision {
			return fmt.Errorf("status %s requires step %s, got %s", r.Status, StepAwaitDecision, r.CurrentStep)
		}
	case StatusCompleted:
		if r.CurrentStep != StepStore {
			return fmt.Errorf("status %s requires step %s, got %s", r.Status, StepStore, r.CurrentStep)
		}
	case StatusRunning:
		if r.CurrentStep == StepAwaitDecision {
			return fmt.Errorf("status %s cannot sit at step %s", r.Status, r.CurrentStep)
		}
	case StatusFailed:
	default:
		return fmt.Errorf("unknown status %q", r.Status)
	}

	// A context field may only be present once its owning step has been reached.
	reached := r.CurrentStep.Index()
	owners := []struct {
		step    Step
		present bool
	}{
		{StepValidate, r.Context.Validation != nil},
		{StepGenerate, r.Context.Proposal != nil},
		{StepSendReview, r.Context.Review != nil},
		{StepAwaitDecision, r.Context.Decision != nil},
		{StepExecute, r.Context.Execution != nil},
		{StepStore, r.Context.Final != nil},
	}
	for _, o := range owners {
		if o.present && o.step.Index() > reached {
			return fmt.Errorf("context for step %s present at step %s", o.step, r.CurrentStep)
		}
	}
	return nil
}

// Expectation guards an optimistic update: the stored row must still carry
// this version and status.
type Expectation struct {
	Version int
	Status  Status
}

// ExpectationOf captures the current version and status of r.
func ExpectationOf(r *Run) Expectation {
	return Expectation{Version: r.Version, Status: r.Status}
}

// RunFilters holds optional filters for listing runs
type RunFilters struct {
	CaseID        string
	Status        Status
	Step          Step
	UpdatedBefore time.Time
	Limit         int
}

// ExecutionRecord tracks the execute step's intent and outcome for a run.
type ExecutionRecord struct {
	RunID     uuid.UUID               `json:"run_id"`
	Intent    types.ExecutionIntent   `json:"intent"`
	RefundID  string                  `json:"refund_id,omitempty"`
	Outcome   *types.ExecutionOutcome `json:"outcome,omitempty"`
	CreatedAt time.Time               `json:"created_at"`
	UpdatedAt time.Time               `json:"updated_at"`
}

// Queue message statuses
const (
	MessageReady = "ready"
	MessageDead  = "dead"
)

// QueueMessage is a message on a Postgres-backed queue.
type QueueMessage struct {
	ID          int64           `json:"id"`
	Queue       string          `json:"queue"`
	Payload     json.RawMessage `json:"payload"`
	Status      string          `json:"status"`
	Attempts    int             `json:"attempts"`
	LastError   string          `json:"last_error,omitempty"`
	AvailableAt time.Time       `json:"available_at"`
	CreatedAt   time.Time       `json:"created_at"`
}

// ReviewerRecord is a stored reviewer account.
type ReviewerRecord struct {
	ID           uuid.UUID `json:"id"`
	Email        string    `json:"email"`
	Name         string    `json:"name"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}
