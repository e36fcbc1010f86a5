//nolint:revive // types is a standard Go package name pattern
package types

import (
	"time"

	"github.com/go-playground/validator/v10"
)

// Resolution actions
const (
	ActionFullRefund    = "full_refund"
	ActionPartialRefund = "partial_refund"
	ActionDenyRefund    = "deny_refund"
	ActionAccountCredit = "account_credit"
)

// Risk levels
const (
	RiskLow    = "low"
	RiskMedium = "medium"
	RiskHigh   = "high"
)

// ResolutionProposal is a drafted resolution awaiting human review.
type ResolutionProposal struct {
	Action              string   `json:"action" validate:"required,oneof=full_refund partial_refund deny_refund account_credit"`
	Amount              float64  `json:"amount" validate:"gte=0"`
	Reason              string   `json:"reason" validate:"required,min=10"`
	Confidence          float64  `json:"confidence" validate:"gte=0,lte=1"`
	RequiresHumanReview bool     `json:"requires_human_review"`
	SupportingFactors   []string `json:"supporting_factors"`
	RiskLevel           string   `json:"risk_level" validate:"required,oneof=low medium high"`
	// Source is "llm" or "rules".
	Source string `json:"source,omitempty"`
}

// Validate validates the ResolutionProposal using the validator.
func (p *ResolutionProposal) Validate() error {
	validate := validator.New()
	return validate.Struct(p)
}

// MovesMoney reports whether executing the proposal issues a refund.
func (p *ResolutionProposal) MovesMoney() bool {
	return p.Action == ActionFullRefund || p.Action == ActionPartialRefund
}

// ReviewRequest records the notifications sent when a run was queued for review.
type ReviewRequest struct {
	QueueMessageID int64     `json:"queue_message_id,omitempty"`
	Recipients     []string  `json:"recipients,omitempty"`
	EmailSent      bool      `json:"email_sent"`
	RequestedAt    time.Time `json:"requested_at"`
}

// ExecutionIntent is recorded before any side effect of the execute step.
type ExecutionIntent struct {
	RunID      string             `json:"run_id"`
	CaseID     string             `json:"case_id"`
	AccountID  string             `json:"account_id"`
	Resolution ResolutionProposal `json:"resolution"`
}

// Execution outcome statuses
const (
	ExecutionSucceeded = "succeeded"
	ExecutionFailed    = "failed"
)

// ExecutionOutcome is the recorded result of the execute step.
type ExecutionOutcome struct {
	Status     string             `json:"status"`
	Resolution ResolutionProposal `json:"resolution"`
	RefundID   string             `json:"refund_id,omitempty"`
	CaseStatus string             `json:"case_status,omitempty"`
	Error      string             `json:"error,omitempty"`
	ExecutedAt time.Time          `json:"executed_at"`
}

// Succeeded reports whether the outcome is successful.
func (o *ExecutionOutcome) Succeeded() bool {
	return o != nil && o.Status == ExecutionSucceeded
}

// FinalOutcome is the output of the store step.
type FinalOutcome struct {
	StoredAt           time.Time `json:"stored_at"`
	SimilarityItemID   string    `json:"similarity_item_id,omitempty"`
	CompletionNotified bool      `json:"completion_notified"`
}

// ReviewMessage is published to the human-review queue when a run starts
// waiting for a decision.
type ReviewMessage struct {
	RunID       string             `json:"run_id"`
	CaseID      string             `json:"case_id"`
	Summary     CaseSummary        `json:"case_summary"`
	Proposal    ResolutionProposal `json:"proposed_resolution"`
	RequestedAt time.Time          `json:"requested_at"`
}
