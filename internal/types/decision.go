//nolint:revive // types is a standard Go package name pattern
package types

import (
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Decision values
const (
	DecisionApproved = "approved"
	DecisionRejected = "rejected"
)

// DecisionRequest is a reviewer's decision on a run awaiting review.
type DecisionRequest struct {
	RunID              string              `json:"run_id" validate:"required"`
	CaseID             string              `json:"case_id" validate:"required"`
	Decision           string              `json:"decision" validate:"required"`
	Reviewer           string              `json:"reviewer,omitempty"`
	ReviewerName       string              `json:"reviewer_name,omitempty"`
	Comments           string              `json:"comments,omitempty" validate:"max=4000"`
	ModifiedResolution *ResolutionProposal `json:"modified_resolution,omitempty" validate:"-"`
}

// Validate validates the DecisionRequest using the validator.
func (r *DecisionRequest) Validate() error {
	validate := validator.New()
	return validate.Struct(r)
}

// ReviewerIdentity returns the reviewer, falling back to reviewer_name.
func (r *DecisionRequest) ReviewerIdentity() string {
	if s := strings.TrimSpace(r.Reviewer); s != "" {
		return s
	}
	return strings.TrimSpace(r.ReviewerName)
}

// NormalizedDecision returns the lower-cased, trimmed decision value.
func (r *DecisionRequest) NormalizedDecision() string {
	return strings.ToLower(strings.TrimSpace(r.Decision))
}

// HumanDecision is the decision applied to a run.
type HumanDecision struct {
	Decision           string              `json:"decision"`
	Reviewer           string              `json:"reviewer,omitempty"`
	Comments           string              `json:"comments,omitempty"`
	ModifiedResolution *ResolutionProposal `json:"modified_resolution,omitempty"`
	DecidedAt          time.Time           `json:"decided_at"`
}

// ApprovedResolution returns the resolution to execute: the reviewer's
// modification when present, otherwise the drafted proposal.
func (d *HumanDecision) ApprovedResolution(proposal *ResolutionProposal) *ResolutionProposal {
	if d.ModifiedResolution != nil {
		return d.ModifiedResolution
	}
	return proposal
}
