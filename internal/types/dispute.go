//nolint:revive // types is a standard Go package name pattern
package types

import (
	"strings"

	"github.com/go-playground/validator/v10"
)

// DisputeEvent is the inbound message that opens a workflow run.
type DisputeEvent struct {
	CaseID     string         `json:"case_id" validate:"required,max=255"`
	CustomerID string         `json:"customer_id,omitempty" validate:"max=255"`
	EventType  string         `json:"event_type" validate:"required"`
	EventData  map[string]any `json:"event_data,omitempty"`
}

// Validate validates the DisputeEvent using the validator.
func (e *DisputeEvent) Validate() error {
	validate := validator.New()
	return validate.Struct(e)
}

// CaseRecord is the CRM view of a dispute case.
type CaseRecord struct {
	ID          string  `json:"id"`
	AccountID   string  `json:"account_id,omitempty"`
	Subject     string  `json:"subject,omitempty"`
	Description string  `json:"description,omitempty"`
	DisputeType string  `json:"dispute_type"`
	Amount      float64 `json:"amount"`
	Status      string  `json:"status,omitempty"`
	Priority    string  `json:"priority,omitempty"`
}

// AccountRecord is the CRM view of the disputing customer.
type AccountRecord struct {
	ID      string `json:"id,omitempty"`
	Name    string `json:"name,omitempty"`
	Segment string `json:"segment,omitempty"`
	Email   string `json:"email,omitempty"`
}

// SegmentOrDefault returns the customer segment, defaulting to Standard.
func (a AccountRecord) SegmentOrDefault() string {
	if strings.TrimSpace(a.Segment) == "" {
		return "Standard"
	}
	return a.Segment
}

// SubscriptionRecord is the billing view of the customer's subscription.
type SubscriptionRecord struct {
	ID          string  `json:"id,omitempty"`
	AccountID   string  `json:"account_id,omitempty"`
	Status      string  `json:"status,omitempty"`
	PlanName    string  `json:"plan_name,omitempty"`
	MonthlyRate float64 `json:"monthly_rate,omitempty"`
	Currency    string  `json:"currency,omitempty"`
}

// Charge is a single payment charge.
type Charge struct {
	ID          string  `json:"id"`
	Amount      float64 `json:"amount"`
	Currency    string  `json:"currency,omitempty"`
	Status      string  `json:"status,omitempty"`
	Description string  `json:"description,omitempty"`
	Disputed    bool    `json:"disputed,omitempty"`
	CreatedAt   int64   `json:"created_at,omitempty"`
}

// ChargesRecord is the payments view of the customer's recent charges.
type ChargesRecord struct {
	CustomerID string   `json:"customer_id,omitempty"`
	Charges    []Charge `json:"charges"`
}

// FetchedData is the output of the fetch step.
type FetchedData struct {
	Case         CaseRecord         `json:"case"`
	Account      AccountRecord      `json:"account"`
	Subscription SubscriptionRecord `json:"subscription"`
	Charges      ChargesRecord      `json:"charges"`
	// Degraded names the optional lookups that were skipped after a failure.
	Degraded []string `json:"degraded,omitempty"`
}

// ValidationResult is the output of the validate step.
type ValidationResult struct {
	Valid   bool     `json:"valid"`
	Reasons []string `json:"reasons,omitempty"`
}

// CaseSummary is the condensed case description sent to reviewers.
type CaseSummary struct {
	CaseID             string  `json:"case_id"`
	CustomerName       string  `json:"customer_name"`
	DisputeType        string  `json:"dispute_type"`
	Amount             float64 `json:"amount"`
	Description        string  `json:"description,omitempty"`
	CustomerSegment    string  `json:"customer_segment"`
	SubscriptionStatus string  `json:"subscription_status"`
	ChargesCount       int     `json:"charges_count"`
}

// Summary condenses fetched data for human review.
func (f *FetchedData) Summary() CaseSummary {
	name := f.Account.Name
	if name == "" {
		name = "Unknown"
	}
	subStatus := f.Subscription.Status
	if subStatus == "" {
		subStatus = "Unknown"
	}
	return CaseSummary{
		CaseID:             f.Case.ID,
		CustomerName:       name,
		DisputeType:        f.Case.DisputeType,
		Amount:             f.Case.Amount,
		Description:        f.Case.Description,
		CustomerSegment:    f.Account.SegmentOrDefault(),
		SubscriptionStatus: subStatus,
		ChargesCount:       len(f.Charges.Charges),
	}
}
