package integrations

import (
	"context"
	"net/http"
	"net/url"

	"github.com/PuneetChandel/AIPaymentsAgentWorkflow/internal/types"
)

// -----------------------------------------------------------------------------
// CRM
// -----------------------------------------------------------------------------

// CaseUpdate is applied to a CRM case once a resolution has been executed.
type CaseUpdate struct {
	Status     string  `json:"status"`
	Resolution string  `json:"resolution"`
	Amount     float64 `json:"amount"`
	RefundID   string  `json:"refund_id,omitempty"`
	Comment    string  `json:"comment,omitempty"`
}

// CRMClient talks to the CRM REST API.
type CRMClient struct {
	rest *restClient
}

// NewCRMClient creates a CRM client.
func NewCRMClient(opts Options) (*CRMClient, error) {
	rest, err := newRESTClient("crm", opts)
	if err != nil {
		return nil, err
	}
	return &CRMClient{rest: rest}, nil
}

// GetCase retrieves a dispute case.
func (c *CRMClient) GetCase(ctx context.Context, caseID string) (*types.CaseRecord, error) {
	var out types.CaseRecord
	if err := c.rest.do(ctx, http.MethodGet, "/cases/"+url.PathEscape(caseID), nil, &out, nil); err != nil {
		return nil, err
	}
	if out.ID == "" {
		out.ID = caseID
	}
	return &out, nil
}

// GetAccount retrieves the account that raised a case.
func (c *CRMClient) GetAccount(ctx context.Context, accountID string) (*types.AccountRecord, error) {
	var out types.AccountRecord
	if err := c.rest.do(ctx, http.MethodGet, "/accounts/"+url.PathEscape(accountID), nil, &out, nil); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateCase applies update to a case.
func (c *CRMClient) UpdateCase(ctx context.Context, caseID string, update CaseUpdate) error {
	return c.rest.do(ctx, http.MethodPatch, "/cases/"+url.PathEscape(caseID), update, nil, nil)
}

// Ping checks CRM reachability.
func (c *CRMClient) Ping(ctx context.Context) error {
	return c.rest.ping(ctx)
}

// -----------------------------------------------------------------------------
// Billing
// -----------------------------------------------------------------------------

// RefundRequest asks the billing system to refund an account.
type RefundRequest struct {
	AccountID string  `json:"account_id"`
	CaseID    string  `json:"case_id"`
	Amount    float64 `json:"amount"`
	Reason    string  `json:"reason"`
	// IdempotencyKey is sent as the Idempotency-Key header. Repeating a
	// request with the same key returns the original refund.
	IdempotencyKey string `json:"-"`
}

type refundResponse struct {
	ID string `json:"id"`
}

// BillingClient talks to the billing REST API.
type BillingClient struct {
	rest *restClient
}

// NewBillingClient creates a billing client.
func NewBillingClient(opts Options) (*BillingClient, error) {
	rest, err := newRESTClient("billing", opts)
	if err != nil {
		return nil, err
	}
	return &BillingClient{rest: rest}, nil
}

// GetSubscription retrieves the active subscription of an account.
func (c *BillingClient) GetSubscription(ctx context.Context, accountID string) (*types.SubscriptionRecord, error) {
	var out types.SubscriptionRecord
	if err := c.rest.do(ctx, http.MethodGet, "/accounts/"+url.PathEscape(accountID)+"/subscription", nil, &out, nil); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateRefund issues a refund and returns its ID.
func (c *BillingClient) CreateRefund(ctx context.Context, req RefundRequest) (string, error) {
	var headers map[string]string
	if req.IdempotencyKey != "" {
		headers = map[string]string{"Idempotency-Key": req.IdempotencyKey}
	}
	var out refundResponse
	if err := c.rest.do(ctx, http.MethodPost, "/refunds", req, &out, headers); err != nil {
		return "", err
	}
	return out.ID, nil
}

// Ping checks billing reachability.
func (c *BillingClient) Ping(ctx context.Context) error {
	return c.rest.ping(ctx)
}

// -----------------------------------------------------------------------------
// Payments
// -----------------------------------------------------------------------------

// PaymentsClient talks to the payments REST API.
type PaymentsClient struct {
	rest *restClient
}

// NewPaymentsClient creates a payments client.
func NewPaymentsClient(opts Options) (*PaymentsClient, error) {
	rest, err := newRESTClient("payments", opts)
	if err != nil {
		return nil, err
	}
	return &PaymentsClient{rest: rest}, nil
}

// GetCharges retrieves recent charges for a customer.
func (c *PaymentsClient) GetCharges(ctx context.Context, customerID string) (*types.ChargesRecord, error) {
	var out types.ChargesRecord
	if err := c.rest.do(ctx, http.MethodGet, "/customers/"+url.PathEscape(customerID)+"/charges", nil, &out, nil); err != nil {
		return nil, err
	}
	if out.CustomerID == "" {
		out.CustomerID = customerID
	}
	return &out, nil
}

// Ping checks payments reachability.
func (c *PaymentsClient) Ping(ctx context.Context) error {
	return c.rest.ping(ctx)
}
