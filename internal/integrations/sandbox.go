package integrations

import (
	"context"
	"fmt"
	"sync"

	"github.com/PuneetChandel/AIPaymentsAgentWorkflow/internal/faults"
	"github.com/PuneetChandel/AIPaymentsAgentWorkflow/internal/types"
)

// Sandbox operation names, used with Sandbox.FailNext.
const (
	OpGetCase         = "get_case"
	OpGetAccount      = "get_account"
	OpUpdateCase      = "update_case"
	OpGetSubscription = "get_subscription"
	OpCreateRefund    = "create_refund"
	OpGetCharges      = "get_charges"
)

// Sandbox is an in-memory stand-in for the CRM, billing and payments systems.
// It is used when no base URLs are configured and in tests. Refunds honour
// idempotency keys the way the real billing API does.
type Sandbox struct {
	mu            sync.Mutex
	cases         map[string]types.CaseRecord
	accounts      map[string]types.AccountRecord
	subscriptions map[string]types.SubscriptionRecord
	charges       map[string][]types.Charge
	refunds       map[string]string
	updates       map[string][]CaseUpdate
	failures      map[string][]error
	calls         map[string]int

	// DemoFallback makes unknown cases resolve to a generated demo case
	// instead of not found.
	DemoFallback bool
}

// NewSandbox returns an empty sandbox.
func NewSandbox() *Sandbox {
	return &Sandbox{
		cases:         make(map[string]types.CaseRecord),
		accounts:      make(map[string]types.AccountRecord),
		subscriptions: make(map[string]types.SubscriptionRecord),
		charges:       make(map[string][]types.Charge),
		refunds:       make(map[string]string),
		updates:       make(map[string][]CaseUpdate),
		failures:      make(map[string][]error),
		calls:         make(map[string]int),
	}
}

// AddCase registers a case together with its account, subscription and charges.
func (s *Sandbox) AddCase(c types.CaseRecord, account types.AccountRecord, sub types.SubscriptionRecord, charges []types.Charge) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c.AccountID == "" {
		c.AccountID = account.ID
	}
	s.cases[c.ID] = c
	if account.ID != "" {
		s.accounts[account.ID] = account
		s.subscriptions[account.ID] = sub
		s.charges[account.ID] = charges
	}
}

// FailNext queues errors returned by the next calls to op, in order.
func (s *Sandbox) FailNext(op string, errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[op] = append(s.failures[op], errs...)
}

// Calls returns how many times op was invoked, failed calls included.
func (s *Sandbox) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// Refunds returns the number of distinct refunds issued.
func (s *Sandbox) Refunds() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.refunds)
}

// CaseUpdates returns the updates applied to a case.
func (s *Sandbox) CaseUpdates(caseID string) []CaseUpdate {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]CaseUpdate(nil), s.updates[caseID]...)
}

// enter records a call and pops a queued failure. Callers hold s.mu.
func (s *Sandbox) enter(op string) error {
	s.calls[op]++
	if queued := s.failures[op]; len(queued) > 0 {
		s.failures[op] = queued[1:]
		return queued[0]
	}
	return nil
}

// GetCase implements the CRM case lookup.
func (s *Sandbox) GetCase(ctx context.Context, caseID string) (*types.CaseRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpGetCase); err != nil {
		return nil, err
	}
	c, ok := s.cases[caseID]
	if !ok {
		if !s.DemoFallback {
			return nil, faults.New(faults.KindNotFound, "sandbox.GetCase", fmt.Sprintf("case %s not found", caseID))
		}
		c = types.CaseRecord{
			ID:          caseID,
			AccountID:   "ACC-001-DEMO",
			Subject:     "Disputed charge",
			Description: "Customer disputes charge for service not received",
			DisputeType: "Billing Dispute",
			Amount:      99.99,
			Status:      "New",
			Priority:    "Medium",
		}
	}
	return &c, nil
}

// GetAccount implements the CRM account lookup.
func (s *Sandbox) GetAccount(ctx context.Context, accountID string) (*types.AccountRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpGetAccount); err != nil {
		return nil, err
	}
	a, ok := s.accounts[accountID]
	if !ok {
		if !s.DemoFallback {
			return nil, faults.New(faults.KindNotFound, "sandbox.GetAccount", fmt.Sprintf("account %s not found", accountID))
		}
		a = types.AccountRecord{ID: accountID, Name: "Acme Corporation", Segment: "Premium", Email: "billing@acmecorp.com"}
	}
	return &a, nil
}

// UpdateCase implements the CRM case update.
func (s *Sandbox) UpdateCase(ctx context.Context, caseID string, update CaseUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpUpdateCase); err != nil {
		return err
	}
	s.updates[caseID] = append(s.updates[caseID], update)
	if c, ok := s.cases[caseID]; ok {
		c.Status = update.Status
		s.cases[caseID] = c
	}
	return nil
}

// GetSubscription implements the billing subscription lookup.
func (s *Sandbox) GetSubscription(ctx context.Context, accountID string) (*types.SubscriptionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpGetSubscription); err != nil {
		return nil, err
	}
	sub, ok := s.subscriptions[accountID]
	if !ok {
		sub = types.SubscriptionRecord{ID: "sub-demo", AccountID: accountID, Status: "Active", PlanName: "Premium Plan", MonthlyRate: 99.99, Currency: "USD"}
	}
	return &sub, nil
}

// CreateRefund issues a refund, returning the original refund when the
// idempotency key has been seen before.
func (s *Sandbox) CreateRefund(ctx context.Context, req RefundRequest) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpCreateRefund); err != nil {
		return "", err
	}
	key := req.IdempotencyKey
	if key == "" {
		key = fmt.Sprintf("anon-%d", s.calls[OpCreateRefund])
	}
	if id, ok := s.refunds[key]; ok {
		return id, nil
	}
	id := fmt.Sprintf("refund-%s-%d", req.AccountID, int64(req.Amount*100+0.5))
	if _, taken := s.reverseRefund(id); taken {
		id = fmt.Sprintf("%s-%d", id, len(s.refunds)+1)
	}
	s.refunds[key] = id
	return id, nil
}

func (s *Sandbox) reverseRefund(id string) (string, bool) {
	for k, v := range s.refunds {
		if v == id {
			return k, true
		}
	}
	return "", false
}

// GetCharges implements the payments charge lookup.
func (s *Sandbox) GetCharges(ctx context.Context, customerID string) (*types.ChargesRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpGetCharges); err != nil {
		return nil, err
	}
	return &types.ChargesRecord{CustomerID: customerID, Charges: append([]types.Charge{}, s.charges[customerID]...)}, nil
}

// Ping always succeeds.
func (s *Sandbox) Ping(ctx context.Context) error { return nil }
