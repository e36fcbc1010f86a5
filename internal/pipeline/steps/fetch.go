package steps

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/PuneetChandel/AIPaymentsAgentWorkflow/internal/db"
	"github.com/PuneetChandel/AIPaymentsAgentWorkflow/internal/faults"
	"github.com/PuneetChandel/AIPaymentsAgentWorkflow/internal/ledger"
	"github.com/PuneetChandel/AIPaymentsAgentWorkflow/internal/types"
)

// Degraded lookup names
const (
	LookupAccount      = "account"
	LookupSubscription = "subscription"
	LookupCharges      = "charges"
)

// Fetch gathers the case, account, subscription and charges. The case lookup
// is critical; the other three run concurrently and degrade to empty records
// when they fail.
type Fetch struct {
	crm      CRM
	billing  Billing
	payments Payments
	logger   *slog.Logger
}

// NewFetch creates the fetch executor.
func NewFetch(crm CRM, billing Billing, payments Payments, logger *slog.Logger) *Fetch {
	return &Fetch{crm: crm, billing: billing, payments: payments, logger: logger}
}

// Step implements Executor.
func (f *Fetch) Step() db.Step { return db.StepFetch }

// Execute implements Executor.
func (f *Fetch) Execute(ctx context.Context, in Input) (*Result, error) {
	caseID := in.CaseID
	c, err := f.crm.GetCase(ctx, caseID)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, faults.New(faults.KindNotFound, "fetch", "case "+caseID+" not found")
	}

	data := &types.FetchedData{Case: *c}
	accountID := c.AccountID
	customerID := in.CustomerID
	if customerID == "" {
		customerID = accountID
	}

	var mu sync.Mutex
	degrade := func(lookup string, err error) {
		f.logger.Warn("optional lookup failed", "run_id", in.RunID, "case_id", caseID, "lookup", lookup, "error", err)
		mu.Lock()
		data.Degraded = append(data.Degraded, lookup)
		mu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if accountID == "" {
			degrade(LookupAccount, faults.InvalidInput("fetch", "case has no account"))
			return nil
		}
		account, err := f.crm.GetAccount(gctx, accountID)
		if err != nil || account == nil {
			degrade(LookupAccount, err)
			return nil
		}
		mu.Lock()
		data.Account = *account
		mu.Unlock()
		return nil
	})
	g.Go(func() error {
		sub, err := f.billing.GetSubscription(gctx, accountID)
		if err != nil || sub == nil {
			degrade(LookupSubscription, err)
			return nil
		}
		mu.Lock()
		data.Subscription = *sub
		mu.Unlock()
		return nil
	})
	g.Go(func() error {
		charges, err := f.payments.GetCharges(gctx, customerID)
		if err != nil || charges == nil {
			degrade(LookupCharges, err)
			return nil
		}
		mu.Lock()
		data.Charges = *charges
		mu.Unlock()
		return nil
	})
	// the lookups never fail the group; Wait only joins them
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, faults.Transient("fetch", err)
	}
	if data.Charges.Charges == nil {
		data.Charges.Charges = []types.Charge{}
	}
	sortDegraded(data.Degraded)

	return &Result{
		Update: db.RunContext{Fetched: data},
		Usage: []ledger.Usage{
			{Unit: ledger.UnitCRMCall, Quantity: 2},
			{Unit: ledger.UnitBillingCall, Quantity: 1},
			{Unit: ledger.UnitPaymentsCall, Quantity: 1},
		},
		Detail: map[string]any{"degraded": len(data.Degraded)},
	}, nil
}

func sortDegraded(names []string) {
	order := map[string]int{LookupAccount: 0, LookupSubscription: 1, LookupCharges: 2}
	sort.Slice(names, func(i, j int) bool { return order[names[i]] < order[names[j]] })
}
