// Package ledger tracks the monetary cost of each workflow step.
//
// Costs are held as integer micro-dollars. Collaborators report usage in
// units (tokens, API calls) and the ledger prices them against a fixed table
// expressed in nano-dollars per unit, rounding half-to-even to the nearest
// micro-dollar. The same usage therefore always yields the same cost.
package ledger

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/PuneetChandel/AIPaymentsAgentWorkflow/internal/db"
	"github.com/PuneetChandel/AIPaymentsAgentWorkflow/internal/faults"
)

// Unit names a billable quantity reported by a collaborator.
type Unit string

// Billable units
const (
	UnitLLMInputTokens  Unit = "llm_input_tokens"
	UnitLLMOutputTokens Unit = "llm_output_tokens"
	UnitCRMCall         Unit = "crm_call"
	UnitBillingCall     Unit = "billing_call"
	UnitPaymentsCall    Unit = "payments_call"
	UnitNotification    Unit = "notification"
	UnitSimilarityQuery Unit = "similarity_query"
)

// Usage is a quantity of one unit consumed by a step.
type Usage struct {
	Unit     Unit  `json:"unit"`
	Quantity int64 `json:"quantity"`
}

// PriceTable maps a unit to its price in nano-dollars (1e-9 USD).
type PriceTable map[Unit]int64

// DefaultPrices prices LLM tokens at $0.150 per million input tokens and
// $0.600 per million output tokens. Integration calls are free.
func DefaultPrices() PriceTable {
	return PriceTable{
		UnitLLMInputTokens:  150,
		UnitLLMOutputTokens: 600,
		UnitCRMCall:         0,
		UnitBillingCall:     0,
		UnitPaymentsCall:    0,
		UnitNotification:    0,
		UnitSimilarityQuery: 0,
	}
}

const nanosPerMicro = 1000

// Price converts usage to micro-dollars. Unknown units are an error rather
// than silently free.
func (p PriceTable) Price(usages []Usage) (int64, error) {
	var nanos int64
	for _, u := range usages {
		rate, ok := p[u.Unit]
		if !ok {
			return 0, fmt.Errorf("no price for unit %q", u.Unit)
		}
		if u.Quantity < 0 {
			return 0, fmt.Errorf("negative quantity %d for unit %q", u.Quantity, u.Unit)
		}
		nanos += u.Quantity * rate
	}
	return RoundHalfEven(nanos, nanosPerMicro), nil
}

// RoundHalfEven divides n by d and rounds the quotient to the nearest
// integer, breaking ties toward the even neighbour. d must be positive.
func RoundHalfEven(n, d int64) int64 {
	q, r := n/d, n%d
	if r < 0 {
		q--
		r += d
	}
	switch {
	case 2*r > d:
		q++
	case 2*r == d && q%2 != 0:
		q++
	}
	return q
}

// RunReader is the part of the workflow store the ledger reads from.
type RunReader interface {
	GetRun(ctx context.Context, runID uuid.UUID) (*db.Run, error)
	ListRunsByCase(ctx context.Context, caseID string) ([]db.Run, error)
	ListRecentRuns(ctx context.Context, limit int) ([]db.Run, error)
}

// Ledger records and aggregates step costs.
type Ledger struct {
	store  RunReader
	prices PriceTable
	clock  func() time.Time
}

// Option customizes a Ledger.
type Option func(*Ledger)

// WithPrices overrides the default price table.
func WithPrices(prices PriceTable) Option {
	return func(l *Ledger) {
		if prices != nil {
			l.prices = prices
		}
	}
}

// WithClock injects a deterministic clock (primarily for tests).
func WithClock(clock func() time.Time) Option {
	return func(l *Ledger) {
		if clock != nil {
			l.clock = clock
		}
	}
}

// New creates a ledger reading persisted runs from store.
func New(store RunReader, opts ...Option) *Ledger {
	l := &Ledger{
		store:  store,
		prices: DefaultPrices(),
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Prices returns the ledger's price table.
func (l *Ledger) Prices() PriceTable {
	return l.prices
}

// Record prices usage and appends the resulting entry to run. Prior entries
// are never touched. The entry becomes durable when the engine persists run.
func (l *Ledger) Record(run *db.Run, step db.Step, usages []Usage, detail map[string]any) (db.CostEntry, error) {
	cost, err := l.prices.Price(usages)
	if err != nil {
		return db.CostEntry{}, faults.Wrap(faults.KindInternal, "ledger.Record", err)
	}
	if len(usages) > 0 {
		if detail == nil {
			detail = make(map[string]any, len(usages))
		}
		for _, u := range usages {
			detail[string(u.Unit)] = u.Quantity
		}
	}
	return l.Append(run, step, cost, detail), nil
}

// Append adds an already-priced entry to run and refreshes its total.
func (l *Ledger) Append(run *db.Run, step db.Step, costMicros int64, detail map[string]any) db.CostEntry {
	entry := db.CostEntry{
		Step:       step,
		CostMicros: costMicros,
		Detail:     detail,
		RecordedAt: l.clock().UTC(),
	}
	run.CostBreakdown = append(run.CostBreakdown, entry)
	run.TotalCostMicros = Sum(run.CostBreakdown)
	return entry
}

// Sum adds up a cost breakdown.
func Sum(entries []db.CostEntry) int64 {
	var total int64
	for _, e := range entries {
		total += e.CostMicros
	}
	return total
}

// Total returns the persisted total for a run, recomputed from its entries.
func (l *Ledger) Total(ctx context.Context, runID uuid.UUID) (int64, error) {
	run, err := l.store.GetRun(ctx, runID)
	if err != nil {
		return 0, err
	}
	if run == nil {
		return 0, faults.ErrRunNotFound
	}
	return Sum(run.CostBreakdown), nil
}

// TotalForCase returns the combined cost of every run for a case.
func (l *Ledger) TotalForCase(ctx context.Context, caseID string) (int64, error) {
	runs, err := l.store.ListRunsByCase(ctx, caseID)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, r := range runs {
		total += Sum(r.CostBreakdown)
	}
	return total, nil
}

// StepTotal is the aggregated cost of one step across runs.
type StepTotal struct {
	Step       db.Step `json:"step"`
	CostMicros int64   `json:"cost_micros"`
	Cost       float64 `json:"cost"`
	Entries    int     `json:"entries"`
}

// Summary aggregates cost across the most recent runs.
type Summary struct {
	Runs          int         `json:"runs"`
	TotalMicros   int64       `json:"total_cost_micros"`
	Total         float64     `json:"total_cost"`
	AverageMicros int64       `json:"average_cost_micros"`
	Average       float64     `json:"average_cost"`
	ByStep        []StepTotal `json:"by_step"`
}

// Summarize aggregates the last limit runs.
func (l *Ledger) Summarize(ctx context.Context, limit int) (*Summary, error) {
	runs, err := l.store.ListRecentRuns(ctx, limit)
	if err != nil {
		return nil, err
	}

	summary := &Summary{Runs: len(runs), ByStep: []StepTotal{}}
	byStep := make(map[db.Step]*StepTotal)
	for _, r := range runs {
		for _, e := range r.CostBreakdown {
			summary.TotalMicros += e.CostMicros
			st, ok := byStep[e.Step]
			if !ok {
				st = &StepTotal{Step: e.Step}
				byStep[e.Step] = st
			}
			st.CostMicros += e.CostMicros
			st.Entries++
		}
	}
	if len(runs) > 0 {
		summary.AverageMicros = RoundHalfEven(summary.TotalMicros, int64(len(runs)))
	}
	summary.Total = db.MicrosToUSD(summary.TotalMicros)
	summary.Average = db.MicrosToUSD(summary.AverageMicros)

	for _, st := range byStep {
		st.Cost = db.MicrosToUSD(st.CostMicros)
		summary.ByStep = append(summary.ByStep, *st)
	}
	sort.Slice(summary.ByStep, func(i, j int) bool {
		return summary.ByStep[i].Step.Index() < summary.ByStep[j].Step.Index()
	})
	return summary, nil
}
