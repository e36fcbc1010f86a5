package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PuneetChandel/AIPaymentsAgentWorkflow/internal/db"
	"github.com/PuneetChandel/AIPaymentsAgentWorkflow/internal/db/memdb"
	"github.com/PuneetChandel/AIPaymentsAgentWorkflow/internal/faults"
)

func TestRoundHalfEven(t *testing.T) {
	tests := []struct {
		n, d, want int64
	}{
		{0, 1000, 0},
		{499, 1000, 0},
		{500, 1000, 0},
		{501, 1000, 1},
		{1500, 1000, 2},
		{2500, 1000, 2},
		{3500, 1000, 4},
		{-500, 1000, 0},
		{-1500, 1000, -2},
		{10, 4, 2},
		{6, 4, 2},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, RoundHalfEven(tt.n, tt.d), "RoundHalfEven(%d, %d)", tt.n, tt.d)
	}
}

func TestPriceTable_Price(t *testing.T) {
	prices := DefaultPrices()

	// 1000 input tokens at 150 nano-dollars = 150 micro-dollars.
	cost, err := prices.Price([]Usage{{Unit: UnitLLMInputTokens, Quantity: 1000}})
	require.NoError(t, err)
	assert.Equal(t, int64(150), cost)

	// 1234 input + 567 output = 185100 + 340200 nanos = 525.3 micros -> 525.
	cost, err = prices.Price([]Usage{
		{Unit: UnitLLMInputTokens, Quantity: 1234},
		{Unit: UnitLLMOutputTokens, Quantity: 567},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(525), cost)

	cost, err = prices.Price([]Usage{{Unit: UnitCRMCall, Quantity: 4}})
	require.NoError(t, err)
	assert.Zero(t, cost)

	_, err = prices.Price([]Usage{{Unit: "gpu_seconds", Quantity: 1}})
	assert.Error(t, err)

	_, err = prices.Price([]Usage{{Unit: UnitCRMCall, Quantity: -1}})
	assert.Error(t, err)
}

func TestPriceTable_Deterministic(t *testing.T) {
	prices := DefaultPrices()
	usage := []Usage{{Unit: UnitLLMInputTokens, Quantity: 3333}, {Unit: UnitLLMOutputTokens, Quantity: 777}}
	first, err := prices.Price(usage)
	require.NoError(t, err)
	for i := 0; i < 100; i++ {
		again, err := prices.Price(usage)
		require.NoError(t, err)
		require.Equal(t, first, again)
	}
}

func TestLedger_RecordAppends(t *testing.T) {
	fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	l := New(memdb.New(), WithClock(func() time.Time { return fixed }))
	run := &db.Run{RunID: uuid.New()}

	first, err := l.Record(run, db.StepFetch, []Usage{{Unit: UnitCRMCall, Quantity: 2}}, nil)
	require.NoError(t, err)
	assert.Equal(t, fixed, first.RecordedAt)
	assert.Equal(t, int64(2), first.Detail["crm_call"])

	_, err = l.Record(run, db.StepGenerate, []Usage{{Unit: UnitLLMInputTokens, Quantity: 2000}}, map[string]any{"model": "gemini"})
	require.NoError(t, err)

	require.Len(t, run.CostBreakdown, 2)
	assert.Equal(t, db.StepFetch, run.CostBreakdown[0].Step)
	assert.Equal(t, int64(300), run.TotalCostMicros)
	assert.Equal(t, "gemini", run.CostBreakdown[1].Detail["model"])

	_, err = l.Record(run, db.StepStore, []Usage{{Unit: "bogus", Quantity: 1}}, nil)
	assert.Error(t, err)
	assert.Len(t, run.CostBreakdown, 2, "failed record must not append")
}

func TestLedger_Totals(t *testing.T) {
	ctx := context.Background()
	store := memdb.New()
	l := New(store)

	makeRun := func(caseID string, costs ...int64) *db.Run {
		run := &db.Run{RunID: uuid.New(), CaseID: caseID, Status: db.StatusRunning, CurrentStep: db.StepFetch, CreatedAt: time.Now()}
		for _, c := range costs {
			l.Append(run, db.StepGenerate, c, nil)
		}
		require.NoError(t, store.CreateRun(ctx, run))
		return run
	}

	a := makeRun("CASE-1", 100, 250)
	makeRun("CASE-1", 5)
	makeRun("CASE-2", 1000)

	total, err := l.Total(ctx, a.RunID)
	require.NoError(t, err)
	assert.Equal(t, int64(350), total)

	caseTotal, err := l.TotalForCase(ctx, "CASE-1")
	require.NoError(t, err)
	assert.Equal(t, int64(355), caseTotal)

	none, err := l.TotalForCase(ctx, "CASE-404")
	require.NoError(t, err)
	assert.Zero(t, none)

	_, err = l.Total(ctx, uuid.New())
	assert.ErrorIs(t, err, faults.ErrRunNotFound)
}

func TestLedger_Summarize(t *testing.T) {
	ctx := context.Background()
	store := memdb.New()
	l := New(store)

	for i, cost := range []int64{100, 200, 301} {
		run := &db.Run{RunID: uuid.New(), CaseID: "C", Status: db.StatusRunning, CurrentStep: db.StepFetch,
			CreatedAt: time.Date(2024, 1, 1, 0, i, 0, 0, time.UTC)}
		l.Append(run, db.StepFetch, 0, nil)
		l.Append(run, db.StepGenerate, cost, nil)
		require.NoError(t, store.CreateRun(ctx, run))
	}

	summary, err := l.Summarize(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Runs)
	assert.Equal(t, int64(601), summary.TotalMicros)
	assert.Equal(t, int64(200), summary.AverageMicros)
	require.Len(t, summary.ByStep, 2)
	assert.Equal(t, db.StepFetch, summary.ByStep[0].Step)
	assert.Equal(t, 3, summary.ByStep[1].Entries)

	empty, err := New(memdb.New()).Summarize(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, empty.Runs)
	assert.Empty(t, empty.ByStep)
}
