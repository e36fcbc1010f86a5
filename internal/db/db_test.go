package db

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PuneetChandel/AIPaymentsAgentWorkflow/internal/types"
)

func TestStepOrder(t *testing.T) {
	assert.Equal(t, 0, StepFetch.Index())
	assert.Equal(t, 4, StepAwaitDecision.Index())
	assert.Equal(t, 6, StepStore.Index())
	assert.Equal(t, -1, Step("bogus").Index())
	assert.False(t, Step("bogus").Valid())
	assert.Len(t, StepOrder, 7)
}

func TestStatus_Terminal(t *testing.T) {
	assert.False(t, StatusRunning.Terminal())
	assert.False(t, StatusAwaitingDecision.Terminal())
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.True(t, StatusRejected.Terminal())
}

func TestRunContext_Merge(t *testing.T) {
	var c RunContext
	require.NoError(t, c.Merge(RunContext{Validation: &types.ValidationResult{Valid: true}}))
	require.NotNil(t, c.Validation)

	err := c.Merge(RunContext{Validation: &types.ValidationResult{Valid: false}})
	require.Error(t, err)
	var setErr *ErrFieldAlreadySet
	require.ErrorAs(t, err, &setErr)
	assert.Equal(t, "validation", setErr.Field)
	assert.True(t, c.Validation.Valid, "existing field must not be overwritten")

	require.NoError(t, c.Merge(RunContext{Proposal: &types.ResolutionProposal{Action: types.ActionDenyRefund}}))
	assert.Equal(t, types.ActionDenyRefund, c.Proposal.Action)
}

func TestCostEntry_MarshalJSON(t *testing.T) {
	data, err := json.Marshal(CostEntry{Step: StepGenerate, CostMicros: 1250, RecordedAt: time.Unix(0, 0).UTC()})
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, "generate", out["step"])
	assert.InDelta(t, 1250, out["cost_micros"], 0)
	assert.InDelta(t, 0.00125, out["cost"], 1e-12)
}

func TestRun_Clone(t *testing.T) {
	run := &Run{
		RunID:       uuid.New(),
		CaseID:      "CASE-1",
		Status:      StatusRunning,
		CurrentStep: StepGenerate,
		Context: RunContext{
			Validation: &types.ValidationResult{Valid: true},
		},
		CostBreakdown: []CostEntry{{Step: StepFetch, CostMicros: 0}},
	}

	clone := run.Clone()
	clone.Context.Validation.Valid = false
	clone.CostBreakdown[0].CostMicros = 99

	assert.True(t, run.Context.Validation.Valid)
	assert.Equal(t, int64(0), run.CostBreakdown[0].CostMicros)
	assert.Equal(t, run.RunID, clone.RunID)
}

func TestRun_CheckConsistency(t *testing.T) {
	tests := []struct {
		name    string
		run     Run
		wantErr bool
	}{
		{
			name: "running at generate",
			run:  Run{Status: StatusRunning, CurrentStep: StepGenerate},
		},
		{
			name: "awaiting at await_decision",
			run: Run{Status: StatusAwaitingDecision, CurrentStep: StepAwaitDecision, Context: RunContext{
				Proposal: &types.ResolutionProposal{},
				Review:   &types.ReviewRequest{},
			}},
		},
		{
			name:    "awaiting at wrong step",
			run:     Run{Status: StatusAwaitingDecision, CurrentStep: StepExecute},
			wantErr: true,
		},
		{
			name:    "running at await_decision",
			run:     Run{Status: StatusRunning, CurrentStep: StepAwaitDecision},
			wantErr: true,
		},
		{
			name:    "completed before store",
			run:     Run{Status: StatusCompleted, CurrentStep: StepExecute},
			wantErr: true,
		},
		{
			name: "rejected at await_decision",
			run:  Run{Status: StatusRejected, CurrentStep: StepAwaitDecision, Context: RunContext{Decision: &types.HumanDecision{}}},
		},
		{
			name:    "execution output before execute",
			run:     Run{Status: StatusRunning, CurrentStep: StepGenerate, Context: RunContext{Execution: &types.ExecutionOutcome{}}},
			wantErr: true,
		},
		{
			name: "failed at validate",
			run:  Run{Status: StatusFailed, CurrentStep: StepValidate, Context: RunContext{Validation: &types.ValidationResult{}}},
		},
		{
			name:    "unknown status",
			run:     Run{Status: "paused", CurrentStep: StepFetch},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.run.CheckConsistency()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestExpectationOf(t *testing.T) {
	run := &Run{Version: 3, Status: StatusAwaitingDecision}
	assert.Equal(t, Expectation{Version: 3, Status: StatusAwaitingDecision}, ExpectationOf(run))
}
