package steps

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PuneetChandel/AIPaymentsAgentWorkflow/internal/db"
	"github.com/PuneetChandel/AIPaymentsAgentWorkflow/internal/types"
)

func TestStepRegistry_FollowsStepOrder(t *testing.T) {
	require.Len(t, StepRegistry, len(db.StepOrder))

	for i, step := range db.StepOrder {
		def, ok := StepRegistry[step]
		require.True(t, ok, "step %s should be registered", step)
		assert.Equal(t, step, def.Name)

		next, hasNext := Next(step)
		if i == len(db.StepOrder)-1 {
			assert.False(t, hasNext)
			continue
		}
		assert.True(t, hasNext)
		assert.Equal(t, db.StepOrder[i+1], next)
	}
}

func TestSuspends(t *testing.T) {
	for _, step := range db.StepOrder {
		assert.Equal(t, step == db.StepAwaitDecision, Suspends(step), "step %s", step)
	}
}

func TestValidateDependencies(t *testing.T) {
	c := &db.RunContext{Event: &types.DisputeEvent{CaseID: "CASE-1"}}
	assert.NoError(t, ValidateDependencies(db.StepFetch, c))

	err := ValidateDependencies(db.StepGenerate, c)
	var depErr *DependencyError
	require.ErrorAs(t, err, &depErr)
	assert.Equal(t, db.StepGenerate, depErr.Step)
	assert.Equal(t, []string{"fetched", "validation"}, depErr.MissingDependencies)
	assert.Contains(t, err.Error(), "missing context")

	err = ValidateDependencies("unknown_step", c)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unknown step")
}
