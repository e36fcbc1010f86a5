// Package steps defines the dispute workflow steps, their ordering, and the
// executors that perform them.
package steps

import (
	"fmt"
	"strings"

	"github.com/PuneetChandel/AIPaymentsAgentWorkflow/internal/db"
)

// StepDefinition defines metadata for a workflow step
type StepDefinition struct {
	Name db.Step
	// Next is the step that follows a successful run of this one. Empty
	// means the run completes.
	Next db.Step
	// Requires lists the context fields that must be present before the
	// step may run.
	Requires []string
	// Suspends marks a step the engine parks the run on until an external
	// decision arrives.
	Suspends bool
}

// StepRegistry holds all step definitions
var StepRegistry = map[db.Step]StepDefinition{
	db.StepFetch: {
		Name:     db.StepFetch,
		Next:     db.StepValidate,
		Requires: []string{"event"},
	},
	db.StepValidate: {
		Name:     db.StepValidate,
		Next:     db.StepGenerate,
		Requires: []string{"event", "fetched"},
	},
	db.StepGenerate: {
		Name:     db.StepGenerate,
		Next:     db.StepSendReview,
		Requires: []string{"fetched", "validation"},
	},
	db.StepSendReview: {
		Name:     db.StepSendReview,
		Next:     db.StepAwaitDecision,
		Requires: []string{"fetched", "proposal"},
	},
	db.StepAwaitDecision: {
		Name:     db.StepAwaitDecision,
		Next:     db.StepExecute,
		Requires: []string{"proposal", "review"},
		Suspends: true,
	},
	db.StepExecute: {
		Name:     db.StepExecute,
		Next:     db.StepStore,
		Requires: []string{"fetched", "proposal", "decision"},
	},
	db.StepStore: {
		Name:     db.StepStore,
		Requires: []string{"fetched", "decision", "execution"},
	},
}

// Next returns the step after step. ok is false when step is the last one or
// unknown.
func Next(step db.Step) (db.Step, bool) {
	def, found := StepRegistry[step]
	if !found || def.Next == "" {
		return "", false
	}
	return def.Next, true
}

// Suspends reports whether the engine parks runs on step.
func Suspends(step db.Step) bool {
	return StepRegistry[step].Suspends
}

// DependencyError represents a dependency validation error
type DependencyError struct {
	Step                db.Step
	MissingDependencies []string
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("step %s is missing context: %s", e.Step, strings.Join(e.MissingDependencies, ", "))
}

// ValidateDependencies checks that every context field step requires is set.
func ValidateDependencies(step db.Step, c *db.RunContext) error {
	def, ok := StepRegistry[step]
	if !ok {
		return fmt.Errorf("unknown step: %s", step)
	}

	present := map[string]bool{
		"event":      c.Event != nil,
		"fetched":    c.Fetched != nil,
		"validation": c.Validation != nil,
		"proposal":   c.Proposal != nil,
		"review":     c.Review != nil,
		"decision":   c.Decision != nil,
		"execution":  c.Execution != nil,
		"final":      c.Final != nil,
	}

	var missing []string
	for _, field := range def.Requires {
		if !present[field] {
			missing = append(missing, field)
		}
	}
	if len(missing) > 0 {
		return &DependencyError{Step: step, MissingDependencies: missing}
	}
	return nil
}
