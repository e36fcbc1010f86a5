package steps

import (
	"context"
	"fmt"
	"strings"

	"github.com/PuneetChandel/AIPaymentsAgentWorkflow/internal/db"
	"github.com/PuneetChandel/AIPaymentsAgentWorkflow/internal/types"
)

// Validate decides whether a dispute is legitimate: the case must exist, be a
// billing or charge dispute, and carry a non-negative amount. An illegitimate
// dispute halts the run.
type Validate struct{}

// Step implements Executor.
func (Validate) Step() db.Step { return db.StepValidate }

// Execute implements Executor.
func (Validate) Execute(_ context.Context, in Input) (*Result, error) {
	res := CheckDispute(in.Context.Fetched)
	out := &Result{
		Update: db.RunContext{Validation: &res},
		Detail: map[string]any{"valid": res.Valid},
	}
	if !res.Valid {
		out.Signal = Halt
		out.Reason = strings.Join(res.Reasons, "; ")
	}
	return out, nil
}

// CheckDispute applies the legitimacy rules to fetched data.
func CheckDispute(f *types.FetchedData) types.ValidationResult {
	var reasons []string
	if f == nil || f.Case.ID == "" {
		return types.ValidationResult{Valid: false, Reasons: []string{"case not found"}}
	}

	disputeType := strings.ToLower(f.Case.DisputeType)
	if !strings.Contains(disputeType, "billing") && !strings.Contains(disputeType, "charge") {
		reasons = append(reasons, fmt.Sprintf("dispute type %q is not a billing or charge dispute", f.Case.DisputeType))
	}
	if f.Case.Amount < 0 {
		reasons = append(reasons, fmt.Sprintf("amount %.2f is negative", f.Case.Amount))
	}
	return types.ValidationResult{Valid: len(reasons) == 0, Reasons: reasons}
}
