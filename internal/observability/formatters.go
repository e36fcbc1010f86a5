// Package observability provides logging, metrics and formatted CLI output
// for the dispute workflow.
package observability

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/PuneetChandel/AIPaymentsAgentWorkflow/internal/db"
	"github.com/PuneetChandel/AIPaymentsAgentWorkflow/internal/ledger"
)

const (
	// boxWidth is the default width for formatted output boxes
	boxWidth = 64
	// maxItemsToShow is the default number of items to display in lists
	maxItemsToShow = 10
)

// Printer handles formatted output for the CLI
type Printer struct {
	out io.Writer
}

// NewPrinter creates a new Printer that writes to the given writer
func NewPrinter(out io.Writer) *Printer {
	return &Printer{out: out}
}

// printBox prints a formatted box with a title and content
//
//nolint:errcheck // writing to stdout; errors are not recoverable
func (p *Printer) printBox(title string, content string) {
	border := strings.Repeat("─", boxWidth-2)
	fmt.Fprintf(p.out, "┌%s┐\n", border)
	fmt.Fprintf(p.out, "│ %-*s │\n", boxWidth-4, title)
	fmt.Fprintf(p.out, "├%s┤\n", border)

	for _, line := range strings.Split(content, "\n") {
		if len(line) > boxWidth-4 {
			line = line[:boxWidth-7] + "..."
		}
		fmt.Fprintf(p.out, "│ %-*s │\n", boxWidth-4, line)
	}

	fmt.Fprintf(p.out, "└%s┘\n", border)
}

// PrintRun outputs a run's status, context highlights and cost breakdown.
func (p *Printer) PrintRun(run *db.Run) {
	if run == nil {
		return
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Run:      %s\n", run.RunID)
	fmt.Fprintf(&sb, "Case:     %s\n", run.CaseID)
	fmt.Fprintf(&sb, "Status:   %s\n", run.Status)
	fmt.Fprintf(&sb, "Step:     %s\n", run.CurrentStep)

	c := run.Context
	if c.Fetched != nil {
		fmt.Fprintf(&sb, "Dispute:  %s, $%.2f\n", c.Fetched.Case.DisputeType, c.Fetched.Case.Amount)
	}
	if c.Proposal != nil {
		fmt.Fprintf(&sb, "Proposal: %s $%.2f (%s risk, %.0f%%)\n",
			c.Proposal.Action, c.Proposal.Amount, c.Proposal.RiskLevel, c.Proposal.Confidence*100)
	}
	if c.Decision != nil {
		fmt.Fprintf(&sb, "Decision: %s by %s\n", c.Decision.Decision, c.Decision.Reviewer)
	}
	if c.Execution != nil {
		fmt.Fprintf(&sb, "Executed: %s", c.Execution.Status)
		if c.Execution.RefundID != "" {
			fmt.Fprintf(&sb, " (refund %s)", c.Execution.RefundID)
		}
		sb.WriteString("\n")
	}
	if run.Error != nil {
		fmt.Fprintf(&sb, "Error:    %s at %s: %s\n", run.Error.Kind, run.Error.Step, run.Error.Message)
	}

	sb.WriteString("\nCosts:\n")
	for _, e := range run.CostBreakdown {
		fmt.Fprintf(&sb, "  %-16s $%.6f\n", e.Step, db.MicrosToUSD(e.CostMicros))
	}
	fmt.Fprintf(&sb, "  %-16s $%.6f", "total", run.TotalCost())

	p.printBox("WORKFLOW RUN", sb.String())
}

// PrintPending lists runs awaiting a decision, oldest first.
func (p *Printer) PrintPending(runs []db.Run, now time.Time) {
	if len(runs) == 0 {
		p.printBox("PENDING REVIEWS", "No runs awaiting a decision")
		return
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Awaiting decision: %d\n\n", len(runs))
	count := min(len(runs), maxItemsToShow)
	for i := 0; i < count; i++ {
		r := runs[i]
		waiting := "-"
		if r.AwaitingSince != nil {
			waiting = now.Sub(*r.AwaitingSince).Round(time.Minute).String()
		}
		fmt.Fprintf(&sb, "%-10s %s  waiting %s\n", r.CaseID, r.RunID, waiting)
	}
	if len(runs) > maxItemsToShow {
		fmt.Fprintf(&sb, "\n... and %d more", len(runs)-maxItemsToShow)
	}
	p.printBox("PENDING REVIEWS", strings.TrimSuffix(sb.String(), "\n"))
}

// PrintCostSummary outputs aggregate costs over recent runs.
func (p *Printer) PrintCostSummary(s *ledger.Summary) {
	if s == nil {
		return
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Runs:     %d\n", s.Runs)
	fmt.Fprintf(&sb, "Total:    $%.6f\n", s.Total)
	fmt.Fprintf(&sb, "Average:  $%.6f\n", s.Average)
	for _, st := range s.ByStep {
		fmt.Fprintf(&sb, "  %-16s $%.6f\n", st.Step, st.Cost)
	}
	p.printBox("COST SUMMARY", strings.TrimSuffix(sb.String(), "\n"))
}
