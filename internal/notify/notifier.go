package notify

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"strings"

	"github.com/PuneetChandel/AIPaymentsAgentWorkflow/internal/types"
)

var approvalTemplate = template.Must(template.New("approval").Parse(`<html>
<body>
<h2>Dispute Resolution Approval Required</h2>
<h3>Case Details</h3>
<ul>
<li><strong>Case ID:</strong> {{.Summary.CaseID}}</li>
<li><strong>Customer:</strong> {{.Summary.CustomerName}} ({{.Summary.CustomerSegment}})</li>
<li><strong>Dispute Type:</strong> {{.Summary.DisputeType}}</li>
<li><strong>Amount:</strong> ${{printf "%.2f" .Summary.Amount}}</li>
</ul>
<h3>Recommended Resolution</h3>
<ul>
<li><strong>Action:</strong> {{.Proposal.Action}}</li>
<li><strong>Amount:</strong> ${{printf "%.2f" .Proposal.Amount}}</li>
<li><strong>Reason:</strong> {{.Proposal.Reason}}</li>
<li><strong>Confidence:</strong> {{printf "%.0f" .ConfidencePct}}%</li>
<li><strong>Risk:</strong> {{.Proposal.RiskLevel}}</li>
</ul>
<h3>Next Steps</h3>
<p>Submit a decision for run {{.RunID}} at {{.DecisionURL}}</p>
<p><em>This is an automated notification from the dispute resolution service.</em></p>
</body>
</html>`))

var completionTemplate = template.Must(template.New("completion").Parse(`<html>
<body>
<h2>Dispute Resolution Complete</h2>
<h3>Case Details</h3>
<ul>
<li><strong>Case ID:</strong> {{.CaseID}}</li>
<li><strong>Customer:</strong> {{.CustomerName}}</li>
<li><strong>Status:</strong> {{.Status}}</li>
<li><strong>Action:</strong> {{.Action}}</li>
<li><strong>Amount:</strong> ${{printf "%.2f" .Amount}}</li>
{{if .RefundID}}<li><strong>Refund:</strong> {{.RefundID}}</li>{{end}}
<li><strong>Run ID:</strong> {{.RunID}}</li>
</ul>
<p><em>This is an automated notification from the dispute resolution service.</em></p>
</body>
</html>`))

// ReviewEmail is the content of an approval request.
type ReviewEmail struct {
	RunID    string
	Summary  types.CaseSummary
	Proposal types.ResolutionProposal
}

// CompletionEmail is the content of a completion notice.
type CompletionEmail struct {
	RunID        string
	CaseID       string
	CustomerName string
	Status       string
	Action       string
	Amount       float64
	RefundID     string
}

// Notifier composes workflow emails and hands them to a Sender.
type Notifier struct {
	sender      Sender
	reviewers   []string
	finance     []string
	decisionURL string
}

// NewNotifier creates a notifier. decisionURL is shown to reviewers as the
// place to submit decisions.
func NewNotifier(sender Sender, reviewers, finance []string, decisionURL string) *Notifier {
	return &Notifier{
		sender:      sender,
		reviewers:   compact(reviewers),
		finance:     compact(finance),
		decisionURL: decisionURL,
	}
}

// Reviewers returns the approval request recipients.
func (n *Notifier) Reviewers() []string {
	return append([]string(nil), n.reviewers...)
}

// RequestReview emails the reviewers. It reports false without error when no
// reviewers are configured.
func (n *Notifier) RequestReview(ctx context.Context, e ReviewEmail) (bool, error) {
	if len(n.reviewers) == 0 {
		return false, nil
	}
	var buf bytes.Buffer
	err := approvalTemplate.Execute(&buf, struct {
		ReviewEmail
		ConfidencePct float64
		DecisionURL   string
	}{e, e.Proposal.Confidence * 100, n.decisionURL})
	if err != nil {
		return false, fmt.Errorf("failed to render approval email: %w", err)
	}
	msg := Message{
		To:      n.reviewers,
		Subject: fmt.Sprintf("Dispute Approval Required - Case %s", e.Summary.CaseID),
		HTML:    buf.String(),
	}
	if err := n.sender.Send(ctx, msg); err != nil {
		return false, err
	}
	return true, nil
}

// ResolutionCompleted emails finance. It reports false without error when no
// finance recipients are configured.
func (n *Notifier) ResolutionCompleted(ctx context.Context, e CompletionEmail) (bool, error) {
	if len(n.finance) == 0 {
		return false, nil
	}
	var buf bytes.Buffer
	if err := completionTemplate.Execute(&buf, e); err != nil {
		return false, fmt.Errorf("failed to render completion email: %w", err)
	}
	msg := Message{
		To:      n.finance,
		Subject: fmt.Sprintf("Dispute Resolution Complete - Case %s", e.CaseID),
		HTML:    buf.String(),
	}
	if err := n.sender.Send(ctx, msg); err != nil {
		return false, err
	}
	return true, nil
}

func compact(addrs []string) []string {
	var out []string
	for _, a := range addrs {
		if a = strings.TrimSpace(a); a != "" {
			out = append(out, a)
		}
	}
	return out
}
