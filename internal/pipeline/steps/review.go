package steps

import (
	"context"
	"log/slog"
	"time"

	"github.com/PuneetChandel/AIPaymentsAgentWorkflow/internal/db"
	"github.com/PuneetChandel/AIPaymentsAgentWorkflow/internal/faults"
	"github.com/PuneetChandel/AIPaymentsAgentWorkflow/internal/ledger"
	"github.com/PuneetChandel/AIPaymentsAgentWorkflow/internal/notify"
	"github.com/PuneetChandel/AIPaymentsAgentWorkflow/internal/types"
)

// SendReview publishes the case to the human-review queue and emails the
// reviewers.
type SendReview struct {
	publisher ReviewPublisher
	notifier  ReviewNotifier
	logger    *slog.Logger
	clock     func() time.Time
}

// NewSendReview creates the send_review executor.
func NewSendReview(publisher ReviewPublisher, notifier ReviewNotifier, logger *slog.Logger, clock func() time.Time) *SendReview {
	return &SendReview{publisher: publisher, notifier: notifier, logger: logger, clock: clock}
}

// Step implements Executor.
func (s *SendReview) Step() db.Step { return db.StepSendReview }

// Execute implements Executor. Queue and notification outages are transient;
// any other email failure is logged and the review proceeds without email.
func (s *SendReview) Execute(ctx context.Context, in Input) (*Result, error) {
	summary := in.Context.Fetched.Summary()
	proposal := *in.Context.Proposal
	now := s.clock().UTC()

	msgID, err := s.publisher.PublishReview(ctx, types.ReviewMessage{
		RunID:       in.RunID.String(),
		CaseID:      in.CaseID,
		Summary:     summary,
		Proposal:    proposal,
		RequestedAt: now,
	})
	if err != nil {
		return nil, err
	}

	sent, err := s.notifier.RequestReview(ctx, notify.ReviewEmail{RunID: in.RunID.String(), Summary: summary, Proposal: proposal})
	if err != nil {
		if faults.IsTransient(err) {
			return nil, err
		}
		s.logger.Warn("review email not sent", "run_id", in.RunID, "case_id", in.CaseID, "error", err)
	}

	review := &types.ReviewRequest{
		QueueMessageID: msgID,
		EmailSent:      sent,
		RequestedAt:    now,
	}
	if sent {
		review.Recipients = s.notifier.Reviewers()
	}

	var notifications int64 = 1
	if sent {
		notifications++
	}
	return &Result{
		Update: db.RunContext{Review: review},
		Usage:  []ledger.Usage{{Unit: ledger.UnitNotification, Quantity: notifications}},
		Detail: map[string]any{"queue_message_id": msgID, "email_sent": sent},
	}, nil
}

// AwaitDecision holds the run until a human decision is present in the
// context, then routes approved runs to execution and rejected runs to the
// rejected terminal state.
type AwaitDecision struct{}

// Step implements Executor.
func (AwaitDecision) Step() db.Step { return db.StepAwaitDecision }

// Execute implements Executor.
func (AwaitDecision) Execute(_ context.Context, in Input) (*Result, error) {
	d := in.Context.Decision
	if d == nil {
		return &Result{Signal: Suspend}, nil
	}

	detail := map[string]any{"decision": d.Decision}
	if d.Reviewer != "" {
		detail["reviewer"] = d.Reviewer
	}
	if d.ModifiedResolution != nil {
		detail["modified"] = true
	}

	switch d.Decision {
	case types.DecisionApproved:
		return &Result{Detail: detail}, nil
	case types.DecisionRejected:
		return &Result{Detail: detail, Signal: Reject, Reason: d.Comments}, nil
	}
	return nil, faults.ErrInvalidDecision
}
