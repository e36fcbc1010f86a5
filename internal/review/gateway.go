// Package review is the boundary where human reviewers act on runs awaiting
// a decision.
package review

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/PuneetChandel/AIPaymentsAgentWorkflow/internal/db"
	"github.com/PuneetChandel/AIPaymentsAgentWorkflow/internal/faults"
	"github.com/PuneetChandel/AIPaymentsAgentWorkflow/internal/notify"
	"github.com/PuneetChandel/AIPaymentsAgentWorkflow/internal/observability"
	"github.com/PuneetChandel/AIPaymentsAgentWorkflow/internal/schemas"
	"github.com/PuneetChandel/AIPaymentsAgentWorkflow/internal/types"
)

// EscalationReviewer is the reviewer recorded on decisions made by the
// escalation policy rather than a person.
const EscalationReviewer = "system:escalation"

// Resumer applies a decision to a suspended run.
type Resumer interface {
	Resume(ctx context.Context, runID uuid.UUID, decision types.HumanDecision) (*db.Run, error)
}

// Store is the part of the workflow store the gateway reads.
type Store interface {
	GetRun(ctx context.Context, runID uuid.UUID) (*db.Run, error)
	ListPendingRuns(ctx context.Context) ([]db.Run, error)
}

// Notifier re-sends review requests for overdue runs.
type Notifier interface {
	RequestReview(ctx context.Context, e notify.ReviewEmail) (bool, error)
}

// Gateway validates reviewer decisions and hands them to the engine. Decisions
// for the same run are serialized.
type Gateway struct {
	engine   Resumer
	store    Store
	notifier Notifier
	metrics  *observability.Metrics
	logger   *slog.Logger
	clock    func() time.Time
	locks    keyedMutex
}

// Option customizes a Gateway.
type Option func(*Gateway)

// WithNotifier enables re-sending review requests on escalation.
func WithNotifier(n Notifier) Option {
	return func(g *Gateway) { g.notifier = n }
}

// WithMetrics counts decisions by outcome.
func WithMetrics(m *observability.Metrics) Option {
	return func(g *Gateway) { g.metrics = m }
}

// WithLogger sets the gateway logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gateway) {
		if l != nil {
			g.logger = l
		}
	}
}

// WithClock injects a deterministic clock (primarily for tests).
func WithClock(clock func() time.Time) Option {
	return func(g *Gateway) {
		if clock != nil {
			g.clock = clock
		}
	}
}

// NewGateway creates a gateway in front of engine.
func NewGateway(engine Resumer, store Store, opts ...Option) *Gateway {
	g := &Gateway{
		engine: engine,
		store:  store,
		logger: slog.Default(),
		clock:  time.Now,
		locks:  keyedMutex{locks: make(map[uuid.UUID]*lockEntry)},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Submit applies a reviewer decision. A run that was already decided fails
// with faults.ErrAlreadyDecided; one that never reached the review step fails
// with faults.ErrInvalidState. Neither is touched.
func (g *Gateway) Submit(ctx context.Context, req types.DecisionRequest) (*db.Run, error) {
	run, err := g.submit(ctx, req)
	result := "ok"
	if err != nil {
		result = string(faults.KindOf(err))
	}
	g.metrics.Decision(req.NormalizedDecision(), result)
	return run, err
}

func (g *Gateway) submit(ctx context.Context, req types.DecisionRequest) (*db.Run, error) {
	const op = "review.Submit"

	if err := req.Validate(); err != nil {
		return nil, faults.Wrap(faults.KindInvalidInput, op, err)
	}
	runID, err := uuid.Parse(strings.TrimSpace(req.RunID))
	if err != nil {
		return nil, faults.InvalidInput(op, "run_id is not a valid UUID")
	}
	reviewer := req.ReviewerIdentity()
	if reviewer == "" {
		return nil, faults.InvalidInput(op, "reviewer is required")
	}

	decision := req.NormalizedDecision()
	if decision != types.DecisionApproved && decision != types.DecisionRejected {
		return nil, faults.ErrInvalidDecision
	}
	if req.ModifiedResolution != nil {
		if decision != types.DecisionApproved {
			return nil, &faults.Error{Kind: faults.KindInvalidDecision, Op: op, Message: "a modified resolution requires an approved decision"}
		}
		if err := schemas.ValidateProposal(req.ModifiedResolution); err != nil {
			return nil, &faults.Error{Kind: faults.KindInvalidDecision, Op: op, Message: "modified resolution is invalid", Err: err}
		}
	}

	unlock := g.locks.Lock(runID)
	defer unlock()

	run, err := g.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, faults.ErrRunNotFound
	}
	if run.CaseID != strings.TrimSpace(req.CaseID) {
		return nil, faults.InvalidInput(op, fmt.Sprintf("run %s does not belong to case %s", runID, req.CaseID))
	}
	if run.Status != db.StatusAwaitingDecision {
		return run, notAwaiting(run)
	}

	updated, err := g.engine.Resume(ctx, runID, types.HumanDecision{
		Decision:           decision,
		Reviewer:           reviewer,
		Comments:           strings.TrimSpace(req.Comments),
		ModifiedResolution: req.ModifiedResolution,
		DecidedAt:          g.clock().UTC(),
	})
	switch {
	case errors.Is(err, faults.ErrConflict) && updated != nil && updated.Status != db.StatusAwaitingDecision:
		// The decision was committed; another driver owns the rest of the run.
		g.logger.Warn("decision applied, run continued elsewhere", "run_id", runID,
			"case_id", run.CaseID, "decision", decision, "step", updated.CurrentStep)
		return updated, nil
	case errors.Is(err, faults.ErrInvalidState) || errors.Is(err, faults.ErrConflict):
		// Another process moved the run between our read and the engine's write.
		current, getErr := g.store.GetRun(ctx, runID)
		if getErr != nil || current == nil || current.Status == db.StatusAwaitingDecision {
			return updated, alreadyDecided(updated)
		}
		return current, notAwaiting(current)
	case err != nil:
		return updated, err
	}

	g.logger.Info("decision submitted", "run_id", runID, "case_id", run.CaseID,
		"decision", decision, "reviewer", reviewer, "status", updated.Status)
	return updated, nil
}

// notAwaiting reports why a run cannot take a decision: it was decided
// already, or it has not reached the review step.
func notAwaiting(run *db.Run) error {
	if decided(run) {
		return alreadyDecided(run)
	}
	return &faults.Error{Kind: faults.KindInvalidState, Op: "review.Submit",
		Message: fmt.Sprintf("run is %s at %s, not awaiting a decision", run.Status, run.CurrentStep)}
}

func decided(run *db.Run) bool {
	return run.Context.Decision != nil || run.CurrentStep.Index() > db.StepAwaitDecision.Index()
}

func alreadyDecided(run *db.Run) error {
	msg := faults.ErrAlreadyDecided.Message
	if run != nil {
		msg = fmt.Sprintf("run has already been decided (status %s)", run.Status)
	}
	return &faults.Error{Kind: faults.KindAlreadyDecided, Op: "review.Submit", Message: msg}
}

// ListPending returns runs awaiting a decision, longest waiting first.
func (g *Gateway) ListPending(ctx context.Context) ([]db.Run, error) {
	runs, err := g.store.ListPendingRuns(ctx)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(runs, func(i, j int) bool {
		return awaitingSince(runs[i]).Before(awaitingSince(runs[j]))
	})
	return runs, nil
}

// ListOverdue returns pending runs that have waited longer than threshold.
func (g *Gateway) ListOverdue(ctx context.Context, threshold time.Duration) ([]db.Run, error) {
	pending, err := g.ListPending(ctx)
	if err != nil {
		return nil, err
	}
	cutoff := g.clock().Add(-threshold)
	var overdue []db.Run
	for _, r := range pending {
		if awaitingSince(r).Before(cutoff) {
			overdue = append(overdue, r)
		}
	}
	return overdue, nil
}

func awaitingSince(r db.Run) time.Time {
	if r.AwaitingSince != nil {
		return *r.AwaitingSince
	}
	return r.UpdatedAt
}

// Escalation is what happened to one overdue run.
type Escalation struct {
	RunID  uuid.UUID `json:"run_id"`
	CaseID string    `json:"case_id"`
	Action string    `json:"action"`
	Error  string    `json:"error,omitempty"`
}

// Escalation actions
const (
	EscalationRejected   = "rejected"
	EscalationRenotified = "renotified"
	EscalationSkipped    = "skipped"
)

// Escalate acts on every run overdue by threshold. With reject set the run is
// force-rejected through Submit as EscalationReviewer; otherwise the review
// request is sent again. Per-run failures are reported, not returned.
func (g *Gateway) Escalate(ctx context.Context, threshold time.Duration, reject bool) ([]Escalation, error) {
	overdue, err := g.ListOverdue(ctx, threshold)
	if err != nil {
		return nil, err
	}

	out := make([]Escalation, 0, len(overdue))
	for _, r := range overdue {
		e := Escalation{RunID: r.RunID, CaseID: r.CaseID}
		if reject {
			e.Action = EscalationRejected
			_, err = g.Submit(ctx, types.DecisionRequest{
				RunID:    r.RunID.String(),
				CaseID:   r.CaseID,
				Decision: types.DecisionRejected,
				Reviewer: EscalationReviewer,
				Comments: fmt.Sprintf("No decision within %s", threshold),
			})
		} else {
			e.Action, err = g.renotify(ctx, r)
		}
		if err != nil {
			e.Error = err.Error()
			g.logger.Warn("escalation failed", "run_id", r.RunID, "case_id", r.CaseID, "error", err)
		}
		out = append(out, e)
	}
	return out, nil
}

func (g *Gateway) renotify(ctx context.Context, r db.Run) (string, error) {
	if g.notifier == nil || r.Context.Fetched == nil || r.Context.Proposal == nil {
		return EscalationSkipped, nil
	}
	sent, err := g.notifier.RequestReview(ctx, notify.ReviewEmail{
		RunID:    r.RunID.String(),
		Summary:  r.Context.Fetched.Summary(),
		Proposal: *r.Context.Proposal,
	})
	if err != nil {
		return EscalationRenotified, fmt.Errorf("failed to resend review request: %w", err)
	}
	if !sent {
		return EscalationSkipped, nil
	}
	return EscalationRenotified, nil
}

// keyedMutex hands out one mutex per run id and forgets it once unused.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[uuid.UUID]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

// Lock blocks until id is free and returns its unlock function.
func (k *keyedMutex) Lock(id uuid.UUID) func() {
	k.mu.Lock()
	e, ok := k.locks[id]
	if !ok {
		e = &lockEntry{}
		k.locks[id] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.locks, id)
		}
		k.mu.Unlock()
	}
}

func (k *keyedMutex) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
