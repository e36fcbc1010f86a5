// Package pipeline drives dispute workflow runs through their steps.
//
// The engine is a persisted state machine. Every step result is merged into
// the run context, priced by the cost ledger and written to the store before
// the next step starts. Reaching await_decision persists the run and returns;
// Resume reloads it and continues from there.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/PuneetChandel/AIPaymentsAgentWorkflow/internal/db"
	"github.com/PuneetChandel/AIPaymentsAgentWorkflow/internal/faults"
	"github.com/PuneetChandel/AIPaymentsAgentWorkflow/internal/ledger"
	"github.com/PuneetChandel/AIPaymentsAgentWorkflow/internal/observability"
	"github.com/PuneetChandel/AIPaymentsAgentWorkflow/internal/pipeline/steps"
	"github.com/PuneetChandel/AIPaymentsAgentWorkflow/internal/schemas"
	"github.com/PuneetChandel/AIPaymentsAgentWorkflow/internal/types"
)

// Store is the part of the workflow store the engine writes through.
type Store interface {
	CreateRun(ctx context.Context, run *db.Run) error
	GetRun(ctx context.Context, runID uuid.UUID) (*db.Run, error)
	UpdateRun(ctx context.Context, run *db.Run, expect db.Expectation) error
}

// Invalidator drops cached similarity results.
type Invalidator interface {
	Invalidate()
}

// ProgressEvent describes one committed transition of a run.
type ProgressEvent struct {
	RunID   uuid.UUID `json:"run_id"`
	CaseID  string    `json:"case_id"`
	Step    db.Step   `json:"step"`
	Status  db.Status `json:"status"`
	Message string    `json:"message,omitempty"`
}

// ProgressCallback is called after every committed transition.
type ProgressCallback func(event ProgressEvent)

// Engine drives runs. It holds no per-run state between calls, so one
// engine serves every run concurrently.
type Engine struct {
	store      Store
	ledger     *ledger.Ledger
	executors  map[db.Step]steps.Executor
	cache      Invalidator
	retry      RetryPolicy
	metrics    *observability.Metrics
	logger     *slog.Logger
	clock      func() time.Time
	sleep      func(ctx context.Context, d time.Duration) error
	newID      func() uuid.UUID
	onProgress ProgressCallback
}

// Option customizes an Engine.
type Option func(*Engine)

// WithRetryPolicy overrides the default retry policy.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(e *Engine) { e.retry = p.normalized() }
}

// WithCache sets the similarity cache invalidated after a step learns a new
// resolution.
func WithCache(c Invalidator) Option {
	return func(e *Engine) { e.cache = c }
}

// WithMetrics records run and step metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithClock injects a deterministic clock (primarily for tests).
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) {
		if clock != nil {
			e.clock = clock
		}
	}
}

// WithSleep replaces the backoff wait (primarily for tests).
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Engine) {
		if sleep != nil {
			e.sleep = sleep
		}
	}
}

// WithIDGenerator replaces uuid.New for new run ids.
func WithIDGenerator(newID func() uuid.UUID) Option {
	return func(e *Engine) {
		if newID != nil {
			e.newID = newID
		}
	}
}

// WithProgress registers a callback for committed transitions.
func WithProgress(cb ProgressCallback) Option {
	return func(e *Engine) { e.onProgress = cb }
}

// New creates an engine. executors must hold one executor per step.
func New(store Store, costs *ledger.Ledger, executors map[db.Step]steps.Executor, opts ...Option) *Engine {
	e := &Engine{
		store:     store,
		ledger:    costs,
		executors: executors,
		retry:     DefaultRetryPolicy(),
		logger:    slog.Default(),
		clock:     time.Now,
		sleep:     sleepContext,
		newID:     uuid.New,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start creates a run for event and drives it until it completes, fails, is
// rejected or suspends awaiting a decision. A run that fails at a step is
// returned with a nil error; its Error field carries the cause. A non-nil
// error means the run could not be advanced and remains in the returned,
// last committed state.
func (e *Engine) Start(ctx context.Context, event types.DisputeEvent) (*db.Run, error) {
	if err := event.Validate(); err != nil {
		return nil, faults.Wrap(faults.KindInvalidInput, "engine.Start", err)
	}

	now := e.clock().UTC()
	ev := event
	run := &db.Run{
		RunID:         e.newID(),
		CaseID:        event.CaseID,
		CustomerID:    event.CustomerID,
		Status:        db.StatusRunning,
		CurrentStep:   db.StepFetch,
		Context:       db.RunContext{Event: &ev},
		CostBreakdown: []db.CostEntry{},
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := e.store.CreateRun(ctx, run); err != nil {
		return nil, err
	}
	e.metrics.RunStarted()
	e.logger.Info("workflow started", "run_id", run.RunID, "case_id", run.CaseID, "event_type", event.EventType)
	e.emit(run, "started")

	return e.drive(ctx, run)
}

// Resume applies a human decision to a run awaiting one and drives it on.
// It fails with faults.ErrInvalidState unless the run is awaiting a decision
// and with faults.ErrInvalidDecision for anything but approved or rejected.
// Neither failure touches the stored run.
func (e *Engine) Resume(ctx context.Context, runID uuid.UUID, decision types.HumanDecision) (*db.Run, error) {
	run, err := e.load(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status != db.StatusAwaitingDecision {
		return run, &faults.Error{Kind: faults.KindInvalidState, Op: "engine.Resume", Message: "run is " + string(run.Status) + ", not awaiting a decision"}
	}
	if err := checkDecision(decision); err != nil {
		return run, err
	}
	if decision.DecidedAt.IsZero() {
		decision.DecidedAt = e.clock().UTC()
	}

	next := run.Clone()
	if err := next.Context.Merge(db.RunContext{Decision: &decision}); err != nil {
		return run, faults.Wrap(faults.KindInternal, "engine.Resume", err)
	}

	step := run.CurrentStep
	exec, ok := e.executors[step]
	if !ok {
		return run, faults.New(faults.KindInternal, "engine.Resume", "no executor for step "+string(step))
	}
	result, err := exec.Execute(ctx, e.input(next, 1))
	if err != nil {
		return run, err
	}
	if err := e.advance(next, step, result); err != nil {
		return run, err
	}
	if err := e.commit(ctx, run, next); err != nil {
		return run, err
	}
	e.logger.Info("decision applied", "run_id", run.RunID, "case_id", run.CaseID,
		"decision", decision.Decision, "reviewer", decision.Reviewer, "status", next.Status)

	return e.drive(ctx, next)
}

// Recover re-drives a run left in running state, e.g. after a crash or a
// store outage, from its persisted current step.
func (e *Engine) Recover(ctx context.Context, runID uuid.UUID) (*db.Run, error) {
	run, err := e.load(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status != db.StatusRunning {
		return run, &faults.Error{Kind: faults.KindInvalidState, Op: "engine.Recover", Message: "run is " + string(run.Status) + ", not running"}
	}
	e.logger.Info("recovering workflow", "run_id", run.RunID, "case_id", run.CaseID, "step", run.CurrentStep)
	return e.drive(ctx, run)
}

func (e *Engine) load(ctx context.Context, runID uuid.UUID) (*db.Run, error) {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, faults.ErrRunNotFound
	}
	return run, nil
}

// checkDecision rejects unknown decision values and invalid modified
// resolutions.
func checkDecision(d types.HumanDecision) error {
	switch d.Decision {
	case types.DecisionApproved:
	case types.DecisionRejected:
		return nil
	default:
		return faults.ErrInvalidDecision
	}
	if d.ModifiedResolution == nil {
		return nil
	}
	if err := schemas.ValidateProposal(d.ModifiedResolution); err != nil {
		return &faults.Error{Kind: faults.KindInvalidDecision, Op: "engine.Resume", Message: "modified resolution is invalid", Err: err}
	}
	return nil
}

// drive runs steps until the run leaves the running state. Every transition
// is committed before the next step starts.
func (e *Engine) drive(ctx context.Context, run *db.Run) (*db.Run, error) {
	for run.Status == db.StatusRunning {
		step := run.CurrentStep
		exec, ok := e.executors[step]
		if !ok {
			return e.fail(ctx, run, step, faults.New(faults.KindInternal, "engine", "no executor for step "+string(step)), 0)
		}
		if err := steps.ValidateDependencies(step, &run.Context); err != nil {
			return e.fail(ctx, run, step, faults.Wrap(faults.KindInternal, "engine", err), 0)
		}

		in := e.input(run, 0)
		result, attempts, err := e.attempt(ctx, exec, in)
		if err != nil {
			if halts(ctx, err) {
				e.logger.Warn("workflow paused", "run_id", run.RunID, "case_id", run.CaseID,
					"step", step, "status", run.Status, "attempt", attempts, "error", err)
				return run, err
			}
			if h, ok := exec.(steps.ExhaustionHandler); ok {
				in.Attempt = attempts
				h.OnExhausted(context.WithoutCancel(ctx), in, err)
			}
			return e.fail(ctx, run, step, err, attempts)
		}

		if result.Learned && e.cache != nil {
			e.cache.Invalidate()
		}

		next := run.Clone()
		if err := e.advance(next, step, result); err != nil {
			return e.fail(ctx, run, step, err, attempts)
		}
		if err := e.commit(ctx, run, next); err != nil {
			return run, err
		}
		run = next
	}

	if run.Status.Terminal() {
		e.metrics.RunFinished(string(run.Status))
		e.logger.Info("workflow finished", "run_id", run.RunID, "case_id", run.CaseID,
			"step", run.CurrentStep, "status", run.Status, "total_cost", run.TotalCost())
	} else {
		e.logger.Info("workflow suspended", "run_id", run.RunID, "case_id", run.CaseID,
			"step", run.CurrentStep, "status", run.Status)
	}
	return run, nil
}

// halts reports errors that stop driving without failing the run: the store
// could not be written, or the caller gave up.
func halts(ctx context.Context, err error) bool {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return true
	}
	return faults.IsKind(err, faults.KindPersistence) || faults.IsKind(err, faults.KindConflict)
}

func (e *Engine) input(run *db.Run, attempt int) steps.Input {
	return steps.Input{
		RunID:      run.RunID,
		CaseID:     run.CaseID,
		CustomerID: run.CustomerID,
		Context:    run.Clone().Context,
		Attempt:    attempt,
	}
}

// attempt runs one step, retrying transient failures with backoff. It
// returns the number of attempts made.
func (e *Engine) attempt(ctx context.Context, exec steps.Executor, in steps.Input) (*steps.Result, int, error) {
	step := exec.Step()
	for attempt := 1; ; attempt++ {
		in.Attempt = attempt

		actx, cancel := context.WithTimeout(ctx, e.retry.AttemptTimeout)
		start := time.Now()
		result, err := exec.Execute(actx, in)
		cancel()
		elapsed := time.Since(start)

		if err == nil && result == nil {
			err = faults.New(faults.KindInternal, "engine", "step "+string(step)+" returned no result")
		}
		if err == nil {
			e.metrics.StepAttempt(string(step), "ok", elapsed)
			e.logger.Debug("step succeeded", "run_id", in.RunID, "case_id", in.CaseID,
				"step", step, "attempt", attempt, "signal", result.Signal, "elapsed", elapsed)
			return result, attempt, nil
		}

		e.metrics.StepAttempt(string(step), string(faults.KindOf(err)), elapsed)
		if ctx.Err() != nil {
			return nil, attempt, ctx.Err()
		}
		if !faults.IsTransient(err) || attempt >= e.retry.MaxAttempts {
			return nil, attempt, err
		}

		delay := e.retry.Backoff(attempt)
		e.logger.Warn("step failed, retrying", "run_id", in.RunID, "case_id", in.CaseID,
			"step", step, "attempt", attempt, "delay", delay, "error", err)
		if err := e.sleep(ctx, delay); err != nil {
			return nil, attempt, err
		}
	}
}

// advance applies a step result to next, a working copy of the run.
func (e *Engine) advance(next *db.Run, step db.Step, result *steps.Result) error {
	if err := next.Context.Merge(result.Update); err != nil {
		return faults.Wrap(faults.KindInternal, "engine", err)
	}
	if _, err := e.ledger.Record(next, step, result.Usage, result.Detail); err != nil {
		return err
	}

	now := e.clock().UTC()
	switch result.Signal {
	case steps.Continue:
		to, ok := steps.Next(step)
		switch {
		case !ok:
			next.Status = db.StatusCompleted
			next.CompletedAt = &now
		case steps.Suspends(to) && next.Context.Decision == nil:
			next.CurrentStep = to
			next.Status = db.StatusAwaitingDecision
			next.AwaitingSince = &now
		default:
			next.CurrentStep = to
			next.Status = db.StatusRunning
		}
	case steps.Suspend:
		next.Status = db.StatusAwaitingDecision
		if next.AwaitingSince == nil {
			next.AwaitingSince = &now
		}
	case steps.Reject:
		next.Status = db.StatusRejected
		next.CompletedAt = &now
	case steps.Halt:
		next.Status = db.StatusFailed
		next.CompletedAt = &now
		next.Error = &db.RunError{
			Kind:       string(faults.KindValidationRejected),
			Step:       step,
			Message:    result.Reason,
			OccurredAt: now,
		}
	default:
		return faults.New(faults.KindInternal, "engine", "unknown signal "+result.Signal.String())
	}

	if next.CustomerID == "" && next.Context.Fetched != nil {
		next.CustomerID = next.Context.Fetched.Account.ID
	}
	next.UpdatedAt = now
	if err := next.CheckConsistency(); err != nil {
		return faults.Wrap(faults.KindInternal, "engine", err)
	}
	return nil
}

// commit persists next if the stored run is still prev.
func (e *Engine) commit(ctx context.Context, prev, next *db.Run) error {
	if err := e.store.UpdateRun(ctx, next, db.ExpectationOf(prev)); err != nil {
		e.logger.Error("failed to persist run", "run_id", prev.RunID, "case_id", prev.CaseID,
			"step", prev.CurrentStep, "status", prev.Status, "error", err)
		return err
	}
	e.logger.Info("run transitioned", "run_id", next.RunID, "case_id", next.CaseID,
		"step", next.CurrentStep, "status", next.Status, "version", next.Version)
	e.emit(next, "")
	return nil
}

// fail moves run to failed with a structured error describing cause.
func (e *Engine) fail(ctx context.Context, run *db.Run, step db.Step, cause error, attempts int) (*db.Run, error) {
	now := e.clock().UTC()
	next := run.Clone()
	next.Status = db.StatusFailed
	next.CompletedAt = &now
	next.UpdatedAt = now
	next.Error = runError(step, cause, attempts, now)

	if err := e.commit(ctx, run, next); err != nil {
		return run, err
	}
	e.metrics.RunFinished(string(next.Status))
	e.logger.Error("workflow failed", "run_id", next.RunID, "case_id", next.CaseID,
		"step", step, "status", next.Status, "attempt", attempts, "kind", next.Error.Kind, "error", cause)
	return next, nil
}

func (e *Engine) emit(run *db.Run, message string) {
	if e.onProgress == nil {
		return
	}
	e.onProgress(ProgressEvent{
		RunID:   run.RunID,
		CaseID:  run.CaseID,
		Step:    run.CurrentStep,
		Status:  run.Status,
		Message: message,
	})
}

var kindMessages = map[faults.Kind]string{
	faults.KindTransient:        "collaborator unavailable after retries",
	faults.KindExecutionFailure: "resolution could not be executed",
	faults.KindNotFound:         "record not found",
	faults.KindInvalidInput:     "collaborator returned invalid data",
	faults.KindInvalidDecision:  "decision is invalid",
	faults.KindInternal:         "internal error",
}

// runError turns cause into the error stored on a failed run. Raw
// collaborator messages are replaced with a description of their kind.
func runError(step db.Step, cause error, attempts int, now time.Time) *db.RunError {
	kind := faults.KindOf(cause)
	if step == db.StepExecute && kind != faults.KindInvalidState {
		kind = faults.KindExecutionFailure
	}

	msg := kindMessages[kind]
	if f, ok := faults.As(cause); ok && f.Message != "" && f.Kind != faults.KindInternal {
		msg = f.Message
	}
	if msg == "" {
		msg = string(kind)
	}
	return &db.RunError{
		Kind:       string(kind),
		Step:       step,
		Message:    msg,
		Attempts:   attempts,
		OccurredAt: now,
	}
}
