package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/PuneetChandel/AIPaymentsAgentWorkflow/internal/db"
	"github.com/PuneetChandel/AIPaymentsAgentWorkflow/internal/faults"
	"github.com/PuneetChandel/AIPaymentsAgentWorkflow/internal/observability"
	"github.com/PuneetChandel/AIPaymentsAgentWorkflow/internal/pipeline"
	"github.com/PuneetChandel/AIPaymentsAgentWorkflow/internal/types"
)

// Store is the queue half of the workflow store.
type Store interface {
	Claim(ctx context.Context, queue string, limit int, visibility time.Duration) ([]db.QueueMessage, error)
	Ack(ctx context.Context, id int64) error
	Retry(ctx context.Context, id int64, delay time.Duration, reason string) error
	DeadLetter(ctx context.Context, id int64, reason string) error
}

// Starter starts a workflow run for an event.
type Starter interface {
	Start(ctx context.Context, event types.DisputeEvent) (*db.Run, error)
}

// WorkerConfig tunes the polling loop.
type WorkerConfig struct {
	PollInterval time.Duration
	BatchSize    int
	Visibility   time.Duration
	MaxAttempts  int
	// Backoff spaces out redeliveries of a failed message.
	Backoff pipeline.RetryPolicy
}

// DefaultWorkerConfig polls every 2s for up to 10 messages, hides claimed
// messages for 5m and dead-letters after 5 attempts.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		PollInterval: 2 * time.Second,
		BatchSize:    10,
		Visibility:   5 * time.Minute,
		MaxAttempts:  5,
		Backoff: pipeline.RetryPolicy{
			BaseDelay: 5 * time.Second,
			MaxDelay:  5 * time.Minute,
		},
	}
}

// Outcomes of handling one message
const (
	OutcomeAcked   = "acked"
	OutcomeRetried = "retried"
	OutcomeDead    = "dead"
)

// Worker consumes the dispute-events queue and starts a run per message.
type Worker struct {
	store   Store
	engine  Starter
	cfg     WorkerConfig
	metrics *observability.Metrics
	logger  *slog.Logger
}

// NewWorker creates a worker. Zero config fields take their defaults.
func NewWorker(store Store, engine Starter, cfg WorkerConfig, metrics *observability.Metrics, logger *slog.Logger) *Worker {
	def := DefaultWorkerConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.Visibility <= 0 {
		cfg.Visibility = def.Visibility
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.Backoff.BaseDelay <= 0 {
		cfg.Backoff.BaseDelay = def.Backoff.BaseDelay
	}
	if cfg.Backoff.MaxDelay <= 0 {
		cfg.Backoff.MaxDelay = def.Backoff.MaxDelay
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{store: store, engine: engine, cfg: cfg, metrics: metrics, logger: logger}
}

// Run polls until ctx is canceled. A full batch is followed immediately by
// another poll.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker started", "queue", DisputeEvents, "poll_interval", w.cfg.PollInterval, "batch_size", w.cfg.BatchSize)
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			w.logger.Info("worker stopped")
			return nil
		}
		n, err := w.ProcessBatch(ctx)
		if err != nil && ctx.Err() == nil {
			w.logger.Error("queue poll failed", "queue", DisputeEvents, "error", err)
		}
		if n == w.cfg.BatchSize && err == nil {
			continue
		}
		select {
		case <-ctx.Done():
			w.logger.Info("worker stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// ProcessBatch claims one batch and handles its messages concurrently. It
// returns the number of messages claimed.
func (w *Worker) ProcessBatch(ctx context.Context) (int, error) {
	msgs, err := w.store.Claim(ctx, DisputeEvents, w.cfg.BatchSize, w.cfg.Visibility)
	if err != nil {
		return 0, fmt.Errorf("failed to claim messages: %w", err)
	}

	// One message failing to settle must not cancel its siblings.
	var g errgroup.Group
	for _, msg := range msgs {
		g.Go(func() error {
			outcome, err := w.handle(ctx, msg)
			w.metrics.QueueMessage(DisputeEvents, outcome)
			return err
		})
	}
	return len(msgs), g.Wait()
}

// handle starts a run for msg and settles the message. The returned error is
// only for failures to update the queue itself.
func (w *Worker) handle(ctx context.Context, msg db.QueueMessage) (string, error) {
	logger := w.logger.With("message_id", msg.ID, "attempt", msg.Attempts)

	var event types.DisputeEvent
	if err := json.Unmarshal(msg.Payload, &event); err != nil {
		logger.Error("dead-lettering undecodable message", "error", err)
		return OutcomeDead, w.store.DeadLetter(ctx, msg.ID, "invalid payload: "+err.Error())
	}
	logger = logger.With("case_id", event.CaseID)

	run, err := w.engine.Start(ctx, event)
	switch {
	case err == nil:
		logger.Info("message processed", "run_id", run.RunID, "status", run.Status)
		return OutcomeAcked, w.store.Ack(ctx, msg.ID)

	case run != nil:
		// The run exists but stopped at its last committed step. Redelivering
		// would open a second run for the same event, so the run is left for
		// recovery instead.
		logger.Warn("run paused, left for recovery", "run_id", run.RunID, "step", run.CurrentStep, "error", err)
		return OutcomeAcked, w.store.Ack(ctx, msg.ID)

	case faults.IsKind(err, faults.KindInvalidInput):
		logger.Error("dead-lettering invalid event", "error", err)
		return OutcomeDead, w.store.DeadLetter(ctx, msg.ID, err.Error())

	case msg.Attempts >= w.cfg.MaxAttempts:
		logger.Error("dead-lettering after max attempts", "max_attempts", w.cfg.MaxAttempts, "error", err)
		return OutcomeDead, w.store.DeadLetter(ctx, msg.ID, err.Error())
	}

	delay := w.cfg.Backoff.Backoff(msg.Attempts)
	logger.Warn("message failed, will retry", "delay", delay, "error", err)
	// The claim context may already be canceled; the retry must still land.
	return OutcomeRetried, w.store.Retry(context.WithoutCancel(ctx), msg.ID, delay, err.Error())
}
