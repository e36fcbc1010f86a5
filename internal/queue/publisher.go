// Package queue moves messages between the dispute service and the
// Postgres-backed queue table: inbound dispute events and outbound review
// requests.
package queue

import (
	"context"
	"fmt"

	"github.com/PuneetChandel/AIPaymentsAgentWorkflow/internal/faults"
	"github.com/PuneetChandel/AIPaymentsAgentWorkflow/internal/types"
)

// Queue names
const (
	DisputeEvents = "dispute-events"
	HumanReview   = "human-review"
)

// Enqueuer appends messages to a named queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, queue string, payload any) (int64, error)
}

// Publisher writes messages to the queue table.
type Publisher struct {
	store Enqueuer
}

// NewPublisher creates a publisher over store.
func NewPublisher(store Enqueuer) *Publisher {
	return &Publisher{store: store}
}

// PublishReview queues a case for human review. A failed write is transient
// so the engine retries the send_review step.
func (p *Publisher) PublishReview(ctx context.Context, msg types.ReviewMessage) (int64, error) {
	id, err := p.store.Enqueue(ctx, HumanReview, msg)
	if err != nil {
		return 0, faults.Transient("queue.PublishReview", fmt.Errorf("failed to publish review for run %s: %w", msg.RunID, err))
	}
	return id, nil
}

// PublishEvent queues a dispute event for the worker.
func (p *Publisher) PublishEvent(ctx context.Context, event types.DisputeEvent) (int64, error) {
	if err := event.Validate(); err != nil {
		return 0, faults.Wrap(faults.KindInvalidInput, "queue.PublishEvent", err)
	}
	id, err := p.store.Enqueue(ctx, DisputeEvents, event)
	if err != nil {
		return 0, fmt.Errorf("failed to publish dispute event for case %s: %w", event.CaseID, err)
	}
	return id, nil
}
