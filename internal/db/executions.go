package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/PuneetChandel/AIPaymentsAgentWorkflow/internal/faults"
	"github.com/PuneetChandel/AIPaymentsAgentWorkflow/internal/types"
)

// -----------------------------------------------------------------------------
// Execution Record Methods
// -----------------------------------------------------------------------------

// GetExecution retrieves the execution record for a run. It returns nil, nil
// when the execute step has never started for the run.
func (db *DB) GetExecution(ctx context.Context, runID uuid.UUID) (*ExecutionRecord, error) {
	var rec ExecutionRecord
	var intentJSON, outcomeJSON []byte
	var refundID *string

	err := db.pool.QueryRow(ctx,
		`SELECT run_id, intent, refund_id, outcome, created_at, updated_at
		 FROM execution_records WHERE run_id = $1`,
		runID,
	).Scan(&rec.RunID, &intentJSON, &refundID, &outcomeJSON, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, faults.Persistence("db.GetExecution", fmt.Errorf("failed to get execution record: %w", err))
	}

	if err := json.Unmarshal(intentJSON, &rec.Intent); err != nil {
		return nil, fmt.Errorf("failed to unmarshal execution intent: %w", err)
	}
	if refundID != nil {
		rec.RefundID = *refundID
	}
	if len(outcomeJSON) > 0 {
		rec.Outcome = &types.ExecutionOutcome{}
		if err := json.Unmarshal(outcomeJSON, rec.Outcome); err != nil {
			return nil, fmt.Errorf("failed to unmarshal execution outcome: %w", err)
		}
	}
	return &rec, nil
}

// CreateExecutionIntent records the intent to execute for a run. If a record
// already exists it is returned unchanged, so a retried execute step sees the
// refund and outcome of the earlier attempt.
func (db *DB) CreateExecutionIntent(ctx context.Context, runID uuid.UUID, intent types.ExecutionIntent) (*ExecutionRecord, error) {
	intentJSON, err := json.Marshal(intent)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal execution intent: %w", err)
	}

	_, err = db.pool.Exec(ctx,
		`INSERT INTO execution_records (run_id, intent)
		 VALUES ($1, $2)
		 ON CONFLICT (run_id) DO NOTHING`,
		runID, intentJSON,
	)
	if err != nil {
		return nil, faults.Persistence("db.CreateExecutionIntent", fmt.Errorf("failed to record execution intent: %w", err))
	}
	return db.GetExecution(ctx, runID)
}

// SetExecutionRefund stores the payment provider's refund ID. An existing
// refund ID is never replaced.
func (db *DB) SetExecutionRefund(ctx context.Context, runID uuid.UUID, refundID string) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE execution_records
		 SET refund_id = COALESCE(refund_id, $2), updated_at = NOW()
		 WHERE run_id = $1`,
		runID, refundID,
	)
	if err != nil {
		return faults.Persistence("db.SetExecutionRefund", fmt.Errorf("failed to record refund: %w", err))
	}
	if tag.RowsAffected() == 0 {
		return faults.New(faults.KindNotFound, "db.SetExecutionRefund", "execution record not found")
	}
	return nil
}

// SetExecutionOutcome stores the outcome of the execute step.
func (db *DB) SetExecutionOutcome(ctx context.Context, runID uuid.UUID, outcome types.ExecutionOutcome) error {
	outcomeJSON, err := json.Marshal(outcome)
	if err != nil {
		return fmt.Errorf("failed to marshal execution outcome: %w", err)
	}

	tag, err := db.pool.Exec(ctx,
		`UPDATE execution_records SET outcome = $2, updated_at = NOW() WHERE run_id = $1`,
		runID, outcomeJSON,
	)
	if err != nil {
		return faults.Persistence("db.SetExecutionOutcome", fmt.Errorf("failed to record execution outcome: %w", err))
	}
	if tag.RowsAffected() == 0 {
		return faults.New(faults.KindNotFound, "db.SetExecutionOutcome", "execution record not found")
	}
	return nil
}
