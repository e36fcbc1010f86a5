package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/PuneetChandel/AIPaymentsAgentWorkflow/internal/faults"
)

const runColumns = `run_id, case_id, customer_id, status, current_step, context, cost_breakdown,
	total_cost_micros, error, version, awaiting_since, created_at, updated_at, completed_at`

// -----------------------------------------------------------------------------
// Workflow Run Methods
// -----------------------------------------------------------------------------

// CreateRun inserts a new workflow run. The run's version is reset to zero.
func (db *DB) CreateRun(ctx context.Context, run *Run) error {
	args, err := runArgs(run)
	if err != nil {
		return err
	}
	run.Version = 0

	_, err = db.pool.Exec(ctx,
		`INSERT INTO workflow_runs (`+runColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 0, $10, $11, $12, $13)`,
		args...,
	)
	if err != nil {
		return faults.Persistence("db.CreateRun", fmt.Errorf("failed to create run: %w", err))
	}
	return nil
}

// GetRun retrieves a workflow run by ID. It returns nil, nil when absent.
func (db *DB) GetRun(ctx context.Context, runID uuid.UUID) (*Run, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM workflow_runs WHERE run_id = $1`,
		runID,
	)
	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, faults.Persistence("db.GetRun", fmt.Errorf("failed to get run: %w", err))
	}
	return run, nil
}

// UpdateRun writes run back to the store if the stored row still matches
// expect. On success run.Version is advanced; on a mismatch faults.ErrConflict
// is returned and nothing is written. Terminal runs are never rewritten.
func (db *DB) UpdateRun(ctx context.Context, run *Run, expect Expectation) error {
	if expect.Status.Terminal() {
		return faults.ErrConflict
	}
	args, err := runArgs(run)
	if err != nil {
		return err
	}
	// args: run_id, case_id, customer_id, status, current_step, context,
	// cost_breakdown, total_cost_micros, error, awaiting_since, created_at,
	// updated_at, completed_at
	tag, err := db.pool.Exec(ctx,
		`UPDATE workflow_runs
		 SET customer_id = $3, status = $4, current_step = $5, context = $6,
		     cost_breakdown = $7, total_cost_micros = $8, error = $9,
		     awaiting_since = $10, updated_at = $12, completed_at = $13,
		     version = version + 1
		 WHERE run_id = $1 AND version = $14 AND status = $15`,
		append(args, expect.Version, string(expect.Status))...,
	)
	if err != nil {
		return faults.Persistence("db.UpdateRun", fmt.Errorf("failed to update run: %w", err))
	}
	if tag.RowsAffected() == 0 {
		return faults.ErrConflict
	}
	run.Version = expect.Version + 1
	return nil
}

// ListRunsByCase retrieves every run for a case, oldest first.
func (db *DB) ListRunsByCase(ctx context.Context, caseID string) ([]Run, error) {
	return db.ListRunsFiltered(ctx, RunFilters{CaseID: caseID, Limit: -1})
}

// ListPendingRuns retrieves runs awaiting a decision, ordered by the time
// they started waiting (oldest first).
func (db *DB) ListPendingRuns(ctx context.Context) ([]Run, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+runColumns+` FROM workflow_runs
		 WHERE status = $1
		 ORDER BY awaiting_since ASC, created_at ASC`,
		string(StatusAwaitingDecision),
	)
	if err != nil {
		return nil, faults.Persistence("db.ListPendingRuns", fmt.Errorf("failed to list pending runs: %w", err))
	}
	return collectRuns(rows)
}

// ListRecentRuns retrieves the most recently created runs.
func (db *DB) ListRecentRuns(ctx context.Context, limit int) ([]Run, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+runColumns+` FROM workflow_runs ORDER BY created_at DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, faults.Persistence("db.ListRecentRuns", fmt.Errorf("failed to list runs: %w", err))
	}
	return collectRuns(rows)
}

// ListRunsFiltered retrieves runs with optional filters, oldest first. A
// negative limit means no limit; zero means the default of 50.
func (db *DB) ListRunsFiltered(ctx context.Context, filters RunFilters) ([]Run, error) {
	if filters.Limit == 0 {
		filters.Limit = 50
	}

	query := `SELECT ` + runColumns + ` FROM workflow_runs WHERE 1=1`
	args := []any{}
	argNum := 1

	if filters.CaseID != "" {
		query += fmt.Sprintf(" AND case_id = $%d", argNum)
		args = append(args, filters.CaseID)
		argNum++
	}
	if filters.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argNum)
		args = append(args, string(filters.Status))
		argNum++
	}
	if filters.Step != "" {
		query += fmt.Sprintf(" AND current_step = $%d", argNum)
		args = append(args, string(filters.Step))
		argNum++
	}
	if !filters.UpdatedBefore.IsZero() {
		query += fmt.Sprintf(" AND updated_at < $%d", argNum)
		args = append(args, filters.UpdatedBefore)
		argNum++
	}

	query += " ORDER BY created_at ASC"
	if filters.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argNum)
		args = append(args, filters.Limit)
	}

	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, faults.Persistence("db.ListRunsFiltered", fmt.Errorf("failed to list runs: %w", err))
	}
	return collectRuns(rows)
}

func runArgs(run *Run) ([]any, error) {
	contextJSON, err := json.Marshal(run.Context)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal run context: %w", err)
	}
	breakdown := run.CostBreakdown
	if breakdown == nil {
		breakdown = []CostEntry{}
	}
	breakdownJSON, err := json.Marshal(breakdown)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal cost breakdown: %w", err)
	}
	var errorJSON []byte
	if run.Error != nil {
		errorJSON, err = json.Marshal(run.Error)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal run error: %w", err)
		}
	}
	var customerID *string
	if run.CustomerID != "" {
		customerID = &run.CustomerID
	}

	return []any{
		run.RunID, run.CaseID, customerID, string(run.Status), string(run.CurrentStep),
		contextJSON, breakdownJSON, run.TotalCostMicros, errorJSON,
		run.AwaitingSince, run.CreatedAt, run.UpdatedAt, run.CompletedAt,
	}, nil
}

func scanRun(row pgx.Row) (*Run, error) {
	var run Run
	var customerID *string
	var status, step string
	var contextJSON, breakdownJSON, errorJSON []byte
	var awaitingSince, completedAt *time.Time

	err := row.Scan(&run.RunID, &run.CaseID, &customerID, &status, &step,
		&contextJSON, &breakdownJSON, &run.TotalCostMicros, &errorJSON,
		&run.Version, &awaitingSince, &run.CreatedAt, &run.UpdatedAt, &completedAt)
	if err != nil {
		return nil, err
	}

	run.Status = Status(status)
	run.CurrentStep = Step(step)
	run.AwaitingSince = awaitingSince
	run.CompletedAt = completedAt
	if customerID != nil {
		run.CustomerID = *customerID
	}
	if len(contextJSON) > 0 {
		if err := json.Unmarshal(contextJSON, &run.Context); err != nil {
			return nil, fmt.Errorf("failed to unmarshal run context: %w", err)
		}
	}
	if len(breakdownJSON) > 0 {
		if err := json.Unmarshal(breakdownJSON, &run.CostBreakdown); err != nil {
			return nil, fmt.Errorf("failed to unmarshal cost breakdown: %w", err)
		}
	}
	if len(errorJSON) > 0 {
		run.Error = &RunError{}
		if err := json.Unmarshal(errorJSON, run.Error); err != nil {
			return nil, fmt.Errorf("failed to unmarshal run error: %w", err)
		}
	}
	return &run, nil
}

func collectRuns(rows pgx.Rows) ([]Run, error) {
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, faults.Persistence("db.scanRun", fmt.Errorf("failed to scan run: %w", err))
		}
		runs = append(runs, *run)
	}
	if err := rows.Err(); err != nil {
		return nil, faults.Persistence("db.collectRuns", err)
	}
	return runs, nil
}
