//go:build integration
// +build integration

package db

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/PuneetChandel/AIPaymentsAgentWorkflow/internal/faults"
	"github.com/PuneetChandel/AIPaymentsAgentWorkflow/internal/types"
)

// setupTestDB starts a throwaway Postgres container and applies the schema.
func setupTestDB(t *testing.T) *DB {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("disputes"),
		postgres.WithUsername("dispute"),
		postgres.WithPassword("dispute"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2)),
	)
	if err != nil {
		t.Skipf("Skipping integration test: failed to start postgres: %v", err)
	}
	t.Cleanup(func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %s", err)
		}
	})

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	database, err := Connect(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(database.Close)

	require.NoError(t, database.Migrate(ctx))
	require.NoError(t, database.Migrate(ctx), "migrate must be repeatable")
	return database
}

func newTestRun(caseID string) *Run {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &Run{
		RunID:       uuid.New(),
		CaseID:      caseID,
		CustomerID:  "CUST-1",
		Status:      StatusRunning,
		CurrentStep: StepFetch,
		Context: RunContext{
			Event: &types.DisputeEvent{CaseID: caseID, EventType: "dispute_created"},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestIntegration_WorkflowStore(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()

	t.Run("create and get", func(t *testing.T) {
		run := newTestRun("CASE-INT-1")
		require.NoError(t, database.CreateRun(ctx, run))

		got, err := database.GetRun(ctx, run.RunID)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, run.CaseID, got.CaseID)
		assert.Equal(t, StatusRunning, got.Status)
		assert.Equal(t, StepFetch, got.CurrentStep)
		assert.Equal(t, 0, got.Version)
		require.NotNil(t, got.Context.Event)
		assert.Equal(t, "dispute_created", got.Context.Event.EventType)
		assert.Empty(t, got.CostBreakdown)
	})

	t.Run("get missing returns nil", func(t *testing.T) {
		got, err := database.GetRun(ctx, uuid.New())
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("optimistic update", func(t *testing.T) {
		run := newTestRun("CASE-INT-2")
		require.NoError(t, database.CreateRun(ctx, run))

		stale := ExpectationOf(run)
		run.CurrentStep = StepValidate
		run.CostBreakdown = append(run.CostBreakdown, CostEntry{Step: StepFetch, RecordedAt: time.Now().UTC()})
		require.NoError(t, database.UpdateRun(ctx, run, stale))
		assert.Equal(t, 1, run.Version)

		err := database.UpdateRun(ctx, run, stale)
		assert.ErrorIs(t, err, faults.ErrConflict)

		got, err := database.GetRun(ctx, run.RunID)
		require.NoError(t, err)
		assert.Equal(t, StepValidate, got.CurrentStep)
		assert.Equal(t, 1, got.Version)
		assert.Len(t, got.CostBreakdown, 1)
	})

	t.Run("status guard", func(t *testing.T) {
		run := newTestRun("CASE-INT-3")
		require.NoError(t, database.CreateRun(ctx, run))

		err := database.UpdateRun(ctx, run, Expectation{Version: 0, Status: StatusAwaitingDecision})
		assert.ErrorIs(t, err, faults.ErrConflict)
	})

	t.Run("terminal runs are immutable", func(t *testing.T) {
		run := newTestRun("CASE-INT-5")
		require.NoError(t, database.CreateRun(ctx, run))

		expect := ExpectationOf(run)
		run.Status = StatusFailed
		require.NoError(t, database.UpdateRun(ctx, run, expect))

		run.Status = StatusRunning
		err := database.UpdateRun(ctx, run, Expectation{Version: 1, Status: StatusFailed})
		assert.ErrorIs(t, err, faults.ErrConflict)
	})

	t.Run("list by case and pending", func(t *testing.T) {
		first := newTestRun("CASE-INT-4")
		second := newTestRun("CASE-INT-4")
		second.CreatedAt = first.CreatedAt.Add(time.Second)
		require.NoError(t, database.CreateRun(ctx, first))
		require.NoError(t, database.CreateRun(ctx, second))

		runs, err := database.ListRunsByCase(ctx, "CASE-INT-4")
		require.NoError(t, err)
		require.Len(t, runs, 2)
		assert.Equal(t, first.RunID, runs[0].RunID)

		since := time.Now().UTC()
		expect := ExpectationOf(second)
		second.Status = StatusAwaitingDecision
		second.CurrentStep = StepAwaitDecision
		second.AwaitingSince = &since
		require.NoError(t, database.UpdateRun(ctx, second, expect))

		pending, err := database.ListPendingRuns(ctx)
		require.NoError(t, err)
		ids := make([]uuid.UUID, 0, len(pending))
		for _, r := range pending {
			ids = append(ids, r.RunID)
		}
		assert.Contains(t, ids, second.RunID)
		assert.NotContains(t, ids, first.RunID)
	})
}

func TestIntegration_ExecutionRecords(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()

	run := newTestRun("CASE-INT-EXEC")
	require.NoError(t, database.CreateRun(ctx, run))

	intent := types.ExecutionIntent{RunID: run.RunID.String(), CaseID: run.CaseID, AccountID: "ACC-1"}
	rec, err := database.CreateExecutionIntent(ctx, run.RunID, intent)
	require.NoError(t, err)
	assert.Empty(t, rec.RefundID)

	require.NoError(t, database.SetExecutionRefund(ctx, run.RunID, "re_1"))
	require.NoError(t, database.SetExecutionRefund(ctx, run.RunID, "re_2"))

	again, err := database.CreateExecutionIntent(ctx, run.RunID, intent)
	require.NoError(t, err)
	assert.Equal(t, "re_1", again.RefundID, "refund id is write-once")

	outcome := types.ExecutionOutcome{Status: types.ExecutionSucceeded, RefundID: "re_1", CaseStatus: "Resolved"}
	require.NoError(t, database.SetExecutionOutcome(ctx, run.RunID, outcome))

	got, err := database.GetExecution(ctx, run.RunID)
	require.NoError(t, err)
	require.NotNil(t, got.Outcome)
	assert.True(t, got.Outcome.Succeeded())

	err = database.SetExecutionRefund(ctx, uuid.New(), "re_x")
	assert.True(t, faults.IsKind(err, faults.KindNotFound))
}

func TestIntegration_Queue(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()

	id, err := database.Enqueue(ctx, "reviews", map[string]string{"run_id": "r1"})
	require.NoError(t, err)

	msgs, err := database.Claim(ctx, "reviews", 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, id, msgs[0].ID)
	assert.Equal(t, 1, msgs[0].Attempts)

	// Leased messages are invisible to other consumers.
	msgs, err = database.Claim(ctx, "reviews", 10, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	require.NoError(t, database.Retry(ctx, id, 0, "boom"))
	msgs, err = database.Claim(ctx, "reviews", 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "boom", msgs[0].LastError)

	require.NoError(t, database.DeadLetter(ctx, id, "gave up"))
	dead, err := database.ListDeadLetters(ctx, "reviews", 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, MessageDead, dead[0].Status)

	other, err := database.Enqueue(ctx, "reviews", map[string]string{"run_id": "r2"})
	require.NoError(t, err)
	require.NoError(t, database.Ack(ctx, other))
	msgs, err = database.Claim(ctx, "reviews", 10, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestIntegration_Reviewers(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()

	rec, err := database.CreateReviewer(ctx, "Jane Reviewer", "Jane@Example.com", "hash")
	require.NoError(t, err)
	assert.Equal(t, "jane@example.com", rec.Email)

	_, err = database.CreateReviewer(ctx, "Dup", "jane@example.com", "hash")
	assert.ErrorIs(t, err, ErrReviewerExists)

	got, err := database.GetReviewerByEmail(ctx, "JANE@example.com")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, rec.ID, got.ID)

	missing, err := database.GetReviewerByEmail(ctx, "nobody@example.com")
	require.NoError(t, err)
	assert.Nil(t, missing)

	all, err := database.ListReviewers(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}
