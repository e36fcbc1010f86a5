package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PuneetChandel/AIPaymentsAgentWorkflow/internal/config"
	"github.com/PuneetChandel/AIPaymentsAgentWorkflow/internal/db"
	"github.com/PuneetChandel/AIPaymentsAgentWorkflow/internal/db/memdb"
	"github.com/PuneetChandel/AIPaymentsAgentWorkflow/internal/integrations"
	"github.com/PuneetChandel/AIPaymentsAgentWorkflow/internal/notify"
	"github.com/PuneetChandel/AIPaymentsAgentWorkflow/internal/observability"
	"github.com/PuneetChandel/AIPaymentsAgentWorkflow/internal/similarity"
	"github.com/PuneetChandel/AIPaymentsAgentWorkflow/internal/types"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)

	cfg.Database = config.DatabaseConfig{Store: config.StoreMemory}
	cfg.Similarity.Path = filepath.Join(t.TempDir(), "similarity.db")
	cfg.LLM = config.LLMConfig{Provider: "rules"}
	cfg.Integrations = config.IntegrationsConfig{DemoFallback: true}
	cfg.Notify.SMTPHost = ""
	cfg.Notify.Reviewers = []string{"reviewer@example.com"}
	cfg.Notify.Finance = []string{"finance@example.com"}
	cfg.Engine.BaseBackoff = time.Millisecond
	cfg.Engine.MaxBackoff = time.Millisecond
	return cfg
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestApp(t *testing.T, cfg *config.Config) (*app, *memdb.Store, *notify.RecordingSender) {
	t.Helper()
	store := memdb.New()
	sender := &notify.RecordingSender{}
	a, err := newApp(context.Background(), cfg, discardLogger(), withStore(store), withSender(sender))
	require.NoError(t, err)
	t.Cleanup(a.Close)
	return a, store, sender
}

func TestNewApp_DemoDisputeEndToEnd(t *testing.T) {
	ctx := context.Background()
	a, _, sender := newTestApp(t, testConfig(t))

	run, err := a.engine.Start(ctx, types.DisputeEvent{CaseID: "CASE-100", EventType: "dispute.created"})
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.Equal(t, db.StatusAwaitingDecision, run.Status)
	require.NotNil(t, run.Context.Proposal)
	assert.Equal(t, types.ActionPartialRefund, run.Context.Proposal.Action)
	assert.InDelta(t, 74.99, run.Context.Proposal.Amount, 0.001)

	pending, err := a.gateway.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, run.RunID, pending[0].RunID)

	decided, err := a.gateway.Submit(ctx, types.DecisionRequest{
		RunID:    run.RunID.String(),
		CaseID:   "CASE-100",
		Decision: types.DecisionApproved,
		Reviewer: "reviewer@example.com",
	})
	require.NoError(t, err)
	assert.Equal(t, db.StatusCompleted, decided.Status)
	require.NotNil(t, decided.Context.Execution)
	assert.NotEmpty(t, decided.Context.Execution.RefundID)

	// rules drafting uses no model tokens and integration calls are free
	total, err := a.ledger.TotalForCase(ctx, "CASE-100")
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.NotEmpty(t, decided.CostBreakdown)

	count, err := a.similarity.Count(ctx, similarity.CollectionCases)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	// review request, then the finance completion notice
	assert.Len(t, sender.Messages(), 2)
}

func TestNewApp_HealthAndMetrics(t *testing.T) {
	a, _, _ := newTestApp(t, testConfig(t))

	assert.ElementsMatch(t,
		[]string{"database", "similarity", "crm", "billing", "payments"},
		keys(a.health))
	for name, p := range a.health {
		assert.NoError(t, p.Ping(context.Background()), name)
	}

	families, err := a.registry.Gather()
	require.NoError(t, err)
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["dispute_similarity_cache_entries"])
	assert.True(t, names["go_goroutines"])
}

func TestNewApp_UsesRESTClientsWhenConfigured(t *testing.T) {
	cfg := testConfig(t)
	cfg.Integrations.CRM = config.ServiceConfig{BaseURL: "http://crm.internal", Timeout: time.Second}
	a, _, _ := newTestApp(t, cfg)

	assert.IsType(t, &integrations.CRMClient{}, a.health["crm"])
	assert.IsType(t, &integrations.Sandbox{}, a.health["billing"])
	assert.Same(t, a.health["billing"], a.health["payments"])
}

func TestNewApp_SimilarityOpenFails(t *testing.T) {
	cfg := testConfig(t)
	cfg.Similarity.Path = filepath.Join(t.TempDir(), "missing", "dir", "similarity.db")

	_, err := newApp(context.Background(), cfg, discardLogger(), withStore(memdb.New()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "similarity store")
}

func TestRecoverStale(t *testing.T) {
	ctx := context.Background()
	a, store, _ := newTestApp(t, testConfig(t))

	now := time.Now().UTC()
	stale := &db.Run{
		RunID:       uuid.New(),
		CaseID:      "CASE-200",
		Status:      db.StatusRunning,
		CurrentStep: db.StepFetch,
		CreatedAt:   now.Add(-time.Hour),
		UpdatedAt:   now.Add(-time.Hour),
	}
	require.NoError(t, store.CreateRun(ctx, stale))

	recovered, paused, err := recoverStale(ctx, store, a.engine, discardLogger(), 10*time.Minute, 10, now)
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)
	assert.Equal(t, 0, paused)

	got, err := store.GetRun(ctx, stale.RunID)
	require.NoError(t, err)
	assert.Equal(t, db.StatusAwaitingDecision, got.Status)

	// nothing left to recover
	recovered, _, err = recoverStale(ctx, store, a.engine, discardLogger(), 10*time.Minute, 10, now)
	require.NoError(t, err)
	assert.Zero(t, recovered)
}

func TestPrinterOutput(t *testing.T) {
	ctx := context.Background()
	a, _, _ := newTestApp(t, testConfig(t))

	run, err := a.engine.Start(ctx, types.DisputeEvent{CaseID: "CASE-300", EventType: "dispute.created"})
	require.NoError(t, err)

	var buf bytes.Buffer
	printer := observability.NewPrinter(&buf)
	printer.PrintRun(run)
	assert.Contains(t, buf.String(), "CASE-300")

	buf.Reset()
	summary, err := a.ledger.Summarize(ctx, 10)
	require.NoError(t, err)
	printer.PrintCostSummary(summary)
	assert.Contains(t, buf.String(), "Runs:     1")
}

func TestLoadEvent(t *testing.T) {
	dir := t.TempDir()
	valid := filepath.Join(dir, "event.json")
	require.NoError(t, os.WriteFile(valid, []byte(`{"case_id":"CASE-9","event_type":"dispute.updated","event_data":{"source":"crm"}}`), 0o600))
	broken := filepath.Join(dir, "broken.json")
	require.NoError(t, os.WriteFile(broken, []byte(`{"case_id":`), 0o600))

	fromFlags := types.DisputeEvent{CaseID: "CASE-1", EventType: "dispute.created"}

	t.Run("flags", func(t *testing.T) {
		ev, err := loadEvent("", fromFlags)
		require.NoError(t, err)
		assert.Equal(t, "CASE-1", ev.CaseID)
	})

	t.Run("file overrides flags", func(t *testing.T) {
		ev, err := loadEvent(valid, fromFlags)
		require.NoError(t, err)
		assert.Equal(t, "CASE-9", ev.CaseID)
		assert.Equal(t, "dispute.updated", ev.EventType)
		assert.Equal(t, "crm", ev.EventData["source"])
	})

	t.Run("missing case id", func(t *testing.T) {
		_, err := loadEvent("", types.DisputeEvent{EventType: "dispute.created"})
		assert.ErrorContains(t, err, "invalid event")
	})

	t.Run("unparseable file", func(t *testing.T) {
		_, err := loadEvent(broken, fromFlags)
		assert.ErrorContains(t, err, "failed to parse event file")
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := loadEvent(filepath.Join(dir, "nope.json"), fromFlags)
		assert.ErrorContains(t, err, "failed to open event file")
	})
}

func keys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
