package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/PuneetChandel/AIPaymentsAgentWorkflow/internal/config"
	"github.com/PuneetChandel/AIPaymentsAgentWorkflow/internal/db"
	"github.com/PuneetChandel/AIPaymentsAgentWorkflow/internal/db/memdb"
	"github.com/PuneetChandel/AIPaymentsAgentWorkflow/internal/integrations"
	"github.com/PuneetChandel/AIPaymentsAgentWorkflow/internal/ledger"
	"github.com/PuneetChandel/AIPaymentsAgentWorkflow/internal/llm"
	"github.com/PuneetChandel/AIPaymentsAgentWorkflow/internal/notify"
	"github.com/PuneetChandel/AIPaymentsAgentWorkflow/internal/observability"
	"github.com/PuneetChandel/AIPaymentsAgentWorkflow/internal/pipeline"
	"github.com/PuneetChandel/AIPaymentsAgentWorkflow/internal/pipeline/steps"
	"github.com/PuneetChandel/AIPaymentsAgentWorkflow/internal/queue"
	"github.com/PuneetChandel/AIPaymentsAgentWorkflow/internal/review"
	"github.com/PuneetChandel/AIPaymentsAgentWorkflow/internal/server"
	"github.com/PuneetChandel/AIPaymentsAgentWorkflow/internal/simcache"
	"github.com/PuneetChandel/AIPaymentsAgentWorkflow/internal/similarity"
	"github.com/PuneetChandel/AIPaymentsAgentWorkflow/internal/types"
)

const userAgent = "dispute-agent/1.0"

// workflowStore is everything the commands need from a run store. Both the
// Postgres store and the in-memory store satisfy it.
type workflowStore interface {
	Ping(ctx context.Context) error
	CreateRun(ctx context.Context, run *db.Run) error
	GetRun(ctx context.Context, runID uuid.UUID) (*db.Run, error)
	UpdateRun(ctx context.Context, run *db.Run, expect db.Expectation) error
	ListRunsByCase(ctx context.Context, caseID string) ([]db.Run, error)
	ListPendingRuns(ctx context.Context) ([]db.Run, error)
	ListRecentRuns(ctx context.Context, limit int) ([]db.Run, error)
	ListRunsFiltered(ctx context.Context, filters db.RunFilters) ([]db.Run, error)

	GetExecution(ctx context.Context, runID uuid.UUID) (*db.ExecutionRecord, error)
	CreateExecutionIntent(ctx context.Context, runID uuid.UUID, intent types.ExecutionIntent) (*db.ExecutionRecord, error)
	SetExecutionRefund(ctx context.Context, runID uuid.UUID, refundID string) error
	SetExecutionOutcome(ctx context.Context, runID uuid.UUID, outcome types.ExecutionOutcome) error

	Enqueue(ctx context.Context, queue string, payload any) (int64, error)
	Claim(ctx context.Context, queue string, limit int, visibility time.Duration) ([]db.QueueMessage, error)
	Ack(ctx context.Context, id int64) error
	Retry(ctx context.Context, id int64, delay time.Duration, reason string) error
	DeadLetter(ctx context.Context, id int64, reason string) error

	CreateReviewer(ctx context.Context, name, email, passwordHash string) (*db.ReviewerRecord, error)
	GetReviewerByEmail(ctx context.Context, email string) (*db.ReviewerRecord, error)
}

// app holds the wired services for one command invocation.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	store      workflowStore
	registry   *prometheus.Registry
	metrics    *observability.Metrics
	ledger     *ledger.Ledger
	similarity *similarity.Store
	cache      *simcache.Cache
	publisher  *queue.Publisher
	notifier   *notify.Notifier
	engine     *pipeline.Engine
	gateway    *review.Gateway

	// health lists the collaborators reported by /services/health.
	health map[string]server.Pinger

	closers []func()
}

// appOption adjusts wiring before the engine is built.
type appOption func(*appOptions)

type appOptions struct {
	progress pipeline.ProgressCallback
	store    workflowStore
	sender   notify.Sender
}

// withProgress forwards engine transitions to cb.
func withProgress(cb pipeline.ProgressCallback) appOption {
	return func(o *appOptions) { o.progress = cb }
}

// withStore replaces the configured store (primarily for tests).
func withStore(s workflowStore) appOption {
	return func(o *appOptions) { o.store = s }
}

// withSender replaces the configured mail sender (primarily for tests).
func withSender(s notify.Sender) appOption {
	return func(o *appOptions) { o.sender = s }
}

// newApp wires the store, collaborators, engine and gateway from cfg.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...appOption) (_ *app, err error) {
	var o appOptions
	for _, opt := range opts {
		opt(&o)
	}

	a := &app{
		cfg:      cfg,
		logger:   logger,
		registry: prometheus.NewRegistry(),
		health:   make(map[string]server.Pinger),
	}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.metrics = observability.NewMetrics(a.registry)

	a.store = o.store
	if a.store == nil {
		if a.store, err = openStore(ctx, cfg, a); err != nil {
			return nil, err
		}
	}
	a.health["database"] = a.store
	a.ledger = ledger.New(a.store)

	crm, billing, payments, err := newIntegrations(cfg.Integrations, a)
	if err != nil {
		return nil, err
	}

	a.similarity, err = similarity.Open(cfg.Similarity.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open similarity store: %w", err)
	}
	a.closers = append(a.closers, func() { _ = a.similarity.Close() })
	a.health["similarity"] = a.similarity

	a.cache = simcache.New(a.similarity,
		simcache.WithTTL(cfg.Cache.TTL),
		simcache.WithMaxEntries(cfg.Cache.MaxEntries),
	)
	a.metrics.RegisterCache(a.cache)

	drafter, err := newDrafter(ctx, cfg.LLM, a)
	if err != nil {
		return nil, err
	}

	sender := o.sender
	if sender == nil {
		sender = newSender(cfg.Notify, logger)
	}
	a.notifier = notify.NewNotifier(sender, cfg.Notify.Reviewers, cfg.Notify.Finance, cfg.Notify.DecisionURL)
	a.publisher = queue.NewPublisher(a.store)

	executors := steps.NewExecutors(steps.Deps{
		CRM:        crm,
		Billing:    billing,
		Payments:   payments,
		Cache:      a.cache,
		Similarity: a.similarity,
		Drafter:    drafter,
		Publisher:  a.publisher,
		Reviewers:  a.notifier,
		Finance:    a.notifier,
		Executions: a.store,
		Logger:     logger,
	})

	engineOpts := []pipeline.Option{
		pipeline.WithRetryPolicy(pipeline.RetryPolicy{
			MaxAttempts:    cfg.Engine.MaxAttempts,
			BaseDelay:      cfg.Engine.BaseBackoff,
			MaxDelay:       cfg.Engine.MaxBackoff,
			AttemptTimeout: cfg.Engine.AttemptTimeout,
		}),
		pipeline.WithCache(a.cache),
		pipeline.WithMetrics(a.metrics),
		pipeline.WithLogger(logger),
	}
	if o.progress != nil {
		engineOpts = append(engineOpts, pipeline.WithProgress(o.progress))
	}
	a.engine = pipeline.New(a.store, a.ledger, executors, engineOpts...)

	a.gateway = review.NewGateway(a.engine, a.store,
		review.WithNotifier(a.notifier),
		review.WithMetrics(a.metrics),
		review.WithLogger(logger),
	)
	return a, nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func openStore(ctx context.Context, cfg *config.Config, a *app) (workflowStore, error) {
	if cfg.Database.Store == config.StoreMemory {
		a.logger.Warn("using in-memory store, runs are lost on exit")
		return memdb.New(), nil
	}

	database, err := db.Connect(ctx, cfg.Database.URL)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, database.Close)
	return database, nil
}

// newIntegrations builds the REST clients for every service with a base URL
// and backs the rest with a shared sandbox.
func newIntegrations(cfg config.IntegrationsConfig, a *app) (steps.CRM, steps.Billing, steps.Payments, error) {
	var sandbox *integrations.Sandbox
	sandboxFor := func(service string) *integrations.Sandbox {
		if sandbox == nil {
			sandbox = integrations.NewSandbox()
			sandbox.DemoFallback = cfg.DemoFallback
		}
		a.logger.Warn("no base URL configured, using sandbox", "service", service, "demo_fallback", cfg.DemoFallback)
		return sandbox
	}
	options := func(sc config.ServiceConfig) integrations.Options {
		return integrations.Options{BaseURL: sc.BaseURL, Token: sc.Token, Timeout: sc.Timeout, UserAgent: userAgent}
	}

	var (
		crm      steps.CRM
		billing  steps.Billing
		payments steps.Payments
	)

	if cfg.CRM.BaseURL == "" {
		sb := sandboxFor("crm")
		crm, a.health["crm"] = sb, sb
	} else {
		c, err := integrations.NewCRMClient(options(cfg.CRM))
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to create CRM client: %w", err)
		}
		crm, a.health["crm"] = c, c
	}

	if cfg.Billing.BaseURL == "" {
		sb := sandboxFor("billing")
		billing, a.health["billing"] = sb, sb
	} else {
		c, err := integrations.NewBillingClient(options(cfg.Billing))
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to create billing client: %w", err)
		}
		billing, a.health["billing"] = c, c
	}

	if cfg.Payments.BaseURL == "" {
		sb := sandboxFor("payments")
		payments, a.health["payments"] = sb, sb
	} else {
		c, err := integrations.NewPaymentsClient(options(cfg.Payments))
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to create payments client: %w", err)
		}
		payments, a.health["payments"] = c, c
	}

	return crm, billing, payments, nil
}

// newDrafter uses Gemini when it is configured and keyed, falling back to the
// rules drafter on unusable output. Everything else drafts by rules.
func newDrafter(ctx context.Context, cfg config.LLMConfig, a *app) (llm.Drafter, error) {
	if llm.Provider(cfg.Provider) != llm.ProviderGemini || cfg.APIKey == "" {
		a.logger.Info("drafting proposals with rules", "provider", cfg.Provider)
		return llm.RulesDrafter{}, nil
	}

	llmCfg := llm.DefaultConfig()
	if cfg.Model != "" {
		llmCfg = llmCfg.WithModel(llm.TierStandard, cfg.Model)
	}
	if cfg.AdvancedModel != "" {
		llmCfg = llmCfg.WithModel(llm.TierAdvanced, cfg.AdvancedModel)
	}
	client, err := llm.NewGeminiClient(ctx, llmCfg, cfg.APIKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create LLM client: %w", err)
	}
	a.closers = append(a.closers, func() { _ = client.Close() })

	a.logger.Info("drafting proposals with gemini", "model", llmCfg.GetModel(llm.TierStandard),
		"advanced_model", llmCfg.GetModel(llm.TierAdvanced), "advanced_from", cfg.AdvancedFrom)
	drafter := llm.NewModelDrafter(client, llm.TierStandard).WithAdvancedFrom(cfg.AdvancedFrom)
	return llm.NewFallbackDrafter(drafter, a.logger), nil
}

func newSender(cfg config.NotifyConfig, logger *slog.Logger) notify.Sender {
	if cfg.SMTPHost == "" {
		return notify.LogSender{Logger: logger}
	}
	return notify.NewSMTPSender(notify.SMTPConfig{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.From,
	})
}
