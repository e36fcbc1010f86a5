package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/PuneetChandel/AIPaymentsAgentWorkflow/internal/config"
	"github.com/PuneetChandel/AIPaymentsAgentWorkflow/internal/queue"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Consume dispute events from the queue",
	Long: `Poll the dispute-events queue and start a workflow run for each message. Failed
messages are redelivered with backoff and dead-lettered after the configured attempts.`,
	RunE: runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Database.Store == config.StoreMemory {
		logger.Warn("worker is using the in-memory store and will only see events published by this process")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	return queue.NewWorker(a.store, a.engine, workerConfig(cfg.Queue), a.metrics, logger).Run(ctx)
}

func workerConfig(cfg config.QueueConfig) queue.WorkerConfig {
	wc := queue.DefaultWorkerConfig()
	wc.PollInterval = cfg.PollInterval
	wc.BatchSize = cfg.BatchSize
	wc.Visibility = cfg.Visibility
	wc.MaxAttempts = cfg.MaxAttempts
	return wc
}
