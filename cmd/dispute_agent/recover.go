package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/PuneetChandel/AIPaymentsAgentWorkflow/internal/db"
	"github.com/PuneetChandel/AIPaymentsAgentWorkflow/internal/pipeline"
)

var (
	recoverOlderThan time.Duration
	recoverLimit     int
)

var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Resume runs left running by a crashed or paused process",
	Long: `Find runs still marked running that have not been updated for --older-than and
continue each from its last committed step.`,
	RunE: runRecover,
}

func init() {
	recoverCmd.Flags().DurationVar(&recoverOlderThan, "older-than", 10*time.Minute, "Only recover runs idle for at least this long")
	recoverCmd.Flags().IntVar(&recoverLimit, "limit", 100, "Maximum runs to recover")
	rootCmd.AddCommand(recoverCmd)
}

func runRecover(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newApp(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	recovered, failed, err := recoverStale(cmd.Context(), a.store, a.engine, logger, recoverOlderThan, recoverLimit, time.Now())
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "recovered %d run(s), %d still paused\n", recovered, failed)
	return nil
}

type runLister interface {
	ListRunsFiltered(ctx context.Context, filters db.RunFilters) ([]db.Run, error)
}

// recoverStale resumes every running run last updated before now-olderThan.
// Runs that pause again are counted, not returned as errors.
func recoverStale(ctx context.Context, store runLister, engine *pipeline.Engine, logger *slog.Logger, olderThan time.Duration, limit int, now time.Time) (recovered, paused int, err error) {
	runs, err := store.ListRunsFiltered(ctx, db.RunFilters{
		Status:        db.StatusRunning,
		UpdatedBefore: now.Add(-olderThan),
		Limit:         limit,
	})
	if err != nil {
		return 0, 0, fmt.Errorf("failed to list stale runs: %w", err)
	}

	for _, r := range runs {
		run, err := engine.Recover(ctx, r.RunID)
		if err != nil {
			logger.Warn("run still paused", "run_id", r.RunID, "case_id", r.CaseID, "error", err)
			paused++
			continue
		}
		logger.Info("run recovered", "run_id", run.RunID, "status", run.Status)
		recovered++
	}
	return recovered, paused, nil
}
