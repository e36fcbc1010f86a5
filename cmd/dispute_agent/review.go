package main

import (
	"encoding/json"
	"time"

	"github.com/spf13/cobra"

	"github.com/PuneetChandel/AIPaymentsAgentWorkflow/internal/observability"
)

var (
	escalateOlderThan time.Duration
	escalateReject    bool
	costsLimit        int
)

var escalateCmd = &cobra.Command{
	Use:   "escalate",
	Short: "Act on runs waiting too long for a human decision",
	Long: `Re-send the review request for every run awaiting a decision longer than
--older-than, or reject those runs with --reject.`,
	RunE: runEscalate,
}

var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List runs awaiting a human decision",
	RunE:  runPending,
}

var costsCmd = &cobra.Command{
	Use:   "costs",
	Short: "Summarize model and API costs over recent runs",
	RunE:  runCosts,
}

func init() {
	escalateCmd.Flags().DurationVar(&escalateOlderThan, "older-than", 0, "Overdue threshold (defaults to review.overdue_threshold)")
	escalateCmd.Flags().BoolVar(&escalateReject, "reject", false, "Reject overdue runs instead of re-notifying reviewers")
	costsCmd.Flags().IntVar(&costsLimit, "limit", 100, "Number of recent runs to include")
	rootCmd.AddCommand(escalateCmd, pendingCmd, costsCmd)
}

func runEscalate(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newApp(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	threshold := escalateOlderThan
	if threshold <= 0 {
		threshold = cfg.Review.OverdueThreshold
	}
	results, err := a.gateway.Escalate(cmd.Context(), threshold, escalateReject)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(results)
}

func runPending(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newApp(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	runs, err := a.gateway.ListPending(cmd.Context())
	if err != nil {
		return err
	}
	observability.NewPrinter(cmd.OutOrStdout()).PrintPending(runs, time.Now())
	return nil
}

func runCosts(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newApp(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	summary, err := a.ledger.Summarize(cmd.Context(), costsLimit)
	if err != nil {
		return err
	}
	observability.NewPrinter(cmd.OutOrStdout()).PrintCostSummary(summary)
	return nil
}
