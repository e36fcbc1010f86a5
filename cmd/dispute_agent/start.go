package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/PuneetChandel/AIPaymentsAgentWorkflow/internal/db"
	"github.com/PuneetChandel/AIPaymentsAgentWorkflow/internal/observability"
	"github.com/PuneetChandel/AIPaymentsAgentWorkflow/internal/types"
)

var (
	startCaseID     string
	startCustomerID string
	startEventType  string
	startEventFile  string
	startDecision   string
	startReviewer   string
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Run the workflow for one dispute event",
	Long: `Start a workflow run in-process and print where it stopped. The event comes from
flags or a JSON file. With --decide, a run that suspends for review is decided
immediately, which is useful against the in-memory store.`,
	RunE: runStart,
}

func init() {
	startCmd.Flags().StringVar(&startCaseID, "case-id", "", "Dispute case ID")
	startCmd.Flags().StringVar(&startCustomerID, "customer-id", "", "Customer ID")
	startCmd.Flags().StringVar(&startEventType, "event-type", "dispute.created", "Event type")
	startCmd.Flags().StringVarP(&startEventFile, "event", "e", "", "Path to a JSON dispute event (overrides the flags)")
	startCmd.Flags().StringVar(&startDecision, "decide", "", "Decide a suspended run: approved or rejected")
	startCmd.Flags().StringVar(&startReviewer, "reviewer", "cli", "Reviewer recorded with --decide")
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, _ []string) error {
	event, err := loadEvent(startEventFile, types.DisputeEvent{
		CaseID:     startCaseID,
		CustomerID: startCustomerID,
		EventType:  startEventType,
	})
	if err != nil {
		return err
	}

	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newApp(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	printer := observability.NewPrinter(cmd.OutOrStdout())

	run, err := a.engine.Start(cmd.Context(), event)
	if run != nil {
		printer.PrintRun(run)
	}
	if err != nil {
		return err
	}

	if startDecision == "" || run.Status != db.StatusAwaitingDecision {
		return nil
	}
	decided, err := a.gateway.Submit(cmd.Context(), types.DecisionRequest{
		RunID:    run.RunID.String(),
		CaseID:   run.CaseID,
		Decision: startDecision,
		Reviewer: startReviewer,
	})
	if decided != nil {
		printer.PrintRun(decided)
	}
	return err
}

// loadEvent reads the event from path, or validates the flag-built fallback
// when path is empty.
func loadEvent(path string, fallback types.DisputeEvent) (types.DisputeEvent, error) {
	event := fallback
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return event, fmt.Errorf("failed to open event file: %w", err)
		}
		defer func() { _ = f.Close() }()

		data, err := io.ReadAll(f)
		if err != nil {
			return event, fmt.Errorf("failed to read event file: %w", err)
		}
		event = types.DisputeEvent{}
		if err := json.Unmarshal(data, &event); err != nil {
			return event, fmt.Errorf("failed to parse event file: %w", err)
		}
	}
	if err := event.Validate(); err != nil {
		return event, fmt.Errorf("invalid event: %w", err)
	}
	return event, nil
}
