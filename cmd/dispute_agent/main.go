// Package main provides the entry point for the billing dispute agent: the
// HTTP API, the queue worker and the operator commands.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/PuneetChandel/AIPaymentsAgentWorkflow/internal/config"
	"github.com/PuneetChandel/AIPaymentsAgentWorkflow/internal/observability"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "dispute_agent",
	Short: "Billing dispute resolution agent",
	Long: `Resolves billing disputes through a durable workflow: fetch case data, search similar
resolutions, draft a proposal, wait for a human decision, then refund and notify.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to a YAML config file")
}

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads the configuration and builds the process logger.
func loadConfig() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	logger := observability.NewLogger(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(logger)
	return cfg, logger, nil
}
