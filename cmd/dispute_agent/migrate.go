package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/PuneetChandel/AIPaymentsAgentWorkflow/internal/config"
	"github.com/PuneetChandel/AIPaymentsAgentWorkflow/internal/db"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the Postgres schema",
	RunE:  runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Database.Store != config.StorePostgres {
		return fmt.Errorf("migrate requires the %s store (set DATABASE_URL)", config.StorePostgres)
	}

	database, err := db.Connect(cmd.Context(), cfg.Database.URL)
	if err != nil {
		return err
	}
	defer database.Close()

	if err := database.Migrate(cmd.Context()); err != nil {
		return err
	}
	logger.Info("schema applied")
	return nil
}
