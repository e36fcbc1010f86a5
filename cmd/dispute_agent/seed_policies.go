package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/PuneetChandel/AIPaymentsAgentWorkflow/internal/similarity"
)

var seedPoliciesDir string

var seedPoliciesCmd = &cobra.Command{
	Use:   "seed-policies",
	Short: "Load company policies into the similarity store",
	Long: `Insert or update the built-in billing policies, or every .md and .txt document in
--dir, so the similarity step can cite them.`,
	RunE: runSeedPolicies,
}

func init() {
	seedPoliciesCmd.Flags().StringVar(&seedPoliciesDir, "dir", "", "Directory of policy documents (defaults to the built-in policies)")
	rootCmd.AddCommand(seedPoliciesCmd)
}

func runSeedPolicies(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	store, err := similarity.Open(cfg.Similarity.Path)
	if err != nil {
		return fmt.Errorf("failed to open similarity store: %w", err)
	}
	defer func() { _ = store.Close() }()

	policies := similarity.DefaultPolicies()
	if seedPoliciesDir != "" {
		if policies, err = readPolicies(seedPoliciesDir); err != nil {
			return err
		}
	}

	n, err := seedPolicies(cmd.Context(), store, policies)
	if err != nil {
		return err
	}
	total, err := store.Count(cmd.Context(), similarity.CollectionPolicies)
	if err != nil {
		return err
	}
	logger.Info("policies seeded", "path", cfg.Similarity.Path, "upserted", n, "total", total)
	fmt.Fprintf(cmd.OutOrStdout(), "upserted %d polic(ies), %d in store\n", n, total)
	return nil
}

type policyWriter interface {
	UpsertPolicy(ctx context.Context, p similarity.Policy) error
}

func seedPolicies(ctx context.Context, store policyWriter, policies []similarity.Policy) (int, error) {
	for i, p := range policies {
		if err := store.UpsertPolicy(ctx, p); err != nil {
			return i, fmt.Errorf("failed to upsert policy %s: %w", p.ID, err)
		}
	}
	return len(policies), nil
}

// readPolicies turns each markdown or text file directly under dir into a
// policy. Empty files are skipped.
func readPolicies(dir string) ([]similarity.Policy, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy directory: %w", err)
	}

	var policies []similarity.Policy
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".md", ".txt":
		default:
			continue
		}
		path := filepath.Join(dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
		if strings.TrimSpace(string(data)) == "" {
			continue
		}
		policies = append(policies, similarity.PolicyFromDocument(path, string(data)))
	}
	if len(policies) == 0 {
		return nil, fmt.Errorf("no policy documents found in %s", dir)
	}
	return policies, nil
}
