package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/PuneetChandel/AIPaymentsAgentWorkflow/internal/config"
	"github.com/PuneetChandel/AIPaymentsAgentWorkflow/internal/db"
	"github.com/PuneetChandel/AIPaymentsAgentWorkflow/internal/types"
)

var (
	reviewerName     string
	reviewerEmail    string
	reviewerPassword string
)

var reviewerCmd = &cobra.Command{
	Use:   "reviewer",
	Short: "Manage reviewer accounts",
}

var reviewerAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Create a reviewer who can log in and submit decisions",
	RunE:  runReviewerAdd,
}

func init() {
	reviewerAddCmd.Flags().StringVar(&reviewerName, "name", "", "Reviewer display name")
	reviewerAddCmd.Flags().StringVar(&reviewerEmail, "email", "", "Reviewer email (login)")
	reviewerAddCmd.Flags().StringVar(&reviewerPassword, "password", "", "Password (read from stdin when omitted)")
	_ = reviewerAddCmd.MarkFlagRequired("email")
	reviewerCmd.AddCommand(reviewerAddCmd)
	rootCmd.AddCommand(reviewerCmd)
}

func runReviewerAdd(cmd *cobra.Command, _ []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	if cfg.Database.Store != config.StorePostgres {
		return fmt.Errorf("reviewer accounts require the %s store (set DATABASE_URL)", config.StorePostgres)
	}

	password := reviewerPassword
	if password == "" {
		if password, err = promptPassword(cmd); err != nil {
			return err
		}
	}

	database, err := db.Connect(cmd.Context(), cfg.Database.URL)
	if err != nil {
		return err
	}
	defer database.Close()

	rec, err := addReviewer(cmd.Context(), database, cfg.Server, reviewerName, reviewerEmail, password)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "created reviewer %s (%s)\n", rec.Email, rec.ID)
	return nil
}

type reviewerCreator interface {
	CreateReviewer(ctx context.Context, name, email, passwordHash string) (*db.ReviewerRecord, error)
}

// addReviewer validates the account, hashes password with the configured
// cost and pepper, and stores it. An empty name defaults to the email.
func addReviewer(ctx context.Context, store reviewerCreator, cfg config.ServerConfig, name, email, password string) (*db.ReviewerRecord, error) {
	req := types.CreateReviewerRequest{
		Name:     strings.TrimSpace(name),
		Email:    strings.TrimSpace(email),
		Password: password,
	}
	if req.Name == "" {
		req.Name = req.Email
	}
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("invalid reviewer: %w", err)
	}

	passwords, err := cfg.Passwords()
	if err != nil {
		return nil, err
	}
	hash, err := passwords.HashPassword(req.Password)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}
	return store.CreateReviewer(ctx, req.Name, req.Email, hash)
}

// promptPassword reads one line from stdin so the password stays out of the
// shell history.
func promptPassword(cmd *cobra.Command) (string, error) {
	fmt.Fprint(cmd.ErrOrStderr(), "Password: ")
	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	password := strings.TrimRight(line, "\r\n")
	if password == "" {
		return "", fmt.Errorf("password is required")
	}
	return password, nil
}
