package db

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/PuneetChandel/AIPaymentsAgentWorkflow/internal/faults"
)

// ErrReviewerExists is returned when a reviewer email is already registered.
var ErrReviewerExists = errors.New("reviewer email already registered")

const uniqueViolation = "23505"

// -----------------------------------------------------------------------------
// Reviewer Methods
// -----------------------------------------------------------------------------

// CreateReviewer stores a reviewer account. The email is matched
// case-insensitively.
func (db *DB) CreateReviewer(ctx context.Context, name, email, passwordHash string) (*ReviewerRecord, error) {
	rec := ReviewerRecord{
		ID:           uuid.New(),
		Name:         name,
		Email:        strings.ToLower(strings.TrimSpace(email)),
		PasswordHash: passwordHash,
	}
	err := db.pool.QueryRow(ctx,
		`INSERT INTO reviewers (id, email, name, password_hash)
		 VALUES ($1, $2, $3, $4)
		 RETURNING created_at`,
		rec.ID, rec.Email, rec.Name, rec.PasswordHash,
	).Scan(&rec.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return nil, ErrReviewerExists
		}
		return nil, faults.Persistence("db.CreateReviewer", fmt.Errorf("failed to create reviewer: %w", err))
	}
	return &rec, nil
}

// GetReviewerByEmail retrieves a reviewer by email. It returns nil, nil when
// no reviewer is registered under that address.
func (db *DB) GetReviewerByEmail(ctx context.Context, email string) (*ReviewerRecord, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return nil, nil
	}
	return db.getReviewer(ctx, `SELECT id, email, name, password_hash, created_at FROM reviewers WHERE email = $1`, email)
}

// GetReviewer retrieves a reviewer by ID. It returns nil, nil when absent.
func (db *DB) GetReviewer(ctx context.Context, id uuid.UUID) (*ReviewerRecord, error) {
	return db.getReviewer(ctx, `SELECT id, email, name, password_hash, created_at FROM reviewers WHERE id = $1`, id)
}

// ListReviewers retrieves every reviewer, ordered by name.
func (db *DB) ListReviewers(ctx context.Context) ([]ReviewerRecord, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, email, name, password_hash, created_at FROM reviewers ORDER BY name`)
	if err != nil {
		return nil, faults.Persistence("db.ListReviewers", fmt.Errorf("failed to list reviewers: %w", err))
	}
	reviewers, err := pgx.CollectRows(rows, pgx.RowToStructByPos[ReviewerRecord])
	if err != nil {
		return nil, faults.Persistence("db.ListReviewers", fmt.Errorf("failed to scan reviewers: %w", err))
	}
	return reviewers, nil
}

func (db *DB) getReviewer(ctx context.Context, query string, arg any) (*ReviewerRecord, error) {
	var rec ReviewerRecord
	err := db.pool.QueryRow(ctx, query, arg).
		Scan(&rec.ID, &rec.Email, &rec.Name, &rec.PasswordHash, &rec.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, faults.Persistence("db.getReviewer", fmt.Errorf("failed to get reviewer: %w", err))
	}
	return &rec, nil
}
