// Package similarity stores resolved disputes and resolution policies and
// ranks them against a new case. It is the collaborator behind the
// similarity cache used while drafting resolutions.
package similarity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/PuneetChandel/AIPaymentsAgentWorkflow/internal/faults"
)

// Collections
const (
	CollectionCases    = "dispute_resolutions"
	CollectionPolicies = "company_policies"
)

// candidateLimit bounds how many rows are scored per search.
const candidateLimit = 500

// Query carries the case attributes used for ranking.
type Query struct {
	CaseID      string    `json:"case_id,omitempty"`
	DisputeType string    `json:"dispute_type"`
	Amount      float64   `json:"amount"`
	Segment     string    `json:"segment"`
	Description string    `json:"description,omitempty"`
	RequestedAt time.Time `json:"requested_at,omitempty"`
}

// Item is a ranked search result from either collection.
type Item struct {
	ID          string  `json:"id"`
	Collection  string  `json:"collection"`
	CaseID      string  `json:"case_id,omitempty"`
	DisputeType string  `json:"dispute_type,omitempty"`
	Amount      float64 `json:"amount,omitempty"`
	Segment     string  `json:"segment,omitempty"`
	Resolution  string  `json:"resolution,omitempty"`
	Title       string  `json:"title,omitempty"`
	Category    string  `json:"category,omitempty"`
	Content     string  `json:"content"`
	Score       float64 `json:"score"`
}

// ResolvedCase is a completed dispute written back for future lookups.
type ResolvedCase struct {
	CaseID       string
	AccountID    string
	CustomerName string
	DisputeType  string
	Amount       float64
	Segment      string
	Resolution   string
	Reason       string
}

// Policy is a resolution policy.
type Policy struct {
	ID        string  `json:"id"`
	Title     string  `json:"title"`
	Category  string  `json:"category"`
	Content   string  `json:"content"`
	MinAmount float64 `json:"min_amount"`
	MaxAmount float64 `json:"max_amount"`
}

// Store is a SQLite-backed similarity store.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (creating if needed) the store at path. Use ":memory:" for an
// ephemeral store.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open similarity store: %w", err)
	}
	// A single connection keeps ":memory:" databases shared across calls.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports whether the store is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS resolved_cases (
		id TEXT PRIMARY KEY,
		case_id TEXT NOT NULL UNIQUE,
		account_id TEXT,
		customer_name TEXT,
		dispute_type TEXT NOT NULL,
		amount REAL NOT NULL,
		segment TEXT NOT NULL,
		resolution TEXT NOT NULL,
		reason TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS policies (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		category TEXT NOT NULL,
		content TEXT NOT NULL,
		min_amount REAL NOT NULL DEFAULT 0,
		max_amount REAL NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_resolved_cases_type ON resolved_cases(dispute_type);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to migrate similarity store: %w", err)
	}
	return nil
}

// Search returns up to k items from collection ranked against q. An empty
// collection yields no items and no error.
func (s *Store) Search(ctx context.Context, collection string, q Query, k int) ([]Item, error) {
	if k <= 0 {
		return nil, nil
	}
	var items []Item
	var err error
	switch collection {
	case CollectionCases:
		items, err = s.searchCases(ctx, q)
	case CollectionPolicies:
		items, err = s.searchPolicies(ctx, q)
	default:
		return nil, fmt.Errorf("unknown collection %q", collection)
	}
	if err != nil {
		return nil, err
	}

	sort.SliceStable(items, func(i, j int) bool { return items[i].Score > items[j].Score })
	if len(items) > k {
		items = items[:k]
	}
	return items, nil
}

func (s *Store) searchCases(ctx context.Context, q Query) ([]Item, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, case_id, dispute_type, amount, segment, resolution, reason
		 FROM resolved_cases ORDER BY created_at DESC LIMIT ?`, candidateLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to query resolved cases: %w", err)
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		it := Item{Collection: CollectionCases}
		if err := rows.Scan(&it.ID, &it.CaseID, &it.DisputeType, &it.Amount, &it.Segment, &it.Resolution, &it.Content); err != nil {
			return nil, fmt.Errorf("failed to scan resolved case: %w", err)
		}
		it.Score = caseScore(q, it)
		items = append(items, it)
	}
	return items, rows.Err()
}

func (s *Store) searchPolicies(ctx context.Context, q Query) ([]Item, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, category, content, min_amount, max_amount FROM policies ORDER BY id LIMIT ?`, candidateLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to query policies: %w", err)
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		var p Policy
		if err := rows.Scan(&p.ID, &p.Title, &p.Category, &p.Content, &p.MinAmount, &p.MaxAmount); err != nil {
			return nil, fmt.Errorf("failed to scan policy: %w", err)
		}
		items = append(items, Item{
			ID:         p.ID,
			Collection: CollectionPolicies,
			Title:      p.Title,
			Category:   p.Category,
			Content:    p.Content,
			Score:      policyScore(q, p),
		})
	}
	return items, rows.Err()
}

// caseScore weighs dispute type, customer segment and amount proximity.
func caseScore(q Query, it Item) float64 {
	score := 0.0
	if sameFold(q.DisputeType, it.DisputeType) {
		score += 0.5
	}
	if sameFold(q.Segment, it.Segment) {
		score += 0.2
	}
	scale := math.Max(math.Max(q.Amount, it.Amount), 1)
	score += 0.3 * (1 - math.Min(math.Abs(q.Amount-it.Amount)/scale, 1))
	return round4(score)
}

// policyScore favours policies whose category matches the dispute type or
// segment and whose amount band contains the disputed amount.
func policyScore(q Query, p Policy) float64 {
	score := 0.0
	switch {
	case categoryMatches(p.Category, q.DisputeType+" "+q.Description):
		score += 0.5
	case categoryMatches(p.Category, q.Segment):
		score += 0.4
	case sameFold(p.Category, CategoryGeneral):
		score += 0.2
	}
	inBand := q.Amount >= p.MinAmount && (p.MaxAmount <= 0 || q.Amount < p.MaxAmount)
	if inBand {
		score += 0.5
	}
	return round4(score)
}

func sameFold(a, b string) bool {
	return a != "" && strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

func round4(f float64) float64 {
	return math.Round(f*1e4) / 1e4
}

// StoreResolution writes a resolved case. A case that is already stored is
// left untouched and its existing ID is returned.
func (s *Store) StoreResolution(ctx context.Context, rc ResolvedCase) (string, error) {
	if rc.CaseID == "" {
		return "", errors.New("case id is required")
	}
	segment := rc.Segment
	if segment == "" {
		segment = "Standard"
	}

	id := "resolution_" + uuid.NewString()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO resolved_cases (id, case_id, account_id, customer_name, dispute_type, amount, segment, resolution, reason, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(case_id) DO NOTHING`,
		id, rc.CaseID, rc.AccountID, rc.CustomerName, rc.DisputeType, rc.Amount, segment, rc.Resolution,
		fmt.Sprintf("Resolution for case %s: %s", rc.CaseID, rc.Reason), s.now().UTC(),
	)
	if err != nil {
		return "", classify("similarity.StoreResolution", fmt.Errorf("failed to store resolution: %w", err))
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return id, nil
	}

	var existing string
	if err := s.db.QueryRowContext(ctx, `SELECT id FROM resolved_cases WHERE case_id = ?`, rc.CaseID).Scan(&existing); err != nil {
		return "", classify("similarity.StoreResolution", fmt.Errorf("failed to read existing resolution: %w", err))
	}
	return existing, nil
}

// classify marks lock contention on the database file as transient.
func classify(op string, err error) error {
	var sqlErr *sqlite.Error
	if errors.As(err, &sqlErr) {
		switch sqlErr.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return faults.Transient(op, err)
		}
	}
	return err
}

// UpsertPolicy inserts or replaces a policy.
func (s *Store) UpsertPolicy(ctx context.Context, p Policy) error {
	if p.ID == "" {
		return errors.New("policy id is required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO policies (id, title, category, content, min_amount, max_amount)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET title = excluded.title, category = excluded.category,
		   content = excluded.content, min_amount = excluded.min_amount, max_amount = excluded.max_amount`,
		p.ID, p.Title, p.Category, p.Content, p.MinAmount, p.MaxAmount,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert policy %s: %w", p.ID, err)
	}
	return nil
}

// Count returns the number of items in collection.
func (s *Store) Count(ctx context.Context, collection string) (int, error) {
	var table string
	switch collection {
	case CollectionCases:
		table = "resolved_cases"
	case CollectionPolicies:
		table = "policies"
	default:
		return 0, fmt.Errorf("unknown collection %q", collection)
	}
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", collection, err)
	}
	return n, nil
}
