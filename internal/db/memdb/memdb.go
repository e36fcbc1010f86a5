// Package memdb is an in-memory implementation of the workflow store. It
// mirrors the Postgres semantics closely enough for engine tests and for
// running the service without a database.
package memdb

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/PuneetChandel/AIPaymentsAgentWorkflow/internal/db"
	"github.com/PuneetChandel/AIPaymentsAgentWorkflow/internal/faults"
	"github.com/PuneetChandel/AIPaymentsAgentWorkflow/internal/types"
)

// Store holds runs, execution records, queue messages and reviewers in memory.
type Store struct {
	mu         sync.Mutex
	runs       map[uuid.UUID]*db.Run
	executions map[uuid.UUID]*db.ExecutionRecord
	messages   map[int64]*db.QueueMessage
	reviewers  map[uuid.UUID]*db.ReviewerRecord
	nextMsgID  int64
	now        func() time.Time

	// FailUpdates makes the next n UpdateRun calls fail with a persistence
	// error. Tests use it to simulate a store outage.
	FailUpdates int
}

// New returns an empty store.
func New() *Store {
	return &Store{
		runs:       make(map[uuid.UUID]*db.Run),
		executions: make(map[uuid.UUID]*db.ExecutionRecord),
		messages:   make(map[int64]*db.QueueMessage),
		reviewers:  make(map[uuid.UUID]*db.ReviewerRecord),
		now:        time.Now,
	}
}

// SetClock overrides the clock used for timestamps and queue visibility.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

// ----------------------------------------------------------------------------
// Runs
// ----------------------------------------------------------------------------

// CreateRun stores a copy of run with version zero.
func (s *Store) CreateRun(_ context.Context, run *db.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[run.RunID]; ok {
		return faults.Persistence("memdb.CreateRun", fmt.Errorf("run %s already exists", run.RunID))
	}
	run.Version = 0
	s.runs[run.RunID] = run.Clone()
	return nil
}

// GetRun returns a copy of the stored run, or nil, nil when absent.
func (s *Store) GetRun(_ context.Context, runID uuid.UUID) (*db.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		return nil, nil
	}
	return run.Clone(), nil
}

// UpdateRun replaces the stored run if it still matches expect.
func (s *Store) UpdateRun(_ context.Context, run *db.Run, expect db.Expectation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailUpdates > 0 {
		s.FailUpdates--
		return faults.Persistence("memdb.UpdateRun", fmt.Errorf("store unavailable"))
	}
	stored, ok := s.runs[run.RunID]
	if !ok || stored.Status.Terminal() || stored.Version != expect.Version || stored.Status != expect.Status {
		return faults.ErrConflict
	}
	run.Version = expect.Version + 1
	s.runs[run.RunID] = run.Clone()
	return nil
}

// ListRunsByCase returns every run for a case, oldest first.
func (s *Store) ListRunsByCase(ctx context.Context, caseID string) ([]db.Run, error) {
	return s.ListRunsFiltered(ctx, db.RunFilters{CaseID: caseID, Limit: -1})
}

// ListPendingRuns returns runs awaiting a decision, longest waiting first.
func (s *Store) ListPendingRuns(context.Context) ([]db.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []db.Run
	for _, run := range s.runs {
		if run.Status == db.StatusAwaitingDecision {
			out = append(out, *run.Clone())
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return awaitingKey(out[i]).Before(awaitingKey(out[j]))
	})
	return out, nil
}

func awaitingKey(r db.Run) time.Time {
	if r.AwaitingSince != nil {
		return *r.AwaitingSince
	}
	return r.CreatedAt
}

// ListRecentRuns returns the newest runs first.
func (s *Store) ListRecentRuns(_ context.Context, limit int) ([]db.Run, error) {
	s.mu.Lock()
	out := s.snapshot()
	s.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListRunsFiltered applies the same filters as the Postgres store.
func (s *Store) ListRunsFiltered(_ context.Context, filters db.RunFilters) ([]db.Run, error) {
	if filters.Limit == 0 {
		filters.Limit = 50
	}

	s.mu.Lock()
	all := s.snapshot()
	s.mu.Unlock()

	var out []db.Run
	for _, run := range all {
		if filters.CaseID != "" && run.CaseID != filters.CaseID {
			continue
		}
		if filters.Status != "" && run.Status != filters.Status {
			continue
		}
		if filters.Step != "" && run.CurrentStep != filters.Step {
			continue
		}
		if !filters.UpdatedBefore.IsZero() && !run.UpdatedAt.Before(filters.UpdatedBefore) {
			continue
		}
		out = append(out, run)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if filters.Limit > 0 && len(out) > filters.Limit {
		out = out[:filters.Limit]
	}
	return out, nil
}

func (s *Store) snapshot() []db.Run {
	out := make([]db.Run, 0, len(s.runs))
	for _, run := range s.runs {
		out = append(out, *run.Clone())
	}
	return out
}

// ----------------------------------------------------------------------------
// Execution records
// ----------------------------------------------------------------------------

// GetExecution returns the execution record for a run, or nil, nil.
func (s *Store) GetExecution(_ context.Context, runID uuid.UUID) (*db.ExecutionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.executionCopy(runID), nil
}

// CreateExecutionIntent records intent unless a record already exists, and
// returns the stored record either way.
func (s *Store) CreateExecutionIntent(_ context.Context, runID uuid.UUID, intent types.ExecutionIntent) (*db.ExecutionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.executions[runID]; !ok {
		now := s.now()
		s.executions[runID] = &db.ExecutionRecord{
			RunID:     runID,
			Intent:    intent,
			CreatedAt: now,
			UpdatedAt: now,
		}
	}
	return s.executionCopy(runID), nil
}

// SetExecutionRefund stores the refund ID unless one is already recorded.
func (s *Store) SetExecutionRefund(_ context.Context, runID uuid.UUID, refundID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.executions[runID]
	if !ok {
		return faults.New(faults.KindNotFound, "memdb.SetExecutionRefund", "execution record not found")
	}
	if rec.RefundID == "" {
		rec.RefundID = refundID
	}
	rec.UpdatedAt = s.now()
	return nil
}

// SetExecutionOutcome stores the outcome of the execute step.
func (s *Store) SetExecutionOutcome(_ context.Context, runID uuid.UUID, outcome types.ExecutionOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.executions[runID]
	if !ok {
		return faults.New(faults.KindNotFound, "memdb.SetExecutionOutcome", "execution record not found")
	}
	rec.Outcome = &outcome
	rec.UpdatedAt = s.now()
	return nil
}

func (s *Store) executionCopy(runID uuid.UUID) *db.ExecutionRecord {
	rec, ok := s.executions[runID]
	if !ok {
		return nil
	}
	out := *rec
	if rec.Outcome != nil {
		outcome := *rec.Outcome
		out.Outcome = &outcome
	}
	return &out
}

// ----------------------------------------------------------------------------
// Queue
// ----------------------------------------------------------------------------

// Enqueue adds a message to the named queue.
func (s *Store) Enqueue(_ context.Context, queue string, payload any) (int64, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal queue payload: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextMsgID++
	now := s.now()
	s.messages[s.nextMsgID] = &db.QueueMessage{
		ID:          s.nextMsgID,
		Queue:       queue,
		Payload:     data,
		Status:      db.MessageReady,
		AvailableAt: now,
		CreatedAt:   now,
	}
	return s.nextMsgID, nil
}

// Claim leases up to limit visible messages, lowest ID first.
func (s *Store) Claim(_ context.Context, queue string, limit int, visibility time.Duration) ([]db.QueueMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var ids []int64
	for id, m := range s.messages {
		if m.Queue == queue && m.Status == db.MessageReady && !m.AvailableAt.After(now) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if len(ids) > limit {
		ids = ids[:limit]
	}

	out := make([]db.QueueMessage, 0, len(ids))
	for _, id := range ids {
		m := s.messages[id]
		m.Attempts++
		m.AvailableAt = now.Add(visibility)
		out = append(out, *m)
	}
	return out, nil
}

// Ack removes a message.
func (s *Store) Ack(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.messages, id)
	return nil
}

// Retry makes a message visible again after delay.
func (s *Store) Retry(_ context.Context, id int64, delay time.Duration, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.messages[id]; ok {
		m.AvailableAt = s.now().Add(delay)
		m.LastError = reason
	}
	return nil
}

// DeadLetter parks a message.
func (s *Store) DeadLetter(_ context.Context, id int64, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.messages[id]; ok {
		m.Status = db.MessageDead
		m.LastError = reason
	}
	return nil
}

// ListDeadLetters returns dead messages on a queue, oldest first.
func (s *Store) ListDeadLetters(_ context.Context, queue string, limit int) ([]db.QueueMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []db.QueueMessage
	for _, m := range s.messages {
		if m.Queue == queue && m.Status == db.MessageDead {
			out = append(out, *m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ----------------------------------------------------------------------------
// Reviewers
// ----------------------------------------------------------------------------

// CreateReviewer stores a reviewer, rejecting duplicate emails.
func (s *Store) CreateReviewer(_ context.Context, name, email, passwordHash string) (*db.ReviewerRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	email = strings.ToLower(strings.TrimSpace(email))
	for _, r := range s.reviewers {
		if r.Email == email {
			return nil, db.ErrReviewerExists
		}
	}
	rec := &db.ReviewerRecord{
		ID:           uuid.New(),
		Email:        email,
		Name:         name,
		PasswordHash: passwordHash,
		CreatedAt:    s.now(),
	}
	s.reviewers[rec.ID] = rec
	out := *rec
	return &out, nil
}

// GetReviewerByEmail returns the reviewer with email, or nil, nil.
func (s *Store) GetReviewerByEmail(_ context.Context, email string) (*db.ReviewerRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	email = strings.ToLower(strings.TrimSpace(email))
	for _, r := range s.reviewers {
		if r.Email == email {
			out := *r
			return &out, nil
		}
	}
	return nil, nil
}

// GetReviewer returns the reviewer with id, or nil, nil.
func (s *Store) GetReviewer(_ context.Context, id uuid.UUID) (*db.ReviewerRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.reviewers[id]
	if !ok {
		return nil, nil
	}
	out := *r
	return &out, nil
}

// ListReviewers returns every reviewer ordered by name.
func (s *Store) ListReviewers(context.Context) ([]db.ReviewerRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]db.ReviewerRecord, 0, len(s.reviewers))
	for _, r := range s.reviewers {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
