package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/PuneetChandel/AIPaymentsAgentWorkflow/internal/db"
	"github.com/PuneetChandel/AIPaymentsAgentWorkflow/internal/faults"
	"github.com/PuneetChandel/AIPaymentsAgentWorkflow/internal/types"
)

// RunSummary is the API view of a workflow run.
type RunSummary struct {
	RunID         string                    `json:"run_id"`
	CaseID        string                    `json:"case_id"`
	CustomerID    string                    `json:"customer_id,omitempty"`
	Status        db.Status                 `json:"status"`
	CurrentStep   db.Step                   `json:"current_step"`
	Proposal      *types.ResolutionProposal `json:"proposal,omitempty"`
	Decision      *types.HumanDecision      `json:"decision,omitempty"`
	Execution     *types.ExecutionOutcome   `json:"execution,omitempty"`
	Final         *types.FinalOutcome       `json:"final,omitempty"`
	Error         *db.RunError              `json:"error,omitempty"`
	TotalCost     float64                   `json:"total_cost"`
	AwaitingSince *time.Time                `json:"awaiting_since,omitempty"`
	CreatedAt     time.Time                 `json:"created_at"`
	UpdatedAt     time.Time                 `json:"updated_at"`
	CompletedAt   *time.Time                `json:"completed_at,omitempty"`
}

func summarize(run *db.Run) RunSummary {
	return RunSummary{
		RunID:         run.RunID.String(),
		CaseID:        run.CaseID,
		CustomerID:    run.CustomerID,
		Status:        run.Status,
		CurrentStep:   run.CurrentStep,
		Proposal:      run.Context.Proposal,
		Decision:      run.Context.Decision,
		Execution:     run.Context.Execution,
		Final:         run.Context.Final,
		Error:         run.Error,
		TotalCost:     run.TotalCost(),
		AwaitingSince: run.AwaitingSince,
		CreatedAt:     run.CreatedAt,
		UpdatedAt:     run.UpdatedAt,
		CompletedAt:   run.CompletedAt,
	}
}

func summarizeAll(runs []db.Run) []RunSummary {
	out := make([]RunSummary, 0, len(runs))
	for i := range runs {
		out = append(out, summarize(&runs[i]))
	}
	return out
}

// decodeJSON decodes the request body into v, rejecting unknown fields.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return &ErrValidation{Message: "invalid request body: " + err.Error()}
	}
	return nil
}

// handleStart opens a run for a dispute event and drives it until it
// suspends or finishes.
func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var event types.DisputeEvent
	if err := decodeJSON(r, &event); err != nil {
		s.writeError(w, r, err)
		return
	}

	// A client hanging up must not pause the run halfway.
	run, err := s.deps.Engine.Start(context.WithoutCancel(r.Context()), event)
	if err != nil {
		s.writeRunError(w, r, run, err)
		return
	}
	s.jsonResponse(w, http.StatusCreated, summarize(run))
}

// handlePublishEvent queues a dispute event for the worker.
func (s *Server) handlePublishEvent(w http.ResponseWriter, r *http.Request) {
	if s.deps.Events == nil {
		s.writeError(w, r, faults.New(faults.KindNotFound, "server", "event queue is not configured"))
		return
	}
	var event types.DisputeEvent
	if err := decodeJSON(r, &event); err != nil {
		s.writeError(w, r, err)
		return
	}
	id, err := s.deps.Events.PublishEvent(r.Context(), event)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusAccepted, map[string]any{"message_id": id, "case_id": event.CaseID})
}

// handleStatus returns one run.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	runID, err := parseRunID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	run, err := s.deps.Runs.GetRun(r.Context(), runID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if run == nil {
		s.writeError(w, r, faults.ErrRunNotFound)
		return
	}
	s.jsonResponse(w, http.StatusOK, summarize(run))
}

// handleCaseRuns lists every run for a case, newest first.
func (s *Server) handleCaseRuns(w http.ResponseWriter, r *http.Request) {
	caseID := strings.TrimSpace(r.PathValue("case_id"))
	runs, err := s.deps.Runs.ListRunsByCase(r.Context(), caseID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if len(runs) == 0 {
		s.writeError(w, r, faults.New(faults.KindNotFound, "server", "no runs for case "+caseID))
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{
		"case_id": caseID,
		"runs":    summarizeAll(runs),
	})
}

func parseRunID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(r.PathValue("run_id"))
	if err != nil {
		return uuid.Nil, &ErrValidation{Field: "run_id", Message: "must be a UUID"}
	}
	return id, nil
}

// handleHealth returns server health status
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.jsonResponse(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ServiceHealth is the health of one collaborator.
type ServiceHealth struct {
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
	LatencyMS int64  `json:"latency_ms"`
}

// handleServicesHealth pings every collaborator concurrently.
func (s *Server) handleServicesHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	type result struct {
		name   string
		health ServiceHealth
	}
	results := make(chan result, len(s.deps.Health))
	for name, p := range s.deps.Health {
		go func() {
			start := time.Now()
			h := ServiceHealth{Status: "healthy"}
			if err := p.Ping(ctx); err != nil {
				h.Status = "unhealthy"
				h.Error = errorMessage(err)
			}
			h.LatencyMS = time.Since(start).Milliseconds()
			results <- result{name: name, health: h}
		}()
	}

	services := make(map[string]ServiceHealth, len(s.deps.Health))
	overall := "healthy"
	for range s.deps.Health {
		res := <-results
		services[res.name] = res.health
		if res.health.Status != "healthy" {
			overall = "degraded"
		}
	}

	status := http.StatusOK
	if overall != "healthy" {
		status = http.StatusServiceUnavailable
	}
	s.jsonResponse(w, status, map[string]any{"status": overall, "services": services})
}
