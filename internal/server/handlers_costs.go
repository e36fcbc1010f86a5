package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/PuneetChandel/AIPaymentsAgentWorkflow/internal/db"
	"github.com/PuneetChandel/AIPaymentsAgentWorkflow/internal/faults"
	"github.com/PuneetChandel/AIPaymentsAgentWorkflow/internal/ledger"
)

const (
	defaultSummaryRuns = 100
	maxSummaryRuns     = 1000
)

// handleRunCost returns the cost breakdown of one run.
func (s *Server) handleRunCost(w http.ResponseWriter, r *http.Request) {
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
	total := ledger.Sum(run.CostBreakdown)
	s.jsonResponse(w, http.StatusOK, map[string]any{
		"run_id":            run.RunID,
		"case_id":           run.CaseID,
		"total_cost_micros": total,
		"total_cost":        db.MicrosToUSD(total),
		"breakdown":         run.CostBreakdown,
	})
}

// handleCaseCost returns the total cost of every run for a case.
func (s *Server) handleCaseCost(w http.ResponseWriter, r *http.Request) {
	caseID := strings.TrimSpace(r.PathValue("case_id"))
	total, err := s.deps.Ledger.TotalForCase(r.Context(), caseID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{
		"case_id":           caseID,
		"total_cost_micros": total,
		"total_cost":        db.MicrosToUSD(total),
	})
}

// handleCostSummary aggregates cost over the most recent runs.
func (s *Server) handleCostSummary(w http.ResponseWriter, r *http.Request) {
	limit := defaultSummaryRuns
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxSummaryRuns {
			s.writeError(w, r, &ErrValidation{Field: "limit", Message: "must be between 1 and " + strconv.Itoa(maxSummaryRuns)})
			return
		}
		limit = n
	}
	summary, err := s.deps.Ledger.Summarize(r.Context(), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, summary)
}
