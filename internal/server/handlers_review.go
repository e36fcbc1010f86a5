package server

import (
	"context"
	"net/http"
	"time"

	"github.com/PuneetChandel/AIPaymentsAgentWorkflow/internal/server/middleware"
	"github.com/PuneetChandel/AIPaymentsAgentWorkflow/internal/types"
)

// handleDecision applies a reviewer's decision to a run awaiting one.
func (s *Server) handleDecision(w http.ResponseWriter, r *http.Request) {
	var req types.DecisionRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	// An authenticated reviewer cannot decide under another name.
	if p, ok := middleware.PrincipalFrom(r.Context()); ok {
		req.Reviewer = p.GetEmail()
		req.ReviewerName = ""
	}

	run, err := s.deps.Gateway.Submit(context.WithoutCancel(r.Context()), req)
	if err != nil {
		s.writeRunError(w, r, run, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, summarize(run))
}

// PendingRun is a run in the reviewer queue.
type PendingRun struct {
	RunSummary
	WaitingSeconds int64 `json:"waiting_seconds"`
}

// handlePending lists runs awaiting a decision, longest waiting first.
func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	runs, err := s.deps.Gateway.ListPending(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	now := time.Now()
	pending := make([]PendingRun, 0, len(runs))
	for i := range runs {
		p := PendingRun{RunSummary: summarize(&runs[i])}
		if since := runs[i].AwaitingSince; since != nil {
			p.WaitingSeconds = int64(now.Sub(*since).Seconds())
		}
		pending = append(pending, p)
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{"count": len(pending), "runs": pending})
}
