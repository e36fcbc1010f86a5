package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/PuneetChandel/AIPaymentsAgentWorkflow/internal/faults"
)

const sseHeartbeat = 15 * time.Second

// SSEWriter helps write Server-Sent Events
type SSEWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewSSEWriter creates a new SSE writer
func NewSSEWriter(w http.ResponseWriter) (*SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming not supported")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	return &SSEWriter{w: w, flusher: flusher}, nil
}

// WriteEvent sends an SSE event
func (s *SSEWriter) WriteEvent(event string, data any) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, jsonData); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// WriteComment sends an SSE comment line, which keeps idle connections open.
func (s *SSEWriter) WriteComment(text string) error {
	if _, err := fmt.Fprintf(s.w, ": %s\n\n", text); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// handleCaseEvents streams progress of the runs of a case until one reaches
// a terminal status or the client disconnects.
func (s *Server) handleCaseEvents(w http.ResponseWriter, r *http.Request) {
	if s.deps.Progress == nil {
		s.writeError(w, r, faults.New(faults.KindNotFound, "server", "progress streaming is not enabled"))
		return
	}
	caseID := strings.TrimSpace(r.PathValue("case_id"))
	events, cancel := s.deps.Progress.Subscribe(caseID)
	defer cancel()

	sse, err := NewSSEWriter(w)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	ticker := time.NewTicker(sseHeartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if err := sse.WriteComment("keep-alive"); err != nil {
				return
			}
		case ev := <-events:
			if err := sse.WriteEvent("progress", ev); err != nil {
				return
			}
			if ev.Status.Terminal() {
				sse.WriteEvent("complete", map[string]any{"run_id": ev.RunID, "status": ev.Status}) //nolint:errcheck
				return
			}
		}
	}
}
