package api

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
)

// handleStreamLogs streams live log lines for an execution over SSE. The
// stream ends with a "done" event when the execution finishes.
func (s *Server) handleStreamLogs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if _, err := s.store.GetExecution(r.Context(), id); err != nil {
		writeTaxonomyError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	// Streams outlive the server write timeout; lift the deadline for this
	// response only.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Warn("clear write deadline", "error", err)
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Subscribe before the history replay so no line falls between the two.
	ch, unsubscribe := s.engine.Broker().Subscribe(id)
	defer unsubscribe()

	// Replay persisted lines first so a late subscriber sees the full log.
	history, err := s.store.GetLogLines(r.Context(), id)
	if err != nil {
		s.logger.Warn("log history replay", "execution_id", id, "error", err)
	}
	for _, line := range history {
		writeSSEData(w, line.Line)
	}
	if len(history) > 0 {
		flusher.Flush()
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case line, open := <-ch:
			if !open {
				writeSSEEvent(w, "done", "stream complete")
				flusher.Flush()
				return
			}
			writeSSEData(w, line)
			flusher.Flush()
		}
	}
}

// handleGetLogHistory returns all persisted log lines for an execution.
func (s *Server) handleGetLogHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if _, err := s.store.GetExecution(r.Context(), id); err != nil {
		writeTaxonomyError(w, err)
		return
	}

	lines, err := s.store.GetLogLines(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"execution_id": id,
		"lines":        lines,
	})
}

// writeSSEData writes a data-only SSE message. Multi-line payloads become one
// data: field per line per the SSE framing rules.
func writeSSEData(w http.ResponseWriter, data string) {
	for line := range strings.SplitSeq(data, "\n") {
		fmt.Fprintf(w, "data: %s\n", line)
	}
	fmt.Fprint(w, "\n")
}

func writeSSEEvent(w http.ResponseWriter, event, data string) {
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
}
