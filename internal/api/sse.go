package api

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/keyton-weissinger/patchworkmcp/internal/core"
)

// DraftPRHandler starts a draft attempt and streams its events. Errors found
// before the attempt starts are plain JSON responses; after that, every
// outcome is an event and the stream always ends with done or error.
func (h *APIHandler) DraftPRHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	attempt, events, err := h.feedbackService.StartDraft(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}

	rc := http.NewResponseController(w)
	// Generation can outlast the server's write timeout.
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		log.Printf("Could not clear write deadline for draft stream: %v", err)
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	writeSSE(w, "progress", core.Event{
		Stage:  core.StagePending,
		Status: core.StatusStarted,
		Detail: fmt.Sprintf("attempt %d", attempt.AttemptNumber),
	})
	rc.Flush()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			log.Printf("Client left draft stream for %s; attempt %d continues", id, attempt.AttemptNumber)
			go func() {
				for range events {
				}
			}()
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			writeSSE(w, sseName(e), e)
			rc.Flush()
		}
	}
}

func sseName(e core.Event) string {
	switch e.Status {
	case core.StatusSucceeded:
		return "done"
	case core.StatusFailed:
		return "error"
	default:
		return "progress"
	}
}

// writeSSE writes a single SSE event to the writer.
func writeSSE(w io.Writer, event string, data any) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, string(jsonData))
}
