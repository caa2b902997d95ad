package httpserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/fairyhunter13/ai-tool-platform/internal/adapter/observability"
	"github.com/fairyhunter13/ai-tool-platform/internal/domain"
)

const sseHeartbeatInterval = 15 * time.Second

// StreamTaskHandler serves the per-task SSE progress stream. The subscription
// is opened before the task row is read, so no update published in between is
// lost; the row read produces a synthetic first event that covers anything
// published before attach. The stream closes after the first terminal event.
func (s *Server) StreamTaskHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		kind, ownerID, err := owner(r)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			writeError(w, r, fmt.Errorf("%w: streaming unsupported", domain.ErrInternal), nil)
			return
		}
		taskID := chi.URLParam(r, "id")

		updates, stop, err := s.Progress.Subscribe(r.Context(), taskID)
		if err != nil {
			writeError(w, r, fmt.Errorf("%w: %v", domain.ErrQueueUnavailable, err), nil)
			return
		}
		defer stop()

		t, err := s.Tasks.Get(r.Context(), taskID)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		if t.OwnerID != ownerID || t.OwnerKind != kind {
			writeError(w, r, fmt.Errorf("op=sse.stream: %w", domain.ErrNotFound), nil)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)

		observability.SSESubscribers.Inc()
		defer observability.SSESubscribers.Dec()

		// Synthetic first event from the row; late subscribers see current
		// state even when every bus update already went by.
		synthetic := domain.ProgressUpdate{
			TaskID:     t.ID,
			OwnerID:    t.OwnerID,
			Status:     t.Status,
			Progress:   t.Progress,
			OutputData: s.signOutput(t.OutputData),
			Error:      t.ErrorMessage,
			Timestamp:  t.UpdatedAt,
		}
		writeSSE(w, synthetic)
		flusher.Flush()
		if synthetic.Terminal() {
			return
		}

		heartbeat := time.NewTicker(sseHeartbeatInterval)
		defer heartbeat.Stop()
		lastProgress := t.Progress
		for {
			select {
			case <-r.Context().Done():
				return
			case <-heartbeat.C:
				_, _ = fmt.Fprint(w, ": keepalive\n\n")
				flusher.Flush()
			case u, ok := <-updates:
				if !ok {
					return
				}
				// Drop regressions caused by at-least-once delivery.
				if !u.Terminal() && u.Progress < lastProgress {
					continue
				}
				lastProgress = u.Progress
				u.OutputData = s.signOutput(u.OutputData)
				writeSSE(w, u)
				flusher.Flush()
				if u.Terminal() {
					// One terminal event per stream; duplicates are coalesced
					// by closing here.
					return
				}
			}
		}
	}
}

func writeSSE(w http.ResponseWriter, u domain.ProgressUpdate) {
	data, err := json.Marshal(u)
	if err != nil {
		return
	}
	_, _ = fmt.Fprintf(w, "event: progress\ndata: %s\n\n", data)
}
