package handler

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mw "github.com/kiranshivaraju/adbatch/internal/api/middleware"
	"github.com/kiranshivaraju/adbatch/internal/api/response"
	"github.com/kiranshivaraju/adbatch/internal/events"
)

const defaultHeartbeat = 15 * time.Second

// NewEventsHandler returns an http.HandlerFunc for GET /api/v1/events. It streams the
// owner's change events as server-sent events, one data line per event, with a comment
// heartbeat so idle connections stay open through proxies.
func NewEventsHandler(sub events.Subscriber, heartbeat time.Duration) http.HandlerFunc {
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeat
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ownerID, ok := mw.GetOwnerID(r)
		if !ok {
			response.Error(w, http.StatusBadRequest, response.CodeInvalidRequest, "Missing owner", nil)
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			response.Error(w, http.StatusInternalServerError, response.CodeInternal,
				"Streaming is not supported", nil)
			return
		}

		// The stream outlives the server's write timeout.
		_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

		ch, err := sub.Subscribe(r.Context(), ownerID)
		if err != nil {
			writeError(w, r, err)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, ": connected\n\n")
		flusher.Flush()

		ticker := time.NewTicker(heartbeat)
		defer ticker.Stop()

		for {
			select {
			case <-r.Context().Done():
				return
			case <-ticker.C:
				if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
					return
				}
				flusher.Flush()
			case evt, open := <-ch:
				if !open {
					return
				}
				if err := writeEvent(w, evt); err != nil {
					slog.Warn("writing event", "owner_id", ownerID, "entity_id", evt.EntityID, "error", err)
					return
				}
				flusher.Flush()
			}
		}
	}
}

func writeEvent(w http.ResponseWriter, evt events.Event) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", payload)
	return err
}
