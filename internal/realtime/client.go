package realtime

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// ServeSSE streams a subscriber's events until the client disconnects or the
// subscriber is closed server-side. Events are named by their type, so
// browsers can addEventListener("progress", ...) directly.
func (h *Hub) ServeSSE(w http.ResponseWriter, r *http.Request, sub *Subscriber) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	ctx := r.Context()

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			h.log.Debug("sse client disconnected", "subscriberID", sub.ID, "err", ctx.Err())
			return
		case <-sub.Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case evt, open := <-sub.Events:
			if !open {
				return
			}
			data, err := json.Marshal(evt)
			if err != nil {
				h.log.Warn("failed to marshal event", "error", err)
				continue
			}
			fmt.Fprintf(w, "event: %s\n", evt.Type)
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
	}
}
