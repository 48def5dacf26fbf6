package api

import (
	"fmt"
	"net/http"
	"time"
)

// RunStreamHandler handles GET /runs/stream: one SSE frame per committed run,
// plus a heartbeat when idle.
func (s *Server) RunStreamHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeProblem(w, http.StatusInternalServerError, "Streaming unsupported", "", r.URL.Path)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch := s.Broker.Subscribe(runsTopic)
	defer s.Broker.Unsubscribe(runsTopic, ch)

	heartbeat := func() {
		fmt.Fprintf(w, "event: heartbeat\n")
		fmt.Fprintf(w, "data: {\"ts\":\"%s\"}\n\n", s.Now().Format(time.RFC3339))
		flusher.Flush()
	}
	heartbeat()

	interval := s.Heartbeat
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	done := r.Context().Done()
	for {
		select {
		case <-done:
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			fmt.Fprintf(w, "event: %s\n", evt.Type)
			fmt.Fprintf(w, "data: %s\n\n", evt.Data)
			flusher.Flush()
			ticker.Reset(interval)
		case <-ticker.C:
			heartbeat()
		}
	}
}
