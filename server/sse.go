package server

import (
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
)

// handleStream serves a live SSE feed of decoded field updates for one
// inverter. Slow clients silently lose updates rather than stall the
// connection worker.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	serial := mux.Vars(r)["serial"]

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	ch := s.manager.Subscribe(serial)
	defer s.manager.Unsubscribe(serial, ch)

	fmt.Fprintf(w, "event: connected\ndata: %s\n\n", serial)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case update, ok := <-ch:
			if !ok {
				return
			}
			fmt.Fprintf(w, "data: %s=%s\n\n", update.Field, update.Value)
			flusher.Flush()
		}
	}
}
