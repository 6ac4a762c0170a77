package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/banshee-data/autosteer/internal/autosteer"
	"github.com/banshee-data/autosteer/internal/httputil"
)

// handleSteeringStream serves the control state as Server-Sent Events: the
// current state first, then one event per applied reading. A client more than
// autosteer.SubscriberBuffer states behind skips the oldest ones, which shows
// as a gap in "readings". Comment pings keep idle connections open.
func (s *Server) handleSteeringStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		httputil.InternalServerError(w, "streaming unsupported")
		return
	}

	id, updates := s.controller.Subscribe()
	defer s.controller.Unsubscribe(id)
	keepalive := s.clock.NewTimer(s.keepaliveInterval)
	defer func() { keepalive.Stop() }()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable buffering for nginx

	// Send initial ping to establish connection
	if _, err := w.Write([]byte(": ping\n\n")); err != nil {
		return
	}

	current := s.controller.State()
	if !s.writeSteeringEvent(w, current) {
		return
	}
	flusher.Flush()
	lastReadings := current.Readings

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepalive.C():
			if _, err := w.Write([]byte(": ping\n\n")); err != nil {
				return
			}
			flusher.Flush()
			keepalive = s.clock.NewTimer(s.keepaliveInterval)
		case st, ok := <-updates:
			if !ok {
				return
			}
			// already covered by the initial snapshot
			if st.Readings <= lastReadings {
				continue
			}
			if !s.writeSteeringEvent(w, st) {
				return
			}
			flusher.Flush()
			lastReadings = st.Readings
		}
	}
}

func (s *Server) writeSteeringEvent(w http.ResponseWriter, st autosteer.ControlState) bool {
	payload, err := json.Marshal(steeringResponse(st))
	if err != nil {
		logf("failed to encode steering event: %v", err)
		return false
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", payload)
	return err == nil
}
