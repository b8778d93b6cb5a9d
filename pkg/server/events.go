package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sheetsmith/sheetsmith/pkg/telemetry"
)

const (
	eventQueueSize    = 64
	heartbeatInterval = 30 * time.Second
)

// handleEvents streams telemetry events as server-sent events until the
// client goes away. A slow client loses events rather than blocking the
// publisher.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if !s.tel.Config.Events.Enabled {
		s.writeJSON(w, http.StatusNotFound, errorResponse{Error: "event stream disabled"})
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "streaming unsupported"})
		return
	}

	queue := make(chan telemetry.Event, eventQueueSize)
	unsubscribe := s.tel.Events.Subscribe(func(e telemetry.Event) {
		select {
		case queue <- e:
		default:
		}
	}, nil)
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case e := <-queue:
			data, err := json.Marshal(e)
			if err != nil {
				s.logger.Warn().Err(err).Str("type", e.Type).Msg("Failed to encode event")
				continue
			}
			fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", e.ID, e.Type, data)
			flusher.Flush()
		}
	}
}
