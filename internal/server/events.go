package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
)

// Idle connections get a comment frame at this cadence so intermediaries
// do not reap them.
const heartbeatInterval = 15 * time.Second

// handleEvents serves the change-event stream as SSE. Clients resume with
// the Last-Event-ID header (or lastEventId query parameter); when the
// requested cursor has fallen out of the replay window the stream opens
// with a stream.reset event and the client must take a fresh snapshot.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	lastCursor := parseLastEventID(r)

	// Subscribe before replaying so no event falls between the two.
	sub := s.bus.Subscribe()
	defer sub.Unsubscribe()

	replay, resumable := s.bus.ReplayFrom(lastCursor)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	fmt.Fprint(w, ": hi\n\n")

	if !resumable {
		writeFrame(w, s.bus.Cursor(), "stream.reset", map[string]any{
			"reason": "cursor out of replay window",
		})
		replay = nil
		// The presented cursor means nothing on this stream; track only
		// what is actually sent from here on.
		lastCursor = 0
	}
	lastSent := lastCursor
	for _, item := range replay {
		writeFrame(w, item.Cursor, item.Event.Type, item.Event)
		lastSent = item.Cursor
	}
	flusher.Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		case item, ok := <-sub.C:
			if !ok {
				return
			}
			// Replay may overlap the first live deliveries.
			if item.Cursor <= lastSent {
				continue
			}
			writeFrame(w, item.Cursor, item.Event.Type, item.Event)
			lastSent = item.Cursor
			flusher.Flush()
		}
	}
}

func parseLastEventID(r *http.Request) int64 {
	raw := r.Header.Get("Last-Event-ID")
	if raw == "" {
		raw = r.URL.Query().Get("lastEventId")
	}
	if raw == "" {
		return 0
	}
	cursor, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || cursor < 0 {
		return 0
	}
	return cursor
}

func writeFrame(w http.ResponseWriter, cursor int64, eventType string, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		log.Debug().Err(err).Msg("Failed to encode stream event")
		return
	}
	fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", cursor, eventType, payload)
}
