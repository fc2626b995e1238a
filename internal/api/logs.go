package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/cdelaunay/simrig/internal/dispatcher"
)

func (s *Server) handleStreamLogs(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid worker index")
		return
	}

	if _, ok := s.pool.WorkerStatus(index); !ok {
		s.writeError(w, http.StatusNotFound, "worker not found")
		return
	}

	// Set SSE headers.
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// Disable write timeout for long-lived SSE connections.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Error("set write deadline for SSE", "error", err)
	}

	// The broker replays the tail of the worker's output first, so a client
	// attaching after a crash still sees the dying lines; for a terminated
	// worker the channel closes right after the replay.
	ch, unsub := s.broker.Subscribe(index)
	defer unsub()

	logStreamSubscribers.Inc()
	defer logStreamSubscribers.Dec()

	w.WriteHeader(http.StatusOK)
	flusher, canFlush := w.(http.Flusher)
	if canFlush {
		flusher.Flush()
	}

	for {
		select {
		case entry, ok := <-ch:
			if !ok {
				// Worker terminated; send explicit done event before closing.
				_ = writeSSEEvent(w, "done", "stream complete")
				if canFlush {
					flusher.Flush()
				}
				return
			}
			if err := writeSSEEntry(w, entry); err != nil {
				return // Write failed (e.g. client gone).
			}
			if canFlush {
				flusher.Flush()
			}
		case <-r.Context().Done():
			return // Client disconnected.
		}
	}
}

// writeSSEEntry writes one log entry as an SSE event. The run the line came
// from rides in the event id, so clients watching a worker slot can tell
// runs apart. Multi-line strings are split so that each segment gets its
// own "data:" prefix, per the SSE spec.
func writeSSEEntry(w http.ResponseWriter, entry dispatcher.LogEntry) error {
	if entry.RunID != "" {
		if _, err := fmt.Fprintf(w, "id: %s\n", entry.RunID); err != nil {
			return err
		}
	}
	for _, seg := range strings.Split(entry.Line, "\n") {
		if _, err := fmt.Fprintf(w, "data: %s\n", seg); err != nil {
			return err
		}
	}
	// Blank line terminates the event.
	_, err := fmt.Fprint(w, "\n")
	return err
}

// writeSSEEvent writes a named SSE event (event: <type>\ndata: <data>\n\n).
func writeSSEEvent(w http.ResponseWriter, eventType, data string) error {
	if _, err := fmt.Fprintf(w, "event: %s\n", eventType); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	return nil
}
