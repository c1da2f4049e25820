package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ssePingInterval keeps idle streams alive and surfaces dead peers.
const ssePingInterval = 25 * time.Second

// writeSSE frames e as one server-sent event.
func writeSSE(w io.Writer, e Event) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %s\ndata: %s\n\n", e.ID, b)
	return err
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	f, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	f.Flush()

	c := newSubscriber(r.RemoteAddr)
	if !s.hub.Register(c) {
		return
	}
	defer s.hub.Unregister(c)

	ping := time.NewTicker(ssePingInterval)
	defer ping.Stop()

	for {
		select {
		case e, ok := <-c.send:
			if !ok {
				return
			}
			if err := writeSSE(w, e); err != nil {
				httpLogger.Infof("stream to %v closed: %v", c.addr, err)
				return
			}
			f.Flush()
		case <-ping.C:
			if _, err := io.WriteString(w, ": ping\n\n"); err != nil {
				httpLogger.Infof("stream to %v closed: %v", c.addr, err)
				return
			}
			f.Flush()
		case <-r.Context().Done():
			return
		}
	}
}
