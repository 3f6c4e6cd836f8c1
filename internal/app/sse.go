package app

import (
	"encoding/json"
	"fmt"
	"net/http"

	"chat-relay/internal/llm"
)

type contentFrame struct {
	Content string `json:"content"`
}

type errorFrame struct {
	Error string `json:"error"`
}

// sseWriter writes relay events as Server-Sent Events. Headers are sent with
// the first frame, so an error before any content still picks the status.
type sseWriter struct {
	w       http.ResponseWriter
	rc      *http.ResponseController
	started bool
}

func newSSEWriter(w http.ResponseWriter) *sseWriter {
	return &sseWriter{w: w, rc: http.NewResponseController(w)}
}

func (s *sseWriter) begin(status int) {
	if s.started {
		return
	}
	h := s.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	s.w.WriteHeader(status)
	s.started = true
}

func (s *sseWriter) send(data []byte) error {
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return err
	}
	return s.rc.Flush()
}

func (s *sseWriter) WriteContent(delta string) error {
	data, err := json.Marshal(contentFrame{Content: delta})
	if err != nil {
		return err
	}
	s.begin(http.StatusOK)
	return s.send(data)
}

func (s *sseWriter) WriteDone() error {
	s.begin(http.StatusOK)
	return s.send([]byte(llm.DoneMarker))
}

func (s *sseWriter) WriteError(status int, message string) error {
	data, err := json.Marshal(errorFrame{Error: message})
	if err != nil {
		return err
	}
	s.begin(status)
	return s.send(data)
}
