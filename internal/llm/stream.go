package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

// DoneMarker terminates both the upstream and the outbound event streams.
const DoneMarker = "[DONE]"

// Stream errors
var (
	ErrIdleTimeout     = errors.New("upstream stream idle timeout")
	ErrStreamTruncated = errors.New("upstream stream ended before completion")
)

// UpstreamError is a failure reported by the completion API, either as a
// non-2xx response or as an error object inside the stream.
type UpstreamError struct {
	Status  int
	Message string
}

func (e *UpstreamError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("upstream error (%d): %s", e.Status, e.Message)
	}
	return "upstream error: " + e.Message
}

// SSEReader splits a byte stream into server-sent event payloads. Partial
// reads are buffered until a full line is available; a line without its
// terminating newline at EOF is discarded.
type SSEReader struct {
	reader *bufio.Reader
}

// NewSSEReader creates a new SSE reader from an io.Reader.
func NewSSEReader(r io.Reader) *SSEReader {
	return &SSEReader{reader: bufio.NewReader(r)}
}

// ReadEvent returns the joined data lines of the next event. Comment lines
// and fields other than data are skipped. io.EOF is returned once the stream
// is exhausted.
func (s *SSEReader) ReadEvent() ([]byte, error) {
	var dataLines [][]byte

	for {
		line, err := s.reader.ReadBytes('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				if len(dataLines) > 0 {
					return bytes.Join(dataLines, []byte("\n")), nil
				}
				return nil, io.EOF
			}
			return nil, err
		}

		line = bytes.TrimRight(line, "\r\n")
		if len(line) == 0 {
			if len(dataLines) > 0 {
				return bytes.Join(dataLines, []byte("\n")), nil
			}
			continue
		}
		if line[0] == ':' {
			continue
		}
		if bytes.HasPrefix(line, []byte("data:")) {
			data := bytes.TrimPrefix(line[5:], []byte(" "))
			dataLines = append(dataLines, data)
		}
	}
}

// StreamEvent is one decoded upstream event.
type StreamEvent struct {
	Content string
	Done    bool
}

type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Code    json.RawMessage `json:"code"`
		Message string          `json:"message"`
	} `json:"error"`
}

// ChatStream is an open completion stream.
type ChatStream interface {
	// Next blocks for the next event. After an event with Done set, or any
	// error, the stream must not be read again.
	Next() (StreamEvent, error)
	Close() error
}

// Stream reads chat completion chunks from an upstream response body. Reads
// are guarded by an idle watchdog that cancels the request when no bytes
// arrive within the configured window.
type Stream struct {
	body   io.ReadCloser
	sse    *SSEReader
	cancel context.CancelFunc
	idle   time.Duration

	mu       sync.Mutex
	timer    *time.Timer
	timedOut bool
	closed   bool
}

func newStream(body io.ReadCloser, cancel context.CancelFunc, idle time.Duration) *Stream {
	s := &Stream{body: body, cancel: cancel, idle: idle}
	s.sse = NewSSEReader(readerFunc(s.read))
	if idle > 0 {
		s.timer = time.AfterFunc(idle, s.expire)
	}
	return s
}

type readerFunc func(p []byte) (int, error)

func (f readerFunc) Read(p []byte) (int, error) { return f(p) }

func (s *Stream) read(p []byte) (int, error) {
	n, err := s.body.Read(p)
	if n > 0 && s.timer != nil {
		s.timer.Reset(s.idle)
	}
	if err != nil && !errors.Is(err, io.EOF) {
		s.mu.Lock()
		timedOut := s.timedOut
		s.mu.Unlock()
		if timedOut {
			return n, ErrIdleTimeout
		}
	}
	return n, err
}

func (s *Stream) expire() {
	s.mu.Lock()
	s.timedOut = true
	s.mu.Unlock()
	s.cancel()
}

// Next implements ChatStream.
func (s *Stream) Next() (StreamEvent, error) {
	for {
		data, err := s.sse.ReadEvent()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return StreamEvent{}, ErrStreamTruncated
			}
			return StreamEvent{}, err
		}

		payload := strings.TrimSpace(string(data))
		if payload == DoneMarker {
			return StreamEvent{Done: true}, nil
		}

		var chunk streamChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			// Keep-alive or vendor frames that are not chunks are skipped.
			continue
		}
		if chunk.Error != nil {
			return StreamEvent{}, &UpstreamError{Message: chunk.Error.Message}
		}
		if len(chunk.Choices) == 0 || chunk.Choices[0].Delta.Content == "" {
			continue
		}
		return StreamEvent{Content: chunk.Choices[0].Delta.Content}, nil
	}
}

// Close releases the upstream connection. It is safe to call more than once.
func (s *Stream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	if s.timer != nil {
		s.timer.Stop()
	}
	s.cancel()
	return s.body.Close()
}
