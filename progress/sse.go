package progress

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// WriteSSE writes e as one server-sent event: "data: <json>\n\n".
func WriteSSE(w io.Writer, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}

// StreamWriter is a Handler target that encodes events to w, either as
// server-sent events or as newline-delimited JSON. The first write error is
// kept and later events are dropped.
type StreamWriter struct {
	mu  sync.Mutex
	w   io.Writer
	sse bool
	err error
}

// NewSSEWriter returns a StreamWriter producing server-sent events.
func NewSSEWriter(w io.Writer) *StreamWriter {
	return &StreamWriter{w: w, sse: true}
}

// NewJSONLinesWriter returns a StreamWriter producing one JSON object per line.
func NewJSONLinesWriter(w io.Writer) *StreamWriter {
	return &StreamWriter{w: w}
}

// Handle writes e. It has the Handler signature.
func (s *StreamWriter) Handle(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return
	}
	if s.sse {
		s.err = WriteSSE(s.w, e)
		return
	}
	data, err := json.Marshal(e)
	if err != nil {
		s.err = err
		return
	}
	_, s.err = fmt.Fprintf(s.w, "%s\n", data)
}

// Err returns the first write error.
func (s *StreamWriter) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}
