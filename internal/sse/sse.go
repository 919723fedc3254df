// Package sse implements the Server-Sent Events framing used by the
// generation stream: a reader that decodes an event stream into named
// events with JSON data, and a writer that emits them with immediate
// flushing.
package sse

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Event is one decoded Server-Sent Event.
type Event struct {
	Type string // event: field, "message" when absent per the SSE spec
	Data string // data: field, multi-line values joined with \n
}

// Reader decodes a text/event-stream body into events.
//
// Handles the W3C framing rules: multiple data: lines join with newline,
// an empty line terminates the event, comment lines starting with ":"
// are ignored, and data before an event name defaults the type to
// "message".
type Reader struct {
	scanner *bufio.Scanner
}

// NewReader wraps r for event decoding.
func NewReader(r io.Reader) *Reader {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &Reader{scanner: s}
}

// Next returns the next complete event. It blocks until an event is
// terminated by an empty line. Returns io.EOF when the stream closes.
func (r *Reader) Next() (Event, error) {
	var (
		ev        Event
		dataLines []string
		sawData   bool
	)

	for r.scanner.Scan() {
		line := r.scanner.Text()

		switch {
		case strings.HasPrefix(line, "event:"):
			ev.Type = strings.TrimSpace(strings.TrimPrefix(line, "event:"))

		case strings.HasPrefix(line, "data:"):
			sawData = true
			dataLines = append(dataLines, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))

		case line == "":
			if ev.Type == "" && !sawData {
				continue // stray blank line between events
			}
			if ev.Type == "" {
				ev.Type = "message"
			}
			ev.Data = strings.Join(dataLines, "\n")
			return ev, nil

		case strings.HasPrefix(line, ":"):
			// comment, ignored

		default:
			return Event{}, fmt.Errorf("sse: unexpected line %q", line)
		}
	}

	if err := r.scanner.Err(); err != nil {
		return Event{}, fmt.Errorf("sse: read stream: %w", err)
	}
	if ev.Type != "" || sawData {
		return Event{}, fmt.Errorf("sse: stream ended mid-event (type %q)", ev.Type)
	}
	return Event{}, io.EOF
}

// Writer emits Server-Sent Events over an http.ResponseWriter, flushing
// after every event so fragments reach the client immediately.
type Writer struct {
	w       io.Writer
	flusher http.Flusher
}

// NewWriter prepares w for SSE streaming and sets the required headers.
// Fails if the ResponseWriter does not support flushing.
func NewWriter(w http.ResponseWriter) (*Writer, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("sse: response writer does not support flushing")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // disable nginx buffering

	return &Writer{w: w, flusher: flusher}, nil
}

// WriteEvent sends one named event with a JSON-encoded payload.
func (w *Writer) WriteEvent(event string, data any) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("sse: marshal %s payload: %w", event, err)
	}

	if _, err := fmt.Fprintf(w.w, "event: %s\ndata: %s\n\n", event, jsonData); err != nil {
		return fmt.Errorf("sse: write %s event: %w", event, err)
	}

	w.flusher.Flush()
	return nil
}
