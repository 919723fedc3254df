package testutil

import (
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/sowankispassah/khasigpt/internal/sse"
)

// ParseSSEEvents parses a recorded SSE response body into events,
// failing the test on malformed framing.
func ParseSSEEvents(t *testing.T, body string) []sse.Event {
	t.Helper()

	reader := sse.NewReader(strings.NewReader(body))
	var events []sse.Event
	for {
		ev, err := reader.Next()
		if errors.Is(err, io.EOF) {
			return events
		}
		if err != nil {
			t.Fatalf("parse SSE stream: %v", err)
		}
		events = append(events, ev)
	}
}

// FindEvent returns the first event of the given type, nil when absent.
func FindEvent(events []sse.Event, eventType string) *sse.Event {
	for i := range events {
		if events[i].Type == eventType {
			return &events[i]
		}
	}
	return nil
}

// EventsOfType returns every event of the given type in stream order.
func EventsOfType(events []sse.Event, eventType string) []sse.Event {
	var out []sse.Event
	for _, ev := range events {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}
