// Package chat defines the conversation data model shared by the
// streaming transport, the resume coordinator, and the reference backend:
// messages, their typed parts, and the fragment events a generation
// stream is made of.
package chat

import (
	"encoding/json"
	"fmt"
)

// Role identifies the author of a message.
type Role string

// Valid message roles.
const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// PartKind discriminates the Part variants.
type PartKind string

// Part kinds. The wire representation uses these values in the "type" field.
const (
	PartText       PartKind = "text"
	PartReasoning  PartKind = "reasoning"
	PartFile       PartKind = "file"
	PartToolResult PartKind = "tool-result"
	PartData       PartKind = "data"
)

// Part is one typed unit of message content. It is a tagged union: Kind
// selects which of the remaining fields are meaningful. Order of parts
// within a message is significant and is the render order.
type Part struct {
	Kind PartKind `json:"type"`

	// Text carries content for text and reasoning parts.
	Text string `json:"text,omitempty"`

	// File fields.
	URL       string `json:"url,omitempty"`
	Filename  string `json:"filename,omitempty"`
	MediaType string `json:"mediaType,omitempty"`

	// Name is the tool name for tool-result parts and the payload kind
	// for data parts (e.g. "suggestions").
	Name string `json:"name,omitempty"`

	// Payload is the opaque structured body of tool-result and data parts.
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewTextPart returns a text part.
func NewTextPart(text string) Part {
	return Part{Kind: PartText, Text: text}
}

// NewReasoningPart returns a reasoning part.
func NewReasoningPart(text string) Part {
	return Part{Kind: PartReasoning, Text: text}
}

// NewFilePart returns a file attachment part.
func NewFilePart(url, filename, mediaType string) Part {
	return Part{Kind: PartFile, URL: url, Filename: filename, MediaType: mediaType}
}

// NewToolResultPart returns a tool result part with an opaque payload.
func NewToolResultPart(name string, payload json.RawMessage) Part {
	return Part{Kind: PartToolResult, Name: name, Payload: payload}
}

// NewDataPart returns a structured data part of the given kind.
func NewDataPart(kind string, payload json.RawMessage) Part {
	return Part{Kind: PartData, Name: kind, Payload: payload}
}

// Message is a persisted conversation turn. Once a message is final it is
// immutable; the only permitted mutation is the streaming append to the
// last assistant message while a generation is in flight.
type Message struct {
	ID    string `json:"id"`
	Role  Role   `json:"role"`
	Parts []Part `json:"parts"`
}

// Clone returns a deep-enough copy of the message: the parts slice is
// copied so callers can hold the result across further streaming appends.
func (m Message) Clone() Message {
	parts := make([]Part, len(m.Parts))
	copy(parts, m.Parts)
	m.Parts = parts
	return m
}

// Text concatenates the content of all text parts.
func (m Message) Text() string {
	var out string
	for _, p := range m.Parts {
		if p.Kind == PartText {
			out += p.Text
		}
	}
	return out
}

// Validate checks the structural constraints a submitted message must meet.
func (m Message) Validate() error {
	if len(m.Parts) == 0 {
		return fmt.Errorf("message %q: %w", m.ID, ErrEmptyMessage)
	}
	for i, p := range m.Parts {
		switch p.Kind {
		case PartText, PartReasoning, PartFile, PartToolResult, PartData:
		default:
			return fmt.Errorf("message %q part %d: unknown kind %q", m.ID, i, p.Kind)
		}
	}
	return nil
}
