// Package stream drives one conversation's live generation channel: it
// submits a user message, folds the ordered fragment events into the
// growing assistant message, survives reloads through the resume
// coordinator, and classifies every failure before it reaches a
// subscriber.
//
// At most one non-terminal session exists per conversation; a second
// submit while a generation is in flight is rejected, never interleaved
// onto the same message.
package stream

import (
	"context"
	"errors"

	"github.com/sowankispassah/khasigpt/internal/chat"
)

// Status is the lifecycle of a stream session.
type Status string

// Session states. A session is retired (discarded, not persisted) once it
// reaches ready or error; the durable record is the server-stored message.
const (
	StatusIdle      Status = "idle"
	StatusSubmitted Status = "submitted"
	StatusStreaming Status = "streaming"
	StatusReady     Status = "ready"
	StatusError     Status = "error"
)

// Terminal reports whether the status admits a new submission.
func (s Status) Terminal() bool {
	return s == StatusIdle || s == StatusReady || s == StatusError
}

// Sentinel errors.
var (
	// ErrSessionBusy rejects a submit while a generation is in flight.
	ErrSessionBusy = errors.New("stream: generation already in flight for this conversation")

	// ErrNothingToResume is the negative result of a reattach check. Not
	// a failure: the caller silently proceeds without resuming.
	ErrNothingToResume = errors.New("stream: nothing to resume")
)

// Request is one generation request. The profile and visibility context
// travels with every request, not just the first of a conversation.
type Request struct {
	ConversationID string       `json:"conversationId"`
	Message        chat.Message `json:"message"`
	Profile        string       `json:"generationProfile"`
	Visibility     string       `json:"visibility"`
}

// FragmentStream is an open generation channel. Next blocks for the next
// fragment and returns io.EOF when the channel closes; fragments arrive
// in the order the backend emitted them.
type FragmentStream interface {
	Next() (chat.Fragment, error)
	Close() error
}

// Source opens generation channels. Open starts a new generation; Resume
// reattaches to the most recent one, returning ErrNothingToResume when
// there is no in-flight or undelivered generation.
type Source interface {
	Open(ctx context.Context, req Request) (FragmentStream, error)
	Resume(ctx context.Context, conversationID string) (FragmentStream, error)
}
