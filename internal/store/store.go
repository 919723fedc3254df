// Package store persists conversations, their messages, votes, and
// generation records to PostgreSQL. Message parts are stored as JSONB;
// ordering within a conversation is carried by an explicit sequence
// number, never by insertion order.
//
// Memory provides the same behavior in process for tests and for running
// the server without a database.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/sowankispassah/khasigpt/internal/chat"
)

// ErrNotFound reports a missing conversation, message, or generation.
var ErrNotFound = errors.New("store: not found")

// DefaultMode is the mode assigned to conversations created without one.
const DefaultMode = "chat"

// Conversation is one stored conversation. Mode groups conversations
// into a topic or workspace; listings can filter on it.
type Conversation struct {
	ID            uuid.UUID
	Title         string
	Visibility    string
	Mode          string
	CreatedAt     time.Time
	LastRepliedAt time.Time
}

// Message is one stored message. Parts round-trip through JSONB.
type Message struct {
	ID             uuid.UUID
	ConversationID uuid.UUID
	Role           chat.Role
	Parts          []chat.Part
	SequenceNumber int32
	CreatedAt      time.Time
}

// Vote is a per-message thumbs up or down.
type Vote struct {
	ConversationID uuid.UUID
	MessageID      uuid.UUID
	IsUpvoted      bool
}

// Generation records the fragments of one assistant generation as they
// are produced, so a reconnecting client can replay them. Done marks the
// generation finished.
type Generation struct {
	ID             uuid.UUID
	ConversationID uuid.UUID
	Fragments      []chat.Fragment
	Done           bool
	CreatedAt      time.Time
}

// Store is the persistence surface the API server consumes.
type Store interface {
	// CreateConversation stores a new conversation. An empty mode becomes
	// DefaultMode.
	CreateConversation(ctx context.Context, title, visibility, mode string) (*Conversation, error)
	GetConversation(ctx context.Context, id uuid.UUID) (*Conversation, error)

	// ListConversations returns up to limit conversations strictly older
	// than the endingBefore cursor (uuid.Nil means newest first), ordered
	// by created_at descending with id descending as tie-break. A
	// non-empty mode restricts the listing to that mode; the cursor works
	// the same either way. The bool reports whether older conversations
	// remain.
	ListConversations(ctx context.Context, limit int32, endingBefore uuid.UUID, mode string) ([]Conversation, bool, error)

	// DeleteConversation removes the conversation and, by cascade, its
	// messages, votes, and generations.
	DeleteConversation(ctx context.Context, id uuid.UUID) error

	// AppendMessages appends messages with contiguous sequence numbers
	// and bumps the conversation's last_replied_at.
	AppendMessages(ctx context.Context, conversationID uuid.UUID, messages []Message) error
	Messages(ctx context.Context, conversationID uuid.UUID) ([]Message, error)
	CountMessages(ctx context.Context, conversationID uuid.UUID) (int32, error)

	SetVote(ctx context.Context, vote Vote) error
	Votes(ctx context.Context, conversationID uuid.UUID) ([]Vote, error)

	StartGeneration(ctx context.Context, conversationID uuid.UUID) (*Generation, error)
	AppendFragment(ctx context.Context, generationID uuid.UUID, frag chat.Fragment) error
	FinishGeneration(ctx context.Context, generationID uuid.UUID) error

	// LatestGeneration returns the most recent generation for the
	// conversation, ErrNotFound when none exists.
	LatestGeneration(ctx context.Context, conversationID uuid.UUID) (*Generation, error)
}
