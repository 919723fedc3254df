// Package history fetches, merges, and orders paginated conversation
// summaries.
//
// Pages are cursor-keyed: page 0 has no cursor, page n asks for items
// "ending before" the last item id of page n-1. Pages may resolve out of
// request order; the merge step is order-independent and idempotent, so
// the merged list is deterministic regardless of network interleaving.
package history

import (
	"context"
	"errors"
	"time"
)

// Visibility of a conversation.
type Visibility string

// Valid visibility values.
const (
	VisibilityPrivate Visibility = "private"
	VisibilityPublic  Visibility = "public"
)

// ConversationSummary is one sidebar entry. The server is the source of
// truth; the client cache mirrors summaries but never originates them.
type ConversationSummary struct {
	ID            string     `json:"id"`
	Title         string     `json:"title"`
	Visibility    Visibility `json:"visibility"`
	Mode          string     `json:"mode,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	LastRepliedAt time.Time  `json:"lastRepliedAt"`
}

// Page is one fetched slice of history. HasMore=false terminates
// pagination regardless of remaining local state.
type Page struct {
	Items   []ConversationSummary `json:"items"`
	HasMore bool                  `json:"hasMore"`
}

// Vote is a read-only per-conversation annotation.
type Vote struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
	IsUpvoted      bool   `json:"isUpvoted"`
}

// Fetcher is the history endpoint surface the pager consumes.
// endingBefore is empty for page 0. mode optionally restricts listing to
// a topic/workspace without changing the cursor contract.
type Fetcher interface {
	Page(ctx context.Context, limit int, endingBefore, mode string) (Page, error)
	Delete(ctx context.Context, id string) error
	Votes(ctx context.Context, conversationID string) ([]Vote, error)
}

// ErrNoFetcher indicates the pager was constructed without a fetcher.
var ErrNoFetcher = errors.New("history: fetcher is required")
