package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sowankispassah/khasigpt/internal/chat"
)

// Memory is an in-process Store. It backs unit tests and lets the server
// run without PostgreSQL.
type Memory struct {
	mu            sync.Mutex
	conversations map[uuid.UUID]*Conversation
	messages      map[uuid.UUID][]Message
	votes         map[uuid.UUID]map[uuid.UUID]Vote
	generations   map[uuid.UUID][]*Generation
	now           func() time.Time
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		conversations: make(map[uuid.UUID]*Conversation),
		messages:      make(map[uuid.UUID][]Message),
		votes:         make(map[uuid.UUID]map[uuid.UUID]Vote),
		generations:   make(map[uuid.UUID][]*Generation),
		now:           time.Now,
	}
}

func (m *Memory) CreateConversation(_ context.Context, title, visibility, mode string) (*Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if mode == "" {
		mode = DefaultMode
	}
	now := m.now()
	c := &Conversation{
		ID:            uuid.New(),
		Title:         title,
		Visibility:    visibility,
		Mode:          mode,
		CreatedAt:     now,
		LastRepliedAt: now,
	}
	m.conversations[c.ID] = c

	cp := *c
	return &cp, nil
}

func (m *Memory) GetConversation(_ context.Context, id uuid.UUID) (*Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.conversations[id]
	if !ok {
		return nil, fmt.Errorf("store: conversation %s: %w", id, ErrNotFound)
	}
	cp := *c
	return &cp, nil
}

func (m *Memory) ListConversations(_ context.Context, limit int32, endingBefore uuid.UUID, mode string) ([]Conversation, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	all := make([]Conversation, 0, len(m.conversations))
	for _, c := range m.conversations {
		if mode != "" && c.Mode != mode {
			continue
		}
		all = append(all, *c)
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].ID.String() > all[j].ID.String()
	})

	start := 0
	if endingBefore != uuid.Nil {
		start = len(all)
		for i, c := range all {
			if c.ID == endingBefore {
				start = i + 1
				break
			}
		}
	}
	all = all[start:]

	hasMore := false
	if int32(len(all)) > limit {
		all = all[:limit]
		hasMore = true
	}
	return all, hasMore, nil
}

func (m *Memory) DeleteConversation(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.conversations[id]; !ok {
		return fmt.Errorf("store: conversation %s: %w", id, ErrNotFound)
	}
	delete(m.conversations, id)
	delete(m.messages, id)
	delete(m.votes, id)
	delete(m.generations, id)
	return nil
}

func (m *Memory) AppendMessages(_ context.Context, conversationID uuid.UUID, messages []Message) error {
	if len(messages) == 0 {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.conversations[conversationID]
	if !ok {
		return fmt.Errorf("store: conversation %s: %w", conversationID, ErrNotFound)
	}

	existing := m.messages[conversationID]
	var maxSeq int32
	if n := len(existing); n > 0 {
		maxSeq = existing[n-1].SequenceNumber
	}

	now := m.now()
	for i, msg := range messages {
		if msg.ID == uuid.Nil {
			msg.ID = uuid.New()
		}
		msg.ConversationID = conversationID
		msg.SequenceNumber = maxSeq + int32(i) + 1
		msg.CreatedAt = now
		msg.Parts = clonePartSlice(msg.Parts)
		existing = append(existing, msg)
	}
	m.messages[conversationID] = existing
	c.LastRepliedAt = now
	return nil
}

func (m *Memory) Messages(_ context.Context, conversationID uuid.UUID) ([]Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	msgs := m.messages[conversationID]
	out := make([]Message, len(msgs))
	for i, msg := range msgs {
		msg.Parts = clonePartSlice(msg.Parts)
		out[i] = msg
	}
	return out, nil
}

func (m *Memory) CountMessages(_ context.Context, conversationID uuid.UUID) (int32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int32(len(m.messages[conversationID])), nil
}

func (m *Memory) SetVote(_ context.Context, vote Vote) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	byMessage, ok := m.votes[vote.ConversationID]
	if !ok {
		byMessage = make(map[uuid.UUID]Vote)
		m.votes[vote.ConversationID] = byMessage
	}
	byMessage[vote.MessageID] = vote
	return nil
}

func (m *Memory) Votes(_ context.Context, conversationID uuid.UUID) ([]Vote, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	byMessage := m.votes[conversationID]
	out := make([]Vote, 0, len(byMessage))
	for _, v := range byMessage {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].MessageID.String() < out[j].MessageID.String()
	})
	return out, nil
}

func (m *Memory) StartGeneration(_ context.Context, conversationID uuid.UUID) (*Generation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	g := &Generation{
		ID:             uuid.New(),
		ConversationID: conversationID,
		CreatedAt:      m.now(),
	}
	m.generations[conversationID] = append(m.generations[conversationID], g)

	cp := *g
	return &cp, nil
}

func (m *Memory) AppendFragment(_ context.Context, generationID uuid.UUID, frag chat.Fragment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	g := m.findGenerationLocked(generationID)
	if g == nil {
		return fmt.Errorf("store: generation %s: %w", generationID, ErrNotFound)
	}
	g.Fragments = append(g.Fragments, frag)
	return nil
}

func (m *Memory) FinishGeneration(_ context.Context, generationID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	g := m.findGenerationLocked(generationID)
	if g == nil {
		return fmt.Errorf("store: generation %s: %w", generationID, ErrNotFound)
	}
	g.Done = true
	return nil
}

func (m *Memory) LatestGeneration(_ context.Context, conversationID uuid.UUID) (*Generation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	gens := m.generations[conversationID]
	if len(gens) == 0 {
		return nil, fmt.Errorf("store: generation for %s: %w", conversationID, ErrNotFound)
	}
	g := gens[len(gens)-1]

	cp := *g
	cp.Fragments = make([]chat.Fragment, len(g.Fragments))
	copy(cp.Fragments, g.Fragments)
	return &cp, nil
}

func (m *Memory) findGenerationLocked(generationID uuid.UUID) *Generation {
	for _, gens := range m.generations {
		for _, g := range gens {
			if g.ID == generationID {
				return g
			}
		}
	}
	return nil
}

func clonePartSlice(parts []chat.Part) []chat.Part {
	out := make([]chat.Part, len(parts))
	copy(out, parts)
	return out
}
