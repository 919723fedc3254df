package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/sowankispassah/khasigpt/internal/chat"
	"github.com/sowankispassah/khasigpt/internal/classify"
	"github.com/sowankispassah/khasigpt/internal/log"
)

// DefaultResumeWait bounds the reattach check so it never blocks initial
// render indefinitely.
const DefaultResumeWait = 5 * time.Second

// Config configures a Session. One Session is created per mounted
// conversation.
type Config struct {
	ConversationID string
	Source         Source
	Logger         log.Logger

	// Profile and Visibility are attached to every generation request.
	Profile    string
	Visibility string

	// Messages seeds the session with the last known conversation state.
	Messages []chat.Message

	// OnFinish runs after a generation completes, with the conversation
	// id. Wired to the history pager's coalesced revalidation.
	OnFinish func(conversationID string)

	// Limiter optionally rate-limits submissions. Nil disables.
	Limiter *rate.Limiter

	// ResumeWait bounds the reattach check. Zero uses DefaultResumeWait.
	ResumeWait time.Duration

	// NewID generates assistant message ids. Nil uses uuid.NewString.
	NewID func() string
}

// Update is the event emitted to subscribers on every state change.
type Update struct {
	Status   Status
	Messages []chat.Message

	// Failure is set while Status is error.
	Failure *classify.Classification

	// RouteReset signals that a quota failure rolled back the first and
	// only message: the UI should reset to a fresh conversation route.
	RouteReset bool

	// ClearInput signals that pending input and attachments must be
	// discarded (quota recovery).
	ClearInput bool
}

// Session is the per-conversation stream transport. Safe for concurrent
// use; fragments are applied from a single reader goroutine in arrival
// order.
type Session struct {
	conversationID string
	source         Source
	logger         log.Logger
	profile        string
	visibility     string
	onFinish       func(string)
	limiter        *rate.Limiter
	resumeWait     time.Duration
	newID          func() string

	mu       sync.Mutex
	status   Status
	messages []chat.Message
	failure  *classify.Classification

	stopping bool
	cancel   context.CancelFunc
	done     chan struct{}

	resumeAttempted bool

	subs    map[int]func(Update)
	nextSub int
}

// NewSession creates an idle session.
func NewSession(cfg Config) (*Session, error) {
	if cfg.Source == nil {
		return nil, fmt.Errorf("stream: source is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	newID := cfg.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	resumeWait := cfg.ResumeWait
	if resumeWait <= 0 {
		resumeWait = DefaultResumeWait
	}

	messages := make([]chat.Message, len(cfg.Messages))
	copy(messages, cfg.Messages)

	return &Session{
		conversationID: cfg.ConversationID,
		source:         cfg.Source,
		logger:         logger,
		profile:        cfg.Profile,
		visibility:     cfg.Visibility,
		onFinish:       cfg.OnFinish,
		limiter:        cfg.Limiter,
		resumeWait:     resumeWait,
		newID:          newID,
		status:         StatusIdle,
		messages:       messages,
		subs:           make(map[int]func(Update)),
	}, nil
}

// Submit sends one user message and starts streaming the assistant
// response. Returns ErrSessionBusy while a generation is in flight and a
// classify.ValidationError for structurally invalid input; neither
// changes session state.
func (s *Session) Submit(ctx context.Context, msg chat.Message) error {
	if err := msg.Validate(); err != nil {
		return fmt.Errorf("stream: %w", &classify.ValidationError{
			Field:  "message",
			Reason: err.Error(),
		})
	}
	if msg.ID == "" {
		msg.ID = s.newID()
	}
	msg.Role = chat.RoleUser

	s.mu.Lock()
	if !s.status.Terminal() {
		s.mu.Unlock()
		return ErrSessionBusy
	}

	priorCount := len(s.messages)
	s.messages = append(s.messages, msg)
	s.status = StatusSubmitted
	s.failure = nil
	s.stopping = false

	streamCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()

	s.emit(Update{})

	req := Request{
		ConversationID: s.conversationID,
		Message:        msg,
		Profile:        s.profile,
		Visibility:     s.visibility,
	}

	go func() {
		defer close(done)

		if s.limiter != nil {
			if err := s.limiter.Wait(streamCtx); err != nil {
				s.finishWithError(fmt.Errorf("rate limit wait: %w", err), priorCount)
				return
			}
		}

		fs, err := s.source.Open(streamCtx, req)
		if err != nil {
			s.finishWithError(err, priorCount)
			return
		}

		s.setStatus(StatusStreaming)
		s.consume(fs, priorCount)
	}()

	return nil
}

// Stop aborts the in-flight generation. Not an error: the session
// finalizes ready with whatever content was accumulated.
func (s *Session) Stop() {
	s.mu.Lock()
	if s.status.Terminal() || s.cancel == nil {
		s.mu.Unlock()
		return
	}
	s.stopping = true
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
}

// consume applies fragments in arrival order until finish, close, or
// failure.
func (s *Session) consume(fs FragmentStream, priorCount int) {
	defer func() {
		if err := fs.Close(); err != nil {
			s.logger.Debug("closing fragment stream", "error", err)
		}
	}()

	acc := chat.NewAccumulator(s.newID())
	appended := false

	for {
		frag, err := fs.Next()
		if err != nil {
			s.finishWithError(err, priorCount)
			return
		}

		if err := acc.Apply(frag); err != nil {
			s.finishWithError(err, priorCount)
			return
		}

		if frag.Type == chat.FragmentFinish {
			s.finalize(acc, appended)
			return
		}

		s.mu.Lock()
		snapshot := acc.Message()
		if appended {
			s.messages[len(s.messages)-1] = snapshot
		} else {
			s.messages = append(s.messages, snapshot)
			appended = true
		}
		s.mu.Unlock()

		s.emit(Update{})
	}
}

// finalize completes a successful generation.
func (s *Session) finalize(acc *chat.Accumulator, appended bool) {
	s.mu.Lock()
	if appended {
		s.messages[len(s.messages)-1] = acc.Message()
	} else if msg := acc.Message(); len(msg.Parts) > 0 {
		s.messages = append(s.messages, msg)
	}
	s.status = StatusReady
	s.cancel = nil
	s.mu.Unlock()

	s.emit(Update{})

	if s.onFinish != nil {
		s.onFinish(s.conversationID)
	}
}

// finishWithError finalizes an interrupted generation. Aborts (Stop or
// context cancellation) are not errors: the session goes ready keeping
// partial content. Everything else passes through the classifier, which
// decides rollback and the user-facing recovery.
func (s *Session) finishWithError(err error, priorCount int) {
	s.mu.Lock()
	aborted := s.stopping || errors.Is(err, context.Canceled)

	if aborted || errors.Is(err, io.EOF) {
		s.status = StatusReady
		s.cancel = nil
		s.mu.Unlock()
		s.logger.Debug("stream closed without finish, keeping partial content",
			"conversation_id", s.conversationID, "aborted", aborted)
		s.emit(Update{})
		return
	}

	cls := classify.Classify(err)

	var routeReset, clearInput bool
	switch cls.Kind {
	case classify.KindNone:
		// Swallowed: no user-visible noise, partial content kept.
		s.status = StatusReady
		s.cancel = nil
		s.mu.Unlock()
		s.emit(Update{})
		return

	case classify.KindQuotaExhausted:
		clearInput = true
		if priorCount == 0 {
			// The rejected message was the first of the conversation:
			// roll it back (and any partial assistant output) and point
			// the UI at a fresh conversation.
			s.messages = s.messages[:0]
			routeReset = true
		} else {
			// Established conversation: messages stay put.
			s.messages = s.messages[:priorCount+1]
		}

	default:
		// Gateway misconfiguration, validation, unknown: no rollback.
	}

	s.status = StatusError
	s.failure = &cls
	s.cancel = nil
	s.mu.Unlock()

	s.logger.Warn("generation failed",
		"conversation_id", s.conversationID,
		"kind", cls.Kind.String(),
		"error", err)

	s.emit(Update{RouteReset: routeReset, ClearInput: clearInput})
}

// setStatus transitions status and notifies.
func (s *Session) setStatus(status Status) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
	s.emit(Update{})
}

// emit snapshots state under the lock and notifies subscribers outside it.
// The Status/Messages/Failure fields of the template are overwritten by
// the snapshot; flag fields pass through.
func (s *Session) emit(template Update) {
	s.mu.Lock()
	template.Status = s.status
	template.Failure = s.failure
	template.Messages = make([]chat.Message, len(s.messages))
	for i, m := range s.messages {
		template.Messages[i] = m.Clone()
	}
	subs := make([]func(Update), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.mu.Unlock()

	for _, fn := range subs {
		fn(template)
	}
}

// Subscribe registers fn for every state change. Returns an unsubscribe
// function.
func (s *Session) Subscribe(fn func(Update)) func() {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

// Status returns the current session status.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Messages returns a copy of the conversation as the session sees it.
func (s *Session) Messages() []chat.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]chat.Message, len(s.messages))
	for i, m := range s.messages {
		out[i] = m.Clone()
	}
	return out
}

// Failure returns the classification of the last failure, nil outside
// the error state.
func (s *Session) Failure() *classify.Classification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failure
}

// Wait blocks until the in-flight generation reaches a terminal status,
// or ctx is done. Immediately returns when nothing is in flight.
func (s *Session) Wait(ctx context.Context) error {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()

	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stream: wait: %w", ctx.Err())
	}
}
