package stream

import (
	"context"
	"errors"
	"time"

	"github.com/sowankispassah/khasigpt/internal/chat"
)

// MaybeResume reattaches to a generation that was in flight (or completed
// undelivered) when the conversation mounted. It is attempted at most
// once per session, only when enabled, and only when the most recent
// message is from the user — the strongest signal that the assistant
// reply never arrived.
//
// The reattach check is bounded by the configured resume wait; on
// timeout, on any reattach failure, and on ErrNothingToResume the call
// is a silent no-op — it never re-submits the user's message and never
// duplicates an assistant message. Returns true when a stream was
// reattached and fragments are being applied.
func (s *Session) MaybeResume(ctx context.Context, enabled bool) bool {
	s.mu.Lock()
	if s.resumeAttempted {
		s.mu.Unlock()
		return false
	}
	s.resumeAttempted = true

	if !enabled || !s.status.Terminal() {
		s.mu.Unlock()
		return false
	}
	n := len(s.messages)
	if n == 0 || s.messages[n-1].Role != chat.RoleUser {
		s.mu.Unlock()
		return false
	}
	priorCount := n
	s.mu.Unlock()

	streamCtx, cancel := context.WithCancel(ctx)

	type opened struct {
		fs  FragmentStream
		err error
	}
	ch := make(chan opened, 1)
	go func() {
		fs, err := s.source.Resume(streamCtx, s.conversationID)
		ch <- opened{fs: fs, err: err}
	}()

	timer := time.NewTimer(s.resumeWait)
	defer timer.Stop()

	var result opened
	select {
	case result = <-ch:
	case <-timer.C:
		// Bounded wait expired: fall back to "no resume" so mount never
		// blocks on the reattach check.
		cancel()
		s.logger.Debug("resume check timed out", "conversation_id", s.conversationID)
		return false
	case <-ctx.Done():
		cancel()
		return false
	}

	if result.err != nil {
		cancel()
		if !errors.Is(result.err, ErrNothingToResume) {
			// Resume failures are swallowed to a plain "no resume".
			s.logger.Debug("resume check failed",
				"conversation_id", s.conversationID, "error", result.err)
		}
		return false
	}

	s.mu.Lock()
	if !s.status.Terminal() {
		// A submission raced us; never interleave two generations.
		s.mu.Unlock()
		cancel()
		_ = result.fs.Close()
		return false
	}
	s.status = StatusStreaming
	s.failure = nil
	s.stopping = false
	s.cancel = cancel
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()

	s.emit(Update{})

	go func() {
		defer close(done)
		s.consume(result.fs, priorCount)
	}()

	return true
}
