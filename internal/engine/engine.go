// Package engine wires the conversation-side pieces together: one stream
// session per mounted conversation, the history pager it revalidates on
// finish, the navigation state machine, and the resume check on mount.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/sowankispassah/khasigpt/internal/chat"
	"github.com/sowankispassah/khasigpt/internal/history"
	"github.com/sowankispassah/khasigpt/internal/log"
	"github.com/sowankispassah/khasigpt/internal/nav"
	"github.com/sowankispassah/khasigpt/internal/scheduler"
	"github.com/sowankispassah/khasigpt/internal/stream"
)

// NewConversationRoute is the navigation target of a quota rollback.
const NewConversationRoute = "/"

// Config configures an Engine.
type Config struct {
	Source stream.Source
	Pager  *history.Pager
	Logger log.Logger

	// Nav is the navigation machine. Nil creates one with defaults.
	Nav *nav.Machine

	// Scheduler defers the post-generation history revalidation to an
	// idle moment. Nil runs it immediately.
	Scheduler scheduler.Scheduler

	// Profile and Visibility are attached to every generation request.
	Profile    string
	Visibility string

	// Limiter optionally rate-limits submissions across conversations.
	Limiter *rate.Limiter

	// ResumeWait bounds the mount-time reattach check.
	ResumeWait time.Duration

	// OnClearInput is invoked when a failure requires discarding pending
	// input (quota recovery). Optional.
	OnClearInput func()
}

// Engine coordinates one mounted conversation at a time. All methods are
// safe for concurrent use.
type Engine struct {
	source       stream.Source
	pager        *history.Pager
	nav          *nav.Machine
	sched        scheduler.Scheduler
	logger       log.Logger
	profile      string
	visibility   string
	limiter      *rate.Limiter
	resumeWait   time.Duration
	onClearInput func()

	mu        sync.Mutex
	session   *stream.Session
	unsubs    []func()
	cancelRev func()
}

// New creates an Engine.
func New(cfg Config) (*Engine, error) {
	if cfg.Source == nil {
		return nil, fmt.Errorf("engine: source is required")
	}
	if cfg.Pager == nil {
		return nil, fmt.Errorf("engine: pager is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	machine := cfg.Nav
	if machine == nil {
		machine = nav.New()
	}

	return &Engine{
		source:       cfg.Source,
		pager:        cfg.Pager,
		nav:          machine,
		sched:        cfg.Scheduler,
		logger:       logger,
		profile:      cfg.Profile,
		visibility:   cfg.Visibility,
		limiter:      cfg.Limiter,
		resumeWait:   cfg.ResumeWait,
		onClearInput: cfg.OnClearInput,
	}, nil
}

// Mount opens a session for the conversation, replacing any previous
// one, and runs the at-most-once resume check. messages seeds the
// session with the last known server state; resume enables the reattach
// check.
func (e *Engine) Mount(ctx context.Context, conversationID string, messages []chat.Message, resume bool) (*stream.Session, error) {
	session, err := stream.NewSession(stream.Config{
		ConversationID: conversationID,
		Source:         e.source,
		Logger:         e.logger,
		Profile:        e.profile,
		Visibility:     e.visibility,
		Messages:       messages,
		OnFinish:       e.onGenerationFinish,
		Limiter:        e.limiter,
		ResumeWait:     e.resumeWait,
	})
	if err != nil {
		return nil, err
	}

	unsub := session.Subscribe(e.onSessionUpdate)

	e.mu.Lock()
	e.retireLocked()
	e.session = session
	e.unsubs = append(e.unsubs, unsub)
	e.mu.Unlock()

	e.nav.SetVisible(conversationID)

	if session.MaybeResume(ctx, resume) {
		e.logger.Info("reattached to in-flight generation",
			"conversation_id", conversationID)
	}

	return session, nil
}

// Unmount stops the in-flight generation of the current session, if any,
// and detaches it.
func (e *Engine) Unmount() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.retireLocked()
	e.session = nil
}

// Session returns the currently mounted session, nil when none.
func (e *Engine) Session() *stream.Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session
}

// Navigate requests navigation to target through the state machine.
func (e *Engine) Navigate(target string) bool {
	return e.nav.Request(target)
}

// Nav exposes the navigation machine.
func (e *Engine) Nav() *nav.Machine {
	return e.nav
}

// onGenerationFinish schedules a coalesced history revalidation so a
// fresh conversation shows up in the sidebar without blocking the stream
// path.
func (e *Engine) onGenerationFinish(conversationID string) {
	run := func() {
		e.pager.Revalidate(context.Background())
	}

	if e.sched == nil {
		run()
		return
	}

	e.mu.Lock()
	if e.cancelRev != nil {
		e.cancelRev()
	}
	e.cancelRev = e.sched.RunWhenIdle(run)
	e.mu.Unlock()
}

// onSessionUpdate reacts to the recovery flags of a failed generation.
func (e *Engine) onSessionUpdate(u stream.Update) {
	if u.ClearInput && e.onClearInput != nil {
		e.onClearInput()
	}
	if u.RouteReset {
		e.nav.Request(NewConversationRoute)
	}
}

// retireLocked stops and detaches the current session.
func (e *Engine) retireLocked() {
	if e.session != nil {
		e.session.Stop()
	}
	for _, unsub := range e.unsubs {
		unsub()
	}
	e.unsubs = nil
	if e.cancelRev != nil {
		e.cancelRev()
		e.cancelRev = nil
	}
}
