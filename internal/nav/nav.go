// Package nav tracks "opening a conversation" as an explicit, cancellable
// state machine: idle -> pending -> idle.
//
// A pending transition carries the target conversation id and an explicit
// deadline; it resolves the instant the visible conversation equals the
// target and is force-expired at the deadline so a busy indicator can
// never stick forever.
package nav

import (
	"sync"
	"time"
)

// DefaultDeadline bounds how long a transition may stay pending.
const DefaultDeadline = 15 * time.Second

// Request is an outstanding transition to another conversation.
type Request struct {
	Target    string
	StartedAt time.Time
	Deadline  time.Time
}

// Machine is the navigation state machine. Safe for concurrent use.
type Machine struct {
	mu       sync.Mutex
	visible  string
	pending  *Request
	deadline time.Duration
	now      func() time.Time
}

// Option configures a Machine.
type Option func(*Machine)

// WithDeadline overrides the pending deadline.
func WithDeadline(d time.Duration) Option {
	return func(m *Machine) { m.deadline = d }
}

// WithClock injects the time source, for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

// New creates a Machine with no visible conversation.
func New(opts ...Option) *Machine {
	m := &Machine{
		deadline: DefaultDeadline,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Request asks to open the given conversation. Returns true when a new
// pending transition was started.
//
// Requesting the currently visible conversation resolves immediately
// without entering pending; repeating the target of an in-flight
// transition is a no-op.
func (m *Machine) Request(target string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked()

	if target == m.visible {
		m.pending = nil
		return false
	}
	if m.pending != nil && m.pending.Target == target {
		return false
	}

	started := m.now()
	m.pending = &Request{
		Target:    target,
		StartedAt: started,
		Deadline:  started.Add(m.deadline),
	}
	return true
}

// SetVisible records the conversation now on screen. The pending
// transition resolves the instant the visible id equals its target.
func (m *Machine) SetVisible(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.visible = id
	if m.pending != nil && m.pending.Target == id {
		m.pending = nil
	}
}

// Visible returns the conversation currently on screen.
func (m *Machine) Visible() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.visible
}

// Pending returns the outstanding transition, if any. A transition past
// its deadline is expired here, forcing the machine back to idle.
func (m *Machine) Pending() (Request, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked()

	if m.pending == nil {
		return Request{}, false
	}
	return *m.pending, true
}

// expireLocked drops a pending transition whose deadline has passed.
// Caller holds m.mu.
func (m *Machine) expireLocked() {
	if m.pending != nil && m.now().After(m.pending.Deadline) {
		m.pending = nil
	}
}
