// Package scheduler provides the deferred-work abstraction used for
// preloading: run a function once the system is idle, with explicit
// cancellation. Having it behind an interface keeps deferral mockable
// and deterministic in tests.
package scheduler

import (
	"sync"
	"time"
)

// Scheduler defers work until an idle moment.
type Scheduler interface {
	// RunWhenIdle schedules fn and returns a cancel function. Cancel is
	// a no-op once fn has started.
	RunWhenIdle(fn func()) (cancel func())
}

// Timer defers work by a fixed delay, approximating "idle" without any
// platform callback. The zero delay runs work on the next timer tick.
type Timer struct {
	delay time.Duration
}

// NewTimer creates a Timer scheduler with the given idle delay.
func NewTimer(delay time.Duration) *Timer {
	return &Timer{delay: delay}
}

// RunWhenIdle implements Scheduler.
func (t *Timer) RunWhenIdle(fn func()) func() {
	timer := time.AfterFunc(t.delay, fn)
	return func() { timer.Stop() }
}

// Manual is a test scheduler: scheduled work runs only when Flush is
// called, so tests control exactly when "idle" happens.
type Manual struct {
	mu    sync.Mutex
	next  int
	queue map[int]func()
}

// NewManual creates an empty Manual scheduler.
func NewManual() *Manual {
	return &Manual{queue: make(map[int]func())}
}

// RunWhenIdle implements Scheduler.
func (m *Manual) RunWhenIdle(fn func()) func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.next
	m.next++
	m.queue[id] = fn

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.queue, id)
	}
}

// Flush runs all scheduled work in schedule order and clears the queue.
func (m *Manual) Flush() {
	m.mu.Lock()
	fns := make([]func(), 0, len(m.queue))
	for id := 0; id < m.next; id++ {
		if fn, ok := m.queue[id]; ok {
			fns = append(fns, fn)
		}
	}
	m.queue = make(map[int]func())
	m.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

// Len reports how many callbacks are waiting.
func (m *Manual) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}
