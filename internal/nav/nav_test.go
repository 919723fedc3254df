package nav

import (
	"testing"
	"time"
)

// fakeClock is a manually advanced time source.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestMachine() (*Machine, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	return New(WithClock(clock.now)), clock
}

func TestRequestEntersPending(t *testing.T) {
	m, clock := newTestMachine()
	m.SetVisible("conv-a")

	if !m.Request("conv-b") {
		t.Fatal("Request(conv-b) = false, want new pending transition")
	}

	p, ok := m.Pending()
	if !ok {
		t.Fatal("Pending() = none, want pending")
	}
	if p.Target != "conv-b" {
		t.Errorf("Target = %q, want conv-b", p.Target)
	}
	if !p.Deadline.Equal(clock.t.Add(DefaultDeadline)) {
		t.Errorf("Deadline = %v, want start + default deadline", p.Deadline)
	}
}

func TestRequestVisibleConversationIsNoOp(t *testing.T) {
	m, _ := newTestMachine()
	m.SetVisible("conv-a")

	if m.Request("conv-a") {
		t.Error("Request(visible) = true, want immediate resolution without pending")
	}
	if _, ok := m.Pending(); ok {
		t.Error("Pending() after requesting visible conversation, want idle")
	}
}

func TestRepeatRequestSameTargetIsNoOp(t *testing.T) {
	m, clock := newTestMachine()
	m.SetVisible("conv-a")

	m.Request("conv-b")
	first, _ := m.Pending()

	clock.advance(time.Second)
	if m.Request("conv-b") {
		t.Error("second Request(conv-b) = true, want no-op")
	}

	p, _ := m.Pending()
	if !p.StartedAt.Equal(first.StartedAt) {
		t.Error("repeat request restarted the pending transition")
	}
}

func TestSetVisibleResolvesPending(t *testing.T) {
	m, _ := newTestMachine()
	m.SetVisible("conv-a")
	m.Request("conv-b")

	m.SetVisible("conv-b")

	if _, ok := m.Pending(); ok {
		t.Error("Pending() after target became visible, want idle")
	}
	if m.Visible() != "conv-b" {
		t.Errorf("Visible() = %q, want conv-b", m.Visible())
	}
}

func TestSetVisibleOtherConversationKeepsPending(t *testing.T) {
	m, _ := newTestMachine()
	m.Request("conv-b")

	m.SetVisible("conv-c")

	if _, ok := m.Pending(); !ok {
		t.Error("Pending() resolved by unrelated conversation")
	}
}

func TestDeadlineForcesIdle(t *testing.T) {
	m, clock := newTestMachine()
	m.Request("conv-b")

	clock.advance(DefaultDeadline + time.Millisecond)

	if _, ok := m.Pending(); ok {
		t.Error("Pending() past deadline, want forced idle")
	}

	// A new request after expiry starts a fresh transition.
	if !m.Request("conv-b") {
		t.Error("Request after expiry = false, want new pending")
	}
}

func TestNewTargetReplacesPending(t *testing.T) {
	m, _ := newTestMachine()
	m.Request("conv-b")

	if !m.Request("conv-c") {
		t.Fatal("Request(conv-c) = false, want replacement transition")
	}
	p, _ := m.Pending()
	if p.Target != "conv-c" {
		t.Errorf("Target = %q, want conv-c", p.Target)
	}
}
