package scheduler

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestManualRunsOnlyOnFlush(t *testing.T) {
	m := NewManual()

	var ran atomic.Int32
	m.RunWhenIdle(func() { ran.Add(1) })
	m.RunWhenIdle(func() { ran.Add(1) })

	if got := ran.Load(); got != 0 {
		t.Fatalf("work ran before Flush: %d", got)
	}
	if m.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", m.Len())
	}

	m.Flush()
	if got := ran.Load(); got != 2 {
		t.Errorf("after Flush ran = %d, want 2", got)
	}
	if m.Len() != 0 {
		t.Errorf("Len() after Flush = %d, want 0", m.Len())
	}
}

func TestManualCancelRemovesWork(t *testing.T) {
	m := NewManual()

	var ran atomic.Int32
	cancel := m.RunWhenIdle(func() { ran.Add(1) })
	m.RunWhenIdle(func() { ran.Add(1) })

	cancel()
	m.Flush()

	if got := ran.Load(); got != 1 {
		t.Errorf("ran = %d, want 1 (canceled work must not run)", got)
	}
}

func TestManualFlushPreservesScheduleOrder(t *testing.T) {
	m := NewManual()

	var order []int
	m.RunWhenIdle(func() { order = append(order, 1) })
	m.RunWhenIdle(func() { order = append(order, 2) })
	m.RunWhenIdle(func() { order = append(order, 3) })

	m.Flush()

	for i, want := range []int{1, 2, 3} {
		if order[i] != want {
			t.Fatalf("order = %v, want [1 2 3]", order)
		}
	}
}

func TestTimerRunsAfterDelay(t *testing.T) {
	s := NewTimer(time.Millisecond)

	done := make(chan struct{})
	s.RunWhenIdle(func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduled work never ran")
	}
}

func TestTimerCancelPreventsRun(t *testing.T) {
	s := NewTimer(50 * time.Millisecond)

	var ran atomic.Bool
	cancel := s.RunWhenIdle(func() { ran.Store(true) })
	cancel()

	time.Sleep(100 * time.Millisecond)
	if ran.Load() {
		t.Error("canceled work still ran")
	}
}
