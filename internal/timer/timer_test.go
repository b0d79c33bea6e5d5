package timer_test

import (
	"testing"
	"time"

	"reviewguard/internal/timer"
	"reviewguard/internal/timer/timertest"
	logx "reviewguard/pkg/logx"
)

func TestCronHandlesStopIdempotently(t *testing.T) {
	t.Parallel()
	s := timer.NewCron(time.UTC, logx.Nop())
	h := s.Every("noop", time.Second, func() {})
	h.Stop()
	h.Stop()

	fired := make(chan struct{}, 1)
	a := s.After(time.Millisecond, func() { fired <- struct{}{} })
	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("After did not fire")
	}
	// Stopping after natural completion is a no-op.
	a.Stop()
	a.Stop()
}

func TestManualAdvanceFiresInOrder(t *testing.T) {
	t.Parallel()
	m := timertest.New(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	var got []string
	every := m.Every("tick", time.Second, func() { got = append(got, "tick") })
	m.After(1500*time.Millisecond, func() { got = append(got, "once") })

	m.Advance(2 * time.Second)
	want := []string{"tick", "once", "tick"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
	if m.Active() != 1 {
		t.Fatalf("active = %d, want 1", m.Active())
	}
	every.Stop()
	every.Stop()
	if m.Active() != 0 {
		t.Fatalf("active = %d, want 0", m.Active())
	}
}
