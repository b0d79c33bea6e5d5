package alarm

import (
	"io"
	"sync"
	"time"

	"reviewguard/internal/timer"
)

// Nop is a silent Device.
type Nop struct{}

func (Nop) Start() error { return nil }
func (Nop) Stop() error  { return nil }

// TerminalBell writes BEL to W once per Interval while playing.
type TerminalBell struct {
	W        io.Writer
	Sched    timer.Scheduler
	Interval time.Duration // default 1s

	mu   sync.Mutex
	ring timer.Handle
}

const bel = "\a"

func (b *TerminalBell) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ring != nil {
		b.ring.Stop()
		b.ring = nil
	}
	if _, err := io.WriteString(b.W, bel); err != nil {
		return err
	}
	iv := b.Interval
	if iv <= 0 {
		iv = time.Second
	}
	if b.Sched != nil {
		b.ring = b.Sched.Every("alarm.bell", iv, func() { _, _ = io.WriteString(b.W, bel) })
	}
	return nil
}

func (b *TerminalBell) Stop() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ring != nil {
		b.ring.Stop()
		b.ring = nil
	}
	return nil
}
