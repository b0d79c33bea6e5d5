package alarm

import (
	"bytes"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"reviewguard/internal/timer/timertest"
	logx "reviewguard/pkg/logx"
)

type countingDevice struct {
	mu       sync.Mutex
	starts   int
	stops    int
	active   int
	maxAlive int
	failNext bool
}

func (d *countingDevice) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failNext {
		d.failNext = false
		return errors.New("no audio")
	}
	d.starts++
	d.active++
	if d.active > d.maxAlive {
		d.maxAlive = d.active
	}
	return nil
}

func (d *countingDevice) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stops++
	d.active--
	return nil
}

func TestPlayWithDurationAutoStops(t *testing.T) {
	t.Parallel()
	clk := timertest.New(time.Unix(0, 0))
	dev := &countingDevice{}
	c := NewController(dev, clk, logx.Nop())

	c.Play(5 * time.Second)
	if !c.Playing() {
		t.Fatalf("expected playing")
	}
	clk.Advance(4 * time.Second)
	if !c.Playing() {
		t.Fatalf("stopped too early")
	}
	clk.Advance(time.Second)
	if c.Playing() {
		t.Fatalf("expected auto-stop")
	}
	if dev.stops != 1 || clk.Active() != 0 {
		t.Fatalf("stops=%d active timers=%d", dev.stops, clk.Active())
	}
}

func TestPlayRestartsNeverStacks(t *testing.T) {
	t.Parallel()
	clk := timertest.New(time.Unix(0, 0))
	dev := &countingDevice{}
	c := NewController(dev, clk, logx.Nop())

	c.Play(5 * time.Second)
	clk.Advance(3 * time.Second)
	c.Play(5 * time.Second)
	if dev.maxAlive != 1 {
		t.Fatalf("tones stacked: %d", dev.maxAlive)
	}
	if clk.Active() != 1 {
		t.Fatalf("pending auto-stops = %d", clk.Active())
	}
	// The first auto-stop would have fired at t=5s.
	clk.Advance(3 * time.Second)
	if !c.Playing() {
		t.Fatalf("old auto-stop cut the new tone")
	}
	clk.Advance(2 * time.Second)
	if c.Playing() {
		t.Fatalf("expected stop at t=8s")
	}
}

func TestLoopUntilStopAndIdempotentStop(t *testing.T) {
	t.Parallel()
	clk := timertest.New(time.Unix(0, 0))
	dev := &countingDevice{}
	c := NewController(dev, clk, logx.Nop())

	c.Play(0)
	clk.Advance(time.Hour)
	if !c.Playing() {
		t.Fatalf("loop ended by itself")
	}
	c.Stop()
	c.Stop()
	if c.Playing() || dev.stops != 1 {
		t.Fatalf("playing=%v stops=%d", c.Playing(), dev.stops)
	}
}

func TestDeviceErrorIsSwallowed(t *testing.T) {
	t.Parallel()
	dev := &countingDevice{failNext: true}
	c := NewController(dev, timertest.New(time.Unix(0, 0)), logx.Nop())
	c.Play(time.Second)
	if c.Playing() {
		t.Fatalf("failed start must not report playing")
	}
	c.Stop()
	if dev.stops != 0 {
		t.Fatalf("stop called on a device that never started")
	}
}

func TestTerminalBellRingsEachInterval(t *testing.T) {
	t.Parallel()
	clk := timertest.New(time.Unix(0, 0))
	var buf bytes.Buffer
	bell := &TerminalBell{W: &buf, Sched: clk}
	c := NewController(bell, clk, logx.Nop())

	c.Play(2500 * time.Millisecond)
	clk.Advance(10 * time.Second)
	if got := strings.Count(buf.String(), "\a"); got != 3 {
		t.Fatalf("bells = %d, want 3", got)
	}
	if clk.Active() != 0 {
		t.Fatalf("bell ticker leaked")
	}
}
