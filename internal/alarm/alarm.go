// Package alarm sequences an audible alert over a Device.
//
// Play never stacks: a running tone is stopped before it is restarted.
// A positive duration schedules an auto-stop; zero loops until Stop.
package alarm

import (
	"sync"
	"time"

	"reviewguard/internal/timer"
	logx "reviewguard/pkg/logx"
)

// Device produces the tone. Implementations need not be idempotent;
// Controller only calls Stop after a successful Start.
type Device interface {
	Start() error
	Stop() error
}

type Controller struct {
	dev   Device
	sched timer.Scheduler
	log   logx.Logger

	mu       sync.Mutex
	playing  bool
	autoStop timer.Handle
	gen      uint64
	plays    uint64
}

func NewController(dev Device, sched timer.Scheduler, log logx.Logger) *Controller {
	if dev == nil {
		dev = Nop{}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Controller{dev: dev, sched: sched, log: log}
}

// Play (re)starts the tone. d > 0 stops it automatically after d.
func (c *Controller) Play(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stopLocked()
	if err := c.dev.Start(); err != nil {
		c.log.Warn("alarm start failed", logx.Err(err))
		return
	}
	c.playing = true
	c.plays++
	c.gen++
	if d > 0 && c.sched != nil {
		gen := c.gen
		c.autoStop = c.sched.After(d, func() { c.expire(gen) })
	}
	c.log.Debug("alarm playing", logx.Duration("duration", d))
}

// Stop halts playback and cancels any pending auto-stop. No-op when idle.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopLocked()
}

func (c *Controller) Playing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.playing
}

// Plays reports how many times playback has started.
func (c *Controller) Plays() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.plays
}

func (c *Controller) expire(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	// A newer Play owns the device now.
	if gen != c.gen {
		return
	}
	c.autoStop = nil
	c.stopLocked()
}

func (c *Controller) stopLocked() {
	if c.autoStop != nil {
		c.autoStop.Stop()
		c.autoStop = nil
	}
	if !c.playing {
		return
	}
	c.playing = false
	if err := c.dev.Stop(); err != nil {
		c.log.Warn("alarm stop failed", logx.Err(err))
	}
}
