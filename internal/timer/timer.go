// Package timer provides the clock and cancellable scheduled tasks used by
// escalation ticks, alarm auto-stop and periodic rule refresh.
//
// Every Handle.Stop is idempotent and safe to call after the task already
// fired.
package timer

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "reviewguard/pkg/logx"
)

type Clock interface {
	Now() time.Time
}

type Handle interface {
	Stop()
}

// Scheduler runs fn on a fixed interval (Every) or once after a delay (After).
type Scheduler interface {
	Clock
	Every(name string, d time.Duration, fn func()) Handle
	After(d time.Duration, fn func()) Handle
}

// Cron is the production Scheduler. Intervals run on a robfig/cron instance
// with panic recovery and overlap skipping; one-shot delays use time.AfterFunc.
//
// cron.Every has one-second resolution, so shorter intervals are rounded up.
type Cron struct {
	c   *cron.Cron
	loc *time.Location
	log logx.Logger

	mu      sync.Mutex
	started bool
}

func NewCron(loc *time.Location, log logx.Logger) *Cron {
	if loc == nil {
		loc = time.Local
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	cl := cronLogger{log: log}
	c := cron.New(
		cron.WithLocation(loc),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	return &Cron{c: c, loc: loc, log: log}
}

func (s *Cron) Now() time.Time { return time.Now().In(s.loc) }

func (s *Cron) Location() *time.Location { return s.loc }

func (s *Cron) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.c.Start()
}

// Stop halts the scheduler and waits for running jobs until ctx is done.
func (s *Cron) Stop(ctx context.Context) {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.mu.Unlock()

	done := s.c.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		s.log.Warn("scheduler stop timed out; jobs still running")
	}
}

func (s *Cron) Every(name string, d time.Duration, fn func()) Handle {
	if d < time.Second {
		d = time.Second
	}
	id := s.c.Schedule(cron.Every(d), cron.FuncJob(fn))
	s.log.Trace("interval scheduled", logx.String("name", name), logx.Duration("every", d), logx.Int("entry", int(id)))
	return &cronEntry{c: s.c, id: id}
}

func (s *Cron) After(d time.Duration, fn func()) Handle {
	return &afterFunc{t: time.AfterFunc(d, fn)}
}

type cronEntry struct {
	c    *cron.Cron
	id   cron.EntryID
	once sync.Once
}

func (e *cronEntry) Stop() {
	e.once.Do(func() { e.c.Remove(e.id) })
}

type afterFunc struct {
	t    *time.Timer
	once sync.Once
}

func (a *afterFunc) Stop() {
	a.once.Do(func() { a.t.Stop() })
}

// cronLogger adapts logx to cron.Logger.
type cronLogger struct {
	log logx.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Trace("cron: "+msg, kvFields(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error("cron: "+msg, append(kvFields(keysAndValues), logx.Err(err))...)
}

func kvFields(kv []interface{}) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			continue
		}
		out = append(out, logx.Any(k, kv[i+1]))
	}
	return out
}
