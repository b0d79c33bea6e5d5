// Package timertest provides a manually advanced Scheduler for tests.
package timertest

import (
	"sort"
	"sync"
	"time"

	"reviewguard/internal/timer"
)

// Manual is a deterministic timer.Scheduler. Time only moves on Advance/Set;
// due tasks run synchronously on the caller's goroutine in due order.
type Manual struct {
	mu    sync.Mutex
	now   time.Time
	seq   int
	tasks map[int]*task
}

type task struct {
	id    int
	name  string
	next  time.Time
	every time.Duration
	fn    func()
}

var _ timer.Scheduler = (*Manual)(nil)

func New(now time.Time) *Manual {
	return &Manual{now: now, tasks: map[int]*task{}}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Manual) Every(name string, d time.Duration, fn func()) timer.Handle {
	return m.add(name, d, d, fn)
}

func (m *Manual) After(d time.Duration, fn func()) timer.Handle {
	return m.add("after", d, 0, fn)
}

func (m *Manual) add(name string, d, every time.Duration, fn func()) timer.Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	t := &task{id: m.seq, name: name, next: m.now.Add(d), every: every, fn: fn}
	m.tasks[t.id] = t
	return &handle{m: m, id: t.id}
}

// Active reports how many tasks are scheduled (not stopped, not fired once-tasks).
func (m *Manual) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tasks)
}

// ActiveNamed counts scheduled tasks with the given name.
func (m *Manual) ActiveNamed(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.tasks {
		if t.name == name {
			n++
		}
	}
	return n
}

// Advance moves time forward by d, firing every task that comes due.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	target := m.now.Add(d)
	m.mu.Unlock()
	m.runUntil(target)
}

func (m *Manual) runUntil(target time.Time) {
	for {
		m.mu.Lock()
		due := make([]*task, 0, len(m.tasks))
		for _, t := range m.tasks {
			if !t.next.After(target) {
				due = append(due, t)
			}
		}
		if len(due) == 0 {
			m.now = target
			m.mu.Unlock()
			return
		}
		sort.Slice(due, func(i, j int) bool {
			if !due[i].next.Equal(due[j].next) {
				return due[i].next.Before(due[j].next)
			}
			return due[i].id < due[j].id
		})
		t := due[0]
		m.now = t.next
		if t.every > 0 {
			t.next = t.next.Add(t.every)
		} else {
			delete(m.tasks, t.id)
		}
		fn := t.fn
		m.mu.Unlock()

		fn()
	}
}

type handle struct {
	m  *Manual
	id int
}

func (h *handle) Stop() {
	h.m.mu.Lock()
	delete(h.m.tasks, h.id)
	h.m.mu.Unlock()
}
