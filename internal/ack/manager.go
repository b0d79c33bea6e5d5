// Package ack owns the acknowledgment session: at most one open prompt,
// escalated with chat reminders and an alarm until confirmed or closed.
package ack

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"reviewguard/internal/eventbus"
	"reviewguard/internal/metrics"
	"reviewguard/internal/rules"
	"reviewguard/internal/timer"
	"reviewguard/internal/webhook"
	logx "reviewguard/pkg/logx"
)

// Notifier delivers reminders without blocking. *webhook.Client satisfies it.
type Notifier interface {
	Dispatch(url string, msg webhook.Message, done func(error))
}

// Alarm is the audible alert. *alarm.Controller satisfies it.
type Alarm interface {
	Play(d time.Duration)
	Stop()
}

// RulesSource yields the latest shared rules on every call.
type RulesSource interface {
	Rules() *rules.Rules
}

type Deps struct {
	Sched  timer.Scheduler
	Notify Notifier
	Alarm  Alarm
	Rules  RulesSource
	Bus    eventbus.Bus
	Log    logx.Logger
}

type Manager struct {
	sched  timer.Scheduler
	notify Notifier
	alarm  Alarm
	rules  RulesSource
	bus    eventbus.Bus
	log    logx.Logger

	// mu serializes ticks with Observe, Confirm and Close.
	mu     sync.Mutex
	prefs  Prefs
	cur    *Session // last session; open only when cur.State == Open
	ticker timer.Handle
}

func NewManager(d Deps, prefs Prefs) *Manager {
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	return &Manager{
		sched:  d.Sched,
		notify: d.Notify,
		alarm:  d.Alarm,
		rules:  d.Rules,
		bus:    d.Bus,
		log:    d.Log,
		prefs:  prefs.withDefaults(),
	}
}

// Apply swaps preferences. The new thresholds apply from the next tick; an
// open session gains a ticker if escalation just became possible, and is
// re-armed when the tick interval changed.
func (m *Manager) Apply(p Prefs) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev := m.prefs.Tick
	m.prefs = p.withDefaults()
	m.armLocked(prev != m.prefs.Tick)
}

// Rearm starts escalation for the open session when the latest rules now
// carry a reminder webhook. Call it after the shared rules change.
func (m *Manager) Rearm() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.armLocked(false)
}

func (m *Manager) Prefs() Prefs {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.prefs
}

// Observe tears down any open session, then opens one for item when the
// prompting subset of labels is non-empty, or the alarm mode is "always"
// and the item was classified at all. It returns the new session, or nil.
func (m *Manager) Observe(item rules.Item, labels rules.Set) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.endLocked(Closed, "superseded")

	prompt := rules.Filter(labels, m.prefs.PromptLabels)
	if labels.Empty() || (prompt.Empty() && m.prefs.Alarm != AlarmAlways) {
		return nil
	}

	now := m.now()
	s := &Session{
		ID:             uuid.NewString(),
		Item:           item,
		Labels:         prompt,
		AllLabels:      labels,
		OpenedAt:       now,
		LastEscalation: now,
		State:          Open,
		m:              m,
	}
	m.cur = s
	m.armLocked(false)

	metrics.Sessions.WithLabelValues("opened").Inc()
	metrics.SessionOpen.Set(1)
	m.publishLocked(eventbus.SessionOpened, s, "")
	m.log.Info("session opened",
		logx.String("session", s.ID),
		logx.String("item", item.ID),
		logx.Strings("labels", s.Labels.DisplayNames()),
		logx.Bool("escalation", m.ticker != nil),
	)
	return s.copy()
}

// Confirm acknowledges the open session. Idempotent.
func (m *Manager) Confirm() bool { return m.confirm("") }

func (m *Manager) confirm(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cur == nil || m.cur.State != Open || (id != "" && m.cur.ID != id) {
		return false
	}
	m.endLocked(Confirmed, "")
	return true
}

// Close ends the open session without confirming. Idempotent.
func (m *Manager) Close(reason string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cur == nil || m.cur.State != Open {
		return false
	}
	m.endLocked(Closed, reason)
	return true
}

// Finish closes the session for itemID if it is open and returns the last
// session seen for that item, for auditing a completed submission.
func (m *Manager) Finish(itemID, reason string) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cur == nil || m.cur.Item.ID != itemID {
		return Session{}, false
	}
	if m.cur.State == Open {
		m.endLocked(Closed, reason)
	}
	return *m.cur.copy(), true
}

// Current returns a copy of the open session.
func (m *Manager) Current() (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cur == nil || m.cur.State != Open {
		return nil, false
	}
	return m.cur.copy(), true
}

// armLocked starts the escalation ticker for the open session when a reminder
// webhook or the alarm can fire. restart replaces a running ticker.
func (m *Manager) armLocked(restart bool) {
	s := m.cur
	if s == nil || s.State != Open || m.sched == nil {
		return
	}
	if m.ticker != nil && !restart {
		return
	}
	reminder := m.currentRules().ReminderURL != "" && m.notify != nil
	alarmOn := m.prefs.Alarm != AlarmOff && m.alarm != nil
	if !reminder && !alarmOn {
		return
	}
	if m.ticker != nil {
		m.ticker.Stop()
	}
	id := s.ID
	m.ticker = m.sched.Every("ack.escalate", m.prefs.Tick, func() { m.tick(id) })
}

func (m *Manager) tick(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.cur
	if s == nil || s.ID != id || s.State != Open {
		return
	}
	now := m.now()
	if now.Sub(s.LastEscalation) < m.prefs.EscalateAfter {
		return
	}
	s.LastEscalation = now
	s.Escalations++

	r := m.currentRules()
	if r.ReminderURL != "" && m.notify != nil {
		msg := webhook.Message{Content: reminderText(now, s)}
		if contact, ok := r.Contact(s.Item.Handler); ok && contact != "" {
			msg.Mentions = []string{contact}
		}
		sid, log, bus := s.ID, m.log, m.bus
		m.notify.Dispatch(r.ReminderURL, msg, func(err error) {
			ev := eventbus.ReminderEvent{SessionID: sid}
			typ := eventbus.ReminderSent
			if err != nil {
				log.Warn("reminder failed", logx.String("session", sid), logx.Err(err))
				ev.Error = err.Error()
				typ = eventbus.ReminderFailed
			}
			if bus != nil {
				bus.Publish(eventbus.Event{Type: typ, Data: ev})
			}
		})
	}
	if m.prefs.Alarm != AlarmOff && m.alarm != nil {
		m.alarm.Play(m.prefs.AlarmDuration)
	}

	metrics.Sessions.WithLabelValues("escalated").Inc()
	m.publishLocked(eventbus.SessionEscalated, s, "")
	m.log.Info("session escalated", logx.String("session", s.ID), logx.Int("escalations", s.Escalations))
}

// endLocked tears down the open session (timer, alarm) and records the
// final state. No-op when nothing is open.
func (m *Manager) endLocked(final State, reason string) {
	if m.ticker != nil {
		m.ticker.Stop()
		m.ticker = nil
	}
	s := m.cur
	if s == nil || s.State != Open {
		return
	}
	if m.alarm != nil {
		m.alarm.Stop()
	}
	s.State = final

	metrics.SessionOpen.Set(0)
	typ := eventbus.SessionClosed
	if final == Confirmed {
		typ = eventbus.SessionConfirmed
		metrics.Sessions.WithLabelValues("confirmed").Inc()
	} else {
		metrics.Sessions.WithLabelValues("closed").Inc()
	}
	m.publishLocked(typ, s, reason)
	m.log.Info("session "+final.String(), logx.String("session", s.ID), logx.String("reason", reason), logx.Int("escalations", s.Escalations))
}

func (m *Manager) publishLocked(typ string, s *Session, reason string) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(eventbus.Event{Type: typ, Data: eventbus.SessionEvent{
		SessionID:   s.ID,
		ItemID:      s.Item.ID,
		Labels:      s.Labels.DisplayNames(),
		Escalations: s.Escalations,
		Reason:      reason,
		At:          m.now(),
	}})
}

func (m *Manager) currentRules() *rules.Rules {
	if m.rules == nil {
		return &rules.Rules{}
	}
	if r := m.rules.Rules(); r != nil {
		return r
	}
	return &rules.Rules{}
}

func (m *Manager) now() time.Time {
	if m.sched != nil {
		return m.sched.Now()
	}
	return time.Now()
}

func (s *Session) copy() *Session {
	c := *s
	return &c
}
