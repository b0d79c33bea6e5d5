package ack

import (
	"fmt"
	"strings"
	"time"

	"reviewguard/internal/rules"
)

type State uint8

const (
	Idle State = iota
	Open
	Confirmed
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Open:
		return "open"
	case Confirmed:
		return "confirmed"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(b []byte) error {
	for _, c := range []State{Idle, Open, Confirmed, Closed} {
		if c.String() == string(b) {
			*s = c
			return nil
		}
	}
	return fmt.Errorf("unknown session state %q", b)
}

// AlarmMode is the local alarm preference.
type AlarmMode string

const (
	AlarmOff    AlarmMode = "off"
	AlarmOn     AlarmMode = "on"
	AlarmAlways AlarmMode = "always"
)

func ParseAlarmMode(s string) (AlarmMode, error) {
	switch m := AlarmMode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return AlarmOn, nil
	case AlarmOff, AlarmOn, AlarmAlways:
		return m, nil
	default:
		return "", fmt.Errorf("unknown alarm mode %q", s)
	}
}

// Prefs are the local preferences the manager acts on.
type Prefs struct {
	PromptLabels  rules.Set // empty: every label prompts
	Alarm         AlarmMode
	AlarmDuration time.Duration // 0 loops until the session ends
	EscalateAfter time.Duration // default 20s
	Tick          time.Duration // default 1s
}

func (p Prefs) withDefaults() Prefs {
	if p.Alarm == "" {
		p.Alarm = AlarmOn
	}
	if p.EscalateAfter <= 0 {
		p.EscalateAfter = 20 * time.Second
	}
	if p.Tick <= 0 {
		p.Tick = time.Second
	}
	return p
}

// Session is a point-in-time copy of an acknowledgment session.
type Session struct {
	ID             string     `json:"id"`
	Item           rules.Item `json:"item"`
	Labels         rules.Set  `json:"labels"`     // prompting labels
	AllLabels      rules.Set  `json:"all_labels"` // full classification
	OpenedAt       time.Time  `json:"opened_at"`
	LastEscalation time.Time  `json:"last_escalation"`
	Escalations    int        `json:"escalations"`
	State          State      `json:"state"`

	m *Manager
}

// Confirm acknowledges this session if it is still the open one.
func (s *Session) Confirm() bool {
	if s == nil || s.m == nil {
		return false
	}
	return s.m.confirm(s.ID)
}

// reminderText renders "<HH:MM:SS> <names> 未确认".
func reminderText(now time.Time, s *Session) string {
	labels := s.Labels
	if labels.Empty() {
		labels = s.AllLabels
	}
	return now.Format("15:04:05") + " " + strings.Join(labels.DisplayNames(), ",") + " 未确认"
}

// Submission is the host's report that the reviewer submitted a decision
// for an item. A zero At means "now".
type Submission struct {
	ItemID   string    `json:"item_id"`
	Handler  string    `json:"handler,omitempty"`
	Decision string    `json:"decision,omitempty"`
	At       time.Time `json:"at,omitempty"`
}
