package eventbus

import "time"

// Event types.
const (
	SessionOpened    = "session.opened"
	SessionEscalated = "session.escalated"
	SessionConfirmed = "session.confirmed"
	SessionClosed    = "session.closed"

	ReminderSent   = "reminder.sent"
	ReminderFailed = "reminder.failed"

	SearchStarted  = "search.started"
	SearchFinished = "search.finished"

	RulesLoaded = "rules.loaded"
)

// SessionEvent is the payload of session.* events.
type SessionEvent struct {
	SessionID   string    `json:"session_id"`
	ItemID      string    `json:"item_id"`
	Labels      []string  `json:"labels"`
	Escalations int       `json:"escalations"`
	Reason      string    `json:"reason,omitempty"`
	At          time.Time `json:"at"`
}

// ReminderEvent is the payload of reminder.* events.
type ReminderEvent struct {
	SessionID string `json:"session_id"`
	Error     string `json:"error,omitempty"`
}

// SearchEvent is the payload of search.* events.
type SearchEvent struct {
	RunID     string        `json:"run_id"`
	ItemID    string        `json:"item_id"`
	Queues    int           `json:"queues"`
	Hits      int           `json:"hits"`
	Queries   int           `json:"queries"`
	CacheHits int           `json:"cache_hits"`
	Canceled  bool          `json:"canceled,omitempty"`
	Elapsed   time.Duration `json:"elapsed"`
}

// RulesEvent is the payload of rules.loaded.
type RulesEvent struct {
	Source string `json:"source"`
	Error  string `json:"error,omitempty"`
}
