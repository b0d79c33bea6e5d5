package config

type Config struct {
	Logging LoggingConfig  `json:"logging"`
	Storage *StorageConfig `json:"storage,omitempty"`

	// Rules configures where the shared rules partition comes from.
	// Inline rules are used when no remote sync source is configured or
	// reachable and no fresh cached copy exists.
	Rules RulesConfig `json:"rules"`

	// Prefs is the local preferences partition.
	Prefs PrefsConfig `json:"prefs"`

	// Webhook controls the async reminder delivery pipeline.
	// If the whole section is omitted, defaults apply.
	Webhook *WebhookConfig `json:"webhook,omitempty"`

	Search     SearchConfig     `json:"search"`
	MissionAPI MissionAPIConfig `json:"mission_api"`
	HTTP       HTTPConfig       `json:"http"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig controls the persistence layer.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./reviewguard_store" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// RulesConfig controls loading of the shared rules partition.
//
// Defaults (when fields are omitted/zero):
//   - sync_ttl: "24h"
//   - sync_timeout: "10s"
//   - timezone: local
type RulesConfig struct {
	SyncURL     string       `json:"sync_url,omitempty"`
	SyncTTL     string       `json:"sync_ttl,omitempty"`
	SyncTimeout string       `json:"sync_timeout,omitempty"`
	Timezone    string       `json:"timezone,omitempty"`
	Inline      *SharedRules `json:"inline,omitempty"`
}

// SharedRules is the wire shape of the shared rules partition. The same
// document is accepted inline in the config file and from rules.sync_url.
type SharedRules struct {
	// Recipients maps handler display name -> contact handle (mobile).
	Recipients        map[string]string     `json:"recipients"`
	Exempt            ExemptList            `json:"exempt"`
	HandlerExempt     map[string]ExemptList `json:"handler_exempt,omitempty"`
	ViolationKeywords []string              `json:"violation_keywords"`
	Keywords          *RemarkKeywords       `json:"keywords,omitempty"`
	Webhooks          WebhookURLs           `json:"webhooks"`
}

type ExemptList struct {
	UserIDs      []string `json:"user_ids,omitempty"`
	NameKeywords []string `json:"name_keywords,omitempty"`
	CertKeywords []string `json:"cert_keywords,omitempty"`
}

// RemarkKeywords overrides the remark tokens. Omitted fields keep defaults;
// an explicit empty string disables that rule.
type RemarkKeywords struct {
	Review        *string `json:"review,omitempty"`
	FlaggedUrgent *string `json:"flagged_urgent,omitempty"`
	Annotated     *string `json:"annotated,omitempty"`
	Complaint     *string `json:"complaint,omitempty"`
}

type WebhookURLs struct {
	Reminder string `json:"reminder,omitempty"`
}

// PrefsConfig holds local preferences.
//
// Alarm values:
//   - "off": never sound the alarm
//   - "on": sound on escalation (default)
//   - "always": also open a session when no prompt label matched
//
// AlarmDuration: empty means 5s; "0s" loops until the prompt is resolved.
type PrefsConfig struct {
	PromptLabels  []string `json:"prompt_labels,omitempty"`
	Alarm         string   `json:"alarm,omitempty"`
	AlarmDuration string   `json:"alarm_duration,omitempty"`
	EscalateAfter string   `json:"escalate_after,omitempty"`
	Tick          string   `json:"tick,omitempty"`
	Bell          bool     `json:"bell,omitempty"`
}

// WebhookConfig controls the async reminder pipeline.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type WebhookConfig struct {
	Workers         int    `json:"workers,omitempty"`
	QueueSize       int    `json:"queue_size,omitempty"`
	RatePerSec      int    `json:"rate_per_sec,omitempty"`
	RetryMax        int    `json:"retry_max,omitempty"`
	RetryBase       string `json:"retry_base,omitempty"`
	RetryMaxDelay   string `json:"retry_max_delay,omitempty"`
	Timeout         string `json:"timeout,omitempty"`
	BreakerFailures int    `json:"breaker_failures,omitempty"`
	BreakerCooldown string `json:"breaker_cooldown,omitempty"`
}

// SearchConfig controls the queue fan-out search.
//
// Defaults: batch_size 5, cache_ttl "5m", cache_max_entries 5000,
// catalog_ttl "24h", persist_every 10.
type SearchConfig struct {
	BatchSize       int    `json:"batch_size,omitempty"`
	CacheTTL        string `json:"cache_ttl,omitempty"`
	CacheMaxEntries int    `json:"cache_max_entries,omitempty"`
	CatalogTTL      string `json:"catalog_ttl,omitempty"`
	PersistEvery    int    `json:"persist_every,omitempty"`
}

// MissionAPIConfig points at the upstream queue ("mission") endpoints.
//
// DetailURL is a template; "{queue_id}" and "{item_id}" are substituted.
// Headers are sent on every request (e.g. cookie); never logged.
type MissionAPIConfig struct {
	CatalogURL string            `json:"catalog_url,omitempty"`
	QueryURL   string            `json:"query_url,omitempty"`
	DetailURL  string            `json:"detail_url,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	Timeout    string            `json:"timeout,omitempty"`
	RatePerSec int               `json:"rate_per_sec,omitempty"`
}

// HTTPConfig controls the local host-integration endpoint.
//
// Prefer binding to localhost; the endpoint has no authentication.
type HTTPConfig struct {
	Enabled      bool   `json:"enabled"`
	Addr         string `json:"addr,omitempty"` // default: "127.0.0.1:7391"
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
	Pprof        bool   `json:"pprof,omitempty"` // mount /debug/pprof on the same listener
}
