package app

import (
	"fmt"
	"strings"
	"time"

	"reviewguard/internal/ack"
	"reviewguard/internal/config"
	"reviewguard/internal/httpapi"
	"reviewguard/internal/missionapi"
	"reviewguard/internal/rules"
	"reviewguard/internal/search"
	"reviewguard/internal/storage"
	"reviewguard/internal/webhook"
	logx "reviewguard/pkg/logx"
)

// mapStorageConfig reports persistent=false when no durable driver is set;
// callers then fall back to an in-memory store.
func mapStorageConfig(cfg *Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.TrimSpace(sc.Driver)
	if driver == "" || strings.EqualFold(driver, "none") || strings.EqualFold(driver, "memory") {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)

	dl := strings.ToLower(driver)
	switch dl {
	case "file":
		return storage.Config{Driver: "file", Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: dl, Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", driver)
	}
}

func mapLogConfig(cfg *Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapLocation(cfg *Config) (*time.Location, error) {
	tz := strings.TrimSpace(cfg.Rules.Timezone)
	if tz == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("rules.timezone: invalid %q: %w", tz, err)
	}
	return loc, nil
}

func mapRulesOptions(cfg *Config) (rules.StoreOptions, error) {
	ttl, err := config.ParseDurationOrDefault("rules.sync_ttl", cfg.Rules.SyncTTL, 24*time.Hour)
	if err != nil {
		return rules.StoreOptions{}, err
	}
	timeout, err := config.ParseDurationOrDefault("rules.sync_timeout", cfg.Rules.SyncTimeout, 10*time.Second)
	if err != nil {
		return rules.StoreOptions{}, err
	}
	return rules.StoreOptions{
		SyncURL:     cfg.Rules.SyncURL,
		TTL:         ttl,
		SyncTimeout: timeout,
		Inline:      cfg.Rules.Inline,
	}, nil
}

func mapPrefs(cfg *Config) (ack.Prefs, error) {
	p := cfg.Prefs
	prompt, err := rules.ParseSet(p.PromptLabels)
	if err != nil {
		return ack.Prefs{}, fmt.Errorf("prefs.prompt_labels: %w", err)
	}
	mode, err := ack.ParseAlarmMode(p.Alarm)
	if err != nil {
		return ack.Prefs{}, fmt.Errorf("prefs.alarm: %w", err)
	}
	// Empty means the default; an explicit "0s" loops until the session ends.
	dur, err := config.ParseDurationOptional("prefs.alarm_duration", p.AlarmDuration, 5*time.Second)
	if err != nil {
		return ack.Prefs{}, err
	}
	after, err := config.ParseDurationOrDefault("prefs.escalate_after", p.EscalateAfter, 20*time.Second)
	if err != nil {
		return ack.Prefs{}, err
	}
	tick, err := config.ParseDurationOrDefault("prefs.tick", p.Tick, time.Second)
	if err != nil {
		return ack.Prefs{}, err
	}
	return ack.Prefs{
		PromptLabels:  prompt,
		Alarm:         mode,
		AlarmDuration: dur,
		EscalateAfter: after,
		Tick:          tick,
	}, nil
}

func mapWebhookConfig(cfg *Config) (webhook.Config, error) {
	var wc config.WebhookConfig
	if cfg.Webhook != nil {
		wc = *cfg.Webhook
	}
	if wc.Workers < 0 || wc.QueueSize < 0 || wc.RatePerSec < 0 || wc.RetryMax < 0 || wc.BreakerFailures < 0 {
		return webhook.Config{}, fmt.Errorf("webhook: numeric settings must be >= 0")
	}
	out := webhook.Config{
		Workers:         wc.Workers,
		QueueSize:       wc.QueueSize,
		RatePerSec:      wc.RatePerSec,
		RetryMax:        wc.RetryMax,
		BreakerFailures: wc.BreakerFailures,
	}
	var err error
	if out.RetryBase, err = config.ParseDurationField("webhook.retry_base", wc.RetryBase); err != nil {
		return webhook.Config{}, err
	}
	if out.RetryMaxDelay, err = config.ParseDurationField("webhook.retry_max_delay", wc.RetryMaxDelay); err != nil {
		return webhook.Config{}, err
	}
	if out.Timeout, err = config.ParseDurationField("webhook.timeout", wc.Timeout); err != nil {
		return webhook.Config{}, err
	}
	if out.BreakerCooldown, err = config.ParseDurationField("webhook.breaker_cooldown", wc.BreakerCooldown); err != nil {
		return webhook.Config{}, err
	}
	return out, nil
}

func mapSearchConfig(cfg *Config) (search.Config, error) {
	sc := cfg.Search
	if sc.BatchSize < 0 || sc.CacheMaxEntries < 0 || sc.PersistEvery < 0 {
		return search.Config{}, fmt.Errorf("search: numeric settings must be >= 0")
	}
	out := search.Config{
		BatchSize:       sc.BatchSize,
		CacheMaxEntries: sc.CacheMaxEntries,
		PersistEvery:    sc.PersistEvery,
	}
	var err error
	if out.CacheTTL, err = config.ParseDurationField("search.cache_ttl", sc.CacheTTL); err != nil {
		return search.Config{}, err
	}
	if out.CatalogTTL, err = config.ParseDurationField("search.catalog_ttl", sc.CatalogTTL); err != nil {
		return search.Config{}, err
	}
	return out, nil
}

func mapMissionConfig(cfg *Config) (missionapi.Config, error) {
	mc := cfg.MissionAPI
	if mc.RatePerSec < 0 {
		return missionapi.Config{}, fmt.Errorf("mission_api.rate_per_sec must be >= 0")
	}
	timeout, err := config.ParseDurationField("mission_api.timeout", mc.Timeout)
	if err != nil {
		return missionapi.Config{}, err
	}
	return missionapi.Config{
		CatalogURL: mc.CatalogURL,
		QueryURL:   mc.QueryURL,
		DetailURL:  mc.DetailURL,
		Headers:    mc.Headers,
		Timeout:    timeout,
		RatePerSec: mc.RatePerSec,
	}, nil
}

func mapHTTPConfig(cfg *Config) (httpapi.Config, error) {
	hc := cfg.HTTP
	out := httpapi.Config{Enabled: hc.Enabled, Addr: strings.TrimSpace(hc.Addr), Pprof: hc.Pprof}
	var err error
	if out.ReadTimeout, err = config.ParseDurationField("http.read_timeout", hc.ReadTimeout); err != nil {
		return httpapi.Config{}, err
	}
	if out.WriteTimeout, err = config.ParseDurationField("http.write_timeout", hc.WriteTimeout); err != nil {
		return httpapi.Config{}, err
	}
	if out.IdleTimeout, err = config.ParseDurationField("http.idle_timeout", hc.IdleTimeout); err != nil {
		return httpapi.Config{}, err
	}
	return out, nil
}

// validateConfig runs every mapper so a bad hot reload is rejected before it
// is committed.
func validateConfig(cfg *Config) error {
	if _, _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapLocation(cfg); err != nil {
		return err
	}
	if _, err := mapRulesOptions(cfg); err != nil {
		return err
	}
	if _, err := mapPrefs(cfg); err != nil {
		return err
	}
	if _, err := mapWebhookConfig(cfg); err != nil {
		return err
	}
	if _, err := mapSearchConfig(cfg); err != nil {
		return err
	}
	if _, err := mapMissionConfig(cfg); err != nil {
		return err
	}
	if _, err := mapHTTPConfig(cfg); err != nil {
		return err
	}
	return nil
}
