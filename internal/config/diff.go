package config

import (
	"reflect"
	"strings"

	logx "reviewguard/pkg/logx"
)

// SummarizeConfigChange returns a compact list of changed sections and safe
// structured attrs for logging. Secrets (mission_api headers, webhook URLs)
// are reported as set/unset only.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
	}
	if !reflect.DeepEqual(oldCfg.Rules, newCfg.Rules) {
		changed = append(changed, "rules")
		attrs = append(attrs,
			logx.Bool("rules.sync_url_set", strings.TrimSpace(newCfg.Rules.SyncURL) != ""),
			logx.Bool("rules.inline_set", newCfg.Rules.Inline != nil),
		)
	}
	if !reflect.DeepEqual(oldCfg.Prefs, newCfg.Prefs) {
		changed = append(changed, "prefs")
		attrs = append(attrs,
			logx.Strings("prefs.prompt_labels", newCfg.Prefs.PromptLabels),
			logx.String("prefs.alarm", newCfg.Prefs.Alarm),
		)
	}
	if !reflect.DeepEqual(oldCfg.Webhook, newCfg.Webhook) {
		changed = append(changed, "webhook")
	}
	if !reflect.DeepEqual(oldCfg.Search, newCfg.Search) {
		changed = append(changed, "search")
		attrs = append(attrs, logx.Int("search.batch_size", newCfg.Search.BatchSize))
	}
	if !reflect.DeepEqual(oldCfg.MissionAPI, newCfg.MissionAPI) {
		changed = append(changed, "mission_api")
		attrs = append(attrs,
			logx.String("mission_api.catalog_url", newCfg.MissionAPI.CatalogURL),
			logx.Int("mission_api.header_count", len(newCfg.MissionAPI.Headers)),
		)
	}
	if !reflect.DeepEqual(oldCfg.HTTP, newCfg.HTTP) {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.Bool("http.enabled", newCfg.HTTP.Enabled),
			logx.String("http.addr", newCfg.HTTP.Addr),
		)
	}
	return changed, attrs
}
