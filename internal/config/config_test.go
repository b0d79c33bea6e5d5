package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const sampleYAML = `
logging:
  level: debug
  console: true
rules:
  sync_url: https://rules.example/sync
  inline:
    recipients:
      Alice: "13800000000"
    exempt:
      user_ids: ["u-1"]
    violation_keywords: ["微信"]
prefs:
  prompt_labels: [violation, complaint]
  alarm: "on"
  alarm_duration: 0s
search:
  batch_size: 5
`

func TestDecodeYAML(t *testing.T) {
	t.Parallel()
	cfg, err := Decode("config.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if cfg.Logging.Level != "debug" || !cfg.Logging.Console {
		t.Fatalf("logging = %+v", cfg.Logging)
	}
	if cfg.Rules.Inline == nil {
		t.Fatal("expected inline rules")
	}
	if got := cfg.Rules.Inline.Recipients["Alice"]; got != "13800000000" {
		t.Fatalf("recipient = %q", got)
	}
	if len(cfg.Prefs.PromptLabels) != 2 {
		t.Fatalf("prompt labels = %v", cfg.Prefs.PromptLabels)
	}
	if cfg.Search.BatchSize != 5 {
		t.Fatalf("batch size = %d", cfg.Search.BatchSize)
	}
}

func TestDecodeRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	if _, err := Decode("config.json", []byte(`{"chat":{}}`)); err == nil {
		t.Fatal("expected unknown field error")
	}
	if _, err := Decode("config.json", []byte(`{}{}`)); err == nil {
		t.Fatal("expected trailing data error")
	}
}

func TestManagerLoad(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0o600); err != nil {
		t.Fatal(err)
	}
	m := NewConfigManager(path)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if m.Get() != cfg {
		t.Fatal("Get should return the committed config")
	}
}

func TestManagerPublishKeepsLatest(t *testing.T) {
	t.Parallel()
	m := NewConfigManager("unused.json")
	ch := m.Subscribe(1)
	a, b := &Config{}, &Config{}
	m.publish(a)
	m.publish(b)
	if got := <-ch; got != b {
		t.Fatal("slow subscriber should receive the newest config")
	}
	m.Unsubscribe(ch)
	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed after Unsubscribe")
	}
}

func TestParseDurationOptional(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw  string
		want time.Duration
	}{
		{raw: "", want: 5 * time.Second},
		{raw: "0s", want: 0},
		{raw: "2s", want: 2 * time.Second},
	}
	for _, tt := range tests {
		got, err := ParseDurationOptional("prefs.alarm_duration", tt.raw, 5*time.Second)
		if err != nil {
			t.Fatalf("%q: %v", tt.raw, err)
		}
		if got != tt.want {
			t.Fatalf("%q = %v, want %v", tt.raw, got, tt.want)
		}
	}
	if _, err := ParseDurationOptional("x", "-1s", 0); err == nil {
		t.Fatal("expected negative duration error")
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{Prefs: PrefsConfig{Alarm: "on"}}
	newCfg := &Config{Prefs: PrefsConfig{Alarm: "off"}, Search: SearchConfig{BatchSize: 3}}
	changed, _ := SummarizeConfigChange(oldCfg, newCfg)
	if len(changed) != 2 || changed[0] != "prefs" || changed[1] != "search" {
		t.Fatalf("changed = %v", changed)
	}
}
