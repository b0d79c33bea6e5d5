package logx

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestZeroLoggerIsNoop(t *testing.T) {
	t.Parallel()
	var l Logger
	if !l.IsZero() {
		t.Fatalf("zero logger should report IsZero")
	}
	l.Info("dropped", String("k", "v"))
	if Nop().IsZero() {
		t.Fatalf("Nop is a configured logger, not the zero value")
	}
}

func TestWriterLevelAndFields(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	base := NewWriter(&buf, "info")
	l := base.With(String("comp", "rules"))

	l.Debug("hidden")
	l.Info("loaded", Int("count", 3))

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("debug line written at info level: %q", out)
	}
	for _, want := range []string{"loaded", "rules", "3"} {
		if !strings.Contains(out, want) {
			t.Fatalf("output %q missing %q", out, want)
		}
	}
	if base.Enabled(LevelDebug) || !base.Enabled(LevelWarn) {
		t.Fatalf("Enabled does not follow the configured level")
	}

	buf.Reset()
	base.Info("plain")
	if strings.Contains(buf.String(), "rules") {
		t.Fatalf("With leaked fields into the parent logger: %q", buf.String())
	}
}

func TestServiceApplyFileSink(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "app.log")
	svc, log := New(Config{Level: "warn", File: FileConfig{Enabled: true, Path: path}})

	log.Info("quiet")
	log.Warn("first")
	svc.Apply(Config{Level: "debug", File: FileConfig{Enabled: true, Path: path}})
	log.Debug("second")
	if err := svc.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	got := string(b)
	if strings.Contains(got, "quiet") || !strings.Contains(got, "first") || !strings.Contains(got, "second") {
		t.Fatalf("log file = %q", got)
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()
	cases := map[string]Level{
		"debug":   LevelDebug,
		" WARN ":  LevelWarn,
		"warning": LevelWarn,
		"":        LevelInfo,
		"bogus":   LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in, LevelInfo); got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
