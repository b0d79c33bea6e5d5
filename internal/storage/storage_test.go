package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	logx "reviewguard/pkg/logx"
)

func openAll(t *testing.T) map[string]Store {
	t.Helper()
	dir := t.TempDir()
	out := map[string]Store{"memory": NewMemory()}

	fs, err := Open(Config{Driver: "file", Path: filepath.Join(dir, "state.json")}, logx.Nop())
	if err != nil {
		t.Fatalf("open file: %v", err)
	}
	out["file"] = fs

	ss, err := Open(Config{Driver: "sqlite", Path: filepath.Join(dir, "state.db"), BusyTimeout: time.Second}, logx.Nop())
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	out["sqlite"] = ss

	t.Cleanup(func() {
		for _, s := range out {
			_ = s.Close()
		}
	})
	return out
}

func TestStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, st := range openAll(t) {
		t.Run(name, func(t *testing.T) {
			if _, ok, err := st.Get(ctx, "missing"); err != nil || ok {
				t.Fatalf("missing key: ok=%v err=%v", ok, err)
			}
			if err := st.Put(ctx, "k", []byte("v1")); err != nil {
				t.Fatalf("put: %v", err)
			}
			if err := st.Put(ctx, "k", []byte("v2")); err != nil {
				t.Fatalf("put: %v", err)
			}
			got, ok, err := st.Get(ctx, "k")
			if err != nil || !ok || string(got) != "v2" {
				t.Fatalf("get = %q ok=%v err=%v", got, ok, err)
			}
			if err := st.Delete(ctx, "k"); err != nil {
				t.Fatalf("delete: %v", err)
			}
			if _, ok, _ := st.Get(ctx, "k"); ok {
				t.Fatalf("key survived delete")
			}
			if err := st.AppendAudit(ctx, AuditEntry{At: time.Now(), ItemID: "i1", Labels: []string{"review"}}); err != nil {
				t.Fatalf("audit: %v", err)
			}
		})
	}
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.json")

	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	_ = st.Put(ctx, "a", []byte("1"))
	_ = st.Put(ctx, "b", []byte("2"))
	_ = st.Delete(ctx, "a")
	if err := st.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	st, err = Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st.Close()
	if _, ok, _ := st.Get(ctx, "a"); ok {
		t.Fatalf("deleted key resurrected")
	}
	got, ok, _ := st.Get(ctx, "b")
	if !ok || string(got) != "2" {
		t.Fatalf("b = %q ok=%v", got, ok)
	}
}

func TestGetJSONDropsCorruptValue(t *testing.T) {
	ctx := context.Background()
	st := NewMemory()
	_ = st.Put(ctx, "stats", []byte("{not json"))

	var v map[string]int
	ok, err := GetJSON(ctx, st, "stats", &v)
	if ok || err == nil {
		t.Fatalf("expected decode failure, ok=%v err=%v", ok, err)
	}
	if _, still, _ := st.Get(ctx, "stats"); still {
		t.Fatalf("corrupt value should be deleted")
	}

	if err := PutJSON(ctx, st, "stats", map[string]int{"q1": 3}); err != nil {
		t.Fatalf("put json: %v", err)
	}
	ok, err = GetJSON(ctx, st, "stats", &v)
	if !ok || err != nil || v["q1"] != 3 {
		t.Fatalf("round trip: ok=%v err=%v v=%v", ok, err, v)
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	if _, err := Open(Config{Driver: "etcd"}, logx.Nop()); err == nil {
		t.Fatalf("expected error for unknown driver")
	}
}
