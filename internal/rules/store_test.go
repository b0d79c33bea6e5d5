package rules

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"reviewguard/internal/config"
	"reviewguard/internal/storage"
	logx "reviewguard/pkg/logx"
)

const remoteDoc = `{"recipients":{"alice":"138"},"exempt":{},"violation_keywords":["v"],"webhooks":{"reminder":"http://hook"}}`

func newRemote(t *testing.T, status int) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(status)
		_, _ = w.Write([]byte(remoteDoc))
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestStoreLoadPrefersFreshCache(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	srv, calls := newRemote(t, http.StatusOK)
	kv := storage.NewMemory()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	s := NewStore(kv, StoreOptions{SyncURL: srv.URL, Now: clock}, logx.Nop())
	snap, err := s.Load(ctx)
	if err != nil || snap.Source != SourceRemote {
		t.Fatalf("first load: src=%s err=%v", snap.Source, err)
	}
	if snap.Rules.ReminderURL != "http://hook" {
		t.Fatalf("reminder url = %q", snap.Rules.ReminderURL)
	}

	s2 := NewStore(kv, StoreOptions{SyncURL: srv.URL, Now: clock}, logx.Nop())
	snap, err = s2.Load(ctx)
	if err != nil || snap.Source != SourceCache {
		t.Fatalf("second load: src=%s err=%v", snap.Source, err)
	}
	if calls.Load() != 1 {
		t.Fatalf("remote calls = %d, want 1", calls.Load())
	}

	now = now.Add(25 * time.Hour)
	if !s2.Stale(now) {
		t.Fatalf("expected stale after ttl")
	}
	if ran, err := s2.MaybeRefresh(ctx); !ran || err != nil {
		t.Fatalf("refresh: ran=%v err=%v", ran, err)
	}
	if calls.Load() != 2 {
		t.Fatalf("remote calls = %d, want 2", calls.Load())
	}
}

func TestStoreFallsBackToStaleCacheThenInline(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	kv := storage.NewMemory()
	old := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	_ = storage.PutJSON(ctx, kv, cacheKey, cachedRules{
		FetchedAt: old,
		Rules:     &config.SharedRules{Recipients: map[string]string{"cached": "1"}},
	})

	down, _ := newRemote(t, http.StatusInternalServerError)
	s := NewStore(kv, StoreOptions{SyncURL: down.URL}, logx.Nop())
	snap, err := s.Load(ctx)
	if err != nil || snap.Source != SourceStale {
		t.Fatalf("src=%s err=%v", snap.Source, err)
	}
	if _, ok := snap.Rules.Contact("cached"); !ok {
		t.Fatalf("stale rules not used")
	}

	inline := &config.SharedRules{Recipients: map[string]string{"inline": "2"}}
	s = NewStore(storage.NewMemory(), StoreOptions{SyncURL: down.URL, Inline: inline}, logx.Nop())
	snap, err = s.Load(ctx)
	if err != nil || snap.Source != SourceInline {
		t.Fatalf("src=%s err=%v", snap.Source, err)
	}
}

func TestStoreMissingEverything(t *testing.T) {
	t.Parallel()
	s := NewStore(nil, StoreOptions{}, logx.Nop())
	snap, err := s.Load(context.Background())
	if !errors.Is(err, ErrConfigMissing) {
		t.Fatalf("err = %v", err)
	}
	if snap.Rules.Keywords != DefaultKeywords() || len(snap.Rules.Recipients) != 0 {
		t.Fatalf("unexpected rules %+v", snap.Rules)
	}
	if _, err := s.Refresh(context.Background()); !errors.Is(err, ErrConfigMissing) {
		t.Fatalf("refresh err = %v", err)
	}
}

func TestStoreRefreshKeepsSnapshotOnFailure(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	inline := &config.SharedRules{Recipients: map[string]string{"inline": "2"}}
	down, _ := newRemote(t, http.StatusBadGateway)
	s := NewStore(nil, StoreOptions{SyncURL: down.URL, Inline: inline}, logx.Nop())
	if _, err := s.Load(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}
	before := s.Snapshot()
	if _, err := s.Refresh(ctx); err == nil {
		t.Fatalf("expected refresh error")
	}
	if s.Snapshot() != before {
		t.Fatalf("snapshot replaced after failed refresh")
	}
}
