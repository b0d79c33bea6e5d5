package rules

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"reviewguard/internal/config"
	"reviewguard/internal/storage"
	logx "reviewguard/pkg/logx"
)

// ErrConfigMissing reports that no source produced a shared rules partition.
var ErrConfigMissing = errors.New("shared rules missing")

const cacheKey = "rules.shared"

// Source tells where the current snapshot came from.
type Source string

const (
	SourceNone   Source = "none"
	SourceCache  Source = "cache"
	SourceRemote Source = "remote"
	SourceStale  Source = "stale-cache"
	SourceInline Source = "inline"
)

// Snapshot is an immutable view of the loaded rules.
type Snapshot struct {
	Rules    Rules
	LoadedAt time.Time // fetch time of the underlying document
	Source   Source
}

// StoreOptions configures a Store.
type StoreOptions struct {
	SyncURL     string
	TTL         time.Duration // default 24h
	SyncTimeout time.Duration // default 10s
	Inline      *config.SharedRules
	HTTPClient  *http.Client
	Now         func() time.Time
}

// Store holds the latest shared rules snapshot. Readers always see the most
// recently loaded snapshot; it is swapped atomically.
type Store struct {
	kv  storage.Store
	log logx.Logger

	mu   sync.Mutex // serializes loads and option updates
	opts StoreOptions

	cur atomic.Pointer[Snapshot]
}

type cachedRules struct {
	FetchedAt time.Time           `json:"fetched_at"`
	Rules     *config.SharedRules `json:"rules"`
}

func NewStore(kv storage.Store, opts StoreOptions, log logx.Logger) *Store {
	if kv == nil {
		kv = storage.NewMemory()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Store{kv: kv, log: log, opts: withDefaults(opts)}
	s.cur.Store(&Snapshot{Rules: FromConfig(nil), Source: SourceNone})
	return s
}

func withDefaults(o StoreOptions) StoreOptions {
	if o.TTL <= 0 {
		o.TTL = 24 * time.Hour
	}
	if o.SyncTimeout <= 0 {
		o.SyncTimeout = 10 * time.Second
	}
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{}
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	o.SyncURL = strings.TrimSpace(o.SyncURL)
	return o
}

// ApplyOptions swaps sources (hot reload). It does not reload by itself.
func (s *Store) ApplyOptions(opts StoreOptions) {
	s.mu.Lock()
	if opts.HTTPClient == nil {
		opts.HTTPClient = s.opts.HTTPClient
	}
	if opts.Now == nil {
		opts.Now = s.opts.Now
	}
	s.opts = withDefaults(opts)
	s.mu.Unlock()
}

// Snapshot returns the current rules. Never nil.
func (s *Store) Snapshot() *Snapshot { return s.cur.Load() }

// Rules is a convenience for Snapshot().Rules.
func (s *Store) Rules() *Rules { return &s.cur.Load().Rules }

// Stale reports whether the current snapshot is older than the TTL.
func (s *Store) Stale(now time.Time) bool {
	snap := s.cur.Load()
	s.mu.Lock()
	ttl := s.opts.TTL
	s.mu.Unlock()
	if snap.LoadedAt.IsZero() {
		return true
	}
	return now.Sub(snap.LoadedAt) >= ttl
}

// Load resolves the rules in priority order: fresh cache, remote, stale cache,
// inline config. With no source at all the snapshot falls back to empty rules
// and ErrConfigMissing is returned.
func (s *Store) Load(ctx context.Context) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.opts.Now()
	cached, hasCache := s.readCache(ctx)

	if s.opts.SyncURL != "" {
		if hasCache && now.Sub(cached.FetchedAt) < s.opts.TTL {
			return s.set(cached.Rules, cached.FetchedAt, SourceCache), nil
		}
		sr, err := s.fetch(ctx)
		if err == nil {
			s.writeCache(ctx, sr, now)
			return s.set(sr, now, SourceRemote), nil
		}
		s.log.Warn("rules sync failed", logx.Err(err))
		if hasCache {
			return s.set(cached.Rules, cached.FetchedAt, SourceStale), nil
		}
	}

	if s.opts.Inline != nil {
		return s.set(s.opts.Inline, now, SourceInline), nil
	}
	if hasCache {
		return s.set(cached.Rules, cached.FetchedAt, SourceStale), nil
	}

	s.log.Warn("no shared rules available; handler gate and keywords disabled")
	snap := &Snapshot{Rules: FromConfig(nil), Source: SourceNone}
	s.cur.Store(snap)
	return snap, ErrConfigMissing
}

// Refresh forces a remote fetch. On failure the current snapshot is kept.
func (s *Store) Refresh(ctx context.Context) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.opts.SyncURL == "" {
		if s.opts.Inline != nil {
			return s.set(s.opts.Inline, s.opts.Now(), SourceInline), nil
		}
		return s.cur.Load(), ErrConfigMissing
	}
	sr, err := s.fetch(ctx)
	if err != nil {
		return s.cur.Load(), err
	}
	now := s.opts.Now()
	s.writeCache(ctx, sr, now)
	return s.set(sr, now, SourceRemote), nil
}

// MaybeRefresh refreshes only when the snapshot is stale and reports whether
// a refresh was attempted.
func (s *Store) MaybeRefresh(ctx context.Context) (bool, error) {
	s.mu.Lock()
	now := s.opts.Now()
	s.mu.Unlock()
	if !s.Stale(now) {
		return false, nil
	}
	_, err := s.Refresh(ctx)
	return true, err
}

func (s *Store) set(sr *config.SharedRules, at time.Time, src Source) *Snapshot {
	snap := &Snapshot{Rules: FromConfig(sr), LoadedAt: at, Source: src}
	s.cur.Store(snap)
	s.log.Info("shared rules loaded",
		logx.String("source", string(src)),
		logx.Int("recipients", len(snap.Rules.Recipients)),
		logx.Bool("reminder", snap.Rules.ReminderURL != ""),
	)
	return snap
}

func (s *Store) readCache(ctx context.Context) (cachedRules, bool) {
	var c cachedRules
	ok, err := storage.GetJSON(ctx, s.kv, cacheKey, &c)
	if err != nil {
		s.log.Warn("cached rules unreadable; discarded", logx.Err(err))
		return cachedRules{}, false
	}
	if !ok || c.Rules == nil {
		return cachedRules{}, false
	}
	return c, true
}

func (s *Store) writeCache(ctx context.Context, sr *config.SharedRules, at time.Time) {
	if err := storage.PutJSON(ctx, s.kv, cacheKey, cachedRules{FetchedAt: at, Rules: sr}); err != nil {
		s.log.Warn("persist rules failed", logx.Err(err))
	}
}

func (s *Store) fetch(ctx context.Context) (*config.SharedRules, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.SyncTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.opts.SyncURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.opts.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("rules sync: status %d", resp.StatusCode)
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	var sr config.SharedRules
	if err := dec.Decode(&sr); err != nil {
		return nil, fmt.Errorf("rules sync: decode: %w", err)
	}
	return &sr, nil
}
