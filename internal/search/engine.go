// Package search runs a batched, cancellable fan-out over every upstream
// queue to find which ones reference an item.
//
// Queues are ordered by how often they produced hits before, queried in
// fixed-size batches (concurrent within a batch, sequential across
// batches), and each hit is streamed as soon as it arrives. Per-pair results
// are cached briefly so repeated searches skip the network.
package search

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"reviewguard/internal/eventbus"
	"reviewguard/internal/missionapi"
	"reviewguard/internal/storage"
	logx "reviewguard/pkg/logx"
)

var ErrEmptyItem = errors.New("search: item id is empty")

type Engine struct {
	api Querier
	kv  storage.Store
	bus eventbus.Bus
	log logx.Logger
	now func() time.Time

	searchMu sync.Mutex // serializes Search so only one run is ever active

	mu     sync.Mutex
	cfg    Config
	active *Run
	cache  *expirable.LRU[PairKey, cacheEntry]

	// starting is set while Search resolves the catalog and has no run yet;
	// a Cancel in that window sets cancelPending and the new run starts canceled.
	starting      bool
	cancelPending bool

	sf        singleflight.Group
	catMu     sync.Mutex
	catalog   []missionapi.Mission
	catalogAt time.Time

	statsMu sync.Mutex
	stats   map[string]int
	pending int // completed queries since last flush
}

type Option func(*Engine)

func WithBus(b eventbus.Bus) Option { return func(e *Engine) { e.bus = b } }
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }
func WithLogger(log logx.Logger) Option { return func(e *Engine) { e.log = log } }
func WithStore(kv storage.Store) Option { return func(e *Engine) { e.kv = kv } }

func NewEngine(api Querier, cfg Config, opts ...Option) *Engine {
	e := &Engine{
		api:   api,
		cfg:   cfg.withDefaults(),
		now:   time.Now,
		stats: map[string]int{},
	}
	for _, o := range opts {
		o(e)
	}
	if e.log.IsZero() {
		e.log = logx.Nop()
	}
	if e.kv == nil {
		e.kv = storage.NewMemory()
	}
	e.cache = expirable.NewLRU[PairKey, cacheEntry](e.cfg.CacheMaxEntries, nil, e.cfg.CacheTTL)
	e.restore(context.Background())
	return e
}

// Apply updates tuning; a changed cache size or TTL starts an empty cache.
func (e *Engine) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	e.mu.Lock()
	defer e.mu.Unlock()
	if cfg.CacheTTL != e.cfg.CacheTTL || cfg.CacheMaxEntries != e.cfg.CacheMaxEntries {
		e.cache = expirable.NewLRU[PairKey, cacheEntry](cfg.CacheMaxEntries, nil, cfg.CacheTTL)
	}
	e.cfg = cfg
}

func (e *Engine) config() (Config, *expirable.LRU[PairKey, cacheEntry]) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg, e.cache
}

// Search cancels any active run, waits for it to wind down, then starts a
// new run over the current catalog. It returns once the catalog is resolved;
// queries proceed in the background.
func (e *Engine) Search(ctx context.Context, itemID string) (*Run, error) {
	if itemID == "" {
		return nil, ErrEmptyItem
	}
	e.searchMu.Lock()
	defer e.searchMu.Unlock()

	e.mu.Lock()
	prev := e.active
	e.active = nil
	e.starting, e.cancelPending = true, false
	e.mu.Unlock()
	if prev != nil {
		prev.Cancel()
		<-prev.Done()
	}

	queues := e.prioritized(e.ensureCatalog(ctx))
	cfg, cache := e.config()

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r := newRun(runCtx, cancel, uuid.NewString(), itemID, e.now(), len(queues))

	e.mu.Lock()
	e.active = r
	canceled := e.cancelPending
	e.starting, e.cancelPending = false, false
	e.mu.Unlock()
	if canceled {
		r.Cancel()
	}

	e.publish(eventbus.SearchStarted, eventbus.SearchEvent{RunID: r.ID, ItemID: itemID, Queues: len(queues)})
	e.log.Info("search started", logx.String("run", r.ID), logx.String("item", itemID), logx.Int("queues", len(queues)), logx.Int("batch", cfg.BatchSize))

	go e.execute(r, queues, cfg, cache)
	return r, nil
}

// Active returns the running search, if any.
func (e *Engine) Active() *Run {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active != nil && e.active.Searching() {
		return e.active
	}
	return nil
}

// Cancel stops the active run, or the one still resolving its catalog.
// No-op when idle.
func (e *Engine) Cancel() {
	e.mu.Lock()
	r := e.active
	if r == nil && e.starting {
		e.cancelPending = true
	}
	e.mu.Unlock()
	if r != nil {
		r.Cancel()
	}
}

// HitStats returns a copy of the per-queue hit counters.
func (e *Engine) HitStats() map[string]int {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	out := make(map[string]int, len(e.stats))
	for k, v := range e.stats {
		out[k] = v
	}
	return out
}

// prioritized sorts by hit count desc, keeping catalog order for ties.
func (e *Engine) prioritized(qs []missionapi.Mission) []missionapi.Mission {
	out := append([]missionapi.Mission(nil), qs...)
	stats := e.HitStats()
	sort.SliceStable(out, func(i, j int) bool { return stats[out[i].ID] > stats[out[j].ID] })
	return out
}

func (e *Engine) publish(typ string, data any) {
	if e.bus != nil {
		e.bus.Publish(eventbus.Event{Type: typ, Data: data})
	}
}

// lookup returns a cached result younger than ttl.
func (e *Engine) lookup(cache *expirable.LRU[PairKey, cacheEntry], ttl time.Duration, k PairKey) (cacheEntry, bool) {
	ent, ok := cache.Get(k)
	if !ok {
		return cacheEntry{}, false
	}
	if e.now().Sub(ent.At) >= ttl {
		cache.Remove(k)
		return cacheEntry{}, false
	}
	return ent, true
}

func (e *Engine) bumpStats(queueID string) {
	e.statsMu.Lock()
	e.stats[queueID]++
	e.statsMu.Unlock()
}

// noteCompleted flushes every PersistEvery completed queries.
func (e *Engine) noteCompleted(every int) {
	e.statsMu.Lock()
	e.pending++
	flush := e.pending >= every
	if flush {
		e.pending = 0
	}
	e.statsMu.Unlock()
	if flush {
		e.persist(context.Background())
	}
}
