package search

import (
	"context"
	"strings"
	"time"

	"reviewguard/internal/missionapi"
	"reviewguard/internal/storage"
	logx "reviewguard/pkg/logx"
)

// ensureCatalog returns the queue list: in-memory if fresh, else a fresh
// persisted copy, else a network load. A failed load falls back to the
// stale copy, then to an empty catalog. Concurrent callers share one load.
func (e *Engine) ensureCatalog(ctx context.Context) []missionapi.Mission {
	cfg, _ := e.config()
	e.catMu.Lock()
	if e.catalog != nil && e.now().Sub(e.catalogAt) < cfg.CatalogTTL {
		out := e.catalog
		e.catMu.Unlock()
		return out
	}
	e.catMu.Unlock()

	v, _, _ := e.sf.Do("catalog", func() (any, error) {
		return e.loadCatalog(ctx), nil
	})
	return v.([]missionapi.Mission)
}

// RefreshCatalog forces a network reload. On failure the current catalog
// is kept and the error returned.
func (e *Engine) RefreshCatalog(ctx context.Context) ([]missionapi.Mission, error) {
	v, err, _ := e.sf.Do("catalog.refresh", func() (any, error) {
		ms, err := e.api.ListMissions(ctx)
		if err != nil {
			return nil, err
		}
		ms = normalize(ms)
		e.setCatalog(ctx, ms, e.now(), true)
		return ms, nil
	})
	if err != nil {
		e.log.Warn("catalog refresh failed", logx.Err(err))
		return nil, err
	}
	return v.([]missionapi.Mission), nil
}

func (e *Engine) loadCatalog(ctx context.Context) []missionapi.Mission {
	cfg, _ := e.config()
	now := e.now()

	var stored storedCatalog
	ok, err := storage.GetJSON(ctx, e.kv, keyCatalog, &stored)
	if err != nil {
		e.log.Warn("persisted catalog unreadable; discarded", logx.Err(err))
	}
	if ok && now.Sub(stored.FetchedAt) < cfg.CatalogTTL {
		e.setCatalog(ctx, stored.Missions, stored.FetchedAt, false)
		return stored.Missions
	}

	ms, err := e.api.ListMissions(ctx)
	if err == nil {
		ms = normalize(ms)
		e.setCatalog(ctx, ms, now, true)
		e.log.Info("catalog loaded", logx.Int("queues", len(ms)))
		return ms
	}
	e.log.Warn("catalog fetch failed", logx.Err(err))

	e.catMu.Lock()
	mem := e.catalog
	e.catMu.Unlock()
	switch {
	case mem != nil:
		return mem
	case ok:
		e.setCatalog(ctx, stored.Missions, stored.FetchedAt, false)
		return stored.Missions
	default:
		return []missionapi.Mission{}
	}
}

func (e *Engine) setCatalog(ctx context.Context, ms []missionapi.Mission, at time.Time, persist bool) {
	if ms == nil {
		ms = []missionapi.Mission{}
	}
	e.catMu.Lock()
	e.catalog = ms
	e.catalogAt = at
	e.catMu.Unlock()
	if persist {
		if err := storage.PutJSON(ctx, e.kv, keyCatalog, storedCatalog{FetchedAt: at, Missions: ms}); err != nil {
			e.log.Warn("persist catalog failed", logx.Err(err))
		}
	}
}

func normalize(ms []missionapi.Mission) []missionapi.Mission {
	out := make([]missionapi.Mission, 0, len(ms))
	for _, m := range ms {
		if m.ID = strings.TrimSpace(m.ID); m.ID != "" {
			out = append(out, m)
		}
	}
	return out
}

// restore loads hit stats and still-fresh cache entries.
func (e *Engine) restore(ctx context.Context) {
	var stats map[string]int
	if _, err := storage.GetJSON(ctx, e.kv, keyStats, &stats); err != nil {
		e.log.Warn("persisted hit stats unreadable; reset", logx.Err(err))
	}
	e.statsMu.Lock()
	for k, v := range stats {
		if v > 0 {
			e.stats[k] = v
		}
	}
	e.statsMu.Unlock()

	var entries []storedEntry
	if _, err := storage.GetJSON(ctx, e.kv, keyCache, &entries); err != nil {
		e.log.Warn("persisted query cache unreadable; reset", logx.Err(err))
	}
	cfg, cache := e.config()
	now := e.now()
	for _, se := range entries {
		if now.Sub(se.At) < cfg.CacheTTL {
			cache.Add(PairKey{ItemID: se.ItemID, QueueID: se.QueueID}, cacheEntry{Hits: se.Hits, At: se.At})
		}
	}
}

// persist writes hit stats and fresh cache entries. Best effort.
func (e *Engine) persist(ctx context.Context) {
	stats := e.HitStats()
	if err := storage.PutJSON(ctx, e.kv, keyStats, stats); err != nil {
		e.log.Warn("persist hit stats failed", logx.Err(err))
	}

	cfg, cache := e.config()
	now := e.now()
	keys := cache.Keys()
	entries := make([]storedEntry, 0, len(keys))
	for _, k := range keys {
		ent, ok := cache.Peek(k)
		if !ok || now.Sub(ent.At) >= cfg.CacheTTL {
			continue
		}
		entries = append(entries, storedEntry{ItemID: k.ItemID, QueueID: k.QueueID, Hits: ent.Hits, At: ent.At})
	}
	if err := storage.PutJSON(ctx, e.kv, keyCache, entries); err != nil {
		e.log.Warn("persist query cache failed", logx.Err(err))
	}
}
