package search

import (
	"context"
	"encoding/json"
	"time"

	"reviewguard/internal/missionapi"
)

// Querier is the upstream capability the engine fans out over.
// *missionapi.Client satisfies it.
type Querier interface {
	ListMissions(ctx context.Context) ([]missionapi.Mission, error)
	CountHits(ctx context.Context, queueID, itemID string) (int, error)
	DetailURL(queueID, itemID string) string
}

type Config struct {
	BatchSize       int           // default 5
	CacheTTL        time.Duration // default 5m
	CacheMaxEntries int           // default 5000
	CatalogTTL      time.Duration // default 24h
	PersistEvery    int           // default 10 completed queries
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 5
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = 5 * time.Minute
	}
	if c.CacheMaxEntries <= 0 {
		c.CacheMaxEntries = 5000
	}
	if c.CatalogTTL <= 0 {
		c.CatalogTTL = 24 * time.Hour
	}
	if c.PersistEvery <= 0 {
		c.PersistEvery = 10
	}
	return c
}

// PairKey identifies one (item, queue) query.
type PairKey struct {
	ItemID  string
	QueueID string
}

type cacheEntry struct {
	Hits int
	At   time.Time
}

// Result is one queue that references the searched item.
type Result struct {
	QueueID      string        `json:"queue_id"`
	Title        string        `json:"title"`
	Hits         int           `json:"hits"`
	DetailURL    string        `json:"detail_url,omitempty"`
	ResponseTime time.Duration `json:"-"`
	Cached       bool          `json:"cached"`
}

func (r Result) MarshalJSON() ([]byte, error) {
	type plain Result
	return json.Marshal(struct {
		plain
		ResponseMS int64 `json:"response_time_ms"`
	}{plain(r), r.ResponseTime.Milliseconds()})
}

// Progress counts completed queries against the catalog size.
type Progress struct {
	Completed int `json:"completed"`
	Total     int `json:"total"`
	Hits      int `json:"hits"`
	CacheHits int `json:"cache_hits"`
}

// persisted shapes
const (
	keyCatalog = "search.catalog"
	keyStats   = "search.hitstats"
	keyCache   = "search.cache"
)

type storedCatalog struct {
	FetchedAt time.Time            `json:"fetched_at"`
	Missions  []missionapi.Mission `json:"missions"`
}

type storedEntry struct {
	ItemID  string    `json:"item_id"`
	QueueID string    `json:"queue_id"`
	Hits    int       `json:"hits"`
	At      time.Time `json:"at"`
}
