package search

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/errgroup"

	"reviewguard/internal/eventbus"
	"reviewguard/internal/metrics"
	"reviewguard/internal/missionapi"
	logx "reviewguard/pkg/logx"
)

// Run is one search. Results arrive on Results() as they are found; the
// channel is closed when the run finishes or is canceled.
type Run struct {
	ID      string
	ItemID  string
	Started time.Time

	ctx      context.Context
	cancel   context.CancelFunc
	canceled atomic.Bool

	results chan Result
	done    chan struct{}

	mu        sync.Mutex
	hits      []Result
	seen      map[string]struct{}
	searching bool
	progress  Progress
}

func newRun(ctx context.Context, cancel context.CancelFunc, id, itemID string, at time.Time, total int) *Run {
	return &Run{
		ID:        id,
		ItemID:    itemID,
		Started:   at,
		ctx:       ctx,
		cancel:    cancel,
		results:   make(chan Result, total),
		done:      make(chan struct{}),
		seen:      map[string]struct{}{},
		searching: true,
		progress:  Progress{Total: total},
	}
}

func (r *Run) Results() <-chan Result { return r.results }

func (r *Run) Done() <-chan struct{} { return r.done }

// Cancel stops further queries and aborts in-flight ones. Results already
// emitted stay valid. Idempotent.
func (r *Run) Cancel() {
	r.canceled.Store(true)
	r.cancel()
}

func (r *Run) Canceled() bool { return r.canceled.Load() }

func (r *Run) Searching() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.searching
}

func (r *Run) Progress() Progress {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.progress
}

// Snapshot returns hits so far ordered by hits desc, then response time asc.
func (r *Run) Snapshot() []Result {
	r.mu.Lock()
	out := append([]Result(nil), r.hits...)
	r.mu.Unlock()
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Hits != out[j].Hits {
			return out[i].Hits > out[j].Hits
		}
		return out[i].ResponseTime < out[j].ResponseTime
	})
	return out
}

// emit records a hit; the first result per queue wins.
func (r *Run) emit(res Result) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.seen[res.QueueID]; dup {
		return false
	}
	r.seen[res.QueueID] = struct{}{}
	r.hits = append(r.hits, res)
	r.progress.Hits++
	// cap(results) == catalog size and each queue emits once, so this never blocks.
	r.results <- res
	return true
}

func (r *Run) complete(cached bool) {
	r.mu.Lock()
	r.progress.Completed++
	if cached {
		r.progress.CacheHits++
	}
	r.mu.Unlock()
}

func (e *Engine) execute(r *Run, queues []missionapi.Mission, cfg Config, cache *expirable.LRU[PairKey, cacheEntry]) {
	defer func() {
		if p := recover(); p != nil {
			e.log.Error("search run panicked", logx.String("run", r.ID), logx.Any("panic", p))
		}
		e.persist(context.Background())

		r.mu.Lock()
		r.searching = false
		prog := r.progress
		close(r.results)
		r.mu.Unlock()
		r.cancel()

		elapsed := e.now().Sub(r.Started)
		metrics.SearchDuration.Observe(elapsed.Seconds())
		e.publish(eventbus.SearchFinished, eventbus.SearchEvent{
			RunID: r.ID, ItemID: r.ItemID, Queues: prog.Total, Hits: prog.Hits,
			Queries: prog.Completed, CacheHits: prog.CacheHits, Canceled: r.Canceled(), Elapsed: elapsed,
		})
		e.log.Info("search finished",
			logx.String("run", r.ID),
			logx.Int("hits", prog.Hits),
			logx.Int("completed", prog.Completed),
			logx.Int("total", prog.Total),
			logx.Bool("canceled", r.Canceled()),
			logx.Duration("elapsed", elapsed),
		)
		close(r.done)
	}()

	for start := 0; start < len(queues); start += cfg.BatchSize {
		if r.Canceled() {
			return
		}
		end := start + cfg.BatchSize
		if end > len(queues) {
			end = len(queues)
		}
		var g errgroup.Group
		for _, q := range queues[start:end] {
			q := q
			g.Go(func() error {
				if r.Canceled() {
					return nil
				}
				e.queryOne(r, q, cfg, cache)
				return nil
			})
		}
		_ = g.Wait()
	}
}

func (e *Engine) queryOne(r *Run, q missionapi.Mission, cfg Config, cache *expirable.LRU[PairKey, cacheEntry]) {
	key := PairKey{ItemID: r.ItemID, QueueID: q.ID}

	var (
		hits   int
		rt     time.Duration
		cached bool
	)
	if ent, ok := e.lookup(cache, cfg.CacheTTL, key); ok {
		hits, cached = ent.Hits, true
		metrics.SearchQueries.WithLabelValues("cache").Inc()
	} else {
		start := time.Now()
		n, err := e.api.CountHits(r.ctx, q.ID, r.ItemID)
		rt = time.Since(start)
		if err != nil {
			if r.Canceled() || errors.Is(err, context.Canceled) {
				// Aborted, not a real answer; leave the cache alone.
				return
			}
			e.log.Debug("queue query failed", logx.String("queue", q.ID), logx.Err(err))
			metrics.SearchQueries.WithLabelValues("error").Inc()
			n = 0
		} else {
			metrics.SearchQueries.WithLabelValues("network").Inc()
		}
		hits = n
		cache.Add(key, cacheEntry{Hits: hits, At: e.now()})
	}

	r.complete(cached)
	if hits > 0 && r.emit(Result{
		QueueID:      q.ID,
		Title:        q.Title,
		Hits:         hits,
		DetailURL:    e.api.DetailURL(q.ID, r.ItemID),
		ResponseTime: rt,
		Cached:       cached,
	}) {
		e.bumpStats(q.ID)
	}
	e.noteCompleted(cfg.PersistEvery)
}
