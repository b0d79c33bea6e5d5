package search

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"reviewguard/internal/missionapi"
	"reviewguard/internal/storage"
	logx "reviewguard/pkg/logx"
)

type fakeAPI struct {
	missions []missionapi.Mission
	listErr  error
	hits     map[string]int // queueID -> hits
	failing  map[string]bool
	delay    time.Duration
	block    chan struct{} // when set, CountHits waits on it or ctx
	listing  chan struct{} // when set, ListMissions signals entry on it
	listGate chan struct{} // when set, ListMissions waits on it

	calls    atomic.Int32
	lists    atomic.Int32
	inflight atomic.Int32
	maxIn    atomic.Int32

	mu    sync.Mutex
	order []string
}

func (f *fakeAPI) ListMissions(ctx context.Context) ([]missionapi.Mission, error) {
	f.lists.Add(1)
	if f.listing != nil {
		f.listing <- struct{}{}
	}
	if f.listGate != nil {
		<-f.listGate
	}
	return f.missions, f.listErr
}

func (f *fakeAPI) CountHits(ctx context.Context, queueID, itemID string) (int, error) {
	f.calls.Add(1)
	n := f.inflight.Add(1)
	defer f.inflight.Add(-1)
	for {
		m := f.maxIn.Load()
		if n <= m || f.maxIn.CompareAndSwap(m, n) {
			break
		}
	}
	f.mu.Lock()
	f.order = append(f.order, queueID)
	f.mu.Unlock()

	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	if f.failing[queueID] {
		return 0, fmt.Errorf("%w: boom", missionapi.ErrNetwork)
	}
	return f.hits[queueID], nil
}

func (f *fakeAPI) DetailURL(queueID, itemID string) string {
	return "https://up.example/" + queueID + "/" + itemID
}

func queues(n int) []missionapi.Mission {
	out := make([]missionapi.Mission, n)
	for i := range out {
		out[i] = missionapi.Mission{ID: fmt.Sprintf("q%02d", i), Title: fmt.Sprintf("Queue %d", i)}
	}
	return out
}

func waitDone(t *testing.T, r *Run) {
	t.Helper()
	select {
	case <-r.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("run did not finish")
	}
}

func collect(r *Run) []Result {
	var out []Result
	for res := range r.Results() {
		out = append(out, res)
	}
	return out
}

func TestSearchBatchesOfFive(t *testing.T) {
	t.Parallel()
	api := &fakeAPI{missions: queues(12), delay: 50 * time.Millisecond, hits: map[string]int{"q03": 2}}
	e := NewEngine(api, Config{}, WithLogger(logx.Nop()))

	start := time.Now()
	r, err := e.Search(context.Background(), "item-1")
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	res := collect(r)
	waitDone(t, r)
	elapsed := time.Since(start)

	if api.calls.Load() != 12 {
		t.Fatalf("calls = %d", api.calls.Load())
	}
	if api.maxIn.Load() != 5 {
		t.Fatalf("max concurrency = %d, want 5", api.maxIn.Load())
	}
	if elapsed < 150*time.Millisecond || elapsed >= 12*50*time.Millisecond {
		t.Fatalf("elapsed %v: want about 3 round trips", elapsed)
	}
	if len(res) != 1 || res[0].QueueID != "q03" || res[0].Hits != 2 || res[0].DetailURL == "" {
		t.Fatalf("results = %+v", res)
	}
	if p := r.Progress(); p.Completed != 12 || p.Total != 12 || r.Searching() {
		t.Fatalf("progress = %+v searching=%v", p, r.Searching())
	}
}

func TestSearchUsesFreshCache(t *testing.T) {
	t.Parallel()
	api := &fakeAPI{missions: queues(7), hits: map[string]int{"q01": 1, "q05": 4}, failing: map[string]bool{"q06": true}}
	e := NewEngine(api, Config{})

	r, _ := e.Search(context.Background(), "item-1")
	waitDone(t, r)
	if api.calls.Load() != 7 {
		t.Fatalf("first run calls = %d", api.calls.Load())
	}

	r, _ = e.Search(context.Background(), "item-1")
	res := collect(r)
	waitDone(t, r)
	if api.calls.Load() != 7 {
		t.Fatalf("second run hit the network: %d calls", api.calls.Load())
	}
	if len(res) != 2 || !res[0].Cached {
		t.Fatalf("results = %+v", res)
	}
	if r.Progress().CacheHits != 7 {
		t.Fatalf("cache hits = %d", r.Progress().CacheHits)
	}

	// A different item is a different pair.
	r, _ = e.Search(context.Background(), "item-2")
	waitDone(t, r)
	if api.calls.Load() != 14 {
		t.Fatalf("calls = %d", api.calls.Load())
	}
}

func TestSearchCacheExpires(t *testing.T) {
	t.Parallel()
	now := time.Unix(1_700_000_000, 0)
	var mu sync.Mutex
	clock := func() time.Time { mu.Lock(); defer mu.Unlock(); return now }
	api := &fakeAPI{missions: queues(2)}
	e := NewEngine(api, Config{CacheTTL: time.Hour}, WithClock(clock))

	r, _ := e.Search(context.Background(), "x")
	waitDone(t, r)
	mu.Lock()
	now = now.Add(2 * time.Hour)
	mu.Unlock()
	r, _ = e.Search(context.Background(), "x")
	waitDone(t, r)
	if api.calls.Load() != 4 {
		t.Fatalf("calls = %d, want 4", api.calls.Load())
	}
}

func TestCancelStopsFurtherQueries(t *testing.T) {
	t.Parallel()
	api := &fakeAPI{missions: queues(12), block: make(chan struct{})}
	e := NewEngine(api, Config{})

	r, _ := e.Search(context.Background(), "item-1")
	deadline := time.Now().Add(2 * time.Second)
	for api.inflight.Load() < 5 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	e.Cancel()
	waitDone(t, r)

	if api.calls.Load() != 5 {
		t.Fatalf("calls after cancel = %d, want 5", api.calls.Load())
	}
	if !r.Canceled() || r.Searching() {
		t.Fatalf("canceled=%v searching=%v", r.Canceled(), r.Searching())
	}
	// Aborted queries are not cached as zero hits.
	close(api.block)
	r, _ = e.Search(context.Background(), "item-1")
	waitDone(t, r)
	if api.calls.Load() != 17 {
		t.Fatalf("calls = %d, want 17", api.calls.Load())
	}
}

func TestCancelDuringCatalogLoad(t *testing.T) {
	t.Parallel()
	api := &fakeAPI{
		missions: queues(12),
		hits:     map[string]int{"q00": 1},
		listing:  make(chan struct{}, 1),
		listGate: make(chan struct{}),
	}
	e := NewEngine(api, Config{})

	type started struct {
		r   *Run
		err error
	}
	out := make(chan started, 1)
	go func() {
		r, err := e.Search(context.Background(), "item-1")
		out <- started{r, err}
	}()

	select {
	case <-api.listing:
	case <-time.After(2 * time.Second):
		t.Fatalf("catalog load never started")
	}
	e.Cancel()
	close(api.listGate)

	s := <-out
	if s.err != nil {
		t.Fatalf("Search: %v", s.err)
	}
	waitDone(t, s.r)
	if n := api.calls.Load(); n != 0 {
		t.Fatalf("queries after cancel = %d, want 0", n)
	}
	if !s.r.Canceled() || len(collect(s.r)) != 0 {
		t.Fatalf("run should start canceled with no results")
	}

	// The pending cancel is consumed; the next search runs normally.
	r, _ := e.Search(context.Background(), "item-1")
	waitDone(t, r)
	if r.Canceled() || api.calls.Load() != 12 {
		t.Fatalf("canceled=%v calls=%d", r.Canceled(), api.calls.Load())
	}
}

func TestCancelKeepsEmittedResults(t *testing.T) {
	t.Parallel()
	api := &fakeAPI{missions: queues(10), hits: map[string]int{"q00": 1, "q01": 1}, delay: 20 * time.Millisecond}
	e := NewEngine(api, Config{BatchSize: 2})

	r, _ := e.Search(context.Background(), "item-1")
	first := <-r.Results()
	r.Cancel()
	waitDone(t, r)
	if first.QueueID != "q00" && first.QueueID != "q01" {
		t.Fatalf("first = %+v", first)
	}
	if len(r.Snapshot()) < 1 {
		t.Fatalf("emitted results lost")
	}
	if api.calls.Load() >= 10 {
		t.Fatalf("cancel did not stop the fan-out: %d calls", api.calls.Load())
	}
}

func TestNewSearchCancelsPrevious(t *testing.T) {
	t.Parallel()
	api := &fakeAPI{missions: queues(3), block: make(chan struct{})}
	e := NewEngine(api, Config{})

	r1, _ := e.Search(context.Background(), "a")
	done := make(chan *Run, 1)
	go func() {
		r2, _ := e.Search(context.Background(), "b")
		done <- r2
	}()
	var r2 *Run
	select {
	case r2 = <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("second search blocked")
	}
	if !r1.Canceled() {
		t.Fatalf("first run not canceled")
	}
	select {
	case <-r1.Done():
	default:
		t.Fatalf("first run still running")
	}
	if e.Active() != r2 {
		t.Fatalf("active run is not the latest")
	}
	close(api.block)
	waitDone(t, r2)
}

func TestSnapshotOrderingAndDedup(t *testing.T) {
	t.Parallel()
	ms := []missionapi.Mission{{ID: "a"}, {ID: "b"}, {ID: "c"}, {ID: "a", Title: "dup"}}
	api := &fakeAPI{missions: ms, hits: map[string]int{"a": 1, "b": 5, "c": 5}}
	e := NewEngine(api, Config{BatchSize: 1})

	r, _ := e.Search(context.Background(), "i")
	waitDone(t, r)
	snap := r.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("snapshot = %+v", snap)
	}
	if snap[0].Hits != 5 || snap[1].Hits != 5 || snap[2].QueueID != "a" {
		t.Fatalf("order = %+v", snap)
	}
	if snap[0].ResponseTime > snap[1].ResponseTime {
		t.Fatalf("ties not ordered by response time")
	}
}

func TestHitStatsPrioritizeAndPersist(t *testing.T) {
	t.Parallel()
	kv := storage.NewMemory()
	api := &fakeAPI{missions: queues(6), hits: map[string]int{"q05": 1}}
	e := NewEngine(api, Config{BatchSize: 1}, WithStore(kv))

	r, _ := e.Search(context.Background(), "i1")
	waitDone(t, r)
	if e.HitStats()["q05"] != 1 {
		t.Fatalf("stats = %v", e.HitStats())
	}

	e2 := NewEngine(api, Config{BatchSize: 1}, WithStore(kv))
	if e2.HitStats()["q05"] != 1 {
		t.Fatalf("stats not restored: %v", e2.HitStats())
	}
	api.mu.Lock()
	api.order = nil
	api.mu.Unlock()
	r, _ = e2.Search(context.Background(), "i2")
	waitDone(t, r)
	api.mu.Lock()
	defer api.mu.Unlock()
	if len(api.order) == 0 || api.order[0] != "q05" {
		t.Fatalf("query order = %v, want q05 first", api.order)
	}
}

func TestCatalogFallbacks(t *testing.T) {
	t.Parallel()
	kv := storage.NewMemory()
	api := &fakeAPI{missions: queues(3)}
	e := NewEngine(api, Config{CatalogTTL: time.Millisecond}, WithStore(kv))
	if got := e.ensureCatalog(context.Background()); len(got) != 3 {
		t.Fatalf("catalog = %v", got)
	}

	time.Sleep(5 * time.Millisecond)
	api.listErr = errors.New("down")
	if got := e.ensureCatalog(context.Background()); len(got) != 3 {
		t.Fatalf("stale in-memory catalog not used: %v", got)
	}

	e2 := NewEngine(api, Config{CatalogTTL: time.Millisecond}, WithStore(kv))
	if got := e2.ensureCatalog(context.Background()); len(got) != 3 {
		t.Fatalf("stale persisted catalog not used: %v", got)
	}

	e3 := NewEngine(api, Config{})
	if got := e3.ensureCatalog(context.Background()); got == nil || len(got) != 0 {
		t.Fatalf("expected empty catalog, got %v", got)
	}
	r, err := e3.Search(context.Background(), "i")
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	waitDone(t, r)
	if _, err := e3.RefreshCatalog(context.Background()); err == nil {
		t.Fatalf("expected refresh error")
	}
}

func TestSearchRejectsEmptyItem(t *testing.T) {
	t.Parallel()
	e := NewEngine(&fakeAPI{}, Config{})
	if _, err := e.Search(context.Background(), ""); !errors.Is(err, ErrEmptyItem) {
		t.Fatalf("err = %v", err)
	}
}
