// Package webhook delivers text messages to chat-bot webhooks.
//
// Send is a single synchronous POST. Dispatch is fire-and-forget: a bounded
// queue feeds a worker pool with a shared token-bucket limit, jittered
// retries and a circuit breaker per URL.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"reviewguard/internal/metrics"
	rtsup "reviewguard/internal/runtime/supervisor"
	logx "reviewguard/pkg/logx"
)

type job struct {
	url  string
	msg  Message
	done func(error)
}

// Client is safe for concurrent use.
type Client struct {
	mu sync.Mutex

	log  logx.Logger
	http *http.Client

	cfg     Config
	limiter *rate.Limiter

	accepting bool
	enqueueWG sync.WaitGroup
	queue     chan job
	sup       *rtsup.Supervisor

	bmu      sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker[struct{}]
}

func New(cfg Config, hc *http.Client, log logx.Logger) *Client {
	if log.IsZero() {
		log = logx.Nop()
	}
	if hc == nil {
		hc = &http.Client{}
	}
	c := &Client{log: log, http: hc, breakers: map[string]*gobreaker.CircuitBreaker[struct{}]{}}
	c.applyLocked(cfg)
	return c
}

// Apply updates limits and retry policy. Queue size and worker count take
// effect on the next Start.
func (c *Client) Apply(cfg Config) {
	c.mu.Lock()
	old := c.cfg
	c.applyLocked(cfg)
	c.mu.Unlock()
	if old.BreakerFailures != c.cfg.BreakerFailures || old.BreakerCooldown != c.cfg.BreakerCooldown {
		c.bmu.Lock()
		c.breakers = map[string]*gobreaker.CircuitBreaker[struct{}]{}
		c.bmu.Unlock()
	}
}

func (c *Client) applyLocked(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 5
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.BreakerFailures <= 0 {
		cfg.BreakerFailures = 5
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = 30 * time.Second
	}
	c.cfg = cfg
	// burst = rate so short spikes pass
	c.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// Start launches the worker pool. Idempotent.
func (c *Client) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.queue != nil {
		return
	}
	c.queue = make(chan job, c.cfg.QueueSize)
	c.accepting = true
	c.sup = rtsup.New(ctx, rtsup.WithLogger(c.log))
	q := c.queue
	for i := 0; i < c.cfg.Workers; i++ {
		c.sup.GoRestart(fmt.Sprintf("webhook.worker.%d", i), func(wctx context.Context) error {
			c.workerLoop(wctx, q)
			return nil
		})
	}
}

// Stop refuses new work and drains the queue until ctx is done; after that
// in-flight sends are canceled.
func (c *Client) Stop(ctx context.Context) {
	c.mu.Lock()
	q, sup := c.queue, c.sup
	if q == nil || !c.accepting {
		c.mu.Unlock()
		return
	}
	c.accepting = false
	c.mu.Unlock()

	c.enqueueWG.Wait()
	close(q)

	done := make(chan struct{})
	go func() {
		_ = sup.Wait(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		sup.Cancel()
		<-done
	}

	c.mu.Lock()
	c.queue, c.sup = nil, nil
	c.mu.Unlock()
}

// Dispatch queues msg for async delivery and returns immediately. done, if
// non-nil, receives the final outcome on a worker goroutine.
func (c *Client) Dispatch(url string, msg Message, done func(error)) {
	finish := func(err error) {
		if done != nil {
			done(err)
		}
	}
	c.mu.Lock()
	if !c.accepting || c.queue == nil {
		c.mu.Unlock()
		finish(ErrStopped)
		return
	}
	q := c.queue
	c.enqueueWG.Add(1)
	c.mu.Unlock()
	defer c.enqueueWG.Done()

	select {
	case q <- job{url: url, msg: msg, done: done}:
	default:
		c.log.Warn("webhook queue full; message dropped")
		metrics.WebhookSends.WithLabelValues("dropped").Inc()
		finish(ErrQueueFull)
	}
}

// Send performs one POST, guarded by the URL's breaker.
func (c *Client) Send(ctx context.Context, url string, msg Message) error {
	url = strings.TrimSpace(url)
	if url == "" {
		return errors.New("webhook url is empty")
	}
	c.mu.Lock()
	timeout := c.cfg.Timeout
	c.mu.Unlock()

	_, err := c.breaker(url).Execute(func() (struct{}, error) {
		return struct{}{}, c.post(ctx, url, msg, timeout)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %v", ErrCircuitOpen, err)
	}
	return err
}

func (c *Client) post(ctx context.Context, url string, msg Message, timeout time.Duration) error {
	body, err := json.Marshal(payload{
		MsgType: "text",
		Text:    textPayload{Content: msg.Content, MentionedMobileList: nonEmpty(msg.Mentions)},
	})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook: status %d", resp.StatusCode)
	}
	var r response
	if json.Unmarshal(raw, &r) == nil && r.ErrCode != nil && *r.ErrCode != 0 {
		return fmt.Errorf("webhook: errcode %d: %s", *r.ErrCode, r.ErrMsg)
	}
	return nil
}

func (c *Client) breaker(url string) *gobreaker.CircuitBreaker[struct{}] {
	c.bmu.Lock()
	defer c.bmu.Unlock()
	if cb, ok := c.breakers[url]; ok {
		return cb
	}
	c.mu.Lock()
	failures, cooldown := uint32(c.cfg.BreakerFailures), c.cfg.BreakerCooldown
	c.mu.Unlock()
	log := c.log
	cb := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        redact(url),
		MaxRequests: 1,
		Timeout:     cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("webhook breaker state changed", logx.String("url", name), logx.String("from", from.String()), logx.String("to", to.String()))
		},
	})
	c.breakers[url] = cb
	return cb
}

func (c *Client) workerLoop(ctx context.Context, q <-chan job) {
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-q:
			if !ok {
				return
			}
			err := c.sendWithRetry(ctx, j)
			if err != nil {
				c.log.Warn("webhook delivery failed", logx.String("url", redact(j.url)), logx.Err(err))
				metrics.WebhookSends.WithLabelValues("failed").Inc()
			} else {
				c.log.Debug("webhook delivered", logx.String("url", redact(j.url)))
				metrics.WebhookSends.WithLabelValues("sent").Inc()
			}
			if j.done != nil {
				j.done(err)
			}
		}
	}
}

func (c *Client) sendWithRetry(ctx context.Context, j job) error {
	c.mu.Lock()
	cfg, lim := c.cfg, c.limiter
	c.mu.Unlock()

	attempts := 1 + cfg.RetryMax
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			return err
		}
		lastErr = c.Send(ctx, j.url, j.msg)
		if lastErr == nil || errors.Is(lastErr, ErrCircuitOpen) {
			return lastErr
		}
		c.log.Debug("webhook send failed", logx.Int("attempt", attempt), logx.Int("max", attempts), logx.Err(lastErr))
		if attempt == attempts {
			break
		}
		t := time.NewTimer(retryDelay(cfg, attempt))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
	}
	return lastErr
}

// retryDelay is base*2^(attempt-1) capped at RetryMaxDelay, with 0.7..1.3 jitter.
func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt && d < cfg.RetryMaxDelay; i++ {
		d *= 2
	}
	d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	if d > cfg.RetryMaxDelay {
		d = cfg.RetryMaxDelay
	}
	return d
}

func nonEmpty(in []string) []string {
	var out []string
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// redact keeps scheme and host; webhook keys live in the query string.
func redact(url string) string {
	if i := strings.IndexByte(url, '?'); i >= 0 {
		return url[:i]
	}
	return url
}
