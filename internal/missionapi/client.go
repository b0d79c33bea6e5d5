// Package missionapi talks to the upstream queue ("mission") endpoints.
package missionapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	logx "reviewguard/pkg/logx"
)

var (
	ErrNetwork = errors.New("mission api: network failure")
	ErrParse   = errors.New("mission api: parse failure")
)

// Mission is one upstream queue.
type Mission struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

type Config struct {
	CatalogURL string
	QueryURL   string
	DetailURL  string // "{queue_id}" and "{item_id}" are substituted
	Headers    map[string]string
	Timeout    time.Duration // default 10s
	RatePerSec int           // 0: unlimited
}

type Client struct {
	http *http.Client
	log  logx.Logger

	mu      sync.RWMutex
	cfg     Config
	limiter *rate.Limiter
}

func New(cfg Config, hc *http.Client, log logx.Logger) *Client {
	if hc == nil {
		hc = &http.Client{}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	c := &Client{http: hc, log: log}
	c.Apply(cfg)
	return c
}

func (c *Client) Apply(cfg Config) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	var lim *rate.Limiter
	if cfg.RatePerSec > 0 {
		lim = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	}
	c.mu.Lock()
	c.cfg = cfg
	c.limiter = lim
	c.mu.Unlock()
}

func (c *Client) config() (Config, *rate.Limiter) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfg, c.limiter
}

// Configured reports whether both endpoints are set.
func (c *Client) Configured() bool {
	cfg, _ := c.config()
	return cfg.CatalogURL != "" && cfg.QueryURL != ""
}

type envelope[T any] struct {
	Status  *int   `json:"status"`
	Message string `json:"message,omitempty"`
	Data    T      `json:"data"`
}

// ListMissions fetches the queue catalog.
func (c *Client) ListMissions(ctx context.Context) ([]Mission, error) {
	cfg, _ := c.config()
	if cfg.CatalogURL == "" {
		return nil, fmt.Errorf("%w: catalog_url not configured", ErrNetwork)
	}
	var env envelope[struct {
		Missions []Mission `json:"missions"`
	}]
	if err := c.getJSON(ctx, cfg.CatalogURL, nil, &env); err != nil {
		return nil, err
	}
	if err := checkStatus(env.Status, env.Message); err != nil {
		return nil, err
	}
	out := make([]Mission, 0, len(env.Data.Missions))
	for _, m := range env.Data.Missions {
		if m.ID = strings.TrimSpace(m.ID); m.ID != "" {
			out = append(out, m)
		}
	}
	return out, nil
}

type filterClause struct {
	Key   string `json:"key"`
	Op    string `json:"op"`
	Value string `json:"value"`
}

// CountHits returns how many entries in queueID reference itemID.
func (c *Client) CountHits(ctx context.Context, queueID, itemID string) (int, error) {
	cfg, _ := c.config()
	if cfg.QueryURL == "" {
		return 0, fmt.Errorf("%w: query_url not configured", ErrNetwork)
	}
	filter, err := json.Marshal([]filterClause{{Key: "item_id", Op: "=", Value: itemID}})
	if err != nil {
		return 0, err
	}
	params := url.Values{}
	params.Set("mission_id", queueID)
	params.Set("filter", string(filter))

	var env envelope[struct {
		Total int `json:"total"`
	}]
	if err := c.getJSON(ctx, cfg.QueryURL, params, &env); err != nil {
		return 0, err
	}
	if err := checkStatus(env.Status, env.Message); err != nil {
		return 0, err
	}
	return env.Data.Total, nil
}

// DetailURL renders the configured template; empty when none is set.
func (c *Client) DetailURL(queueID, itemID string) string {
	cfg, _ := c.config()
	if cfg.DetailURL == "" {
		return ""
	}
	r := strings.NewReplacer(
		"{queue_id}", url.QueryEscape(queueID),
		"{item_id}", url.QueryEscape(itemID),
	)
	return r.Replace(cfg.DetailURL)
}

func (c *Client) getJSON(ctx context.Context, rawURL string, params url.Values, out any) error {
	cfg, lim := c.config()
	if lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return fmt.Errorf("%w: %v", ErrNetwork, err)
		}
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: bad url: %v", ErrNetwork, err)
	}
	if len(params) > 0 {
		q := u.Query()
		for k, vs := range params {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		u.RawQuery = q.Encode()
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range cfg.Headers {
		req.Header.Set(k, v)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("%w: read body: %v", ErrNetwork, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: status %d", ErrNetwork, resp.StatusCode)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: %v", ErrParse, err)
	}
	return nil
}

func checkStatus(status *int, msg string) error {
	if status == nil {
		return fmt.Errorf("%w: missing status", ErrParse)
	}
	if *status != 0 {
		return fmt.Errorf("%w: status %d %s", ErrNetwork, *status, msg)
	}
	return nil
}
