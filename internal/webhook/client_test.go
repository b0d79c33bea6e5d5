package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	logx "reviewguard/pkg/logx"
)

func TestSendWireShape(t *testing.T) {
	t.Parallel()
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content-type = %q", ct)
		}
		b, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(b, &got)
		_, _ = w.Write([]byte(`{"errcode":0,"errmsg":"ok"}`))
	}))
	defer srv.Close()

	c := New(Config{}, srv.Client(), logx.Nop())
	if err := c.Send(context.Background(), srv.URL, Message{Content: "12:00:00 投诉 未确认", Mentions: []string{"138", " "}}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if got["msgtype"] != "text" {
		t.Fatalf("msgtype = %v", got["msgtype"])
	}
	text := got["text"].(map[string]any)
	if text["content"] != "12:00:00 投诉 未确认" {
		t.Fatalf("content = %v", text["content"])
	}
	list := text["mentioned_mobile_list"].([]any)
	if len(list) != 1 || list[0] != "138" {
		t.Fatalf("mentions = %v", list)
	}
}

func TestSendOmitsEmptyMentions(t *testing.T) {
	t.Parallel()
	var raw string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		raw = string(b)
	}))
	defer srv.Close()

	c := New(Config{}, srv.Client(), logx.Nop())
	if err := c.Send(context.Background(), srv.URL, Message{Content: "x"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if raw != `{"msgtype":"text","text":{"content":"x"}}` {
		t.Fatalf("body = %s", raw)
	}
}

func TestSendErrors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"non 2xx", http.StatusInternalServerError, ``},
		{"errcode", http.StatusOK, `{"errcode":93000,"errmsg":"invalid webhook url"}`},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()
			c := New(Config{}, srv.Client(), logx.Nop())
			if err := c.Send(context.Background(), srv.URL, Message{Content: "x"}); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestBreakerOpensAfterFailures(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := New(Config{BreakerFailures: 2, BreakerCooldown: time.Minute}, srv.Client(), logx.Nop())
	ctx := context.Background()
	_ = c.Send(ctx, srv.URL, Message{Content: "1"})
	_ = c.Send(ctx, srv.URL, Message{Content: "2"})
	err := c.Send(ctx, srv.URL, Message{Content: "3"})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("err = %v, want circuit open", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("server calls = %d", calls.Load())
	}
}

func TestDispatchRetriesAndReportsOutcome(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"errcode":0}`))
	}))
	defer srv.Close()

	c := New(Config{RetryMax: 2, RetryBase: 10 * time.Millisecond, RetryMaxDelay: 20 * time.Millisecond}, srv.Client(), logx.Nop())
	c.Start(context.Background())
	defer c.Stop(context.Background())

	done := make(chan error, 1)
	c.Dispatch(srv.URL, Message{Content: "hi"}, func(err error) { done <- err })
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("outcome: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("no outcome")
	}
	if calls.Load() != 2 {
		t.Fatalf("calls = %d", calls.Load())
	}
}

func TestDispatchWhenStopped(t *testing.T) {
	t.Parallel()
	c := New(Config{}, nil, logx.Nop())
	var got error
	c.Dispatch("http://127.0.0.1:1", Message{Content: "x"}, func(err error) { got = err })
	if !errors.Is(got, ErrStopped) {
		t.Fatalf("err = %v", got)
	}
}

func TestRetryDelayBounds(t *testing.T) {
	t.Parallel()
	cfg := Config{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second}
	for attempt := 1; attempt <= 8; attempt++ {
		d := retryDelay(cfg, attempt)
		if d <= 0 || d > time.Second {
			t.Fatalf("attempt %d: delay %v out of bounds", attempt, d)
		}
	}
}
