package missionapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	logx "reviewguard/pkg/logx"
)

func TestListMissions(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Cookie") != "sid=1" {
			t.Errorf("cookie header = %q", r.Header.Get("Cookie"))
		}
		_, _ = w.Write([]byte(`{"status":0,"data":{"missions":[{"id":"q1","title":"Queue 1"},{"id":" ","title":"blank"},{"id":"q2","title":"Queue 2"}]}}`))
	}))
	defer srv.Close()

	c := New(Config{CatalogURL: srv.URL, Headers: map[string]string{"Cookie": "sid=1"}}, srv.Client(), logx.Nop())
	ms, err := c.ListMissions(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(ms) != 2 || ms[0].ID != "q1" || ms[1].Title != "Queue 2" {
		t.Fatalf("missions = %+v", ms)
	}
}

func TestCountHitsEncodesFilter(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("mission_id") != "q7" {
			t.Errorf("mission_id = %q", q.Get("mission_id"))
		}
		var f []map[string]string
		if err := json.Unmarshal([]byte(q.Get("filter")), &f); err != nil {
			t.Errorf("filter not json: %v", err)
		}
		if len(f) != 1 || f[0]["key"] != "item_id" || f[0]["op"] != "=" || f[0]["value"] != "item 42" {
			t.Errorf("filter = %v", f)
		}
		_, _ = w.Write([]byte(`{"status":0,"data":{"total":3}}`))
	}))
	defer srv.Close()

	c := New(Config{QueryURL: srv.URL + "/query"}, srv.Client(), logx.Nop())
	n, err := c.CountHits(context.Background(), "q7", "item 42")
	if err != nil || n != 3 {
		t.Fatalf("n=%d err=%v", n, err)
	}
}

func TestErrorTaxonomy(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{"http error", http.StatusForbidden, `{}`, ErrNetwork},
		{"bad json", http.StatusOK, `<html>`, ErrParse},
		{"api status", http.StatusOK, `{"status":1,"message":"login required"}`, ErrNetwork},
		{"missing status", http.StatusOK, `{"data":{"total":1}}`, ErrParse},
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
			c := New(Config{QueryURL: srv.URL}, srv.Client(), logx.Nop())
			_, err := c.CountHits(context.Background(), "q", "i")
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestDetailURL(t *testing.T) {
	t.Parallel()
	c := New(Config{DetailURL: "https://up.example/m/{queue_id}?item={item_id}"}, nil, logx.Nop())
	if got := c.DetailURL("q1", "a b"); got != "https://up.example/m/q1?item=a+b" {
		t.Fatalf("detail = %s", got)
	}
	if New(Config{}, nil, logx.Nop()).DetailURL("q", "i") != "" {
		t.Fatalf("expected empty detail url")
	}
}
