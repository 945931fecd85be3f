package enrichclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newGraphQLServer(t *testing.T, calls *atomic.Int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var req gqlRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		ids, _ := req.Variables["ids"].([]any)
		items := make([]map[string]string, 0, len(ids))
		for _, id := range ids {
			s := id.(string)
			if s == "missing" {
				continue
			}
			items = append(items, map[string]string{"id": s, "label": "label-" + s, "contentUrl": "https://cdn.example.com/" + s})
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"data": map[string]any{"attachments": items}})
	}))
}

func TestHydrateKeepsRefOrderAndSkipsUnknown(t *testing.T) {
	var calls atomic.Int32
	srv := newGraphQLServer(t, &calls)
	defer srv.Close()

	c := NewClient(Config{URL: srv.URL})
	items, err := c.Hydrate(context.Background(), "tok", []string{"b", "missing", "a", "b"})
	if err != nil {
		t.Fatalf("hydrate: %v", err)
	}
	if len(items) != 2 || items[0].ID != "b" || items[1].ID != "a" {
		t.Fatalf("unexpected items: %+v", items)
	}
	if items[1].ContentURL != "https://cdn.example.com/a" {
		t.Fatalf("unexpected content url: %q", items[1].ContentURL)
	}
}

func TestHydrateUsesRedisCache(t *testing.T) {
	var calls atomic.Int32
	srv := newGraphQLServer(t, &calls)
	defer srv.Close()
	redisSrv := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: redisSrv.Addr()})
	defer rdb.Close()

	c := NewClient(Config{URL: srv.URL, Cache: rdb, CacheTTL: time.Minute})
	ctx := context.Background()
	if _, err := c.Hydrate(ctx, "tok", []string{"a"}); err != nil {
		t.Fatalf("first hydrate: %v", err)
	}
	items, err := c.Hydrate(ctx, "tok", []string{"a"})
	if err != nil {
		t.Fatalf("second hydrate: %v", err)
	}
	if len(items) != 1 || items[0].Label != "label-a" {
		t.Fatalf("unexpected cached items: %+v", items)
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("expected one upstream call, got %d", got)
	}
	if ttl := redisSrv.TTL("threadline:enrich:" + credentialScope("tok") + ":a"); ttl != time.Minute {
		t.Fatalf("unexpected cache ttl: %v", ttl)
	}
}

func TestHydrateCacheIsScopedToCredential(t *testing.T) {
	var calls atomic.Int32
	srv := newGraphQLServer(t, &calls)
	defer srv.Close()
	redisSrv := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: redisSrv.Addr()})
	defer rdb.Close()

	c := NewClient(Config{URL: srv.URL, Cache: rdb, CacheTTL: time.Minute})
	ctx := context.Background()
	if _, err := c.Hydrate(ctx, "tok", []string{"secret-card"}); err != nil {
		t.Fatalf("authorized hydrate: %v", err)
	}
	items, err := c.Hydrate(ctx, "someone-else", []string{"secret-card"})
	if err == nil || len(items) != 0 {
		t.Fatalf("expected other credential to be rejected upstream, got items=%+v err=%v", items, err)
	}
	if got := calls.Load(); got != 2 {
		t.Fatalf("expected the second credential to reach upstream, got %d calls", got)
	}
	if redisSrv.Exists("threadline:enrich:secret-card") {
		t.Fatalf("cache entry must not be shared across credentials")
	}
}

func TestHydrateSurfacesUpstreamFailure(t *testing.T) {
	var calls atomic.Int32
	srv := newGraphQLServer(t, &calls)
	defer srv.Close()

	if _, err := NewClient(Config{URL: srv.URL}).Hydrate(context.Background(), "wrong", []string{"a"}); err == nil {
		t.Fatalf("expected error on 401")
	}
}

func TestNilClientHydratesNothing(t *testing.T) {
	c := NewClient(Config{})
	items, err := c.Hydrate(context.Background(), "tok", []string{"a"})
	if err != nil || items != nil {
		t.Fatalf("expected no-op, got %v %v", items, err)
	}
}
