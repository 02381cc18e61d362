package proxy

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"edge-router/internal/forward"
	"edge-router/internal/health"
	"edge-router/internal/lb"
	"edge-router/internal/model"
	"edge-router/internal/pipeline"
	"edge-router/internal/router"
)

func mustURL(t *testing.T, s string) *url.URL {
	t.Helper()
	u, err := url.Parse(s)
	if err != nil {
		t.Fatalf("parse url %q: %v", s, err)
	}
	return u
}

// deadURL returns a URL nothing listens on.
func deadURL(t *testing.T) *url.URL {
	t.Helper()
	srv := httptest.NewServer(http.NewServeMux())
	u := mustURL(t, srv.URL)
	srv.Close()
	return u
}

func newDispatcher(t *testing.T) (*Dispatcher, *health.MemoryStore) {
	t.Helper()
	store := health.NewMemoryStore()
	sel := lb.NewSelector(store, health.DefaultOptions())
	return NewDispatcher(sel, store, forward.NewDefaultRegistry(), nil), store
}

func newRC(t *testing.T, route *model.Route, budget time.Duration) *pipeline.RequestContext {
	t.Helper()
	r := httptest.NewRequest("GET", "http://gw.local/v1/ping", nil)
	r.RemoteAddr = "203.0.113.9:1234"
	return pipeline.NewContext(r, route, router.Params{}, budget)
}

func priorityRoute(ups ...model.Upstream) *model.Route {
	return &model.Route{
		ID:        "r",
		Upstreams: ups,
		Selection: model.Selection{Kind: model.SelectPriorityFailover},
	}
}

func TestDo_PriorityFailover(t *testing.T) {
	// A and B refuse connections, C succeeds: exactly 3 attempts and
	// C's response comes back.
	var hits int32
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.Header().Set("X-Origin", "c")
		w.WriteHeader(200)
		_, _ = w.Write([]byte("from c"))
	}))
	defer up.Close()

	route := priorityRoute(
		model.Upstream{ID: "a", URL: deadURL(t), Priority: 1},
		model.Upstream{ID: "b", URL: deadURL(t), Priority: 2},
		model.Upstream{ID: "c", URL: mustURL(t, up.URL), Priority: 3},
	)
	d, _ := newDispatcher(t)
	rc := newRC(t, route, 5*time.Second)

	res := d.Do(context.Background(), rc)
	defer res.Body.Close()

	if res.StatusCode != 200 || res.Header.Get("X-Origin") != "c" {
		t.Fatalf("want c's response, got %d %q", res.StatusCode, res.Header.Get("X-Origin"))
	}
	b, _ := io.ReadAll(res.Body)
	if string(b) != "from c" {
		t.Fatalf("body: got %q", b)
	}
	if len(rc.Tried) != 3 || atomic.LoadInt32(&hits) != 1 {
		t.Fatalf("want exactly 3 attempts (1 reaching c), got tried=%v hits=%d", rc.Tried, hits)
	}
}

func TestDo_BoundedAndSynthesized(t *testing.T) {
	route := priorityRoute(
		model.Upstream{ID: "a", URL: deadURL(t), Priority: 1},
		model.Upstream{ID: "b", URL: deadURL(t), Priority: 2},
	)
	d, store := newDispatcher(t)
	rc := newRC(t, route, 5*time.Second)

	res := d.Do(context.Background(), rc)
	defer res.Body.Close()

	if res.StatusCode != http.StatusBadGateway {
		t.Fatalf("want 502, got %d", res.StatusCode)
	}
	b, _ := io.ReadAll(res.Body)
	if string(b) != "upstream unavailable\n" {
		t.Fatalf("synthesized body leaked details: %q", b)
	}
	if len(rc.Tried) != 2 {
		t.Fatalf("attempts must be bounded by upstream count, tried=%v", rc.Tried)
	}
	for _, id := range []string{"a", "b"} {
		if store.Health(context.Background(), id).ConsecutiveFailures == 0 {
			t.Errorf("failure for %s not reported", id)
		}
	}
}

func TestDo_5xxFailsOver(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", 503)
	}))
	defer bad.Close()
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
	}))
	defer good.Close()

	route := priorityRoute(
		model.Upstream{ID: "bad", URL: mustURL(t, bad.URL), Priority: 1},
		model.Upstream{ID: "good", URL: mustURL(t, good.URL), Priority: 2},
	)
	d, store := newDispatcher(t)
	rc := newRC(t, route, 5*time.Second)

	res := d.Do(context.Background(), rc)
	defer res.Body.Close()
	if res.StatusCode != 200 {
		t.Fatalf("want failover to good, got %d", res.StatusCode)
	}
	if store.Health(context.Background(), "bad").ConsecutiveFailures != 1 {
		t.Error("5xx must be reported as a failure")
	}
	if store.Health(context.Background(), "good").ConsecutiveFailures != 0 {
		t.Error("success must reset health")
	}
}

func TestDo_4xxIsSuccess(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", 404)
	}))
	defer up.Close()

	other := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("second upstream must not be tried on 4xx")
	}))
	defer other.Close()

	route := priorityRoute(
		model.Upstream{ID: "a", URL: mustURL(t, up.URL), Priority: 1},
		model.Upstream{ID: "b", URL: mustURL(t, other.URL), Priority: 2},
	)
	d, _ := newDispatcher(t)

	res := d.Do(context.Background(), newRC(t, route, 5*time.Second))
	defer res.Body.Close()
	if res.StatusCode != 404 {
		t.Fatalf("4xx passes through, got %d", res.StatusCode)
	}
}

func TestDo_OversizedIsFatal(t *testing.T) {
	big := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "1048576")
		w.WriteHeader(200)
	}))
	defer big.Close()
	next := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("fatal outcome must end the loop, not fail over")
	}))
	defer next.Close()

	route := priorityRoute(
		model.Upstream{ID: "big", URL: mustURL(t, big.URL), Priority: 1},
		model.Upstream{ID: "next", URL: mustURL(t, next.URL), Priority: 2},
	)
	d, _ := newDispatcher(t)
	d.MaxResponseBytes = 1024

	res := d.Do(context.Background(), newRC(t, route, 5*time.Second))
	defer res.Body.Close()
	if res.StatusCode != http.StatusBadGateway {
		t.Fatalf("want synthesized 502, got %d", res.StatusCode)
	}
}

func TestDo_BudgetExhausted(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
	}))
	defer up.Close()

	route := priorityRoute(model.Upstream{ID: "a", URL: mustURL(t, up.URL)})
	d, _ := newDispatcher(t)

	rc := newRC(t, route, 5*time.Second)
	rc.Deadline = time.Now().Add(-time.Millisecond) // budget already gone

	res := d.Do(context.Background(), rc)
	defer res.Body.Close()
	if res.StatusCode != http.StatusGatewayTimeout {
		t.Fatalf("want well-formed 504, got %d", res.StatusCode)
	}
	b, _ := io.ReadAll(res.Body)
	if string(b) != "upstream timeout\n" {
		t.Fatalf("body: %q", b)
	}
}

func TestDo_SlowUpstreamTimesOutAndFailsOver(t *testing.T) {
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer slow.Close()
	fast := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
	}))
	defer fast.Close()

	route := priorityRoute(
		model.Upstream{ID: "slow", URL: mustURL(t, slow.URL), Priority: 1},
		model.Upstream{ID: "fast", URL: mustURL(t, fast.URL), Priority: 2},
	)
	d, _ := newDispatcher(t)

	start := time.Now()
	rc := newRC(t, route, 2*time.Second)
	res := d.Do(context.Background(), rc)
	defer res.Body.Close()

	// the first attempt gets half the budget, times out, and the
	// second upstream still answers within the original bound
	if res.StatusCode != 200 {
		t.Fatalf("want failover after per-attempt timeout, got %d", res.StatusCode)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("budget overrun: %v", elapsed)
	}
}

func TestDo_ForwardsRequestShape(t *testing.T) {
	var gotPath, gotXFF, gotHost string
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotXFF = r.Header.Get("X-Forwarded-For")
		gotHost = r.Host
		w.WriteHeader(200)
	}))
	defer up.Close()

	base := mustURL(t, up.URL)
	base.Path = "/base"
	route := priorityRoute(model.Upstream{ID: "a", URL: base})
	d, _ := newDispatcher(t)

	res := d.Do(context.Background(), newRC(t, route, 5*time.Second))
	defer res.Body.Close()

	if gotPath != "/base/v1/ping" {
		t.Errorf("upstream path prefix not joined: %q", gotPath)
	}
	if gotXFF != "203.0.113.9" {
		t.Errorf("XFF: %q", gotXFF)
	}
	if gotHost != base.Host {
		t.Errorf("host: want upstream host %q, got %q", base.Host, gotHost)
	}
}
