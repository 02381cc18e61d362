package router

import (
	"testing"

	"edge-router/internal/model"
)

func mustTable(t *testing.T, routes []model.Route) *Table {
	t.Helper()
	tab, err := New(routes)
	if err != nil {
		t.Fatalf("compile routes: %v", err)
	}
	return tab
}

func TestMatch_DeclaredOrderWins(t *testing.T) {
	// r2 is more specific but declared later; r1 must still win.
	tab := mustTable(t, []model.Route{
		{ID: "r1", Host: "api.example.com", Path: "/v1/*"},
		{ID: "r2", Host: "api.example.com", Path: "/v1/users/{id}"},
	})

	r, _, ok := tab.Match("GET", "api.example.com", "/v1/users/42")
	if !ok || r.ID != "r1" {
		t.Fatalf("want r1 (declared first), got %+v", r)
	}
}

func TestMatch_Deterministic(t *testing.T) {
	tab := mustTable(t, []model.Route{
		{ID: "a", Host: "*", Path: "/x/{p}"},
		{ID: "b", Host: "*", Path: "/x/*"},
	})
	for i := 0; i < 100; i++ {
		r, _, ok := tab.Match("GET", "h", "/x/y")
		if !ok || r.ID != "a" {
			t.Fatalf("iteration %d: want a, got %+v", i, r)
		}
	}
}

func TestMatch_HostPatterns(t *testing.T) {
	tab := mustTable(t, []model.Route{
		{ID: "exact", Host: "app.example.com", Path: "/*"},
		{ID: "wild", Host: "*.example.com", Path: "/*"},
		{ID: "any", Host: "*", Path: "/*"},
	})

	cases := []struct {
		host string
		want string
	}{
		{"app.example.com", "exact"},
		{"APP.Example.COM:8443", "exact"}, // case/port insensitive
		{"sub.example.com", "wild"},
		{"deep.sub.example.com", "wild"},
		{"example.com", "any"}, // "*.example.com" does not match the apex
		{"other.io", "any"},
	}
	for _, c := range cases {
		r, _, ok := tab.Match("GET", c.host, "/hi")
		if !ok || r.ID != c.want {
			t.Errorf("host %q: want %s, got %+v", c.host, c.want, r)
		}
	}
}

func TestMatch_Methods(t *testing.T) {
	tab := mustTable(t, []model.Route{
		{ID: "ro", Host: "*", Path: "/v1/*", Methods: []string{"GET", "HEAD"}},
		{ID: "rw", Host: "*", Path: "/v1/*"},
	})

	if r, _, ok := tab.Match("GET", "h", "/v1/x"); !ok || r.ID != "ro" {
		t.Fatalf("GET: want ro, got %+v", r)
	}
	if r, _, ok := tab.Match("post", "h", "/v1/x"); !ok || r.ID != "rw" {
		t.Fatalf("POST: want rw, got %+v", r)
	}
}

func TestMatch_ParamsAndWildcard(t *testing.T) {
	tab := mustTable(t, []model.Route{
		{ID: "u", Host: "*", Path: "/users/{id}/posts/{post}"},
		{ID: "w", Host: "*", Path: "/files/*"},
	})

	r, params, ok := tab.Match("GET", "h", "/users/7/posts/99")
	if !ok || r.ID != "u" {
		t.Fatalf("want u, got %+v", r)
	}
	if params["id"] != "7" || params["post"] != "99" {
		t.Fatalf("params: got %v", params)
	}

	_, params, ok = tab.Match("GET", "h", "/files/a/b/c.txt")
	if !ok || params["*"] != "a/b/c.txt" {
		t.Fatalf("wildcard capture: got %v", params)
	}

	// wildcard matches the empty remainder too
	if _, params, ok = tab.Match("GET", "h", "/files"); !ok || params["*"] != "" {
		t.Fatalf("empty remainder: got ok=%v %v", ok, params)
	}

	// param segments are case-sensitive on literals and consume exactly one segment
	if _, _, ok = tab.Match("GET", "h", "/Users/7/posts/9"); ok {
		t.Fatal("path matching must be case-sensitive")
	}
	if _, _, ok = tab.Match("GET", "h", "/users/7/posts"); ok {
		t.Fatal("missing segment must not match")
	}
	if _, _, ok = tab.Match("GET", "h", "/users/7/posts/9/extra"); ok {
		t.Fatal("extra segment must not match")
	}
}

func TestMatch_NoMatch(t *testing.T) {
	tab := mustTable(t, []model.Route{
		{ID: "r", Host: "api.example.com", Path: "/v1/*"},
	})
	if _, _, ok := tab.Match("GET", "other.example.com", "/v1/x"); ok {
		t.Fatal("host mismatch must not match")
	}
	if _, _, ok := tab.Match("GET", "api.example.com", "/v2/x"); ok {
		t.Fatal("path mismatch must not match")
	}
}

func TestCompile_Invalid(t *testing.T) {
	bad := []string{"v1", "/a/*/b", "/a/{}/b", "/a/b{x}", "/a//b"}
	for _, p := range bad {
		if _, err := New([]model.Route{{ID: "x", Path: p}}); err == nil {
			t.Errorf("pattern %q: want error", p)
		}
	}
}

func TestMatch_Root(t *testing.T) {
	tab := mustTable(t, []model.Route{
		{ID: "root", Host: "*", Path: "/"},
		{ID: "rest", Host: "*", Path: "/*"},
	})
	if r, _, _ := tab.Match("GET", "h", "/"); r == nil || r.ID != "root" {
		t.Fatalf("want root, got %+v", r)
	}
	if r, _, _ := tab.Match("GET", "h", "/anything"); r == nil || r.ID != "rest" {
		t.Fatalf("want rest, got %+v", r)
	}
}