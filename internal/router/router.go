package router

import (
	"fmt"
	"strings"

	"edge-router/internal/model"
)

// Params holds named path captures from a match. The trailing wildcard
// remainder, if any, is stored under "*".
type Params map[string]string

// Table evaluates routes in declared order; the first route whose host,
// method set and path pattern all match wins. Declaration order IS
// precedence, there is no specificity reordering.
type Table struct {
	routes   []model.Route
	patterns []pattern
}

type segment struct {
	literal string // set for literal segments
	param   string // set for {name} segments
}

type pattern struct {
	segments []segment
	wildcard bool // trailing "*" consumes the remainder
}

// New compiles the route list. Patterns are validated here so per-request
// matching never fails.
func New(routes []model.Route) (*Table, error) {
	t := &Table{routes: routes, patterns: make([]pattern, len(routes))}
	for i := range routes {
		p, err := compile(routes[i].Path)
		if err != nil {
			return nil, fmt.Errorf("route %q: %w", routes[i].ID, err)
		}
		t.patterns[i] = p
	}
	return t, nil
}

// Match returns the first matching route and its captured params.
// Host matching is case-insensitive and ignores the port; path matching is
// case-sensitive. A pure function of (method, host, path).
func (t *Table) Match(method, host, path string) (*model.Route, Params, bool) {
	h := strings.ToLower(hostOnly(host))
	for i := range t.routes {
		r := &t.routes[i]
		if !hostMatch(r.Host, h) {
			continue
		}
		if !methodMatch(r.Methods, method) {
			continue
		}
		if params, ok := t.patterns[i].match(path); ok {
			return r, params, true
		}
	}
	return nil, nil, false
}

// Routes exposes the declared route list, e.g. for the admin dump.
func (t *Table) Routes() []model.Route { return t.routes }

func compile(raw string) (pattern, error) {
	if !strings.HasPrefix(raw, "/") {
		return pattern{}, fmt.Errorf("path pattern %q must start with '/'", raw)
	}
	var p pattern
	segs := strings.Split(strings.TrimPrefix(raw, "/"), "/")
	for i, s := range segs {
		switch {
		case s == "*":
			if i != len(segs)-1 {
				return pattern{}, fmt.Errorf("path pattern %q: '*' only allowed as the last segment", raw)
			}
			p.wildcard = true
		case strings.HasPrefix(s, "{") && strings.HasSuffix(s, "}"):
			name := s[1 : len(s)-1]
			if name == "" || name == "*" {
				return pattern{}, fmt.Errorf("path pattern %q: empty param name", raw)
			}
			p.segments = append(p.segments, segment{param: name})
		case strings.Contains(s, "{") || strings.Contains(s, "}") || strings.Contains(s, "*"):
			return pattern{}, fmt.Errorf("path pattern %q: malformed segment %q", raw, s)
		case s == "" && len(segs) == 1:
			// "/" matches the root only (or everything via "/*")
		case s == "" && i == len(segs)-1:
			// trailing slash: require it on the request path too
			p.segments = append(p.segments, segment{literal: ""})
		case s == "":
			return pattern{}, fmt.Errorf("path pattern %q: empty segment", raw)
		default:
			p.segments = append(p.segments, segment{literal: s})
		}
	}
	return p, nil
}

func (p pattern) match(path string) (Params, bool) {
	if !strings.HasPrefix(path, "/") {
		return nil, false
	}
	reqSegs := strings.Split(path[1:], "/")
	if len(reqSegs) == 1 && reqSegs[0] == "" {
		reqSegs = nil // bare root
	}
	if len(reqSegs) < len(p.segments) {
		return nil, false
	}
	params := Params{}
	for i, seg := range p.segments {
		cur := reqSegs[i]
		if seg.param != "" {
			if cur == "" {
				return nil, false
			}
			params[seg.param] = cur
			continue
		}
		if seg.literal != cur {
			return nil, false
		}
	}
	rest := reqSegs[len(p.segments):]
	if p.wildcard {
		params["*"] = strings.Join(rest, "/")
		return params, true
	}
	if len(rest) != 0 {
		return nil, false
	}
	return params, true
}

func hostMatch(pat, host string) bool {
	switch {
	case pat == "" || pat == "*":
		return true
	case strings.HasPrefix(pat, "*."):
		return strings.HasSuffix(host, strings.ToLower(pat[1:])) // ".suffix"
	default:
		return strings.ToLower(pat) == host
	}
}

func methodMatch(methods []string, method string) bool {
	if len(methods) == 0 {
		return true
	}
	for _, m := range methods {
		if strings.EqualFold(m, method) {
			return true
		}
	}
	return false
}

func hostOnly(h string) string {
	if i := strings.IndexByte(h, ':'); i >= 0 {
		return h[:i]
	}
	return h
}
