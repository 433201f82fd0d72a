// Package router implements the deterministic, regex-based path matcher
// described in spec §4.1. Unlike a prefix-tree matcher, routes are compiled
// once at startup, sorted by specificity, and matched by linear scan; a
// duplicate/ambiguous pattern is rejected at startup rather than resolved
// silently at request time.
package router

import (
	"fmt"
	"sort"
	"strings"

	"github.com/maltehedderich/api-gateway-go/gwerrors"
)

// Route is the configuration-facing description of one routable path.
type Route struct {
	ID           string
	Priority     int // explicit author-assigned rank; higher is tried first
	Methods      []string // empty means "any method"
	Pattern      string   // e.g. "/users/{id}/orders/{orderID}"
	UpstreamID   string
	AuthRequired bool
	Permissions  [][]string // any-of sets, each an all-of set
	RateLimitKey string
	PassSession  bool // forward the session cookie to the upstream instead of stripping it
}

// compiled pairs a Route with its CompiledPattern and is what the Router
// actually scans at request time.
type compiled struct {
	route   Route
	pattern *CompiledPattern
	methods map[string]bool // nil means any method
}

// Router holds the immutable, sorted route table built once at startup.
type Router struct {
	routes []compiled
}

// New compiles every route, rejects ambiguous patterns, and returns a
// Router with routes pre-sorted by descending priority, then descending
// specificity, so Match is a simple linear scan that returns the first hit.
func New(routes []Route) (*Router, error) {
	compiledRoutes := make([]compiled, 0, len(routes))
	for _, r := range routes {
		if r.ID == "" {
			return nil, fmt.Errorf("route with pattern %q has no id", r.Pattern)
		}
		cp, err := compilePattern(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("route %q: %w", r.ID, err)
		}
		var methods map[string]bool
		if len(r.Methods) > 0 {
			methods = make(map[string]bool, len(r.Methods))
			for _, m := range r.Methods {
				methods[strings.ToUpper(m)] = true
			}
		}
		compiledRoutes = append(compiledRoutes, compiled{route: r, pattern: cp, methods: methods})
	}

	if err := detectCollisions(compiledRoutes); err != nil {
		return nil, err
	}

	sort.SliceStable(compiledRoutes, func(i, j int) bool {
		if compiledRoutes[i].route.Priority != compiledRoutes[j].route.Priority {
			return compiledRoutes[i].route.Priority > compiledRoutes[j].route.Priority
		}
		return compiledRoutes[i].pattern.Specificity > compiledRoutes[j].pattern.Specificity
	})

	return &Router{routes: compiledRoutes}, nil
}

// detectCollisions rejects two routes of equal priority that share an
// identical pattern shape with an overlapping method set, per the
// startup check in spec §4.1: such a pair would otherwise be ordered
// only by sort stability rather than by an explicit author decision.
func detectCollisions(routes []compiled) error {
	type key struct {
		priority int
		shape    string
		method   string
	}
	seen := make(map[key]string) // priority+shape+method -> route id

	for _, c := range routes {
		shape := patternShape(c.pattern)
		methodKeys := []string{"*"}
		if c.methods != nil {
			methodKeys = methodKeys[:0]
			for m := range c.methods {
				methodKeys = append(methodKeys, m)
			}
		}
		for _, m := range methodKeys {
			k := key{priority: c.route.Priority, shape: shape, method: m}
			if existing, ok := seen[k]; ok {
				return fmt.Errorf("route %q collides with route %q: identical pattern shape %q, priority %d, method %q",
					c.route.ID, existing, shape, c.route.Priority, m)
			}
			seen[k] = c.route.ID
		}
	}
	return nil
}

func patternShape(p *CompiledPattern) string {
	var b strings.Builder
	for _, s := range p.segments {
		switch s.kind {
		case segLiteral:
			b.WriteString("/L:")
			b.WriteString(s.value)
		case segCapture:
			b.WriteString("/C")
		case segWildcard:
			b.WriteString("/W")
		}
	}
	return b.String()
}

// Match scans the sorted route table in order and returns the first route
// whose pattern matches path. If one or more routes match the path but
// none accepts method, a MethodNotAllowed error is returned listing every
// method accepted by a path-matching route (spec §4.1 edge case).
func (rt *Router) Match(method, path string) (*Route, map[string]string, error) {
	var allowed []string
	seenAllowed := make(map[string]bool)

	for _, c := range rt.routes {
		params, ok := c.pattern.Match(path)
		if !ok {
			continue
		}
		if c.methods == nil || c.methods[strings.ToUpper(method)] {
			if err := validateParams(params); err != nil {
				return nil, nil, err
			}
			route := c.route
			return &route, params, nil
		}
		for m := range c.methods {
			if !seenAllowed[m] {
				seenAllowed[m] = true
				allowed = append(allowed, m)
			}
		}
	}

	if len(allowed) > 0 {
		sort.Strings(allowed)
		return nil, nil, gwerrors.NewMethodNotAllowed(allowed)
	}
	return nil, nil, gwerrors.NewRouteNotFound()
}

// validateParams rejects captured values containing control characters, a
// literal newline, or a whole segment equal to "..", defending upstreams
// against path traversal and header/log injection via path parameters. A
// captured value is also checked after fully decoding any remaining
// percent-escapes (notably "%2F"), so a ".." smuggled past the router's
// own segment boundaries under an encoded slash is still caught before
// the value is forwarded upstream.
func validateParams(params map[string]string) error {
	for name, v := range params {
		if err := rejectDotDotSegment(name, v); err != nil {
			return err
		}
		if decoded := percentDecodeAll(v); decoded != v {
			if err := rejectDotDotSegment(name, decoded); err != nil {
				return err
			}
		}
		for _, r := range v {
			if r < 0x20 {
				return gwerrors.NewBadRequest(fmt.Sprintf("path parameter %q contains a control character", name))
			}
		}
	}
	return nil
}

func rejectDotDotSegment(name, v string) error {
	if v == ".." {
		return gwerrors.NewBadRequest(fmt.Sprintf("path parameter %q must not be \"..\"", name))
	}
	for _, seg := range strings.Split(v, "/") {
		if seg == ".." {
			return gwerrors.NewBadRequest(fmt.Sprintf("path parameter %q must not contain \"..\"", name))
		}
	}
	return nil
}
